package extemu

import (
	"github.com/pkg/errors"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/hv"
)

// GVATranslator resolves a guest virtual address to guest-physical,
// satisfied by *vsstage.Walker. Declared locally (rather than imported
// from internal/trap) so this package has no dependency on the trap
// dispatcher beyond the guest-exception helper it already needs.
type GVATranslator interface {
	Translate(gva addr.GuestVirtualAddress) (addr.GuestPhysicalAddress, error)
}

// GPATranslator resolves a guest-physical address to host-physical,
// satisfied by *gstage.RootPageTable.
type GPATranslator interface {
	Walk(gpa addr.GuestPhysicalAddress) (addr.HostPhysicalAddress, error)
}

// ErrGuestFaultRaised is returned by an extension when it has already
// synthesized a VS-level exception for the guest (via
// trap.RaiseGuestException) instead of completing the instruction. The
// caller must not advance sepc itself in this case -- the guest's trap
// vector is where execution resumes.
var ErrGuestFaultRaised = errors.New("extemu: guest fault raised")

// Extension emulates one RISC-V extension's instructions and CSRs. Each
// Try method reports whether it recognized the decoded instruction;
// unrecognized instructions fall through to the next extension in a
// Manager's list, an explicit ordering a Manager owns rather than a set
// of per-extension global singletons.
type Extension interface {
	// TryInstruction emulates a non-CSR instruction this extension owns.
	TryInstruction(data *hv.Data, vs GVATranslator, g GPATranslator, d Decoded) (handled bool, err error)

	// TryCSR emulates a CSR this extension owns outright (e.g. Zicfiss's
	// ssp at 0x11).
	TryCSR(data *hv.Data, d Decoded) (handled bool, err error)

	// TryCSRField overlays this extension's bits onto a CSR some other
	// component owns (e.g. senvcfg's SSE bit), updating readValue in
	// place and reporting whether it recognized the CSR number.
	TryCSRField(data *hv.Data, d Decoded, writeValue uint64, readValue *uint64) (handled bool)
}

// Manager holds the ordered set of extensions a hart emulates. Extensions
// are tried in registration order; the first to recognize an instruction
// or CSR handles it.
type Manager struct {
	extensions []Extension
}

// NewManager builds a Manager from an explicit extension list. Zicfiss and
// Zbb are the two this hypervisor emulates; passing them in by reference
// (rather than constructing them here) lets the caller retain a pointer to
// *Zicfiss for bootstrap-time senvcfg/henvcfg wiring.
func NewManager(extensions ...Extension) *Manager {
	return &Manager{extensions: extensions}
}

// DispatchInstruction decodes insn and runs it through each registered
// extension in order.
func (m *Manager) DispatchInstruction(data *hv.Data, vs GVATranslator, g GPATranslator, insn uint32) error {
	d := Decode(insn)
	for _, ext := range m.extensions {
		handled, err := ext.TryInstruction(data, vs, g, d)
		if handled || err != nil {
			return err
		}
	}
	return errors.Errorf("extemu: no extension recognizes instruction %#08x", insn)
}

// DispatchCSR decodes insn (a CSR instruction) and runs it through each
// registered extension's dedicated-CSR handler.
func (m *Manager) DispatchCSR(data *hv.Data, insn uint32) error {
	d := Decode(insn)
	for _, ext := range m.extensions {
		handled, err := ext.TryCSR(data, d)
		if handled || err != nil {
			return err
		}
	}
	return errors.Errorf("extemu: no extension owns csr %#x", d.CSR)
}

// OverlayCSRField lets every registered extension contribute its bits to a
// CSR read/write that some other component (the CSR file) primarily owns.
func (m *Manager) OverlayCSRField(data *hv.Data, insn uint32, writeValue uint64, readValue *uint64) {
	d := Decode(insn)
	for _, ext := range m.extensions {
		if ext.TryCSRField(data, d, writeValue, readValue) {
			return
		}
	}
}
