package boot

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/extemu"
	"github.com/tinyrange/rvisor/internal/hostmem"
	"github.com/tinyrange/rvisor/internal/hv"
	"github.com/tinyrange/rvisor/internal/pci"
	"github.com/tinyrange/rvisor/internal/plic"
	"github.com/tinyrange/rvisor/internal/sbi"
	"github.com/tinyrange/rvisor/internal/trap"
	"github.com/tinyrange/rvisor/internal/vsstage"
)

// Machine is the running hypervisor: HandleTrap is its HS-mode trap
// vector. Each call services exactly one guest exit to completion -- the
// guest is suspended in Data.Guest throughout, and the caller resumes it
// (the software equivalent of sret) when HandleTrap returns nil.
type Machine struct {
	Data       *hv.Data
	PLIC       *plic.PLIC
	Hba        *pci.Hba
	Extensions *extemu.Manager
	Firmware   sbi.FirmwareProxy
	RAM        *hostmem.Region

	plicContext int
	log         *logrus.Entry
}

// HandleTrap runs the dispatcher's state machine for one trap and then the
// dedicated handler the classification selects. A non-nil return means the
// hypervisor itself cannot continue; everything the guest merely did wrong
// is forwarded to the guest instead.
func (m *Machine) HandleTrap(t trap.Trap) error {
	m.Data.CSR.Scause = t.Cause
	m.Data.CSR.Stval = t.Stval
	m.Data.CSR.Htval = t.Htval
	m.Data.CSR.Htinst = t.Htinst

	kind, err := trap.Dispatch(m.Data, m.PLIC, m.plicContext, t, m.log)
	if err != nil {
		return err
	}

	switch kind {
	case trap.KindDedicated:
		switch trap.Code(t.Cause) {
		case trap.CauseEcallFromVS:
			m.handleEcall()
		case trap.CauseLoadGuestPageFault:
			return m.handleMMIOFault(t, false)
		case trap.CauseStoreAmoGuestPageFault:
			return m.handleMMIOFault(t, true)
		case trap.CauseVirtualInstruction:
			return m.handleVirtualInstruction(t)
		}
	case trap.KindIllegalInstruction:
		return m.handleIllegalInstruction(t)
	}
	return nil
}

// handleEcall builds the SBI call from the guest's argument registers and
// dispatches it; sbi.Handle writes a0/a1 back and advances sepc itself.
func (m *Machine) handleEcall() {
	call := sbi.Call{
		EID: m.Data.Guest.Xreg(17),
		FID: m.Data.Guest.Xreg(16),
	}
	for i := range call.Args {
		call.Args[i] = m.Data.Guest.Xreg(10 + i)
	}
	sbi.Handle(m.Data, m.Firmware, call)
}

// handleIllegalInstruction routes the trapped instruction through the
// extension emulators. An instruction no extension recognizes is injected
// back into the guest as its own illegal-instruction exception rather than
// killing the machine: the guest may have a trap handler for it.
func (m *Machine) handleIllegalInstruction(t trap.Trap) error {
	insn, err := m.trappedInstruction(t)
	if err != nil {
		trap.RaiseGuestException(m.Data, trap.CauseIllegalInstruction, t.Stval)
		return nil
	}

	err = m.Extensions.DispatchInstruction(m.Data, m.vsWalker(), m.Data.GStage, insn)
	switch {
	case errors.Is(err, extemu.ErrGuestFaultRaised):
		return nil
	case err != nil:
		m.log.WithError(err).WithField("sepc", m.Data.Guest.Sepc).Warn("unemulated instruction")
		trap.RaiseGuestException(m.Data, trap.CauseIllegalInstruction, uint64(insn))
		return nil
	}
	return trap.AdvanceSepc(m.Data, t.Htinst, m.vsWalker(), m.Data.GStage)
}

// handleVirtualInstruction services H-extension CSR intercepts: stval
// carries the trapping instruction. The ssp CSR belongs to the extension
// emulator outright; senvcfg/henvcfg are owned by the CSR file with the
// extension's SSE bit overlaid.
func (m *Machine) handleVirtualInstruction(t trap.Trap) error {
	insn := uint32(t.Stval)
	d := extemu.Decode(insn)
	if d.Opcode != opSystem || d.Funct3&0x3 == 0 {
		trap.RaiseGuestException(m.Data, trap.CauseIllegalInstruction, uint64(insn))
		return nil
	}

	switch d.CSR {
	case csrSenvcfg, csrHenvcfg:
		m.emulateEnvcfg(d, insn)
	default:
		err := m.Extensions.DispatchCSR(m.Data, insn)
		switch {
		case errors.Is(err, extemu.ErrGuestFaultRaised):
			return nil
		case err != nil:
			m.log.WithError(err).Warn("unemulated csr access")
			trap.RaiseGuestException(m.Data, trap.CauseIllegalInstruction, uint64(insn))
			return nil
		}
	}

	m.Data.Guest.Sepc += 4 // CSR instructions have no compressed form
	return nil
}

const (
	opSystem   = 0b1110011
	csrSenvcfg = 0x10a
	csrHenvcfg = 0x60a
	sseBit     = uint64(1) << 3
)

// emulateEnvcfg performs the CSR read-modify-write on senvcfg/henvcfg,
// letting the extension manager overlay its SSE bit: the overlay decides
// whether a write to bit 3 sticks and or-s the emulated bit into the value
// the guest reads back.
func (m *Machine) emulateEnvcfg(d extemu.Decoded, insn uint32) {
	var reg *uint64
	if d.CSR == csrSenvcfg {
		reg = &m.Data.CSR.Senvcfg
	} else {
		reg = &m.Data.CSR.Henvcfg
	}

	old := *reg
	operand := m.Data.Guest.Xreg(int(d.Rs1))
	if d.Funct3 >= 5 {
		operand = uint64(d.Rs1)
	}

	var next uint64
	switch d.Funct3 & 0x3 {
	case 1: // CSRRW(I)
		next = operand
	case 2: // CSRRS(I)
		next = old | operand
	case 3: // CSRRC(I)
		next = old &^ operand
	}

	readValue := old
	m.Extensions.OverlayCSRField(m.Data, insn, next, &readValue)

	// The overlay wrote the SSE bit (or refused to); merge only the other
	// bits of the new value.
	*reg = (next &^ sseBit) | (*reg & sseBit)
	m.Data.Guest.SetXreg(int(d.Rd), readValue)
}

// trappedInstruction recovers the faulting instruction word: stval first
// (hardware writes it there for illegal-instruction traps), falling back
// to a two-stage re-fetch from sepc.
func (m *Machine) trappedInstruction(t trap.Trap) (uint32, error) {
	if insn := uint32(t.Stval); insn != 0 {
		return insn, nil
	}
	return m.fetchInstruction(addr.GuestVirtualAddress(m.Data.Guest.Sepc))
}

// fetchInstruction reads the instruction at a guest-virtual address
// through VS-stage then G-stage translation.
func (m *Machine) fetchInstruction(gva addr.GuestVirtualAddress) (uint32, error) {
	gpa, err := m.vsWalker().Translate(gva)
	if err != nil {
		return 0, errors.Wrap(err, "boot: fetch instruction: vs-stage")
	}
	hpa, err := m.Data.GStage.Walk(gpa)
	if err != nil {
		return 0, errors.Wrap(err, "boot: fetch instruction: g-stage")
	}
	b := hostmem.BytesAt(hpa, 4)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// vsWalker builds the guest's first-stage walker from its current vsatp;
// with translation off (Bare) guest-virtual addresses are already
// guest-physical.
func (m *Machine) vsWalker() extemu.GVATranslator {
	if w, ok := vsstage.NewWalkerFromSatp(m.Data.CSR.Vsatp, m.Data.GStage); ok {
		return w
	}
	return bareWalker{}
}

// bareWalker is the VS-stage identity translation used while the guest
// runs with paging disabled.
type bareWalker struct{}

func (bareWalker) Translate(gva addr.GuestVirtualAddress) (addr.GuestPhysicalAddress, error) {
	return addr.GuestPhysicalAddress(gva), nil
}
