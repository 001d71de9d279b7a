package extemu

import (
	"unsafe"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/hv"
	"github.com/tinyrange/rvisor/internal/trap"
)

// Zicfiss emulates the shadow-stack extension: a dedicated CSR (ssp), a
// handful of AMO-space instructions (sspush/sspopchk/ssrdp), and an
// overlay bit on senvcfg/henvcfg (SSE) that gates whether the guest's
// current privilege level has shadow-stack support enabled. Both the
// shadow stack pointer and the SSE bits live on hv.Data/hv.CSRFile, not
// here, since those are the single place hart state is kept; Zicfiss
// itself carries no state of its own.
type Zicfiss struct{}

// csrSSP is the shadow stack pointer CSR number.
const csrSSP = 0x11

// csrSenvcfg is the Supervisor Environment Configuration Register.
const csrSenvcfg = 0x10a

// csrHenvcfg is the Hypervisor Environment Configuration Register.
const csrHenvcfg = 0x60a

// senvcfgSSEBit is bit 3 of senvcfg/henvcfg: Shadow Stack Enable.
const senvcfgSSEBit = 1 << 3

// Zicfiss instruction encodings. These live in the AMO major opcode
// (0101111) alongside the atomic-memory-operation instructions, under a
// dedicated funct5 this hypervisor reserves for shadow-stack ops; rs2
// distinguishes the push/pop/read-pointer variants. There is no ratified
// hardware encoding this hypervisor and a real core both need to agree on
// (no guest here ever gets dispatched to real silicon), so this is the
// implementation's own internally-consistent assignment, not a published
// standard one.
const (
	zicfissFunct5 = 0b11100

	zicfissRs2SSPush   = 0b00000
	zicfissRs2SSPopChk = 0b00001
	zicfissRs2SSRdp    = 0b00010
)

// shadowStackFaultTval is the tval value a software-check exception
// carries for a shadow-stack integrity failure.
const shadowStackFaultTval = 3

// TryInstruction implements Extension.
func (z *Zicfiss) TryInstruction(data *hv.Data, vs GVATranslator, g GPATranslator, d Decoded) (bool, error) {
	if d.Opcode != opAMO || d.Funct5 != zicfissFunct5 {
		return false, nil
	}

	switch d.Rs2 {
	case zicfissRs2SSPush:
		if z.enabled(data) {
			value := data.Guest.Xreg(int(d.Rs1))
			if err := z.push(data, vs, g, value); err != nil {
				return true, err
			}
		}
		return true, nil

	case zicfissRs2SSPopChk:
		if z.enabled(data) {
			popped, err := z.pop(data, vs, g)
			if err != nil {
				return true, err
			}
			expected := data.Guest.Xreg(int(d.Rs1))
			if popped != expected {
				trap.RaiseGuestException(data, trap.CauseSoftwareCheck, shadowStackFaultTval)
				return true, ErrGuestFaultRaised
			}
		}
		return true, nil

	case zicfissRs2SSRdp:
		if z.enabled(data) {
			data.Guest.SetXreg(int(d.Rd), data.ShadowStackPointer)
		} else {
			data.Guest.SetXreg(int(d.Rd), 0)
		}
		return true, nil
	}

	return false, nil
}

// TryCSR implements Extension for the dedicated ssp CSR.
func (z *Zicfiss) TryCSR(data *hv.Data, d Decoded) (bool, error) {
	if d.CSR != csrSSP || d.Opcode != opSys || d.Funct3 == 0 {
		return false, nil
	}

	old := data.ShadowStackPointer
	rs1Val := data.Guest.Xreg(int(d.Rs1))
	if d.Funct3 >= 5 {
		rs1Val = uint64(d.Rs1) // immediate forms use rs1 as a 5-bit immediate
	}

	switch d.Funct3 & 0x3 {
	case 1: // CSRRW(I)
		data.ShadowStackPointer = rs1Val
	case 2: // CSRRS(I)
		if d.Rs1 != 0 {
			data.ShadowStackPointer |= rs1Val
		}
	case 3: // CSRRC(I)
		if d.Rs1 != 0 {
			data.ShadowStackPointer &^= rs1Val
		}
	default:
		return false, nil
	}

	data.Guest.SetXreg(int(d.Rd), old)
	return true, nil
}

// TryCSRField implements Extension, overlaying the SSE bit onto
// senvcfg/henvcfg accesses the CSR file otherwise owns. The bit itself is
// stored on hv.CSRFile (the single source of truth for that register's
// raw value); this method only decides whether a write to it sticks.
func (z *Zicfiss) TryCSRField(data *hv.Data, d Decoded, writeValue uint64, readValue *uint64) bool {
	var get func() bool
	var set func(bool)
	switch d.CSR {
	case csrSenvcfg:
		get, set = data.CSR.SenvcfgSSE, data.CSR.SetSenvcfgSSE
	case csrHenvcfg:
		get, set = data.CSR.HenvcfgSSE, data.CSR.SetHenvcfgSSE
	default:
		return false
	}

	if get() {
		*readValue |= senvcfgSSEBit
	}

	switch d.Funct3 & 0x3 {
	case 1: // CSRRW(I)
		set(writeValue&senvcfgSSEBit != 0)
	case 2: // CSRRS(I)
		if writeValue&senvcfgSSEBit != 0 {
			set(true)
		}
	case 3: // CSRRC(I)
		if writeValue&senvcfgSSEBit != 0 {
			set(false)
		}
	}
	return true
}

// enabled reports whether shadow-stack support is active for the guest's
// current privilege level, per is_ss_enable: SPP clear means the trapping
// context was VU-mode (senvcfg governs), set means VS-mode (henvcfg
// governs).
func (z *Zicfiss) enabled(data *hv.Data) bool {
	if data.Guest.SPP() {
		return data.CSR.HenvcfgSSE()
	}
	return data.CSR.SenvcfgSSE()
}

func (z *Zicfiss) push(data *hv.Data, vs GVATranslator, g GPATranslator, value uint64) error {
	data.ShadowStackPointer -= 8
	hpa, err := z.hostPointer(data, vs, g)
	if err != nil {
		return err
	}
	*(*uint64)(unsafe.Pointer(uintptr(hpa))) = value
	return nil
}

func (z *Zicfiss) pop(data *hv.Data, vs GVATranslator, g GPATranslator) (uint64, error) {
	hpa, err := z.hostPointer(data, vs, g)
	if err != nil {
		return 0, err
	}
	value := *(*uint64)(unsafe.Pointer(uintptr(hpa)))
	data.ShadowStackPointer += 8
	return value, nil
}

// hostPointer resolves data.ShadowStackPointer (a guest virtual address) to
// a host-physical address through VS-stage then G-stage. A failed
// translation raises a store/AMO page fault into the guest rather than
// returning a Go error the guest never sees.
func (z *Zicfiss) hostPointer(data *hv.Data, vs GVATranslator, g GPATranslator) (addr.HostPhysicalAddress, error) {
	gpa, err := vs.Translate(addr.GuestVirtualAddress(data.ShadowStackPointer))
	if err != nil {
		trap.RaiseGuestException(data, trap.CauseStoreAmoPageFault, data.ShadowStackPointer)
		return 0, ErrGuestFaultRaised
	}
	hpa, err := g.Walk(gpa)
	if err != nil {
		trap.RaiseGuestException(data, trap.CauseStoreAmoPageFault, data.ShadowStackPointer)
		return 0, ErrGuestFaultRaised
	}
	return hpa, nil
}
