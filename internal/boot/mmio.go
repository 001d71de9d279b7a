package boot

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/trap"
)

// Standard (32-bit) load/store major opcode values.
const (
	opLoad  = 0b0000011
	opStore = 0b0100011
)

// mmioAccess is one decoded guest load or store against emulated MMIO.
type mmioAccess struct {
	store  bool
	width  uint64 // bytes
	reg    int    // rd for a load, rs2 for a store
	signed bool   // sign-extend a load narrower than 64 bits
}

var errNotMemoryAccess = errors.New("boot: trapped instruction is not a load or store")

// decodeMMIO extracts the access shape from the faulting instruction.
// Compressed stack-pointer-relative forms never reach MMIO (the stack is
// RAM), so only the register-based C.LW/C.LD/C.SW/C.SD are handled.
func decodeMMIO(insn uint32) (mmioAccess, error) {
	if insn&0x3 != 0x3 {
		return decodeCompressedMMIO(uint16(insn))
	}

	opcode := insn & 0x7f
	funct3 := (insn >> 12) & 0x7
	switch opcode {
	case opLoad:
		acc := mmioAccess{reg: int((insn >> 7) & 0x1f)}
		switch funct3 {
		case 0b000:
			acc.width, acc.signed = 1, true
		case 0b001:
			acc.width, acc.signed = 2, true
		case 0b010:
			acc.width, acc.signed = 4, true
		case 0b011:
			acc.width = 8
		case 0b100:
			acc.width = 1
		case 0b101:
			acc.width = 2
		case 0b110:
			acc.width = 4
		default:
			return mmioAccess{}, errNotMemoryAccess
		}
		return acc, nil
	case opStore:
		acc := mmioAccess{store: true, reg: int((insn >> 20) & 0x1f)}
		if funct3 > 0b011 {
			return mmioAccess{}, errNotMemoryAccess
		}
		acc.width = 1 << funct3
		return acc, nil
	}
	return mmioAccess{}, errNotMemoryAccess
}

func decodeCompressedMMIO(insn uint16) (mmioAccess, error) {
	if insn&0x3 != 0b00 {
		return mmioAccess{}, errNotMemoryAccess
	}
	reg := int(8 + (insn>>2)&0x7) // rd'/rs2', the compressed register file
	switch insn >> 13 {
	case 0b010: // C.LW
		return mmioAccess{width: 4, reg: reg, signed: true}, nil
	case 0b011: // C.LD
		return mmioAccess{width: 8, reg: reg}, nil
	case 0b110: // C.SW
		return mmioAccess{store: true, width: 4, reg: reg}, nil
	case 0b111: // C.SD
		return mmioAccess{store: true, width: 8, reg: reg}, nil
	}
	return mmioAccess{}, errNotMemoryAccess
}

// extend widens a loaded value to 64 bits per the access shape.
func extend(v uint64, acc mmioAccess) uint64 {
	bits := acc.width * 8
	if bits >= 64 {
		return v
	}
	v &= (1 << bits) - 1
	if acc.signed && v&(1<<(bits-1)) != 0 {
		v |= ^uint64(0) << bits
	}
	return v
}

// handleMMIOFault services a load/store guest-page-fault: htval carries
// the faulting guest-physical address, which was deliberately left out of
// the G-stage map because some emulator owns it. Anything that goes wrong
// -- no emulator claims the address, the device rejects the offset -- is
// forwarded to the guest as the original fault.
func (m *Machine) handleMMIOFault(t trap.Trap, isStore bool) error {
	gpa := addr.GuestPhysicalAddress(t.Htval)

	insn, err := m.faultingInstruction(t)
	if err != nil {
		m.log.WithError(err).WithField("gpa", gpa).Warn("mmio fault: cannot recover instruction")
		trap.RaiseGuestException(m.Data, t.Cause, t.Stval)
		return nil
	}
	acc, err := decodeMMIO(insn)
	if err != nil || acc.store != isStore {
		trap.RaiseGuestException(m.Data, t.Cause, t.Stval)
		return nil
	}

	if err := m.emulateAccess(gpa, acc); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"gpa": gpa, "store": acc.store}).Debug("mmio access rejected")
		trap.RaiseGuestException(m.Data, t.Cause, t.Stval)
		return nil
	}

	return trap.AdvanceSepc(m.Data, t.Htinst, m.vsWalker(), m.Data.GStage)
}

// emulateAccess routes one decoded access to the device claiming gpa.
func (m *Machine) emulateAccess(gpa addr.GuestPhysicalAddress, acc mmioAccess) error {
	plicBase := addr.GuestPhysicalAddress(m.Data.Catalog.PLIC.Base)
	plicEnd := plicBase.Add(m.Data.Catalog.PLIC.Size)

	switch {
	case gpa >= plicBase && gpa < plicEnd:
		offset := uint64(gpa) - uint64(plicBase)
		if acc.store {
			return m.PLIC.Write(offset, uint32(m.Data.Guest.Xreg(acc.reg)))
		}
		v, err := m.PLIC.Read(offset)
		if err != nil {
			return err
		}
		m.Data.Guest.SetXreg(acc.reg, extend(uint64(v), acc))
		return nil

	case m.Hba != nil && m.Hba.Contains(gpa):
		offset := m.Hba.Offset(gpa)
		if acc.store {
			return m.Hba.Write(offset, uint32(m.Data.Guest.Xreg(acc.reg)))
		}
		v, err := m.Hba.Read(offset)
		if err != nil {
			return err
		}
		m.Data.Guest.SetXreg(acc.reg, extend(uint64(v), acc))
		return nil
	}
	return errors.Errorf("boot: no emulator claims %s", gpa)
}

// faultingInstruction recovers the instruction behind a guest-page-fault:
// htinst when the hardware transformed it there, else a two-stage re-fetch
// from sepc.
func (m *Machine) faultingInstruction(t trap.Trap) (uint32, error) {
	if t.Htinst != 0 {
		return uint32(t.Htinst), nil
	}
	return m.fetchInstruction(addr.GuestVirtualAddress(m.Data.Guest.Sepc))
}
