// Package hv holds the state shared across the trap/emulation path: the
// guest's general-purpose register file, the software-modeled H-extension
// CSRs, and the aggregate Data passed explicitly into every handler.
// Single-hart and non-reentrant, so there is no package-level singleton
// and no lock: explicit context passing is the uniqueness guarantee.
package hv

// GuestContext holds the 32 general-purpose registers, sstatus, and sepc
// saved by the trap vector on entry and restored on exit. It is created
// once at bootstrap and mutated only while the guest is suspended.
type GuestContext struct {
	X       [32]uint64
	Sstatus uint64
	Sepc    uint64
}

// Xreg returns the value of x-register index (0 is always zero, matching
// RISC-V's hardwired x0).
func (c *GuestContext) Xreg(index int) uint64 {
	if index == 0 {
		return 0
	}
	return c.X[index]
}

// SetXreg writes x-register index, ignoring writes to x0.
func (c *GuestContext) SetXreg(index int, value uint64) {
	if index == 0 {
		return
	}
	c.X[index] = value
}

// sstatusSPPBit is bit 8 of sstatus: the previous privilege mode.
const sstatusSPPBit = 1 << 8

// SPP reports the current value of sstatus.SPP.
func (c *GuestContext) SPP() bool { return c.Sstatus&sstatusSPPBit != 0 }

// SetSPP sets or clears sstatus.SPP.
func (c *GuestContext) SetSPP(v bool) {
	if v {
		c.Sstatus |= sstatusSPPBit
	} else {
		c.Sstatus &^= sstatusSPPBit
	}
}
