// Package pci implements the ECAM configuration-space address computation
// and the AHCI/SATA command-table GPA-to-HPA translation path used to
// forward a guest's SATA command submissions onto host-backed memory.
package pci

import "github.com/tinyrange/rvisor/internal/addr"

// ConfigSpaceRegister identifies a field within the PCI common configuration
// header this hypervisor needs to read or write directly.
type ConfigSpaceRegister uint32

const (
	RegVendorID ConfigSpaceRegister = 0x0
	RegDeviceID ConfigSpaceRegister = 0x2
	RegCommand  ConfigSpaceRegister = 0x4
	RegStatus   ConfigSpaceRegister = 0x6
	RegBAR1     ConfigSpaceRegister = 0x10
	RegBAR2     ConfigSpaceRegister = 0x14
	RegBAR5     ConfigSpaceRegister = 0x24
)

// Is32Bit reports whether reg is a 32-bit register (a BAR); the others are
// 16-bit fields within the same dword-aligned config space.
func (r ConfigSpaceRegister) Is32Bit() bool {
	return r == RegBAR1 || r == RegBAR2 || r == RegBAR5
}

// ConfigAddress computes the flat host address of reg for the given
// bus/device/function within an ECAM window starting at base.
//
// The field offsets (bus at bit 20, device at bit 15, function at bit 12)
// come straight from the ECAM layout; the source this was ported from
// folds them into base with a bitwise OR, which silently truncates any
// base above 4 GiB because the whole right-hand side is computed as a
// 32-bit value first. This hypervisor may place the ECAM window anywhere
// in a 64-bit host-physical space, so the offset is added to base instead
// -- full 64-bit arithmetic, no truncation.
func ConfigAddress(base addr.HostPhysicalAddress, bus, device, function uint32, reg ConfigSpaceRegister) addr.HostPhysicalAddress {
	offset := uint64(bus&0xff)<<20 | uint64(device&0x1f)<<15 | uint64(function&0x7)<<12 | uint64(reg)
	return base.Add(offset)
}

// Bdf identifies a PCI function by bus, device, and function number.
type Bdf struct {
	Bus      uint32
	Device   uint32
	Function uint32
}
