package pci

import (
	"unsafe"

	"github.com/tinyrange/rvisor/internal/addr"
)

// hostRead16/32 and hostWrite16/32 dereference a host-physical address
// directly, following the same "this process's address space is the
// host-physical address space" model used by internal/gstage and
// internal/vsstage: the ECAM window is mapped into this process, so a
// config-space register access is a real memory access.

func hostRead16(a addr.HostPhysicalAddress) uint16 {
	return *(*uint16)(unsafe.Pointer(uintptr(a)))
}

func hostWrite16(a addr.HostPhysicalAddress, v uint16) {
	*(*uint16)(unsafe.Pointer(uintptr(a))) = v
}

func hostRead32(a addr.HostPhysicalAddress) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(a)))
}

func hostWrite32(a addr.HostPhysicalAddress, v uint32) {
	*(*uint32)(unsafe.Pointer(uintptr(a))) = v
}

// ReadConfigRegister reads reg for the given function from the ECAM window
// starting at base.
func ReadConfigRegister(base addr.HostPhysicalAddress, fn Bdf, reg ConfigSpaceRegister) uint32 {
	a := ConfigAddress(base, fn.Bus, fn.Device, fn.Function, reg)
	if reg.Is32Bit() {
		return hostRead32(a)
	}
	return uint32(hostRead16(a))
}

// WriteConfigRegister writes reg for the given function into the ECAM
// window starting at base.
func WriteConfigRegister(base addr.HostPhysicalAddress, fn Bdf, reg ConfigSpaceRegister, value uint32) {
	a := ConfigAddress(base, fn.Bus, fn.Device, fn.Function, reg)
	if reg.Is32Bit() {
		hostWrite32(a, value)
		return
	}
	hostWrite16(a, uint16(value))
}

// BARSize probes a BAR's address-space size by writing all-ones, reading
// back the encoded mask, and restoring the original value -- the standard
// PCI BAR sizing idiom.
func BARSize(base addr.HostPhysicalAddress, fn Bdf, reg ConfigSpaceRegister) uint64 {
	a := ConfigAddress(base, fn.Bus, fn.Device, fn.Function, reg)
	orig := hostRead32(a)
	hostWrite32(a, 0xffff_ffff)
	mask := hostRead32(a)
	hostWrite32(a, orig)

	// Bit 0 distinguishes memory (0) from I/O (1) space BARs; the low
	// 4 bits of a memory BAR are type/prefetchable flags, not address.
	sizeMask := mask &^ 0xf
	if sizeMask == 0 {
		return 0
	}
	return uint64(^sizeMask) + 1
}
