package hostmem

import (
	"unsafe"

	"github.com/tinyrange/rvisor/internal/addr"
)

// addrOf returns the address of a mmap-returned slice's backing array. mmap
// always returns a non-empty slice for non-zero length, so data[0] is safe.
func addrOf(data []byte) uintptr {
	return uintptr(unsafe.Pointer(&data[0]))
}

// BytesAt returns a byte slice viewing length bytes of process memory
// starting at a. Used to move data between a DMA bounce buffer and the
// individual (not necessarily contiguous) guest pages it stages, once each
// page's host-physical address has already been resolved via a G-stage
// walk.
func BytesAt(a addr.HostPhysicalAddress, length uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(a))), int(length))
}
