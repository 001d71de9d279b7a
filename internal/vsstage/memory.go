package vsstage

import (
	"unsafe"

	"github.com/tinyrange/rvisor/internal/addr"
)

// hostRead64 reads host-physical memory directly, matching the convention
// used throughout this model (see internal/gstage/memory.go): the
// host-physical address space is this process's address space.
func hostRead64(a addr.HostPhysicalAddress) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(a)))
}
