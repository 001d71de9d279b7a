package gstage

import (
	"unsafe"

	"github.com/tinyrange/rvisor/internal/addr"
)

// hostRead64/hostWrite64 access host-physical memory directly: in this
// model the host-physical address space *is* this process's address space
// (backed by internal/hostmem's anonymous mmap regions), so a page-table
// walk dereferences the HPA the same way real hypervisor firmware would
// dereference a physical address from its own identity-mapped view.
func hostRead64(a addr.HostPhysicalAddress) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(a)))
}

func hostWrite64(a addr.HostPhysicalAddress, v uint64) {
	*(*uint64)(unsafe.Pointer(uintptr(a))) = v
}
