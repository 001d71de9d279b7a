package iommu

import (
	"unsafe"

	"github.com/tinyrange/rvisor/internal/addr"
)

func hostRead64(a addr.HostPhysicalAddress) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(a)))
}

func hostWrite64(a addr.HostPhysicalAddress, v uint64) {
	*(*uint64)(unsafe.Pointer(uintptr(a))) = v
}

func hostRead32(a addr.HostPhysicalAddress) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(a)))
}

func hostWrite32(a addr.HostPhysicalAddress, v uint32) {
	*(*uint32)(unsafe.Pointer(uintptr(a))) = v
}
