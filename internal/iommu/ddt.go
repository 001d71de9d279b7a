package iommu

import (
	"github.com/pkg/errors"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/hostmem"
)

// deviceContextSize is the extended-format device context size: tc,
// iohgatp, ta, fsc, plus the MSI translation doublewords (riscv-iommu
// v1.0 §2.1, Table 2) -- 64 bytes per leaf entry.
const deviceContextSize = 64

// ddtPageEntries is how many device contexts fit in one 4 KiB DDT leaf
// page.
const ddtPageEntries = addr.PageSize4K / deviceContextSize

// deviceContextTCValid marks a device context valid for translation.
const deviceContextTCValid = 1 << 0

// ErrDeviceIDOutOfRange is returned when a device ID cannot be represented
// by the single-level DDT this hypervisor builds (it only ever has one
// passthrough device, so this is generous headroom, not a real limit).
var ErrDeviceIDOutOfRange = errors.New("iommu: device id out of range for single-level ddt")

// BuildSingleDeviceDDT allocates a one-level device-directory-table page
// and initialises every leaf entry with TC.V = 1 and an iohgatp sharing
// gstageRoot (the same Sv39x4 root the hart's hgatp uses), so a DMA from
// any function behind this IOMMU is constrained exactly like a vCPU
// access. deviceID names the function actually expected to DMA; it only
// bounds-checks against the single page, since one 4 KiB Lv1 page is
// always enough for the one onboard SATA controller this hypervisor
// passes through.
func BuildSingleDeviceDDT(arena *hostmem.Arena, deviceID uint32, gstageRoot addr.HostPhysicalAddress) (addr.HostPhysicalAddress, error) {
	if deviceID >= ddtPageEntries {
		return 0, ErrDeviceIDOutOfRange
	}

	page, err := arena.Allocate(addr.PageSize4K)
	if err != nil {
		return 0, errors.Wrap(err, "iommu: allocate ddt page")
	}

	iohgatp := HgatpModeSv39x4<<60 | (uint64(gstageRoot) >> 12)

	for entry := uint64(0); entry < ddtPageEntries; entry++ {
		off := entry * deviceContextSize
		writeDoubleword(page.Data, off+0, deviceContextTCValid) // tc
		writeDoubleword(page.Data, off+8, iohgatp)              // iohgatp
		// ta, fsc, and the MSI doublewords stay zero: no VS-stage
		// translation and no MSI remapping for DMA.
	}

	return page.Base, nil
}

// HgatpModeSv39x4 mirrors hv.HgatpModeSv39x4: the IOMMU's iohgatp uses the
// identical mode encoding as the hart's hgatp.
const HgatpModeSv39x4 = 8

func writeDoubleword(data []byte, offset uint64, v uint64) {
	for i := 0; i < 8; i++ {
		data[offset+uint64(i)] = byte(v >> (8 * i))
	}
}
