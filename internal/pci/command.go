package pci

import (
	"github.com/pkg/errors"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/hostmem"
)

// CommandHeaderSize is the size in bytes of one HBA command header slot.
const CommandHeaderSize = 0x20

// TransferDirection distinguishes a device-to-host (read) command from a
// host-to-device (write) one, since bounce-buffered data only needs to be
// copied in one direction at submission time and the other at completion.
type TransferDirection int

const (
	DeviceToHost TransferDirection = iota
	HostToDevice
)

// GStageTranslator resolves a guest-physical address to the host-physical
// address backing it, satisfied by *gstage.RootPageTable.
type GStageTranslator interface {
	Walk(gpa addr.GuestPhysicalAddress) (addr.HostPhysicalAddress, error)
}

// CommandTableAddressData records how a PRD's data base address was
// rewritten, so RestoreDataBaseAddress can put it back.
type CommandTableAddressData struct {
	// GPA is the guest's original data base address.
	GPA addr.GuestPhysicalAddress
	// Bounce holds a host-allocated staging buffer when the transfer
	// region spans more than one guest page, so its host pages can't be
	// assumed contiguous; nil when the single-page fast path applied.
	Bounce *hostmem.Region
}

// CommandTableGpaStorage remembers every PRD base address a command table
// translated, so the same command table can later be restored to the
// guest's original addresses once the HBA has consumed it.
type CommandTableGpaStorage struct {
	CommandTableGPA addr.GuestPhysicalAddress
	Entries         []CommandTableAddressData
}

// CommandHeader is the 32-byte HBA command header (AHCI 1.3.1 §4.2.2).
type CommandHeader struct {
	DW0          uint32
	PRDByteCount uint32
	CTBA         uint32
	CTBAU        uint32
	_reserved    [4]uint32
}

// PRDTL returns the Physical Region Descriptor Table Length field.
func (h *CommandHeader) PRDTL() uint32 { return (h.DW0 >> 16) & 0xffff }

// Write reports the command's W (write) bit: set for host-to-device.
func (h *CommandHeader) Write() bool { return (h.DW0>>6)&0x1 != 0 }

// PhysicalRegionDescriptor is one entry of the command table's PRD table.
type PhysicalRegionDescriptor struct {
	DBA       uint32
	DBAU      uint32
	_reserved uint32
	DBC       uint32
}

func (p *PhysicalRegionDescriptor) gpa() addr.GuestPhysicalAddress {
	return addr.GuestPhysicalAddress(uint64(p.DBAU)<<32 | uint64(p.DBA))
}

func (p *PhysicalRegionDescriptor) setHPA(hpa addr.HostPhysicalAddress) {
	v := uint64(hpa)
	p.DBAU = uint32(v >> 32)
	p.DBA = uint32(v)
}

// byteCount returns the transfer length; DBC encodes length-1.
func (p *PhysicalRegionDescriptor) byteCount() uint64 { return uint64(p.DBC) + 1 }

// TranslateDataBaseAddress rewrites p's data base address from a
// guest-physical address to a host-physical one so the real AHCI
// controller can DMA directly into host memory.
//
// When the transfer fits in a single guest page, the page's host-physical
// address (from gst.Walk) is used directly -- no extra copy. When it
// spans multiple pages, the guest pages backing it are not guaranteed to
// be host-contiguous, so a bounce buffer is allocated and, for a
// host-to-device transfer, populated up front by copying each guest page
// into it.
func (p *PhysicalRegionDescriptor) TranslateDataBaseAddress(gst GStageTranslator, arena *hostmem.Arena, dir TransferDirection) (CommandTableAddressData, error) {
	gpa := p.gpa()
	size := p.byteCount()

	if size <= addr.PageSize4K {
		hpa, err := gst.Walk(gpa)
		if err != nil {
			return CommandTableAddressData{}, errors.Wrap(err, "pci: translate data base address")
		}
		p.setHPA(hpa)
		return CommandTableAddressData{GPA: gpa}, nil
	}

	region, err := arena.Allocate(size)
	if err != nil {
		return CommandTableAddressData{}, errors.Wrap(err, "pci: allocate bounce buffer")
	}
	if dir == HostToDevice {
		if err := copyGuestPages(gst, region.Data, gpa, size); err != nil {
			return CommandTableAddressData{}, err
		}
	}
	p.setHPA(region.Base)
	return CommandTableAddressData{GPA: gpa, Bounce: region}, nil
}

// RestoreDataBaseAddress undoes TranslateDataBaseAddress: it writes back
// bounce-buffered data for a device-to-host transfer, then rewrites p's
// data base address back to the guest's original value.
func (p *PhysicalRegionDescriptor) RestoreDataBaseAddress(gst GStageTranslator, data CommandTableAddressData, dir TransferDirection) error {
	if data.Bounce != nil {
		if dir == DeviceToHost {
			if err := copyToGuestPages(gst, data.Bounce.Data, data.GPA); err != nil {
				return err
			}
		}
	}
	v := uint64(data.GPA)
	p.DBAU = uint32(v >> 32)
	p.DBA = uint32(v)
	return nil
}

// copyGuestPages copies size bytes starting at gpa, page by page, into dst.
func copyGuestPages(gst GStageTranslator, dst []byte, gpa addr.GuestPhysicalAddress, size uint64) error {
	var off uint64
	for off < size {
		chunk := uint64(addr.PageSize4K)
		if off+chunk > size {
			chunk = size - off
		}
		hpa, err := gst.Walk(addr.GuestPhysicalAddress(uint64(gpa) + off))
		if err != nil {
			return errors.Wrap(err, "pci: bounce buffer fill")
		}
		copy(dst[off:off+chunk], hostmem.BytesAt(hpa, chunk))
		off += chunk
	}
	return nil
}

// copyToGuestPages writes back src, page by page, into guest memory
// starting at gpa.
func copyToGuestPages(gst GStageTranslator, src []byte, gpa addr.GuestPhysicalAddress) error {
	size := uint64(len(src))
	var off uint64
	for off < size {
		chunk := uint64(addr.PageSize4K)
		if off+chunk > size {
			chunk = size - off
		}
		hpa, err := gst.Walk(addr.GuestPhysicalAddress(uint64(gpa) + off))
		if err != nil {
			return errors.Wrap(err, "pci: bounce buffer writeback")
		}
		copy(hostmem.BytesAt(hpa, chunk), src[off:off+chunk])
		off += chunk
	}
	return nil
}
