package pci

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/hostmem"
)

// prdtOffset is the byte offset of the PRD table within a command table
// structure: 0x40 bytes of Command FIS, 0x10 of ATAPI command, 0x30
// reserved (AHCI 1.3.1 §4.2.3).
const prdtOffset = 0x40 + 0x10 + 0x30

// CommandTable overlays the host memory backing one AHCI command table, so
// its PRD entries can be translated or restored in place.
type CommandTable struct {
	base addr.HostPhysicalAddress
}

// NewCommandTable wraps the command table structure located at base.
func NewCommandTable(base addr.HostPhysicalAddress) CommandTable {
	return CommandTable{base: base}
}

func (c CommandTable) prd(index uint32) *PhysicalRegionDescriptor {
	entryAddr := uintptr(c.base) + prdtOffset + uintptr(index)*unsafe.Sizeof(PhysicalRegionDescriptor{})
	return (*PhysicalRegionDescriptor)(unsafe.Pointer(entryAddr))
}

// TranslateAll rewrites every PRD's data base address from guest-physical
// to host-physical (or a bounce buffer's host address, for a multi-page
// transfer), recording what it did in storage so RestoreAll can undo it.
func (c CommandTable) TranslateAll(prdtl uint32, gst GStageTranslator, arena *hostmem.Arena, dir TransferDirection, storage *CommandTableGpaStorage) error {
	for i := uint32(0); i < prdtl; i++ {
		data, err := c.prd(i).TranslateDataBaseAddress(gst, arena, dir)
		if err != nil {
			return errors.Wrapf(err, "pci: translate prd %d", i)
		}
		storage.Entries = append(storage.Entries, data)
	}
	return nil
}

// RestoreAll undoes TranslateAll using the recorded storage, in the same
// order the entries were translated.
func (c CommandTable) RestoreAll(gst GStageTranslator, dir TransferDirection, storage *CommandTableGpaStorage) error {
	for i, data := range storage.Entries {
		if err := c.prd(uint32(i)).RestoreDataBaseAddress(gst, data, dir); err != nil {
			return errors.Wrapf(err, "pci: restore prd %d", i)
		}
	}
	return nil
}
