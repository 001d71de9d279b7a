// Package vsstage implements the first-stage (guest-virtual to
// guest-physical) software page-table walk over the guest's own Sv39 or
// Sv57 page tables. Every memory access the walker itself makes to read a
// PTE is, in turn, a guest-physical address and must go through the
// G-stage walker, so a VS-stage walk is always parameterized by a G-stage
// resolver.
package vsstage

import (
	"github.com/pkg/errors"

	"github.com/tinyrange/rvisor/internal/addr"
)

// Mode selects the guest's paging scheme, read from its satp CSR.
type Mode int

const (
	Sv39 Mode = iota
	Sv57
)

// levels returns the number of page-table levels for the mode (3 for
// Sv39, 5 for Sv57).
func (m Mode) levels() int {
	if m == Sv57 {
		return 5
	}
	return 3
}

// ErrInvalidEntry mirrors gstage's sentinel for an unmapped or malformed
// VS-stage entry.
var ErrInvalidEntry = errors.New("vsstage: invalid page table entry")

// ErrNoLeafEntry is returned if the walk exhausts every level without
// finding a leaf.
var ErrNoLeafEntry = errors.New("vsstage: no leaf entry found")

// GStageWalker resolves a guest-physical address (where the guest's own
// page tables live) to a host-physical one, so the VS-stage walker can
// actually read the bytes.
type GStageWalker interface {
	Walk(gpa addr.GuestPhysicalAddress) (addr.HostPhysicalAddress, error)
}

// Walker walks the guest's Sv39/Sv57 page tables rooted at RootGPA.
type Walker struct {
	Mode    Mode
	RootGPA addr.GuestPhysicalAddress
	GStage  GStageWalker
}

// satp mode field values, per the RISC-V privileged spec (bits 63:60).
const (
	satpModeSv39 = 8
	satpModeSv57 = 10
)

// NewWalkerFromSatp builds a Walker from the guest's vsatp value: a Bare
// mode (0) reports ok=false, since the guest hasn't enabled its own
// first-stage translation yet and callers should treat gva as already gpa.
func NewWalkerFromSatp(vsatp uint64, gstage GStageWalker) (w *Walker, ok bool) {
	mode := vsatp >> 60
	ppn := vsatp & ((1 << 44) - 1)
	switch mode {
	case satpModeSv39:
		return &Walker{Mode: Sv39, RootGPA: addr.GuestPhysicalAddress(ppn << 12), GStage: gstage}, true
	case satpModeSv57:
		return &Walker{Mode: Sv57, RootGPA: addr.GuestPhysicalAddress(ppn << 12), GStage: gstage}, true
	default:
		return nil, false
	}
}

// vpn extracts the 9-bit index for an arbitrary VS-stage level (0 lowest).
func vpn(gva addr.GuestVirtualAddress, level int) uint64 {
	return (uint64(gva) >> (12 + 9*level)) & 0x1ff
}

func (w *Walker) readEntry(tableGPA addr.GuestPhysicalAddress, index uint64) (addr.PageTableEntry, error) {
	slotGPA := tableGPA.Add(index * 8)
	slotHPA, err := w.GStage.Walk(slotGPA)
	if err != nil {
		return 0, errors.Wrap(err, "vsstage: translate PTE slot")
	}
	return addr.PageTableEntry(hostRead64(slotHPA)), nil
}

// Translate resolves a guest-virtual address to a guest-physical address by
// walking Mode.levels() levels from RootGPA, stopping at the first leaf.
func (w *Walker) Translate(gva addr.GuestVirtualAddress) (addr.GuestPhysicalAddress, error) {
	levels := w.Mode.levels()
	tableGPA := w.RootGPA
	for level := levels - 1; level >= 0; level-- {
		entry, err := w.readEntry(tableGPA, vpn(gva, level))
		if err != nil {
			return 0, err
		}
		if !entry.IsValid() {
			return 0, ErrInvalidEntry
		}
		if entry.IsLeaf() {
			return leafGPA(entry, gva, level), nil
		}
		if level == 0 {
			return 0, ErrNoLeafEntry
		}
		tableGPA = addr.GuestPhysicalAddress(entry.PPN() << 12)
	}
	return 0, ErrNoLeafEntry
}

// leafGPA combines a leaf entry's PPN with the guest-virtual address's
// offset bits below the level at which the leaf was found, honoring
// superpages the same way the G-stage walker does.
func leafGPA(entry addr.PageTableEntry, gva addr.GuestVirtualAddress, level int) addr.GuestPhysicalAddress {
	pageBits := uint(12 + 9*level)
	mask := uint64(1)<<pageBits - 1
	low := uint64(gva) & mask
	high := (entry.PPN() << 12) &^ mask
	return addr.GuestPhysicalAddress(high | low)
}
