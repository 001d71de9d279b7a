// Package gstage builds and walks the Sv39x4 guest-physical-to-host-physical
// page tables: the G-stage translation installed once at bootstrap and
// consulted by every MMIO emulation path that needs to turn a GPA the guest
// handed over into a real host address.
package gstage

import (
	"github.com/pkg/errors"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/hostmem"
)

// RootSize is the fixed size of the Sv39x4 G-stage root table: 2048 entries
// of 8 bytes each, naturally aligned to 16 KiB.
const RootSize = 2048 * 8

// RootAlign is the required alignment of the root table.
const RootAlign = 16 * 1024

// ErrInvalidEntry is returned when a walk encounters a non-leaf entry with
// Valid=0, i.e. the address was never mapped.
var ErrInvalidEntry = errors.New("gstage: invalid page table entry")

// ErrNoLeafEntry is returned when the walk runs out of levels without
// reaching a leaf, which (for a correctly built table) never happens but is
// checked defensively at the bottom level.
var ErrNoLeafEntry = errors.New("gstage: no leaf entry found")

// RootPageTable owns the top-level Sv39x4 table and every intermediate
// table it has allocated. Intermediate tables are never freed: see the
// arena-ownership design note.
type RootPageTable struct {
	arena *hostmem.Arena
	root  *hostmem.Region
}

// NewRootPageTable allocates a fresh, zeroed 16 KiB root table from the
// given arena.
func NewRootPageTable(arena *hostmem.Arena) (*RootPageTable, error) {
	root, err := arena.AllocateAligned(RootSize, RootAlign)
	if err != nil {
		return nil, errors.Wrap(err, "gstage: allocate root table")
	}
	return &RootPageTable{arena: arena, root: root}, nil
}

// Base returns the root table's host-physical address, the value programmed
// into hgatp.PPN (shifted right by 12).
func (t *RootPageTable) Base() addr.HostPhysicalAddress { return t.root.Base }

// entryAddr returns the host-physical address of the PTE slot at the given
// index within a table based at base.
func entryAddr(base addr.HostPhysicalAddress, index uint64) addr.HostPhysicalAddress {
	return base.Add(index * 8)
}

// nextTable returns the host-physical base of the next-level table pointed
// to by entry, allocating and installing a fresh one if the slot is empty.
func (t *RootPageTable) nextTable(slot addr.HostPhysicalAddress) (addr.HostPhysicalAddress, error) {
	entry := addr.PageTableEntry(hostRead64(slot))
	if entry.IsValid() {
		if entry.IsLeaf() {
			return 0, errors.New("gstage: expected non-leaf entry, found leaf")
		}
		return addr.HostPhysicalAddress(entry.PPN() << 12), nil
	}
	next, err := t.arena.Allocate(addr.PageSize4K)
	if err != nil {
		return 0, errors.Wrap(err, "gstage: allocate intermediate table")
	}
	hostWrite64(slot, uint64(addr.NewNonLeafPTE(next.Base)))
	return next.Base, nil
}

// Build installs every MemoryMap into the G-stage table, choosing the
// largest page level the mapping's alignment and length allow (1 GiB, then
// 2 MiB, else 4 KiB), reusing any intermediate table already present.
func (t *RootPageTable) Build(maps []addr.MemoryMap) error {
	for _, m := range maps {
		if err := t.buildOne(m); err != nil {
			return errors.Wrapf(err, "gstage: build mapping %s", m)
		}
	}
	return nil
}

func (t *RootPageTable) buildOne(m addr.MemoryMap) error {
	level := m.PageLevel()
	pageSize := uint64(addr.PageSize4K)
	switch level {
	case 1:
		pageSize = addr.PageSize2M
	case 2:
		pageSize = addr.PageSize1G
	}
	for off := uint64(0); off < m.Length; off += pageSize {
		gpa := m.GuestPhysBase.Add(off)
		hpa := m.HostPhysBase.Add(off)
		if err := t.installLeaf(gpa, hpa, level, m.Flags); err != nil {
			return err
		}
	}
	return nil
}

// installLeaf walks from the root to the requested level, allocating
// intermediate 4 KiB tables as needed, and writes a leaf PTE there.
func (t *RootPageTable) installLeaf(gpa addr.GuestPhysicalAddress, hpa addr.HostPhysicalAddress, leafLevel int, flags addr.FlagSet) error {
	// Level 2 (top, 2048-entry, 11-bit index) is always the root.
	slot := entryAddr(t.root.Base, gpa.GPPN(2))
	if leafLevel == 2 {
		hostWrite64(slot, uint64(addr.NewLeafPTE(hpa, flags)))
		return nil
	}
	tableBase, err := t.nextTable(slot)
	if err != nil {
		return err
	}
	slot = entryAddr(tableBase, gpa.GPPN(1))
	if leafLevel == 1 {
		hostWrite64(slot, uint64(addr.NewLeafPTE(hpa, flags)))
		return nil
	}
	tableBase, err = t.nextTable(slot)
	if err != nil {
		return err
	}
	slot = entryAddr(tableBase, gpa.GPPN(0))
	hostWrite64(slot, uint64(addr.NewLeafPTE(hpa, flags)))
	return nil
}

// Walk resolves a guest-physical address to its host-physical counterpart
// by descending the three G-stage levels from the root, stopping at the
// first leaf.
func (t *RootPageTable) Walk(gpa addr.GuestPhysicalAddress) (addr.HostPhysicalAddress, error) {
	entry := addr.PageTableEntry(hostRead64(entryAddr(t.root.Base, gpa.GPPN(2))))
	if !entry.IsValid() {
		return 0, ErrInvalidEntry
	}
	if entry.IsLeaf() {
		return leafAddr(entry, gpa, 2), nil
	}

	level1Base := addr.HostPhysicalAddress(entry.PPN() << 12)
	entry = addr.PageTableEntry(hostRead64(entryAddr(level1Base, gpa.GPPN(1))))
	if !entry.IsValid() {
		return 0, ErrInvalidEntry
	}
	if entry.IsLeaf() {
		return leafAddr(entry, gpa, 1), nil
	}

	level0Base := addr.HostPhysicalAddress(entry.PPN() << 12)
	entry = addr.PageTableEntry(hostRead64(entryAddr(level0Base, gpa.GPPN(0))))
	if !entry.IsValid() {
		return 0, ErrInvalidEntry
	}
	if !entry.IsLeaf() {
		return 0, ErrNoLeafEntry
	}
	return leafAddr(entry, gpa, 0), nil
}

// leafAddr combines a leaf PTE's PPN with the low bits of gpa appropriate to
// the level at which the leaf was found (a superpage leaf leaves the lower
// PPN fields as the address's own offset bits).
func leafAddr(entry addr.PageTableEntry, gpa addr.GuestPhysicalAddress, level int) addr.HostPhysicalAddress {
	switch level {
	case 2:
		low := uint64(gpa) & (addr.PageSize1G - 1)
		return addr.HostPhysicalAddress(entry.PPNLevel(2)<<30 | low)
	case 1:
		low := uint64(gpa) & (addr.PageSize2M - 1)
		return addr.HostPhysicalAddress(entry.PPN()<<12&^(addr.PageSize2M-1) | low)
	default:
		low := uint64(gpa) & (addr.PageSize4K - 1)
		return addr.HostPhysicalAddress(entry.PPN()<<12 | low)
	}
}
