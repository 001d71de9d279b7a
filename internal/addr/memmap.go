package addr

import "fmt"

// MemoryMap is a (guest-virtual-of-the-G-stage-space range, host-physical
// range, permission flags) triple. For G-stage mappings the "virtual" side
// is a GuestPhysicalAddress range, since G-stage translates GPA to HPA.
type MemoryMap struct {
	GuestPhysBase GuestPhysicalAddress
	HostPhysBase  HostPhysicalAddress
	Length        uint64
	Flags         FlagSet
}

// NewMemoryMap builds a MemoryMap. Both ranges share the single length, so
// they are equal in length by construction; no alignment or flag check is
// made. Callers construct these from fixed device-tree or RAM-allocation
// data, never from untrusted input.
func NewMemoryMap(gpa GuestPhysicalAddress, hpa HostPhysicalAddress, length uint64, flags FlagSet) MemoryMap {
	return MemoryMap{GuestPhysBase: gpa, HostPhysBase: hpa, Length: length, Flags: flags}
}

// End returns the exclusive end of the guest-physical range.
func (m MemoryMap) End() GuestPhysicalAddress { return m.GuestPhysBase.Add(m.Length) }

// HostEnd returns the exclusive end of the host-physical range.
func (m MemoryMap) HostEnd() HostPhysicalAddress { return m.HostPhysBase.Add(m.Length) }

// Contains reports whether gpa falls inside the mapped guest-physical range.
func (m MemoryMap) Contains(gpa GuestPhysicalAddress) bool {
	return gpa >= m.GuestPhysBase && gpa < m.End()
}

// Translate maps a guest-physical address inside this region to its
// host-physical counterpart.
func (m MemoryMap) Translate(gpa GuestPhysicalAddress) HostPhysicalAddress {
	off := uint64(gpa) - uint64(m.GuestPhysBase)
	return m.HostPhysBase.Add(off)
}

func (m MemoryMap) String() string {
	return fmt.Sprintf("%s..%s -> %s (len=0x%x)", m.GuestPhysBase, m.End(), m.HostPhysBase, m.Length)
}

// PageLevel chooses the largest page size (0 = 4K, 1 = 2M, 2 = 1G) whose
// size divides both the region's start and its length, per the G-stage
// build contract: prefer 1 GiB, then 2 MiB, else fall back to 4 KiB.
func (m MemoryMap) PageLevel() int {
	aligned := func(size uint64) bool {
		return uint64(m.GuestPhysBase)%size == 0 && uint64(m.HostPhysBase)%size == 0 && m.Length%size == 0
	}
	switch {
	case m.Length >= PageSize1G && aligned(PageSize1G):
		return 2
	case m.Length >= PageSize2M && aligned(PageSize2M):
		return 1
	default:
		return 0
	}
}
