package addr

// PTE flag bits, common to Sv39x4 G-stage and Sv39/Sv57 VS-stage entries.
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User-accessible (VS-stage) / guest-accessible (G-stage: always 1 for a mapping)
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

// Flag names a permission granted to a MemoryMap.
type Flag uint8

const (
	FlagValid Flag = 1 << iota
	FlagRead
	FlagWrite
	FlagExec
	FlagUser
	FlagAccessed
	FlagDirty
)

// FlagSet is a subset of {Valid, Read, Write, Exec, User, Accessed, Dirty}.
type FlagSet uint8

// Has reports whether every bit of want is present in the set.
func (s FlagSet) Has(want Flag) bool { return uint8(s)&uint8(want) == uint8(want) }

// PTEBits converts a MemoryMap flag set into the PTE bits a leaf entry needs,
// always including Valid and Accessed/Dirty so a freshly built mapping never
// needs a software-managed A/D-bit fault.
func (s FlagSet) PTEBits() uint64 {
	var bits uint64 = PteV | PteA | PteD
	if s.Has(FlagRead) {
		bits |= PteR
	}
	if s.Has(FlagWrite) {
		bits |= PteW
	}
	if s.Has(FlagExec) {
		bits |= PteX
	}
	if s.Has(FlagUser) {
		bits |= PteU
	}
	return bits
}

// PageTableEntry is a single 64-bit Sv39x4/Sv39/Sv57 entry.
type PageTableEntry uint64

// IsValid reports whether V is set.
func (e PageTableEntry) IsValid() bool { return e&PteV != 0 }

// IsLeaf reports whether any of R/W/X is set; a non-leaf valid entry points
// at the next level down.
func (e PageTableEntry) IsLeaf() bool { return e&(PteR|PteW|PteX) != 0 }

// PPN returns the full physical page number field (bits [53:10]).
func (e PageTableEntry) PPN() uint64 { return uint64(e>>10) & ((1 << 44) - 1) }

// PPNLevel returns the PPN field at the given Sv39 level: 9 bits wide at
// levels 0 and 1, 26 bits wide at level 2.
func (e PageTableEntry) PPNLevel(level int) uint64 {
	switch level {
	case 0:
		return e.PPN() & 0x1ff
	case 1:
		return (e.PPN() >> 9) & 0x1ff
	case 2:
		return (e.PPN() >> 18) & ((1 << 26) - 1)
	default:
		panic("addr: invalid PTE level")
	}
}

// NewNonLeafPTE builds a non-leaf (pointer) entry referencing the next-level
// table at the given host-physical address.
func NewNonLeafPTE(next HostPhysicalAddress) PageTableEntry {
	ppn := uint64(next) >> 12
	return PageTableEntry(ppn<<10 | PteV)
}

// NewLeafPTE builds a leaf entry mapping to phys with the given flags,
// already OR'd with Valid by FlagSet.PTEBits.
func NewLeafPTE(phys HostPhysicalAddress, flags FlagSet) PageTableEntry {
	ppn := uint64(phys) >> 12
	return PageTableEntry(ppn<<10 | flags.PTEBits())
}
