// Package hostmem backs host-physical memory with anonymous mmap regions,
// the same way a hosted hypervisor backs guest RAM: real bytes at a real
// address the page-table walkers and DMA bounce-buffer logic can resolve
// into.
package hostmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/rvisor/internal/addr"
)

// Region is a single mmap-backed allocation.
type Region struct {
	Base addr.HostPhysicalAddress
	Data []byte
}

// End returns the exclusive end of the region.
func (r Region) End() addr.HostPhysicalAddress { return r.Base.Add(uint64(len(r.Data))) }

// Arena hands out mmap-backed regions and releases one only when Free is
// called for it, so page-table nodes and guest RAM, which are never passed
// to Free, live for the hypervisor's whole lifetime.
type Arena struct {
	regions []*Region
}

// NewArena creates an empty arena.
func NewArena() *Arena { return &Arena{} }

// Allocate reserves a new anonymous, zero-filled region of at least size
// bytes, rounded up to a page, and returns it along with its host-physical
// base. The base is the address of the mapping in this process's own
// address space, treated as "host-physical" by the model: this process *is*
// the host.
func (a *Arena) Allocate(size uint64) (*Region, error) {
	length := int(addr.AlignUp4K(size))
	if length == 0 {
		length = addr.PageSize4K
	}
	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "hostmem: mmap %d bytes", length)
	}
	r := &Region{Base: addr.HostPhysicalAddress(uintptr(addrOf(data))), Data: data}
	a.regions = append(a.regions, r)
	return r, nil
}

// AllocateAligned reserves a region of at least size bytes whose
// host-physical base is a multiple of align (align must be a power of two
// multiple of the page size). The root G-stage table needs 16 KiB
// alignment, stricter than the 4 KiB mmap grants by default, so this
// over-allocates and returns the aligned sub-slice.
func (a *Arena) AllocateAligned(size, align uint64) (*Region, error) {
	if align <= addr.PageSize4K {
		return a.Allocate(size)
	}
	r, err := a.Allocate(size + align)
	if err != nil {
		return nil, err
	}
	base := uint64(r.Base)
	aligned := (base + align - 1) &^ (align - 1)
	off := aligned - base
	return &Region{Base: addr.HostPhysicalAddress(aligned), Data: r.Data[off : off+size]}, nil
}

// Free releases a region back to the OS. Used only for SATA DMA bounce
// buffers, which are genuinely transient; page-table nodes and guest RAM
// are never freed (see the arena-allocator design note).
func (a *Arena) Free(r *Region) error {
	for i, have := range a.regions {
		if have == r {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			break
		}
	}
	if err := unix.Munmap(r.Data); err != nil {
		return errors.Wrap(err, "hostmem: munmap")
	}
	return nil
}
