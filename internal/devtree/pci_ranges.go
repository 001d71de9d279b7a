package devtree

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/tinyrange/rvisor/internal/addr"
	"github.com/tinyrange/rvisor/internal/fdt"
)

// pciFlagsForDevice are the permission flags applied to every PCI MMIO
// window: readable and writable, never executable. User is set because a
// second-stage leaf must carry U=1 for any virtualized access to succeed.
var pciFlagsForDevice = addr.FlagSet(addr.FlagValid | addr.FlagRead | addr.FlagWrite | addr.FlagUser)

// ParsePCIRanges decodes the generic PCI host bridge's "ranges" property: a
// sequence of 7-cell chunks (3-cell PCI bus address, 2-cell CPU physical
// address, 2-cell size). The top cell of the bus address encodes the
// address space type in bits [25:24]; 0b01 is I/O space and is skipped --
// only memory-space windows are added to the mapping.
//
// Ref: https://www.kernel.org/doc/Documentation/devicetree/bindings/pci/host-generic-pci.txt
func ParsePCIRanges(pciNode *fdt.Node) ([]addr.MemoryMap, error) {
	p, ok := pciNode.Property("ranges")
	if !ok {
		return nil, errors.Errorf("devtree: pci node %q has no ranges property", pciNode.Name)
	}
	raw := p.Bytes
	if len(raw) == 0 {
		raw = u32ToBytes(p.U32)
	}
	const cellsPerChunk = 7
	const chunkLen = cellsPerChunk * 4
	if len(raw)%chunkLen != 0 {
		return nil, errors.Errorf("devtree: pci ranges length %d not a multiple of %d", len(raw), chunkLen)
	}

	var maps []addr.MemoryMap
	for off := 0; off < len(raw); off += chunkLen {
		chunk := raw[off : off+chunkLen]
		busAddrHigh := binary.BigEndian.Uint32(chunk[0:4])
		// space type: 0b01 = I/O, 0b10 = 32-bit memory, 0b11 = 64-bit memory.
		spaceType := (busAddrHigh >> 24) & 0b11
		if spaceType == 0b01 {
			continue
		}
		cpuAddr := uint64(binary.BigEndian.Uint32(chunk[12:16]))<<32 | uint64(binary.BigEndian.Uint32(chunk[16:20]))
		size := uint64(binary.BigEndian.Uint32(chunk[20:24]))<<32 | uint64(binary.BigEndian.Uint32(chunk[24:28]))

		maps = append(maps, addr.NewMemoryMap(
			addr.GuestPhysicalAddress(cpuAddr),
			addr.HostPhysicalAddress(cpuAddr),
			size,
			pciFlagsForDevice,
		))
	}
	return maps, nil
}

func u32ToBytes(v []uint32) []byte {
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.BigEndian.PutUint32(buf[i*4:], x)
	}
	return buf
}
