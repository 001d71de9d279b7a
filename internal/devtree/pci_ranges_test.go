package devtree

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/rvisor/internal/fdt"
)

func putCell(buf []byte, off int, v uint32) { binary.BigEndian.PutUint32(buf[off:], v) }

func TestParsePCIRangesSkipsIOSpace(t *testing.T) {
	buf := make([]byte, 7*4*2)
	// Chunk 0: I/O space window (type 0b01 in bits[25:24]) -- skipped.
	putCell(buf, 0, 0b01<<24)
	putCell(buf, 4, 0)
	putCell(buf, 8, 0x3000_0000)
	putCell(buf, 12, 0)
	putCell(buf, 16, 0x3000_0000)
	putCell(buf, 20, 0)
	putCell(buf, 24, 0x1_0000)

	// Chunk 1: 32-bit memory window (type 0b10) -- kept.
	putCell(buf, 28, 0b10<<24)
	putCell(buf, 32, 0)
	putCell(buf, 36, 0x4000_0000)
	putCell(buf, 40, 0)
	putCell(buf, 44, 0x4000_0000)
	putCell(buf, 48, 0)
	putCell(buf, 52, 0x1000_0000)

	node := &fdt.Node{
		Name:       "pci",
		Properties: map[string]fdt.Property{"ranges": {Bytes: buf}},
	}

	maps, err := ParsePCIRanges(node)
	require.NoError(t, err)
	require.Len(t, maps, 1)
	require.Equal(t, uint64(0x4000_0000), uint64(maps[0].GuestPhysBase))
	require.Equal(t, uint64(0x1000_0000), maps[0].Length)
}
