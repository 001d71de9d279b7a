package fdt

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// RegRange is one entry of a "reg" property: a (address, size) pair, in
// whatever address space the node's bus defines.
type RegRange struct {
	Address uint64
	Size    uint64
}

// FindNode walks a '/'-separated path from root, matching each path
// component either exactly or against the part of a child's name before
// its unit-address ('@'), the same lookup original-source callers perform
// with `device_tree.find_node(path)`.
func FindNode(root *Node, path string) (*Node, bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return root, true
	}
	cur := root
	for _, part := range strings.Split(path, "/") {
		next, ok := findChild(cur, part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func findChild(n *Node, name string) (*Node, bool) {
	for i := range n.Children {
		c := &n.Children[i]
		if c.Name == name {
			return c, true
		}
		if base, _, found := strings.Cut(c.Name, "@"); found && base == name {
			return c, true
		}
	}
	return nil, false
}

// FindNodesByPrefix returns every descendant whose name (before '@')
// matches prefix, used to enumerate repeated nodes like "virtio_mmio@*".
func FindNodesByPrefix(n *Node, prefix string) []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(cur *Node) {
		base, _, _ := strings.Cut(cur.Name, "@")
		if base == prefix {
			out = append(out, cur)
		}
		for i := range cur.Children {
			walk(&cur.Children[i])
		}
	}
	walk(n)
	return out
}

// Property looks up a named property on this node.
func (n *Node) Property(name string) (Property, bool) {
	if n.Properties == nil {
		return Property{}, false
	}
	p, ok := n.Properties[name]
	return p, ok
}

// Reg decodes the node's "reg" property into (address, size) pairs using
// the given cell widths (in 32-bit cells), as declared by the parent's
// #address-cells/#size-cells.
func (n *Node) Reg(addressCells, sizeCells int) ([]RegRange, error) {
	p, ok := n.Property("reg")
	if !ok {
		return nil, errors.Errorf("fdt: node %q has no reg property", n.Name)
	}
	raw := propertyBytes(p)
	chunkCells := addressCells + sizeCells
	chunkLen := chunkCells * 4
	if chunkLen == 0 || len(raw)%chunkLen != 0 {
		return nil, errors.Errorf("fdt: node %q reg property length %d not a multiple of %d", n.Name, len(raw), chunkLen)
	}
	var ranges []RegRange
	for off := 0; off < len(raw); off += chunkLen {
		chunk := raw[off : off+chunkLen]
		addrv := readCells(chunk[:addressCells*4], addressCells)
		sizev := readCells(chunk[addressCells*4:], sizeCells)
		ranges = append(ranges, RegRange{Address: addrv, Size: sizev})
	}
	return ranges, nil
}

// propertyBytes normalizes any populated property field into a flat
// big-endian byte slice, so Reg/PropertyCells can treat U32/U64/Bytes
// uniformly regardless of how the provider chose to expose it.
func propertyBytes(p Property) []byte {
	switch {
	case len(p.Bytes) > 0:
		return p.Bytes
	case len(p.U32) > 0:
		buf := make([]byte, len(p.U32)*4)
		for i, v := range p.U32 {
			binary.BigEndian.PutUint32(buf[i*4:], v)
		}
		return buf
	case len(p.U64) > 0:
		buf := make([]byte, len(p.U64)*8)
		for i, v := range p.U64 {
			binary.BigEndian.PutUint64(buf[i*8:], v)
		}
		return buf
	default:
		return nil
	}
}

func readCells(b []byte, cells int) uint64 {
	var v uint64
	for i := 0; i < cells; i++ {
		v = v<<32 | uint64(binary.BigEndian.Uint32(b[i*4:]))
	}
	return v
}

// PropertyCells decodes a property whose width is not fixed by the schema
// (the "linux,initrd-start"/"linux,initrd-end" case): it is a single
// big-endian cell whose width (4 or 8 bytes) is determined by the
// property's own encoded length, never guessed at a fixed width, since
// providers disagree on which they emit.
func (n *Node) PropertyCells(name string) (uint64, error) {
	p, ok := n.Property(name)
	if !ok {
		return 0, errors.Errorf("fdt: node %q has no property %q", n.Name, name)
	}
	raw := propertyBytes(p)
	switch len(raw) {
	case 4:
		return uint64(binary.BigEndian.Uint32(raw)), nil
	case 8:
		return binary.BigEndian.Uint64(raw), nil
	default:
		return 0, errors.Errorf("fdt: property %q on %q has unsupported cell width %d", name, n.Name, len(raw))
	}
}

// StringsProperty returns the list of strings encoded by a property (e.g.
// "compatible"), or nil if absent.
func (n *Node) StringsProperty(name string) []string {
	p, ok := n.Property(name)
	if !ok {
		return nil
	}
	return p.Strings
}

// U32Array returns a property's u32 cells, decoding from Bytes if
// necessary.
func (n *Node) U32Array(name string) []uint32 {
	p, ok := n.Property(name)
	if !ok {
		return nil
	}
	if len(p.U32) > 0 {
		return p.U32
	}
	raw := p.Bytes
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	return out
}
