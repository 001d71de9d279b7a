// Package fdt defines the typed device-tree node/property shapes this
// hypervisor consumes. Decoding the raw flattened-device-tree blob into
// this shape is treated as an external collaborator's job (a device-tree
// provider); this package only defines the query surface the rest of the
// bootstrap path (internal/devtree) walks.
package fdt

// Property describes a single device-tree property. Exactly one of the
// typed fields should be populated for a given property.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Kind returns the name of the populated field, or "" if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// Node describes a device-tree node.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}
