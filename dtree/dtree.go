// Package dtree models the device-tree surface spec.md §6 specifies as
// an opaque lookup: the parser itself is out of scope (spec.md §1), so
// this package only gives timer drivers something to attach against.
package dtree

import "encoding/binary"

// Node is an opaque handle into a loaded device tree. The real parser
// (out of scope) constructs these; this package never does.
type Node interface {
	// GetProperty returns the raw bytes of a property and whether it
	// exists. Device-tree cells are big-endian regardless of host
	// byte order (spec.md §9), so callers use Cell32/Cell32Pair below
	// rather than reinterpreting the bytes directly.
	GetProperty(name string) ([]byte, bool)
}

// Cell32 decodes the first big-endian 32-bit cell of a property.
func Cell32(n Node, name string) (uint32, bool) {
	b, ok := n.GetProperty(name)
	if !ok || len(b) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b[:4]), true
}

// Cell32Pair decodes two consecutive big-endian 32-bit cells, the shape
// used by "interrupts", "comm", and "freq-range" properties.
func Cell32Pair(n Node, name string) (uint32, uint32, bool) {
	b, ok := n.GetProperty(name)
	if !ok || len(b) < 8 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8]), true
}

// MapNode is a trivial in-memory Node, used by driver tests to stand in
// for a parsed device-tree node without pulling in the real parser.
type MapNode map[string][]byte

func (m MapNode) GetProperty(name string) ([]byte, bool) {
	b, ok := m[name]
	return b, ok
}

// PutCell32 stores a single big-endian 32-bit cell under name, for
// building MapNode fixtures in tests.
func PutCell32(m MapNode, name string, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	m[name] = b
}

// PutCell32Pair stores two big-endian 32-bit cells under name.
func PutCell32Pair(m MapNode, name string, a, b uint32) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], a)
	binary.BigEndian.PutUint32(buf[4:8], b)
	m[name] = buf
}
