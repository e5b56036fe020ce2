package typegraph

import (
	"debug/dwarf"

	"github.com/nnd-dbg/nnd/pkg/dwarfread"
)

// Builder resolves DWARF type DIEs into a Graph. It is not safe for
// concurrent use from multiple goroutines on its own — pkg/symtab's
// parallel unit workers each build a per-unit Builder over the one shared
// Graph and serialize their Builder calls with symtab.Builder's graphMu.
type Builder struct {
	reader *dwarfread.Reader
	graph  *Graph
	// pending holds DIE offsets whose node was placeholdered and is being
	// filled right now, so a reference back to it from inside its own
	// fields (a cycle) returns the placeholder id instead of filling it a
	// second time.
	pending map[uint64]bool
}

// NewBuilder creates a Builder that resolves types into graph.
func NewBuilder(reader *dwarfread.Reader, graph *Graph) *Builder {
	return &Builder{reader: reader, graph: graph, pending: make(map[uint64]bool)}
}

// Resolve returns the graph id for the type referenced by e's Attr
// attribute (typically dwarf.AttrType), registering placeholder and
// dependent nodes as needed. Returns (0, false) if e has no such attribute
// (e.g. a `void` return type, which DWARF represents by omitting
// DW_AT_type entirely rather than pointing at a "void" DIE).
func (b *Builder) Resolve(e *dwarf.Entry, attr dwarf.Attr) (ID, bool) {
	off, ok := typeOffset(e, attr)
	if !ok {
		return 0, false
	}
	return b.ResolveOffset(off), true
}

func typeOffset(e *dwarf.Entry, attr dwarf.Attr) (dwarf.Offset, bool) {
	f := e.AttrField(attr)
	if f == nil {
		return 0, false
	}
	off, ok := f.Val.(dwarf.Offset)
	return off, ok
}

// ResolveOffset resolves (building if necessary) the type DIE at off,
// returning its graph id.
func (b *Builder) ResolveOffset(off dwarf.Offset) ID {
	if id, ok := b.graph.Lookup(uint64(off)); ok && !b.pending[uint64(off)] {
		return id
	}

	rdr, err := b.reader.SeekTo(off)
	if err != nil {
		return b.graph.Placeholder(uint64(off), KindUnknown)
	}
	entry, err := rdr.Next()
	if err != nil || entry == nil {
		return b.graph.Placeholder(uint64(off), KindUnknown)
	}

	kind := kindForTag(entry.Tag)
	id := b.graph.Placeholder(uint64(off), kind)
	if b.pending[uint64(off)] {
		return id
	}
	b.pending[uint64(off)] = true

	b.fillNode(id, entry, rdr, off)

	delete(b.pending, uint64(off))
	return id
}

func kindForTag(tag dwarf.Tag) Kind {
	switch tag {
	case dwarf.TagBaseType:
		return KindBase
	case dwarf.TagPointerType:
		return KindPointer
	case dwarf.TagArrayType:
		return KindArray
	case dwarf.TagStructType:
		return KindStruct
	case dwarf.TagUnionType:
		return KindUnion
	case dwarf.TagEnumerationType:
		return KindEnum
	case dwarf.TagTypedef:
		return KindTypedef
	case dwarf.TagConstType:
		return KindConst
	case dwarf.TagVolatileType:
		return KindVolatile
	case dwarf.TagSubroutineType:
		return KindFunction
	case dwarf.TagSubrangeType:
		return KindSubrange
	default:
		return KindUnknown
	}
}

func (b *Builder) fillNode(id ID, entry *dwarf.Entry, rdr *dwarf.Reader, selfOff dwarf.Offset) {
	name, _ := entry.Val(dwarf.AttrName).(string)
	byteSize, _ := entry.Val(dwarf.AttrByteSize).(int64)

	b.graph.Fill(id, func(n *Node) {
		n.Name = name
		n.ByteSize = uint64(byteSize)
		n.DefiningUnit = uint64(selfOff)
		n.QualifiedName = name
	})

	switch entry.Tag {
	case dwarf.TagBaseType:
		enc, _ := entry.Val(dwarf.AttrEncoding).(int64)
		b.graph.Fill(id, func(n *Node) { n.Encoding = uint8(enc) })

	case dwarf.TagPointerType, dwarf.TagConstType, dwarf.TagVolatileType, dwarf.TagTypedef:
		elemID, ok := b.Resolve(entry, dwarf.AttrType)
		if ok {
			b.graph.Fill(id, func(n *Node) { n.Element = elemID })
		}

	case dwarf.TagArrayType:
		elemID, ok := b.Resolve(entry, dwarf.AttrType)
		if ok {
			b.graph.Fill(id, func(n *Node) { n.Element = elemID })
		}
		count := b.readArrayCount(rdr)
		b.graph.Fill(id, func(n *Node) { n.Count = count })

	case dwarf.TagStructType, dwarf.TagUnionType:
		members := b.readMembers(rdr)
		b.graph.Fill(id, func(n *Node) { n.Members = members })

	case dwarf.TagEnumerationType:
		enums := b.readEnumerators(rdr)
		b.graph.Fill(id, func(n *Node) { n.Enumerators = enums })

	case dwarf.TagSubroutineType:
		retID, ok := b.Resolve(entry, dwarf.AttrType)
		if ok {
			b.graph.Fill(id, func(n *Node) { n.Element = retID })
		}
	}

	if name != "" {
		b.graph.Intern(id, "", name, uint64(selfOff))
	}
}

// readArrayCount reads the single DW_TAG_subrange_type child of an array
// type and returns its element count, or -1 if the bound is unknown (a
// flexible array member or an incomplete extern array).
func (b *Builder) readArrayCount(rdr *dwarf.Reader) int64 {
	for {
		child, err := rdr.Next()
		if err != nil || child == nil || child.Tag == 0 {
			return -1
		}
		if child.Tag == dwarf.TagSubrangeType {
			if count, ok := child.Val(dwarf.AttrCount).(int64); ok {
				return count
			}
			if upper, ok := child.Val(dwarf.AttrUpperBound).(int64); ok {
				return upper + 1
			}
			return -1
		}
		rdr.SkipChildren()
	}
}

func (b *Builder) readMembers(rdr *dwarf.Reader) []Member {
	var members []Member
	for {
		child, err := rdr.Next()
		if err != nil || child == nil || child.Tag == 0 {
			break
		}
		if child.Tag != dwarf.TagMember {
			rdr.SkipChildren()
			continue
		}
		name, _ := child.Val(dwarf.AttrName).(string)
		typeID, _ := b.Resolve(child, dwarf.AttrType)
		off, _ := child.Val(dwarf.AttrDataMemberLoc).(int64)

		m := Member{Name: name, Type: typeID, ByteOffset: uint64(off)}
		if bitSize, ok := child.Val(dwarf.AttrBitSize).(int64); ok {
			m.BitSize = uint8(bitSize)
			if bitOff, ok := child.Val(dwarf.AttrDataBitOffset).(int64); ok {
				m.BitOffset = uint8(bitOff)
			}
		}
		members = append(members, m)
	}
	return members
}

func (b *Builder) readEnumerators(rdr *dwarf.Reader) []Enumerator {
	var enums []Enumerator
	for {
		child, err := rdr.Next()
		if err != nil || child == nil || child.Tag == 0 {
			break
		}
		if child.Tag != dwarf.TagEnumerator {
			rdr.SkipChildren()
			continue
		}
		name, _ := child.Val(dwarf.AttrName).(string)
		val, _ := child.Val(dwarf.AttrConstValue).(int64)
		enums = append(enums, Enumerator{Name: name, Value: val})
	}
	return enums
}

// Underlying strips typedef/const/volatile qualifiers, returning the first
// node that is a base/pointer/array/struct/union/enum/function type.
func (g *Graph) Underlying(id ID) *Node {
	n := g.Node(id)
	for n.Kind == KindTypedef || n.Kind == KindConst || n.Kind == KindVolatile {
		if n.Element == 0 && n.Kind != KindPointer {
			break
		}
		next := g.Node(n.Element)
		if next == n {
			break
		}
		n = next
	}
	return n
}
