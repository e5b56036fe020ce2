package prettyprint

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/nnd-dbg/nnd/pkg/evalexpr"
	"github.com/nnd-dbg/nnd/pkg/typegraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMem struct {
	mem map[uint64]byte
}

func newFakeMem() *fakeMem { return &fakeMem{mem: make(map[uint64]byte)} }

func (m *fakeMem) put(addr uint64, b []byte) {
	for i, v := range b {
		m.mem[addr+uint64(i)] = v
	}
}

func (m *fakeMem) ReadMemory(addr uint64, out []byte) (int, error) {
	for i := range out {
		v, ok := m.mem[addr+uint64(i)]
		if !ok {
			return i, fmt.Errorf("fakeMem: no byte at %#x", addr+uint64(i))
		}
		out[i] = v
	}
	return len(out), nil
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func le32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

// buildVectorGraph constructs a libstdc++-shaped std::vector<int>: a struct
// with one member `_M_impl` (anonymous-ish wrapper struct) holding the
// three pointer fields pretty-printing reads.
func buildVectorGraph() (*typegraph.Graph, typegraph.ID, typegraph.ID) {
	g := typegraph.NewGraph()

	intID := g.Placeholder(1, typegraph.KindBase)
	g.Fill(intID, func(n *typegraph.Node) { n.Name = "int"; n.ByteSize = 4; n.Encoding = 0x05 })

	ptrID := g.Placeholder(2, typegraph.KindPointer)
	g.Fill(ptrID, func(n *typegraph.Node) { n.Name = "int*"; n.ByteSize = 8; n.Element = intID })

	implID := g.Placeholder(3, typegraph.KindStruct)
	g.Fill(implID, func(n *typegraph.Node) {
		n.Name = "_Vector_impl"
		n.ByteSize = 24
		n.Members = []typegraph.Member{
			{Name: "_M_start", Type: ptrID, ByteOffset: 0},
			{Name: "_M_finish", Type: ptrID, ByteOffset: 8},
			{Name: "_M_end_of_storage", Type: ptrID, ByteOffset: 16},
		}
	})

	vecID := g.Placeholder(4, typegraph.KindStruct)
	g.Fill(vecID, func(n *typegraph.Node) {
		n.Name = "std::vector<int>"
		n.ByteSize = 24
		n.Element = intID
		n.Members = []typegraph.Member{
			{Name: "_M_impl", Type: implID, ByteOffset: 0},
		}
	})

	return g, vecID, intID
}

func TestPrintCppVectorSummaryAndChildren(t *testing.T) {
	g, vecID, _ := buildVectorGraph()
	mem := newFakeMem()

	const base = 0x5000
	mem.put(base+0, le64(0x6000))  // _M_start
	mem.put(base+8, le64(0x6010))  // _M_finish (4 ints later)
	mem.put(base+16, le64(0x6010)) // _M_end_of_storage

	for i, v := range []int32{10, 20, 30, 40} {
		mem.put(0x6000+uint64(i*4), le32(v))
	}

	reg := NewDefaultRegistry()
	v := evalexpr.Value{Type: vecID, Addr: base, HasAddr: true}

	res, err := Format(g, mem, reg, v)
	require.NoError(t, err)
	assert.Equal(t, "size=4", res.Summary)
	require.NotNil(t, res.Children)

	children, err := res.Children()
	require.NoError(t, err)
	require.Len(t, children, 4)
	assert.Equal(t, "[0]", children[0].Name)

	got, err := children[2].Value.AsInt64(g)
	require.NoError(t, err)
	assert.EqualValues(t, 30, got)
}

func TestPrintCppVectorEmpty(t *testing.T) {
	g, vecID, _ := buildVectorGraph()
	mem := newFakeMem()

	const base = 0x7000
	mem.put(base+0, le64(0x8000))
	mem.put(base+8, le64(0x8000))
	mem.put(base+16, le64(0x8000))

	reg := NewDefaultRegistry()
	v := evalexpr.Value{Type: vecID, Addr: base, HasAddr: true}

	res, err := Format(g, mem, reg, v)
	require.NoError(t, err)
	assert.Equal(t, "size=0", res.Summary)
}

func buildStringGraph() (*typegraph.Graph, typegraph.ID) {
	g := typegraph.NewGraph()

	charPtrID := g.Placeholder(1, typegraph.KindPointer)
	g.Fill(charPtrID, func(n *typegraph.Node) { n.Name = "char*"; n.ByteSize = 8 })

	ulongID := g.Placeholder(2, typegraph.KindBase)
	g.Fill(ulongID, func(n *typegraph.Node) { n.Name = "unsigned long"; n.ByteSize = 8 })

	strID := g.Placeholder(3, typegraph.KindStruct)
	g.Fill(strID, func(n *typegraph.Node) {
		n.Name = "std::string"
		n.ByteSize = 32
		n.Members = []typegraph.Member{
			{Name: "_M_p", Type: charPtrID, ByteOffset: 0},
			{Name: "_M_string_length", Type: ulongID, ByteOffset: 8},
		}
	})

	return g, strID
}

func TestPrintCppString(t *testing.T) {
	g, strID := buildStringGraph()
	mem := newFakeMem()

	const base = 0x9000
	mem.put(base+0, le64(0xA000))
	mem.put(base+8, le64(5))
	mem.put(0xA000, []byte("hello"))

	reg := NewDefaultRegistry()
	v := evalexpr.Value{Type: strID, Addr: base, HasAddr: true}

	res, err := Format(g, mem, reg, v)
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, res.Summary)
}

func buildOptionalGraph() (*typegraph.Graph, typegraph.ID, typegraph.ID) {
	g := typegraph.NewGraph()

	intID := g.Placeholder(1, typegraph.KindBase)
	g.Fill(intID, func(n *typegraph.Node) { n.Name = "int"; n.ByteSize = 4; n.Encoding = 0x05 })

	boolID := g.Placeholder(2, typegraph.KindBase)
	g.Fill(boolID, func(n *typegraph.Node) { n.Name = "bool"; n.ByteSize = 1; n.Encoding = 0x02 })

	optID := g.Placeholder(3, typegraph.KindStruct)
	g.Fill(optID, func(n *typegraph.Node) {
		n.Name = "std::optional<int>"
		n.ByteSize = 8
		n.Members = []typegraph.Member{
			{Name: "_M_payload", Type: intID, ByteOffset: 0},
			{Name: "_M_engaged", Type: boolID, ByteOffset: 4},
		}
	})

	return g, optID, intID
}

func TestPrintCppOptionalEngaged(t *testing.T) {
	g, optID, _ := buildOptionalGraph()
	v := evalexpr.Value{Type: optID, Bytes: append(le32(42), 1)}

	reg := NewDefaultRegistry()
	res, err := Format(g, nil, reg, v)
	require.NoError(t, err)
	assert.Equal(t, "42", res.Summary)
}

func TestPrintCppOptionalEmpty(t *testing.T) {
	g, optID, _ := buildOptionalGraph()
	v := evalexpr.Value{Type: optID, Bytes: append(le32(0), 0)}

	reg := NewDefaultRegistry()
	res, err := Format(g, nil, reg, v)
	require.NoError(t, err)
	assert.Equal(t, "nullopt", res.Summary)
}

func TestFormatDefaultScalar(t *testing.T) {
	g := typegraph.NewGraph()
	intID := g.Placeholder(1, typegraph.KindBase)
	g.Fill(intID, func(n *typegraph.Node) { n.Name = "int"; n.ByteSize = 4; n.Encoding = 0x05 })

	v := evalexpr.Value{Type: intID, Bytes: le32(7)}
	reg := NewDefaultRegistry()

	res, err := Format(g, nil, reg, v)
	require.NoError(t, err)
	assert.Equal(t, "7", res.Summary)
}

func TestStripTemplate(t *testing.T) {
	assert.Equal(t, "std::vector", stripTemplate("std::vector<int>"))
	assert.Equal(t, "std::map", stripTemplate("std::map<int, std::string>"))
	assert.Equal(t, "int", stripTemplate("int"))
}

func TestLookupUnregisteredTypeFallsBackToDefault(t *testing.T) {
	g := typegraph.NewGraph()
	structID := g.Placeholder(1, typegraph.KindStruct)
	g.Fill(structID, func(n *typegraph.Node) { n.Name = "MyCustomThing" })

	reg := NewDefaultRegistry()
	res, err := Format(g, nil, reg, evalexpr.Value{Type: structID})
	require.NoError(t, err)
	assert.Equal(t, "<MyCustomThing>", res.Summary)
}
