package session

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nnd-dbg/nnd/pkg/symtab"
	"github.com/nnd-dbg/nnd/pkg/typegraph"
	"github.com/nnd-dbg/nnd/pkg/unwind"
)

type fakeMem struct {
	mem map[uint64]byte
}

func (f *fakeMem) ReadMemory(addr uint64, out []byte) (int, error) {
	for i := range out {
		out[i] = f.mem[addr+uint64(i)]
	}
	return len(out), nil
}

func (f *fakeMem) put(addr uint64, v uint32) {
	if f.mem == nil {
		f.mem = make(map[uint64]byte)
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	for i, b := range buf {
		f.mem[addr+uint64(i)] = b
	}
}

func buildIntGraph() (*typegraph.Graph, typegraph.ID) {
	g := typegraph.NewGraph()
	id := g.Placeholder(1, typegraph.KindBase)
	g.Fill(id, func(n *typegraph.Node) { n.Name = "int"; n.ByteSize = 4 })
	g.Intern(id, "", "int", 0)
	return g, id
}

func TestFrameScopeResolvesLocalViaFbreg(t *testing.T) {
	g, intID := buildIntGraph()
	local := symtab.Variable{
		Name: "x",
		Type: intID,
		// DW_OP_fbreg, SLEB128(-4)
		Location: []byte{dwOpFbreg, 0x7c},
	}
	fn := &symtab.Function{
		Name:      "main",
		FrameBase: []byte{dwOpCallFrameCFA},
		Locals:    []symtab.Variable{local},
	}
	idx := &symtab.Index{Types: g}
	frame := unwind.Frame{PC: 0x1000, CFA: 0x7fff0000, Function: fn}

	mem := &fakeMem{}
	mem.put(0x7fff0000-4, 42)

	scope := newFrameScope(idx, frame, mem)
	v, err := scope.Resolve("x")
	require.NoError(t, err)
	got, err := v.AsInt64(g)
	require.NoError(t, err)
	assert.EqualValues(t, 42, got)
}

func TestFrameScopeResolvesParamAfterLocalMiss(t *testing.T) {
	g, intID := buildIntGraph()
	param := symtab.Variable{Name: "argc", Type: intID, Location: []byte{dwOpFbreg, 0x78}}
	fn := &symtab.Function{
		Name:      "main",
		FrameBase: []byte{dwOpCallFrameCFA},
		Params:    []symtab.Variable{param},
	}
	idx := &symtab.Index{Types: g}
	frame := unwind.Frame{PC: 0x1000, CFA: 0x7fff0000, Function: fn}

	mem := &fakeMem{}
	mem.put(0x7fff0000-8, 7)

	scope := newFrameScope(idx, frame, mem)
	v, err := scope.Resolve("argc")
	require.NoError(t, err)
	got, err := v.AsInt64(g)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got)
}

func TestFrameScopeUnknownIdentifierErrors(t *testing.T) {
	g, _ := buildIntGraph()
	fn := &symtab.Function{Name: "main"}
	idx := &symtab.Index{Types: g}
	frame := unwind.Frame{Function: fn}

	scope := newFrameScope(idx, frame, &fakeMem{})
	_, err := scope.Resolve("nonexistent")
	assert.Error(t, err)
}

func TestFrameScopeResolveTypeByName(t *testing.T) {
	g, intID := buildIntGraph()
	idx := &symtab.Index{Types: g}
	scope := newFrameScope(idx, unwind.Frame{Function: &symtab.Function{}}, &fakeMem{})

	id, ok := scope.ResolveType("int")
	require.True(t, ok)
	assert.Equal(t, intID, id)

	_, ok = scope.ResolveType("nosuchtype")
	assert.False(t, ok)
}

func TestFrameScopeVariableWithNoLocationIsOptimizedOut(t *testing.T) {
	g, intID := buildIntGraph()
	local := symtab.Variable{Name: "x", Type: intID}
	fn := &symtab.Function{Locals: []symtab.Variable{local}}
	idx := &symtab.Index{Types: g}
	scope := newFrameScope(idx, unwind.Frame{Function: fn}, &fakeMem{})

	v, err := scope.Resolve("x")
	require.NoError(t, err)
	assert.True(t, v.OptimizedOut)
}

func TestDecodeSLEB128Negative(t *testing.T) {
	// SLEB128 encoding of -4 is 0x7c.
	v, n, err := decodeSLEB128([]byte{0x7c})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, -4, v)
}

func TestDecodeSLEB128Positive(t *testing.T) {
	// SLEB128 encoding of 300 is 0xac 0x02.
	v, n, err := decodeSLEB128([]byte{0xac, 0x02})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 300, v)
}
