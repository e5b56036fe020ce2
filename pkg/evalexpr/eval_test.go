package evalexpr

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/nnd-dbg/nnd/pkg/typegraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dwAteSigned = 0x05
	dwAteFloat  = 0x04
)

type testGraph struct {
	g        *typegraph.Graph
	intID    typegraph.ID
	floatID  typegraph.ID
	pointID  typegraph.ID
	ptrID    typegraph.ID
	arrID    typegraph.ID
}

// buildTestGraph constructs: int (i32), float (f32), struct Point{x,y int},
// Point* , int[4] — enough surface to exercise member/deref/index/cast.
func buildTestGraph() *testGraph {
	g := typegraph.NewGraph()

	intID := g.Placeholder(1, typegraph.KindBase)
	g.Fill(intID, func(n *typegraph.Node) { n.Name = "int"; n.ByteSize = 4; n.Encoding = dwAteSigned })

	floatID := g.Placeholder(2, typegraph.KindBase)
	g.Fill(floatID, func(n *typegraph.Node) { n.Name = "float"; n.ByteSize = 4; n.Encoding = dwAteFloat })

	pointID := g.Placeholder(3, typegraph.KindStruct)
	g.Fill(pointID, func(n *typegraph.Node) {
		n.Name = "Point"
		n.ByteSize = 8
		n.Members = []typegraph.Member{
			{Name: "x", Type: intID, ByteOffset: 0},
			{Name: "y", Type: intID, ByteOffset: 4},
		}
	})

	ptrID := g.Placeholder(4, typegraph.KindPointer)
	g.Fill(ptrID, func(n *typegraph.Node) { n.Name = "Point*"; n.ByteSize = 8; n.Element = pointID })

	arrID := g.Placeholder(5, typegraph.KindArray)
	g.Fill(arrID, func(n *typegraph.Node) { n.Name = "int[4]"; n.ByteSize = 16; n.Element = intID; n.Count = 4 })

	return &testGraph{g: g, intID: intID, floatID: floatID, pointID: pointID, ptrID: ptrID, arrID: arrID}
}

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

type fakeScope struct {
	vars  map[string]Value
	types map[string]typegraph.ID
}

func (s *fakeScope) Resolve(name string) (Value, error) {
	v, ok := s.vars[name]
	if !ok {
		return Value{}, fmt.Errorf("evalexpr: unknown identifier %q", name)
	}
	return v, nil
}

func (s *fakeScope) ResolveType(name string) (typegraph.ID, bool) {
	id, ok := s.types[name]
	return id, ok
}

func encodeInt32(vs ...int32) []byte {
	out := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		out = append(out, b[:]...)
	}
	return out
}

func TestEvalArithmeticPrecedence(t *testing.T) {
	e := &Evaluator{}
	tests := []struct {
		expr string
		want int64
	}{
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 - 2 - 3", 5},
		{"1 << 4", 16},
		{"6 & 3", 2},
		{"6 | 1", 7},
		{"5 ^ 1", 4},
		{"5 > 3", 1},
		{"5 < 3", 0},
		{"1 && 0", 0},
		{"0 || 1", 1},
		{"-5 + 2", -3},
		{"~0", -1},
		{"!0", 1},
		{"10 % 3", 1},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			v, err := e.Eval(tt.expr)
			require.NoError(t, err)
			got, err := v.AsInt64(nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalDivisionByZero(t *testing.T) {
	e := &Evaluator{}
	_, err := e.Eval("1 / 0")
	assert.Error(t, err)
}

func TestEvalMemberAccessByValue(t *testing.T) {
	tg := buildTestGraph()
	scope := &fakeScope{vars: map[string]Value{
		"p": {Type: tg.pointID, Bytes: encodeInt32(10, 20)},
	}}
	e := &Evaluator{Graph: tg.g, Scope: scope}

	v, err := e.Eval("p.x")
	require.NoError(t, err)
	got, err := v.AsInt64(tg.g)
	require.NoError(t, err)
	assert.EqualValues(t, 10, got)

	v, err = e.Eval("p.y")
	require.NoError(t, err)
	got, err = v.AsInt64(tg.g)
	require.NoError(t, err)
	assert.EqualValues(t, 20, got)
}

func TestEvalArrowAndIndexThroughMemory(t *testing.T) {
	tg := buildTestGraph()
	mem := newFakeMem()
	mem.put(0x2000, encodeInt32(100, 200))
	mem.put(0x3000, encodeInt32(1, 2, 3, 4))

	scope := &fakeScope{vars: map[string]Value{
		"pp": {Type: tg.ptrID, Bytes: leUint64(0x2000), Synthetic: false},
		"arr": {Type: tg.arrID, Addr: 0x3000, HasAddr: true},
	}}
	e := &Evaluator{Graph: tg.g, Mem: mem, Scope: scope}

	v, err := e.Eval("pp->y")
	require.NoError(t, err)
	got, err := v.AsInt64(tg.g)
	require.NoError(t, err)
	assert.EqualValues(t, 200, got)

	v, err = e.Eval("arr[2]")
	require.NoError(t, err)
	got, err = v.AsInt64(tg.g)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got)
}

func TestEvalSizeofAndCast(t *testing.T) {
	tg := buildTestGraph()
	scope := &fakeScope{types: map[string]typegraph.ID{"int": tg.intID, "float": tg.floatID}}
	e := &Evaluator{Graph: tg.g, Scope: scope}

	v, err := e.Eval("sizeof(int)")
	require.NoError(t, err)
	got, _ := v.AsInt64(nil)
	assert.EqualValues(t, 4, got)

	v, err = e.Eval("5 as float")
	require.NoError(t, err)
	f, err := v.AsFloat64(tg.g)
	require.NoError(t, err)
	assert.Equal(t, 5.0, f)
}

func TestEvalOffsetof(t *testing.T) {
	tg := buildTestGraph()
	scope := &fakeScope{types: map[string]typegraph.ID{"Point": tg.pointID}}
	e := &Evaluator{Graph: tg.g, Scope: scope}

	v, err := e.Eval("offsetof(Point, y)")
	require.NoError(t, err)
	got, _ := v.AsInt64(nil)
	assert.EqualValues(t, 4, got)
}

func TestEvalOptimizedOutShortCircuits(t *testing.T) {
	tg := buildTestGraph()
	scope := &fakeScope{vars: map[string]Value{
		"missing": OptimizedOutValue(tg.intID),
	}}
	e := &Evaluator{Graph: tg.g, Scope: scope}

	v, err := e.Eval("missing + 1")
	require.NoError(t, err)
	assert.True(t, v.OptimizedOut)
}

func TestEvalUnknownIdentifier(t *testing.T) {
	e := &Evaluator{Scope: &fakeScope{vars: map[string]Value{}}}
	_, err := e.Eval("nope")
	assert.Error(t, err)
}

func TestParseTrailingTokenError(t *testing.T) {
	_, err := Parse("1 + 2 3")
	assert.Error(t, err)
}

func TestLexUnexpectedCharacter(t *testing.T) {
	_, err := Lex("1 @ 2")
	assert.Error(t, err)
}

func leUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func TestTruthyNonzeroInt(t *testing.T) {
	tg := buildTestGraph()
	v := Value{Type: tg.intID, Bytes: encodeInt32(3)}
	ok, err := Truthy(tg.g, v)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTruthyZeroInt(t *testing.T) {
	tg := buildTestGraph()
	v := Value{Type: tg.intID, Bytes: encodeInt32(0)}
	ok, err := Truthy(tg.g, v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTruthySyntheticWideNonEmptyBytes(t *testing.T) {
	v := Value{Synthetic: true, Bytes: []byte("nonempty string longer than 8 bytes")}
	ok, err := Truthy(nil, v)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTruthySyntheticScalarFallsBackToAsInt64(t *testing.T) {
	v := Value{Synthetic: true, Bytes: leUint64(0)}
	ok, err := Truthy(nil, v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTruthyOptimizedOutIsError(t *testing.T) {
	_, err := Truthy(nil, Value{OptimizedOut: true})
	assert.Error(t, err)
}
