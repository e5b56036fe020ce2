package symtab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nnd-dbg/nnd/pkg/typegraph"
)

func TestNewIndexFunctionLookup(t *testing.T) {
	unit := &Unit{
		Name: "main.c",
		Functions: []*Function{
			{Name: "main", LowPC: 0x1000, HighPC: 0x1050},
			{Name: "helper", LowPC: 0x1050, HighPC: 0x1080},
		},
		Lines: []LineRow{
			{Address: 0x1000, NextAddress: 0x1010, File: "main.c", Line: 10},
			{Address: 0x1010, NextAddress: 0x1050, File: "main.c", Line: 11},
		},
	}

	idx := NewIndex([]*Unit{unit}, typegraph.NewGraph())

	fn := idx.FunctionAt(0x1005)
	require.NotNil(t, fn)
	assert.Equal(t, "main", fn.Name)

	fn2 := idx.FunctionAt(0x1060)
	require.NotNil(t, fn2)
	assert.Equal(t, "helper", fn2.Name)

	assert.Nil(t, idx.FunctionAt(0x2000))

	byName, ok := idx.FunctionByName("helper")
	require.True(t, ok)
	assert.Equal(t, uint64(0x1050), byName.LowPC)
}

func TestNewIndexOverlappingFunctionsKeepsNarrower(t *testing.T) {
	unit := &Unit{
		Functions: []*Function{
			{Name: "wide", LowPC: 0x1000, HighPC: 0x2000},
			{Name: "narrow", LowPC: 0x1000, HighPC: 0x1010},
		},
	}

	idx := NewIndex([]*Unit{unit}, typegraph.NewGraph())
	require.Len(t, idx.functions, 1)
	assert.Equal(t, "narrow", idx.functions[0].Name)
}

func TestLineAtFindsCoveringRow(t *testing.T) {
	unit := &Unit{
		Lines: []LineRow{
			{Address: 0x1000, NextAddress: 0x1010, File: "a.c", Line: 1},
			{Address: 0x1010, NextAddress: 0x1020, File: "a.c", Line: 2},
		},
	}
	idx := NewIndex([]*Unit{unit}, typegraph.NewGraph())

	row, ok := idx.LineAt(0x1015)
	require.True(t, ok)
	assert.Equal(t, 2, row.Line)

	_, ok = idx.LineAt(0x500)
	assert.False(t, ok)
}

func TestAddressesForLine(t *testing.T) {
	unit := &Unit{
		Lines: []LineRow{
			{Address: 0x1000, NextAddress: 0x1010, File: "a.c", Line: 5},
			{Address: 0x2000, NextAddress: 0x2010, File: "a.c", Line: 5},
		},
	}
	idx := NewIndex([]*Unit{unit}, typegraph.NewGraph())
	addrs := idx.AddressesForLine("a.c", 5)
	assert.ElementsMatch(t, []uint64{0x1000, 0x2000}, addrs)
}

func TestResolveSymbolUnqualifiedFallback(t *testing.T) {
	unit := &Unit{
		Functions: []*Function{
			{Name: "ns::Widget::draw", LowPC: 0x1000, HighPC: 0x1010},
		},
	}
	idx := NewIndex([]*Unit{unit}, typegraph.NewGraph())

	fn, ok := idx.ResolveSymbol("draw")
	require.True(t, ok)
	assert.Equal(t, "ns::Widget::draw", fn.Name)

	_, ok = idx.ResolveSymbol("missing")
	assert.False(t, ok)
}

func TestMergeAddsNewFunctionsWithoutDuplicating(t *testing.T) {
	graph := typegraph.NewGraph()
	unitA := &Unit{Functions: []*Function{{Name: "a", LowPC: 0x1000, HighPC: 0x1010}}}
	unitB := &Unit{Functions: []*Function{{Name: "b", LowPC: 0x2000, HighPC: 0x2010}}}

	idxA := NewIndex([]*Unit{unitA}, graph)
	idxB := NewIndex([]*Unit{unitB}, graph)

	result := idxA.Merge(idxB)
	assert.Equal(t, 1, result.Added)
	assert.Len(t, idxA.functions, 2)

	_, ok := idxA.FunctionByName("b")
	assert.True(t, ok)
}

func TestRemoveDropsUnitFunctions(t *testing.T) {
	graph := typegraph.NewGraph()
	unitA := &Unit{Functions: []*Function{{Name: "a", LowPC: 0x1000, HighPC: 0x1010}}}
	unitB := &Unit{Functions: []*Function{{Name: "b", LowPC: 0x2000, HighPC: 0x2010}}}
	idx := NewIndex([]*Unit{unitA, unitB}, graph)

	removed := idx.Remove(unitB)
	assert.Equal(t, 1, removed)
	assert.Len(t, idx.functions, 1)
	_, ok := idx.FunctionByName("b")
	assert.False(t, ok)
}

func TestSourceFiles(t *testing.T) {
	unit := &Unit{
		Lines: []LineRow{
			{File: "a.c"},
			{File: "b.c"},
			{File: "a.c"},
		},
	}
	idx := NewIndex([]*Unit{unit}, typegraph.NewGraph())
	assert.ElementsMatch(t, []string{"a.c", "b.c"}, idx.SourceFiles())
}
