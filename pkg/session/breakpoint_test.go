package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nnd-dbg/nnd/pkg/ctrl"
	"github.com/nnd-dbg/nnd/pkg/symtab"
	"github.com/nnd-dbg/nnd/pkg/typegraph"
)

func TestParseRawAddressAcceptsHexAndStarForms(t *testing.T) {
	addr, ok := parseRawAddress("0x4010")
	require.True(t, ok)
	assert.EqualValues(t, 0x4010, addr)

	addr, ok = parseRawAddress("*0x4010")
	require.True(t, ok)
	assert.EqualValues(t, 0x4010, addr)

	_, ok = parseRawAddress("main")
	assert.False(t, ok)
}

func TestSplitFileLineRequiresTrailingPositiveInt(t *testing.T) {
	file, line, ok := splitFileLine("main.c:42")
	require.True(t, ok)
	assert.Equal(t, "main.c", file)
	assert.Equal(t, 42, line)

	_, _, ok = splitFileLine("main.c")
	assert.False(t, ok)

	_, _, ok = splitFileLine("main.c:0")
	assert.False(t, ok)

	_, _, ok = splitFileLine("main.c:notanumber")
	assert.False(t, ok)
}

func buildTestIndex() *symtab.Index {
	g := typegraph.NewGraph()
	fn := &symtab.Function{Name: "main", LowPC: 0x1000, HighPC: 0x1100}
	unit := &symtab.Unit{
		Functions: []*symtab.Function{fn},
		Lines: []symtab.LineRow{
			{Address: 0x1000, NextAddress: 0x1008, File: "main.c", Line: 10},
			{Address: 0x1008, NextAddress: 0x1010, File: "main.c", Line: 11},
		},
	}
	return symtab.NewIndex([]*symtab.Unit{unit}, g)
}

func TestResolveLocationRawAddressSkipsSymbolIndex(t *testing.T) {
	s := New(nil, nil)
	addr, err := s.resolveLocation("0x2000")
	require.NoError(t, err)
	assert.EqualValues(t, 0x2000, addr)
}

func TestResolveLocationByFunctionName(t *testing.T) {
	s := New(nil, nil)
	s.binaries["a"] = &loadedBinary{Index: buildTestIndex()}

	addr, err := s.resolveLocation("main")
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, addr)
}

func TestResolveLocationByFileLine(t *testing.T) {
	s := New(nil, nil)
	s.binaries["a"] = &loadedBinary{Index: buildTestIndex()}

	addr, err := s.resolveLocation("main.c:11")
	require.NoError(t, err)
	assert.EqualValues(t, 0x1008, addr)
}

func TestResolveLocationUnknownFunctionErrors(t *testing.T) {
	s := New(nil, nil)
	s.binaries["a"] = &loadedBinary{Index: buildTestIndex()}

	_, err := s.resolveLocation("nosuchfunc")
	assert.Error(t, err)
}

func TestResolveLocationNoSymbolIndexErrors(t *testing.T) {
	s := New(nil, nil)
	_, err := s.resolveLocation("main")
	assert.Error(t, err)
}

func TestShouldStopAtBreakpointDefaultsTrueWhenUnknown(t *testing.T) {
	s := New(nil, nil)
	stop, err := s.shouldStopAtBreakpoint(ctrl.Event{Addr: 0x1000, TID: 1})
	require.NoError(t, err)
	assert.True(t, stop)
}
