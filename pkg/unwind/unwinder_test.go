package unwind

import (
	"fmt"
	"testing"

	"github.com/nnd-dbg/nnd/pkg/dwarfread"
	"github.com/nnd-dbg/nnd/pkg/symtab"
	"github.com/nnd-dbg/nnd/pkg/typegraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPrologueCIEFDE models a typical `push rbp; mov rbp,rsp` prologue:
// initial CFA = rsp+8 (return address already pushed by call), then after
// `push rbp` the CFA offset grows to 16 and rbp's saved slot is recorded,
// and after `mov rbp,rsp` the CFA register switches from rsp to rbp.
func buildPrologueCIEFDE(lowPC uint64) (*dwarfread.CIE, *dwarfread.FDE) {
	cie := &dwarfread.CIE{
		Version:               1,
		CodeAlignmentFactor:   1,
		DataAlignmentFactor:   -8,
		ReturnAddressRegister: RegRIP,
		InitialInstructions: []byte{
			0x0c, 0x07, 0x08, // DW_CFA_def_cfa(rsp=7, offset 8)
			0x80 | RegRIP, 0x01, // DW_CFA_offset(16, factored 1 => -8)
		},
	}
	fde := &dwarfread.FDE{
		CIE:        cie,
		InitialLoc: lowPC,
		AddressRange: 0x20,
		Instructions: []byte{
			0x40 | 0x01,        // DW_CFA_advance_loc(1)
			0x0e, 0x10,         // DW_CFA_def_cfa_offset(16)
			0x80 | RegRBP, 0x02, // DW_CFA_offset(6, factored 2 => -16)
			0x40 | 0x03, // DW_CFA_advance_loc(3)
			0x0d, RegRBP, // DW_CFA_def_cfa_register(6)
		},
	}
	return cie, fde
}

func TestRunCFIPrologueRows(t *testing.T) {
	cie, fde := buildPrologueCIEFDE(0x401000)

	row, err := RunCFI(cie, fde, 0x401004)
	require.NoError(t, err)

	assert.Equal(t, uint64(RegRBP), row.CFA.Register)
	assert.Equal(t, int64(16), row.CFA.Offset)
	require.Contains(t, row.Regs, uint64(RegRIP))
	assert.Equal(t, RuleOffset, row.Regs[RegRIP].Kind)
	assert.Equal(t, int64(-8), row.Regs[RegRIP].Offset)
	require.Contains(t, row.Regs, uint64(RegRBP))
	assert.Equal(t, int64(-16), row.Regs[RegRBP].Offset)
}

func TestRunCFIBeforePrologue(t *testing.T) {
	cie, fde := buildPrologueCIEFDE(0x401000)

	row, err := RunCFI(cie, fde, 0x401000)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), row.CFA.Register) // still rsp-relative
	assert.Equal(t, int64(8), row.CFA.Offset)
}

// fakeMem serves fixed 8-byte values at specific addresses, as if reading a
// stack frame previously laid out by a `push rbp; call` sequence.
type fakeMem struct {
	values map[uint64]uint64
}

func (m *fakeMem) ReadMemory(addr uint64, out []byte) (int, error) {
	v, ok := m.values[addr]
	if !ok {
		return 0, fmt.Errorf("fakeMem: no value at %#x", addr)
	}
	for i := 0; i < 8 && i < len(out); i++ {
		out[i] = byte(v >> (8 * i))
	}
	return len(out), nil
}

func TestWalkTwoPhysicalFrames(t *testing.T) {
	_, fde := buildPrologueCIEFDE(0x401000)
	pc := uint64(0x401004)

	calleeRBP := uint64(0x7fff1000)
	cfa := calleeRBP + 16
	callerRBP := uint64(0x7fff2000)
	returnAddr := uint64(0x400500)

	mem := &fakeMem{values: map[uint64]uint64{
		cfa - 8:  returnAddr,
		cfa - 16: callerRBP,
	}}

	index := symtab.NewIndex(nil, typegraph.NewGraph())

	calls := 0
	lookup := func(lookupPC uint64) (*dwarfread.CIE, *dwarfread.FDE) {
		calls++
		if lookupPC == pc {
			return fde.CIE, fde
		}
		return nil, nil // no CFI for the caller frame; stop the walk there
	}

	u := New(lookup, index, mem)
	frames, err := u.Walk(map[uint64]uint64{
		RegRIP: pc,
		RegRBP: calleeRBP,
		RegRSP: calleeRBP - 8,
	})
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, pc, frames[0].PC)
	assert.Equal(t, returnAddr, frames[1].PC)
}

func TestWalkStopsWithNoCFI(t *testing.T) {
	index := symtab.NewIndex(nil, typegraph.NewGraph())
	lookup := func(uint64) (*dwarfread.CIE, *dwarfread.FDE) { return nil, nil }
	u := New(lookup, index, &fakeMem{values: map[uint64]uint64{}})

	frames, err := u.Walk(map[uint64]uint64{RegRIP: 0x401000})
	require.NoError(t, err)
	require.Len(t, frames, 1)
}

func TestExpandInlinesOrdersInnermostFirst(t *testing.T) {
	fn := &symtab.Function{
		Name:   "outer",
		LowPC:  0x401000,
		HighPC: 0x401100,
		InlinedCalls: []symtab.InlinedCall{
			{Name: "middle", LowPC: 0x401010, HighPC: 0x401090},
			{Name: "inner", LowPC: 0x401020, HighPC: 0x401050},
		},
	}

	physical := []physFrame{{pc: 0x401030, fn: fn, regs: map[uint64]uint64{}}}
	frames := expandInlines(physical, nil)

	require.Len(t, frames, 3)
	assert.Equal(t, "inner", frames[0].Inlined.Name)
	assert.Equal(t, "middle", frames[1].Inlined.Name)
	assert.Nil(t, frames[2].Inlined)
	assert.Equal(t, fn, frames[2].Function)
}
