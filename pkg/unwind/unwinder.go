package unwind

import (
	"fmt"

	"github.com/nnd-dbg/nnd/pkg/dwarfread"
	"github.com/nnd-dbg/nnd/pkg/symtab"
)

// DWARF x86-64 register numbers nnd cares about (System V AMD64 ABI,
// table 3.36). Only the columns the CFI VM actually recovers rules for
// need names; every other register number still round-trips through
// Frame.Regs by number.
const (
	RegRAX = 0
	RegRDX = 1
	RegRCX = 2
	RegRBX = 3
	RegRSI = 4
	RegRDI = 5
	RegRBP = 6
	RegRSP = 7
	RegR8  = 8
	RegR9  = 9
	RegR10 = 10
	RegR11 = 11
	RegR12 = 12
	RegR13 = 13
	RegR14 = 14
	RegR15 = 15
	RegRIP = 16
)

// MemReader reads len(out) bytes from the traced process at addr. Both
// pkg/ctrl.Controller and a core-dump reader satisfy this with their
// existing ReadMemory method, so Unwinder never imports pkg/ctrl directly
// and stays usable against a dead process's saved memory image too.
type MemReader interface {
	ReadMemory(addr uint64, out []byte) (int, error)
}

// CFILookup resolves the CIE/FDE pair covering a PC, typically backed by
// dwarfread.CFIProgram.FDEForPC (preferring .eh_frame when present, falling
// back to .debug_frame, since stripped binaries often keep .eh_frame for
// exception unwinding even after .debug_frame is discarded).
type CFILookup func(pc uint64) (*dwarfread.CIE, *dwarfread.FDE)

// Frame is one logical stack frame: either a real physical call frame or a
// synthetic one produced by expanding an inlined call (see inline.go).
type Frame struct {
	PC       uint64
	CFA      uint64
	Function *symtab.Function
	Inlined  *symtab.InlinedCall // non-nil for a synthetic inline subframe
	Regs     map[uint64]uint64
}

// Unwinder walks a thread's physical call stack using CFI and then expands
// each physical frame into its inlined logical subframes using the
// function's DW_TAG_inlined_subroutine children. This generalizes
// cucaracha's `GetCallStack`, which had no CFI and instead scanned memory
// for word-aligned values that looked like valid code addresses; nnd's
// binaries carry real compiler-emitted CFI so the walk is exact rather than
// heuristic.
type Unwinder struct {
	cfi   CFILookup
	index *symtab.Index
	mem   MemReader
}

// New creates an Unwinder over the given CFI source, symbol index, and
// memory reader.
func New(cfi CFILookup, index *symtab.Index, mem MemReader) *Unwinder {
	return &Unwinder{cfi: cfi, index: index, mem: mem}
}

// maxPhysicalFrames bounds the walk so a corrupt or cyclic CFA chain (stack
// smashing, a CFI bug) can't spin the unwinder forever; chosen generously
// above any realistic call depth nnd expects to display.
const maxPhysicalFrames = 4096

// Walk unwinds starting from the given initial DWARF-numbered register
// file (at minimum RIP and RSP must be present; RBP if the function uses a
// frame pointer), returning logical frames with inlined calls expanded.
func (u *Unwinder) Walk(initial map[uint64]uint64) ([]Frame, error) {
	var physical []physFrame

	regs := cloneRegs(initial)
	for i := 0; i < maxPhysicalFrames; i++ {
		pc, ok := regs[RegRIP]
		if !ok || pc == 0 {
			break
		}

		fn := u.index.FunctionAt(pc)
		physical = append(physical, physFrame{pc: pc, fn: fn, regs: cloneRegs(regs)})

		cie, fde := u.cfi(pc)
		if cie == nil || fde == nil {
			// No CFI for this PC (e.g. the walk reached libc or a stripped
			// PLT stub): stop rather than guess.
			break
		}

		row, err := RunCFI(cie, fde, pc)
		if err != nil {
			return nil, fmt.Errorf("unwind: running CFI at %#x: %w", pc, err)
		}

		cfa, err := u.computeCFA(row, regs)
		if err != nil {
			return nil, err
		}

		next, err := u.recoverRegs(row, cfa, regs)
		if err != nil {
			return nil, err
		}

		ra, ok := next[cie.ReturnAddressRegister]
		if !ok || ra == 0 {
			break
		}
		next[RegRIP] = ra
		next[RegRSP] = cfa

		regs = next
	}

	return expandInlines(physical, u.index), nil
}

type physFrame struct {
	pc   uint64
	fn   *symtab.Function
	regs map[uint64]uint64
}

func (u *Unwinder) computeCFA(row Row, regs map[uint64]uint64) (uint64, error) {
	base, ok := regs[row.CFA.Register]
	if !ok {
		return 0, fmt.Errorf("unwind: CFA register %d not available", row.CFA.Register)
	}
	return uint64(int64(base) + row.CFA.Offset), nil
}

// recoverRegs applies row's per-register rules to produce the caller's
// register file. Registers with no rule (RuleUndefined, or simply absent)
// are dropped: the caller's value for them is unknown, and callers of Walk
// must treat a missing register as "can't recover" rather than 0.
func (u *Unwinder) recoverRegs(row Row, cfa uint64, callee map[uint64]uint64) (map[uint64]uint64, error) {
	out := make(map[uint64]uint64, len(row.Regs))
	for reg, rule := range row.Regs {
		switch rule.Kind {
		case RuleOffset:
			addr := uint64(int64(cfa) + rule.Offset)
			var buf [8]byte
			if _, err := u.mem.ReadMemory(addr, buf[:]); err != nil {
				continue // leave unrecovered rather than fail the whole walk
			}
			out[reg] = le64(buf[:])
		case RuleValOffset:
			out[reg] = uint64(int64(cfa) + rule.Offset)
		case RuleSameValue:
			if v, ok := callee[reg]; ok {
				out[reg] = v
			}
		case RuleRegister:
			if v, ok := callee[rule.Reg]; ok {
				out[reg] = v
			}
		case RuleUndefined, RuleArchitectural:
			// unrecoverable; omit
		}
	}
	return out, nil
}

func cloneRegs(in map[uint64]uint64) map[uint64]uint64 {
	out := make(map[uint64]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
