// Package unwind reconstructs a thread's call stack by walking DWARF Call
// Frame Information: a tiny per-function bytecode that describes, for every
// PC in the function, how to recover the Canonical Frame Address (CFA) and
// each saved register from the caller. This generalizes cucaracha's
// `GetCallStack`/`buildStackFrame`, which guessed frames by scanning the
// stack for plausible return addresses because its toy ISA had no CFI —
// nnd has real compiler-emitted CFI, so it runs the actual bytecode instead
// of heuristically guessing.
package unwind

import "github.com/nnd-dbg/nnd/pkg/dwarfread"

// RuleKind classifies how a register's value at a given PC is recovered.
type RuleKind int

const (
	RuleUndefined  RuleKind = iota // register was not saved; value unrecoverable
	RuleSameValue                  // register is unchanged from the caller
	RuleOffset                     // register is stored at CFA+offset
	RuleValOffset                  // register's value (not memory) is CFA+offset
	RuleRegister                   // register's value equals another register's caller-frame value
	RuleArchitectural
)

// RegRule is the recovery rule for one register at a given PC.
type RegRule struct {
	Kind   RuleKind
	Offset int64
	Reg    uint64
}

// CFARule describes how to compute the Canonical Frame Address: typically
// register-relative (DW_CFA_def_cfa / def_cfa_register / def_cfa_offset).
type CFARule struct {
	Register uint64
	Offset   int64
}

// Row is the decoded CFI state at one PC: the CFA rule plus every
// register's recovery rule known at that point.
type Row struct {
	PC   uint64
	CFA  CFARule
	Regs map[uint64]RegRule
}

func (r Row) clone() Row {
	regs := make(map[uint64]RegRule, len(r.Regs))
	for k, v := range r.Regs {
		regs[k] = v
	}
	return Row{PC: r.PC, CFA: r.CFA, Regs: regs}
}

// DW_CFA_* opcodes (the subset nnd's VM implements; unrecognized opcodes
// with a statically-known operand size are skipped rather than aborting
// the whole unwind, since producers occasionally emit vendor extensions
// that don't change the rules nnd cares about).
const (
	cfaAdvanceLoc        = 0x40 // high 2 bits set, low 6 bits = delta
	cfaOffset            = 0x80 // high 2 bits set, low 6 bits = register
	cfaRestore           = 0xC0
	cfaNop               = 0x00
	cfaSetLoc            = 0x01
	cfaAdvanceLoc1       = 0x02
	cfaAdvanceLoc2       = 0x03
	cfaAdvanceLoc4       = 0x04
	cfaOffsetExtended    = 0x05
	cfaRestoreExtended   = 0x06
	cfaUndefined         = 0x07
	cfaSameValue         = 0x08
	cfaRegister          = 0x09
	cfaRememberState     = 0x0a
	cfaRestoreState      = 0x0b
	cfaDefCfa            = 0x0c
	cfaDefCfaRegister    = 0x0d
	cfaDefCfaOffset      = 0x0e
	cfaDefCfaExpression  = 0x0f
	cfaExpression        = 0x10
	cfaOffsetExtendedSf  = 0x11
	cfaDefCfaSf          = 0x12
	cfaDefCfaOffsetSf    = 0x13
	cfaValOffset         = 0x14
	cfaValOffsetSf       = 0x15
	cfaValExpression     = 0x16
)

// RunCFI evaluates cie's initial instructions followed by fde's
// instructions, recording a Row at every location advance across the FDE's
// address range, and returns the last recorded Row whose PC is at or below
// targetPC. The whole program is always evaluated; only that one Row is
// returned.
func RunCFI(cie *dwarfread.CIE, fde *dwarfread.FDE, targetPC uint64) (Row, error) {
	vm := &cfiVM{
		cie: cie,
		row: Row{PC: fde.InitialLoc, Regs: make(map[uint64]RegRule)},
	}
	vm.execute(cie.InitialInstructions)
	vm.initial = vm.row.clone()

	vm.execute(fde.Instructions)

	return vm.finalRowAt(targetPC), nil
}

type cfiVM struct {
	cie      *dwarfread.CIE
	row      Row
	initial  Row
	stack    []Row
	rows     []Row
}

func (vm *cfiVM) execute(instrs []byte) {
	pos := 0
	for pos < len(instrs) {
		op := instrs[pos]
		pos++

		high := op & 0xC0
		low := op & 0x3F

		switch high {
		case cfaAdvanceLoc:
			vm.commitRow()
			vm.row.PC += uint64(low) * vm.cie.CodeAlignmentFactor
			continue
		case cfaOffset:
			off, n := uleb128(instrs[pos:])
			pos += n
			vm.row.Regs[uint64(low)] = RegRule{Kind: RuleOffset, Offset: int64(off) * vm.cie.DataAlignmentFactor}
			continue
		case cfaRestore:
			if initRule, ok := vm.initial.Regs[uint64(low)]; ok {
				vm.row.Regs[uint64(low)] = initRule
			} else {
				delete(vm.row.Regs, uint64(low))
			}
			continue
		}

		switch op {
		case cfaNop:
		case cfaSetLoc:
			addr, n := uleb128(instrs[pos:]) // producers normally encode a fixed-width address; treat as ULEB fallback
			pos += n
			vm.commitRow()
			vm.row.PC = addr
		case cfaAdvanceLoc1:
			if pos < len(instrs) {
				vm.commitRow()
				vm.row.PC += uint64(instrs[pos]) * vm.cie.CodeAlignmentFactor
				pos++
			}
		case cfaAdvanceLoc2:
			if pos+2 <= len(instrs) {
				delta := uint64(instrs[pos]) | uint64(instrs[pos+1])<<8
				vm.commitRow()
				vm.row.PC += delta * vm.cie.CodeAlignmentFactor
				pos += 2
			}
		case cfaAdvanceLoc4:
			if pos+4 <= len(instrs) {
				delta := uint64(instrs[pos]) | uint64(instrs[pos+1])<<8 | uint64(instrs[pos+2])<<16 | uint64(instrs[pos+3])<<24
				vm.commitRow()
				vm.row.PC += delta * vm.cie.CodeAlignmentFactor
				pos += 4
			}
		case cfaOffsetExtended:
			reg, n := uleb128(instrs[pos:])
			pos += n
			off, n := uleb128(instrs[pos:])
			pos += n
			vm.row.Regs[reg] = RegRule{Kind: RuleOffset, Offset: int64(off) * vm.cie.DataAlignmentFactor}
		case cfaRestoreExtended:
			reg, n := uleb128(instrs[pos:])
			pos += n
			if initRule, ok := vm.initial.Regs[reg]; ok {
				vm.row.Regs[reg] = initRule
			}
		case cfaUndefined:
			reg, n := uleb128(instrs[pos:])
			pos += n
			vm.row.Regs[reg] = RegRule{Kind: RuleUndefined}
		case cfaSameValue:
			reg, n := uleb128(instrs[pos:])
			pos += n
			vm.row.Regs[reg] = RegRule{Kind: RuleSameValue}
		case cfaRegister:
			reg, n := uleb128(instrs[pos:])
			pos += n
			other, n := uleb128(instrs[pos:])
			pos += n
			vm.row.Regs[reg] = RegRule{Kind: RuleRegister, Reg: other}
		case cfaRememberState:
			vm.stack = append(vm.stack, vm.row.clone())
		case cfaRestoreState:
			if len(vm.stack) > 0 {
				top := vm.stack[len(vm.stack)-1]
				vm.stack = vm.stack[:len(vm.stack)-1]
				pc := vm.row.PC
				vm.row = top.clone()
				vm.row.PC = pc
			}
		case cfaDefCfa:
			reg, n := uleb128(instrs[pos:])
			pos += n
			off, n := uleb128(instrs[pos:])
			pos += n
			vm.row.CFA = CFARule{Register: reg, Offset: int64(off)}
		case cfaDefCfaRegister:
			reg, n := uleb128(instrs[pos:])
			pos += n
			vm.row.CFA.Register = reg
		case cfaDefCfaOffset:
			off, n := uleb128(instrs[pos:])
			pos += n
			vm.row.CFA.Offset = int64(off)
		case cfaDefCfaSf:
			reg, n := uleb128(instrs[pos:])
			pos += n
			off, n := sleb128(instrs[pos:])
			pos += n
			vm.row.CFA = CFARule{Register: reg, Offset: off * vm.cie.DataAlignmentFactor}
		case cfaDefCfaOffsetSf:
			off, n := sleb128(instrs[pos:])
			pos += n
			vm.row.CFA.Offset = off * vm.cie.DataAlignmentFactor
		case cfaOffsetExtendedSf:
			reg, n := uleb128(instrs[pos:])
			pos += n
			off, n := sleb128(instrs[pos:])
			pos += n
			vm.row.Regs[reg] = RegRule{Kind: RuleOffset, Offset: off * vm.cie.DataAlignmentFactor}
		case cfaValOffset:
			reg, n := uleb128(instrs[pos:])
			pos += n
			off, n := uleb128(instrs[pos:])
			pos += n
			vm.row.Regs[reg] = RegRule{Kind: RuleValOffset, Offset: int64(off) * vm.cie.DataAlignmentFactor}
		case cfaValOffsetSf:
			reg, n := uleb128(instrs[pos:])
			pos += n
			off, n := sleb128(instrs[pos:])
			pos += n
			vm.row.Regs[reg] = RegRule{Kind: RuleValOffset, Offset: off * vm.cie.DataAlignmentFactor}
		case cfaDefCfaExpression, cfaExpression, cfaValExpression:
			// Expression-based rules (DWARF location expressions instead of
			// a simple offset) require the full expression evaluator;
			// unsupported here, skip the block length-prefixed payload.
			length, n := uleb128(instrs[pos:])
			pos += n + int(length)
		default:
			// Unknown opcode with no statically-known operand length: stop
			// decoding this program rather than risk misinterpreting
			// trailing bytes as more opcodes.
			return
		}
	}
	vm.commitRow()
}

func (vm *cfiVM) commitRow() {
	vm.rows = append(vm.rows, vm.row.clone())
}

func (vm *cfiVM) finalRowAt(targetPC uint64) Row {
	best := vm.rows[0]
	for _, row := range vm.rows {
		if row.PC <= targetPC {
			best = row
		}
	}
	return best
}

func uleb128(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	var i int
	for i = 0; i < len(b); i++ {
		by := b[i]
		result |= uint64(by&0x7f) << shift
		if by&0x80 == 0 {
			i++
			break
		}
		shift += 7
	}
	return result, i
}

func sleb128(b []byte) (int64, int) {
	var result int64
	var shift uint
	var i int
	var by byte
	for i = 0; i < len(b); i++ {
		by = b[i]
		result |= int64(by&0x7f) << shift
		shift += 7
		if by&0x80 == 0 {
			i++
			break
		}
	}
	if shift < 64 && by&0x40 != 0 {
		result |= -1 << shift
	}
	return result, i
}
