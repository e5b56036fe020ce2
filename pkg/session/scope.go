package session

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nnd-dbg/nnd/pkg/evalexpr"
	"github.com/nnd-dbg/nnd/pkg/symtab"
	"github.com/nnd-dbg/nnd/pkg/typegraph"
	"github.com/nnd-dbg/nnd/pkg/unwind"
)

// frameScope implements evalexpr.Scope against one unwound frame: it
// resolves identifiers in the order the spec names ("local variables of
// the innermost scope outward; parameters; ... file statics; binary
// globals; type names") and resolves bare type names against the shared
// type graph's interning table.
//
// Variable locations are read as a single inline DWARF location
// expression (the common case for -O0 and most -O1 builds: DW_OP_fbreg,
// DW_OP_addr, DW_OP_call_frame_cfa, DW_OP_regN/bregN). A variable whose
// DW_AT_location is a real location list (PC-range-dependent placement,
// typical only of heavily optimized register-allocated locals) isn't
// decoded here; this is a known simplification over pkg/dwarfread's
// LocationExpr range list, tracked in DESIGN.md rather than silently
// mishandled: such a variable reports OptimizedOut.
type frameScope struct {
	idx   *symtab.Index
	frame unwind.Frame
	mem   evalexpr.MemReader
}

// newFrameScope builds the Scope an Evaluator created for a stopped
// thread's current frame uses to resolve identifiers and type names.
func newFrameScope(idx *symtab.Index, frame unwind.Frame, mem evalexpr.MemReader) *frameScope {
	return &frameScope{idx: idx, frame: frame, mem: mem}
}

// Resolve looks up name as a local, then a parameter, of the frame's
// function, falling back to the defining unit's file statics and finally
// every loaded unit's globals.
func (fs *frameScope) Resolve(name string) (evalexpr.Value, error) {
	if fn := fs.frame.Function; fn != nil {
		if v, ok := findVariable(fn.Locals, name, fs.frame.PC); ok {
			return fs.readVariable(v)
		}
		if v, ok := findVariable(fn.Params, name, fs.frame.PC); ok {
			return fs.readVariable(v)
		}
		if fn.Unit != nil {
			if v, ok := findVariable(fn.Unit.Globals, name, 0); ok {
				return fs.readVariable(v)
			}
		}
	}
	for _, u := range fs.idx.Units {
		if v, ok := findVariable(u.Globals, name, 0); ok {
			return fs.readVariable(v)
		}
	}
	return evalexpr.Value{}, fmt.Errorf("session: identifier %q not found in current scope", name)
}

// ResolveType looks up name as an interned type name. Every named type the
// index built is interned under language "" (see pkg/typegraph.Graph.Intern),
// so a single Canonical probe covers C, C++, and Rust binaries alike.
func (fs *frameScope) ResolveType(name string) (typegraph.ID, bool) {
	const sentinel = typegraph.ID(math.MaxUint32)
	if canon := fs.idx.Types.Canonical(sentinel, "", name); canon != sentinel {
		return canon, true
	}
	return 0, false
}

// findVariable searches vars for name, preferring (when pc is nonzero) an
// entry whose lexical-block scope actually covers pc over one that
// doesn't, so a shadowed outer-scope local of the same name loses to the
// inner one.
func findVariable(vars []symtab.Variable, name string, pc uint64) (symtab.Variable, bool) {
	var fallback symtab.Variable
	haveFallback := false
	for _, v := range vars {
		if v.Name != name {
			continue
		}
		if pc == 0 || v.ScopeLo == 0 && v.ScopeHi == 0 {
			return v, true
		}
		if pc >= v.ScopeLo && pc < v.ScopeHi {
			return v, true
		}
		if !haveFallback {
			fallback, haveFallback = v, true
		}
	}
	return fallback, haveFallback
}

// readVariable decodes v's location expression against the current frame
// and reads its value, either from live memory (address-backed) or
// directly from a register (value-only, not addressable).
func (fs *frameScope) readVariable(v symtab.Variable) (evalexpr.Value, error) {
	if len(v.Location) == 0 {
		return evalexpr.OptimizedOutValue(v.Type), nil
	}

	op := v.Location[0]
	rest := v.Location[1:]
	size := fs.idx.Types.Node(v.Type).ByteSize
	if size == 0 {
		size = 8
	}

	switch {
	case op == dwOpAddr:
		if len(rest) < 8 {
			return evalexpr.Value{}, fmt.Errorf("session: truncated DW_OP_addr for %q", v.Name)
		}
		return fs.readTyped(binary.LittleEndian.Uint64(rest), v.Type, size)

	case op == dwOpFbreg:
		off, _, err := decodeSLEB128(rest)
		if err != nil {
			return evalexpr.Value{}, fmt.Errorf("session: decode frame-relative offset for %q: %w", v.Name, err)
		}
		base, err := fs.frameBase()
		if err != nil {
			return evalexpr.Value{}, err
		}
		return fs.readTyped(uint64(int64(base)+off), v.Type, size)

	case op == dwOpCallFrameCFA:
		return fs.readTyped(fs.frame.CFA, v.Type, size)

	case op >= dwOpBreg0 && op <= dwOpBreg0+31:
		reg := uint64(op - dwOpBreg0)
		off, _, err := decodeSLEB128(rest)
		if err != nil {
			return evalexpr.Value{}, fmt.Errorf("session: decode register-relative offset for %q: %w", v.Name, err)
		}
		base, ok := fs.frame.Regs[reg]
		if !ok {
			return evalexpr.Value{}, fmt.Errorf("session: register %d unavailable for %q", reg, v.Name)
		}
		return fs.readTyped(uint64(int64(base)+off), v.Type, size)

	case op >= dwOpReg0 && op <= dwOpReg0+31:
		reg := uint64(op - dwOpReg0)
		val, ok := fs.frame.Regs[reg]
		if !ok {
			return evalexpr.Value{}, fmt.Errorf("session: register %d unavailable for %q", reg, v.Name)
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, val)
		if uint64(len(buf)) > size {
			buf = buf[:size]
		}
		return evalexpr.Value{Type: v.Type, Bytes: buf}, nil

	default:
		return evalexpr.Value{}, fmt.Errorf("session: unsupported location expression opcode %#x for %q", op, v.Name)
	}
}

func (fs *frameScope) readTyped(addr uint64, t typegraph.ID, size uint64) (evalexpr.Value, error) {
	if fs.mem == nil {
		return evalexpr.Value{}, fmt.Errorf("session: no memory reader configured")
	}
	buf := make([]byte, size)
	if _, err := fs.mem.ReadMemory(addr, buf); err != nil {
		return evalexpr.Value{}, fmt.Errorf("session: reading memory at %#x: %w", addr, err)
	}
	return evalexpr.Value{Type: t, Bytes: buf, Addr: addr, HasAddr: true}, nil
}

// frameBase resolves the frame's DW_AT_frame_base expression. The common
// cases are DW_OP_call_frame_cfa (the default modern GCC/Clang emit) and a
// bare DW_OP_bregN (older -fno-omit-frame-pointer code using rbp
// directly); anything else falls back to the already-computed CFA, which
// is correct for the call_frame_cfa case and a reasonable approximation
// otherwise.
func (fs *frameScope) frameBase() (uint64, error) {
	fb := fs.frame.Function.FrameBase
	if len(fb) == 0 {
		return fs.frame.CFA, nil
	}
	op := fb[0]
	if op >= dwOpBreg0 && op <= dwOpBreg0+31 {
		reg := uint64(op - dwOpBreg0)
		off, _, err := decodeSLEB128(fb[1:])
		if err != nil {
			return 0, fmt.Errorf("session: decode frame base offset: %w", err)
		}
		base, ok := fs.frame.Regs[reg]
		if !ok {
			return 0, fmt.Errorf("session: frame base register %d unavailable", reg)
		}
		return uint64(int64(base) + off), nil
	}
	return fs.frame.CFA, nil
}

// DWARF expression opcodes this package's minimal location evaluator
// understands; see DWARF5 §2.5.1/§2.6.1.
const (
	dwOpAddr         = 0x03
	dwOpReg0         = 0x50
	dwOpBreg0        = 0x70
	dwOpFbreg        = 0x91
	dwOpCallFrameCFA = 0x9c
)

// decodeSLEB128 decodes a signed LEB128 integer from the front of b,
// returning the value and the number of bytes consumed.
func decodeSLEB128(b []byte) (int64, int, error) {
	var result int64
	var shift uint
	var i int
	for {
		if i >= len(b) {
			return 0, 0, fmt.Errorf("session: truncated SLEB128")
		}
		cur := b[i]
		result |= int64(cur&0x7f) << shift
		shift += 7
		i++
		if cur&0x80 == 0 {
			if shift < 64 && cur&0x40 != 0 {
				result |= -1 << shift
			}
			break
		}
	}
	return result, i, nil
}
