package evalexpr

import (
	"encoding/binary"
	"fmt"

	"github.com/nnd-dbg/nnd/pkg/typegraph"
)

// MemReader reads len(out) bytes from the debuggee's address space at addr.
// pkg/ctrl.Controller satisfies this directly, same seam pkg/unwind uses.
type MemReader interface {
	ReadMemory(addr uint64, out []byte) (int, error)
}

// Scope resolves identifiers and type names against the symbol engine at a
// specific point of execution (a thread's current frame). Implementations
// apply the spec's name resolution order: local -> params -> this ->
// enclosing scopes -> file statics -> binary globals -> type names; an
// ambiguous match is reported as an error listing candidates rather than
// silently picking one.
type Scope interface {
	Resolve(name string) (Value, error)
	ResolveType(name string) (typegraph.ID, bool)
}

// stepBudget bounds the number of AST nodes one Eval call may visit. The
// grammar itself can't loop (no evaluator-level recursion beyond the
// expression's own nesting), but a pathological cast/index chain built from
// a huge array type could still walk a lot of memory; the budget is the
// same "non-looping, step-budgeted" discipline the spec asks of
// pretty-printers, applied here too since evaluation can invoke
// pretty-printer-adjacent container access.
const stepBudget = 100000

// Evaluator evaluates parsed expressions into typed Values. This is the
// generalization of cucaracha's `ExpressionEvaluator.Eval`: same
// tokenize-then-recursive-descent shape, but producing a typed Value over
// pkg/typegraph instead of a raw uint32, and consuming a process's live
// memory/registers through the Scope/MemReader seams instead of a direct
// Backend reference.
type Evaluator struct {
	Graph *typegraph.Graph
	Mem   MemReader
	Scope Scope

	steps int
}

// Eval parses and evaluates expr in e's current scope.
func (e *Evaluator) Eval(expr string) (Value, error) {
	ast, err := Parse(expr)
	if err != nil {
		return Value{}, err
	}
	e.steps = 0
	return e.evalExpr(ast)
}

func (e *Evaluator) tick() error {
	e.steps++
	if e.steps > stepBudget {
		return fmt.Errorf("evalexpr: expression exceeded step budget")
	}
	return nil
}

func (e *Evaluator) evalExpr(node Expr) (Value, error) {
	if err := e.tick(); err != nil {
		return Value{}, err
	}

	switch n := node.(type) {
	case IntLit:
		return intValue(n.Value), nil
	case FloatLit:
		return floatValue(n.Value), nil
	case CharLit:
		return intValue(n.Value), nil
	case StringLit:
		return Value{Bytes: []byte(n.Value), Synthetic: true}, nil
	case Ident:
		return e.evalIdent(n)
	case Unary:
		return e.evalUnary(n)
	case Binary:
		return e.evalBinary(n)
	case Member:
		return e.evalMember(n)
	case Index:
		return e.evalIndex(n)
	case Cast:
		return e.evalCast(n)
	case SizeofExpr:
		return e.evalSizeof(n)
	case TypeOfExpr:
		return e.evalTypeOf(n)
	case OffsetofExpr:
		return e.evalOffsetof(n)
	default:
		return Value{}, fmt.Errorf("evalexpr: unhandled expression node %T", node)
	}
}

func (e *Evaluator) evalIdent(n Ident) (Value, error) {
	if e.Scope == nil {
		return Value{}, fmt.Errorf("evalexpr: no scope to resolve %q", n.Name)
	}
	return e.Scope.Resolve(n.Name)
}

func (e *Evaluator) evalUnary(n Unary) (Value, error) {
	switch n.Op {
	case TokAmp:
		x, err := e.evalExpr(n.X)
		if err != nil {
			return Value{}, err
		}
		if x.OptimizedOut {
			return x, nil
		}
		if !x.HasAddr {
			return Value{}, fmt.Errorf("evalexpr: cannot take the address of a non-lvalue")
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, x.Addr)
		return Value{Bytes: b, Synthetic: true}, nil

	case TokStar:
		x, err := e.evalExpr(n.X)
		if err != nil {
			return Value{}, err
		}
		return e.dereference(x)

	case TokMinus:
		x, err := e.evalExpr(n.X)
		if err != nil {
			return Value{}, err
		}
		if x.OptimizedOut {
			return x, nil
		}
		if !x.Synthetic && isFloatKind(e.Graph, x.Type) {
			f, err := x.AsFloat64(e.Graph)
			if err != nil {
				return Value{}, err
			}
			return floatValue(-f), nil
		}
		i, err := x.AsInt64(e.Graph)
		if err != nil {
			return Value{}, err
		}
		return intValue(-i), nil

	case TokTilde:
		x, err := e.evalExpr(n.X)
		if err != nil {
			return Value{}, err
		}
		if x.OptimizedOut {
			return x, nil
		}
		i, err := x.AsInt64(e.Graph)
		if err != nil {
			return Value{}, err
		}
		return intValue(^i), nil

	case TokBang:
		x, err := e.evalExpr(n.X)
		if err != nil {
			return Value{}, err
		}
		b, err := truthy(e.Graph, x)
		if err != nil {
			return Value{}, err
		}
		if b {
			return intValue(0), nil
		}
		return intValue(1), nil
	}
	return Value{}, fmt.Errorf("evalexpr: unhandled unary operator")
}

// dereference reads the pointee of a pointer-typed Value.
func (e *Evaluator) dereference(x Value) (Value, error) {
	if x.OptimizedOut {
		return x, nil
	}
	if e.Graph == nil || x.Synthetic {
		return Value{}, fmt.Errorf("evalexpr: cannot dereference a value with no pointer type")
	}
	n := e.Graph.Underlying(x.Type)
	if n.Kind != typegraph.KindPointer {
		return Value{}, fmt.Errorf("evalexpr: cannot dereference non-pointer type %q", n.Name)
	}
	addr, err := x.AsUint64(e.Graph)
	if err != nil {
		return Value{}, err
	}
	return e.readTyped(addr, n.Element)
}

// readTyped reads the in-memory representation of type t at addr via Mem.
func (e *Evaluator) readTyped(addr uint64, t typegraph.ID) (Value, error) {
	if e.Mem == nil {
		return Value{}, fmt.Errorf("evalexpr: no memory reader configured")
	}
	size := e.Graph.Node(t).ByteSize
	if size == 0 {
		size = 8
	}
	buf := make([]byte, size)
	if _, err := e.Mem.ReadMemory(addr, buf); err != nil {
		return Value{}, fmt.Errorf("evalexpr: reading memory at %#x: %w", addr, err)
	}
	return Value{Type: t, Bytes: buf, Addr: addr, HasAddr: true}, nil
}

func truthy(g *typegraph.Graph, v Value) (bool, error) {
	if v.OptimizedOut {
		return false, fmt.Errorf("evalexpr: value was optimized out")
	}
	if !v.Synthetic && isFloatKind(g, v.Type) {
		f, err := v.AsFloat64(g)
		return f != 0, err
	}
	i, err := v.AsInt64(g)
	return i != 0, err
}

// Truthy is truthy exported for callers outside this package (a breakpoint
// condition's stop-vs-continue decision, in pkg/session) that need the
// same "nonzero/nonempty = true" coercion the spec requires of conditional
// breakpoints. A synthetic value wider than a scalar (a string literal's
// raw bytes) is true when non-empty rather than being truncated into an
// integer.
func Truthy(g *typegraph.Graph, v Value) (bool, error) {
	if v.Synthetic && len(v.Bytes) > 8 {
		return len(v.Bytes) > 0, nil
	}
	return truthy(g, v)
}

func (e *Evaluator) evalBinary(n Binary) (Value, error) {
	if n.Op == TokAndAnd {
		l, err := e.evalExpr(n.X)
		if err != nil {
			return Value{}, err
		}
		lt, err := truthy(e.Graph, l)
		if err != nil {
			return Value{}, err
		}
		if !lt {
			return intValue(0), nil
		}
		r, err := e.evalExpr(n.Y)
		if err != nil {
			return Value{}, err
		}
		rt, err := truthy(e.Graph, r)
		if err != nil {
			return Value{}, err
		}
		return boolValue(rt), nil
	}
	if n.Op == TokOrOr {
		l, err := e.evalExpr(n.X)
		if err != nil {
			return Value{}, err
		}
		lt, err := truthy(e.Graph, l)
		if err != nil {
			return Value{}, err
		}
		if lt {
			return intValue(1), nil
		}
		r, err := e.evalExpr(n.Y)
		if err != nil {
			return Value{}, err
		}
		rt, err := truthy(e.Graph, r)
		if err != nil {
			return Value{}, err
		}
		return boolValue(rt), nil
	}

	l, err := e.evalExpr(n.X)
	if err != nil {
		return Value{}, err
	}
	r, err := e.evalExpr(n.Y)
	if err != nil {
		return Value{}, err
	}
	if l.OptimizedOut {
		return l, nil
	}
	if r.OptimizedOut {
		return r, nil
	}

	useFloat := (!l.Synthetic && isFloatKind(e.Graph, l.Type)) || (!r.Synthetic && isFloatKind(e.Graph, r.Type))

	switch n.Op {
	case TokEq, TokNe, TokLt, TokLe, TokGt, TokGe:
		if useFloat {
			lf, err := l.AsFloat64(e.Graph)
			if err != nil {
				return Value{}, err
			}
			rf, err := r.AsFloat64(e.Graph)
			if err != nil {
				return Value{}, err
			}
			return boolValue(compareFloat(n.Op, lf, rf)), nil
		}
		li, err := l.AsInt64(e.Graph)
		if err != nil {
			return Value{}, err
		}
		ri, err := r.AsInt64(e.Graph)
		if err != nil {
			return Value{}, err
		}
		return boolValue(compareInt(n.Op, li, ri)), nil
	}

	if useFloat {
		lf, err := l.AsFloat64(e.Graph)
		if err != nil {
			return Value{}, err
		}
		rf, err := r.AsFloat64(e.Graph)
		if err != nil {
			return Value{}, err
		}
		switch n.Op {
		case TokPlus:
			return floatValue(lf + rf), nil
		case TokMinus:
			return floatValue(lf - rf), nil
		case TokStar:
			return floatValue(lf * rf), nil
		case TokSlash:
			if rf == 0 {
				return Value{}, fmt.Errorf("evalexpr: division by zero")
			}
			return floatValue(lf / rf), nil
		default:
			return Value{}, fmt.Errorf("evalexpr: operator not valid for floating-point operands")
		}
	}

	li, err := l.AsInt64(e.Graph)
	if err != nil {
		return Value{}, err
	}
	ri, err := r.AsInt64(e.Graph)
	if err != nil {
		return Value{}, err
	}
	switch n.Op {
	case TokPlus:
		return intValue(li + ri), nil
	case TokMinus:
		return intValue(li - ri), nil
	case TokStar:
		return intValue(li * ri), nil
	case TokSlash:
		if ri == 0 {
			return Value{}, fmt.Errorf("evalexpr: division by zero")
		}
		return intValue(li / ri), nil
	case TokPercent:
		if ri == 0 {
			return Value{}, fmt.Errorf("evalexpr: modulo by zero")
		}
		return intValue(li % ri), nil
	case TokAmp:
		return intValue(li & ri), nil
	case TokPipe:
		return intValue(li | ri), nil
	case TokCaret:
		return intValue(li ^ ri), nil
	case TokShl:
		return intValue(li << uint(ri)), nil
	case TokShr:
		return intValue(li >> uint(ri)), nil
	}
	return Value{}, fmt.Errorf("evalexpr: unhandled binary operator")
}

func boolValue(b bool) Value {
	if b {
		return intValue(1)
	}
	return intValue(0)
}

func compareInt(op TokenType, l, r int64) bool {
	switch op {
	case TokEq:
		return l == r
	case TokNe:
		return l != r
	case TokLt:
		return l < r
	case TokLe:
		return l <= r
	case TokGt:
		return l > r
	case TokGe:
		return l >= r
	}
	return false
}

func compareFloat(op TokenType, l, r float64) bool {
	switch op {
	case TokEq:
		return l == r
	case TokNe:
		return l != r
	case TokLt:
		return l < r
	case TokLe:
		return l <= r
	case TokGt:
		return l > r
	case TokGe:
		return l >= r
	}
	return false
}

// evalMember resolves struct/union field access, dereferencing through a
// pointer first for `->`. Bit-fields are masked out of their containing
// storage unit per DW_AT_bit_size/DW_AT_data_bit_offset.
func (e *Evaluator) evalMember(n Member) (Value, error) {
	x, err := e.evalExpr(n.X)
	if err != nil {
		return Value{}, err
	}
	if x.OptimizedOut {
		return x, nil
	}
	if n.Arrow {
		x, err = e.dereference(x)
		if err != nil {
			return Value{}, err
		}
	}
	if e.Graph == nil || x.Synthetic {
		return Value{}, fmt.Errorf("evalexpr: cannot access field %q of an untyped value", n.Name)
	}
	structNode := e.Graph.Underlying(x.Type)
	if structNode.Kind != typegraph.KindStruct && structNode.Kind != typegraph.KindUnion {
		return Value{}, fmt.Errorf("evalexpr: type %q has no fields", structNode.Name)
	}

	for _, m := range structNode.Members {
		if m.Name != n.Name {
			continue
		}
		if m.BitSize != 0 {
			return e.readBitField(x, m)
		}
		memberSize := e.Graph.Node(m.Type).ByteSize
		if memberSize == 0 {
			memberSize = 8
		}
		start := m.ByteOffset
		end := start + memberSize
		if !x.HasAddr {
			if end > uint64(len(x.Bytes)) {
				return Value{}, fmt.Errorf("evalexpr: field %q out of bounds", n.Name)
			}
			return Value{Type: m.Type, Bytes: x.Bytes[start:end]}, nil
		}
		return e.readTyped(x.Addr+start, m.Type)
	}
	return Value{}, fmt.Errorf("evalexpr: no field %q in type %q", n.Name, structNode.Name)
}

func (e *Evaluator) readBitField(x Value, m typegraph.Member) (Value, error) {
	containerSize := e.Graph.Node(m.Type).ByteSize
	if containerSize == 0 {
		containerSize = 4
	}
	var raw Value
	var err error
	if x.HasAddr {
		raw, err = e.readTyped(x.Addr+m.ByteOffset, m.Type)
		if err != nil {
			return Value{}, err
		}
	} else {
		start := m.ByteOffset
		end := start + containerSize
		if end > uint64(len(x.Bytes)) {
			return Value{}, fmt.Errorf("evalexpr: bit-field %q out of bounds", m.Name)
		}
		raw = Value{Type: m.Type, Bytes: x.Bytes[start:end]}
	}
	container, err := raw.AsUint64(e.Graph)
	if err != nil {
		return Value{}, err
	}
	mask := uint64(1)<<uint(m.BitSize) - 1
	shifted := (container >> uint(m.BitOffset)) & mask
	return intValue(int64(shifted)), nil
}

func (e *Evaluator) evalIndex(n Index) (Value, error) {
	x, err := e.evalExpr(n.X)
	if err != nil {
		return Value{}, err
	}
	if x.OptimizedOut {
		return x, nil
	}
	idxVal, err := e.evalExpr(n.Idx)
	if err != nil {
		return Value{}, err
	}
	idx, err := idxVal.AsInt64(e.Graph)
	if err != nil {
		return Value{}, err
	}
	if e.Graph == nil || x.Synthetic {
		return Value{}, fmt.Errorf("evalexpr: cannot index an untyped value")
	}

	node := e.Graph.Underlying(x.Type)
	switch node.Kind {
	case typegraph.KindArray:
		elemSize := e.Graph.Node(node.Element).ByteSize
		if elemSize == 0 {
			elemSize = 1
		}
		if !x.HasAddr {
			return Value{}, fmt.Errorf("evalexpr: cannot index an array value with no address")
		}
		return e.readTyped(x.Addr+uint64(idx)*elemSize, node.Element)
	case typegraph.KindPointer:
		base, err := x.AsUint64(e.Graph)
		if err != nil {
			return Value{}, err
		}
		elemSize := e.Graph.Node(node.Element).ByteSize
		if elemSize == 0 {
			elemSize = 1
		}
		return e.readTyped(base+uint64(idx)*elemSize, node.Element)
	default:
		return Value{}, fmt.Errorf("evalexpr: type %q is not indexable", node.Name)
	}
}

// evalCast reinterprets x's bytes as TypeName, widening/narrowing and
// converting between integer and floating-point representations as
// needed. Pointer-to-pointer and integer-to-pointer casts simply keep the
// underlying bit pattern, matching C's reinterpret semantics.
func (e *Evaluator) evalCast(n Cast) (Value, error) {
	x, err := e.evalExpr(n.X)
	if err != nil {
		return Value{}, err
	}
	if x.OptimizedOut {
		return x, nil
	}
	if e.Scope == nil {
		return Value{}, fmt.Errorf("evalexpr: no scope to resolve type %q", n.TypeName)
	}
	t, ok := e.Scope.ResolveType(n.TypeName)
	if !ok {
		return Value{}, fmt.Errorf("evalexpr: unknown type %q", n.TypeName)
	}

	targetFloat := isFloatKind(e.Graph, t)
	sourceFloat := !x.Synthetic && isFloatKind(e.Graph, x.Type)

	if targetFloat && !sourceFloat {
		i, err := x.AsInt64(e.Graph)
		if err != nil {
			return Value{}, err
		}
		width := e.Graph.Node(t).ByteSize
		return Value{Type: t, Bytes: encodeFloatForWidth(float64(i), width)}, nil
	}
	if !targetFloat && sourceFloat {
		f, err := x.AsFloat64(e.Graph)
		if err != nil {
			return Value{}, err
		}
		v := intValue(int64(f))
		v.Type = t
		v.Synthetic = false
		return v, nil
	}

	i, err := x.AsInt64(e.Graph)
	if err != nil {
		return Value{}, err
	}
	v := intValue(i)
	v.Type = t
	v.Synthetic = false
	return v, nil
}

func (e *Evaluator) evalSizeof(n SizeofExpr) (Value, error) {
	if n.TypeName != "" {
		if e.Scope == nil {
			return Value{}, fmt.Errorf("evalexpr: no scope to resolve type %q", n.TypeName)
		}
		t, ok := e.Scope.ResolveType(n.TypeName)
		if !ok {
			return Value{}, fmt.Errorf("evalexpr: unknown type %q", n.TypeName)
		}
		return intValue(int64(e.Graph.Node(t).ByteSize)), nil
	}
	x, err := e.evalExpr(n.X)
	if err != nil {
		// `sizeof(name)` is ambiguous between a variable and a bare type
		// name until resolution is attempted; a single identifier that
		// fails to resolve as a variable falls back to a type-name lookup
		// here rather than in the parser, which can't see the scope.
		if ident, ok := n.X.(Ident); ok && e.Scope != nil {
			if t, ok := e.Scope.ResolveType(ident.Name); ok {
				return intValue(int64(e.Graph.Node(t).ByteSize)), nil
			}
		}
		return Value{}, err
	}
	if x.Synthetic || e.Graph == nil {
		return intValue(int64(len(x.Bytes))), nil
	}
	return intValue(int64(e.Graph.Node(x.Type).ByteSize)), nil
}

func (e *Evaluator) evalTypeOf(n TypeOfExpr) (Value, error) {
	x, err := e.evalExpr(n.X)
	if err != nil {
		return Value{}, err
	}
	if x.Synthetic || e.Graph == nil {
		return Value{TypeName: "<untyped>"}, nil
	}
	return Value{TypeName: e.Graph.Node(x.Type).Name}, nil
}

func (e *Evaluator) evalOffsetof(n OffsetofExpr) (Value, error) {
	if e.Scope == nil {
		return Value{}, fmt.Errorf("evalexpr: no scope to resolve type %q", n.TypeName)
	}
	t, ok := e.Scope.ResolveType(n.TypeName)
	if !ok {
		return Value{}, fmt.Errorf("evalexpr: unknown type %q", n.TypeName)
	}
	node := e.Graph.Underlying(t)
	for _, m := range node.Members {
		if m.Name == n.Field {
			return intValue(int64(m.ByteOffset)), nil
		}
	}
	return Value{}, fmt.Errorf("evalexpr: type %q has no field %q", n.TypeName, n.Field)
}
