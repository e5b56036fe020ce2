// Package evalexpr is nnd's expression evaluator: a recursive-descent,
// precedence-climbing parser (directly generalizing cucaracha's
// `debugger.ExpressionEvaluator`) re-targeted from "evaluate to a raw
// uint32" to "evaluate to a typed Value over pkg/typegraph", with member
// access, casts, and the `sizeof`/`type_of`/`offsetof` meta-functions added
// as new grammar productions at the same recursive-descent layer.
package evalexpr

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nnd-dbg/nnd/pkg/typegraph"
)

// Value is the result of evaluating an expression: a typed byte blob,
// optionally backed by a live memory address (so assignment and
// pretty-printing can re-read it), or flagged OptimizedOut if DWARF says the
// variable has no location at the current PC.
type Value struct {
	Type         typegraph.ID
	Bytes        []byte
	Addr         uint64
	HasAddr      bool
	OptimizedOut bool
	// Synthetic marks a Value with no typegraph.ID backing (e.g. the result
	// of sizeof, or an untyped integer literal) — Kind-dependent helpers
	// fall back to treating Bytes as a raw little-endian integer.
	Synthetic bool
	// TypeName holds a type's display name for the result of `type_of`,
	// which names a type rather than producing a scalar/struct value.
	TypeName string
}

// OptimizedOutValue produces a Value that short-circuits member access,
// arithmetic, comparisons and casts applied to it back into another
// OptimizedOut Value, per the spec's short-circuiting rule; the logical
// operators (!, &&, ||) report an error for it instead.
func OptimizedOutValue(t typegraph.ID) Value {
	return Value{Type: t, OptimizedOut: true}
}

func intValue(v int64) Value {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return Value{Bytes: b, Synthetic: true}
}

func floatValue(v float64) Value {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return Value{Bytes: b, Synthetic: true}
}

// encodeFloatForWidth lays out v as width bytes of IEEE-754 (4 = float32,
// anything else = float64), used when a cast's target type is narrower than
// the 8-byte synthetic representation floatValue always produces.
func encodeFloatForWidth(v float64, width uint64) []byte {
	if width == 4 {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		return b
	}
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

// AsInt64 interprets v's bytes as a signed integer of the given graph's
// declared width for v.Type, or as a raw 8-byte little-endian value for a
// Synthetic (typeless) Value.
func (v Value) AsInt64(g *typegraph.Graph) (int64, error) {
	if v.OptimizedOut {
		return 0, fmt.Errorf("evalexpr: value was optimized out")
	}
	if v.Synthetic || g == nil {
		return int64(binary.LittleEndian.Uint64(pad8(v.Bytes))), nil
	}
	n := g.Underlying(v.Type)
	width := int(n.ByteSize)
	if width == 0 || width > 8 {
		width = 8
	}
	buf := pad8(v.Bytes)
	switch width {
	case 1:
		return int64(int8(buf[0])), nil
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(buf))), nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(buf))), nil
	default:
		return int64(binary.LittleEndian.Uint64(buf)), nil
	}
}

// AsUint64 is AsInt64's result reinterpreted as unsigned (a value narrower
// than 8 bytes is sign-extended first), used where a value is read as an
// address, such as a pointer dereference.
func (v Value) AsUint64(g *typegraph.Graph) (uint64, error) {
	i, err := v.AsInt64(g)
	return uint64(i), err
}

// AsFloat64 interprets v's bytes as an IEEE-754 float of the declared
// width (4 or 8 bytes).
func (v Value) AsFloat64(g *typegraph.Graph) (float64, error) {
	if v.OptimizedOut {
		return 0, fmt.Errorf("evalexpr: value was optimized out")
	}
	if v.Synthetic || g == nil {
		return math.Float64frombits(binary.LittleEndian.Uint64(pad8(v.Bytes))), nil
	}
	n := g.Underlying(v.Type)
	if n.ByteSize == 4 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(pad4(v.Bytes)))), nil
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(pad8(v.Bytes))), nil
}

func pad8(b []byte) []byte {
	out := make([]byte, 8)
	copy(out, b)
	return out
}

func pad4(b []byte) []byte {
	out := make([]byte, 4)
	copy(out, b)
	return out
}

// dwATEFloat is DW_ATE_float, the DWARF base-type encoding for IEEE-754
// floating point; DW_AT_encoding values are defined by the DWARF standard,
// not by stdlib debug/dwarf, which only exposes the raw attribute.
const dwATEFloat = 0x04

// isFloatKind reports whether t's underlying kind is a floating-point base
// type, used to decide whether arithmetic should route through AsFloat64
// or AsInt64.
func isFloatKind(g *typegraph.Graph, t typegraph.ID) bool {
	if g == nil {
		return false
	}
	n := g.Underlying(t)
	return n.Kind == typegraph.KindBase && n.Encoding == dwATEFloat
}
