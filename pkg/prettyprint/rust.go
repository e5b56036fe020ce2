package prettyprint

import (
	"fmt"

	"github.com/nnd-dbg/nnd/pkg/evalexpr"
)

// registerRustPrinters wires printers for the Rust standard-library types
// the spec names explicitly (Vec, HashMap, Option, Box) plus the owned and
// borrowed string types, using rustc's stable-enough-to-debug field names
// (`buf`/`len` inside `RawVec`, `Some`/`None` variant tags for Option).
func registerRustPrinters(r *Registry) {
	r.Register("alloc::vec::Vec", printRustVec)
	r.Register("std::collections::HashMap", printRustHashMap)
	r.Register("core::option::Option", printRustOption)
	r.Register("alloc::boxed::Box", printRustBox)
	r.RegisterMatch(isRustString, printRustString)
}

func isRustString(typeName string) bool {
	stripped := stripTemplate(typeName)
	return stripped == "alloc::string::String" || stripped == "&str" || stripped == "str"
}

// printRustVec reads Vec<T>'s `buf.ptr.pointer` (RawVec) and its own `len`
// field (the capacity is not read); rustc's DWARF for Vec nests the data pointer inside a
// `Unique<T>`/`NonNull<T>` wrapper, which findMember's struct-descending
// BFS reaches the same way it reaches libstdc++'s allocator-wrapped
// pointers.
func printRustVec(ctx *Context, v evalexpr.Value) (Result, error) {
	ptrVal, ok, err := findMember(ctx.Graph, ctx.Mem, v, "pointer")
	if err != nil {
		return Result{}, err
	}
	lenVal, lenOK, err := findMember(ctx.Graph, ctx.Mem, v, "len")
	if err != nil {
		return Result{}, err
	}
	if !ok || !lenOK {
		return Result{}, fmt.Errorf("prettyprint: unrecognized Vec layout")
	}
	ptr, err := ptrVal.AsUint64(ctx.Graph)
	if err != nil {
		return Result{}, err
	}
	n, err := lenVal.AsUint64(ctx.Graph)
	if err != nil {
		return Result{}, err
	}
	elem := ctx.Graph.Underlying(v.Type).Element
	elemSize := ctx.Graph.Underlying(elem).ByteSize
	if elemSize == 0 {
		elemSize = 1
	}
	return Result{
		Summary: fmt.Sprintf("size=%d", n),
		Children: func() ([]Child, error) {
			return readIndexedChildren(ctx, ptr, elem, elemSize, int64(n))
		},
		Truncated: n > maxChildren,
	}, nil
}

// printRustHashMap reads the `base.hash_builder`-adjacent `base.table.items`
// count (SwissTable-derived layout); like its libstdc++ associative
// counterpart, it reports an exact size without walking buckets.
func printRustHashMap(ctx *Context, v evalexpr.Value) (Result, error) {
	itemsVal, ok, err := findMember(ctx.Graph, ctx.Mem, v, "items")
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("prettyprint: unrecognized HashMap layout")
	}
	n, err := itemsVal.AsUint64(ctx.Graph)
	if err != nil {
		return Result{}, err
	}
	return Result{Summary: fmt.Sprintf("size=%d", n), Truncated: true}, nil
}

// printRustOption reports the DWARF-encoded enum's active variant by name
// (None, or Some with its payload as the lazy child); niche-optimized
// Options (e.g. Option<&T>, Option<Box<T>>) use the same enum-discriminant
// shape rustc emits for any other tagged union, so no special-casing is
// needed beyond a plain enum read.
func printRustOption(ctx *Context, v evalexpr.Value) (Result, error) {
	payload, ok, err := findMember(ctx.Graph, ctx.Mem, v, "__0")
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Summary: "None"}, nil
	}
	inner, err := ctx.format(payload)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Summary: fmt.Sprintf("Some(%s)", inner.Summary),
		Children: func() ([]Child, error) {
			return []Child{{Name: "0", Value: payload}}, nil
		},
	}, nil
}

// printRustBox treats Box<T> as a bare owning pointer: its single field is
// the pointee address, dereferenced the same way a smart pointer is.
func printRustBox(ctx *Context, v evalexpr.Value) (Result, error) {
	ptrVal, ok, err := findMember(ctx.Graph, ctx.Mem, v, "pointer")
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("prettyprint: unrecognized Box layout")
	}
	addr, err := ptrVal.AsUint64(ctx.Graph)
	if err != nil {
		return Result{}, err
	}
	elem := ctx.Graph.Underlying(v.Type).Element
	return Result{
		Summary: fmt.Sprintf("0x%x", addr),
		Children: func() ([]Child, error) {
			return []Child{{Name: "*", Value: evalexpr.Value{Type: elem, Addr: addr, HasAddr: true}}}, nil
		},
	}, nil
}

// printRustString reads String's `vec` field (itself a Vec<u8>, same
// pointer/len shape as printRustVec) and decodes the bytes as UTF-8; &str
// is the fat-pointer (ptr, len) pair with no intermediate Vec wrapper, so
// both are handled by first trying the Vec-wrapped field and falling back
// to reading ptr/len directly off v.
func printRustString(ctx *Context, v evalexpr.Value) (Result, error) {
	var ptr, n uint64

	if vecVal, ok, err := findMember(ctx.Graph, ctx.Mem, v, "vec"); err == nil && ok {
		ptrVal, pOK, err := findMember(ctx.Graph, ctx.Mem, vecVal, "pointer")
		if err != nil {
			return Result{}, err
		}
		lenVal, lOK, err := findMember(ctx.Graph, ctx.Mem, vecVal, "len")
		if err != nil {
			return Result{}, err
		}
		if pOK && lOK {
			if ptr, err = ptrVal.AsUint64(ctx.Graph); err != nil {
				return Result{}, err
			}
			if n, err = lenVal.AsUint64(ctx.Graph); err != nil {
				return Result{}, err
			}
		}
	}
	if ptr == 0 {
		ptrVal, pOK, err := findMember(ctx.Graph, ctx.Mem, v, "data_ptr")
		if err != nil {
			return Result{}, err
		}
		lenVal, lOK, err := findMember(ctx.Graph, ctx.Mem, v, "length")
		if err != nil {
			return Result{}, err
		}
		if !pOK || !lOK {
			return Result{}, fmt.Errorf("prettyprint: unrecognized String/&str layout")
		}
		if ptr, err = ptrVal.AsUint64(ctx.Graph); err != nil {
			return Result{}, err
		}
		if n, err = lenVal.AsUint64(ctx.Graph); err != nil {
			return Result{}, err
		}
	}
	if n > maxChildren {
		n = maxChildren
	}
	if ctx.Mem == nil {
		return Result{}, fmt.Errorf("prettyprint: no memory reader available")
	}
	buf := make([]byte, n)
	if _, err := ctx.Mem.ReadMemory(ptr, buf); err != nil {
		return Result{}, err
	}
	return Result{Summary: fmt.Sprintf("%q", string(buf))}, nil
}
