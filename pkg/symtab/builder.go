package symtab

import (
	"context"
	"debug/dwarf"
	"fmt"
	"sync"

	"github.com/nnd-dbg/nnd/pkg/asyncwork"
	"github.com/nnd-dbg/nnd/pkg/dwarfread"
	"github.com/nnd-dbg/nnd/pkg/typegraph"
)

// Builder runs the symbol-index pipeline: section-scan (implicit in
// dwarfread.Open), header-parse (dwarfread.Reader.Units), unit-parse (this
// file, parallelized), merge and index-build (index.go's NewIndex).
//
// This generalizes cucaracha's `llvm.DWARFParser.Parse`, which ran
// `parseLineInfo` then `parseCompilationUnits` serially over a single toy
// ELF object with at most a handful of units; a real binary can have
// thousands of compilation units, so the unit-parse phase here runs across
// an asyncwork.Pool instead.
type Builder struct {
	reader *dwarfread.Reader
	pool   *asyncwork.Pool

	graphMu sync.Mutex
	graph   *typegraph.Graph
}

// NewBuilder creates a Builder over an already-opened DWARF reader, using
// workers concurrent goroutines for the unit-parse phase.
func NewBuilder(reader *dwarfread.Reader, workers int) *Builder {
	return &Builder{
		reader: reader,
		pool:   asyncwork.New(workers),
		graph:  typegraph.NewGraph(),
	}
}

// Build runs the full pipeline and returns the resulting Index. It must
// complete (or be cancelled) within the caller's context; per the spec's
// async work budget, progress is pollable via b.Progress() while Build
// runs on another goroutine.
func (b *Builder) Build(ctx context.Context) (*Index, error) {
	dwarfUnits, err := b.reader.Units()
	if err != nil {
		return nil, fmt.Errorf("symtab: scanning units: %w", err)
	}

	units := make([]*Unit, len(dwarfUnits))
	jobs := make([]asyncwork.Job, len(dwarfUnits))
	for i, du := range dwarfUnits {
		i, du := i, du
		jobs[i] = func(ctx context.Context) error {
			u, err := b.parseUnit(du)
			if err != nil {
				return fmt.Errorf("symtab: unit at %#x: %w", du.Offset, err)
			}
			units[i] = u
			return asyncwork.CheckPoint(ctx)
		}
	}

	if err := b.pool.Run(ctx, "index-units", jobs); err != nil {
		return nil, err
	}

	nonNil := units[:0]
	for _, u := range units {
		if u != nil {
			nonNil = append(nonNil, u)
		}
	}

	return NewIndex(nonNil, b.graph), nil
}

// Progress reports the current unit-indexing progress.
func (b *Builder) Progress() asyncwork.Progress {
	return b.pool.Snapshot()
}

// parseUnit walks one compilation unit's DIE tree. This generalizes
// cucaracha's `parseCompilationUnits` scope-stack walk (tracking
// currentFunc/scopeStack across TagSubprogram/TagFormalParameter/
// TagVariable/lexical-block entries) from "annotate a toy-ISA program
// counter" to "build Function/Variable records with real DWARF locations
// and typegraph types".
func (b *Builder) parseUnit(du dwarfread.Unit) (*Unit, error) {
	rdr, err := b.reader.SeekTo(du.Offset)
	if err != nil {
		return nil, err
	}
	root, err := rdr.Next()
	if err != nil || root == nil {
		return nil, fmt.Errorf("reading unit root: %w", err)
	}

	u := &Unit{}
	u.Name, _ = root.Val(dwarf.AttrName).(string)
	u.CompDir, _ = root.Val(dwarf.AttrCompDir).(string)
	u.Producer, _ = root.Val(dwarf.AttrProducer).(string)
	if lang, ok := root.Val(dwarf.AttrLanguage).(int64); ok {
		u.Language = languageName(lang)
	}
	u.LowPC, _ = root.Val(dwarf.AttrLowpc).(uint64)
	if hi, ok := root.Val(dwarf.AttrHighpc).(uint64); ok {
		u.HighPC = u.LowPC + hi
	}

	if lines, err := b.reader.LineTable(root); err == nil {
		for _, l := range lines {
			u.Lines = append(u.Lines, LineRow{
				Address:     l.Address,
				NextAddress: l.NextAddress,
				File:        l.File,
				Line:        l.Line,
				Column:      l.Column,
				IsStmt:      l.IsStmt,
			})
		}
	}

	b.graphMu.Lock()
	typeBuilder := typegraph.NewBuilder(b.reader, b.graph)
	b.graphMu.Unlock()

	// Flat scope-stack walk: every entry with children pushes a scope marker
	// (a *Function if it's a subprogram, otherwise the enclosing function
	// unchanged so nested lexical blocks still attribute locals correctly),
	// and a null tag (end-of-children) pops it. This mirrors cucaracha's
	// `parseCompilationUnits` currentFunc/scopeStack walk directly, rather
	// than recursing per-DIE, since dwarf.Reader is a single forward cursor
	// shared by a unit's whole subtree.
	var scope []*Function
	top := func() *Function {
		if len(scope) == 0 {
			return nil
		}
		return scope[len(scope)-1]
	}

	for {
		entry, err := rdr.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			if len(scope) > 0 {
				scope = scope[:len(scope)-1]
			}
			continue
		}

		switch entry.Tag {
		case dwarf.TagSubprogram:
			fn := b.parseFunction(entry, typeBuilder, u)
			u.Functions = append(u.Functions, fn)
			if entry.Children {
				scope = append(scope, fn)
			}
		case dwarf.TagFormalParameter:
			v := b.parseVariable(entry, typeBuilder)
			if fn := top(); fn != nil {
				fn.Params = append(fn.Params, v)
			}
			if entry.Children {
				scope = append(scope, top())
			}
		case dwarf.TagVariable:
			v := b.parseVariable(entry, typeBuilder)
			if fn := top(); fn != nil {
				fn.Locals = append(fn.Locals, v)
			} else {
				u.Globals = append(u.Globals, v)
			}
			if entry.Children {
				scope = append(scope, top())
			}
		case dwarf.TagInlinedSubroutine:
			if fn := top(); fn != nil {
				fn.InlinedCalls = append(fn.InlinedCalls, b.parseInlinedCall(entry))
			}
			if entry.Children {
				scope = append(scope, top())
			}
		default:
			if entry.Children {
				scope = append(scope, top())
			}
		}
	}

	return u, nil
}

func (b *Builder) parseFunction(entry *dwarf.Entry, tb *typegraph.Builder, unit *Unit) *Function {
	fn := &Function{Unit: unit}
	fn.Name, _ = entry.Val(dwarf.AttrName).(string)
	fn.LowPC, _ = entry.Val(dwarf.AttrLowpc).(uint64)
	if hi, ok := entry.Val(dwarf.AttrHighpc).(uint64); ok {
		fn.HighPC = fn.LowPC + hi
	} else if hi, ok := entry.Val(dwarf.AttrHighpc).(int64); ok {
		fn.HighPC = fn.LowPC + uint64(hi)
	}
	fn.DeclFile, _ = entry.Val(dwarf.AttrDeclFile).(string)
	if l, ok := entry.Val(dwarf.AttrDeclLine).(int64); ok {
		fn.DeclLine = int(l)
	}
	if fb, ok := entry.Val(dwarf.AttrFrameBase).([]byte); ok {
		fn.FrameBase = fb
	}
	fn.Inline = entry.Val(dwarf.AttrInline) != nil
	return fn
}

func (b *Builder) parseInlinedCall(entry *dwarf.Entry) InlinedCall {
	ic := InlinedCall{}
	// DW_AT_abstract_origin usually points at the out-of-line DW_TAG_subprogram
	// carrying the real name; producers that skip it put DW_AT_name directly
	// on the inlined_subroutine instead, so try that first.
	ic.Name, _ = entry.Val(dwarf.AttrName).(string)
	if ic.Name == "" {
		if off, ok := entry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
			if r, err := b.reader.SeekTo(off); err == nil {
				if origin, err := r.Next(); err == nil && origin != nil {
					ic.Name, _ = origin.Val(dwarf.AttrName).(string)
				}
			}
		}
	}
	ic.CallFile, _ = entry.Val(dwarf.AttrCallFile).(string)
	if l, ok := entry.Val(dwarf.AttrCallLine).(int64); ok {
		ic.CallLine = int(l)
	}
	ic.LowPC, _ = entry.Val(dwarf.AttrLowpc).(uint64)
	if hi, ok := entry.Val(dwarf.AttrHighpc).(uint64); ok {
		ic.HighPC = ic.LowPC + hi
	} else if hi, ok := entry.Val(dwarf.AttrHighpc).(int64); ok {
		ic.HighPC = ic.LowPC + uint64(hi)
	}
	return ic
}

func (b *Builder) parseVariable(entry *dwarf.Entry, tb *typegraph.Builder) Variable {
	v := Variable{}
	v.Name, _ = entry.Val(dwarf.AttrName).(string)

	b.graphMu.Lock()
	if id, ok := tb.Resolve(entry, dwarf.AttrType); ok {
		v.Type = id
	}
	b.graphMu.Unlock()

	if loc, ok := entry.Val(dwarf.AttrLocation).([]byte); ok {
		v.Location = loc
	}
	if cv := entry.Val(dwarf.AttrConstValue); cv != nil {
		v.IsConst = true
	}
	return v
}

func languageName(code int64) string {
	switch code {
	case 0x0001:
		return "C89"
	case 0x0002:
		return "C"
	case 0x0004:
		return "C++"
	case 0x000c:
		return "C99"
	case 0x001d:
		return "C11"
	case 0x0021:
		return "C++14"
	case 0x001c:
		return "Rust"
	case 0x0016:
		return "Go"
	default:
		return "unknown"
	}
}
