// Package symtab builds a queryable symbol index over a binary's DWARF and
// ELF symbol-table data: address -> line, function -> address range,
// name -> DIE, and the type graph backing both. The index builder is a
// multi-phase pipeline (section-scan, header-parse, unit-parse, merge,
// index-build) that runs its unit-parse phase across a pkg/asyncwork.Pool
// so large binaries with thousands of compilation units don't index
// serially.
package symtab

import (
	"sort"

	"github.com/nnd-dbg/nnd/pkg/typegraph"
)

// Function is one subprogram DIE resolved into an address-addressable
// record.
type Function struct {
	Name      string
	LowPC     uint64
	HighPC    uint64
	DeclFile  string
	DeclLine  int
	FrameBase []byte // DW_AT_frame_base location expression, usually DW_OP_call_frame_cfa
	Inline    bool
	Params    []Variable
	Locals    []Variable
	Unit      *Unit
	InlinedCalls []InlinedCall
}

// InlinedCall is one DW_TAG_inlined_subroutine site within a Function,
// recording the synthetic subframe pkg/unwind inserts when expanding a
// physical frame that actually represents several inlined logical frames.
type InlinedCall struct {
	Name     string
	CallFile string
	CallLine int
	LowPC    uint64
	HighPC   uint64
}

// Contains reports whether pc falls within the inlined call's range.
func (ic *InlinedCall) Contains(pc uint64) bool {
	return pc >= ic.LowPC && pc < ic.HighPC
}

// Contains reports whether pc falls within the function's address range.
func (f *Function) Contains(pc uint64) bool {
	return pc >= f.LowPC && pc < f.HighPC
}

// Variable is a formal parameter or local variable belonging to a Function
// or to global scope (Unit.Globals).
type Variable struct {
	Name     string
	Type     typegraph.ID
	Location []byte // raw DW_AT_location bytes, may be a loclist offset form
	IsConst  bool
	ScopeLo  uint64
	ScopeHi  uint64
}

// LineRow is one row of a compilation unit's resolved line table, address
// span already computed (see pkg/dwarfread.LineEntry, which this mirrors).
type LineRow struct {
	Address     uint64
	NextAddress uint64
	File        string
	Line        int
	Column      int
	IsStmt      bool
}

// Unit is one compilation unit's indexed contents.
type Unit struct {
	Name      string
	CompDir   string
	Language  string
	Producer  string
	LowPC     uint64
	HighPC    uint64
	Functions []*Function
	Globals   []Variable
	Lines     []LineRow
}

// Index is the queryable result of indexing a binary: sorted function and
// line tables plus name lookup maps, backed by a shared typegraph.Graph.
type Index struct {
	Units     []*Unit
	Types     *typegraph.Graph
	functions []*Function // sorted by LowPC
	lines     []LineRow   // sorted by Address, merged across units
	byName    map[string]*Function
}

// NewIndex assembles an Index from a set of parsed units and a shared type
// graph, sorting and merging their function/line tables. Overlap repair
// policy when two entries claim the same address: the function or line row
// with the narrower covering range wins (it is more specific — typically an
// inlined or nested scope), and ties break toward the lower starting
// address, matching how cucaracha's `parseLineInfo` favored the
// most-recently-seen (i.e. most specific, since DWARF line programs emit
// nested scopes after their enclosing one) row when addresses collided.
func NewIndex(units []*Unit, types *typegraph.Graph) *Index {
	idx := &Index{Units: units, Types: types, byName: make(map[string]*Function)}

	for _, u := range units {
		for _, fn := range u.Functions {
			idx.functions = append(idx.functions, fn)
			if fn.Name != "" {
				if existing, ok := idx.byName[fn.Name]; !ok || narrower(fn.LowPC, fn.HighPC, existing.LowPC, existing.HighPC) {
					idx.byName[fn.Name] = fn
				}
			}
		}
		idx.lines = append(idx.lines, u.Lines...)
	}

	sort.Slice(idx.functions, func(i, j int) bool {
		if idx.functions[i].LowPC != idx.functions[j].LowPC {
			return idx.functions[i].LowPC < idx.functions[j].LowPC
		}
		return (idx.functions[i].HighPC - idx.functions[i].LowPC) < (idx.functions[j].HighPC - idx.functions[j].LowPC)
	})
	idx.repairFunctionOverlaps()

	sort.Slice(idx.lines, func(i, j int) bool {
		if idx.lines[i].Address != idx.lines[j].Address {
			return idx.lines[i].Address < idx.lines[j].Address
		}
		return (idx.lines[i].NextAddress - idx.lines[i].Address) < (idx.lines[j].NextAddress - idx.lines[j].Address)
	})
	idx.repairLineOverlaps()

	return idx
}

func narrower(lo1, hi1, lo2, hi2 uint64) bool {
	w1, w2 := hi1-lo1, hi2-lo2
	if w1 != w2 {
		return w1 < w2
	}
	return lo1 < lo2
}

// repairFunctionOverlaps drops functions whose range is fully a duplicate
// of the previous (already-narrower-sorted) entry's start, keeping the
// sort order's natural "narrower wins" tie-break. Functions are not
// expected to overlap in well-formed DWARF, but linker identical-code
// folding or separately-compiled weak symbols at the same address are
// common enough in practice to need the policy documented here rather than
// to panic on it.
func (idx *Index) repairFunctionOverlaps() {
	var kept []*Function
	for _, fn := range idx.functions {
		if len(kept) > 0 && kept[len(kept)-1].LowPC == fn.LowPC {
			// Same start address: the sort already put the narrower range
			// first, so skip this wider duplicate.
			continue
		}
		kept = append(kept, fn)
	}
	idx.functions = kept
}

func (idx *Index) repairLineOverlaps() {
	var kept []LineRow
	for _, row := range idx.lines {
		if len(kept) > 0 && kept[len(kept)-1].Address == row.Address {
			continue
		}
		kept = append(kept, row)
	}
	idx.lines = kept
}

// FunctionAt returns the function containing pc, if any.
func (idx *Index) FunctionAt(pc uint64) *Function {
	i := sort.Search(len(idx.functions), func(i int) bool { return idx.functions[i].LowPC > pc })
	if i == 0 {
		return nil
	}
	fn := idx.functions[i-1]
	if fn.Contains(pc) {
		return fn
	}
	return nil
}

// FunctionByName returns the function with the given name, if indexed.
func (idx *Index) FunctionByName(name string) (*Function, bool) {
	fn, ok := idx.byName[name]
	return fn, ok
}

// LineAt returns the source line row covering pc, if any.
func (idx *Index) LineAt(pc uint64) (LineRow, bool) {
	i := sort.Search(len(idx.lines), func(i int) bool { return idx.lines[i].Address > pc })
	if i == 0 {
		return LineRow{}, false
	}
	row := idx.lines[i-1]
	if pc >= row.Address && (row.NextAddress == 0 || pc < row.NextAddress) {
		return row, true
	}
	return LineRow{}, false
}

// AddressesForLine returns every address whose line table row matches
// file:line exactly, used to resolve a `break file:line` request to
// concrete breakpoint addresses (there may be more than one, e.g. a loop
// header visited by multiple inlined instantiations).
func (idx *Index) AddressesForLine(file string, line int) []uint64 {
	var out []uint64
	for _, row := range idx.lines {
		if row.File == file && row.Line == line {
			out = append(out, row.Address)
		}
	}
	return out
}

// Functions returns every indexed function, sorted by address.
func (idx *Index) Functions() []*Function {
	return idx.functions
}
