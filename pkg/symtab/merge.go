package symtab

// MergeResult summarizes what happened when a newly-built Index replaces an
// older one — used by the process controller when a shared library is
// loaded or unloaded mid-session and its symbols need adding/removing
// without rebuilding every other loaded module's index.
type MergeResult struct {
	Added   int
	Removed int
}

// Merge combines other into idx, applying the same narrower-range-wins
// overlap policy NewIndex uses, and returns counts of what changed. The
// type graphs of idx and other are assumed to already share numbering
// (both built by the same symtab.Builder instance across Load calls for a
// multi-module program) — merging graphs built independently is not
// supported and would require an id-remapping pass this package does not
// implement, since nnd only ever builds one shared typegraph.Graph per
// process (see Builder.graph).
func (idx *Index) Merge(other *Index) MergeResult {
	result := MergeResult{}

	existing := make(map[uint64]bool, len(idx.functions))
	for _, fn := range idx.functions {
		existing[fn.LowPC] = true
	}

	for _, fn := range other.functions {
		if existing[fn.LowPC] {
			continue
		}
		idx.functions = append(idx.functions, fn)
		if fn.Name != "" {
			idx.byName[fn.Name] = fn
		}
		result.Added++
	}

	idx.lines = append(idx.lines, other.lines...)
	idx.Units = append(idx.Units, other.Units...)

	rebuilt := NewIndex(idx.Units, idx.Types)
	idx.functions = rebuilt.functions
	idx.lines = rebuilt.lines
	idx.byName = rebuilt.byName

	return result
}

// Remove drops every function/line belonging to unit from idx, used when a
// shared library is unloaded. Returns the number of functions removed.
func (idx *Index) Remove(unit *Unit) int {
	removed := 0
	var units []*Unit
	for _, u := range idx.Units {
		if u == unit {
			removed = len(u.Functions)
			continue
		}
		units = append(units, u)
	}
	idx.Units = units
	rebuilt := NewIndex(units, idx.Types)
	idx.functions = rebuilt.functions
	idx.lines = rebuilt.lines
	idx.byName = rebuilt.byName
	return removed
}
