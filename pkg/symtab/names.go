package symtab

import (
	"sort"
	"strings"
)

// ResolveSymbol looks up name first as an exact function name, then — if it
// contains no "::" or "." scope separator and there is exactly one function
// whose base name (after the last separator) matches — as an unqualified
// reference into any namespace/class. This mirrors cucaracha's
// `ResolveSymbol`/`resolveAddressOrSymbol` fallback chain (check debug-info
// variables/functions at the current PC, then fall back to a looser global
// lookup) generalized from a flat symbol table to qualified C++ names.
func (idx *Index) ResolveSymbol(name string) (*Function, bool) {
	if fn, ok := idx.byName[name]; ok {
		return fn, true
	}
	if strings.ContainsAny(name, ":.") {
		return nil, false
	}

	var match *Function
	count := 0
	for qualified, fn := range idx.byName {
		if baseName(qualified) == name {
			match = fn
			count++
		}
	}
	if count == 1 {
		return match, true
	}
	return nil, false
}

func baseName(qualified string) string {
	if i := strings.LastIndex(qualified, "::"); i >= 0 {
		return qualified[i+2:]
	}
	if i := strings.LastIndex(qualified, "."); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}

// SourceFiles returns the set of distinct source file names referenced by
// any unit's line table, sorted lexically — used to populate a `list
// <file>` command's completion candidates.
func (idx *Index) SourceFiles() []string {
	seen := make(map[string]bool)
	var files []string
	for _, u := range idx.Units {
		for _, row := range u.Lines {
			if row.File != "" && !seen[row.File] {
				seen[row.File] = true
				files = append(files, row.File)
			}
		}
	}
	sort.Strings(files)
	return files
}
