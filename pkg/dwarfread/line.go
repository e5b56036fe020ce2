package dwarfread

import "debug/dwarf"

// LineEntry is a single row of a compilation unit's resolved line table,
// covering [Address, NextAddress) — a wider-than-stdlib view since stdlib's
// dwarf.LineEntry is one-row-at-a-time and doesn't carry the row's address
// span, which pkg/symtab needs to build an address-sorted index.
type LineEntry struct {
	Address     uint64
	NextAddress uint64
	File        string
	Line        int
	Column      int
	IsStmt      bool
	EndSequence bool
}

// LineTable reads every row of cu's line program and returns them in
// line-program order (not sorted; pkg/symtab.NewIndex sorts the merged
// rows), each row's NextAddress set to the following row's address (0 for
// the last row), mirroring what cucaracha's
// parseLineInfo did by hand for its toy ISA: walk the program allocating
// the distance to the following row as this row's coverage.
func (r *Reader) LineTable(cu *dwarf.Entry) ([]LineEntry, error) {
	lr, err := r.LineReaderFor(cu)
	if err != nil {
		return nil, err
	}

	var rows []LineEntry
	var entry dwarf.LineEntry
	for {
		err := lr.Next(&entry)
		if err != nil {
			break
		}
		file := ""
		if entry.File != nil {
			file = entry.File.Name
		}
		rows = append(rows, LineEntry{
			Address:     entry.Address,
			File:        file,
			Line:        entry.Line,
			Column:      entry.Column,
			IsStmt:      entry.IsStmt,
			EndSequence: entry.EndSequence,
		})
	}

	for i := 0; i < len(rows)-1; i++ {
		rows[i].NextAddress = rows[i+1].Address
	}

	return rows, nil
}
