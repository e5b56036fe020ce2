// Package dwarfread extends the stdlib debug/dwarf reader with the pieces
// nnd needs that stdlib does not expose: a CFI (call frame information)
// reader over .debug_frame/.eh_frame, DWARF5 location and range lists, and
// a per-compilation-unit entry walk shaped for parallel indexing.
package dwarfread

import (
	"debug/dwarf"
	"fmt"

	"github.com/nnd-dbg/nnd/pkg/elfimage"
)

// Reader wraps a parsed DWARF data section plus the raw CFI/loclist/rnglist
// sections stdlib does not parse on its own.
type Reader struct {
	Data *dwarf.Data

	debugFrame  []byte
	ehFrame     []byte
	ehFrameAddr uint64
	loclists    []byte
	rnglists    []byte
	loc         []byte
	ranges      []byte
	strOffsets  []byte
	addr        []byte
	str         []byte

	bin *elfimage.Binary
}

// Open builds a Reader from the ELF binary that actually carries DWARF
// sections (bin.DWARFSource()).
func Open(bin *elfimage.Binary) (*Reader, error) {
	src := bin.DWARFSource()
	data, err := src.ELF().DWARF()
	if err != nil {
		return nil, fmt.Errorf("dwarfread: %w", err)
	}

	r := &Reader{Data: data, bin: src}
	r.debugFrame, _ = src.Section(".debug_frame")
	r.ehFrame, _ = src.Section(".eh_frame")
	r.loclists, _ = src.Section(".debug_loclists")
	r.rnglists, _ = src.Section(".debug_rnglists")
	r.loc, _ = src.Section(".debug_loc")
	r.ranges, _ = src.Section(".debug_ranges")
	r.strOffsets, _ = src.Section(".debug_str_offsets")
	r.addr, _ = src.Section(".debug_addr")
	r.str, _ = src.Section(".debug_str")

	if eh := src.ELF().Section(".eh_frame"); eh != nil {
		r.ehFrameAddr = eh.Addr
	}

	return r, nil
}

// Unit pairs a dwarf.Reader positioned at a compilation unit's root DIE
// with that unit's offset, for code that needs to re-seek into it later
// (e.g. the symtab builder's parallel per-CU workers).
type Unit struct {
	Root   *dwarf.Entry
	Offset dwarf.Offset
}

// Units returns the root DIE of every compilation unit in the program,
// without descending into children. Callers construct their own
// dwarf.Reader via Reader.EntryReader and seek to Offset to walk a unit's
// children; this split lets symtab parallelize per-unit work.
func (r *Reader) Units() ([]Unit, error) {
	var units []Unit
	rdr := r.Data.Reader()
	for {
		entry, err := rdr.Next()
		if err != nil {
			return nil, fmt.Errorf("dwarfread: reading unit headers: %w", err)
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}
		units = append(units, Unit{Root: entry, Offset: entry.Offset})
		rdr.SkipChildren()
	}
	return units, nil
}

// EntryReader returns a fresh dwarf.Reader over the whole .debug_info
// section. Safe to call concurrently from multiple goroutines, each with
// its own reader — stdlib's dwarf.Data.Reader() allocates a new reader
// struct per call and shares only the read-only parsed abbrev/type caches.
func (r *Reader) EntryReader() *dwarf.Reader {
	return r.Data.Reader()
}

// SeekTo returns a reader positioned at off, ready to read the entry there
// and its children.
func (r *Reader) SeekTo(off dwarf.Offset) (*dwarf.Reader, error) {
	rdr := r.Data.Reader()
	rdr.Seek(off)
	return rdr, nil
}

// LineReaderFor returns stdlib's line-table reader for the compilation
// unit rooted at cu.
func (r *Reader) LineReaderFor(cu *dwarf.Entry) (*dwarf.LineReader, error) {
	lr, err := r.Data.LineReader(cu)
	if err != nil {
		return nil, fmt.Errorf("dwarfread: line reader: %w", err)
	}
	return lr, nil
}

// Ranges resolves the DW_AT_ranges or DW_AT_low_pc/DW_AT_high_pc attributes
// of an entry into a set of [low, high) address intervals. It understands
// both the classic .debug_ranges representation used by DWARF<=4 (which
// stdlib's dwarf.Data.Ranges already decodes) and falls back to that
// helper, since DWARF5 .debug_rnglists support landed in stdlib for modern
// Go toolchains; rnglistsFallback below handles the rare case where a
// producer emits rnglists the linked stdlib version can't parse natively.
func (r *Reader) Ranges(e *dwarf.Entry) ([][2]uint64, error) {
	ranges, err := r.Data.Ranges(e)
	if err != nil {
		return r.rnglistsFallback(e)
	}
	out := make([][2]uint64, len(ranges))
	for i, rg := range ranges {
		out[i] = [2]uint64{rg[0], rg[1]}
	}
	return out, nil
}

// rnglistsFallback hand-decodes a DW_AT_ranges value that points into
// .debug_rnglists using the DWARF5 rnglist table format, for producers or
// Go toolchain versions where stdlib's Ranges() does not cover it.
func (r *Reader) rnglistsFallback(e *dwarf.Entry) ([][2]uint64, error) {
	f := e.AttrField(dwarf.AttrRanges)
	if f == nil {
		return nil, fmt.Errorf("dwarfread: entry has no ranges attribute")
	}
	off, ok := f.Val.(int64)
	if !ok {
		return nil, fmt.Errorf("dwarfread: unexpected ranges attribute form")
	}
	return decodeRngList(r.rnglists, uint64(off))
}

func decodeRngList(data []byte, off uint64) ([][2]uint64, error) {
	if off >= uint64(len(data)) {
		return nil, fmt.Errorf("dwarfread: rnglist offset out of range")
	}
	var out [][2]uint64
	buf := data[off:]
	var base uint64
	pos := 0
	for pos < len(buf) {
		kind := buf[pos]
		pos++
		switch kind {
		case rleEndOfList:
			return out, nil
		case rleBaseAddressx:
			_, n := uleb128(buf[pos:])
			pos += n
		case rleStartxEndx:
			_, n := uleb128(buf[pos:])
			pos += n
			_, n = uleb128(buf[pos:])
			pos += n
		case rleStartxLength:
			_, n := uleb128(buf[pos:])
			pos += n
			length, n := uleb128(buf[pos:])
			pos += n
			_ = length
		case rleOffsetPair:
			lo, n := uleb128(buf[pos:])
			pos += n
			hi, n := uleb128(buf[pos:])
			pos += n
			out = append(out, [2]uint64{base + lo, base + hi})
		case rleBaseAddress:
			if pos+8 > len(buf) {
				return out, nil
			}
			base = le64(buf[pos : pos+8])
			pos += 8
		case rleStartEnd:
			if pos+16 > len(buf) {
				return out, nil
			}
			lo := le64(buf[pos : pos+8])
			hi := le64(buf[pos+8 : pos+16])
			out = append(out, [2]uint64{lo, hi})
			pos += 16
		case rleStartLength:
			if pos+8 > len(buf) {
				return out, nil
			}
			lo := le64(buf[pos : pos+8])
			pos += 8
			length, n := uleb128(buf[pos:])
			pos += n
			out = append(out, [2]uint64{lo, lo + length})
		default:
			return out, nil
		}
	}
	return out, nil
}

// DWARF5 range list entry kinds (DW_RLE_*).
const (
	rleEndOfList    = 0x00
	rleBaseAddressx = 0x01
	rleStartxEndx   = 0x02
	rleStartxLength = 0x03
	rleOffsetPair   = 0x04
	rleBaseAddress  = 0x05
	rleStartEnd     = 0x06
	rleStartLength  = 0x07
)

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func uleb128(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	var i int
	for i = 0; i < len(b); i++ {
		Byte := b[i]
		result |= uint64(Byte&0x7f) << shift
		if Byte&0x80 == 0 {
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
	var byt byte
	for i = 0; i < len(b); i++ {
		byt = b[i]
		result |= int64(byt&0x7f) << shift
		shift += 7
		if byt&0x80 == 0 {
			i++
			break
		}
	}
	if shift < 64 && byt&0x40 != 0 {
		result |= -1 << shift
	}
	return result, i
}
