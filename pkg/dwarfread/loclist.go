package dwarfread

import (
	"debug/dwarf"
	"fmt"
)

// LocationExpr is a single DWARF location expression (a sequence of
// DW_OP_* bytes), optionally scoped to an address range within a location
// list. A Location attribute that is a bare expression (not a list) yields
// exactly one LocationExpr whose LoPC/HiPC are zero and which covers every
// PC (Always is true).
type LocationExpr struct {
	Ops    []byte
	LoPC   uint64
	HiPC   uint64
	Always bool
}

// Location resolves the DW_AT_location (or DW_AT_frame_base, DW_AT_data_member_location
// etc.) attribute of e into its location expression(s). DWARF <=4 location
// lists are read from .debug_loc; DWARF5 lists from .debug_loclists.
func (r *Reader) Location(e *dwarf.Entry, attr dwarf.Attr) ([]LocationExpr, error) {
	f := e.AttrField(attr)
	if f == nil {
		return nil, fmt.Errorf("dwarfread: entry has no %v attribute", attr)
	}

	switch v := f.Val.(type) {
	case []byte:
		return []LocationExpr{{Ops: v, Always: true}}, nil
	case int64:
		// DWARF version determines which section the offset indexes into;
		// rather than track per-unit version here, prefer whichever section
		// is actually present (a binary carries .debug_loc XOR .debug_loclists
		// in practice, never both for the same unit).
		if r.loclists != nil {
			return r.decodeLocLists(uint64(v))
		}
		return r.decodeLocClassic(uint64(v))
	default:
		return nil, fmt.Errorf("dwarfread: unexpected location attribute form %T", v)
	}
}

// decodeLocClassic decodes a classic (DWARF2-4) .debug_loc location list:
// pairs of 8-byte addresses (lo, hi), each followed by a 2-byte length and
// that many bytes of location expression. The list ends at a (0,0) pair.
func (r *Reader) decodeLocClassic(off uint64) ([]LocationExpr, error) {
	if r.loc == nil {
		return r.decodeLocLists(off)
	}
	if off >= uint64(len(r.loc)) {
		return nil, fmt.Errorf("dwarfread: loc offset out of range")
	}
	var out []LocationExpr
	buf := r.loc[off:]
	pos := 0
	var base uint64
	for pos+16 <= len(buf) {
		lo := le64(buf[pos : pos+8])
		hi := le64(buf[pos+8 : pos+16])
		pos += 16
		if lo == 0 && hi == 0 {
			break
		}
		if lo == ^uint64(0) {
			base = hi
			continue
		}
		if pos+2 > len(buf) {
			break
		}
		length := int(buf[pos]) | int(buf[pos+1])<<8
		pos += 2
		if pos+length > len(buf) {
			break
		}
		out = append(out, LocationExpr{
			Ops:  buf[pos : pos+length],
			LoPC: base + lo,
			HiPC: base + hi,
		})
		pos += length
	}
	return out, nil
}

// decodeLocLists decodes a DWARF5 .debug_loclists entry: a stream of
// DW_LLE_* records terminated by DW_LLE_end_of_list.
func (r *Reader) decodeLocLists(off uint64) ([]LocationExpr, error) {
	if r.loclists == nil || off >= uint64(len(r.loclists)) {
		return nil, fmt.Errorf("dwarfread: loclists offset out of range")
	}
	var out []LocationExpr
	buf := r.loclists[off:]
	pos := 0
	var base uint64
	for pos < len(buf) {
		kind := buf[pos]
		pos++
		switch kind {
		case lleEndOfList:
			return out, nil
		case lleBaseAddress:
			if pos+8 > len(buf) {
				return out, nil
			}
			base = le64(buf[pos : pos+8])
			pos += 8
		case lleOffsetPair:
			lo, n := uleb128(buf[pos:])
			pos += n
			hi, n := uleb128(buf[pos:])
			pos += n
			length, n := uleb128(buf[pos:])
			pos += n
			if pos+int(length) > len(buf) {
				return out, nil
			}
			out = append(out, LocationExpr{
				Ops:  buf[pos : pos+int(length)],
				LoPC: base + lo,
				HiPC: base + hi,
			})
			pos += int(length)
		case lleStartLength:
			if pos+8 > len(buf) {
				return out, nil
			}
			lo := le64(buf[pos : pos+8])
			pos += 8
			length1, n := uleb128(buf[pos:])
			pos += n
			length, n := uleb128(buf[pos:])
			pos += n
			if pos+int(length) > len(buf) {
				return out, nil
			}
			out = append(out, LocationExpr{
				Ops:  buf[pos : pos+int(length)],
				LoPC: lo,
				HiPC: lo + length1,
			})
			pos += int(length)
		case lleStartEnd:
			if pos+16 > len(buf) {
				return out, nil
			}
			lo := le64(buf[pos : pos+8])
			hi := le64(buf[pos+8 : pos+16])
			pos += 16
			length, n := uleb128(buf[pos:])
			pos += n
			if pos+int(length) > len(buf) {
				return out, nil
			}
			out = append(out, LocationExpr{Ops: buf[pos : pos+int(length)], LoPC: lo, HiPC: hi})
			pos += int(length)
		default:
			// Unsupported index-based forms (DW_LLE_startx_*, base_addressx):
			// requires .debug_addr indirection we don't resolve here.
			return out, nil
		}
	}
	return out, nil
}

// DWARF5 location list entry kinds (DW_LLE_*).
const (
	lleEndOfList   = 0x00
	lleOffsetPair  = 0x04
	lleBaseAddress = 0x06
	lleStartEnd    = 0x07
	lleStartLength = 0x08
)
