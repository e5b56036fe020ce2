package dwarfread

import "fmt"

// CFIProgram is a decoded Call Frame Information program: a Common
// Information Entry plus the Frame Description Entries that reference it.
// pkg/unwind runs these against a thread's register file to recover the
// caller's registers and CFA at a given PC.
type CFIProgram struct {
	CIEs []*CIE
	FDEs []*FDE
}

// CIE is a Common Information Entry: the part of CFI shared by every FDE
// that points at it (initial instructions, code/data alignment factors,
// the column holding the return address).
type CIE struct {
	Offset                uint64
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte
	FDEEncoding           uint8 // DW_EH_PE_* encoding for FDE start/range, eh_frame only
	LSDAEncoding          uint8
}

// FDE is a Frame Description Entry: the CFI program for one function's
// address range.
type FDE struct {
	Offset       uint64
	CIE          *CIE
	InitialLoc   uint64
	AddressRange uint64
	Instructions []byte
}

// ParseDebugFrame decodes the .debug_frame section.
func (r *Reader) ParseDebugFrame() (*CFIProgram, error) {
	return parseCFISection(r.debugFrame, false, 0)
}

// ParseEHFrame decodes the .eh_frame section. .eh_frame differs from
// .debug_frame in using a 0-based CIE id (vs. 0xffffffff), always pc-relative
// encodings via an augmentation string, and FDEs that reference their CIE by
// a backward byte offset rather than a section offset.
func (r *Reader) ParseEHFrame() (*CFIProgram, error) {
	return parseCFISection(r.ehFrame, true, r.ehFrameAddr)
}

func parseCFISection(data []byte, isEH bool, sectionAddr uint64) (*CFIProgram, error) {
	if data == nil {
		return &CFIProgram{}, nil
	}

	prog := &CFIProgram{}
	cieByOffset := make(map[uint64]*CIE)

	pos := 0
	for pos < len(data) {
		entryStart := pos
		if pos+4 > len(data) {
			break
		}
		length := le32(data[pos : pos+4])
		pos += 4
		if length == 0 {
			break // zero-length terminator
		}
		if length == 0xffffffff {
			return nil, fmt.Errorf("dwarfread: 64-bit DWARF CFI not supported")
		}
		entryEnd := pos + int(length)
		if entryEnd > len(data) {
			return nil, fmt.Errorf("dwarfread: CFI entry overruns section")
		}

		if pos+4 > len(data) {
			break
		}
		cieIDOrOffset := le32(data[pos : pos+4])
		isCIE := cieIDOrOffset == 0xffffffff
		if isEH {
			isCIE = cieIDOrOffset == 0
		}

		if isCIE {
			cie, err := parseCIE(data[pos:entryEnd], uint64(entryStart), isEH)
			if err != nil {
				return nil, err
			}
			prog.CIEs = append(prog.CIEs, cie)
			cieByOffset[uint64(entryStart)] = cie
		} else {
			var cieOff uint64
			if isEH {
				// eh_frame: value is a backward byte offset from the field
				// itself to the CIE start.
				fieldPos := pos
				cieOff = uint64(fieldPos) - uint64(cieIDOrOffset)
			} else {
				cieOff = uint64(cieIDOrOffset)
			}
			cie := cieByOffset[cieOff]
			fde, err := parseFDE(data[pos+4:entryEnd], uint64(entryStart), cie, isEH, sectionAddr, uint64(pos+4))
			if err != nil {
				return nil, err
			}
			prog.FDEs = append(prog.FDEs, fde)
		}

		pos = entryEnd
	}

	return prog, nil
}

func parseCIE(body []byte, offset uint64, isEH bool) (*CIE, error) {
	pos := 4 // skip the CIE-id/0xffffffff field already consumed by caller indexing
	if pos >= len(body) {
		return nil, fmt.Errorf("dwarfread: truncated CIE")
	}
	version := body[pos]
	pos++

	start := pos
	for pos < len(body) && body[pos] != 0 {
		pos++
	}
	aug := string(body[start:pos])
	pos++ // null terminator

	if isEH && containsByte(aug, 'z') {
		// eh_frame augmentation: address size / segment selector size fields
		// absent; instead an augmentation length ULEB follows after the
		// alignment factors and return-address register, per the LSB CFI spec.
	} else if version >= 4 {
		pos += 2 // address_size, segment_selector_size
	}

	caf, n := uleb128(body[pos:])
	pos += n
	daf, n := sleb128(body[pos:])
	pos += n

	var raReg uint64
	if version == 1 {
		if pos >= len(body) {
			return nil, fmt.Errorf("dwarfread: truncated CIE return address register")
		}
		raReg = uint64(body[pos])
		pos++
	} else {
		raReg, n = uleb128(body[pos:])
		pos += n
	}

	cie := &CIE{
		Offset:                offset,
		Version:               version,
		Augmentation:          aug,
		CodeAlignmentFactor:   caf,
		DataAlignmentFactor:   daf,
		ReturnAddressRegister: raReg,
	}

	if containsByte(aug, 'z') {
		augLen, n := uleb128(body[pos:])
		pos += n
		augEnd := pos + int(augLen)
		for _, c := range aug[1:] {
			switch c {
			case 'R':
				if pos < augEnd {
					cie.FDEEncoding = body[pos]
					pos++
				}
			case 'L':
				if pos < augEnd {
					cie.LSDAEncoding = body[pos]
					pos++
				}
			case 'P':
				// personality: encoding byte + encoded pointer, skipped.
				if pos < augEnd {
					enc := body[pos] & 0x0f
					pos++
					switch enc {
					case 0x01, 0x09: // uleb128 / sleb128
						_, n := uleb128(body[pos:])
						pos += n
					case 0x02, 0x0a:
						pos += 2
					case 0x03, 0x0b:
						pos += 4
					default:
						pos += 8
					}
				}
			case 'S':
				// signal frame marker, no data.
			}
		}
		pos = augEnd
	}

	if pos > len(body) {
		pos = len(body)
	}
	cie.InitialInstructions = body[pos:]
	return cie, nil
}

func parseFDE(body []byte, offset uint64, cie *CIE, isEH bool, sectionAddr, fieldAddr uint64) (*FDE, error) {
	if cie == nil {
		return nil, fmt.Errorf("dwarfread: FDE at offset %d references unknown CIE", offset)
	}
	pos := 0
	if pos+8 > len(body) {
		return nil, fmt.Errorf("dwarfread: truncated FDE")
	}
	initialLoc := le64(body[pos : pos+8])
	pos += 8
	addrRange := le64(body[pos : pos+8])
	pos += 8

	if isEH {
		// eh_frame PC-begin fields are typically pc-relative (DW_EH_PE_pcrel):
		// the stored value is an offset from the field's own address.
		initialLoc += sectionAddr + fieldAddr
	}

	if containsByte(cie.Augmentation, 'z') {
		augLen, n := uleb128(body[pos:])
		pos += n
		pos += int(augLen)
	}

	if pos > len(body) {
		pos = len(body)
	}

	return &FDE{
		Offset:       offset,
		CIE:          cie,
		InitialLoc:   initialLoc,
		AddressRange: addrRange,
		Instructions: body[pos:],
	}, nil
}

func containsByte(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}

// FDEForPC returns the FDE covering pc, if any.
func (p *CFIProgram) FDEForPC(pc uint64) *FDE {
	for _, fde := range p.FDEs {
		if pc >= fde.InitialLoc && pc < fde.InitialLoc+fde.AddressRange {
			return fde
		}
	}
	return nil
}
