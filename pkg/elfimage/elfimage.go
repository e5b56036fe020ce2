// Package elfimage loads ELF64 executables and exposes the sections, symbol
// table, and build-id the rest of nnd needs to locate debug information.
package elfimage

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Binary is an attached ELF image at a known load bias.
type Binary struct {
	Path     string
	BuildID  string
	LoadBias uint64
	TextLo   uint64
	TextHi   uint64

	file     *elf.File
	sections map[string]*elf.Section

	// DebugFile is a separately loaded file carrying the actual DWARF data,
	// found via .gnu_debuglink or a build-id path. Nil if debug info lives
	// in the main file.
	DebugFile *Binary
}

// Open parses the ELF headers and section table of path. It does not load
// DWARF; see pkg/dwarfread for that.
func Open(path string) (*Binary, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfimage: open %s: %w", path, err)
	}
	return fromFile(path, f)
}

func fromFile(path string, f *elf.File) (*Binary, error) {
	if f.Class != elf.ELFCLASS64 {
		f.Close()
		return nil, fmt.Errorf("elfimage: %s is not ELF64", path)
	}

	b := &Binary{
		Path:     path,
		file:     f,
		sections: make(map[string]*elf.Section),
	}
	for _, s := range f.Sections {
		b.sections[s.Name] = s
	}

	b.BuildID = readBuildID(f)

	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 {
			lo := prog.Vaddr
			hi := prog.Vaddr + prog.Memsz
			if b.TextHi == 0 || hi > b.TextHi {
				b.TextHi = hi
			}
			if b.TextLo == 0 || lo < b.TextLo {
				b.TextLo = lo
			}
		}
	}

	return b, nil
}

// Close releases the underlying file handle.
func (b *Binary) Close() error {
	if b.file == nil {
		return nil
	}
	return b.file.Close()
}

// ELF returns the underlying stdlib ELF handle, for packages (dwarfread,
// symtab) that need raw section access or DWARF() itself.
func (b *Binary) ELF() *elf.File {
	return b.file
}

// Section returns the named section's decompressed bytes. It transparently
// handles SHF_COMPRESSED sections (stdlib elf.Section.Data does this
// already) and the legacy ".zdebug_*" naming convention, which stdlib does
// not decompress on its own.
func (b *Binary) Section(name string) ([]byte, bool) {
	if s, ok := b.sections[name]; ok {
		data, err := s.Data()
		if err != nil {
			return nil, false
		}
		return data, true
	}

	if strings.HasPrefix(name, ".debug_") {
		zname := ".z" + name[1:]
		if s, ok := b.sections[zname]; ok {
			data, err := decompressZdebug(s)
			if err != nil {
				return nil, false
			}
			return data, true
		}
	}

	return nil, false
}

// decompressZdebug decompresses a legacy ".zdebug_*" section: the first 4
// bytes are "ZLIB", followed by an 8-byte big-endian uncompressed size, then
// a zlib stream.
func decompressZdebug(s *elf.Section) ([]byte, error) {
	raw, err := s.Data()
	if err != nil {
		return nil, err
	}
	if len(raw) < 12 || string(raw[:4]) != "ZLIB" {
		return raw, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(raw[12:]))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Symbols returns the ELF symbol table (dynamic symbols included if the
// static table is stripped), sorted by value.
func (b *Binary) Symbols() ([]elf.Symbol, error) {
	syms, err := b.file.Symbols()
	if err != nil || len(syms) == 0 {
		dynSyms, dynErr := b.file.DynamicSymbols()
		if dynErr != nil {
			if err != nil {
				return nil, fmt.Errorf("elfimage: no symbol table: %w", err)
			}
			return nil, dynErr
		}
		syms = dynSyms
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Value < syms[j].Value })
	return syms, nil
}

// readBuildID extracts the GNU build-id from .note.gnu.build-id, if present.
func readBuildID(f *elf.File) string {
	s := f.Section(".note.gnu.build-id")
	if s == nil {
		return ""
	}
	data, err := s.Data()
	if err != nil {
		return ""
	}
	return parseBuildIDNote(data)
}

// parseBuildIDNote parses an ELF note section looking for NT_GNU_BUILD_ID
// (type 3) with owner "GNU", returning the hex-encoded build-id.
func parseBuildIDNote(data []byte) string {
	for len(data) >= 12 {
		nameSz := le32(data[0:4])
		descSz := le32(data[4:8])
		noteType := le32(data[8:12])
		off := 12
		nameEnd := off + align4(int(nameSz))
		descStart := nameEnd
		descEnd := descStart + align4(int(descSz))
		if descEnd > len(data) || nameEnd > len(data) {
			return ""
		}
		name := data[off:off+int(nameSz)]
		if noteType == 3 && len(name) >= 3 && string(name[:3]) == "GNU" {
			desc := data[descStart : descStart+int(descSz)]
			return hex.EncodeToString(desc)
		}
		data = data[descEnd:]
	}
	return ""
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// DebugLink returns the file name and expected CRC32 recorded in
// .gnu_debuglink, if the section is present.
func (b *Binary) DebugLink() (name string, crc uint32, ok bool) {
	data, has := b.Section(".gnu_debuglink")
	if !has {
		return "", 0, false
	}
	idx := bytes.IndexByte(data, 0)
	if idx < 0 {
		return "", 0, false
	}
	name = string(data[:idx])
	crcOff := align4(idx + 1)
	if crcOff+4 > len(data) {
		return "", 0, false
	}
	crc = le32(data[crcOff : crcOff+4])
	return name, crc, true
}

// BuildIDDebugPath returns the conventional separate-debug-file path for a
// build-id, e.g. /usr/lib/debug/.build-id/ab/cdef....debug.
func BuildIDDebugPath(buildID string) (string, bool) {
	if len(buildID) < 3 {
		return "", false
	}
	return "/usr/lib/debug/.build-id/" + buildID[:2] + "/" + buildID[2:] + ".debug", true
}

// LoadSeparateDebugFile attempts to locate and open the separate debug file
// for b, trying (in order) the build-id path and the .gnu_debuglink name
// next to the binary. It does not attempt a debuginfod fetch; callers that
// want that should fall back to pkg/debuginfod on failure.
func (b *Binary) LoadSeparateDebugFile() error {
	if path, ok := BuildIDDebugPath(b.BuildID); ok {
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			dbg, err := Open(path)
			if err == nil {
				b.DebugFile = dbg
				return nil
			}
		}
	}

	if name, _, ok := b.DebugLink(); ok {
		dir := dirOf(b.Path)
		candidate := dir + "/" + name
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			dbg, err := Open(candidate)
			if err == nil {
				b.DebugFile = dbg
				return nil
			}
		}
	}

	return fmt.Errorf("elfimage: no separate debug file found for %s", b.Path)
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

// DWARFSource returns the Binary that actually carries DWARF sections: the
// separate debug file if one was loaded, otherwise b itself.
func (b *Binary) DWARFSource() *Binary {
	if b.DebugFile != nil {
		return b.DebugFile
	}
	return b
}
