package session

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nnd-dbg/nnd/pkg/ctrl"
)

// SetBreakpoint resolves location (a bare function name, a "file:line"
// pair, or a "*0xADDR"/"0xADDR" raw address, the three forms §4's
// persisted-state note names: "by file:line or function name, not raw
// address" for the common case, plus the raw form for an ad hoc stop) to
// a concrete address and installs a software breakpoint there. A
// non-empty condition is threaded onto the new Breakpoint's Condition
// field, read back by Continue's per-hit evaluation in session.go.
func (s *Session) SetBreakpoint(location, condition string) (*ctrl.Breakpoint, error) {
	addr, err := s.resolveLocation(location)
	if err != nil {
		return nil, fmt.Errorf("session: set breakpoint at %q: %w", location, err)
	}

	bp, err := s.Controller.AddBreakpoint(addr)
	if err != nil {
		return nil, fmt.Errorf("session: set breakpoint at %q: %w", location, err)
	}
	if condition != "" {
		if err := s.Controller.SetCondition(bp.ID, condition); err != nil {
			return nil, fmt.Errorf("session: set breakpoint condition: %w", err)
		}
	}
	return bp, nil
}

// resolveLocation turns a breakpoint location string into an address
// using the primary binary's symbol index, trying a raw address, then a
// file:line pair, then a bare function name, in that order.
func (s *Session) resolveLocation(location string) (uint64, error) {
	if addr, ok := parseRawAddress(location); ok {
		return addr, nil
	}

	idx, ok := s.PrimaryIndex()
	if !ok {
		return 0, fmt.Errorf("no symbol index loaded")
	}

	if file, line, ok := splitFileLine(location); ok {
		addrs := idx.AddressesForLine(file, line)
		if len(addrs) == 0 {
			return 0, fmt.Errorf("no code at %s:%d", file, line)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		return addrs[0], nil
	}

	fn, ok := idx.FunctionByName(location)
	if !ok {
		return 0, fmt.Errorf("no function %q", location)
	}
	return fn.LowPC, nil
}

// parseRawAddress accepts "*0x..." (gdb's raw-address breakpoint syntax)
// or a bare "0x..." hex literal.
func parseRawAddress(location string) (uint64, bool) {
	s := strings.TrimPrefix(location, "*")
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, false
	}
	addr, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return 0, false
	}
	return addr, true
}

// splitFileLine splits "path/to/file.c:42" on its last colon (a Windows
// drive letter is never a DWARF decl_file on the Linux targets nnd
// supports, so the last colon is unambiguous); the line number must be a
// positive integer or this isn't a file:line location at all.
func splitFileLine(location string) (file string, line int, ok bool) {
	i := strings.LastIndexByte(location, ':')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(location[i+1:])
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return location[:i], n, true
}
