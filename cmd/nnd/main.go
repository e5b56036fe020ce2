// Command nnd is a ptrace-based debugger for native 64-bit x86 Linux
// programs: process control, ELF/DWARF symbol resolution, DWARF-CFI stack
// unwinding, and a typed expression evaluator, all driven through
// pkg/session.Session. This binary's own command loop is a minimal,
// non-interactive driver -- the interactive terminal UI is an external
// collaborator against pkg/uiapi, out of scope for this repository (see
// SPEC_FULL.md's external-interfaces section).
package main

import "os"

func main() {
	os.Exit(run())
}
