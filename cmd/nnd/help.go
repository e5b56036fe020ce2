package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// helpTopics is nnd's topical documentation, grounded on
// JetSetIlly/Gopher2600's `debugger.helps` map (`commands_help.go`): a
// flat topic-name -> long-form text table, here surfaced as `nnd help
// <topic>` subcommands (cobra's own `--help` already covers per-command
// flag usage) rather than a custom in-REPL HELP command, since this
// driver has no REPL of its own to attach one to.
var helpTopics = map[string]string{
	"breakpoints": `Breakpoints stop the debuggee when execution reaches a given address.
A software breakpoint patches a single int3 (0xCC) byte over the target
instruction's first byte and restores the original byte to single-step
over it on resume. Watchpoints instead arm a hardware debug register
(DR0-DR3) to stop on a memory access rather than an address, and so do
not patch code at all.

A breakpoint is written into the debuggee's memory through ptrace at the
moment it is set, so setting one needs the debuggee stopped; a request
made while threads are running fails rather than being held for a later
stop. A thread that has already executed past the patched address does
not stop there.

Hardware watchpoints arm the x86 DR7 control register's per-slot fields:
bit 2n is slot n's local-enable, bits 16+4n and 17+4n are its R/W kind
(00 execute, 01 write, 11 read/write), and bits 18+4n and 19+4n are its
length (00 = 1 byte, 01 = 2, 10 = 8, 11 = 4).`,

	"expressions": `nnd's expression evaluator supports C-like syntax over the debuggee's
live variables: identifiers, member access (. and ->), array indexing,
arithmetic, comparisons, casts (expr as T), and the sizeof/type_of/offsetof
meta-operators. Evaluation is typed against the binary's DWARF type
graph, so a pointer dereference or struct field access resolves the
same way the compiler would have laid it out.

A variable with no location at the current PC (common for optimized
builds) evaluates to an "optimized out" result rather than an error:
member access, arithmetic, comparisons, and casts all short-circuit
through it. The logical operators (!, &&, ||) report an error instead,
since an optimized-out value has no truth value.

Pretty-printers recognize common C++ (libstdc++ vector/map/string/
smart-pointer/optional) and Rust (Vec/HashMap/Option/Box/String) standard
library container layouts and summarize them instead of dumping raw
struct internals.`,

	"config": `nnd reads a ".nnd" YAML config file from the user's home directory
(overridable with --config), merged with NND_-prefixed environment
variable overrides. Recognized keys: debuginfod_urls, symbol_workers,
prefer_hardware_breakpoints, default_step_granularity, color_scheme.
A missing config file is not an error -- built-in defaults apply.`,

	"symbols": `Symbol indexing parses a binary's DWARF debug information (or, for a
stripped binary, fetches it from a debuginfod server using the ELF
build-id) into an address-searchable function/line table and a type
graph used by expression evaluation and pretty-printing. Indexing runs
across a worker pool sized to the CPU count by default (symbol_workers
in config) and can be cancelled mid-build; a cancelled or failed build
never publishes a partial index.`,
}

// newHelpTopicsCmd builds the hidden "help" command group: one
// subcommand per topic in helpTopics, so "nnd help breakpoints" prints
// that topic's Long text via cobra's own help rendering.
func newHelpTopicsCmd() *cobra.Command {
	group := &cobra.Command{
		Use:           "help [topic]",
		Short:         "Show documentation for a specific topic",
		Hidden:        true,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			text, ok := helpTopics[args[0]]
			if !ok {
				return usageErrorf("nnd: no help topic %q (run \"nnd help\" to list topics)", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	for topic, text := range helpTopics {
		group.AddCommand(&cobra.Command{
			Use:   topic,
			Short: fmt.Sprintf("Documentation for %s", topic),
			Long:  text,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), cmd.Long)
			},
		})
	}
	return group
}
