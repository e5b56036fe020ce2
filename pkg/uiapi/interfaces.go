// Package uiapi defines nnd's TUI collaborator contract: the narrow
// interface a presentation layer (out of scope for this module) implements,
// and the outbound-only event queue the core posts to instead of ever
// calling into the TUI synchronously. This is the direct generalization of
// cucaracha's `debugger.DebuggerUI`/`debugger.DebuggerCommands` interfaces
// in `debugger/interfaces.go`, re-targeted from a toy 32-bit CPU's register
// set to nnd's 64-bit process/symbol/frame model, and split so that the
// core never depends on a concrete UI: it posts Event values to a Queue
// that any UI implementation drains at its own pace (§5: "UI -> controller
// requests are asynchronous... the core never calls into the TUI except by
// posting events to an outbound queue").
package uiapi

import "fmt"

// RegisterInfo is one named register's value, shown in a registers panel.
type RegisterInfo struct {
	Name  string
	Value uint64
}

// Frame is one displayable stack frame (physical or inlined).
type Frame struct {
	PC       uint64
	Function string
	File     string
	Line     int
	Inlined  bool
}

// SourceLine is one line of source code shown in a source panel.
type SourceLine struct {
	LineNumber    int
	Text          string
	IsCurrent     bool
	HasBreakpoint bool
}

// BreakpointInfo is a breakpoint's display-relevant state.
type BreakpointInfo struct {
	ID         int
	Address    uint64
	Enabled    bool
	HitCount   int
	SourceFile string
	SourceLine int
	Condition  string
}

// VariableValue is one variable's formatted display state: its name,
// declared type name, formatted value, and source location string,
// mirroring cucaracha's VariableValue but produced by pkg/evalexpr and
// pkg/prettyprint rather than a fixed switch over machine scalars.
type VariableValue struct {
	Name         string
	TypeName     string
	ValueString  string
	Location     string
	OptimizedOut bool
}

// MessageLevel indicates the severity of a ShowMessage call.
type MessageLevel int

const (
	LevelInfo MessageLevel = iota
	LevelSuccess
	LevelWarning
	LevelError
)

// DebuggerUI is the interface a presentation layer implements. The core
// never calls these methods directly — it posts Event values to a Queue,
// and it is the UI's own event-drain loop (outside this module's scope)
// that turns a drained Event into a call to one of these Show* methods.
// The interface exists here only to pin the contract's shape, the same way
// cucaracha's DebuggerUI pinned the shape its controller.go expected.
type DebuggerUI interface {
	ShowMessage(level MessageLevel, format string, args ...interface{})
	ShowRegisters(regs []RegisterInfo)
	ShowBacktrace(frames []Frame)
	ShowSource(file string, lines []SourceLine, currentLine int)
	ShowBreakpoints(breakpoints []BreakpointInfo)
	ShowVariables(variables []VariableValue)
	ShowEvalResult(expr string, valueString string, err error)

	// Prompt requests free-form input; PromptConfirm requests a yes/no
	// confirmation. Both block the calling (UI-owned) goroutine, never the
	// ptrace or symbol-worker threads.
	Prompt(prompt string) (string, error)
	PromptConfirm(message string) bool
}

// CommandID identifies one submitted command so its eventual completion
// (delivered as an Event, not a return value) can be matched back to the
// request that caused it.
type CommandID uint64

// Request is one command submitted by the UI: a name plus string
// arguments, exactly as typed at a prompt, deferring all parsing to the
// command's handler the same way cucaracha's DebuggerCommands methods
// each parsed their own []string args.
type Request struct {
	ID   CommandID
	Name string
	Args []string
}

// Commands is the generalization of cucaracha's DebuggerCommands: one
// method per command family, but every method here is a non-blocking
// submission that returns immediately with a CommandID — the actual
// result arrives later as an Event on the Queue, carrying that same
// CommandID, instead of being returned synchronously as cucaracha's
// CmdStep/CmdPrint/etc. did for an in-process interpreter with no
// meaningful latency.
type Commands interface {
	Step(count int) CommandID
	Continue() CommandID
	Run() CommandID
	Interrupt() CommandID
	Print(expr string) CommandID
	SetVar(expr string, value string) CommandID
	Break(location string, condition string) CommandID
	Watch(expr string) CommandID
	Delete(id int) CommandID
	Disasm(addr uint64, count int) CommandID
	Memory(addr uint64, count int) CommandID
	Source(contextLines int) CommandID
	Eval(expr string) CommandID
	Registers() CommandID
	Backtrace() CommandID
	Variables() CommandID
	ListBreakpoints() CommandID
}

// String renders a Request for logging, matching the terse one-line
// log style the rest of the module uses for inbound/outbound traffic.
func (r Request) String() string {
	return fmt.Sprintf("#%d %s %v", r.ID, r.Name, r.Args)
}
