// Package session implements nnd's single explicit owner object: the
// `Session` type threaded through every operation that holds the loaded
// binaries, their symbol indices, the process controller, and the
// breakpoint/watch table. Per §9 ("Global state... no ambient
// singletons"), nothing else in the module keeps package-level mutable
// state — every entry point a TUI or CLI calls takes a *Session.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nnd-dbg/nnd/pkg/asyncwork"
	"github.com/nnd-dbg/nnd/pkg/ctrl"
	"github.com/nnd-dbg/nnd/pkg/debuginfod"
	"github.com/nnd-dbg/nnd/pkg/dwarfread"
	"github.com/nnd-dbg/nnd/pkg/elfimage"
	"github.com/nnd-dbg/nnd/pkg/evalexpr"
	"github.com/nnd-dbg/nnd/pkg/symtab"
	"github.com/nnd-dbg/nnd/pkg/uiapi"
	"github.com/nnd-dbg/nnd/pkg/unwind"
)

// loadedBinary groups a binary's ELF image with the symbol index built
// over it; indexing happens asynchronously, so Index is nil until the
// corresponding asyncwork job completes.
type loadedBinary struct {
	Binary *elfimage.Binary
	Index  *symtab.Index
	CFI    *dwarfread.CFIProgram
}

// Session owns one debugging session end to end: the target process (via
// pkg/ctrl.Controller), every loaded binary and its symbol index, the
// outbound UI event queue, and the cancellation/worker-pool machinery
// symbol loads run on. Every mutating method takes its lock, matching the
// spec's "single short-hold mutex for breakpoint metadata... no lock held
// across a blocking wait" rule — the lock here guards the Binaries/Indexes
// maps, not ctrl.Controller's own internal state, which has its own mutex
// and dedicated ptrace goroutine.
type Session struct {
	mu sync.Mutex

	Config     *Config
	Controller *ctrl.Controller
	Events     *uiapi.Queue
	Debuginfod debuginfod.Client
	Logger     *slog.Logger

	cancels *asyncwork.Manager

	binaries map[string]*loadedBinary // path -> loaded binary + index
	nextCmd  uint64
}

// New creates a Session with no attached process and no loaded binaries.
// logger defaults to slog.Default() if nil, so every component accepting
// an *slog.Logger (per SPEC_FULL.md's ambient-types note) has something
// to log through even before a caller wires up structured output.
func New(cfg *Config, logger *slog.Logger) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		Config:     cfg,
		Controller: ctrl.New(),
		Events:     uiapi.NewQueue(),
		Debuginfod: debuginfod.NewHTTPClient(cfg.DebuginfodURLs),
		Logger:     logger,
		cancels:    asyncwork.NewManager(),
		binaries:   make(map[string]*loadedBinary),
	}
}

// nextCommandID hands out a strictly increasing uiapi.CommandID for
// Commands-interface submissions; callers outside this package never
// construct a CommandID themselves.
func (s *Session) nextCommandID() uiapi.CommandID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCmd++
	return uiapi.CommandID(s.nextCmd)
}

// LoadBinary opens path's ELF headers (but not DWARF — see LoadSymbols)
// and registers it as a tracked binary, posting EventSymbolsLoading so a
// UI can show a "loading..." indicator even before indexing starts.
func (s *Session) LoadBinary(path string) (*elfimage.Binary, error) {
	bin, err := elfimage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("session: load binary %s: %w", path, err)
	}

	s.mu.Lock()
	s.binaries[path] = &loadedBinary{Binary: bin}
	s.mu.Unlock()

	s.Events.Post(uiapi.Event{Kind: uiapi.EventSymbolsLoading, BinaryPath: path})
	return bin, nil
}

// LoadSymbols parses path's DWARF and builds its symbol index across the
// session's worker pool, per §5's "symbol worker pool sized to CPU count."
// Cancelling ctx (or a later call to CancelLoad with the same name)
// suspends the build at the next compilation-unit boundary and discards
// its partial index atomically, never publishing a half-built one.
func (s *Session) LoadSymbols(ctx context.Context, path string) error {
	s.mu.Lock()
	lb, ok := s.binaries[path]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: %s is not a loaded binary", path)
	}

	reader, err := dwarfread.Open(lb.Binary)
	if err != nil {
		return fmt.Errorf("session: open DWARF for %s: %w", path, err)
	}

	cfi, err := reader.ParseEHFrame()
	if err != nil || cfi == nil || len(cfi.FDEs) == 0 {
		if dbgCFI, dbgErr := reader.ParseDebugFrame(); dbgErr == nil {
			cfi = dbgCFI
		}
	}

	runCtx := s.cancels.Start(ctx, path)
	builder := symtab.NewBuilder(reader, s.Config.SymbolWorkers)
	idx, err := builder.Build(runCtx)
	s.cancels.Done(path)
	if err != nil {
		s.Events.Post(uiapi.Event{Kind: uiapi.EventError, BinaryPath: path, Text: err.Error()})
		return fmt.Errorf("session: build symbol index for %s: %w", path, err)
	}

	s.mu.Lock()
	lb.Index = idx
	lb.CFI = cfi
	s.mu.Unlock()

	s.Events.Post(uiapi.Event{Kind: uiapi.EventSymbolsLoaded, BinaryPath: path})
	return nil
}

// CancelLoad cancels an in-flight LoadSymbols call for path, if any.
func (s *Session) CancelLoad(path string) {
	s.cancels.Cancel(path)
}

// Binary returns the loaded ELF image for path, if any.
func (s *Session) Binary(path string) (*elfimage.Binary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lb, ok := s.binaries[path]
	if !ok {
		return nil, false
	}
	return lb.Binary, true
}

// Index returns the built symbol index for path, or false if indexing
// hasn't completed (or wasn't started) yet.
func (s *Session) Index(path string) (*symtab.Index, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lb, ok := s.binaries[path]
	if !ok || lb.Index == nil {
		return nil, false
	}
	return lb.Index, true
}

// PrimaryIndex returns the symbol index of the first loaded binary with a
// completed index — the common case of a single-executable debug session,
// where callers don't want to track a path themselves.
func (s *Session) PrimaryIndex() (*symtab.Index, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lb := range s.binaries {
		if lb.Index != nil {
			return lb.Index, true
		}
	}
	return nil, false
}

// Attach attaches to an already-running process, posting an EventStopped
// once the initial ptrace-stop is observed.
func (s *Session) Attach(pid int) error {
	t, err := s.Controller.Attach(pid)
	if err != nil {
		return fmt.Errorf("session: attach to pid %d: %w", pid, err)
	}
	s.Events.Post(uiapi.Event{Kind: uiapi.EventStopped, ThreadID: t.TID, StopReason: "attach"})
	return nil
}

// Launch starts argv as a new traced process.
func (s *Session) Launch(argv, env []string, dir string) error {
	t, err := s.Controller.Launch(argv, env, dir)
	if err != nil {
		return fmt.Errorf("session: launch %v: %w", argv, err)
	}
	s.Events.Post(uiapi.Event{Kind: uiapi.EventStopped, ThreadID: t.TID, StopReason: "launch"})
	return nil
}

// Unwind walks the call stack of thread tid starting from its current
// registers, consulting the CFI of whichever loaded binary's text range
// contains the current PC.
func (s *Session) Unwind(tid int) ([]unwind.Frame, error) {
	t, ok := s.Controller.Thread(tid)
	if !ok {
		return nil, fmt.Errorf("session: no such thread %d", tid)
	}
	regs, err := t.Regs()
	if err != nil {
		return nil, fmt.Errorf("session: read registers for thread %d: %w", tid, err)
	}

	idx, ok := s.PrimaryIndex()
	if !ok {
		return nil, fmt.Errorf("session: no symbol index loaded")
	}

	u := unwind.New(s.cfiLookup, idx, s.Controller)
	initial := map[uint64]uint64{
		unwind.RegRIP: regs.Rip,
		unwind.RegRSP: regs.Rsp,
		unwind.RegRBP: regs.Rbp,
	}
	return u.Walk(initial)
}

// cfiLookup satisfies pkg/unwind.CFILookup: it finds whichever loaded
// binary's CFI program (.eh_frame preferred, .debug_frame as fallback,
// see LoadSymbols) has an FDE covering pc. A PC in a binary with no CFI
// parsed, or past every loaded binary's FDEs (e.g. inside libc when only
// the main executable's symbols were loaded), reports "no CFI known",
// which pkg/unwind treats as a clean stop rather than an error.
func (s *Session) cfiLookup(pc uint64) (*dwarfread.CIE, *dwarfread.FDE) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lb := range s.binaries {
		if lb.CFI == nil {
			continue
		}
		if fde := lb.CFI.FDEForPC(pc); fde != nil {
			return fde.CIE, fde
		}
	}
	return nil, nil
}

// NewEvaluator builds an expression evaluator scoped to thread tid's
// current frame, wiring pkg/evalexpr's Scope interface to the session's
// symbol index and the controller's live memory.
func (s *Session) NewEvaluator(tid int) (*evalexpr.Evaluator, error) {
	idx, ok := s.PrimaryIndex()
	if !ok {
		return nil, fmt.Errorf("session: no symbol index loaded")
	}
	frames, err := s.Unwind(tid)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("session: no frames to evaluate against")
	}
	return &evalexpr.Evaluator{
		Graph: idx.Types,
		Mem:   s.Controller,
		Scope: newFrameScope(idx, frames[0], s.Controller),
	}, nil
}

// Continue resumes every stopped thread and blocks until the next
// stop-worthy event, translating the controller's raw ptrace-level Event
// into the display-ready uiapi.Event and posting it to the outbound
// queue before returning it. Callers that just want the session to run to
// completion (the CLI's non-interactive mode, lacking a TUI to drive
// stepping) use RunUntilExit instead of calling this directly in a loop.
//
// A software breakpoint with a condition attached never reaches the
// caller as a stop on its own: per §4.1/§4.4, the condition is evaluated
// in the stopping thread's top frame on every hit, a non-true result is
// silently stepped over (preserving HitCount, which still counts every
// hit regardless of the condition), and the loop below resumes without
// ever posting an Event for it.
func (s *Session) Continue() (uiapi.Event, error) {
	for {
		ev, err := s.Controller.Continue()
		if err != nil {
			return uiapi.Event{}, fmt.Errorf("session: continue: %w", err)
		}
		if ev.Kind == ctrl.EventThreadStopped && ev.Reason == ctrl.StopBreakpoint {
			stop, err := s.shouldStopAtBreakpoint(ev)
			if err != nil {
				return uiapi.Event{}, err
			}
			if !stop {
				continue
			}
		}
		out := translateControllerEvent(ev)
		s.Events.Post(out)
		return out, nil
	}
}

// shouldStopAtBreakpoint reports whether a software-breakpoint hit should
// produce a user-visible stop. A breakpoint with no condition always
// stops; a conditional breakpoint's expression is evaluated against the
// stopping thread's top frame, with a non-boolean result coerced per
// evalexpr.Truthy and any evaluation error treated as "condition false"
// (logged rather than surfaced, matching the spec's default error
// policy).
func (s *Session) shouldStopAtBreakpoint(ev ctrl.Event) (bool, error) {
	bp, ok := s.Controller.BreakpointAt(ev.Addr)
	if !ok || bp.Condition == "" {
		return true, nil
	}

	eval, err := s.NewEvaluator(ev.TID)
	if err != nil {
		s.Logger.Warn("breakpoint condition: no frame to evaluate against, treating as false",
			"breakpoint", bp.ID, "condition", bp.Condition, "err", err)
		return false, nil
	}
	val, err := eval.Eval(bp.Condition)
	if err != nil {
		s.Logger.Warn("breakpoint condition: evaluation error, treating as false",
			"breakpoint", bp.ID, "condition", bp.Condition, "err", err)
		return false, nil
	}
	truthy, err := evalexpr.Truthy(eval.Graph, val)
	if err != nil {
		s.Logger.Warn("breakpoint condition: result has no truth value, treating as false",
			"breakpoint", bp.ID, "condition", bp.Condition, "err", err)
		return false, nil
	}
	return truthy, nil
}

// StepLine advances thread tid by one source line (spec's step_line):
// over steps across any call the line makes without entering it, into
// steps into the first call encountered instead. pkg/ctrl knows nothing
// about DWARF, so this resolves the current line's identity and the
// enclosing frame's return address here, the same seam cfiLookup/Unwind
// already establishes for CFI, and hands them down to Controller.Next.
func (s *Session) StepLine(tid int, over bool) (uiapi.Event, error) {
	t, ok := s.Controller.Thread(tid)
	if !ok {
		return uiapi.Event{}, fmt.Errorf("session: no such thread %d", tid)
	}
	idx, ok := s.PrimaryIndex()
	if !ok {
		return uiapi.Event{}, fmt.Errorf("session: no symbol index loaded")
	}
	frames, err := s.Unwind(tid)
	if err != nil {
		return uiapi.Event{}, err
	}

	var returnAddr uint64
	if len(frames) > 1 {
		returnAddr = frames[1].PC
	}
	lookup := func(pc uint64) (ctrl.SourceLine, bool) {
		row, ok := idx.LineAt(pc)
		if !ok {
			return ctrl.SourceLine{}, false
		}
		return ctrl.SourceLine{File: row.File, Line: row.Line}, true
	}

	ev, err := s.Controller.Next(t, lookup, returnAddr, over)
	if err != nil {
		return uiapi.Event{}, fmt.Errorf("session: step line: %w", err)
	}
	out := translateControllerEvent(ev)
	s.Events.Post(out)
	return out, nil
}

// RunUntilExit repeatedly continues the traced process until it exits (or
// ctx is cancelled), for a driver with no interactive stepping UI attached.
// A breakpoint or signal stop without a UI to act on it is itself treated
// as "keep going" -- there is no one to ask whether to stop.
func (s *Session) RunUntilExit(ctx context.Context) (uiapi.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return uiapi.Event{}, ctx.Err()
		default:
		}
		ev, err := s.Continue()
		if err != nil {
			return uiapi.Event{}, err
		}
		if ev.Kind == uiapi.EventExited {
			return ev, nil
		}
	}
}

// translateControllerEvent maps pkg/ctrl's raw stop-event shape onto
// uiapi's display-ready one, the session-layer step §5 describes as
// deriving "stop notifications already resolved... command results, and
// async symbol-load progress" from the controller's lower-level events.
func translateControllerEvent(ev ctrl.Event) uiapi.Event {
	switch ev.Kind {
	case ctrl.EventProcessExited:
		return uiapi.Event{Kind: uiapi.EventExited, ThreadID: ev.TID, ExitCode: ev.ExitCode}
	case ctrl.EventThreadExited:
		return uiapi.Event{Kind: uiapi.EventOutput, ThreadID: ev.TID, Text: fmt.Sprintf("thread %d exited", ev.TID)}
	case ctrl.EventThreadCreated:
		return uiapi.Event{Kind: uiapi.EventOutput, ThreadID: ev.TID, Text: fmt.Sprintf("thread %d created", ev.TID)}
	default: // ctrl.EventThreadStopped
		return uiapi.Event{
			Kind:       uiapi.EventStopped,
			ThreadID:   ev.TID,
			PC:         ev.Addr,
			StopReason: ev.Reason.String(),
		}
	}
}
