package ctrl

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/nnd-dbg/nnd/pkg/ctrl/ptrace"
)

// Event is posted to a Controller's outbound queue whenever the tracee's
// state changes; the TUI (or any other collaborator) drains these via
// Controller.Events rather than the controller ever calling into a UI
// directly, matching the spec's "core never calls into the TUI" contract
// (cucaracha's `debugger.DebuggerUI` interface is the inverse of this: UI
// calls into the backend; here the backend only ever pushes outward).
type Event struct {
	Kind     EventKind
	TID      int
	Reason   StopReason
	Addr     uint64
	Signal   int
	ExitCode int
}

// EventKind classifies an Event.
type EventKind int

const (
	EventThreadStopped EventKind = iota
	EventThreadExited
	EventProcessExited
	EventThreadCreated
)

// Controller owns one traced process's threads, breakpoints, and memory
// access. All ptrace syscalls for a Controller's process must run on the
// same OS thread (ptrace's per-tracer-thread requirement): a caller that
// needs that guarantee runs RunLoop (eventloop.go) in its own goroutine,
// locked to its OS thread via runtime.LockOSThread, and submits every
// Controller call through the channel it passes to RunLoop. Controller
// itself holds no opinion about which goroutine calls it — it is the
// single explicit owner object the spec's session model calls for (no
// ambient singleton tracks "the current process" anywhere else in nnd),
// not a funnel in its own right.
type Controller struct {
	mu          sync.Mutex
	pid         int // thread group leader pid
	threads     map[int]*Thread
	breakpoints map[int]*Breakpoint
	nextBPID    int
	events      chan Event
}

// New creates a Controller with no attached process yet.
func New() *Controller {
	c := &Controller{
		threads:     make(map[int]*Thread),
		breakpoints: make(map[int]*Breakpoint),
		events:      make(chan Event, 64),
	}
	return c
}

// Events returns the controller's outbound event queue. Never blocks for
// long: the controller posts events and moves on, so a slow consumer only
// risks the bounded channel filling up, not stalling the tracee.
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) leaderPID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// Launch starts argv under ptrace and blocks until the initial post-exec
// stop, returning the main thread's Thread record.
func (c *Controller) Launch(argv, env []string, dir string) (*Thread, error) {
	pid, err := ptrace.StartTraced(argv, env, dir)
	if err != nil {
		return nil, err
	}

	var ws ptrace.WaitStatus
	if _, err := ptrace.Wait(pid, &ws, 0); err != nil {
		return nil, fmt.Errorf("ctrl: waiting for initial stop: %w", err)
	}

	if err := ptrace.SetOptions(pid, unixTraceOptions()); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pid = pid
	t := newThread(pid)
	t.State = ThreadStopped
	t.StopAt = StopExec
	c.threads[pid] = t
	c.mu.Unlock()

	return t, nil
}

// Attach attaches to an already-running process by pid.
func (c *Controller) Attach(pid int) (*Thread, error) {
	if err := ptrace.Attach(pid); err != nil {
		return nil, err
	}
	var ws ptrace.WaitStatus
	if _, err := ptrace.Wait(pid, &ws, 0); err != nil {
		return nil, fmt.Errorf("ctrl: waiting for attach stop: %w", err)
	}
	if err := ptrace.SetOptions(pid, unixTraceOptions()); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pid = pid
	t := newThread(pid)
	t.State = ThreadStopped
	t.StopAt = StopSignal
	c.threads[pid] = t
	c.mu.Unlock()

	return t, nil
}

// unixTraceOptions returns the PTRACE_O_* flags nnd always sets: auto-trace
// new threads (clone), report thread exits, and kill the tracee if nnd exits
// unexpectedly; forked child processes are not traced. This mirrors
// the conservative defaults the gvisor-ligolo ptrace subprocess wrapper
// uses.
func unixTraceOptions() int {
	const (
		ptraceOExitKill   = 0x00100000
		ptraceOTraceClone = 0x00000008
		ptraceOTraceExit  = 0x00000040
	)
	return ptraceOExitKill | ptraceOTraceClone | ptraceOTraceExit
}

// Detach stops tracing every thread and lets the process run free.
func (c *Controller) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tid := range c.threads {
		if err := ptrace.Detach(tid, 0); err != nil {
			return err
		}
	}
	return nil
}

// Threads returns a snapshot of all known threads.
func (c *Controller) Threads() []*Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Thread, 0, len(c.threads))
	for _, t := range c.threads {
		out = append(out, t)
	}
	return out
}

// Thread returns the thread with the given tid, if known.
func (c *Controller) Thread(tid int) (*Thread, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[tid]
	return t, ok
}

// ReadMemory reads len(out) bytes from the tracee's address space at addr.
// Software breakpoints are transparently masked out: a caller reading
// instruction bytes at a breakpointed address sees the original
// instruction, not the 0xCC patch, matching how a disassembler or
// expression evaluator expects to see the program's real code.
func (c *Controller) ReadMemory(addr uint64, out []byte) (int, error) {
	n, err := ptrace.PeekData(c.leaderPID(), uintptr(addr), out)
	if err != nil {
		return n, err
	}

	c.mu.Lock()
	for _, bp := range c.breakpoints {
		if bp.Kind != BreakpointSoftware || !bp.installed {
			continue
		}
		if bp.Addr >= addr && bp.Addr < addr+uint64(len(out)) {
			out[bp.Addr-addr] = bp.origByte
		}
	}
	c.mu.Unlock()

	return n, nil
}

// WriteMemory writes data into the tracee's address space at addr. If any
// byte written falls inside an installed software breakpoint's patched
// byte, the breakpoint's saved original byte is updated to match instead of
// letting the write silently clobber int3 (and vice versa on Remove).
func (c *Controller) WriteMemory(addr uint64, data []byte) (int, error) {
	c.mu.Lock()
	for _, bp := range c.breakpoints {
		if bp.Kind != BreakpointSoftware || !bp.installed {
			continue
		}
		if bp.Addr >= addr && bp.Addr < addr+uint64(len(data)) {
			bp.origByte = data[bp.Addr-addr]
			data[bp.Addr-addr] = int3
		}
	}
	c.mu.Unlock()

	return ptrace.PokeData(c.leaderPID(), uintptr(addr), data)
}

// AddBreakpoint installs a new software breakpoint at addr.
func (c *Controller) AddBreakpoint(addr uint64) (*Breakpoint, error) {
	c.mu.Lock()
	c.nextBPID++
	bp := &Breakpoint{ID: c.nextBPID, Addr: addr, Kind: BreakpointSoftware, Enabled: true}
	c.breakpoints[bp.ID] = bp
	c.mu.Unlock()

	if err := c.installSoftware(bp); err != nil {
		c.mu.Lock()
		delete(c.breakpoints, bp.ID)
		c.mu.Unlock()
		return nil, err
	}
	return bp, nil
}

// AddWatchpoint installs a hardware watchpoint using the next free debug
// register slot (DR0-DR3). Returns an error if all four slots are in use.
func (c *Controller) AddWatchpoint(addr uint64, kind WatchKind, length int) (*Breakpoint, error) {
	c.mu.Lock()
	used := make(map[int]bool)
	for _, bp := range c.breakpoints {
		if bp.Kind == BreakpointHardware {
			used[bp.hwSlot] = true
		}
	}
	slot := -1
	for i := 0; i < 4; i++ {
		if !used[i] {
			slot = i
			break
		}
	}
	if slot < 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("ctrl: no free hardware debug register slot")
	}
	c.nextBPID++
	bp := &Breakpoint{ID: c.nextBPID, Addr: addr, Kind: BreakpointHardware, Enabled: true, Watch: kind, WatchLen: length, hwSlot: slot}
	c.breakpoints[bp.ID] = bp
	threads := make([]*Thread, 0, len(c.threads))
	for _, t := range c.threads {
		threads = append(threads, t)
	}
	c.mu.Unlock()

	for _, t := range threads {
		if err := c.installHardware(t, bp); err != nil {
			return nil, err
		}
	}
	return bp, nil
}

// RemoveBreakpoint uninstalls and forgets the breakpoint with the given id.
func (c *Controller) RemoveBreakpoint(id int) error {
	c.mu.Lock()
	bp, ok := c.breakpoints[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("ctrl: no breakpoint %d", id)
	}
	delete(c.breakpoints, id)
	threads := make([]*Thread, 0, len(c.threads))
	for _, t := range c.threads {
		threads = append(threads, t)
	}
	c.mu.Unlock()

	switch bp.Kind {
	case BreakpointSoftware:
		return c.removeSoftware(bp)
	case BreakpointHardware:
		for _, t := range threads {
			if err := c.removeHardware(t, bp); err != nil {
				return err
			}
		}
	}
	return nil
}

// Breakpoints returns every known breakpoint/watchpoint.
func (c *Controller) Breakpoints() []*Breakpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Breakpoint, 0, len(c.breakpoints))
	for _, bp := range c.breakpoints {
		out = append(out, bp)
	}
	return out
}

// BreakpointAt returns the breakpoint installed at addr, if any; the
// exported counterpart of breakpointAt for callers outside this package
// (pkg/session's conditional-breakpoint evaluation) that need to look up
// which breakpoint a StopBreakpoint event's Addr refers to.
func (c *Controller) BreakpointAt(addr uint64) (*Breakpoint, bool) {
	bp := c.breakpointAt(addr)
	return bp, bp != nil
}

// SetCondition sets the user expression that gates whether a hit on
// breakpoint id produces a user-visible stop, guarded by the same mutex
// that protects the rest of a Breakpoint's metadata (HitCount, installed)
// since it may be called concurrently with a live stop being processed.
func (c *Controller) SetCondition(id int, condition string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bp, ok := c.breakpoints[id]
	if !ok {
		return fmt.Errorf("ctrl: no breakpoint %d", id)
	}
	bp.Condition = condition
	return nil
}

// Continue resumes every thread of the tracee, stepping over an
// installed breakpoint at the resuming thread's current PC first if
// necessary, then blocks until the next stop and returns the Event that
// describes it.
func (c *Controller) Continue() (Event, error) {
	for _, t := range c.Threads() {
		if t.State != ThreadStopped {
			continue
		}
		pc, err := t.PC()
		if err != nil {
			return Event{}, err
		}
		if bp := c.breakpointAt(pc); bp != nil && bp.Kind == BreakpointSoftware && bp.installed {
			if err := c.stepOverBreakpoint(t, bp); err != nil {
				return Event{}, err
			}
		}
		if err := ptrace.Cont(t.TID, 0); err != nil {
			return Event{}, err
		}
		t.setState(ThreadRunning)
	}
	return c.waitNext()
}

// StepInstruction single-steps one machine instruction on t.
func (c *Controller) StepInstruction(t *Thread) (Event, error) {
	pc, err := t.PC()
	if err != nil {
		return Event{}, err
	}
	var bp *Breakpoint
	if b := c.breakpointAt(pc); b != nil && b.Kind == BreakpointSoftware && b.installed {
		bp = b
		if err := c.removeSoftware(bp); err != nil {
			return Event{}, err
		}
	}
	if err := ptrace.SingleStep(t.TID); err != nil {
		return Event{}, err
	}
	t.setState(ThreadRunning)
	ev, err := c.waitNext()
	if bp != nil {
		if instErr := c.installSoftware(bp); instErr != nil && err == nil {
			err = instErr
		}
	}
	return ev, err
}

func (c *Controller) breakpointAt(addr uint64) *Breakpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bp := range c.breakpoints {
		if bp.Addr == addr {
			return bp
		}
	}
	return nil
}

// waitNext blocks for the next ptrace stop on any traced thread and
// updates that thread's state, returning a descriptive Event.
func (c *Controller) waitNext() (Event, error) {
	var ws ptrace.WaitStatus
	tid, err := ptrace.Wait(-1, &ws, 0)
	if err != nil {
		return Event{}, err
	}

	c.mu.Lock()
	t, ok := c.threads[tid]
	if !ok {
		t = newThread(tid)
		c.threads[tid] = t
	}
	c.mu.Unlock()

	switch {
	case ws.Exited():
		t.setState(ThreadExited)
		ev := Event{Kind: EventThreadExited, TID: tid, ExitCode: ws.ExitStatus()}
		if tid == c.leaderPID() {
			ev.Kind = EventProcessExited
		}
		c.emit(ev)
		return ev, nil

	case ws.Stopped():
		sig := ws.StopSignal()
		t.setState(ThreadStopped)
		reason := StopSignal
		var stopAddr uint64
		if sig == syscall.SIGTRAP {
			pc, _ := t.PC()
			if bp := c.breakpointAt(pc - 1); bp != nil && bp.Kind == BreakpointSoftware {
				t.SetPC(pc - 1)
				bp.HitCount++
				reason = StopBreakpoint
				stopAddr = bp.Addr
			} else {
				reason = StopSingleStep
			}
		}
		t.StopAt = reason
		t.Signal = int(sig)
		ev := Event{Kind: EventThreadStopped, TID: tid, Reason: reason, Signal: int(sig), Addr: stopAddr}
		c.emit(ev)
		return ev, nil

	default:
		return Event{}, fmt.Errorf("ctrl: unexpected wait status %v", ws)
	}
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Outbound queue is full; drop rather than block the tracee's
		// control loop. A UI that falls this far behind will re-sync on
		// its next query rather than see a gap.
	}
}
