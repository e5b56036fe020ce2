// Package ctrl is nnd's process controller: it attaches to or launches a
// traced process, owns its thread set, and exposes breakpoint/step/continue
// operations plus register and memory access. It generalizes cucaracha's
// `pkg/hw/cpu/debugger.Backend` and `interpreter.Debugger` — which drove an
// in-process toy-ISA interpreter — into a ptrace-driven controller for a
// real Linux process, grounded on the delve and golang.org/x/debug
// fragments in the reference pack for the actual ptrace wait-loop shape.
package ctrl

import (
	"fmt"
	"sync"

	"github.com/nnd-dbg/nnd/pkg/ctrl/ptrace"
)

// ThreadState is a thread's position in its lifecycle state machine.
type ThreadState int

const (
	ThreadStarting ThreadState = iota
	ThreadRunning
	ThreadStopped
	ThreadExited
)

func (s ThreadState) String() string {
	switch s {
	case ThreadStarting:
		return "starting"
	case ThreadRunning:
		return "running"
	case ThreadStopped:
		return "stopped"
	case ThreadExited:
		return "exited"
	default:
		return "unknown"
	}
}

// StopReason explains why a Thread last transitioned to ThreadStopped.
type StopReason int

const (
	StopUnknown StopReason = iota
	StopBreakpoint
	StopSingleStep
	StopSignal
	StopExec
	StopClone
	StopExited
)

func (r StopReason) String() string {
	switch r {
	case StopBreakpoint:
		return "breakpoint"
	case StopSingleStep:
		return "single-step"
	case StopSignal:
		return "signal"
	case StopExec:
		return "exec"
	case StopClone:
		return "clone"
	case StopExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Thread is one traced thread (Linux task). A Controller owns one Thread
// per tid; the process's main thread and any clones created via
// pthread_create are each a Thread.
type Thread struct {
	mu sync.Mutex

	TID       int
	State     ThreadState
	StopAt    StopReason
	Signal    int
	ExitCode  int
	LastRegs  *ptrace.Regs
	singleStepping bool
}

// newThread creates a Thread in the Starting state.
func newThread(tid int) *Thread {
	return &Thread{TID: tid, State: ThreadStarting}
}

// Regs reads the thread's current register file from the kernel and caches
// it; valid only while the thread is Stopped. Returns an error if called
// while Running or Exited.
func (t *Thread) Regs() (*ptrace.Regs, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State != ThreadStopped {
		return nil, fmt.Errorf("ctrl: thread %d is %s, not stopped", t.TID, t.State)
	}
	return t.refreshRegsLocked()
}

func (t *Thread) refreshRegsLocked() (*ptrace.Regs, error) {
	regs, err := ptrace.GetRegs(t.TID)
	if err != nil {
		return nil, err
	}
	t.LastRegs = regs
	return regs, nil
}

// SetRegs writes regs to the thread; must be Stopped.
func (t *Thread) SetRegs(regs *ptrace.Regs) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State != ThreadStopped {
		return fmt.Errorf("ctrl: thread %d is %s, not stopped", t.TID, t.State)
	}
	if err := ptrace.SetRegs(t.TID, regs); err != nil {
		return err
	}
	t.LastRegs = regs
	return nil
}

// PC returns the thread's current instruction pointer (RIP).
func (t *Thread) PC() (uint64, error) {
	regs, err := t.Regs()
	if err != nil {
		return 0, err
	}
	return regs.Rip, nil
}

// SetPC sets the thread's instruction pointer.
func (t *Thread) SetPC(pc uint64) error {
	regs, err := t.Regs()
	if err != nil {
		return err
	}
	regs.Rip = pc
	return t.SetRegs(regs)
}

func (t *Thread) setState(s ThreadState) {
	t.mu.Lock()
	t.State = s
	t.mu.Unlock()
}
