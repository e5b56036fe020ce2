package ctrl

import (
	"context"
	"runtime"
	"syscall"

	"github.com/nnd-dbg/nnd/pkg/ctrl/ptrace"
)

// RunLoop dedicates the calling goroutine's OS thread to this Controller's
// ptrace calls for the lifetime of ctx, as ptrace requires: every ptrace(2)
// request other than the initial PTRACE_ATTACH/SEIZE must come from the
// thread that is the tracee's registered tracer. Callers run RunLoop in its
// own goroutine and submit work via submit; RunLoop runs each submitted
// function on the locked thread. Functions carry no result back through
// RunLoop; a caller that needs one captures it in the closure.
//
// A classic C debugger interrupts a thread blocked in waitpid(2) with a
// self-pipe: a signal handler writes a byte to a pipe that the main loop's
// select() also watches, waking it without a race. Go's blocking wait4 call
// can't be folded into a select(2) the same way, but goroutines make the
// underlying problem — "let other work proceed while one call blocks" —
// free: Interrupt instead sends SIGSTOP directly to the tracee, which is
// itself sufficient to unblock a pending Wait4 with a stop event; submit's
// channel is this design's actual "self-pipe", waking RunLoop's select
// whenever a command is queued (or ctx is cancelled).
func (c *Controller) RunLoop(ctx context.Context, submit <-chan func()) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-ctx.Done():
			return
		case fn, ok := <-submit:
			if !ok {
				return
			}
			fn()
		}
	}
}

// Interrupt stops the tracee's leader thread group with SIGSTOP, forcing
// any in-progress Continue to return with a StopSignal event even if no
// breakpoint was hit. This is the operation a TUI's "pause" command drives.
func (c *Controller) Interrupt() error {
	pid := c.leaderPID()
	if pid == 0 {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGSTOP)
}

// Kill forcibly terminates the tracee.
func (c *Controller) Kill() error {
	pid := c.leaderPID()
	if pid == 0 {
		return nil
	}
	return ptrace.Kill(pid, syscall.SIGKILL)
}
