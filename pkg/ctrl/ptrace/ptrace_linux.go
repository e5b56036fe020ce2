// Package ptrace wraps the Linux ptrace(2) syscalls nnd's process
// controller needs, pinned to a single dedicated OS thread per traced
// process the way every ptrace consumer must: ptrace requests other than
// PTRACE_ATTACH must come from the same thread that attached, so callers
// run all of a Controller's ptrace calls through one goroutine that has
// called runtime.LockOSThread.
package ptrace

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Regs is the x86-64 general-purpose register file, laid out to match
// golang.org/x/sys/unix.PtraceRegs (itself struct user_regs_struct from
// <sys/user.h>) so callers can convert without copying field-by-field.
type Regs = unix.PtraceRegs

// Attach attaches to an already-running process, stopping it. The caller
// must subsequently call Wait to observe the resulting stop.
func Attach(pid int) error {
	if err := unix.PtraceAttach(pid); err != nil {
		return fmt.Errorf("ptrace: attach %d: %w", pid, err)
	}
	return nil
}

// Seize attaches without stopping the tracee (PTRACE_SEIZE), used when the
// caller wants to keep the process running until an explicit Interrupt.
func Seize(pid int) error {
	if err := unix.PtraceSeize(pid); err != nil {
		return fmt.Errorf("ptrace: seize %d: %w", pid, err)
	}
	return nil
}

// Detach stops tracing pid, optionally delivering sig (0 for none) and
// letting it continue running.
func Detach(pid int, sig unix.Signal) error {
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(pid), 0, uintptr(sig), 0, 0); errno != 0 {
		return fmt.Errorf("ptrace: detach %d: %w", pid, errno)
	}
	return nil
}

// SetOptions configures the tracer's ptrace options (PTRACE_O_* flags),
// e.g. PTRACE_O_TRACECLONE so new threads are auto-attached, and
// PTRACE_O_EXITKILL so the tracee dies if nnd itself crashes.
func SetOptions(pid int, options int) error {
	if err := unix.PtraceSetOptions(pid, options); err != nil {
		return fmt.Errorf("ptrace: setoptions %d: %w", pid, err)
	}
	return nil
}

// Cont resumes a stopped tracee, delivering sig (0 for none) when it
// resumes.
func Cont(pid int, sig int) error {
	if err := unix.PtraceCont(pid, sig); err != nil {
		return fmt.Errorf("ptrace: cont %d: %w", pid, err)
	}
	return nil
}

// SingleStep resumes the tracee for exactly one instruction.
func SingleStep(pid int) error {
	if err := unix.PtraceSingleStep(pid); err != nil {
		return fmt.Errorf("ptrace: singlestep %d: %w", pid, err)
	}
	return nil
}

// GetRegs reads the tracee's general-purpose registers.
func GetRegs(pid int) (*Regs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return nil, fmt.Errorf("ptrace: getregs %d: %w", pid, err)
	}
	return &regs, nil
}

// SetRegs writes the tracee's general-purpose registers.
func SetRegs(pid int, regs *Regs) error {
	if err := unix.PtraceSetRegs(pid, regs); err != nil {
		return fmt.Errorf("ptrace: setregs %d: %w", pid, err)
	}
	return nil
}

// PeekData reads len(out) bytes of the tracee's memory starting at addr.
func PeekData(pid int, addr uintptr, out []byte) (int, error) {
	n, err := unix.PtracePeekData(pid, addr, out)
	if err != nil {
		return n, fmt.Errorf("ptrace: peekdata %d@%#x: %w", pid, addr, err)
	}
	return n, nil
}

// PokeData writes data into the tracee's memory starting at addr.
func PokeData(pid int, addr uintptr, data []byte) (int, error) {
	n, err := unix.PtracePokeData(pid, addr, data)
	if err != nil {
		return n, fmt.Errorf("ptrace: pokedata %d@%#x: %w", pid, addr, err)
	}
	return n, nil
}

// GetDebugReg reads one of the x86 debug registers (DR0-DR7) via
// PTRACE_PEEKUSER into the user area's debugreg array.
func GetDebugReg(pid int, idx int) (uint64, error) {
	val, err := peekUserWord(pid, debugRegOffset(idx))
	if err != nil {
		return 0, fmt.Errorf("ptrace: peekuser dr%d: %w", idx, err)
	}
	return val, nil
}

// SetDebugReg writes one of the x86 debug registers (DR0-DR7).
func SetDebugReg(pid int, idx int, value uint64) error {
	off := debugRegOffset(idx)
	if err := pokeUserWord(pid, off, value); err != nil {
		return fmt.Errorf("ptrace: pokeuser dr%d: %w", idx, err)
	}
	return nil
}

// debugRegOffset returns the byte offset of debugreg[idx] within struct
// user on x86-64 Linux: offsetof(struct user, u_debugreg) is 848, each
// register is 8 bytes.
func debugRegOffset(idx int) uintptr {
	const debugRegBase = 848
	return uintptr(debugRegBase + idx*8)
}

// peekUserWord/pokeUserWord wrap PTRACE_PEEKUSER/PTRACE_POKEUSER, which
// x/sys/unix exposes only through the generic PtracePeekUser/PtracePokeUser
// taking a byte buffer rather than a single word; the debug registers are
// exactly one word wide so this adapts that interface.
func peekUserWord(pid int, off uintptr) (uint64, error) {
	var buf [8]byte
	_, err := unix.PtracePeekUser(pid, off, buf[:])
	if err != nil {
		return 0, err
	}
	return le64(buf[:]), nil
}

func pokeUserWord(pid int, off uintptr, value uint64) error {
	var buf [8]byte
	putLE64(buf[:], value)
	_, err := unix.PtracePokeUser(pid, off, buf[:])
	return err
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// WaitStatus mirrors syscall.WaitStatus for the subset of decoding nnd
// needs, re-exported so callers outside this package don't import syscall
// directly.
type WaitStatus = syscall.WaitStatus

// Wait blocks until pid (or any child, if pid == -1) changes state,
// reporting the result via ws. options are WNOHANG/WUNTRACED etc. as
// accepted by wait4(2).
func Wait(pid int, ws *WaitStatus, options int) (int, error) {
	wpid, err := syscall.Wait4(pid, ws, options, nil)
	if err != nil {
		return wpid, fmt.Errorf("ptrace: wait4 %d: %w", pid, err)
	}
	return wpid, nil
}

// Kill sends sig to pid directly with kill(2), not via ptrace;
// Controller.Kill uses it with SIGKILL to terminate the tracee.
func Kill(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// StartTraced launches argv[0] with argv/env, arranging for the child to
// call PTRACE_TRACEME before exec so the parent receives the initial
// SIGTRAP stop at the new program's entry point.
func StartTraced(argv, env []string, dir string) (pid int, err error) {
	attr := &os.ProcAttr{
		Dir:   dir,
		Env:   env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys: &syscall.SysProcAttr{
			Ptrace:    true,
			Setpgid:   true,
			Pdeathsig: syscall.SIGKILL,
		},
	}
	proc, err := os.StartProcess(argv[0], argv, attr)
	if err != nil {
		return 0, fmt.Errorf("ptrace: start %s: %w", argv[0], err)
	}
	return proc.Pid, nil
}
