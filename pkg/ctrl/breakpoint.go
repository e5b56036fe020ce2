package ctrl

import (
	"fmt"

	"github.com/nnd-dbg/nnd/pkg/ctrl/ptrace"
	"github.com/nnd-dbg/nnd/pkg/utils"
)

const int3 = 0xCC

// BreakpointKind distinguishes how a Breakpoint is implemented.
type BreakpointKind int

const (
	BreakpointSoftware BreakpointKind = iota
	BreakpointHardware
)

// WatchKind selects what a hardware watchpoint traps on, encoded into DR7's
// per-register R/W field.
type WatchKind uint8

const (
	WatchWrite WatchKind = 0x1
	WatchReadWrite WatchKind = 0x3
	// WatchExecute is expressed as a software (int3) breakpoint instead;
	// x86 debug registers support execute-only watching but nnd always uses
	// int3 for that case since it needs no debug-register slot.
)

// Breakpoint is a single user-visible breakpoint, which may be installed
// across multiple threads of a multi-threaded tracee (software breakpoints
// patch process memory, shared by all threads; hardware breakpoints are
// per-thread debug registers and must be installed on each).
type Breakpoint struct {
	ID           int
	Addr         uint64
	Kind         BreakpointKind
	Enabled      bool
	origByte     byte
	installed    bool
	Watch        WatchKind
	WatchLen     int // 1, 2, 4, or 8 bytes, hardware watchpoints only
	hwSlot       int // DR0-DR3 index, hardware only
	HitCount     int
	Condition    string // user expression, evaluated by pkg/evalexpr before stopping
	TempOneShot  bool   // removed automatically after first hit (step-over/finish)
}

// installSoftware patches an int3 into the tracee's memory at bp.Addr,
// saving the original byte so Remove can restore it. Grounded on the
// standard PTRACE_PEEKTEXT/POKETEXT breakpoint dance shown by the delve and
// gvisor-ligolo ptrace fragments in the reference pack.
func (c *Controller) installSoftware(bp *Breakpoint) error {
	var orig [1]byte
	if _, err := ptrace.PeekData(c.leaderPID(), uintptr(bp.Addr), orig[:]); err != nil {
		return fmt.Errorf("ctrl: reading original byte at %#x: %w", bp.Addr, err)
	}
	bp.origByte = orig[0]

	patched := [1]byte{int3}
	if _, err := ptrace.PokeData(c.leaderPID(), uintptr(bp.Addr), patched[:]); err != nil {
		return fmt.Errorf("ctrl: patching int3 at %#x: %w", bp.Addr, err)
	}
	bp.installed = true
	return nil
}

// removeSoftware restores the original byte at bp.Addr.
func (c *Controller) removeSoftware(bp *Breakpoint) error {
	if !bp.installed {
		return nil
	}
	orig := [1]byte{bp.origByte}
	if _, err := ptrace.PokeData(c.leaderPID(), uintptr(bp.Addr), orig[:]); err != nil {
		return fmt.Errorf("ctrl: restoring original byte at %#x: %w", bp.Addr, err)
	}
	bp.installed = false
	return nil
}

// stepOverBreakpoint temporarily removes bp, single-steps past it, and
// reinstalls it — the standard technique for resuming execution at an
// address currently holding an int3, since simply continuing would
// immediately re-trap on the same instruction.
func (c *Controller) stepOverBreakpoint(t *Thread, bp *Breakpoint) error {
	if err := c.removeSoftware(bp); err != nil {
		return err
	}
	if err := ptrace.SingleStep(t.TID); err != nil {
		return err
	}
	var ws ptrace.WaitStatus
	if _, err := ptrace.Wait(t.TID, &ws, 0); err != nil {
		return err
	}
	return c.installSoftware(bp)
}

// dr7Bits computes the enable bit and R/W+LEN field for hardware debug
// register slot i given a watch kind and length, per the Intel SDM's DR7
// layout: bits 2i (local enable), and bits 16+4i..16+4i+3 (R/W and LEN).
func dr7Bits(slot int, kind WatchKind, length int) uint64 {
	var lenBits uint64
	switch length {
	case 1:
		lenBits = 0x0
	case 2:
		lenBits = 0x1
	case 8:
		lenBits = 0x2
	case 4:
		lenBits = 0x3
	}

	var dr7 uint64
	view := utils.CreateBitView(&dr7)
	view.SetBit(2 * slot)
	view.Write(uint64(kind), 16+4*slot, 2)
	view.Write(lenBits, 18+4*slot, 2)
	return view.Value()
}

// installHardware writes bp.Addr into DRn (n = bp.hwSlot) and sets DR7's
// enable/R-W/LEN bits for thread t.
func (c *Controller) installHardware(t *Thread, bp *Breakpoint) error {
	if err := ptrace.SetDebugReg(t.TID, bp.hwSlot, bp.Addr); err != nil {
		return err
	}
	dr7, err := ptrace.GetDebugReg(t.TID, 7)
	if err != nil {
		return err
	}
	kind := bp.Watch
	if kind == 0 {
		kind = 0 // execute: R/W bits 00
	}
	length := bp.WatchLen
	if length == 0 {
		length = 1
	}
	dr7 |= dr7Bits(bp.hwSlot, kind, length)
	return ptrace.SetDebugReg(t.TID, 7, dr7)
}

// removeHardware clears bp's slot in DR7 for thread t.
func (c *Controller) removeHardware(t *Thread, bp *Breakpoint) error {
	dr7, err := ptrace.GetDebugReg(t.TID, 7)
	if err != nil {
		return err
	}
	mask := utils.AllOnes[uint64](2) << (2 * bp.hwSlot)
	mask |= utils.AllOnes[uint64](4) << (16 + 4*bp.hwSlot)
	dr7 &^= mask
	return ptrace.SetDebugReg(t.TID, 7, dr7)
}
