package ctrl

import "fmt"

// x86-64 call opcodes nnd recognizes when deciding whether Next should step
// over rather than into: E8 (call rel32) and FF /2 (call r/m, ModRM reg
// field == 2). This generalizes cucaracha's `isCallInstruction`/
// `isBranchTargetFunction` backtracking (which inspected MOVIMM16L/H loads
// for its toy ISA's call-by-register convention) to the two call encodings
// that actually occur on x86-64.
const (
	opCallRel32 = 0xE8
)

// callInstructionLen reports whether buf starts with a call instruction and,
// if so, its encoded length, which Next uses to place a temporary
// breakpoint at the call's return site. The length comes from the call's
// own encoding (opcode, ModRM, SIB and displacement), not from pkg/disasm.
func callInstructionLen(buf []byte) (length int, isCall bool) {
	if len(buf) == 0 {
		return 0, false
	}
	switch buf[0] {
	case opCallRel32:
		return 5, true
	case 0xFF:
		if len(buf) < 2 {
			return 0, false
		}
		modrm := buf[1]
		reg := (modrm >> 3) & 0x7
		if reg != 2 {
			return 0, false
		}
		return modRMLength(buf), true
	default:
		return 0, false
	}
}

// modRMLength computes the encoded length of an FF /2 call r/m64
// instruction from its ModRM (+ SIB + displacement) byte pattern: register,
// [reg], [reg+disp8/32], RIP-relative and SIB forms, including a SIB byte
// with no base register (disp32). A call carrying a prefix byte (e.g. REX)
// is not recognized by callInstructionLen at all, so Next steps into it
// instead of over it.
func modRMLength(buf []byte) int {
	if len(buf) < 2 {
		return 2
	}
	modrm := buf[1]
	mod := modrm >> 6
	rm := modrm & 0x7

	length := 2
	hasSIB := rm == 4 && mod != 3
	if hasSIB {
		length++
	}

	switch mod {
	case 0:
		if rm == 5 {
			length += 4 // RIP-relative disp32
		} else if hasSIB && len(buf) >= 3 && buf[2]&0x7 == 5 {
			length += 4 // SIB with no base register: disp32
		}
	case 1:
		length++
	case 2:
		length += 4
	}
	return length
}

// SourceLine identifies the file:line a LineLookup resolves pc to — the
// line program row's line table identity, not the address range of any
// one occurrence of it (a loop's back edge revisits the same line through
// a different, non-contiguous row).
type SourceLine struct {
	File string
	Line int
}

// LineLookup resolves the source line covering pc, mirroring pkg/unwind's
// CFILookup seam: Next never touches DWARF itself, it only asks its
// caller (pkg/session, which owns the symbol index) what line pc is on.
type LineLookup func(pc uint64) (SourceLine, bool)

// Next performs source-line-granularity stepping, generalizing cucaracha's
// `nextOne` (a single call-skip at instruction granularity) to a full
// source line per the spec's step_line: it single-steps the thread,
// skipping over calls made from within the line when over is true, until
// the line lookup reports a different file:line than the one pc started
// on, the thread reaches returnAddr (the enclosing frame returning out
// from under the step), or the process stops for any other reason.
//
// pc having no line info at all (a PLT stub, or a stripped binary with no
// line program) degrades Next to a single machine-instruction step, the
// same behavior Next always had before line stepping existed.
func (c *Controller) Next(t *Thread, lines LineLookup, returnAddr uint64, over bool) (Event, error) {
	pc, err := t.PC()
	if err != nil {
		return Event{}, err
	}
	start, ok := lines(pc)
	if !ok {
		return c.StepInstruction(t)
	}

	for {
		ev, err := c.stepOneLineStep(t, over)
		if err != nil {
			return Event{}, err
		}
		if ev.Kind != EventThreadStopped {
			return ev, nil
		}

		pc, err := t.PC()
		if err != nil {
			return Event{}, err
		}
		if pc == returnAddr {
			return ev, nil
		}
		if cur, ok := lines(pc); ok && cur == start {
			continue
		}
		return ev, nil
	}
}

// stepOneLineStep advances the thread by one call-or-instruction unit:
// a call at the current PC is stepped over (temporary breakpoint at its
// return site) when over is set, otherwise every instruction — including
// a call, which single-steps straight into the callee's entry — is
// stepped one at a time.
func (c *Controller) stepOneLineStep(t *Thread, over bool) (Event, error) {
	if over {
		pc, err := t.PC()
		if err != nil {
			return Event{}, err
		}
		var buf [16]byte
		if _, err := c.ReadMemory(pc, buf[:]); err != nil {
			return Event{}, err
		}
		if length, isCall := callInstructionLen(buf[:]); isCall {
			return c.stepOverCall(t, pc, length)
		}
	}
	return c.StepInstruction(t)
}

// stepOverCall places a temporary breakpoint at pc+length (the
// instruction following the call at pc) and resumes to it, skipping the
// callee entirely rather than single-stepping through it.
func (c *Controller) stepOverCall(t *Thread, pc uint64, length int) (Event, error) {
	returnAddr := pc + uint64(length)
	if existing := c.breakpointAt(returnAddr); existing != nil {
		// A real breakpoint already covers the return site; just continue.
		return c.Continue()
	}

	bp, err := c.AddBreakpoint(returnAddr)
	if err != nil {
		return Event{}, err
	}
	bp.TempOneShot = true

	ev, err := c.Continue()
	if err != nil {
		c.RemoveBreakpoint(bp.ID)
		return ev, err
	}

	if removeErr := c.RemoveBreakpoint(bp.ID); removeErr != nil {
		return ev, fmt.Errorf("ctrl: removing temporary next breakpoint: %w", removeErr)
	}
	return ev, nil
}

// StepOut runs the thread until it reaches returnAddr, the current
// function's return address, by placing a temporary breakpoint there and
// continuing. StepOut does not read the stack itself: the caller resolves
// returnAddr (e.g. via pkg/unwind) and passes it in.
func (c *Controller) StepOut(t *Thread, returnAddr uint64) (Event, error) {
	if existing := c.breakpointAt(returnAddr); existing != nil {
		return c.Continue()
	}
	bp, err := c.AddBreakpoint(returnAddr)
	if err != nil {
		return Event{}, err
	}
	bp.TempOneShot = true

	ev, err := c.Continue()
	if err != nil {
		c.RemoveBreakpoint(bp.ID)
		return ev, err
	}
	if removeErr := c.RemoveBreakpoint(bp.ID); removeErr != nil {
		return ev, fmt.Errorf("ctrl: removing temporary stepout breakpoint: %w", removeErr)
	}
	return ev, nil
}
