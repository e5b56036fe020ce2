package unwind

import "github.com/nnd-dbg/nnd/pkg/symtab"

// expandInlines turns each physical frame into one or more logical Frames:
// a synthetic Frame for every DW_TAG_inlined_subroutine whose range
// contains the frame's PC (innermost first, since that's the logical frame
// closest to the current PC), followed last by the out-of-line function
// itself. A physical frame whose function has no matching inlined call at
// that PC expands to exactly itself.
//
// This is the piece cucaracha never needed (its toy ISA had no inlining),
// grounded instead on how the pack's `dispatchrun-wzprof` traceback code
// keeps a single physical PC but reports multiple logical frames for
// inlined Go functions — same idea, applied to DWARF's
// DW_TAG_inlined_subroutine representation instead of Go's pclntab.
func expandInlines(physical []physFrame, index *symtab.Index) []Frame {
	var out []Frame
	for _, pf := range physical {
		if pf.fn == nil {
			out = append(out, Frame{PC: pf.pc, Regs: pf.regs})
			continue
		}

		innermost := innermostInlinedCalls(pf.fn, pf.pc)
		for i := len(innermost) - 1; i >= 0; i-- {
			ic := innermost[i]
			out = append(out, Frame{
				PC:       pf.pc,
				Function: pf.fn,
				Inlined:  ic,
				Regs:     pf.regs,
			})
		}

		out = append(out, Frame{
			PC:       pf.pc,
			Function: pf.fn,
			Regs:     pf.regs,
		})
	}
	return out
}

// innermostInlinedCalls returns every inlined call in fn whose range
// contains pc, ordered outermost-first as declared in the DIE tree (DWARF
// nests inlined_subroutine DIEs lexically, so a narrower range always
// appears alongside or after its enclosing one in fn.InlinedCalls).
func innermostInlinedCalls(fn *symtab.Function, pc uint64) []*symtab.InlinedCall {
	var matches []*symtab.InlinedCall
	for i := range fn.InlinedCalls {
		ic := &fn.InlinedCalls[i]
		if ic.Contains(pc) {
			matches = append(matches, ic)
		}
	}
	return matches
}
