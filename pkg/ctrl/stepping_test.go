package ctrl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallInstructionLenRel32(t *testing.T) {
	// E8 <4-byte rel32> is a direct call.
	buf := []byte{0xE8, 0x10, 0x00, 0x00, 0x00, 0x90}
	length, isCall := callInstructionLen(buf)
	assert.True(t, isCall)
	assert.Equal(t, 5, length)
}

func TestCallInstructionLenIndirectRegister(t *testing.T) {
	// FF D0 == call rax (mod=11, reg=2, rm=0).
	buf := []byte{0xFF, 0xD0, 0x90}
	length, isCall := callInstructionLen(buf)
	assert.True(t, isCall)
	assert.Equal(t, 2, length)
}

func TestCallInstructionLenIndirectMemoryDisp8(t *testing.T) {
	// FF 50 08 == call [rax+8] (mod=01, reg=2, rm=0, disp8).
	buf := []byte{0xFF, 0x50, 0x08, 0x90}
	length, isCall := callInstructionLen(buf)
	assert.True(t, isCall)
	assert.Equal(t, 3, length)
}

func TestCallInstructionLenNotACall(t *testing.T) {
	// 90 is NOP.
	buf := []byte{0x90, 0x90, 0x90}
	_, isCall := callInstructionLen(buf)
	assert.False(t, isCall)
}

func TestCallInstructionLenFFNonCallReg(t *testing.T) {
	// FF /0 is INC r/m, not a call (reg field == 0).
	buf := []byte{0xFF, 0xC0}
	_, isCall := callInstructionLen(buf)
	assert.False(t, isCall)
}

func TestDR7BitsExecuteBreakpointSlot0(t *testing.T) {
	bits := dr7Bits(0, 0, 1)
	assert.Equal(t, uint64(0x1), bits&0x3) // local enable bit 0
	assert.Equal(t, uint64(0), bits>>16&0xf)
}

func TestDR7BitsWatchWriteSlot2(t *testing.T) {
	bits := dr7Bits(2, WatchWrite, 4)
	assert.Equal(t, uint64(1)<<4, bits&(uint64(1)<<4)) // local enable bit for slot 2
	rw := (bits >> (16 + 4*2)) & 0x3
	assert.Equal(t, uint64(WatchWrite), rw)
	lenBits := (bits >> (18 + 4*2)) & 0x3
	assert.Equal(t, uint64(0x3), lenBits) // length 4 encodes as 0b11
}

func TestThreadStateString(t *testing.T) {
	assert.Equal(t, "running", ThreadRunning.String())
	assert.Equal(t, "exited", ThreadExited.String())
	assert.Equal(t, "unknown", ThreadState(99).String())
}

func TestStopReasonString(t *testing.T) {
	assert.Equal(t, "breakpoint", StopBreakpoint.String())
	assert.Equal(t, "single-step", StopSingleStep.String())
}
