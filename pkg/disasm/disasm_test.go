package disasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCallRel32(t *testing.T) {
	d := NewStubDecoder()
	code := []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0x90}
	instr, err := d.Decode(0x1000, code)
	require.NoError(t, err)
	assert.Equal(t, 5, instr.Length)
	assert.Equal(t, "call", instr.Text)
}

func TestDecodeRet(t *testing.T) {
	d := NewStubDecoder()
	instr, err := d.Decode(0x2000, []byte{0xC3})
	require.NoError(t, err)
	assert.Equal(t, 1, instr.Length)
	assert.Equal(t, "ret", instr.Text)
}

func TestDecodePushRBP(t *testing.T) {
	d := NewStubDecoder()
	instr, err := d.Decode(0x3000, []byte{0x55, 0x48, 0x89, 0xE5})
	require.NoError(t, err)
	assert.Equal(t, 1, instr.Length)
	assert.Equal(t, "push rbp", instr.Text)
}

func TestDecodePLTIndirectJump(t *testing.T) {
	d := NewStubDecoder()
	// ff 25 <disp32>: jmp *rip-relative — ModRM byte 0x25 has reg field 4 (0x20).
	code := []byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00}
	instr, err := d.Decode(0x4000, code)
	require.NoError(t, err)
	assert.Equal(t, "jmp *", instr.Text)
}

func TestDecodeUnknownByteMakesForwardProgress(t *testing.T) {
	d := NewStubDecoder()
	instr, err := d.Decode(0x5000, []byte{0x0F})
	require.NoError(t, err)
	assert.Equal(t, 1, instr.Length)
}

func TestDecodeEmptyBufferErrors(t *testing.T) {
	d := NewStubDecoder()
	_, err := d.Decode(0x6000, nil)
	assert.Error(t, err)
}

func TestDecodeRexPrefixSkipped(t *testing.T) {
	d := NewStubDecoder()
	// 48 c3 would be unusual but REX.W + ret-opcode byte should still
	// advance past the prefix before classifying the opcode.
	instr, err := d.Decode(0x7000, []byte{0x48, 0xC3})
	require.NoError(t, err)
	assert.Equal(t, "ret", instr.Text)
	assert.Equal(t, 2, instr.Length)
}
