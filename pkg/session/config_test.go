package session

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesDocumentedDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, runtime.NumCPU(), cfg.SymbolWorkers)
	assert.Equal(t, "line", cfg.DefaultStepGranularity)
	assert.Equal(t, "auto", cfg.ColorScheme)
	assert.False(t, cfg.PreferHardwareBreakpoints)
}

func TestLoadConfigWithMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, "line", cfg.DefaultStepGranularity)
	assert.Equal(t, "auto", cfg.ColorScheme)
}

func TestPersistedStateRoundTripsThroughWriteAndLoad(t *testing.T) {
	ps := NewPersistedState()
	ps.Set("breakpoints", []byte(`[{"addr":4096}]`))
	ps.Set("binary_path", []byte("/bin/target"))

	var buf bytes.Buffer
	require.NoError(t, ps.Write(&buf))

	loaded, err := LoadPersistedState(&buf)
	require.NoError(t, err)

	v, ok := loaded.Get("breakpoints")
	require.True(t, ok)
	assert.Equal(t, `[{"addr":4096}]`, string(v))

	v, ok = loaded.Get("binary_path")
	require.True(t, ok)
	assert.Equal(t, "/bin/target", string(v))

	assert.Equal(t, []string{"binary_path", "breakpoints"}, loaded.Keys())
}

func TestPersistedStateRejectsUnknownVersion(t *testing.T) {
	_, err := LoadPersistedState(bytes.NewBufferString("nnd-state v99\n"))
	assert.Error(t, err)
}

func TestPersistedStateJSONHelpers(t *testing.T) {
	type breakpoint struct {
		Addr uint64 `json:"addr"`
	}

	ps := NewPersistedState()
	require.NoError(t, ps.SetJSON("bp", breakpoint{Addr: 0x4000}))

	var got breakpoint
	ok, err := ps.GetJSON("bp", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 0x4000, got.Addr)

	ok, err = ps.GetJSON("missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistedStateDelete(t *testing.T) {
	ps := NewPersistedState()
	ps.Set("k", []byte("v"))
	ps.Delete("k")
	_, ok := ps.Get("k")
	assert.False(t, ok)
}
