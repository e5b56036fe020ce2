package ctrl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakpointAtFindsInstalledBreakpoint(t *testing.T) {
	c := New()
	c.nextBPID++
	bp := &Breakpoint{ID: c.nextBPID, Addr: 0x4010, Kind: BreakpointSoftware}
	c.breakpoints[bp.ID] = bp

	got, ok := c.BreakpointAt(0x4010)
	require.True(t, ok)
	assert.Same(t, bp, got)

	_, ok = c.BreakpointAt(0x5000)
	assert.False(t, ok)
}

func TestSetConditionUpdatesBreakpointCondition(t *testing.T) {
	c := New()
	c.nextBPID++
	bp := &Breakpoint{ID: c.nextBPID, Addr: 0x4010, Kind: BreakpointSoftware}
	c.breakpoints[bp.ID] = bp

	require.NoError(t, c.SetCondition(bp.ID, "x > 1"))
	assert.Equal(t, "x > 1", bp.Condition)
}

func TestSetConditionUnknownBreakpointErrors(t *testing.T) {
	c := New()
	err := c.SetCondition(999, "x > 1")
	assert.Error(t, err)
}
