package uiapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePostAndDrain(t *testing.T) {
	q := NewQueue()
	q.Post(Event{Kind: EventStopped, PC: 0x400000})
	q.Post(Event{Kind: EventOutput, Text: "hello"})

	events := q.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, EventStopped, events[0].Kind)
	assert.EqualValues(t, 0x400000, events[0].PC)
	assert.Equal(t, EventOutput, events[1].Kind)
	assert.Equal(t, "hello", events[1].Text)
}

func TestQueueTryDrainEmpty(t *testing.T) {
	q := NewQueue()
	assert.Empty(t, q.TryDrain())
}

func TestQueuePostNeverBlocksWhenFull(t *testing.T) {
	q := NewQueue()
	for i := 0; i < queueCapacity+10; i++ {
		q.Post(Event{Kind: EventOutput, Text: "x"})
	}
	events := q.TryDrain()
	assert.LessOrEqual(t, len(events), queueCapacity)
}

func TestRequestString(t *testing.T) {
	r := Request{ID: 7, Name: "break", Args: []string{"main.go:10"}}
	assert.Contains(t, r.String(), "#7")
	assert.Contains(t, r.String(), "break")
}
