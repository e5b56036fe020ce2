package uiapi

// EventKind classifies an Event posted to a Queue. This is the UI-facing
// counterpart to pkg/ctrl.EventKind (ThreadStopped/ThreadExited/...): ctrl's
// events describe raw ptrace-level state transitions consumed by
// pkg/session, while uiapi's events are what pkg/session derives from them
// plus from completed Commands — stop notifications already resolved to a
// frame and source location, command results, and async symbol-load
// progress, the display-ready shape a TUI's event-drain loop expects.
type EventKind int

const (
	EventStopped EventKind = iota
	EventContinued
	EventExited
	EventBreakpointHit
	EventCommandCompleted
	EventSymbolsLoading
	EventSymbolsLoaded
	EventOutput
	EventError
)

// Event is one item posted to a Queue. Only the fields relevant to Kind
// are populated; this mirrors cucaracha's EventData (a single struct with
// kind-dependent fields) rather than a Go type-switch interface, since the
// TUI side is expected to switch on Kind exactly the way cucaracha's
// OnEvent implementations did.
type Event struct {
	Kind EventKind

	// Set for EventCommandCompleted: which Request this completes, and its
	// result or error.
	CommandID CommandID
	Result    interface{}
	Err       error

	// Set for EventStopped/EventBreakpointHit.
	PC             uint64
	ThreadID       int
	StopReason     string
	BreakpointID   int
	SourceFile     string
	SourceLine     int

	// Set for EventSymbolsLoading/EventSymbolsLoaded.
	BinaryPath string

	// Set for EventExited.
	ExitCode int

	// Set for EventOutput (tracee stdout/stderr passthrough) and EventError.
	Text string
}

// queueCapacity bounds how many undrained events a Queue holds before it
// starts dropping the oldest one, so a core thread posting events never
// blocks waiting on a slow or wedged UI — the spec's "outbound event queue
// only" contract requires posting to never become a synchronization point
// back into the core.
const queueCapacity = 1024

// Queue is the core's outbound event channel. Post never blocks: once full,
// the oldest queued event is discarded to make room. The queue does not
// count discarded events or report them to the UI.
type Queue struct {
	ch      chan Event
	dropped chan struct{}
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{
		ch:      make(chan Event, queueCapacity),
		dropped: make(chan struct{}, 1),
	}
}

// Post enqueues ev, dropping the oldest queued event first if the queue is
// full. Never blocks.
func (q *Queue) Post(ev Event) {
	for {
		select {
		case q.ch <- ev:
			return
		default:
		}
		select {
		case <-q.ch:
			select {
			case q.dropped <- struct{}{}:
			default:
			}
		default:
			// Another goroutine drained concurrently; retry the send.
		}
	}
}

// Drain blocks until at least one event is available, then returns every
// event currently queued without blocking further — the shape a UI event
// loop wants (wake up, process a batch, go back to waiting) rather than a
// one-event-per-wakeup API.
func (q *Queue) Drain() []Event {
	first := <-q.ch
	out := []Event{first}
	for {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// TryDrain is Drain's non-blocking counterpart, for a UI loop that polls
// on a ticker instead of blocking on the channel.
func (q *Queue) TryDrain() []Event {
	var out []Event
	for {
		select {
		case ev := <-q.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
