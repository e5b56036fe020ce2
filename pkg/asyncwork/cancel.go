package asyncwork

import "context"

// CheckPoint returns ctx.Err() if ctx has been cancelled, else nil. Callers
// doing CU-by-CU or section-by-section work call this between units rather
// than inside a unit's DIE walk, so a cancel always lands on a clean
// boundary instead of leaving a half-built compilation unit in an index.
func CheckPoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Manager coordinates a set of named long-running jobs (symbol indexing,
// debuginfod fetches) so that a session can report "what's running" and
// cancel everything at once on detach, mirroring how cucaracha's
// interpreter.Debugger tracked a single in-flight execution plus its
// cancellation channel, generalized to N concurrently named jobs.
type Manager struct {
	jobs map[string]context.CancelFunc
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{jobs: make(map[string]context.CancelFunc)}
}

// Start registers name as running under a child of parent, returning the
// context jobs should observe for cancellation. Calling Start again with
// the same name cancels the previous job before registering the new one.
func (m *Manager) Start(parent context.Context, name string) context.Context {
	if cancel, ok := m.jobs[name]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	m.jobs[name] = cancel
	return ctx
}

// Cancel cancels the named job, if running. A no-op if name isn't tracked.
func (m *Manager) Cancel(name string) {
	if cancel, ok := m.jobs[name]; ok {
		cancel()
		delete(m.jobs, name)
	}
}

// CancelAll cancels every tracked job, used on session detach/shutdown.
func (m *Manager) CancelAll() {
	for name, cancel := range m.jobs {
		cancel()
		delete(m.jobs, name)
	}
}

// Done marks name as finished without cancelling its context (the job
// completed on its own); subsequent Cancel/CancelAll calls for it are
// no-ops.
func (m *Manager) Done(name string) {
	delete(m.jobs, name)
}
