// Package asyncwork provides a cancellable worker pool with progress
// reporting, used by the symbol index builder to parse compilation units in
// parallel and by any other long-running background task that must stay
// cooperatively cancellable and report coarse-grained progress to a TUI.
package asyncwork

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Progress is a snapshot of a running job's completion state.
type Progress struct {
	Stage string
	Done  int
	Total int
}

// Job is one unit of cancellable, progress-reporting work. Run is called on
// a pool worker goroutine; it must check ctx.Done() at reasonable
// boundaries (cucaracha's interpreter checked for external interrupts
// between instructions — the DWARF analog is checking between compilation
// units, not mid-DIE, since a CU is the smallest unit of work a cancel
// should be allowed to abandon cleanly).
type Job func(ctx context.Context) error

// Pool runs jobs across a fixed number of worker goroutines and aggregates
// their progress into a single Progress value obtainable via Snapshot.
type Pool struct {
	workers int
	stage   string

	mu      sync.Mutex
	total   int
	done    int32
	running bool
}

// New creates a Pool with the given worker count. A workers value <= 0
// means "one worker per available CPU", matching runtime.GOMAXPROCS(0).
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{workers: workers}
}

// Run executes jobs concurrently across the pool's workers, blocking until
// all jobs complete, ctx is cancelled, or one job returns an error (in
// which case the remaining unstarted jobs are skipped and Run returns that
// error — already-running jobs are not forcibly killed, only asked via ctx
// to stop). stage labels the Progress reported while this call is active.
func (p *Pool) Run(ctx context.Context, stage string, jobs []Job) error {
	p.mu.Lock()
	p.stage = stage
	p.total = len(jobs)
	atomic.StoreInt32(&p.done, 0)
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	if len(jobs) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobCh := make(chan Job)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				if ctx.Err() != nil {
					continue
				}
				if err := job(ctx); err != nil {
					select {
					case errCh <- err:
						cancel()
					default:
					}
					continue
				}
				atomic.AddInt32(&p.done, 1)
			}
		}()
	}

	go func() {
		defer close(jobCh)
		for _, job := range jobs {
			select {
			case jobCh <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}

	if ctx.Err() != nil && int(atomic.LoadInt32(&p.done)) < len(jobs) {
		return fmt.Errorf("asyncwork: %s cancelled: %w", stage, context.Canceled)
	}

	return nil
}

// Snapshot returns the current progress of the most recent or in-flight
// Run call. Safe to call concurrently with Run; the spec's 200ms budget
// for progress queries is met because this only reads atomics and a mutex
// guarding two plain fields, never touching job state itself.
func (p *Pool) Snapshot() Progress {
	p.mu.Lock()
	stage, total := p.stage, p.total
	p.mu.Unlock()
	return Progress{Stage: stage, Done: int(atomic.LoadInt32(&p.done)), Total: total}
}
