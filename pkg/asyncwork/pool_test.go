package asyncwork

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunCompletesAllJobs(t *testing.T) {
	pool := New(4)
	var count int32
	jobs := make([]Job, 0, 20)
	for i := 0; i < 20; i++ {
		jobs = append(jobs, func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
	}

	err := pool.Run(context.Background(), "index", jobs)
	require.NoError(t, err)
	assert.Equal(t, int32(20), count)

	snap := pool.Snapshot()
	assert.Equal(t, 20, snap.Done)
	assert.Equal(t, 20, snap.Total)
	assert.Equal(t, "index", snap.Stage)
}

func TestPoolRunPropagatesJobError(t *testing.T) {
	pool := New(2)
	wantErr := errors.New("boom")
	jobs := []Job{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return wantErr },
	}

	err := pool.Run(context.Background(), "index", jobs)
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}

func TestPoolRunRespectsExternalCancel(t *testing.T) {
	pool := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	jobs := []Job{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
	}

	err := pool.Run(ctx, "index", jobs)
	// Cancellation before any job runs should surface as an error rather
	// than silently reporting success.
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolRunEmptyJobList(t *testing.T) {
	pool := New(2)
	err := pool.Run(context.Background(), "noop", nil)
	require.NoError(t, err)
}

func TestManagerCancelReplacesPreviousJob(t *testing.T) {
	m := NewManager()
	ctx1 := m.Start(context.Background(), "scan")

	m.Start(context.Background(), "scan")
	select {
	case <-ctx1.Done():
	case <-time.After(time.Second):
		t.Fatal("expected previous job's context to be cancelled")
	}
}

func TestManagerCancelAll(t *testing.T) {
	m := NewManager()
	ctxA := m.Start(context.Background(), "a")
	ctxB := m.Start(context.Background(), "b")

	m.CancelAll()

	assert.ErrorIs(t, ctxA.Err(), context.Canceled)
	assert.ErrorIs(t, ctxB.Err(), context.Canceled)
}

func TestCheckPoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, CheckPoint(ctx))
	cancel()
	assert.ErrorIs(t, CheckPoint(ctx), context.Canceled)
}
