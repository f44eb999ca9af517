// Package dispatcher contains tests for execution registration and worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/download"
	iduuid "github.com/JakeFAU/media-fetcher/internal/id/uuid"
	"github.com/JakeFAU/media-fetcher/internal/queue/memory"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

func newTestDispatcher(t *testing.T, queue download.Queue) *Dispatcher {
	t.Helper()
	return New(queue, iduuid.New(), fakeClock{now: time.Unix(100, 0).UTC()}, zap.NewNop())
}

func TestSubmitEnqueuesAndRejectsDuplicates(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	d := newTestDispatcher(t, q)
	jobID := uuid.New()

	h, err := d.Submit(context.Background(), jobID, "https://example.com/v/1")
	require.NoError(t, err)
	require.NotEmpty(t, h)

	_, err = d.Submit(context.Background(), jobID, "https://example.com/v/1")
	require.ErrorIs(t, err, download.ErrAlreadyDispatched)
	require.Equal(t, 1, q.Len())

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, jobID, item.JobID)
	require.Equal(t, h, item.Handle)
	require.Equal(t, "https://example.com/v/1", item.SourceURL)
	require.Equal(t, 1, d.Pending())
}

func TestRevokePendingDropsExecutionOnClaim(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	d := newTestDispatcher(t, q)
	jobID := uuid.New()
	h, err := d.Submit(context.Background(), jobID, "https://example.com/a")
	require.NoError(t, err)

	require.True(t, d.Revoke(h))
	require.False(t, d.Revoke(h), "second revoke finds nothing to signal")
	require.Zero(t, d.Pending())

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	ctx, ok := d.Claim(context.Background(), item)
	require.False(t, ok)
	require.Nil(t, ctx)
}

func TestRevokeRunningCancelsWithCause(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	d := newTestDispatcher(t, q)
	h, err := d.Submit(context.Background(), uuid.New(), "https://example.com/a")
	require.NoError(t, err)
	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	ctx, ok := d.Claim(context.Background(), item)
	require.True(t, ok)
	require.NoError(t, ctx.Err())

	require.True(t, d.Revoke(h))
	<-ctx.Done()
	require.ErrorIs(t, context.Cause(ctx), download.ErrRevoked)

	d.Release(h)
	require.False(t, d.Revoke(h))
}

func TestRevokeJobFindsExecutionByID(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(2)
	d := newTestDispatcher(t, q)
	require.False(t, d.RevokeJob(uuid.New()))

	pendingID := uuid.New()
	_, err := d.Submit(context.Background(), pendingID, "https://example.com/a")
	require.NoError(t, err)
	runningID := uuid.New()
	_, err = d.Submit(context.Background(), runningID, "https://example.com/b")
	require.NoError(t, err)

	first, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	second, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	ctx, ok := d.Claim(context.Background(), second)
	require.True(t, ok)

	require.True(t, d.RevokeJob(pendingID))
	require.True(t, d.RevokeJob(runningID))
	require.ErrorIs(t, context.Cause(ctx), download.ErrRevoked)
	require.False(t, d.RevokeJob(runningID))

	_, ok = d.Claim(context.Background(), first)
	require.False(t, ok)
}

func TestReleaseAllowsRedispatch(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(2)
	d := newTestDispatcher(t, q)
	jobID := uuid.New()
	h, err := d.Submit(context.Background(), jobID, "https://example.com/a")
	require.NoError(t, err)
	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	ctx, ok := d.Claim(context.Background(), item)
	require.True(t, ok)

	d.Release(h)
	require.ErrorIs(t, context.Cause(ctx), context.Canceled)
	_, err = d.Submit(context.Background(), jobID, "https://example.com/a")
	require.NoError(t, err)
}

func TestClaimAdoptsForeignItems(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, memory.NewQueue(1))
	item := download.QueueItem{JobID: uuid.New(), Handle: "exec-remote", Submitted: time.Unix(90, 0)}

	ctx, ok := d.Claim(context.Background(), item)
	require.True(t, ok)
	require.True(t, d.Revoke("exec-remote"))
	require.ErrorIs(t, context.Cause(ctx), download.ErrRevoked)

	_, ok = d.Claim(context.Background(), item)
	require.False(t, ok, "a revoked execution is never claimed twice")
}

// TestSubmitForwardsQueueErrors verifies queue errors are wrapped and the registration is dropped.
func TestSubmitForwardsQueueErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	d := newTestDispatcher(t, &errorQueue{err: boom})
	jobID := uuid.New()

	_, err := d.Submit(context.Background(), jobID, "https://example.com")
	require.ErrorIs(t, err, boom)
	require.EqualError(t, err, "queue enqueue: boom")
	require.Zero(t, d.Pending())
}

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, memory.NewQueue(1))
	var started, stopped atomic.Int32
	runners := []Runner{
		&blockingRunner{started: &started, stopped: &stopped},
		&blockingRunner{started: &started, stopped: &stopped},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, runners...)
		close(done)
	}()

	require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	require.Equal(t, int32(2), stopped.Load())
}

type blockingRunner struct {
	started *atomic.Int32
	stopped *atomic.Int32
}

func (r *blockingRunner) Run(ctx context.Context) {
	r.started.Add(1)
	<-ctx.Done()
	r.stopped.Add(1)
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, download.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (download.QueueItem, error) {
	return download.QueueItem{}, q.err
}

func (q *errorQueue) Close() error { return nil }
