package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/download"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	job := download.NewJob(uuid.New(), "https://x/video", now)

	require.NoError(t, store.Create(ctx, job))
	require.ErrorIs(t, store.Create(ctx, job), download.ErrAlreadyExists)

	ok, err := store.AttachHandle(ctx, job.ID, "h-1", now)
	require.NoError(t, err)
	require.True(t, ok)

	started, err := store.Transition(ctx, job.ID, download.StartTransition(now.Add(time.Second)))
	require.NoError(t, err)
	require.Equal(t, download.StatusInProgress, started.Status)
	require.Equal(t, download.Handle("h-1"), started.Handle)

	for _, pct := range []float64{42.5, 10, 42.5} {
		_, err := store.AdvanceProgress(ctx, job.ID, pct, now.Add(2*time.Second))
		require.NoError(t, err)
	}
	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 42.5, got.Progress)

	out := download.Output{Filename: "video.mp4", Path: "file:///tmp/video.mp4", Size: 10}
	done, err := store.Transition(ctx, job.ID, download.CompleteTransition(out, now.Add(3*time.Second)))
	require.NoError(t, err)
	require.Equal(t, download.StatusCompleted, done.Status)
	require.Equal(t, 100.0, done.Progress)
	require.Empty(t, done.Handle)

	done.Output.Filename = "mutated"
	again, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "video.mp4", again.Output.Filename, "Get must return a copy")
}

func TestJobStoreTerminalRecordIsFrozen(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	now := time.Now().UTC()
	job := download.NewJob(uuid.New(), "https://x/video", now)
	require.NoError(t, store.Create(ctx, job))
	_, err := store.Transition(ctx, job.ID, download.CancelTransition(now))
	require.NoError(t, err)
	before, err := store.Get(ctx, job.ID)
	require.NoError(t, err)

	applied, err := store.AdvanceProgress(ctx, job.ID, 99, now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, applied)
	attached, err := store.AttachHandle(ctx, job.ID, "late", now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, attached)
	_, err = store.Transition(ctx, job.ID, download.CompleteTransition(download.Output{}, now.Add(time.Minute)))
	require.ErrorIs(t, err, download.ErrAlreadyTerminal)

	after, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	_, err := store.Get(ctx, uuid.New())
	require.ErrorIs(t, err, download.ErrNotFound)
	_, err = store.Transition(ctx, uuid.New(), download.CancelTransition(time.Now()))
	require.ErrorIs(t, err, download.ErrNotFound)
	_, err = store.AdvanceProgress(ctx, uuid.New(), 1, time.Now())
	require.ErrorIs(t, err, download.ErrNotFound)
}

func TestJobStoreListNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		job := download.NewJob(uuid.New(), "https://x/video", base.Add(time.Duration(i)*time.Second))
		ids = append(ids, job.ID)
		require.NoError(t, store.Create(ctx, job))
	}

	jobs, err := store.List(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, ids[2], jobs[0].ID)

	jobs, err = store.List(ctx, 50, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, ids[1], jobs[0].ID)
	require.Equal(t, ids[0], jobs[1].ID)

	jobs, err = store.List(ctx, 10, 5)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestJobStoreConcurrentCancelAndComplete(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		store := NewJobStore()
		ctx := context.Background()
		now := time.Now().UTC()
		job := download.NewJob(uuid.New(), "https://x/video", now)
		require.NoError(t, store.Create(ctx, job))
		_, err := store.Transition(ctx, job.ID, download.StartTransition(now))
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, results[0] = store.Transition(ctx, job.ID, download.CancelTransition(now))
		}()
		go func() {
			defer wg.Done()
			_, results[1] = store.Transition(ctx, job.ID,
				download.CompleteTransition(download.Output{Filename: "f"}, now))
		}()
		wg.Wait()

		winners := 0
		for _, err := range results {
			if err == nil {
				winners++
			} else {
				require.ErrorIs(t, err, download.ErrAlreadyTerminal)
			}
		}
		require.Equal(t, 1, winners)
	}
}

func TestJobStoreSessionsRelease(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	sess, err := store.Acquire(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, store.OpenSessions())
	sess.Release()
	sess.Release()
	require.EqualValues(t, 0, store.OpenSessions())
}
