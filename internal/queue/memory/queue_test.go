package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/download"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan download.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	item := download.QueueItem{JobID: uuid.New(), SourceURL: "https://example.com/v", Handle: "h-1"}
	require.NoError(t, q.Enqueue(context.Background(), item))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, item, got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	qEnqueue := NewQueue(1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), download.QueueItem{Handle: "primed"}))
	require.Equal(t, 1, qEnqueue.Len())
	err = qEnqueue.Enqueue(ctx, download.QueueItem{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueCloseDrainsBufferedItems(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), download.QueueItem{Handle: "a"}))
	require.NoError(t, q.Close())
	require.ErrorIs(t, q.Enqueue(context.Background(), download.QueueItem{Handle: "b"}), download.ErrQueueClosed)

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, download.Handle("a"), got.Handle)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, download.ErrQueueClosed)
	require.NoError(t, q.Close())
}
