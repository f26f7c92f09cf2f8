package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

func TestQueueDeliversInOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	ctx := context.Background()
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, q.Enqueue(ctx, tracker.QueueItem{JobID: id}))
	}
	require.Equal(t, 3, q.Len())

	for _, want := range []string{"job-1", "job-2", "job-3"} {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, item.JobID)
	}
	require.Zero(t, q.Len())
}

func TestQueueDequeueWaitsForWork(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	got := make(chan tracker.QueueItem, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err == nil {
			got <- item
		}
	}()

	require.NoError(t, q.Enqueue(context.Background(), tracker.QueueItem{JobID: "job-7"}))
	select {
	case item := <-got:
		require.Equal(t, "job-7", item.JobID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := NewQueue(1)
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, q.Enqueue(context.Background(), tracker.QueueItem{JobID: "fills-queue"}))
	err = q.Enqueue(ctx, tracker.QueueItem{JobID: "blocked"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), tracker.QueueItem{JobID: "queued"}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), tracker.QueueItem{JobID: "late"}), ErrClosed)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "queued", item.JobID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
