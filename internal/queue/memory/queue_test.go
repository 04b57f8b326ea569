package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	result := make(chan crawler.Task, 1)
	errCh := make(chan error, 1)

	go func() {
		task, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- task
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to block
	require.NoError(t, q.Enqueue(context.Background(), crawler.Task{Fingerprint: "fp-1"}))

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "fp-1", got.Fingerprint)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return task")
	}
}

func TestQueuePriorityOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	for _, task := range []crawler.Task{
		{Fingerprint: "root", Priority: crawler.PageRoot.Priority()},
		{Fingerprint: "cat-1", Priority: crawler.PageCategory.Priority()},
		{Fingerprint: "item-1", Priority: crawler.PageItem.Priority()},
		{Fingerprint: "cat-2", Priority: crawler.PageCategory.Priority()},
		{Fingerprint: "item-2", Priority: crawler.PageItem.Priority()},
	} {
		require.NoError(t, q.Enqueue(ctx, task))
	}
	require.Equal(t, 5, q.Len())

	var got []string
	for q.Len() > 0 {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, task.Fingerprint)
	}
	require.Equal(t, []string{"item-1", "item-2", "cat-1", "cat-2", "root"}, got)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	err = q.Enqueue(ctx, crawler.Task{Fingerprint: "late"})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, crawler.Task{Fingerprint: "left"}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(ctx, crawler.Task{Fingerprint: "new"}), crawler.ErrQueueClosed)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "left", task.Fingerprint)

	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
}

func TestQueueCloseWakesAllWaiters(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	const waiters = 4
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Dequeue(context.Background())
			errs <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.True(t, errors.Is(err, crawler.ErrQueueClosed))
	}
}

func TestQueueConcurrentProducersConsumers(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	const total = 200

	var produced sync.WaitGroup
	for p := range 4 {
		produced.Add(1)
		go func() {
			defer produced.Done()
			for i := range total / 4 {
				_ = q.Enqueue(ctx, crawler.Task{Priority: (p + i) % 3})
			}
		}()
	}

	var (
		mu       sync.Mutex
		received int
		consumed sync.WaitGroup
	)
	for range 3 {
		consumed.Add(1)
		go func() {
			defer consumed.Done()
			for {
				if _, err := q.Dequeue(ctx); err != nil {
					return
				}
				mu.Lock()
				received++
				mu.Unlock()
			}
		}()
	}

	produced.Wait()
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	q.Close()
	consumed.Wait()
	require.Equal(t, total, received)
}
