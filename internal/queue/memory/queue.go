// Package memory provides an in-process priority queue for crawl tasks.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
)

// Queue is an unbounded priority queue. Higher Task.Priority values are
// dequeued first; tasks of equal priority leave in FIFO order. Enqueue never
// blocks, so workers can submit children without deadlocking the pool.
type Queue struct {
	mu     sync.Mutex
	items  taskHeap
	seq    uint64
	closed bool

	// ready holds at most one wakeup token; done is closed by Close.
	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Enqueue adds a task to the queue.
func (q *Queue) Enqueue(ctx context.Context, task crawler.Task) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return crawler.ErrQueueClosed
	}
	heap.Push(&q.items, entry{task: task, seq: q.seq})
	q.seq++
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dequeue blocks until a task is available, the queue is closed and empty,
// or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Task, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			e, _ := heap.Pop(&q.items).(entry)
			more := q.items.Len() > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return e.task, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return crawler.Task{}, crawler.ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return crawler.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.ready:
		case <-q.done:
		}
	}
}

// Len reports the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops accepting tasks and wakes every blocked Dequeue. Tasks already
// queued can still be drained.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

type entry struct {
	task crawler.Task
	seq  uint64
}

type taskHeap []entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	e, _ := x.(entry)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}
