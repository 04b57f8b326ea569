// Package dispatcher manages worker fan-out over the task queue and decides
// when a crawl has finished.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/progress"
	"github.com/JakeFAU/ledger-crawler/internal/worker"
)

// Close reasons reported when a crawl ends.
const (
	ReasonFinished  = "finished"
	ReasonCancelled = "cancelled"
)

// ErrFinished is returned by Submit once the crawl has drained.
var ErrFinished = errors.New("crawl finished")

// Queue is the closable task queue the dispatcher drives.
type Queue interface {
	crawler.Queue
	Close()
}

// Runner is a worker loop.
type Runner interface {
	Run(ctx context.Context, sched worker.Scheduler)
}

// SeedFunc submits the crawl's initial tasks.
type SeedFunc func(ctx context.Context) error

// Dispatcher fans out queue work to a pool of workers. It counts tasks that
// were submitted but not yet finished; when that count returns to zero after
// seeding, the queue is closed and the workers exit.
type Dispatcher struct {
	queue   Queue
	workers []Runner
	emitter progress.Emitter
	logger  *zap.Logger

	mu          sync.Mutex
	outstanding int
	seeding     bool
	finished    bool
}

// New creates a Dispatcher. A nil emitter discards events.
func New(queue Queue, workers []Runner, emitter progress.Emitter, logger *zap.Logger) *Dispatcher {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		emitter: emitter,
		logger:  logger.Named("dispatcher"),
		seeding: true,
	}
}

// Run starts all workers, runs seed, and blocks until the crawl drains or
// ctx finishes. It returns the close reason and the seeding error, if any.
func (d *Dispatcher) Run(ctx context.Context, seed SeedFunc) (string, error) {
	start := time.Now()
	d.emitter.Emit(progress.Event{Stage: progress.StageCrawlStart})
	d.logger.Info("crawl started", zap.Int("workers", len(d.workers)))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		g.Go(func() error {
			w.Run(gctx, d)
			return nil
		})
	}
	g.Go(func() error {
		defer d.seedingDone()
		if seed == nil {
			return nil
		}
		if err := seed(gctx); err != nil {
			return fmt.Errorf("seed crawl: %w", err)
		}
		return nil
	})
	err := g.Wait()

	reason := ReasonFinished
	if ctx.Err() != nil || err != nil {
		reason = ReasonCancelled
	}
	d.mu.Lock()
	left := d.outstanding
	d.mu.Unlock()

	d.logger.Info("crawl closed",
		zap.String("reason", reason),
		zap.Int("outstanding", left),
		zap.Duration("elapsed", time.Since(start)),
	)
	d.emitter.Emit(progress.Event{
		Stage: progress.StageCrawlDone,
		Dur:   time.Since(start),
		Note:  reason,
	})
	return reason, err
}

// Submit enqueues task and counts it as outstanding.
func (d *Dispatcher) Submit(ctx context.Context, task crawler.Task) error {
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return ErrFinished
	}
	d.outstanding++
	d.mu.Unlock()

	if err := d.queue.Enqueue(ctx, task); err != nil {
		d.TaskDone()
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// TaskDone marks one submitted task as finished.
func (d *Dispatcher) TaskDone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outstanding > 0 {
		d.outstanding--
	}
	d.maybeFinishLocked()
}

// Outstanding reports tasks submitted but not yet finished.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outstanding
}

func (d *Dispatcher) seedingDone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeding = false
	d.maybeFinishLocked()
}

func (d *Dispatcher) maybeFinishLocked() {
	if d.finished || d.seeding || d.outstanding > 0 {
		return
	}
	d.finished = true
	d.queue.Close()
}
