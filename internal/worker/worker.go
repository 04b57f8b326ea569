// Package worker implements the per-task crawl pipeline: fetch, parse,
// vet and schedule children, and emit records, reporting every lifecycle
// step to the event adapter.
package worker

import (
	"context"
	"errors"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/progress"
)

// Lifecycle receives the engine events that drive the ledger and tracker.
type Lifecycle interface {
	TaskStarted(ctx context.Context, task crawler.Task)
	ChildSpawned(ctx context.Context, parent, child string) bool
	TaskYieldedRecord(ctx context.Context, fingerprint string)
	TaskOutcome(ctx context.Context, fingerprint string, outcome crawler.Outcome)
}

// Deduper decides whether a child request is skipped.
type Deduper interface {
	ShouldSkip(ctx context.Context, fingerprint string, dontFilter bool) bool
}

// Scheduler accepts new tasks and is told when a dequeued task is finished.
type Scheduler interface {
	Submit(ctx context.Context, task crawler.Task) error
	TaskDone()
}

// Worker consumes tasks from the queue and runs them to a single outcome.
type Worker struct {
	queue         crawler.Queue
	fetcher       crawler.Fetcher
	parser        crawler.Parser
	fingerprinter crawler.Fingerprinter
	dedup         Deduper
	lifecycle     Lifecycle
	sink          crawler.RecordSink
	emitter       progress.Emitter
	logger        *zap.Logger
}

// New constructs a Worker. A nil emitter discards events.
func New(
	queue crawler.Queue,
	fetcher crawler.Fetcher,
	parser crawler.Parser,
	fingerprinter crawler.Fingerprinter,
	dedup Deduper,
	lifecycle Lifecycle,
	sink crawler.RecordSink,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Worker {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:         queue,
		fetcher:       fetcher,
		parser:        parser,
		fingerprinter: fingerprinter,
		dedup:         dedup,
		lifecycle:     lifecycle,
		sink:          sink,
		emitter:       emitter,
		logger:        logger.Named("worker"),
	}
}

// Run blocks, consuming tasks until the queue is closed or ctx finishes.
// sched.TaskDone is called once per dequeued task.
func (w *Worker) Run(ctx context.Context, sched Scheduler) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, crawler.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.Process(ctx, task, sched)
		sched.TaskDone()
	}
}

// Process runs one task and delivers exactly one outcome for it.
func (w *Worker) Process(ctx context.Context, task crawler.Task, sched Scheduler) {
	w.lifecycle.TaskStarted(ctx, task)

	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:    task.URL,
		Method: task.Method,
		Body:   task.Body,
	})
	w.emitFetch(task, resp)
	if err != nil {
		w.logFetchError(task, err)
		w.lifecycle.TaskOutcome(ctx, task.Fingerprint, crawler.OutcomeFailed)
		return
	}

	result, err := w.parser.Parse(ctx, task, resp)
	if err != nil {
		w.logger.Error("parse failed",
			zap.String("fingerprint", task.Fingerprint),
			zap.String("url", task.URL),
			zap.Error(err),
		)
		w.lifecycle.TaskOutcome(ctx, task.Fingerprint, crawler.OutcomeFailed)
		return
	}

	w.scheduleChildren(ctx, task, result.Children, sched)
	w.writeRecords(ctx, task, result.Records)

	w.logger.Debug("task finished",
		zap.String("fingerprint", task.Fingerprint),
		zap.String("url", task.URL),
		zap.Int("children", len(result.Children)),
		zap.Int("records", len(result.Records)),
	)
	w.lifecycle.TaskOutcome(ctx, task.Fingerprint, crawler.OutcomeCompleted)
}

// scheduleChildren spawns, vets and submits each child. Every spawned child
// that is not submitted gets a dropped outcome before the parent finishes.
func (w *Worker) scheduleChildren(ctx context.Context, task crawler.Task, children []crawler.Task, sched Scheduler) {
	seen := make(map[string]struct{}, len(children))
	for _, child := range children {
		fp, err := w.fingerprinter.Fingerprint(child.Method, child.URL, child.Body)
		if err != nil {
			w.logger.Warn("skipping child with invalid url",
				zap.String("parent", task.Fingerprint),
				zap.String("url", child.URL),
				zap.Error(err),
			)
			continue
		}
		// Links back to this page or its parent would loop.
		if fp == task.Fingerprint || (task.ParentFingerprint != "" && fp == task.ParentFingerprint) {
			w.logger.Debug("skipping link back to current or parent page",
				zap.String("parent", task.Fingerprint),
				zap.String("url", child.URL),
			)
			continue
		}
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}

		child.Fingerprint = fp
		child.ParentFingerprint = task.Fingerprint
		child.ParentURL = task.URL
		if !w.lifecycle.ChildSpawned(ctx, task.Fingerprint, fp) {
			continue
		}
		if w.dedup.ShouldSkip(ctx, fp, child.DontFilter) {
			w.emitter.Emit(progress.Event{
				Stage:       progress.StageDedupSkip,
				Fingerprint: fp,
				URL:         child.URL,
				PageKind:    string(child.Kind),
			})
			w.lifecycle.TaskOutcome(ctx, fp, crawler.OutcomeDropped)
			continue
		}
		if err := sched.Submit(ctx, child); err != nil {
			w.logger.Warn("child not scheduled",
				zap.String("parent", task.Fingerprint),
				zap.String("url", child.URL),
				zap.Error(err),
			)
			w.lifecycle.TaskOutcome(ctx, fp, crawler.OutcomeDropped)
		}
	}
}

func (w *Worker) writeRecords(ctx context.Context, task crawler.Task, records []crawler.Record) {
	for _, rec := range records {
		if rec.SourceFingerprint == "" {
			rec.SourceFingerprint = task.Fingerprint
		}
		if err := w.sink.Write(ctx, rec); err != nil {
			w.logger.Error("record write failed",
				zap.String("fingerprint", task.Fingerprint),
				zap.String("url", rec.URL),
				zap.Error(err),
			)
		}
		w.lifecycle.TaskYieldedRecord(ctx, task.Fingerprint)
	}
}

func (w *Worker) emitFetch(task crawler.Task, resp crawler.FetchResponse) {
	w.emitter.Emit(progress.Event{
		Stage:       progress.StageFetchDone,
		Fingerprint: task.Fingerprint,
		URL:         task.URL,
		PageKind:    string(task.Kind),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Bytes:       int64(len(resp.Body)),
		Dur:         resp.Duration,
	})
}

func (w *Worker) logFetchError(task crawler.Task, err error) {
	fields := []zap.Field{
		zap.String("fingerprint", task.Fingerprint),
		zap.String("url", task.URL),
		zap.String("page_kind", string(task.Kind)),
		zap.Error(err),
	}
	var statusErr *crawler.StatusError
	if errors.As(err, &statusErr) {
		fields = append(fields, zap.Int("status", statusErr.StatusCode))
		switch statusErr.StatusCode {
		case http.StatusForbidden, http.StatusTooManyRequests:
			w.logger.Warn("fetch rejected, possibly blocked", fields...)
		case http.StatusNotFound:
			w.logger.Warn("page not found", fields...)
		default:
			w.logger.Error("fetch returned error status", fields...)
		}
		return
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		w.logger.Warn("fetch timed out", fields...)
		return
	}
	if errors.Is(err, context.Canceled) {
		w.logger.Debug("fetch canceled", fields...)
		return
	}
	w.logger.Error("fetch failed", fields...)
}
