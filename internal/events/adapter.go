// Package events translates fetch-engine lifecycle events into ledger writes
// and completion-tracker calls. It is the only component that writes
// in_progress and processed rows.
package events

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/progress"
	"github.com/JakeFAU/ledger-crawler/internal/store"
	"github.com/JakeFAU/ledger-crawler/internal/tracker"
)

// Tracker is the completion-tracker surface the adapter drives.
type Tracker interface {
	Begin(info tracker.NodeInfo) error
	Spawn(parent, child string) error
	Record(fingerprint string) error
	Outcome(child string, outcome crawler.Outcome) ([]tracker.Completion, error)
}

// Adapter wires engine events to the ledger and tracker. Failures are logged
// and reported as progress events; they never reach the engine.
type Adapter struct {
	ledger  store.Ledger
	tracker Tracker
	clock   crawler.Clock
	emitter progress.Emitter
	logger  *zap.Logger
}

// NewAdapter constructs an Adapter. A nil emitter discards events.
func NewAdapter(
	ledger store.Ledger,
	tr Tracker,
	clk crawler.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
) *Adapter {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		ledger:  ledger,
		tracker: tr,
		clock:   clk,
		emitter: emitter,
		logger:  logger.Named("events"),
	}
}

// TaskStarted marks the task in_progress and opens its tracker node.
func (a *Adapter) TaskStarted(ctx context.Context, task crawler.Task) {
	// Ledger writes outlive crawl cancellation so accounting stays consistent.
	ctx = context.WithoutCancel(ctx)
	err := a.ledger.UpsertInProgress(ctx, task.Fingerprint, task.URL, task.ParentFingerprint, task.Kind)
	if err != nil {
		a.storageError(task.Fingerprint, err)
	}
	err = a.tracker.Begin(tracker.NodeInfo{
		Fingerprint: task.Fingerprint,
		Parent:      task.ParentFingerprint,
		URL:         task.URL,
		Kind:        task.Kind,
	})
	if err != nil {
		a.trackerError("begin", task.Fingerprint, err)
	}
	a.emitter.Emit(progress.Event{
		Stage:       progress.StageTaskStarted,
		Fingerprint: task.Fingerprint,
		URL:         task.URL,
		PageKind:    string(task.Kind),
	})
}

// ChildSpawned registers child under parent. It returns false when the child
// must not be scheduled: either another page already tracks it, or the
// tracker rejected the spawn. No outcome may be delivered for it then.
func (a *Adapter) ChildSpawned(_ context.Context, parent, child string) bool {
	err := a.tracker.Spawn(parent, child)
	switch {
	case err == nil:
		return true
	case errors.Is(err, tracker.ErrAlreadyTracked):
		a.logger.Debug("child already scheduled by another page",
			zap.String("parent", parent),
			zap.String("fingerprint", child),
		)
	default:
		a.trackerError("spawn", child, err)
	}
	return false
}

// TaskYieldedRecord counts a terminal record for the task.
func (a *Adapter) TaskYieldedRecord(_ context.Context, fingerprint string) {
	if err := a.tracker.Record(fingerprint); err != nil {
		a.trackerError("record", fingerprint, err)
		return
	}
	a.emitter.Emit(progress.Event{Stage: progress.StageRecord, Fingerprint: fingerprint})
}

// TaskOutcome delivers the task's single terminal outcome and applies every
// completion it produced.
func (a *Adapter) TaskOutcome(ctx context.Context, fingerprint string, outcome crawler.Outcome) {
	ctx = context.WithoutCancel(ctx)
	switch outcome {
	case crawler.OutcomeDropped:
		a.emitter.Emit(progress.Event{Stage: progress.StageTaskDropped, Fingerprint: fingerprint})
	case crawler.OutcomeFailed:
		a.emitter.Emit(progress.Event{Stage: progress.StageTaskFailed, Fingerprint: fingerprint})
	}
	completions, err := a.tracker.Outcome(fingerprint, outcome)
	if err != nil {
		a.trackerError("outcome", fingerprint, err)
		return
	}
	a.apply(ctx, completions)
}

func (a *Adapter) apply(ctx context.Context, completions []tracker.Completion) {
	for _, c := range completions {
		if !c.MarkLedger {
			a.logger.Debug("subtree finished, failed page left in_progress",
				zap.String("fingerprint", c.Fingerprint),
				zap.String("url", c.URL),
			)
			continue
		}
		if err := a.ledger.MarkProcessed(ctx, c.Fingerprint, a.clock.Now()); err != nil {
			a.storageError(c.Fingerprint, err)
		}
		a.emitter.Emit(progress.Event{
			Stage:       progress.StageTaskProcessed,
			Fingerprint: c.Fingerprint,
			URL:         c.URL,
			PageKind:    string(c.Kind),
		})
		if c.Empty {
			a.logger.Warn("page produced no requests or records, possibly blocked",
				zap.String("fingerprint", c.Fingerprint),
				zap.String("url", c.URL),
			)
			a.emitter.Emit(progress.Event{
				Stage:       progress.StageEmptyTask,
				Fingerprint: c.Fingerprint,
				URL:         c.URL,
				PageKind:    string(c.Kind),
			})
		}
	}
}

func (a *Adapter) storageError(fingerprint string, err error) {
	a.logger.Error("ledger write failed",
		zap.String("fingerprint", fingerprint),
		zap.Error(err),
	)
	a.emitter.Emit(progress.Event{
		Stage:       progress.StageStorageError,
		Fingerprint: fingerprint,
		Note:        err.Error(),
	})
}

func (a *Adapter) trackerError(op, fingerprint string, err error) {
	if errors.Is(err, tracker.ErrClosed) {
		a.logger.Debug("tracker closed, event ignored", zap.String("op", op), zap.String("fingerprint", fingerprint))
		return
	}
	a.logger.Warn("tracker event ignored",
		zap.String("op", op),
		zap.String("fingerprint", fingerprint),
		zap.Error(err),
	)
	a.emitter.Emit(progress.Event{
		Stage:       progress.StageProtocolViolation,
		Fingerprint: fingerprint,
		Note:        err.Error(),
	})
}
