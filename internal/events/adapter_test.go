package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/clock"
	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/progress"
	"github.com/JakeFAU/ledger-crawler/internal/storage/memory"
	"github.com/JakeFAU/ledger-crawler/internal/store"
	"github.com/JakeFAU/ledger-crawler/internal/tracker"
)

var testNow = time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC)

type fixture struct {
	adapter *Adapter
	ledger  *memory.LedgerStore
	events  *recordingEmitter
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	tr := tracker.New()
	t.Cleanup(tr.Close)
	ledger := memory.NewLedgerStore()
	events := &recordingEmitter{}
	return fixture{
		adapter: NewAdapter(ledger, tr, clock.NewManual(testNow), events, zap.NewNop()),
		ledger:  ledger,
		events:  events,
	}
}

func task(fp, parent string, kind crawler.PageKind) crawler.Task {
	return crawler.Task{
		Fingerprint:       fp,
		URL:               "https://example.com/" + fp,
		ParentFingerprint: parent,
		Kind:              kind,
	}
}

func requireStatus(t *testing.T, ledger store.Ledger, fp string, want store.Status) {
	t.Helper()
	status, ok, err := ledger.Lookup(context.Background(), fp)
	require.NoError(t, err)
	require.True(t, ok, "row %s missing", fp)
	require.Equal(t, want, status, "row %s", fp)
}

func TestSubtreeCompletionPropagatesToLedger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// P has two children: R and a sibling S that stays open.
	f.adapter.TaskStarted(ctx, task("P", "", crawler.PageRoot))
	require.True(t, f.adapter.ChildSpawned(ctx, "P", "R"))
	require.True(t, f.adapter.ChildSpawned(ctx, "P", "S"))
	f.adapter.TaskOutcome(ctx, "P", crawler.OutcomeCompleted)

	f.adapter.TaskStarted(ctx, task("R", "P", crawler.PageCategory))
	for _, child := range []string{"A", "B", "C"} {
		require.True(t, f.adapter.ChildSpawned(ctx, "R", child))
	}
	// A is rejected by dedup.
	f.adapter.TaskOutcome(ctx, "A", crawler.OutcomeDropped)
	f.adapter.TaskOutcome(ctx, "R", crawler.OutcomeCompleted)
	requireStatus(t, f.ledger, "R", store.StatusInProgress)

	for _, child := range []string{"B", "C"} {
		f.adapter.TaskStarted(ctx, task(child, "R", crawler.PageItem))
		f.adapter.TaskYieldedRecord(ctx, child)
	}
	f.adapter.TaskOutcome(ctx, "B", crawler.OutcomeCompleted)
	requireStatus(t, f.ledger, "R", store.StatusInProgress)
	f.adapter.TaskOutcome(ctx, "C", crawler.OutcomeCompleted)

	requireStatus(t, f.ledger, "B", store.StatusProcessed)
	requireStatus(t, f.ledger, "C", store.StatusProcessed)
	requireStatus(t, f.ledger, "R", store.StatusProcessed)
	requireStatus(t, f.ledger, "P", store.StatusInProgress)

	_, ok, err := f.ledger.Lookup(ctx, "A")
	require.NoError(t, err)
	require.False(t, ok, "dropped children never reach the ledger")

	rec, err := f.ledger.Get(ctx, "R")
	require.NoError(t, err)
	require.True(t, testNow.Equal(*rec.LastProcessedAt))

	// Closing S finishes P, proving R decremented it exactly once.
	f.adapter.TaskOutcome(ctx, "S", crawler.OutcomeDropped)
	requireStatus(t, f.ledger, "P", store.StatusProcessed)

	require.Zero(t, f.events.Count(progress.StageProtocolViolation))
	require.Zero(t, f.events.Count(progress.StageEmptyTask))
	require.Equal(t, 4, f.events.Count(progress.StageTaskProcessed))
	require.Equal(t, 2, f.events.Count(progress.StageTaskDropped))
}

func TestEmptyTaskIsProcessedWithOneWarning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.adapter.TaskStarted(ctx, task("E", "", crawler.PageCategory))
	f.adapter.TaskOutcome(ctx, "E", crawler.OutcomeCompleted)

	requireStatus(t, f.ledger, "E", store.StatusProcessed)
	require.Equal(t, 1, f.events.Count(progress.StageEmptyTask))

	// A late duplicate outcome must not emit a second warning.
	f.adapter.TaskOutcome(ctx, "E", crawler.OutcomeCompleted)
	require.Equal(t, 1, f.events.Count(progress.StageEmptyTask))
	require.Equal(t, 1, f.events.Count(progress.StageProtocolViolation))
}

func TestFailedTaskStaysInProgress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.adapter.TaskStarted(ctx, task("R", "", crawler.PageRoot))
	require.True(t, f.adapter.ChildSpawned(ctx, "R", "X"))
	f.adapter.TaskOutcome(ctx, "R", crawler.OutcomeCompleted)

	f.adapter.TaskStarted(ctx, task("X", "R", crawler.PageCategory))
	f.adapter.TaskOutcome(ctx, "X", crawler.OutcomeFailed)

	requireStatus(t, f.ledger, "X", store.StatusInProgress)
	requireStatus(t, f.ledger, "R", store.StatusProcessed)
	require.Equal(t, 1, f.events.Count(progress.StageTaskFailed))

	entries, err := f.ledger.ListInProgress(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "X", entries[0].Fingerprint)
}

func TestRejectedSpawnReportsViolation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	require.False(t, f.adapter.ChildSpawned(ctx, "ghost", "child"))
	require.Equal(t, 1, f.events.Count(progress.StageProtocolViolation))
}

func TestCrossLinkedChildIsNotAViolation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.adapter.TaskStarted(ctx, task("c1", "", crawler.PageCategory))
	f.adapter.TaskStarted(ctx, task("c2", "", crawler.PageCategory))
	require.True(t, f.adapter.ChildSpawned(ctx, "c1", "item"))
	require.False(t, f.adapter.ChildSpawned(ctx, "c2", "item"), "item is already scheduled by c1")
	f.adapter.TaskOutcome(ctx, "c2", crawler.OutcomeCompleted)

	requireStatus(t, f.ledger, "c2", store.StatusProcessed)
	require.Zero(t, f.events.Count(progress.StageProtocolViolation))
	require.Zero(t, f.events.Count(progress.StageEmptyTask))

	f.adapter.TaskOutcome(ctx, "c1", crawler.OutcomeCompleted)
	f.adapter.TaskStarted(ctx, task("item", "c1", crawler.PageItem))
	f.adapter.TaskYieldedRecord(ctx, "item")
	f.adapter.TaskOutcome(ctx, "item", crawler.OutcomeCompleted)
	requireStatus(t, f.ledger, "c1", store.StatusProcessed)
}

func TestStorageErrorsAreReportedNotPropagated(t *testing.T) {
	t.Parallel()

	tr := tracker.New()
	defer tr.Close()
	events := &recordingEmitter{}
	adapter := NewAdapter(failingLedger{err: errors.New("disk full")}, tr, clock.System{}, events, zap.NewNop())
	ctx := context.Background()

	adapter.TaskStarted(ctx, task("R", "", crawler.PageRoot))
	adapter.TaskYieldedRecord(ctx, "R")
	adapter.TaskOutcome(ctx, "R", crawler.OutcomeCompleted)

	require.Equal(t, 2, events.Count(progress.StageStorageError))
	require.Equal(t, 1, events.Count(progress.StageTaskProcessed))
	nodes, _ := tr.Pending()
	require.Zero(t, nodes)
}

type failingLedger struct {
	store.Ledger
	err error
}

func (f failingLedger) UpsertInProgress(context.Context, string, string, string, crawler.PageKind) error {
	return store.Wrap("upsert_in_progress", "", f.err)
}

func (f failingLedger) MarkProcessed(context.Context, string, time.Time) error {
	return store.Wrap("mark_processed", "", f.err)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) Count(stage progress.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}
