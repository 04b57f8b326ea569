package resume

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/progress"
	"github.com/JakeFAU/ledger-crawler/internal/storage/memory"
	"github.com/JakeFAU/ledger-crawler/internal/store"
)

func TestResumeSubmitsInProgressEntriesInOrder(t *testing.T) {
	t.Parallel()

	ledger := memory.NewLedgerStore()
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger.Seed(store.URLRecord{Fingerprint: "b", URL: "https://example.com/b", PageKind: crawler.PageItem,
		Status: store.StatusInProgress, LastProcessedAt: &older})
	ledger.Seed(store.URLRecord{Fingerprint: "a", URL: "https://example.com/a", PageKind: crawler.PageCategory,
		Status: store.StatusInProgress})
	ledger.Seed(store.URLRecord{Fingerprint: "done", URL: "https://example.com/done", PageKind: crawler.PageItem,
		Status: store.StatusProcessed})

	sub := &fakeSubmitter{}
	events := &recordingEmitter{}
	n, err := NewController(ledger, sub, events, zap.NewNop()).Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	tasks := sub.Tasks()
	require.Len(t, tasks, 2)
	require.Equal(t, "a", tasks[0].Fingerprint)
	require.Equal(t, "b", tasks[1].Fingerprint)
	for _, task := range tasks {
		require.True(t, task.DontFilter)
		require.True(t, task.IsRoot())
		require.Equal(t, task.Kind.Priority(), task.Priority)
	}
	require.Equal(t, crawler.PageCategory, tasks[0].Kind)
	require.Equal(t, 2, events.Count(progress.StageResumed))
}

func TestResumeSkipsUnknownKinds(t *testing.T) {
	t.Parallel()

	lister := fakeLister{entries: []store.ResumeEntry{
		{Fingerprint: "x", URL: "https://example.com/x", PageKind: "sitemap"},
		{Fingerprint: "y", URL: "https://example.com/y", PageKind: crawler.PageRoot},
	}}
	sub := &fakeSubmitter{}
	n, err := NewController(lister, sub, nil, nil).Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "y", sub.Tasks()[0].Fingerprint)
}

func TestResumeListFailureIsStorageError(t *testing.T) {
	t.Parallel()

	lister := fakeLister{err: errors.New("connection refused")}
	n, err := NewController(lister, &fakeSubmitter{}, nil, nil).Resume(context.Background())
	require.Zero(t, n)
	var storageErr *store.StorageError
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, "list_in_progress", storageErr.Op)
}

func TestResumeStopsOnSubmitError(t *testing.T) {
	t.Parallel()

	lister := fakeLister{entries: []store.ResumeEntry{
		{Fingerprint: "y", URL: "https://example.com/y", PageKind: crawler.PageRoot},
	}}
	n, err := NewController(lister, &fakeSubmitter{err: errors.New("queue closed")}, nil, nil).
		Resume(context.Background())
	require.Zero(t, n)
	require.ErrorContains(t, err, "queue closed")
}

func TestResumeEmptyLedger(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	n, err := NewController(memory.NewLedgerStore(), sub, nil, nil).Resume(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, sub.Tasks())
}

type fakeLister struct {
	entries []store.ResumeEntry
	err     error
}

func (f fakeLister) ListInProgress(context.Context) ([]store.ResumeEntry, error) {
	return f.entries, f.err
}

type fakeSubmitter struct {
	mu    sync.Mutex
	tasks []crawler.Task
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, task crawler.Task) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeSubmitter) Tasks() []crawler.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.Task(nil), f.tasks...)
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
