// Package memory contains in-process storage backends used for development and
// tests. Nothing here survives a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/store"
)

// LedgerStore provides an in-memory store.Ledger.
type LedgerStore struct {
	mu   sync.RWMutex
	rows map[string]store.URLRecord
}

var _ store.Ledger = (*LedgerStore)(nil)

// NewLedgerStore constructs an empty LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{rows: make(map[string]store.URLRecord)}
}

// UpsertInProgress inserts the row or resets an existing row to in_progress.
// Only the status of an existing row changes.
func (s *LedgerStore) UpsertInProgress(
	_ context.Context,
	fingerprint, url, parentFingerprint string,
	kind crawler.PageKind,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.rows[fingerprint]; ok {
		rec.Status = store.StatusInProgress
		s.rows[fingerprint] = rec
		return nil
	}
	s.rows[fingerprint] = store.URLRecord{
		Fingerprint:       fingerprint,
		URL:               url,
		ParentFingerprint: parentFingerprint,
		PageKind:          kind,
		Status:            store.StatusInProgress,
	}
	return nil
}

// MarkProcessed moves an in_progress row to processed.
func (s *LedgerStore) MarkProcessed(_ context.Context, fingerprint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[fingerprint]
	if !ok || rec.Status != store.StatusInProgress {
		return nil
	}
	rec.Status = store.StatusProcessed
	rec.LastProcessedAt = pointerTime(at.UTC())
	s.rows[fingerprint] = rec
	return nil
}

// Lookup reports the status of a row.
func (s *LedgerStore) Lookup(_ context.Context, fingerprint string) (store.Status, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rows[fingerprint]
	if !ok {
		return "", false, nil
	}
	return rec.Status, true, nil
}

// ListInProgress returns unfinished rows in resume order.
func (s *LedgerStore) ListInProgress(_ context.Context) ([]store.ResumeEntry, error) {
	s.mu.RLock()
	pending := make([]store.URLRecord, 0)
	for _, rec := range s.rows {
		if rec.Status == store.StatusInProgress {
			pending = append(pending, rec)
		}
	}
	s.mu.RUnlock()
	store.SortResumeOrder(pending)
	return store.ResumeEntries(pending), nil
}

// Get returns a copy of a row.
func (s *LedgerStore) Get(_ context.Context, fingerprint string) (store.URLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rows[fingerprint]
	if !ok {
		return store.URLRecord{}, store.ErrNotFound
	}
	if rec.LastProcessedAt != nil {
		rec.LastProcessedAt = pointerTime(*rec.LastProcessedAt)
	}
	return rec, nil
}

// Counts returns row totals per status.
func (s *LedgerStore) Counts(_ context.Context) (map[store.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[store.Status]int64)
	for _, rec := range s.rows {
		counts[rec.Status]++
	}
	return counts, nil
}

// Close is a no-op.
func (s *LedgerStore) Close() error {
	return nil
}

// Seed inserts a row verbatim. It exists so tests can stage ledger state left
// behind by an earlier run.
func (s *LedgerStore) Seed(rec store.URLRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rec.Fingerprint] = rec
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
