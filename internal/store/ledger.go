package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
)

// ErrNotFound signals that the requested ledger row does not exist.
var ErrNotFound = errors.New("ledger record not found")

// Status mirrors the url_ledger status column.
type Status string

// Ledger statuses. Transitions only move forward within a crawl; processed rows
// re-enter in_progress only through an explicit UpsertInProgress.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusProcessed  Status = "processed"
)

// URLRecord models one row of the ledger.
type URLRecord struct {
	Fingerprint string `json:"fingerprint"`
	URL         string `json:"url"`
	// ParentFingerprint is empty for roots.
	ParentFingerprint string           `json:"parent_fingerprint,omitempty"`
	PageKind          crawler.PageKind `json:"page_kind"`
	Status            Status           `json:"status"`
	// LastProcessedAt is nil until the row is first marked processed.
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// ResumeEntry is one unfinished page returned by ListInProgress.
type ResumeEntry struct {
	URL         string
	PageKind    crawler.PageKind
	Fingerprint string
}

// Ledger persists per-URL crawl state. Implementations must be safe for
// concurrent use and must commit each mutation before returning.
type Ledger interface {
	// UpsertInProgress inserts the row as in_progress or forces an existing row
	// back to in_progress.
	UpsertInProgress(ctx context.Context, fingerprint, url, parentFingerprint string, kind crawler.PageKind) error
	// MarkProcessed transitions an in_progress row to processed. Missing or
	// already processed rows are left untouched.
	MarkProcessed(ctx context.Context, fingerprint string, at time.Time) error
	// Lookup reports the row status and whether the row exists.
	Lookup(ctx context.Context, fingerprint string) (Status, bool, error)
	// ListInProgress returns unfinished rows ordered by last_processed_at
	// ascending with never-processed rows first, ties broken by fingerprint.
	ListInProgress(ctx context.Context) ([]ResumeEntry, error)
	// Get loads a full row or returns ErrNotFound.
	Get(ctx context.Context, fingerprint string) (URLRecord, error)
	// Counts returns the number of rows per status.
	Counts(ctx context.Context) (map[Status]int64, error)
	Close() error
}

// StorageError wraps a backend failure with the operation that caused it.
type StorageError struct {
	Op          string
	Fingerprint string
	Err         error
}

func (e *StorageError) Error() string {
	if e.Fingerprint == "" {
		return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Fingerprint, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *StorageError, or nil when err is nil.
func Wrap(op, fingerprint string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Fingerprint: fingerprint, Err: err}
}

// SortResumeOrder orders records the way ListInProgress must return them.
// Backends without server-side ordering use it before projecting entries.
func SortResumeOrder(records []URLRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].LastProcessedAt, records[j].LastProcessedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return records[i].Fingerprint < records[j].Fingerprint
	})
}

// ResumeEntries projects records onto resume entries, preserving order.
func ResumeEntries(records []URLRecord) []ResumeEntry {
	entries := make([]ResumeEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, ResumeEntry{
			URL:         rec.URL,
			PageKind:    rec.PageKind,
			Fingerprint: rec.Fingerprint,
		})
	}
	return entries
}
