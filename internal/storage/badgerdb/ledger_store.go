// Package badgerdb implements the URL ledger on an embedded Badger database so
// a single-machine crawl can resume from one local directory.
package badgerdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/logging"
	"github.com/JakeFAU/ledger-crawler/internal/store"
)

const (
	keyPrefix          = "url:"
	maxConflictRetries = 10
)

// Config controls where the ledger lives.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM; used by tests.
	InMemory bool
}

// LedgerStore implements store.Ledger on Badger. Every write runs in its own
// read-write transaction with synchronous writes enabled.
type LedgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ store.Ledger = (*LedgerStore)(nil)

// Open opens (or creates) the ledger database.
func Open(cfg Config, logger *zap.Logger) (*LedgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ledger")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("ledger.path is required for the badger backend")
		}
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.
		WithLogger(logging.NewBadgerLogger(logger)).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger ledger: %w", err)
	}
	logger.Info("ledger opened", zap.String("path", cfg.Path), zap.Bool("in_memory", cfg.InMemory))
	return &LedgerStore{db: db, logger: logger}, nil
}

func key(fingerprint string) []byte {
	return []byte(keyPrefix + fingerprint)
}

// update wraps db.Update with a retry loop for transaction conflicts, which
// resolve quickly under concurrent writers touching the same key.
func (s *LedgerStore) update(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("ledger transaction conflict, retrying", zap.Int("attempt", i+1))
	}
	return fmt.Errorf("transaction conflict not resolved after %d retries: %w", maxConflictRetries, badger.ErrConflict)
}

func readRecord(txn *badger.Txn, fingerprint string) (store.URLRecord, bool, error) {
	item, err := txn.Get(key(fingerprint))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.URLRecord{}, false, nil
	}
	if err != nil {
		return store.URLRecord{}, false, err
	}
	var rec store.URLRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return store.URLRecord{}, false, fmt.Errorf("decode ledger row: %w", err)
	}
	return rec, true, nil
}

func writeRecord(txn *badger.Txn, rec store.URLRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ledger row: %w", err)
	}
	return txn.SetEntry(badger.NewEntry(key(rec.Fingerprint), payload))
}

// UpsertInProgress inserts an in_progress row or resets an existing one.
func (s *LedgerStore) UpsertInProgress(
	_ context.Context,
	fingerprint, url, parentFingerprint string,
	kind crawler.PageKind,
) error {
	err := s.update(func(txn *badger.Txn) error {
		rec, ok, err := readRecord(txn, fingerprint)
		if err != nil {
			return err
		}
		if !ok {
			rec = store.URLRecord{
				Fingerprint:       fingerprint,
				URL:               url,
				ParentFingerprint: parentFingerprint,
				PageKind:          kind,
			}
		}
		rec.Status = store.StatusInProgress
		return writeRecord(txn, rec)
	})
	return store.Wrap("upsert_in_progress", fingerprint, err)
}

// MarkProcessed moves an in_progress row to processed.
func (s *LedgerStore) MarkProcessed(_ context.Context, fingerprint string, at time.Time) error {
	err := s.update(func(txn *badger.Txn) error {
		rec, ok, err := readRecord(txn, fingerprint)
		if err != nil || !ok || rec.Status != store.StatusInProgress {
			return err
		}
		ts := at.UTC()
		rec.Status = store.StatusProcessed
		rec.LastProcessedAt = &ts
		return writeRecord(txn, rec)
	})
	return store.Wrap("mark_processed", fingerprint, err)
}

// Lookup reports the status of a row and whether it exists.
func (s *LedgerStore) Lookup(_ context.Context, fingerprint string) (store.Status, bool, error) {
	var (
		rec store.URLRecord
		ok  bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, ok, err = readRecord(txn, fingerprint)
		return err
	})
	if err != nil {
		return "", false, store.Wrap("lookup", fingerprint, err)
	}
	return rec.Status, ok, nil
}

// Get loads a full row or returns store.ErrNotFound.
func (s *LedgerStore) Get(_ context.Context, fingerprint string) (store.URLRecord, error) {
	var (
		rec store.URLRecord
		ok  bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, ok, err = readRecord(txn, fingerprint)
		return err
	})
	if err != nil {
		return store.URLRecord{}, store.Wrap("get", fingerprint, err)
	}
	if !ok {
		return store.URLRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// scan visits every ledger row in key order.
func (s *LedgerStore) scan(fn func(rec store.URLRecord)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec store.URLRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				s.logger.Warn("skipping undecodable ledger row",
					zap.ByteString("key", it.Item().KeyCopy(nil)),
					zap.Error(err),
				)
				continue
			}
			fn(rec)
		}
		return nil
	})
}

// ListInProgress returns unfinished rows in resume order.
func (s *LedgerStore) ListInProgress(_ context.Context) ([]store.ResumeEntry, error) {
	pending := make([]store.URLRecord, 0)
	err := s.scan(func(rec store.URLRecord) {
		if rec.Status == store.StatusInProgress {
			pending = append(pending, rec)
		}
	})
	if err != nil {
		return nil, store.Wrap("list_in_progress", "", err)
	}
	store.SortResumeOrder(pending)
	return store.ResumeEntries(pending), nil
}

// Counts returns row totals per status.
func (s *LedgerStore) Counts(_ context.Context) (map[store.Status]int64, error) {
	counts := make(map[store.Status]int64)
	err := s.scan(func(rec store.URLRecord) {
		counts[rec.Status]++
	})
	if err != nil {
		return nil, store.Wrap("counts", "", err)
	}
	return counts, nil
}

// RunGC reclaims value log space until ctx is cancelled.
func (s *LedgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.db.IsClosed() {
				return
			}
			var err error
			for err == nil {
				err = s.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("ledger value log gc failed", zap.Error(err))
			}
		}
	}
}

// Close flushes and closes the database.
func (s *LedgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger ledger: %w", err)
	}
	return nil
}
