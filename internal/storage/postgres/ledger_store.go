// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "url_ledger"

// LedgerStoreConfig controls the Postgres connection pool used for ledger rows.
type LedgerStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// LedgerStore persists the URL ledger in a single Postgres table. Every call
// runs in autocommit mode so a returned nil means the write is durable.
type LedgerStore struct {
	pool  dbtx
	table string
}

var _ store.Ledger = (*LedgerStore)(nil)

// NewLedgerStore creates a Postgres-backed LedgerStore using the provided config.
func NewLedgerStore(ctx context.Context, cfg LedgerStoreConfig) (*LedgerStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &LedgerStore{pool: pool, table: table}, nil
}

// NewLedgerStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLedgerStoreWithPool(pool dbtx, table string) (*LedgerStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &LedgerStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the ledger table and its resume index when missing.
func (s *LedgerStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	fingerprint TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	parent_fingerprint TEXT,
	page_kind TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending','in_progress','processed')),
	last_processed_at TIMESTAMPTZ
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_in_progress_idx ON %s (last_processed_at NULLS FIRST, fingerprint) WHERE status = 'in_progress'`,
			s.table, s.table),
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return store.Wrap("ensure_schema", "", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// UpsertInProgress inserts an in_progress row or resets an existing one.
func (s *LedgerStore) UpsertInProgress(
	ctx context.Context,
	fingerprint, url, parentFingerprint string,
	kind crawler.PageKind,
) error {
	query := fmt.Sprintf(`INSERT INTO %s (fingerprint, url, parent_fingerprint, page_kind, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (fingerprint) DO UPDATE SET status = EXCLUDED.status`, s.table)
	_, err := s.pool.Exec(ctx, query,
		fingerprint,
		url,
		nullable(parentFingerprint),
		string(kind),
		string(store.StatusInProgress),
	)
	return store.Wrap("upsert_in_progress", fingerprint, err)
}

// MarkProcessed moves an in_progress row to processed. Zero affected rows is
// not an error.
func (s *LedgerStore) MarkProcessed(ctx context.Context, fingerprint string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1, last_processed_at = $2
WHERE fingerprint = $3 AND status = $4`, s.table)
	_, err := s.pool.Exec(ctx, query,
		string(store.StatusProcessed),
		at.UTC(),
		fingerprint,
		string(store.StatusInProgress),
	)
	return store.Wrap("mark_processed", fingerprint, err)
}

// Lookup reports the status of a row and whether it exists.
func (s *LedgerStore) Lookup(ctx context.Context, fingerprint string) (store.Status, bool, error) {
	query := fmt.Sprintf(`SELECT status FROM %s WHERE fingerprint = $1`, s.table)
	var status string
	err := s.pool.QueryRow(ctx, query, fingerprint).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, store.Wrap("lookup", fingerprint, err)
	}
	return store.Status(status), true, nil
}

// ListInProgress returns unfinished rows in resume order.
func (s *LedgerStore) ListInProgress(ctx context.Context) ([]store.ResumeEntry, error) {
	query := fmt.Sprintf(`SELECT url, page_kind, fingerprint FROM %s
WHERE status = $1
ORDER BY last_processed_at ASC NULLS FIRST, fingerprint ASC`, s.table)
	rows, err := s.pool.Query(ctx, query, string(store.StatusInProgress))
	if err != nil {
		return nil, store.Wrap("list_in_progress", "", err)
	}
	defer rows.Close()

	entries := make([]store.ResumeEntry, 0)
	for rows.Next() {
		var (
			entry store.ResumeEntry
			kind  string
		)
		if err := rows.Scan(&entry.URL, &kind, &entry.Fingerprint); err != nil {
			return nil, store.Wrap("list_in_progress", "", err)
		}
		entry.PageKind = crawler.PageKind(kind)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("list_in_progress", "", err)
	}
	return entries, nil
}

// Get loads a full row or returns store.ErrNotFound.
func (s *LedgerStore) Get(ctx context.Context, fingerprint string) (store.URLRecord, error) {
	query := fmt.Sprintf(`SELECT fingerprint, url, parent_fingerprint, page_kind, status, last_processed_at
FROM %s WHERE fingerprint = $1`, s.table)
	var (
		rec       store.URLRecord
		parent    *string
		kind      string
		status    string
		processed *time.Time
	)
	err := s.pool.QueryRow(ctx, query, fingerprint).
		Scan(&rec.Fingerprint, &rec.URL, &parent, &kind, &status, &processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.URLRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.URLRecord{}, store.Wrap("get", fingerprint, err)
	}
	if parent != nil {
		rec.ParentFingerprint = *parent
	}
	rec.PageKind = crawler.PageKind(kind)
	rec.Status = store.Status(status)
	rec.LastProcessedAt = processed
	return rec, nil
}

// Counts returns row totals per status.
func (s *LedgerStore) Counts(ctx context.Context) (map[store.Status]int64, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, store.Wrap("counts", "", err)
	}
	defer rows.Close()

	counts := make(map[store.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, store.Wrap("counts", "", err)
		}
		counts[store.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("counts", "", err)
	}
	return counts, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
