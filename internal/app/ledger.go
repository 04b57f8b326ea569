package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/config"
	"github.com/JakeFAU/ledger-crawler/internal/storage/badgerdb"
	"github.com/JakeFAU/ledger-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/ledger-crawler/internal/storage/postgres"
	"github.com/JakeFAU/ledger-crawler/internal/store"
)

// OpenLedger opens the configured ledger backend. The returned stop func
// halts background maintenance and must be called before the ledger is
// closed.
func OpenLedger(ctx context.Context, cfg config.LedgerConfig, logger *zap.Logger) (store.Ledger, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() {}
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory ledger; crawl state is lost on exit")
		return memory.NewLedgerStore(), noop, nil
	case config.BackendBadger:
		ledger, err := badgerdb.Open(badgerdb.Config{Path: cfg.Path}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("badger ledger init failed: %w", err)
		}
		if cfg.GCInterval <= 0 {
			return ledger, noop, nil
		}
		gcCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			ledger.RunGC(gcCtx, cfg.GCInterval)
		}()
		return ledger, func() {
			cancel()
			<-done
		}, nil
	case config.BackendPostgres:
		ledger, err := pgstore.NewLedgerStore(ctx, pgstore.LedgerStoreConfig{
			DSN:      cfg.DSN,
			Table:    cfg.Table,
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres ledger init failed: %w", err)
		}
		if err := ledger.EnsureSchema(ctx); err != nil {
			_ = ledger.Close()
			return nil, nil, fmt.Errorf("postgres ledger schema: %w", err)
		}
		logger.Info("postgres ledger ready", zap.String("table", cfg.Table))
		return ledger, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}
