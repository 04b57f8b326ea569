// Package storetest holds behaviour checks shared by every store.Ledger
// implementation.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/store"
)

// RunLedgerSuite exercises a fresh ledger returned by newLedger for each case.
func RunLedgerSuite(t *testing.T, newLedger func(t *testing.T) store.Ledger) {
	t.Helper()

	t.Run("upsert then lookup", func(t *testing.T) {
		ledger := newLedger(t)
		ctx := context.Background()

		_, ok, err := ledger.Lookup(ctx, "fp")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, ledger.UpsertInProgress(ctx, "fp", "https://example.com/", "", crawler.PageRoot))
		require.NoError(t, ledger.UpsertInProgress(ctx, "fp", "https://example.com/", "", crawler.PageRoot))
		status, ok, err := ledger.Lookup(ctx, "fp")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, store.StatusInProgress, status)

		counts, err := ledger.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), counts[store.StatusInProgress])
	})

	t.Run("mark processed is idempotent", func(t *testing.T) {
		ledger := newLedger(t)
		ctx := context.Background()
		first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		require.NoError(t, ledger.UpsertInProgress(ctx, "fp", "https://example.com/a", "fp-root", crawler.PageItem))
		require.NoError(t, ledger.MarkProcessed(ctx, "fp", first))
		require.NoError(t, ledger.MarkProcessed(ctx, "fp", first.Add(time.Hour)))

		rec, err := ledger.Get(ctx, "fp")
		require.NoError(t, err)
		require.Equal(t, store.StatusProcessed, rec.Status)
		require.Equal(t, "fp-root", rec.ParentFingerprint)
		require.NotNil(t, rec.LastProcessedAt)
		require.True(t, first.Equal(*rec.LastProcessedAt))

		// Unknown rows are a silent no-op.
		require.NoError(t, ledger.MarkProcessed(ctx, "missing", first))
		_, err = ledger.Get(ctx, "missing")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("upsert resets processed rows", func(t *testing.T) {
		ledger := newLedger(t)
		ctx := context.Background()
		at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		require.NoError(t, ledger.UpsertInProgress(ctx, "fp", "https://example.com/c", "", crawler.PageCategory))
		require.NoError(t, ledger.MarkProcessed(ctx, "fp", at))
		require.NoError(t, ledger.UpsertInProgress(ctx, "fp", "https://example.com/other", "x", crawler.PageItem))

		rec, err := ledger.Get(ctx, "fp")
		require.NoError(t, err)
		require.Equal(t, store.StatusInProgress, rec.Status)
		require.Equal(t, "https://example.com/c", rec.URL)
		require.Equal(t, crawler.PageCategory, rec.PageKind)
		require.NotNil(t, rec.LastProcessedAt)
	})

	t.Run("list in progress ordering", func(t *testing.T) {
		ledger := newLedger(t)
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

		// Two rows that were processed in an earlier run and re-entered.
		require.NoError(t, ledger.UpsertInProgress(ctx, "fp-late", "https://example.com/late", "", crawler.PageCategory))
		require.NoError(t, ledger.MarkProcessed(ctx, "fp-late", base.Add(2*time.Hour)))
		require.NoError(t, ledger.UpsertInProgress(ctx, "fp-late", "https://example.com/late", "", crawler.PageCategory))

		require.NoError(t, ledger.UpsertInProgress(ctx, "fp-early", "https://example.com/early", "", crawler.PageCategory))
		require.NoError(t, ledger.MarkProcessed(ctx, "fp-early", base.Add(time.Hour)))
		require.NoError(t, ledger.UpsertInProgress(ctx, "fp-early", "https://example.com/early", "", crawler.PageCategory))

		// One row never processed.
		require.NoError(t, ledger.UpsertInProgress(ctx, "fp-new", "https://example.com/new", "", crawler.PageItem))

		// Two processed rows must not be listed.
		for _, fp := range []string{"fp-done-1", "fp-done-2"} {
			require.NoError(t, ledger.UpsertInProgress(ctx, fp, "https://example.com/"+fp, "", crawler.PageItem))
			require.NoError(t, ledger.MarkProcessed(ctx, fp, base))
		}

		entries, err := ledger.ListInProgress(ctx)
		require.NoError(t, err)
		require.Equal(t, []store.ResumeEntry{
			{URL: "https://example.com/new", PageKind: crawler.PageItem, Fingerprint: "fp-new"},
			{URL: "https://example.com/early", PageKind: crawler.PageCategory, Fingerprint: "fp-early"},
			{URL: "https://example.com/late", PageKind: crawler.PageCategory, Fingerprint: "fp-late"},
		}, entries)

		counts, err := ledger.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(3), counts[store.StatusInProgress])
		require.Equal(t, int64(2), counts[store.StatusProcessed])
	})

	t.Run("concurrent writers", func(t *testing.T) {
		ledger := newLedger(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					_ = ledger.UpsertInProgress(ctx, "shared", "https://example.com/", "", crawler.PageRoot)
					_ = ledger.MarkProcessed(ctx, "shared", time.Now())
				}
			}()
		}
		wg.Wait()

		counts, err := ledger.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), counts[store.StatusInProgress]+counts[store.StatusProcessed])
	})
}
