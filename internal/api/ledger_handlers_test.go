package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/storage/memory"
	"github.com/JakeFAU/ledger-crawler/internal/store"
	"github.com/JakeFAU/ledger-crawler/internal/tracker"
)

func seededLedger() *memory.LedgerStore {
	ledger := memory.NewLedgerStore()
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	ledger.Seed(store.URLRecord{Fingerprint: "root", URL: "https://example.com/", PageKind: crawler.PageRoot,
		Status: store.StatusProcessed, LastProcessedAt: &at})
	ledger.Seed(store.URLRecord{Fingerprint: "cat-1", URL: "https://example.com/c1", ParentFingerprint: "root",
		PageKind: crawler.PageCategory, Status: store.StatusInProgress})
	ledger.Seed(store.URLRecord{Fingerprint: "cat-2", URL: "https://example.com/c2", ParentFingerprint: "root",
		PageKind: crawler.PageCategory, Status: store.StatusInProgress})
	return ledger
}

func TestGetRecord(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededLedger(), nil, prometheus.NewRegistry(), zap.NewNop())

	rec := serve(t, srv.Handler(), "/v1/ledger/cat-1")
	require.Equal(t, http.StatusOK, rec.Code)
	record, ok := decode(t, rec)["record"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "https://example.com/c1", record["url"])
	require.Equal(t, "in_progress", record["status"])

	rec = serve(t, srv.Handler(), "/v1/ledger/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)

	srv = NewServer(brokenLedger{}, nil, prometheus.NewRegistry(), zap.NewNop())
	rec = serve(t, srv.Handler(), "/v1/ledger/cat-1")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListInProgressPaging(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededLedger(), nil, prometheus.NewRegistry(), zap.NewNop())

	rec := serve(t, srv.Handler(), "/v1/ledger/in-progress?limit=1&offset=1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.EqualValues(t, 2, body["total"])
	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	first, ok := entries[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "cat-2", first["fingerprint"])

	rec = serve(t, srv.Handler(), "/v1/ledger/in-progress?offset=10")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode(t, rec)["entries"])

	for _, bad := range []string{"limit=0", "limit=abc", "offset=-1"} {
		rec = serve(t, srv.Handler(), "/v1/ledger/in-progress?"+bad)
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestCounts(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededLedger(), nil, prometheus.NewRegistry(), zap.NewNop())
	rec := serve(t, srv.Handler(), "/v1/ledger/counts")
	require.Equal(t, http.StatusOK, rec.Code)
	counts, ok := decode(t, rec)["counts"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 2, counts["in_progress"])
	require.EqualValues(t, 1, counts["processed"])
}

func TestTrackerPending(t *testing.T) {
	t.Parallel()

	tr := tracker.New()
	t.Cleanup(tr.Close)
	require.NoError(t, tr.Begin(tracker.NodeInfo{Fingerprint: "root", URL: "https://example.com/", Kind: crawler.PageRoot}))
	require.NoError(t, tr.Spawn("root", "cat-1"))

	srv := NewServer(seededLedger(), tr, prometheus.NewRegistry(), zap.NewNop())
	rec := serve(t, srv.Handler(), "/v1/tracker/pending")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.EqualValues(t, 1, body["total"])
	nodes, ok := body["nodes"].([]any)
	require.True(t, ok)
	node, ok := nodes[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "root", node["fingerprint"])
	require.EqualValues(t, 1, node["pending"])
	require.Equal(t, false, node["sealed"])

	srv = NewServer(seededLedger(), nil, prometheus.NewRegistry(), zap.NewNop())
	rec = serve(t, srv.Handler(), "/v1/tracker/pending")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
