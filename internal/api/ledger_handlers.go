package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/store"
	"github.com/JakeFAU/ledger-crawler/internal/tracker"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	handlerTimeout   = 3 * time.Second
)

// LedgerHandler exposes read-only ledger and tracker endpoints.
type LedgerHandler struct {
	ledger  LedgerReader
	tracker SnapshotSource
	timeout time.Duration
	logger  *zap.Logger
}

// NewLedgerHandler wires the ledger, tracker and logger.
func NewLedgerHandler(ledger LedgerReader, tr SnapshotSource, logger *zap.Logger) *LedgerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{
		ledger:  ledger,
		tracker: tr,
		timeout: handlerTimeout,
		logger:  logger,
	}
}

// GetRecord handles GET /v1/ledger/{fingerprint}. It returns {"record": {...}},
// 404 when the ledger has no row, or 500 on storage errors.
func (h *LedgerHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	fingerprint := strings.TrimSpace(chi.URLParam(r, "fingerprint"))
	if fingerprint == "" {
		writeError(w, http.StatusBadRequest, "fingerprint is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.ledger.Get(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		h.logger.Error("get ledger record failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

// ListInProgress handles GET /v1/ledger/in-progress?limit=&offset=, returning
// entries in resume order along with the unpaged total.
func (h *LedgerHandler) ListInProgress(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entries, err := h.ledger.ListInProgress(ctx)
	if err != nil {
		h.logger.Error("list in-progress failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list in-progress pages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(entries),
		"entries": toEntryDTOs(page(entries, limit, offset)),
	})
}

// Counts handles GET /v1/ledger/counts.
func (h *LedgerHandler) Counts(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	counts, err := h.ledger.Counts(ctx)
	if err != nil {
		h.logger.Error("ledger counts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count ledger rows")
		return
	}
	out := make(map[string]int64, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": out})
}

// Pending handles GET /v1/tracker/pending?limit=&offset=.
func (h *LedgerHandler) Pending(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "tracker unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	nodes := h.tracker.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"total": len(nodes),
		"nodes": page(nodes, limit, offset),
	})
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toEntryDTOs(in []store.ResumeEntry) []entryDTO {
	out := make([]entryDTO, 0, len(in))
	for _, e := range in {
		out = append(out, entryDTO{
			Fingerprint: e.Fingerprint,
			URL:         e.URL,
			PageKind:    string(e.PageKind),
		})
	}
	return out
}

type entryDTO struct {
	Fingerprint string `json:"fingerprint"`
	URL         string `json:"url"`
	PageKind    string `json:"page_kind"`
}

var _ SnapshotSource = (*tracker.Tracker)(nil)
