// Package dedup decides whether a child request should be skipped because the
// ledger already knows its fingerprint from this or an earlier run.
package dedup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/progress"
	"github.com/JakeFAU/ledger-crawler/internal/store"
)

// Lookuper is the slice of store.Ledger the filter needs.
type Lookuper interface {
	Lookup(ctx context.Context, fingerprint string) (store.Status, bool, error)
}

// Filter skips requests whose fingerprint has a ledger row in any status.
type Filter struct {
	ledger  Lookuper
	emitter progress.Emitter
	logger  *zap.Logger
}

// NewFilter constructs a Filter. A nil emitter discards events.
func NewFilter(ledger Lookuper, emitter progress.Emitter, logger *zap.Logger) *Filter {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{ledger: ledger, emitter: emitter, logger: logger.Named("dedup")}
}

// ShouldSkip reports whether the request must not be fetched. dontFilter
// always wins. A failed lookup lets the request through: fetching a page twice
// is preferable to never fetching it.
func (f *Filter) ShouldSkip(ctx context.Context, fingerprint string, dontFilter bool) bool {
	if dontFilter {
		return false
	}
	_, present, err := f.ledger.Lookup(ctx, fingerprint)
	if err != nil {
		f.logger.Error("ledger lookup failed, allowing request",
			zap.String("fingerprint", fingerprint),
			zap.Error(err),
		)
		f.emitter.Emit(progress.Event{
			Stage:       progress.StageStorageError,
			Fingerprint: fingerprint,
			Note:        err.Error(),
		})
		return false
	}
	return present
}

// RefreshPolicy decides whether a page whose newest listed item is dated
// latest is still inside the refresh window. It carries no ledger state.
type RefreshPolicy struct {
	Enabled bool
	Days    int
	Clock   crawler.Clock
}

// Fresh reports whether latest falls within the last Days days. A zero
// latest (no date found) is never fresh.
func (p RefreshPolicy) Fresh(latest time.Time) bool {
	if !p.Enabled || latest.IsZero() {
		return false
	}
	now := time.Now().UTC()
	if p.Clock != nil {
		now = p.Clock.Now()
	}
	cutoff := now.AddDate(0, 0, -p.Days)
	return !latest.Before(cutoff)
}
