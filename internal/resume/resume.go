// Package resume re-submits pages left in_progress by an earlier run before
// any new seed is scheduled.
package resume

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/progress"
	"github.com/JakeFAU/ledger-crawler/internal/store"
)

// Lister is the slice of store.Ledger the controller needs.
type Lister interface {
	ListInProgress(ctx context.Context) ([]store.ResumeEntry, error)
}

// Submitter schedules a task.
type Submitter interface {
	Submit(ctx context.Context, task crawler.Task) error
}

// Controller resumes interrupted pages.
type Controller struct {
	ledger    Lister
	submitter Submitter
	emitter   progress.Emitter
	logger    *zap.Logger
}

// NewController constructs a Controller. A nil emitter discards events.
func NewController(ledger Lister, submitter Submitter, emitter progress.Emitter, logger *zap.Logger) *Controller {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		ledger:    ledger,
		submitter: submitter,
		emitter:   emitter,
		logger:    logger.Named("resume"),
	}
}

// Resume submits every in_progress entry as a parentless task that bypasses
// dedup, and returns how many were submitted. A listing failure is returned
// as a *store.StorageError; the crawl can still proceed with fresh seeds.
func (c *Controller) Resume(ctx context.Context) (int, error) {
	entries, err := c.ledger.ListInProgress(ctx)
	if err != nil {
		return 0, store.Wrap("list_in_progress", "", err)
	}
	submitted := 0
	for _, entry := range entries {
		task, ok := c.taskFor(entry)
		if !ok {
			continue
		}
		if err := c.submitter.Submit(ctx, task); err != nil {
			return submitted, fmt.Errorf("resume %s: %w", entry.Fingerprint, err)
		}
		submitted++
		c.emitter.Emit(progress.Event{
			Stage:       progress.StageResumed,
			Fingerprint: entry.Fingerprint,
			URL:         entry.URL,
			PageKind:    string(entry.PageKind),
		})
	}
	c.logger.Info("resumed in-progress pages",
		zap.Int("listed", len(entries)),
		zap.Int("submitted", submitted),
	)
	return submitted, nil
}

// taskFor resolves the entry's page kind into a schedulable task. Unknown
// kinds are logged and skipped.
func (c *Controller) taskFor(entry store.ResumeEntry) (crawler.Task, bool) {
	if !entry.PageKind.Valid() {
		c.logger.Warn("skipping resume entry with unknown page kind",
			zap.String("fingerprint", entry.Fingerprint),
			zap.String("url", entry.URL),
			zap.String("page_kind", string(entry.PageKind)),
		)
		return crawler.Task{}, false
	}
	// Category and page metadata are not persisted; the parser derives them
	// again from the page URL and content.
	return crawler.Task{
		Fingerprint: entry.Fingerprint,
		URL:         entry.URL,
		Method:      http.MethodGet,
		Kind:        entry.PageKind,
		DontFilter:  true,
		Priority:    entry.PageKind.Priority(),
		Meta:        map[string]string{},
	}, true
}
