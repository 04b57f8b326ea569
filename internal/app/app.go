// Package app assembles the crawler's long-lived services from configuration
// and runs a crawl.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/api"
	"github.com/JakeFAU/ledger-crawler/internal/clock"
	"github.com/JakeFAU/ledger-crawler/internal/config"
	"github.com/JakeFAU/ledger-crawler/internal/crawler"
	"github.com/JakeFAU/ledger-crawler/internal/dedup"
	"github.com/JakeFAU/ledger-crawler/internal/dispatcher"
	"github.com/JakeFAU/ledger-crawler/internal/events"
	collyfetcher "github.com/JakeFAU/ledger-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/ledger-crawler/internal/fingerprint"
	"github.com/JakeFAU/ledger-crawler/internal/id/uuid"
	"github.com/JakeFAU/ledger-crawler/internal/parser"
	"github.com/JakeFAU/ledger-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/ledger-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/ledger-crawler/internal/progress/sinks"
	queuememory "github.com/JakeFAU/ledger-crawler/internal/queue/memory"
	"github.com/JakeFAU/ledger-crawler/internal/resume"
	"github.com/JakeFAU/ledger-crawler/internal/sink"
	"github.com/JakeFAU/ledger-crawler/internal/store"
	"github.com/JakeFAU/ledger-crawler/internal/tracker"
	"github.com/JakeFAU/ledger-crawler/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the crawl's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	runID    string
	registry *prometheus.Registry

	ledger        store.Ledger
	stopLedger    func()
	tracker       *tracker.Tracker
	progressHub   *progress.Hub
	records       crawler.RecordSink
	queue         *queuememory.Queue
	dispatch      *dispatcher.Dispatcher
	resumer       *resume.Controller
	fingerprinter crawler.Fingerprinter
	apiServer     *api.Server
}

// Build creates the application's dependencies. The caller owns the returned
// App and must Close it.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.ValidateCrawl(); err != nil {
		return nil, fmt.Errorf("invalid crawl config: %w", err)
	}
	runID, err := uuid.NewGenerator().NewRunID()
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:      cfg,
		logger:   logger.With(zap.String("run_id", runID.String())),
		runID:    runID.String(),
		registry: prometheus.NewRegistry(),
	}
	a.logger.Info("building application dependencies",
		zap.String("ledger_backend", cfg.Ledger.Backend),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.Int("seeds", len(cfg.Crawler.Seeds)),
		zap.Bool("refresh_mode", cfg.Crawler.RefreshMode),
	)

	a.ledger, a.stopLedger, err = OpenLedger(ctx, cfg.Ledger, a.logger)
	if err != nil {
		return nil, err
	}
	if err := a.setupProgress(progress.UUIDToBytes(runID)); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.setupRecords(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.setupPipeline()
	if cfg.Server.Enabled {
		a.apiServer = api.NewServer(a.ledger, a.tracker, a.registry, a.logger)
	}
	return a, nil
}

func (a *App) setupProgress(runID [16]byte) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger))
	}
	a.progressHub = progress.NewHub(progress.Config{
		RunID:      runID,
		BufferSize: a.cfg.Progress.BufferSize,
		Logger:     a.logger,
	}, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", a.cfg.Progress.BufferSize),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

func (a *App) setupRecords() error {
	if a.cfg.Sink.Path == "" {
		a.logger.Info("no sink.path configured, logging records")
		a.records = sink.NewLog(a.logger)
		return nil
	}
	jsonl, err := sink.NewJSONLines(a.cfg.Sink.Path)
	if err != nil {
		return fmt.Errorf("record sink init failed: %w", err)
	}
	a.logger.Info("writing records", zap.String("path", a.cfg.Sink.Path))
	a.records = jsonl
	return nil
}

func (a *App) setupPipeline() {
	cfg := a.cfg
	clk := clock.System{}
	a.fingerprinter = fingerprint.New()
	a.tracker = tracker.New()
	adapter := events.NewAdapter(a.ledger, a.tracker, clk, a.progressHub, a.logger)
	filter := dedup.NewFilter(a.ledger, a.progressHub, a.logger)

	refresh := dedup.RefreshPolicy{
		Enabled: cfg.Crawler.RefreshMode,
		Days:    cfg.Crawler.RefreshDays,
		Clock:   clk,
	}
	pageParser := parser.New(parser.Config{
		CategorySelector:     cfg.Site.CategorySelector,
		ItemSelector:         cfg.Site.ItemSelector,
		NextPageSelector:     cfg.Site.NextPageSelector,
		ItemDateSelector:     cfg.Site.ItemDateSelector,
		ItemDateLayout:       cfg.Site.ItemDateLayout,
		CategoryNameSelector: cfg.Site.CategoryNameSelector,
		RecordFields:         cfg.Site.RecordFields,
		PageParam:            cfg.Site.PageParam,
		MaxCategoryPages:     cfg.Crawler.MaxCategoryPages,
	}, refresh, clk, a.logger)

	var fetcher crawler.Fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.Crawler.RequestTimeout,
	}, a.logger)
	a.logger.Info("using colly fetcher", zap.String("user_agent", cfg.Crawler.UserAgent))
	if cfg.Crawler.RateLimitRPS > 0 {
		fetcher = ratelimit.Wrap(fetcher, ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Crawler.RateLimitRPS,
			DefaultBurst: cfg.Crawler.RateLimitBurst,
		}), a.logger)
		a.logger.Info("rate limiter enabled",
			zap.Float64("rps", cfg.Crawler.RateLimitRPS),
			zap.Int("burst", cfg.Crawler.RateLimitBurst),
		)
	}

	a.queue = queuememory.NewQueue()
	runners := make([]dispatcher.Runner, 0, cfg.Crawler.Concurrency)
	for i := 0; i < cfg.Crawler.Concurrency; i++ {
		runners = append(runners, worker.New(
			a.queue,
			fetcher,
			pageParser,
			a.fingerprinter,
			filter,
			adapter,
			a.records,
			a.progressHub,
			a.logger.With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, runners, a.progressHub, a.logger)
	a.resumer = resume.NewController(a.ledger, a.dispatch, a.progressHub, a.logger)
}

// Run crawls until the tree drains, ctx is cancelled, or SIGINT/SIGTERM
// arrives. It returns the close reason.
func (a *App) Run(ctx context.Context) (string, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	reason, err := a.dispatch.Run(ctx, a.seed)

	if nodes, edges := a.tracker.Pending(); nodes > 0 {
		a.logger.Warn("crawl left unfinished pages; they resume on the next run",
			zap.Int("nodes", nodes),
			zap.Int("pending_children", edges),
		)
	}
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Error("server shutdown error", zap.Error(serr))
		}
	}
	return reason, err
}

// seed resubmits unfinished pages from earlier runs, then the configured
// seeds. Seeds already in_progress were just resumed and are skipped.
func (a *App) seed(ctx context.Context) error {
	if _, err := a.resumer.Resume(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		a.logger.Error("resume failed, continuing with seeds", zap.Error(err))
	}
	for _, raw := range a.cfg.Crawler.Seeds {
		fp, err := a.fingerprinter.Fingerprint(http.MethodGet, raw, nil)
		if err != nil {
			a.logger.Warn("skipping invalid seed", zap.String("url", raw), zap.Error(err))
			continue
		}
		status, ok, err := a.ledger.Lookup(ctx, fp)
		switch {
		case err != nil:
			a.logger.Warn("seed lookup failed, scheduling anyway", zap.String("url", raw), zap.Error(err))
		case ok && status == store.StatusInProgress:
			a.logger.Debug("seed already resumed", zap.String("url", raw))
			continue
		}
		task := crawler.Task{
			Fingerprint: fp,
			URL:         raw,
			Method:      http.MethodGet,
			Kind:        crawler.PageRoot,
			DontFilter:  true,
			Priority:    crawler.PageRoot.Priority(),
			Meta:        map[string]string{},
		}
		if err := a.dispatch.Submit(ctx, task); err != nil {
			return fmt.Errorf("submit seed %s: %w", raw, err)
		}
	}
	return nil
}

// Ledger exposes the opened ledger.
func (a *App) Ledger() store.Ledger {
	return a.ledger
}

// Registry exposes the Prometheus registry fed by the progress hub.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// RunID returns the crawl run identifier.
func (a *App) RunID() string {
	return a.runID
}

// Close gracefully shuts down the application. Events still buffered in the
// progress hub are flushed before the ledger closes.
func (a *App) Close(ctx context.Context) {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.tracker != nil {
		a.tracker.Close()
	}
	if a.progressHub != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		if err := a.progressHub.Close(closeCtx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		cancel()
	}
	if a.records != nil {
		if err := a.records.Close(); err != nil {
			a.logger.Warn("record sink close failed", zap.Error(err))
		}
	}
	if a.stopLedger != nil {
		a.stopLedger()
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("ledger close failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}
