package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/ledger-crawler/internal/progress"
)

// PrometheusSink exports crawl-state metrics. It owns every collector it
// registers.
type PrometheusSink struct {
	crawlsRunning prometheus.Gauge
	crawlRuntime  prometheus.Histogram

	tasksStarted   *prometheus.CounterVec
	tasksProcessed *prometheus.CounterVec
	taskOutcomes   *prometheus.CounterVec
	records        prometheus.Counter
	dedupSkips     prometheus.Counter
	resumed        prometheus.Counter

	storageErrors      prometheus.Counter
	protocolViolations prometheus.Counter
	emptyTasks         prometheus.Counter

	fetchRequests *prometheus.CounterVec
	fetchBytes    prometheus.Counter
	fetchDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_runs_active",
			Help: "Crawl runs currently in progress.",
		}),
		crawlRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_run_duration_seconds",
			Help:    "Wall time per finished crawl run.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_tasks_started_total",
			Help: "Tasks marked in_progress, by page kind.",
		}, []string{"page_kind"}),
		tasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_tasks_processed_total",
			Help: "Tasks whose subtree completed, by page kind.",
		}, []string{"page_kind"}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_task_outcomes_total",
			Help: "Non-completed task outcomes.",
		}, []string{"outcome"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_records_total",
			Help: "Terminal records yielded by leaf pages.",
		}),
		dedupSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_dedup_skips_total",
			Help: "Child requests rejected because the ledger already knows them.",
		}),
		resumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_resumed_tasks_total",
			Help: "Unfinished pages resubmitted at startup.",
		}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_storage_errors_total",
			Help: "Ledger reads or writes that failed.",
		}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_protocol_violations_total",
			Help: "Tracker events that were ignored as out of protocol.",
		}),
		emptyTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_empty_tasks_total",
			Help: "Pages that produced neither requests nor records.",
		}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_requests_total",
			Help: "Fetch completions partitioned by status class.",
		}, []string{"status_class"}),
		fetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_fetch_bytes_total",
			Help: "Bytes downloaded.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"status_class"}),
	}
	for _, collector := range []prometheus.Collector{
		s.crawlsRunning,
		s.crawlRuntime,
		s.tasksStarted,
		s.tasksProcessed,
		s.taskOutcomes,
		s.records,
		s.dedupSkips,
		s.resumed,
		s.storageErrors,
		s.protocolViolations,
		s.emptyTasks,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart:
		s.crawlsRunning.Inc()
	case progress.StageCrawlDone:
		s.crawlsRunning.Dec()
		if evt.Dur > 0 {
			s.crawlRuntime.Observe(evt.Dur.Seconds())
		}
	case progress.StageTaskStarted:
		s.tasksStarted.WithLabelValues(kindLabel(evt)).Inc()
	case progress.StageTaskProcessed:
		s.tasksProcessed.WithLabelValues(kindLabel(evt)).Inc()
	case progress.StageTaskDropped:
		s.taskOutcomes.WithLabelValues("dropped").Inc()
	case progress.StageTaskFailed:
		s.taskOutcomes.WithLabelValues("failed").Inc()
	case progress.StageRecord:
		s.records.Inc()
	case progress.StageDedupSkip:
		s.dedupSkips.Inc()
	case progress.StageResumed:
		s.resumed.Inc()
	case progress.StageStorageError:
		s.storageErrors.Inc()
	case progress.StageProtocolViolation:
		s.protocolViolations.Inc()
	case progress.StageEmptyTask:
		s.emptyTasks.Inc()
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(statusClass).Observe(evt.Dur.Seconds())
	}
}

func kindLabel(evt progress.Event) string {
	if evt.PageKind == "" {
		return "unknown"
	}
	return evt.PageKind
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
