package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
)

// Log writes each record as a structured info log line.
type Log struct {
	logger *zap.Logger
}

// NewLog constructs a Log sink.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("records")}
}

// Write logs the record.
func (s *Log) Write(_ context.Context, record crawler.Record) error {
	s.logger.Info("record",
		zap.String("url", record.URL),
		zap.String("source_fingerprint", record.SourceFingerprint),
		zap.String("page_kind", string(record.Kind)),
		zap.Any("fields", record.Fields),
		zap.Time("scraped_at", record.ScrapedAt),
	)
	return nil
}

// Close is a no-op.
func (s *Log) Close() error { return nil }
