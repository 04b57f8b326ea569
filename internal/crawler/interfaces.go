package crawler

import (
	"context"
	"errors"
	"time"
)

// ErrQueueClosed is returned by Queue.Dequeue once the queue is closed and
// drained, and by Enqueue after close.
var ErrQueueClosed = errors.New("queue closed")

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Parser derives child tasks and records from a fetched page.
type Parser interface {
	Parse(ctx context.Context, task Task, resp FetchResponse) (ParseResult, error)
}

// Queue provides enqueue/dequeue semantics for crawl tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// RecordSink receives terminal records.
type RecordSink interface {
	Write(ctx context.Context, record Record) error
	Close() error
}

// Fingerprinter derives the stable request identifier used as the ledger key.
type Fingerprinter interface {
	Fingerprint(method, rawURL string, body []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
