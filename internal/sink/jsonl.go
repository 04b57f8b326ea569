package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("record sink closed")

// JSONLines appends one JSON object per record to a file. Records from
// earlier runs are kept; resumed crawls append to the same file.
type JSONLines struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	closed bool
}

// NewJSONLines opens path for appending, creating parent directories.
func NewJSONLines(path string) (*JSONLines, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("record sink path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create record sink dir for %s: %w", path, err)
	}
	// #nosec G304 -- the output path comes from operator configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open record sink %s: %w", path, err)
	}
	return &JSONLines{file: f, w: bufio.NewWriter(f)}, nil
}

// Write encodes record as a single line. Each write is flushed so a crash
// loses at most the record being written.
func (s *JSONLines) Write(ctx context.Context, record crawler.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", record.URL, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write record %s: %w", record.URL, err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush record %s: %w", record.URL, err)
	}
	return nil
}

// Close flushes and closes the file. Repeated calls are no-ops.
func (s *JSONLines) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		return fmt.Errorf("close record sink: %w", err)
	}
	return nil
}
