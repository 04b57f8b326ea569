// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"net/http"
	"time"
)

// PageKind tags where a task sits in the crawl hierarchy.
type PageKind string

// Supported page kinds. Paginated category pages share PageCategory and carry
// their page number in Task.Meta.
const (
	PageRoot     PageKind = "root"
	PageCategory PageKind = "category"
	PageItem     PageKind = "item"
)

// Valid reports whether k is one of the known page kinds.
func (k PageKind) Valid() bool {
	switch k {
	case PageRoot, PageCategory, PageItem:
		return true
	default:
		return false
	}
}

// Priority returns the queue priority for the kind. Deeper pages run first so
// open subtrees close quickly.
func (k PageKind) Priority() int {
	switch k {
	case PageItem:
		return 30
	case PageCategory:
		return 20
	default:
		return 0
	}
}

// Outcome is the terminal result the engine reports for a task.
type Outcome string

// Task outcomes. Exactly one is delivered per task, including tasks that were
// rejected before they ever started.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDropped   Outcome = "dropped"
	OutcomeFailed    Outcome = "failed"
)

// Task meta keys set by the parser.
const (
	MetaPageNumber = "page_number"
	MetaCategory   = "category"
)

// Task is a single unit of fetch work.
type Task struct {
	Fingerprint       string
	URL               string
	Method            string
	Body              []byte
	Kind              PageKind
	ParentFingerprint string
	ParentURL         string
	// DontFilter bypasses the dedup filter for this task.
	DontFilter bool
	Priority   int
	Meta       map[string]string
}

// IsRoot reports whether the task has no parent.
func (t Task) IsRoot() bool {
	return t.ParentFingerprint == ""
}

// Record is a terminal output produced by a leaf page.
type Record struct {
	URL               string            `json:"url"`
	SourceFingerprint string            `json:"source_fingerprint"`
	Kind              PageKind          `json:"page_kind"`
	Fields            map[string]string `json:"fields"`
	ScrapedAt         time.Time         `json:"scraped_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Method  string
	Body    []byte
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// StatusError reports a fetch that completed with a non-success HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// ParseResult holds the children and records derived from one page.
type ParseResult struct {
	Children []Task
	Records  []Record
}
