package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the kind of signal represented by an Event.
type Stage string

// Supported stages.
const (
	StageCrawlStart        Stage = "CRAWL_START"
	StageCrawlDone         Stage = "CRAWL_DONE"
	StageTaskStarted       Stage = "TASK_STARTED"
	StageTaskProcessed     Stage = "TASK_PROCESSED"
	StageTaskDropped       Stage = "TASK_DROPPED"
	StageTaskFailed        Stage = "TASK_FAILED"
	StageRecord            Stage = "RECORD"
	StageFetchDone         Stage = "FETCH_DONE"
	StageDedupSkip         Stage = "DEDUP_SKIP"
	StageResumed           Stage = "RESUMED"
	StageStorageError      Stage = "STORAGE_ERROR"
	StageProtocolViolation Stage = "PROTOCOL_VIOLATION"
	StageEmptyTask         Stage = "EMPTY_TASK"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single crawl-state signal.
type Event struct {
	// RunID identifies the crawl process run. The hub fills it when empty.
	RunID [16]byte
	// TS is the UTC timestamp. The hub fills it when zero.
	TS    time.Time
	Stage Stage
	// Fingerprint is the ledger key of the task the event is about.
	Fingerprint string
	URL         string
	// PageKind is the page kind label (root, category, item).
	PageKind    string
	StatusClass StatusClass
	Bytes       int64
	Dur         time.Duration
	// Note carries low-volume context such as the error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlDone, StageStorageError, StageProtocolViolation, StageResumed:
	case StageTaskStarted, StageTaskProcessed, StageTaskDropped, StageTaskFailed,
		StageRecord, StageDedupSkip, StageEmptyTask:
		if e.Fingerprint == "" {
			return fmt.Errorf("%s requires fingerprint", e.Stage)
		}
	case StageFetchDone:
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run id to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
