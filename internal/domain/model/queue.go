package model

import (
	"errors"
	"time"
)

// ErrNoEntriesDue is returned by queue reservation when nothing is due yet.
var ErrNoEntriesDue = errors.New("no queue entries due")

// QueueEntryState is the queue-side state of an entry.
type QueueEntryState string

const (
	QueueEntryDelayed QueueEntryState = "delayed"
	QueueEntryActive  QueueEntryState = "active"
)

// EnqueueOptions controls how a job is placed on the delay queue.
type EnqueueOptions struct {
	// Delay before the entry becomes eligible for reservation.
	Delay time.Duration
	// DedupKey makes Enqueue idempotent: an existing live entry with the same key is returned.
	DedupKey string
	Priority int
	Backoff  *Backoff
}

// QueueEntry is the queue-owned record mapped 1:1 to a job while pending or active.
type QueueEntry struct {
	Ref        string          `json:"ref"`
	JobID      string          `json:"job_id"`
	DedupKey   string          `json:"dedup_key,omitempty"`
	RunAt      time.Time       `json:"run_at"`
	Priority   int             `json:"priority"`
	Attempts   int             `json:"attempts"`
	Backoff    *Backoff        `json:"backoff,omitempty"`
	State      QueueEntryState `json:"state"`
	LeaseUntil *time.Time      `json:"lease_until,omitempty"`
}

// FailInput describes a worker-reported failure.
type FailInput struct {
	Err       error
	Retryable bool
}

// QueueEventType names a queue lifecycle event.
type QueueEventType string

const (
	QueueEventActive    QueueEventType = "active"
	QueueEventCompleted QueueEventType = "completed"
	QueueEventFailed    QueueEventType = "failed"
	QueueEventStalled   QueueEventType = "stalled"
)

// QueueEvent is emitted by the queue on each entry transition.
type QueueEvent struct {
	// ID is the backend's event identifier (stream id for Redis).
	ID    string         `json:"id,omitempty"`
	Type  QueueEventType `json:"type"`
	Ref   string         `json:"ref"`
	JobID string         `json:"job_id"`
	// Result is set on completed events.
	Result *CallDescriptor `json:"result,omitempty"`
	// Error is set on failed events.
	Error string `json:"error,omitempty"`
	// Retrying marks failed events after which the queue re-delayed the entry.
	Retrying  bool       `json:"retrying,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	// AttemptsMade counts failed attempts including this one.
	AttemptsMade int       `json:"attempts_made,omitempty"`
	At           time.Time `json:"at"`
}
