// Package core declares the ports between the dispatch services and their
// storage, queue and provider adapters.
package core

import (
	"context"
	"time"

	"github.com/target/outbound-dispatch/internal/domain/model"
)

// JobStore is the durable record of schedulable work. Writes are
// last-writer-wins per document; no cross-document transactions are implied.
type JobStore interface {
	// Create persists a new job and returns its id. An empty ID is assigned by the store.
	Create(ctx context.Context, job *model.Job) (string, error)
	// Get returns the job or a NotFound error.
	Get(ctx context.Context, id string) (*model.Job, error)
	// Find returns jobs matching filter, ordered by sort, bounded by page.
	Find(ctx context.Context, filter model.JobFilter, sort model.JobSort, page model.Page) ([]*model.Job, error)
	// Update applies a patch and returns the updated job.
	Update(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error)
	// AppendLog appends one entry to the job's audit trail.
	AppendLog(ctx context.Context, id string, entry model.LogEntry) error
	// Delete removes a job. It fails with Conflict while the job still has a queue_ref.
	Delete(ctx context.Context, id string) error
}

// CampaignStore persists campaigns.
type CampaignStore interface {
	Create(ctx context.Context, c *model.Campaign) (string, error)
	Get(ctx context.Context, id string) (*model.Campaign, error)
	UpdateStatus(ctx context.Context, id string, status model.CampaignStatus) error
}

// DispatchQueue is a delay-capable queue that releases entries to workers at
// or after their run time, with at-least-once delivery.
type DispatchQueue interface {
	// Enqueue places jobID on the queue. With a DedupKey, a live entry for the
	// same key is returned instead of creating a second one.
	Enqueue(ctx context.Context, jobID string, opts model.EnqueueOptions) (string, error)
	// Remove deletes an entry. Removing a missing entry is not an error.
	Remove(ctx context.Context, ref string) error
	// Get returns the entry or a NotFound error.
	Get(ctx context.Context, ref string) (*model.QueueEntry, error)

	// Reserve leases the next due entry, or returns model.ErrNoEntriesDue.
	Reserve(ctx context.Context, lease time.Duration) (*model.QueueEntry, error)
	// Heartbeat extends the lease of an active entry.
	Heartbeat(ctx context.Context, ref string, lease time.Duration) error
	// Complete finishes an active entry successfully.
	Complete(ctx context.Context, ref string, result *model.CallDescriptor) error
	// Fail records a failed attempt and applies the entry's backoff policy.
	Fail(ctx context.Context, ref string, in model.FailInput) error
	// CheckStalled removes active entries whose lease expired past the stall
	// tolerance and emits stalled events. It returns the number stalled.
	CheckStalled(ctx context.Context) (int, error)

	// Subscribe delivers queue events to handler until ctx is done.
	Subscribe(ctx context.Context, handler EventHandler) error
}

// EventHandler consumes one queue event. A returned error leaves the event
// unacknowledged so it is redelivered.
type EventHandler func(ctx context.Context, ev model.QueueEvent) error

// DispatchTarget performs the side-effecting outbound call.
type DispatchTarget interface {
	Dispatch(ctx context.Context, req model.DispatchRequest) (*model.CallDescriptor, error)
}

// SyncTrigger requests an asynchronous scheduler sync pass. Implementations
// must not block and must tolerate a pass already running.
type SyncTrigger interface {
	Trigger(ctx context.Context)
}

// TokenMinter issues short-lived access credentials for dispatch payloads.
type TokenMinter interface {
	Mint(ctx context.Context, subject string, validUntil time.Time) (string, error)
}

// DeleteTerminalParams bounds a reaper cleanup pass.
type DeleteTerminalParams struct {
	Statuses  []model.JobStatus
	Before    time.Time
	BatchSize int
}

// ReaperRepository is implemented by stores that support bulk cleanup.
type ReaperRepository interface {
	DeleteTerminalBefore(ctx context.Context, params DeleteTerminalParams) (int64, error)
}
