// Package memqueue is an in-process core.DispatchQueue used for single-node
// deployments (QUEUE_BACKEND=memory) and tests. It follows the same entry
// lifecycle and event contract as the Redis queue.
package memqueue

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/domain/job"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

// redeliveryDelay is the pause before an event the handler rejected is offered again.
const redeliveryDelay = 50 * time.Millisecond

// Options configures a Queue.
type Options struct {
	// StallTimeout is the grace past lease expiry before CheckStalled removes an entry.
	StallTimeout time.Duration
	TimeProvider core.TimeProvider
	Logger       *slog.Logger
}

// Queue is a mutex-guarded delay queue with a shared event backlog.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*model.QueueEntry
	dedup   map[string]string
	events  []model.QueueEvent
	notify  chan struct{}
	seq     uint64

	stallTimeout time.Duration
	clock        core.TimeProvider
	logger       *slog.Logger
}

// New creates an empty Queue.
func New(opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		entries:      make(map[string]*model.QueueEntry),
		dedup:        make(map[string]string),
		notify:       make(chan struct{}, 1),
		stallTimeout: max(opts.StallTimeout, 0),
		clock:        core.OrRealTime(opts.TimeProvider),
		logger:       logger.With("component", "memqueue"),
	}
}

func cloneEntry(e *model.QueueEntry) *model.QueueEntry {
	out := *e
	if e.Backoff != nil {
		b := *e.Backoff
		out.Backoff = &b
	}
	if e.LeaseUntil != nil {
		t := *e.LeaseUntil
		out.LeaseUntil = &t
	}
	return &out
}

// emitLocked appends an event and wakes a subscriber. Callers hold q.mu.
func (q *Queue) emitLocked(ev model.QueueEvent) {
	q.seq++
	ev.ID = strconv.FormatUint(q.seq, 10)
	if ev.At.IsZero() {
		ev.At = q.clock.Now()
	}
	q.events = append(q.events, ev)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue adds a delayed entry, or returns the live entry for the same dedup key.
func (q *Queue) Enqueue(_ context.Context, jobID string, opts model.EnqueueOptions) (string, error) {
	if jobID == "" {
		return "", apperrors.ValidationField("job_id", "job id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.DedupKey != "" {
		if ref, ok := q.dedup[opts.DedupKey]; ok {
			if _, live := q.entries[ref]; live {
				return ref, nil
			}
			delete(q.dedup, opts.DedupKey)
		}
	}

	entry := &model.QueueEntry{
		Ref:      uuid.NewString(),
		JobID:    jobID,
		DedupKey: opts.DedupKey,
		RunAt:    q.clock.Now().Add(max(opts.Delay, 0)),
		Priority: opts.Priority,
		State:    model.QueueEntryDelayed,
	}
	if opts.Backoff != nil {
		b := *opts.Backoff
		entry.Backoff = &b
	}
	q.entries[entry.Ref] = entry
	if opts.DedupKey != "" {
		q.dedup[opts.DedupKey] = entry.Ref
	}
	return entry.Ref, nil
}

func (q *Queue) dropLocked(e *model.QueueEntry) {
	delete(q.entries, e.Ref)
	if e.DedupKey != "" && q.dedup[e.DedupKey] == e.Ref {
		delete(q.dedup, e.DedupKey)
	}
}

// Remove deletes an entry in any state. Missing refs are ignored.
func (q *Queue) Remove(_ context.Context, ref string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[ref]; ok {
		q.dropLocked(e)
	}
	return nil
}

// Get returns a copy of the entry.
func (q *Queue) Get(_ context.Context, ref string) (*model.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[ref]
	if !ok {
		return nil, apperrors.NotFoundf("queue entry %s not found", ref)
	}
	return cloneEntry(e), nil
}

// Reserve leases the earliest due entry, breaking ties by priority.
func (q *Queue) Reserve(_ context.Context, lease time.Duration) (*model.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var due []*model.QueueEntry
	for _, e := range q.entries {
		if e.State == model.QueueEntryDelayed && !e.RunAt.After(now) {
			due = append(due, e)
		}
	}
	if len(due) == 0 {
		return nil, model.ErrNoEntriesDue
	}
	slices.SortFunc(due, func(a, b *model.QueueEntry) int {
		if c := a.RunAt.Compare(b.RunAt); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Ref, b.Ref)
	})

	e := due[0]
	until := now.Add(lease)
	e.State = model.QueueEntryActive
	e.LeaseUntil = &until
	q.emitLocked(model.QueueEvent{Type: model.QueueEventActive, Ref: e.Ref, JobID: e.JobID, At: now})
	return cloneEntry(e), nil
}

func (q *Queue) activeLocked(ref string) (*model.QueueEntry, error) {
	e, ok := q.entries[ref]
	if !ok {
		return nil, apperrors.NotFoundf("queue entry %s not found", ref)
	}
	if e.State != model.QueueEntryActive {
		return nil, apperrors.Conflictf("queue entry %s is not active", ref)
	}
	return e, nil
}

// Heartbeat extends the lease of an active entry.
func (q *Queue) Heartbeat(_ context.Context, ref string, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.activeLocked(ref)
	if err != nil {
		return err
	}
	until := q.clock.Now().Add(lease)
	e.LeaseUntil = &until
	return nil
}

// Complete removes an active entry and emits a completed event.
func (q *Queue) Complete(_ context.Context, ref string, result *model.CallDescriptor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.activeLocked(ref)
	if err != nil {
		return err
	}
	q.dropLocked(e)
	q.emitLocked(model.QueueEvent{
		Type: model.QueueEventCompleted, Ref: ref, JobID: e.JobID, Result: result, AttemptsMade: e.Attempts,
	})
	return nil
}

// Fail records a failed attempt. Entries with attempts left under their
// backoff are re-delayed; others are removed.
func (q *Queue) Fail(_ context.Context, ref string, in model.FailInput) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.activeLocked(ref)
	if err != nil {
		return err
	}

	now := q.clock.Now()
	e.Attempts++
	ev := model.QueueEvent{Type: model.QueueEventFailed, Ref: ref, JobID: e.JobID, AttemptsMade: e.Attempts, At: now}
	if in.Err != nil {
		ev.Error = in.Err.Error()
	}

	if job.ShouldRetry(e.Backoff, e.Attempts, in.Retryable) {
		e.State = model.QueueEntryDelayed
		e.LeaseUntil = nil
		e.RunAt = now.Add(job.BackoffDelay(e.Backoff, e.Attempts))
		next := e.RunAt
		ev.Retrying = true
		ev.NextRunAt = &next
	} else {
		q.dropLocked(e)
	}
	q.emitLocked(ev)
	return nil
}

// CheckStalled removes active entries whose lease expired more than the stall timeout ago.
func (q *Queue) CheckStalled(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var stalled []*model.QueueEntry
	for _, e := range q.entries {
		if e.State == model.QueueEntryActive && e.LeaseUntil != nil && now.After(e.LeaseUntil.Add(q.stallTimeout)) {
			stalled = append(stalled, e)
		}
	}
	slices.SortFunc(stalled, func(a, b *model.QueueEntry) int { return a.LeaseUntil.Compare(*b.LeaseUntil) })
	for _, e := range stalled {
		q.dropLocked(e)
		q.emitLocked(model.QueueEvent{
			Type:         model.QueueEventStalled,
			Ref:          e.Ref,
			JobID:        e.JobID,
			AttemptsMade: e.Attempts,
			Error:        "lease expired without heartbeat",
			At:           now,
		})
	}
	return len(stalled), nil
}

// Len returns the number of live entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) nextEvent() (model.QueueEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return model.QueueEvent{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

func (q *Queue) requeueFront(ev model.QueueEvent) {
	q.mu.Lock()
	q.events = append([]model.QueueEvent{ev}, q.events...)
	q.mu.Unlock()
}

// Drain hands every buffered event to handler in order and returns how many
// were acknowledged. It stops at the first handler error and leaves that event
// at the head of the backlog.
func (q *Queue) Drain(ctx context.Context, handler core.EventHandler) (int, error) {
	n := 0
	for {
		ev, ok := q.nextEvent()
		if !ok {
			return n, nil
		}
		if err := handler(ctx, ev); err != nil {
			q.requeueFront(ev)
			return n, err
		}
		n++
	}
}

// Subscribe hands events to handler in emission order until ctx is done.
// Concurrent subscribers share the backlog. An event the handler rejects is
// put back at the head and retried.
func (q *Queue) Subscribe(ctx context.Context, handler core.EventHandler) error {
	for {
		ev, ok := q.nextEvent()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
			}
			continue
		}

		if err := handler(ctx, ev); err != nil {
			q.logger.WarnContext(ctx, "event handler failed; redelivering",
				"event_type", ev.Type, "ref", ev.Ref, "error", err)
			q.requeueFront(ev)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(redeliveryDelay):
			}
			continue
		}

		// Keep other subscribers moving while the backlog is non-empty.
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}
