// Package redisqueue implements core.DispatchQueue on Redis. Entries are
// hashes indexed by a delayed zset (score: run time) and an active zset
// (score: lease deadline). Every transition is a Lua script and appends to an
// events stream consumed through a consumer group.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/domain/job"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

const (
	defaultStreamMaxLen   = 100_000
	defaultStalledBatch   = 100
	defaultBlock          = 2 * time.Second
	defaultClaimMinIdle   = time.Minute
	defaultConsumerGroup  = "reconciler"
	maxFailCASAttempts    = 5
	scriptResultMissing   = -1
	scriptResultNotActive = 0
	scriptResultRaced     = -2
	reserveScanLimit      = 16
)

// Options configures a Queue.
type Options struct {
	Client redis.UniversalClient
	// KeyPrefix namespaces all keys; it is wrapped in a hash tag.
	KeyPrefix string
	// StallTimeout is the grace past lease expiry before CheckStalled removes an entry.
	StallTimeout time.Duration
	// ConsumerGroup and ConsumerName identify this process on the events stream.
	ConsumerGroup string
	ConsumerName  string
	StreamMaxLen  int64
	// Block bounds each XREADGROUP call so Subscribe notices cancellation.
	Block time.Duration
	// ClaimMinIdle is how long an unacknowledged event sits with a dead consumer before it is claimed.
	ClaimMinIdle time.Duration
	TimeProvider core.TimeProvider
	Logger       *slog.Logger
}

// Queue is the Redis-backed dispatch queue.
type Queue struct {
	client       redis.UniversalClient
	prefix       string
	stallTimeout time.Duration
	group        string
	consumer     string
	maxLen       int64
	block        time.Duration
	claimMinIdle time.Duration
	clock        core.TimeProvider
	logger       *slog.Logger
}

// New creates a Queue.
func New(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "dispatch"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		client:       opts.Client,
		prefix:       "{" + prefix + "}:",
		stallTimeout: max(opts.StallTimeout, 0),
		group:        opts.ConsumerGroup,
		consumer:     opts.ConsumerName,
		maxLen:       opts.StreamMaxLen,
		block:        opts.Block,
		claimMinIdle: opts.ClaimMinIdle,
		clock:        core.OrRealTime(opts.TimeProvider),
		logger:       logger.With("component", "redisqueue"),
	}
	if q.group == "" {
		q.group = defaultConsumerGroup
	}
	if q.consumer == "" {
		q.consumer = "consumer-" + uuid.NewString()
	}
	if q.maxLen <= 0 {
		q.maxLen = defaultStreamMaxLen
	}
	if q.block <= 0 {
		q.block = defaultBlock
	}
	if q.claimMinIdle <= 0 {
		q.claimMinIdle = defaultClaimMinIdle
	}
	return q, nil
}

// MustNew is New that panics on error.
func MustNew(opts Options) *Queue {
	q, err := New(opts)
	if err != nil {
		panic(err)
	}
	return q
}

func (q *Queue) delayedKey() string { return q.prefix + "delayed" }
func (q *Queue) activeKey() string { return q.prefix + "active" }
func (q *Queue) eventsKey() string { return q.prefix + "events" }
func (q *Queue) entryKey(ref string) string { return q.prefix + "entry:" + ref }
func (q *Queue) dedupKey(key string) string { return q.prefix + "dedup:" + key }
func toMillis(t time.Time) int64 { return t.UnixMilli() }
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Enqueue adds a delayed entry, or returns the live entry for the same dedup key.
func (q *Queue) Enqueue(ctx context.Context, jobID string, opts model.EnqueueOptions) (string, error) {
	if jobID == "" {
		return "", apperrors.ValidationField("job_id", "job id is required")
	}
	backoff := ""
	if opts.Backoff != nil {
		b, err := json.Marshal(opts.Backoff)
		if err != nil {
			return "", fmt.Errorf("encode backoff: %w", err)
		}
		backoff = string(b)
	}
	ref := uuid.NewString()
	runAt := q.clock.Now().Add(max(opts.Delay, 0))

	got, err := enqueueScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.entryKey(ref), q.dedupKey(opts.DedupKey)},
		ref, jobID, opts.DedupKey, toMillis(runAt), opts.Priority, backoff, q.prefix,
	).Text()
	if err != nil {
		return "", apperrors.Queue(err, "enqueue job "+jobID)
	}
	return got, nil
}

// Remove deletes an entry in any state. Missing refs are ignored.
func (q *Queue) Remove(ctx context.Context, ref string) error {
	if err := removeScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.activeKey(), q.entryKey(ref)},
		ref, q.prefix,
	).Err(); err != nil {
		return apperrors.Queue(err, "remove queue entry "+ref)
	}
	return nil
}

// Get returns the entry.
func (q *Queue) Get(ctx context.Context, ref string) (*model.QueueEntry, error) {
	fields, err := q.client.HGetAll(ctx, q.entryKey(ref)).Result()
	if err != nil {
		return nil, apperrors.Queue(err, "get queue entry "+ref)
	}
	if len(fields) == 0 {
		return nil, apperrors.NotFoundf("queue entry %s not found", ref)
	}
	return decodeEntry(ref, fields)
}

// Reserve leases the earliest due entry. Priority is stored but not used for
// ordering; entries due at the same millisecond come out in member order.
func (q *Queue) Reserve(ctx context.Context, lease time.Duration) (*model.QueueEntry, error) {
	now := q.clock.Now()
	res, err := reserveScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.activeKey(), q.eventsKey()},
		toMillis(now), toMillis(now.Add(lease)), q.prefix, q.maxLen, reserveScanLimit,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNoEntriesDue
	}
	if err != nil {
		return nil, apperrors.Queue(err, "reserve queue entry")
	}
	if len(res) < 1 {
		return nil, model.ErrNoEntriesDue
	}
	ref, _ := res[0].(string)
	fields := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return decodeEntry(ref, fields)
}

func statusError(code int64, ref string) error {
	switch code {
	case scriptResultMissing:
		return apperrors.NotFoundf("queue entry %s not found", ref)
	case scriptResultNotActive:
		return apperrors.Conflictf("queue entry %s is not active", ref)
	}
	return nil
}

// Heartbeat extends the lease of an active entry.
func (q *Queue) Heartbeat(ctx context.Context, ref string, lease time.Duration) error {
	code, err := heartbeatScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.entryKey(ref)},
		ref, toMillis(q.clock.Now().Add(lease)),
	).Int64()
	if err != nil {
		return apperrors.Queue(err, "heartbeat queue entry "+ref)
	}
	return statusError(code, ref)
}

// Complete removes an active entry and emits a completed event.
func (q *Queue) Complete(ctx context.Context, ref string, result *model.CallDescriptor) error {
	raw := ""
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode call descriptor: %w", err)
		}
		raw = string(b)
	}
	code, err := completeScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.entryKey(ref), q.eventsKey()},
		ref, toMillis(q.clock.Now()), raw, q.prefix, q.maxLen,
	).Int64()
	if err != nil {
		return apperrors.Queue(err, "complete queue entry "+ref)
	}
	return statusError(code, ref)
}

// Fail records a failed attempt. The retry decision is made here from the
// stored backoff and applied by a script that checks the attempt counter did
// not move in between.
func (q *Queue) Fail(ctx context.Context, ref string, in model.FailInput) error {
	errMsg := ""
	if in.Err != nil {
		errMsg = in.Err.Error()
	}
	for range maxFailCASAttempts {
		entry, err := q.Get(ctx, ref)
		if err != nil {
			return err
		}
		if entry.State != model.QueueEntryActive {
			return apperrors.Conflictf("queue entry %s is not active", ref)
		}

		now := q.clock.Now()
		attempts := entry.Attempts + 1
		retry := job.ShouldRetry(entry.Backoff, attempts, in.Retryable)
		retryFlag, nextRunAt := "0", int64(0)
		if retry {
			retryFlag = "1"
			nextRunAt = toMillis(now.Add(job.BackoffDelay(entry.Backoff, attempts)))
		}

		code, err := failScript.Run(ctx, q.client,
			[]string{q.delayedKey(), q.activeKey(), q.entryKey(ref), q.eventsKey()},
			ref, toMillis(now), strconv.Itoa(entry.Attempts), retryFlag, nextRunAt, errMsg, q.prefix, q.maxLen,
		).Int64()
		if err != nil {
			return apperrors.Queue(err, "fail queue entry "+ref)
		}
		if code == scriptResultRaced {
			continue
		}
		return statusError(code, ref)
	}
	return apperrors.Conflictf("queue entry %s changed concurrently", ref)
}

// CheckStalled removes active entries whose lease expired more than the stall
// timeout ago, in batches, and emits stalled events.
func (q *Queue) CheckStalled(ctx context.Context) (int, error) {
	now := q.clock.Now()
	cutoff := now.Add(-q.stallTimeout)
	total := 0
	for {
		n, err := checkStalledScript.Run(ctx, q.client,
			[]string{q.activeKey(), q.eventsKey()},
			toMillis(cutoff), toMillis(now), q.prefix, q.maxLen, defaultStalledBatch,
		).Int()
		if err != nil {
			return total, apperrors.Queue(err, "check stalled entries")
		}
		total += n
		if n < defaultStalledBatch {
			return total, nil
		}
	}
}

func decodeEntry(ref string, f map[string]string) (*model.QueueEntry, error) {
	e := &model.QueueEntry{
		Ref:      ref,
		JobID:    f["job_id"],
		DedupKey: f["dedup_key"],
		State:    model.QueueEntryState(f["state"]),
	}
	if v := f["run_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode run_at of %s: %w", ref, err)
		}
		e.RunAt = fromMillis(ms)
	}
	if v := f["lease_until"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode lease_until of %s: %w", ref, err)
		}
		t := fromMillis(ms)
		e.LeaseUntil = &t
	}
	e.Priority, _ = strconv.Atoi(f["priority"])
	e.Attempts, _ = strconv.Atoi(f["attempts"])
	if v := f["backoff"]; v != "" {
		e.Backoff = &model.Backoff{}
		if err := json.Unmarshal([]byte(v), e.Backoff); err != nil {
			return nil, fmt.Errorf("decode backoff of %s: %w", ref, err)
		}
	}
	return e, nil
}
