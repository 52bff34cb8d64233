package memqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
	"github.com/target/outbound-dispatch/internal/testutil"
)

var _ core.DispatchQueue = (*Queue)(nil)

func newTestQueue() (*Queue, *core.FixedTimeProvider) {
	clock := core.NewFixedTimeProvider(testutil.TestTime())
	return New(Options{StallTimeout: 10 * time.Second, TimeProvider: clock}), clock
}

func drain(q *Queue) []model.QueueEvent {
	var out []model.QueueEvent
	for {
		ev, ok := q.nextEvent()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestQueue_EnqueueDedup(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	a, err := q.Enqueue(ctx, "job-1", model.EnqueueOptions{DedupKey: "job-1", Delay: time.Minute})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, "job-1", model.EnqueueOptions{DedupKey: "job-1", Delay: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, q.Len())

	require.NoError(t, q.Remove(ctx, a))
	require.NoError(t, q.Remove(ctx, a), "remove is idempotent")
	c, err := q.Enqueue(ctx, "job-1", model.EnqueueOptions{DedupKey: "job-1"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestQueue_ReserveRespectsDelay(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()

	ref, err := q.Enqueue(ctx, "job-1", model.EnqueueOptions{Delay: time.Minute})
	require.NoError(t, err)

	_, err = q.Reserve(ctx, 30*time.Second)
	assert.ErrorIs(t, err, model.ErrNoEntriesDue)

	clock.AddTime(time.Minute)
	entry, err := q.Reserve(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ref, entry.Ref)
	assert.Equal(t, model.QueueEntryActive, entry.State)

	_, err = q.Reserve(ctx, 30*time.Second)
	assert.ErrorIs(t, err, model.ErrNoEntriesDue, "active entries are not handed out twice")

	events := drain(q)
	require.Len(t, events, 1)
	assert.Equal(t, model.QueueEventActive, events[0].Type)
	assert.Equal(t, "job-1", events[0].JobID)
}

func TestQueue_ReserveOrder(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()

	late, _ := q.Enqueue(ctx, "late", model.EnqueueOptions{Delay: 2 * time.Second, Priority: 1})
	low, _ := q.Enqueue(ctx, "low", model.EnqueueOptions{Delay: time.Second, Priority: 9})
	high, _ := q.Enqueue(ctx, "high", model.EnqueueOptions{Delay: time.Second, Priority: 1})
	clock.AddTime(5 * time.Second)

	var got []string
	for range 3 {
		e, err := q.Reserve(ctx, time.Minute)
		require.NoError(t, err)
		got = append(got, e.Ref)
	}
	assert.Equal(t, []string{high, low, late}, got)
}

func TestQueue_CompleteEmitsResult(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	ref, _ := q.Enqueue(ctx, "job-1", model.EnqueueOptions{DedupKey: "job-1"})
	_, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, ref, &model.CallDescriptor{SID: "CA1", Status: "queued"}))
	_, err = q.Get(ctx, ref)
	assert.True(t, apperrors.IsNotFound(err))
	assert.True(t, apperrors.IsNotFound(q.Complete(ctx, ref, nil)))

	events := drain(q)
	require.Len(t, events, 2)
	assert.Equal(t, model.QueueEventCompleted, events[1].Type)
	assert.Equal(t, "CA1", events[1].Result.SID)
}

func TestQueue_ExponentialBackoffThenFinalFailure(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()

	backoff := &model.Backoff{Type: model.BackoffExponential, DelayMs: 60_000, Attempts: model.Attempts{Max: 3}}
	ref, _ := q.Enqueue(ctx, "job-1", model.EnqueueOptions{Backoff: backoff})

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	for i, d := range wantDelays {
		_, err := q.Reserve(ctx, time.Minute)
		require.NoError(t, err, "attempt %d", i+1)
		require.NoError(t, q.Fail(ctx, ref, model.FailInput{Err: errors.New("busy"), Retryable: true}))

		entry, err := q.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, model.QueueEntryDelayed, entry.State)
		assert.True(t, clock.Now().Add(d).Equal(entry.RunAt), "attempt %d delay", i+1)
		clock.AddTime(d)
	}

	_, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, ref, model.FailInput{Err: errors.New("busy"), Retryable: true}))
	_, err = q.Get(ctx, ref)
	assert.True(t, apperrors.IsNotFound(err), "entry removed after the last attempt")

	var failed []model.QueueEvent
	for _, ev := range drain(q) {
		if ev.Type == model.QueueEventFailed {
			failed = append(failed, ev)
		}
	}
	require.Len(t, failed, 4, "three re-schedules, then the final failure")
	for i, ev := range failed[:3] {
		assert.True(t, ev.Retrying, "failure %d", i+1)
		assert.Equal(t, i+1, ev.AttemptsMade)
	}
	assert.False(t, failed[3].Retrying)
	assert.Equal(t, 4, failed[3].AttemptsMade)
	assert.Equal(t, "busy", failed[3].Error)
}

func TestQueue_NonRetryableFailureIsFinal(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	backoff := &model.Backoff{Type: model.BackoffFixed, DelayMs: 1000, Attempts: model.Attempts{Max: 5}}
	ref, _ := q.Enqueue(ctx, "job-1", model.EnqueueOptions{Backoff: backoff})
	_, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, ref, model.FailInput{Err: errors.New("bad number")}))

	assert.Equal(t, 0, q.Len())
}

func TestQueue_HeartbeatAndStall(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()

	ref, _ := q.Enqueue(ctx, "job-1", model.EnqueueOptions{})
	_, err := q.Reserve(ctx, 30*time.Second)
	require.NoError(t, err)

	clock.AddTime(25 * time.Second)
	require.NoError(t, q.Heartbeat(ctx, ref, 30*time.Second))

	clock.AddTime(35 * time.Second)
	n, err := q.CheckStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "within stall tolerance")

	clock.AddTime(10 * time.Second)
	n, err = q.CheckStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, apperrors.IsNotFound(q.Heartbeat(ctx, ref, time.Second)))

	events := drain(q)
	assert.Equal(t, model.QueueEventStalled, events[len(events)-1].Type)
}

func TestQueue_SubscribeRedeliversOnError(t *testing.T) {
	q, _ := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = q.Enqueue(ctx, "job-1", model.EnqueueOptions{})
	_, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls int
	)
	done := make(chan struct{})
	go func() {
		_ = q.Subscribe(ctx, func(_ context.Context, ev model.QueueEvent) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("store unavailable")
			}
			assert.Equal(t, model.QueueEventActive, ev.Type)
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not redelivered")
	}
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestQueue_DrainStopsAtHandlerError(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "job-1", model.EnqueueOptions{})
	entry, err := q.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, entry.Ref, &model.CallDescriptor{SID: "CA1"}))

	var seen []model.QueueEventType
	n, err := q.Drain(ctx, func(_ context.Context, ev model.QueueEvent) error {
		seen = append(seen, ev.Type)
		if ev.Type == model.QueueEventCompleted {
			return errors.New("store unavailable")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []model.QueueEventType{model.QueueEventActive, model.QueueEventCompleted}, seen)

	n, err = q.Drain(ctx, func(context.Context, model.QueueEvent) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the rejected event stays queued")
}
