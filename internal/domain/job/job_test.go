package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.JobStatus
		want     bool
	}{
		{model.JobStatusWaiting, model.JobStatusScheduled, true},
		{model.JobStatusScheduled, model.JobStatusActive, true},
		{model.JobStatusActive, model.JobStatusCompleted, true},
		{model.JobStatusActive, model.JobStatusFailed, true},
		{model.JobStatusActive, model.JobStatusStalled, true},
		{model.JobStatusActive, model.JobStatusScheduled, true},
		{model.JobStatusWaiting, model.JobStatusCanceled, true},
		{model.JobStatusScheduled, model.JobStatusCanceled, true},
		{model.JobStatusActive, model.JobStatusCanceled, true},
		{model.JobStatusStalled, model.JobStatusScheduled, true},
		{model.JobStatusFailed, model.JobStatusScheduled, true},
		{model.JobStatusCompleted, model.JobStatusWaiting, true},
		{model.JobStatusCompleted, model.JobStatusActive, false},
		{model.JobStatusCanceled, model.JobStatusWaiting, false},
		{model.JobStatusCanceled, model.JobStatusScheduled, false},
		{model.JobStatusWaiting, model.JobStatusCompleted, false},
		{model.JobStatusFailed, model.JobStatusCanceled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	err := Transition(model.JobStatusCanceled, model.JobStatusScheduled)
	assert.True(t, apperrors.IsConflict(err))
	assert.True(t, apperrors.IsValidation(Transition(model.JobStatusWaiting, "bogus")))
	assert.NoError(t, Transition(model.JobStatusWaiting, model.JobStatusScheduled))

	assert.True(t, Retryable(model.JobStatusStalled))
	assert.False(t, Retryable(model.JobStatusCompleted))
	assert.False(t, Cancelable(model.JobStatusCompleted))
}

func TestWindow_Validate(t *testing.T) {
	now := time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)
	w := DefaultWindow()

	err := w.Validate("run_at", now.Add(30*time.Second), now)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidSchedule(err))

	err = w.Validate("run_at", now.Add(15*24*time.Hour), now)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidSchedule(err))

	assert.NoError(t, w.Validate("run_at", now.Add(time.Hour), now))
	assert.NoError(t, w.Validate("run_at", now.Add(time.Minute), now), "lower bound is inclusive")
	assert.NoError(t, w.Validate("run_at", now.Add(14*24*time.Hour), now), "upper bound is inclusive")
}

func TestInitialStatusAndSyncDelay(t *testing.T) {
	now := time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, model.JobStatusWaiting, InitialStatus(now.Add(time.Hour), now, 7*time.Hour))
	assert.Equal(t, model.JobStatusDelayed, InitialStatus(now.Add(8*time.Hour), now, 7*time.Hour))
	assert.Equal(t, time.Duration(0), SyncDelay(now.Add(-time.Minute), now))
	assert.Equal(t, 90*time.Second, SyncDelay(now.Add(90*time.Second), now))
}

func TestFanOutOffsets(t *testing.T) {
	start := time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)

	got := []time.Time{FanOutRunAt(start, 0, 2), FanOutRunAt(start, 1, 2), FanOutRunAt(start, 2, 2)}
	assert.Equal(t, []time.Time{start, start.Add(500 * time.Millisecond), start.Add(time.Second)}, got)

	assert.Equal(t, 333*time.Millisecond, FanOutOffset(1, 3), "offsets are floored")
	assert.Equal(t, 666*time.Millisecond, FanOutOffset(2, 3))
	assert.Equal(t, 4*time.Second, FanOutOffset(4, 1))

	for n := 1; n < 50; n++ {
		prev := FanOutOffset(n-1, 7)
		cur := FanOutOffset(n, 7)
		assert.Greater(t, cur, prev, "offsets strictly increase")
	}
}

func occupiedSet(taken ...time.Time) SlotCheck {
	set := make(map[int64]bool, len(taken))
	for _, ts := range taken {
		set[ts.UnixMilli()] = true
	}
	return func(_ context.Context, _ string, runAt time.Time) (bool, error) {
		return set[runAt.UnixMilli()], nil
	}
}

func TestSlot(t *testing.T) {
	ctx := context.Background()
	runAt := time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("free slot is kept", func(t *testing.T) {
		res, err := Slot(ctx, SlotRequest{Channel: "c", RunAt: runAt, MaxChecks: 10}, occupiedSet())
		require.NoError(t, err)
		assert.Equal(t, runAt, res.RunAt)
		assert.False(t, res.Shifted)
		assert.Equal(t, 1, res.Checks)
	})

	t.Run("default cps advances by one second", func(t *testing.T) {
		res, err := Slot(ctx, SlotRequest{Channel: "c", RunAt: runAt, MaxChecks: 10}, occupiedSet(runAt))
		require.NoError(t, err)
		assert.Equal(t, runAt.Add(time.Second), res.RunAt)
		assert.True(t, res.Shifted)
	})

	t.Run("job cps sets the step and probing is linear", func(t *testing.T) {
		taken := occupiedSet(runAt, runAt.Add(250*time.Millisecond))
		res, err := Slot(ctx, SlotRequest{Channel: "c", RunAt: runAt, CPS: 4, MaxChecks: 10}, taken)
		require.NoError(t, err)
		assert.Equal(t, runAt.Add(500*time.Millisecond), res.RunAt)
		assert.Equal(t, 3, res.Checks)
	})

	t.Run("check budget exhausted", func(t *testing.T) {
		_, err := Slot(ctx, SlotRequest{Channel: "c", RunAt: runAt, MaxChecks: 1}, occupiedSet(runAt))
		assert.True(t, apperrors.IsConflict(err))
	})

	t.Run("check error propagates", func(t *testing.T) {
		boom := errors.New("store down")
		_, err := Slot(ctx, SlotRequest{Channel: "c", RunAt: runAt, MaxChecks: 3},
			func(context.Context, string, time.Time) (bool, error) { return false, boom })
		assert.ErrorIs(t, err, boom)
	})

	assert.Equal(t, time.Millisecond, SlotStep(5000), "step never drops below 1ms")
	assert.Equal(t, time.Second, SlotStep(-1))
}

func TestBackoffDelay(t *testing.T) {
	exp := &model.Backoff{Type: model.BackoffExponential, DelayMs: 60000, Attempts: model.Attempts{Max: 3}}
	assert.Equal(t, time.Minute, BackoffDelay(exp, 1))
	assert.Equal(t, 2*time.Minute, BackoffDelay(exp, 2))
	assert.Equal(t, 4*time.Minute, BackoffDelay(exp, 3))
	assert.Equal(t, MaxBackoffDelay, BackoffDelay(exp, 40))

	fixed := &model.Backoff{Type: model.BackoffFixed, DelayMs: 1500, Attempts: model.Attempts{Max: 2}}
	assert.Equal(t, 1500*time.Millisecond, BackoffDelay(fixed, 1))
	assert.Equal(t, 1500*time.Millisecond, BackoffDelay(fixed, 5))
	assert.Zero(t, BackoffDelay(nil, 1))

	assert.True(t, ShouldRetry(exp, 1, true))
	assert.True(t, ShouldRetry(exp, 2, true))
	assert.True(t, ShouldRetry(exp, 3, true), "attempts.max counts re-schedules")
	assert.False(t, ShouldRetry(exp, 4, true), "attempts.max bounds retries")
	assert.False(t, ShouldRetry(exp, 1, false), "non-retryable errors never retry")
	assert.False(t, ShouldRetry(nil, 0, true), "no backoff means no automatic requeue")
}

func TestNextCronRun(t *testing.T) {
	from := time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)

	next, err := NextCronRun(model.Schedule{Type: model.ScheduleTypeCron, Cron: "0 9 * * *"}, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 3, 2, 9, 0, 0, 0, time.UTC), next)

	next, err = NextCronRun(model.Schedule{Type: model.ScheduleTypeCron, Cron: "0 12 * * *"}, from)
	require.NoError(t, err)
	assert.Equal(t, from, next, "an occurrence exactly at notBefore counts")

	ny := model.Schedule{Type: model.ScheduleTypeCron, Cron: "0 9 * * *", Timezone: "America/New_York"}
	next, err = NextCronRun(ny, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 3, 1, 14, 0, 0, 0, time.UTC), next)

	_, err = NextCronRun(model.Schedule{Cron: "not a cron"}, from)
	assert.True(t, apperrors.IsValidation(err))
}
