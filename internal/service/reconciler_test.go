package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
	"github.com/target/outbound-dispatch/internal/testutil"
)

// scheduledJob creates a job one hour out and syncs it onto the queue.
func (e *testEnv) scheduledJob(t *testing.T, req *model.CreateJobRequest) *model.Job {
	t.Helper()
	j := e.createJob(t, req)
	e.runSync(t)
	j = e.get(t, j.ID)
	require.Equal(t, model.JobStatusScheduled, j.Status)
	return j
}

// activate leases the job's entry and reconciles the active event.
func (e *testEnv) activate(t *testing.T, j *model.Job) *model.QueueEntry {
	t.Helper()
	entry := e.reserveDue(t, *j.QueueRef)
	e.reconcile(t)
	require.Equal(t, model.JobStatusActive, e.get(t, j.ID).Status)
	return entry
}

func TestReconciler_CompletedLifecycle(t *testing.T) {
	e := newTestEnv(t)
	j := e.scheduledJob(t, testutil.OutboundRequest("+15550001", inOneHour()))

	entry := e.activate(t, j)
	requireQueueRefMatchesStatus(t, e.get(t, j.ID))

	result := &model.CallDescriptor{SID: "CA123", Status: "queued"}
	require.NoError(t, e.queue.Complete(t.Context(), entry.Ref, result))
	assert.Equal(t, 1, e.reconcile(t))

	got := e.get(t, j.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	requireQueueRefMatchesStatus(t, got)
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, "CA123", got.ResultRef.SID)
	assert.Nil(t, got.ErrorRef)
	assert.Equal(t, "job completed", got.Log[len(got.Log)-1].Message)
	assert.Equal(t, 0, e.queue.Len())
}

func TestReconciler_RedeliveredAndUnknownEventsAreNoops(t *testing.T) {
	e := newTestEnv(t)
	j := e.scheduledJob(t, testutil.OutboundRequest("+15550001", inOneHour()))
	entry := e.activate(t, j)
	require.NoError(t, e.queue.Complete(t.Context(), entry.Ref, nil))
	e.reconcile(t)
	before := e.get(t, j.ID)

	redelivered := model.QueueEvent{Type: model.QueueEventCompleted, Ref: entry.Ref, JobID: j.ID}
	require.NoError(t, e.reconciler.HandleEvent(t.Context(), redelivered))
	require.NoError(t, e.reconciler.HandleEvent(t.Context(),
		model.QueueEvent{Type: model.QueueEventFailed, Ref: "no-such-ref", Error: "boom"}))

	after := e.get(t, j.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Len(t, after.Log, len(before.Log))
}

func TestReconciler_ConflictingEventIsAcknowledged(t *testing.T) {
	e := newTestEnv(t)
	j := e.scheduledJob(t, testutil.OutboundRequest("+15550001", inOneHour()))
	e.activate(t, j)

	// A stale active event after the job has already moved on.
	_, err := e.jobs.Update(t.Context(), j.ID, model.JobPatch{Status: model.StatusPtr(model.JobStatusCanceled)})
	require.NoError(t, err)
	require.NoError(t, e.reconciler.HandleEvent(t.Context(),
		model.QueueEvent{Type: model.QueueEventActive, Ref: *j.QueueRef}))
	assert.Equal(t, model.JobStatusCanceled, e.get(t, j.ID).Status)
}

func TestReconciler_ExponentialBackoffThenFailed(t *testing.T) {
	e := newTestEnv(t)
	req := testutil.OutboundRequest("+15550001", inOneHour())
	req.Schedule.Backoff = &model.Backoff{
		Type:     model.BackoffExponential,
		DelayMs:  1000,
		Attempts: model.Attempts{Max: 3},
	}
	j := e.scheduledJob(t, req)

	dispatchErr := errors.New("twilio: 503 service unavailable")
	// attempts.max=3 re-schedules the job three times; the fourth failure is final.
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt := 1; attempt <= 4; attempt++ {
		entry := e.activate(t, j)
		failedAt := e.clock.Now()
		require.NoError(t, e.queue.Fail(t.Context(), entry.Ref, model.FailInput{Err: dispatchErr, Retryable: true}))
		e.reconcile(t)

		j = e.get(t, j.ID)
		requireQueueRefMatchesStatus(t, j)
		assert.Equal(t, attempt, j.Schedule.Backoff.Attempts.Made)
		if attempt == 4 {
			break
		}
		assert.Equal(t, model.JobStatusScheduled, j.Status, "attempt %d", attempt)
		retry, err := e.queue.Get(t.Context(), *j.QueueRef)
		require.NoError(t, err)
		assert.Equal(t, wantDelays[attempt-1], retry.RunAt.Sub(failedAt))
	}

	assert.Equal(t, model.JobStatusFailed, j.Status)
	require.NotNil(t, j.ErrorRef)
	assert.Equal(t, dispatchErr.Error(), j.ErrorRef.Message)
	assert.Equal(t, dispatchErr.Error(), j.Schedule.Backoff.Attempts.Reason)
	assert.Equal(t, 0, e.queue.Len())
}

func TestReconciler_NonRetryableFailureIsFinal(t *testing.T) {
	e := newTestEnv(t)
	req := testutil.OutboundRequest("+15550001", inOneHour())
	req.Schedule.Backoff = &model.Backoff{Type: model.BackoffFixed, DelayMs: 1000, Attempts: model.Attempts{Max: 5}}
	j := e.scheduledJob(t, req)

	entry := e.activate(t, j)
	require.NoError(t, e.queue.Fail(t.Context(), entry.Ref, model.FailInput{Err: errors.New("invalid number")}))
	e.reconcile(t)

	got := e.get(t, j.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	requireQueueRefMatchesStatus(t, got)

	notices := e.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, j.ID, notices[0].JobID)
	assert.Equal(t, "failed", notices[0].Status)
	assert.Equal(t, "+15550001", notices[0].Channel)
	assert.Equal(t, "+15550100", notices[0].To)
	assert.Equal(t, "invalid number", notices[0].Error)
}

func TestReconciler_StalledLease(t *testing.T) {
	e := newTestEnv(t)
	j := e.scheduledJob(t, testutil.OutboundRequest("+15550001", inOneHour()))
	e.activate(t, j)

	e.clock.AddTime(41 * time.Second)
	n, err := e.queue.CheckStalled(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	e.reconcile(t)

	got := e.get(t, j.ID)
	assert.Equal(t, model.JobStatusStalled, got.Status)
	requireQueueRefMatchesStatus(t, got)
	require.NotNil(t, got.ErrorRef)
	assert.NotEmpty(t, got.ErrorRef.Message)

	notices := e.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, "stalled", notices[0].Status)
	assert.Equal(t, "stall_timeout", notices[0].ErrorClass)
}

func TestCancelJob(t *testing.T) {
	e := newTestEnv(t)
	j := e.scheduledJob(t, testutil.OutboundRequest("+15550001", inOneHour()))
	require.Equal(t, 1, e.queue.Len())

	got, err := e.reconciler.CancelJob(t.Context(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusCanceled, got.Status)
	assert.True(t, got.Schedule.CancelRequested)
	requireQueueRefMatchesStatus(t, got)
	assert.Equal(t, 0, e.queue.Len())
	_, err = e.queue.Get(t.Context(), *j.QueueRef)
	assert.True(t, apperrors.IsNotFound(err))

	again, err := e.reconciler.CancelJob(t.Context(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCanceled, again.Status)

	assert.Equal(t, 0, e.runSync(t).Considered, "canceled jobs never re-enter the queue")
}

func TestCancelJob_RejectsFinishedJobs(t *testing.T) {
	e := newTestEnv(t)
	id := e.storeJob(t, "+15550001", inOneHour(), func(j *model.Job) { j.Status = model.JobStatusCompleted })

	_, err := e.reconciler.CancelJob(t.Context(), id)
	assert.True(t, apperrors.IsConflict(err))

	_, err = e.reconciler.CancelJob(t.Context(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRetryJob(t *testing.T) {
	e := newTestEnv(t)
	req := testutil.OutboundRequest("+15550001", inOneHour())
	req.Schedule.Backoff = &model.Backoff{Type: model.BackoffFixed, DelayMs: 1000, Attempts: model.Attempts{Max: 1}}
	j := e.scheduledJob(t, req)

	entry := e.activate(t, j)
	require.NoError(t, e.queue.Fail(t.Context(), entry.Ref, model.FailInput{Err: errors.New("busy"), Retryable: true}))
	e.reconcile(t)
	require.Equal(t, model.JobStatusScheduled, e.get(t, j.ID).Status, "one re-schedule allowed")
	entry = e.activate(t, e.get(t, j.ID))
	require.NoError(t, e.queue.Fail(t.Context(), entry.Ref, model.FailInput{Err: errors.New("busy"), Retryable: true}))
	e.reconcile(t)
	failed := e.get(t, j.ID)
	require.Equal(t, model.JobStatusFailed, failed.Status)
	oldToken := failed.Payload.(*model.OutboundDispatchPayload).AccessToken

	got, err := e.reconciler.RetryJob(t.Context(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusScheduled, got.Status)
	requireQueueRefMatchesStatus(t, got)
	assert.Nil(t, got.ErrorRef)
	assert.Equal(t, 0, got.Schedule.Backoff.Attempts.Made)
	assert.NotEqual(t, oldToken, got.Payload.(*model.OutboundDispatchPayload).AccessToken)

	retry, err := e.queue.Get(t.Context(), *got.QueueRef)
	require.NoError(t, err)
	assert.True(t, retry.RunAt.Equal(e.clock.Now()), "retries dispatch immediately")

	_, err = e.reconciler.RetryJob(t.Context(), j.ID)
	assert.True(t, apperrors.IsConflict(err), "scheduled jobs cannot be retried")
}

func TestRescheduleJob(t *testing.T) {
	e := newTestEnv(t)
	j := e.scheduledJob(t, testutil.OutboundRequest("+15550001", inOneHour()))
	blocker := e.createJob(t, testutil.OutboundRequest("+15550001", e.clock.Now().Add(3*time.Hour)))

	got, err := e.reconciler.RescheduleJob(t.Context(), j.ID, e.clock.Now().Add(3*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusWaiting, got.Status)
	requireQueueRefMatchesStatus(t, got)
	assert.Equal(t, time.Second, got.RunAt().Sub(blocker.RunAt()), "re-slotted past the occupied second")
	assert.Equal(t, 0, e.queue.Len())
	assert.Equal(t, "job rescheduled", got.Log[len(got.Log)-1].Message)

	got, err = e.reconciler.RescheduleJob(t.Context(), j.ID, got.RunAt())
	require.NoError(t, err)
	assert.Equal(t, time.Second, got.RunAt().Sub(blocker.RunAt()), "a job does not collide with itself")

	got, err = e.reconciler.RescheduleJob(t.Context(), j.ID, e.clock.Now().Add(10*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDelayed, got.Status)

	_, err = e.reconciler.RescheduleJob(t.Context(), j.ID, e.clock.Now().Add(30*time.Second))
	assert.True(t, apperrors.IsInvalidSchedule(err))

	_, err = e.reconciler.CancelJob(t.Context(), j.ID)
	require.NoError(t, err)
	_, err = e.reconciler.RescheduleJob(t.Context(), j.ID, e.clock.Now().Add(2*time.Hour))
	assert.True(t, apperrors.IsConflict(err))
}

func TestReconciler_CronJobIsRearmed(t *testing.T) {
	e := newTestEnv(t)
	j := e.createJob(t, &model.CreateJobRequest{
		Type:     model.JobTypeOutboundDispatch,
		Schedule: model.Schedule{Type: model.ScheduleTypeCron, Cron: "0 9 * * *"},
		Payload:  &model.OutboundDispatchPayload{Channel: "+15550001", To: "+15550100"},
	})
	first := j.RunAt()

	e.clock.SetTime(first.Add(-time.Hour))
	e.runSync(t)
	j = e.get(t, j.ID)
	entry := e.activate(t, j)
	require.NoError(t, e.queue.Complete(t.Context(), entry.Ref, &model.CallDescriptor{SID: "CA1"}))
	e.reconcile(t)

	got := e.get(t, j.ID)
	assert.Equal(t, model.JobStatusDelayed, got.Status)
	requireQueueRefMatchesStatus(t, got)
	assert.True(t, got.RunAt().Equal(first.Add(24*time.Hour)), "got %s", got.RunAt())
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, "CA1", got.ResultRef.SID)
}

func TestReconciler_RunConsumesSubscription(t *testing.T) {
	e := newTestEnv(t)
	j := e.scheduledJob(t, testutil.OutboundRequest("+15550001", inOneHour()))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- e.reconciler.Run(ctx) }()

	entry := e.reserveDue(t, *j.QueueRef)
	require.NoError(t, e.queue.Complete(t.Context(), entry.Ref, nil))

	assert.Eventually(t, func() bool {
		got, err := e.jobs.Get(t.Context(), j.ID)
		return err == nil && got.Status == model.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestReconciler_CanceledEntryDroppedByWorker(t *testing.T) {
	e := newTestEnv(t)
	j := e.scheduledJob(t, testutil.OutboundRequest("+15550001", inOneHour()))

	// A cancel request that never reached the queue entry.
	sched := j.Schedule.Clone()
	sched.CancelRequested = true
	_, err := e.jobs.Update(t.Context(), j.ID, model.JobPatch{Schedule: &sched})
	require.NoError(t, err)

	entry := e.activate(t, j)
	require.NoError(t, e.queue.Fail(t.Context(), entry.Ref, model.FailInput{
		Err: apperrors.Canceled("job canceled before dispatch"),
	}))
	e.reconcile(t)

	got := e.get(t, j.ID)
	assert.Equal(t, model.JobStatusCanceled, got.Status)
	requireQueueRefMatchesStatus(t, got)
	assert.Nil(t, got.ErrorRef)
	assert.Equal(t, "job canceled before dispatch", got.Log[len(got.Log)-1].Message)
	assert.Empty(t, e.notices.all(), "dropped cancels do not alert")
	assert.Equal(t, 0, e.queue.Len())
}
