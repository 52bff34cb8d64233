package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
	"github.com/target/outbound-dispatch/internal/testutil"
)

// failingQueue rejects enqueues for selected job ids.
type failingQueue struct {
	core.DispatchQueue
	fail map[string]bool
}

func (q *failingQueue) Enqueue(ctx context.Context, jobID string, opts model.EnqueueOptions) (string, error) {
	if q.fail[jobID] {
		return "", errors.New("redis: connection refused")
	}
	return q.DispatchQueue.Enqueue(ctx, jobID, opts)
}

func (e *testEnv) storeJob(t *testing.T, channel string, runAt time.Time, mutate func(*model.Job)) string {
	t.Helper()
	j := testutil.OutboundJob(channel, runAt)
	if mutate != nil {
		mutate(j)
	}
	id, err := e.jobs.Create(t.Context(), j)
	require.NoError(t, err)
	return id
}

func TestSync_SchedulesJobsInsideLookahead(t *testing.T) {
	e := newTestEnv(t)
	soon := e.createJob(t, testutil.OutboundRequest("+15550001", inOneHour()))
	later := e.createJob(t, testutil.OutboundRequest("+15550001", e.clock.Now().Add(8*time.Hour)))

	res := e.runSync(t)
	assert.Equal(t, SyncResult{Considered: 1, Scheduled: 1}, res)

	j := e.get(t, soon.ID)
	assert.Equal(t, model.JobStatusScheduled, j.Status)
	requireQueueRefMatchesStatus(t, j)
	assert.Equal(t, "job scheduled", j.Log[len(j.Log)-1].Message)

	entry, err := e.queue.Get(t.Context(), *j.QueueRef)
	require.NoError(t, err)
	assert.Equal(t, soon.ID, entry.JobID)
	assert.True(t, entry.RunAt.Equal(inOneHour()), "entry delay matches run_at")
	assert.Equal(t, 5, entry.Priority)

	j = e.get(t, later.ID)
	assert.Equal(t, model.JobStatusDelayed, j.Status)
	requireQueueRefMatchesStatus(t, j)
	assert.Equal(t, int64(1), e.metrics.CountTotal("sync.pass"))
}

func TestSync_IsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	j := e.createJob(t, testutil.OutboundRequest("+15550001", inOneHour()))

	e.runSync(t)
	ref := *e.get(t, j.ID).QueueRef

	res := e.runSync(t)
	assert.Equal(t, 0, res.Considered)
	assert.Equal(t, 1, e.queue.Len())
	assert.Equal(t, ref, *e.get(t, j.ID).QueueRef)
}

func TestSync_EnqueueIsDedupedAfterLostUpdate(t *testing.T) {
	e := newTestEnv(t)
	id := e.storeJob(t, "+15550001", inOneHour(), nil)

	// An entry left behind by a pass whose store write failed.
	orphan, err := e.queue.Enqueue(t.Context(), id, model.EnqueueOptions{DedupKey: id, Delay: time.Hour})
	require.NoError(t, err)

	res := e.runSync(t)
	assert.Equal(t, 1, res.Scheduled)
	assert.Equal(t, orphan, *e.get(t, id).QueueRef)
	assert.Equal(t, 1, e.queue.Len())
}

func TestSync_PromotesDelayedJobsAsTheWindowMoves(t *testing.T) {
	e := newTestEnv(t)
	j := e.createJob(t, testutil.OutboundRequest("+15550001", e.clock.Now().Add(8*time.Hour)))
	assert.Equal(t, 0, e.runSync(t).Considered)

	e.clock.AddTime(2 * time.Hour)
	res := e.runSync(t)
	assert.Equal(t, 1, res.Scheduled)

	stored := e.get(t, j.ID)
	assert.Equal(t, model.JobStatusScheduled, stored.Status)
	entry, err := e.queue.Get(t.Context(), *stored.QueueRef)
	require.NoError(t, err)
	assert.True(t, entry.RunAt.Equal(j.RunAt()))
}

func TestSync_SkipsCancelRequestedAndMissedJobs(t *testing.T) {
	e := newTestEnv(t)
	e.storeJob(t, "+15550001", inOneHour(), func(j *model.Job) { j.Schedule.CancelRequested = true })
	e.storeJob(t, "+15550001", e.clock.Now().Add(-5*time.Minute), nil)
	e.storeJob(t, "+15550001", inOneHour(), func(j *model.Job) { j.Status = model.JobStatusFailed })

	assert.Equal(t, 0, e.runSync(t).Considered)
	assert.Equal(t, 0, e.queue.Len())
}

func TestSync_MissedGraceWidensTheWindow(t *testing.T) {
	e := newTestEnv(t)
	cfg := e.cfg
	cfg.MissedGrace = 10 * time.Minute
	svc := MustNewSyncService(SyncServiceOptions{Jobs: e.jobs, Queue: e.queue, Config: cfg, TimeProvider: e.clock})

	id := e.storeJob(t, "+15550001", e.clock.Now().Add(-5*time.Minute), nil)

	res, err := svc.Sync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scheduled)

	entry, err := e.queue.Get(t.Context(), *e.get(t, id).QueueRef)
	require.NoError(t, err)
	assert.True(t, entry.RunAt.Equal(e.clock.Now()), "past run times enqueue with no delay")
}

func TestSync_FoldsPerJobFailuresAcrossPages(t *testing.T) {
	e := newTestEnv(t)
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = e.storeJob(t, "+15550001", inOneHour().Add(time.Duration(i)*time.Second), nil)
	}
	queue := &failingQueue{DispatchQueue: e.queue, fail: map[string]bool{ids[1]: true}}
	svc := MustNewSyncService(SyncServiceOptions{
		Jobs:         e.jobs,
		Queue:        queue,
		Config:       e.cfg,
		PageSize:     2,
		TimeProvider: e.clock,
	})

	res, err := svc.Sync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Considered)
	assert.Equal(t, 4, res.Scheduled)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, ids[1], res.Failures[0].ID)
	assert.True(t, apperrors.IsQueue(res.Failures[0].Err))

	failed := e.get(t, ids[1])
	assert.Equal(t, model.JobStatusWaiting, failed.Status)
	requireQueueRefMatchesStatus(t, failed)

	delete(queue.fail, ids[1])
	res, err = svc.Sync(t.Context())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Considered: 1, Scheduled: 1}, res)
}

func TestSync_SingleFlight(t *testing.T) {
	e := newTestEnv(t)
	e.createJob(t, testutil.OutboundRequest("+15550001", inOneHour()))

	e.syncSvc.running.Store(true)
	_, err := e.syncSvc.Sync(t.Context())
	require.ErrorIs(t, err, ErrSyncInProgress)
	assert.False(t, e.syncSvc.SafeSync(t.Context()))
	e.syncSvc.running.Store(false)

	assert.True(t, e.syncSvc.SafeSync(t.Context()))
	e.syncSvc.Wait()
	assert.Equal(t, 1, e.queue.Len())
}

func TestSync_TriggerRunsInBackground(t *testing.T) {
	e := newTestEnv(t)
	id := e.storeJob(t, "+15550001", inOneHour(), nil)

	ctx, cancel := context.WithCancel(t.Context())
	e.syncSvc.Trigger(ctx)
	cancel()
	e.syncSvc.Wait()

	assert.Equal(t, model.JobStatusScheduled, e.get(t, id).Status, "trigger outlives the caller's context")
}

func TestSync_WithdrawsEntryWhenJobCanceledMidPass(t *testing.T) {
	e := newTestEnv(t)
	j := e.createJob(t, testutil.OutboundRequest("+15550001", inOneHour()))
	stale := e.get(t, j.ID)
	require.Equal(t, model.JobStatusWaiting, stale.Status)

	// The operator cancel lands after the pass read the job.
	_, err := e.reconciler.CancelJob(t.Context(), j.ID)
	require.NoError(t, err)

	err = e.syncSvc.scheduleJob(t.Context(), stale, e.clock.Now())
	assert.True(t, apperrors.IsConflict(err), "the job is skipped, got %v", err)

	got := e.get(t, j.ID)
	assert.Equal(t, model.JobStatusCanceled, got.Status)
	assert.True(t, got.Schedule.CancelRequested)
	requireQueueRefMatchesStatus(t, got)
	assert.Equal(t, 0, e.queue.Len(), "the entry enqueued for the stale read is withdrawn")
}

func TestSync_WithdrawsEntryWhenJobRescheduledMidPass(t *testing.T) {
	e := newTestEnv(t)
	j := e.createJob(t, testutil.OutboundRequest("+15550001", inOneHour()))
	stale := e.get(t, j.ID)

	_, err := e.reconciler.RescheduleJob(t.Context(), j.ID, e.clock.Now().Add(2*time.Hour))
	require.NoError(t, err)

	err = e.syncSvc.scheduleJob(t.Context(), stale, e.clock.Now())
	assert.True(t, apperrors.IsConflict(err))
	assert.Equal(t, 0, e.queue.Len())

	e.runSync(t)
	got := e.get(t, j.ID)
	require.Equal(t, model.JobStatusScheduled, got.Status)
	entry, err := e.queue.Get(t.Context(), *got.QueueRef)
	require.NoError(t, err)
	assert.True(t, entry.RunAt.Equal(got.RunAt()), "the next pass enqueues the new run time")
}

func TestSync_StaleReadKeepsEntryOwnedByJob(t *testing.T) {
	e := newTestEnv(t)
	j := e.createJob(t, testutil.OutboundRequest("+15550001", inOneHour()))
	stale := e.get(t, j.ID)

	e.runSync(t)
	ref := *e.get(t, j.ID).QueueRef

	err := e.syncSvc.scheduleJob(t.Context(), stale, e.clock.Now())
	assert.True(t, apperrors.IsConflict(err))

	got := e.get(t, j.ID)
	assert.Equal(t, ref, *got.QueueRef)
	_, err = e.queue.Get(t.Context(), ref)
	require.NoError(t, err, "the entry the job owns stays queued")
	assert.Equal(t, 1, e.queue.Len())
}
