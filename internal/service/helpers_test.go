package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/outbound-dispatch/config"
	"github.com/target/outbound-dispatch/internal/adapters/memqueue"
	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/data/memstore"
	"github.com/target/outbound-dispatch/internal/domain/model"
	"github.com/target/outbound-dispatch/internal/mocks"
	"github.com/target/outbound-dispatch/internal/observability/notify"
	"github.com/target/outbound-dispatch/internal/observability/statsd"
	"github.com/target/outbound-dispatch/internal/testutil"
)

// testEnv wires every service over the in-memory backends and a fixed clock.
// Sync triggers go to a permissive mock so passes run only when a test calls Sync.
type testEnv struct {
	clock     *core.FixedTimeProvider
	cfg       config.SchedulingConfig
	jobs      *memstore.JobStore
	campaigns *memstore.CampaignStore
	cache     *memstore.Cache
	queue     *memqueue.Queue
	trigger   *mocks.MockSyncTrigger
	metrics   *statsd.Recorder
	notices   *recordingNotifier

	slotter     *Slotter
	tokens      *TokenService
	jobSvc      *JobService
	campaignSvc *CampaignService
	syncSvc     *SyncService
	reconciler  *Reconciler
}

func defaultSchedulingConfig() config.SchedulingConfig {
	return config.SchedulingConfig{
		MinLeadTime:     time.Minute,
		MaxLeadTime:     14 * 24 * time.Hour,
		SyncLookahead:   7 * time.Hour,
		ResyncInterval:  6 * time.Hour,
		DefaultPriority: 5,
		MaxSlotChecks:   10000,
		TokenGrace:      time.Hour,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)

	e := &testEnv{
		clock:   core.NewFixedTimeProvider(testutil.TestTime()),
		cfg:     defaultSchedulingConfig(),
		trigger: mocks.NewMockSyncTrigger(ctrl),
		metrics: statsd.NewRecorder(),
		notices: &recordingNotifier{},
	}
	e.trigger.EXPECT().Trigger(gomock.Any()).AnyTimes()

	e.jobs = memstore.NewJobStore(e.clock)
	e.campaigns = memstore.NewCampaignStore(e.clock)
	e.cache = memstore.NewCache(e.clock)
	e.queue = memqueue.New(memqueue.Options{StallTimeout: 10 * time.Second, TimeProvider: e.clock})

	e.slotter = MustNewSlotter(SlotterOptions{Jobs: e.jobs, MaxChecks: e.cfg.MaxSlotChecks})
	e.tokens = MustNewTokenService(TokenServiceOptions{Cache: e.cache, Grace: e.cfg.TokenGrace, TimeProvider: e.clock})
	e.jobSvc = MustNewJobService(JobServiceOptions{
		Jobs:         e.jobs,
		Queue:        e.queue,
		Slotter:      e.slotter,
		Config:       e.cfg,
		Tokens:       e.tokens,
		Sync:         e.trigger,
		TimeProvider: e.clock,
		Metrics:      e.metrics,
	})
	e.campaignSvc = MustNewCampaignService(CampaignServiceOptions{
		Campaigns:    e.campaigns,
		Jobs:         e.jobs,
		Config:       e.cfg,
		Tokens:       e.tokens,
		Sync:         e.trigger,
		TimeProvider: e.clock,
		Metrics:      e.metrics,
	})
	e.syncSvc = MustNewSyncService(SyncServiceOptions{
		Jobs:         e.jobs,
		Queue:        e.queue,
		Config:       e.cfg,
		TimeProvider: e.clock,
		Metrics:      e.metrics,
	})
	e.reconciler = MustNewReconciler(ReconcilerOptions{
		Jobs:         e.jobs,
		Queue:        e.queue,
		Slotter:      e.slotter,
		Config:       e.cfg,
		Tokens:       e.tokens,
		Sync:         e.trigger,
		Notifier:     e.notices,
		TimeProvider: e.clock,
		Metrics:      e.metrics,
	})
	return e
}

// recordingNotifier captures failure alerts.
type recordingNotifier struct {
	mu       sync.Mutex
	payloads []notify.JobFailurePayload
}

func (n *recordingNotifier) NotifyJobFailure(_ context.Context, payload notify.JobFailurePayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
}

func (n *recordingNotifier) all() []notify.JobFailurePayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.JobFailurePayload(nil), n.payloads...)
}

func (e *testEnv) createJob(t *testing.T, req *model.CreateJobRequest) *model.Job {
	t.Helper()
	j, err := e.jobSvc.CreateJob(t.Context(), req)
	require.NoError(t, err)
	return j
}

func (e *testEnv) get(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := e.jobs.Get(t.Context(), id)
	require.NoError(t, err)
	return j
}

func (e *testEnv) runSync(t *testing.T) SyncResult {
	t.Helper()
	res, err := e.syncSvc.Sync(t.Context())
	require.NoError(t, err)
	return res
}

// reconcile hands every pending queue event to the reconciler.
func (e *testEnv) reconcile(t *testing.T) int {
	t.Helper()
	n, err := e.queue.Drain(t.Context(), e.reconciler.HandleEvent)
	require.NoError(t, err)
	return n
}

// reserveDue advances the clock to the entry's run time and leases it.
func (e *testEnv) reserveDue(t *testing.T, ref string) *model.QueueEntry {
	t.Helper()
	entry, err := e.queue.Get(t.Context(), ref)
	require.NoError(t, err)
	if entry.RunAt.After(e.clock.Now()) {
		e.clock.SetTime(entry.RunAt)
	}
	reserved, err := e.queue.Reserve(t.Context(), 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, ref, reserved.Ref)
	return reserved
}

// requireQueueRefMatchesStatus checks that scheduled and active jobs, and only those, carry a queue ref.
func requireQueueRefMatchesStatus(t *testing.T, j *model.Job) {
	t.Helper()
	if j.Status.RequiresQueueRef() {
		require.True(t, j.HasQueueRef(), "%s job must have a queue_ref", j.Status)
		return
	}
	require.False(t, j.HasQueueRef(), "%s job must not have a queue_ref", j.Status)
}

func inOneHour() time.Time {
	return testutil.TestTime().Add(time.Hour)
}

func fixedClock(t time.Time) *core.FixedTimeProvider {
	return core.NewFixedTimeProvider(t)
}
