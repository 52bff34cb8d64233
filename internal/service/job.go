package service

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/target/outbound-dispatch/config"
	"github.com/target/outbound-dispatch/internal/core"
	domainjob "github.com/target/outbound-dispatch/internal/domain/job"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
	"github.com/target/outbound-dispatch/internal/observability/metrics"
	"github.com/target/outbound-dispatch/internal/observability/statsd"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Jobs    core.JobStore           // Required: job store
	Queue   core.DispatchQueue      // Required: delay queue, used to drop entries on delete
	Slotter *Slotter                // Required: collision-avoidance slotting
	Config  config.SchedulingConfig // Required: scheduling window and defaults

	Tokens       core.TokenMinter  // Optional: mints payload access tokens
	Sync         core.SyncTrigger  // Optional: triggered after creation
	TimeProvider core.TimeProvider // Optional: clock override for tests
	Logger       *slog.Logger      // Optional: structured logger
	Metrics      statsd.Sink       // Optional: metrics sink
}

// JobService creates, reads and deletes ad-hoc jobs.
type JobService struct {
	jobs    core.JobStore
	queue   core.DispatchQueue
	slotter *Slotter
	cfg     config.SchedulingConfig
	tokens  core.TokenMinter
	sync    core.SyncTrigger
	clock   core.TimeProvider
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("DispatchQueue is required")
	}
	if opts.Slotter == nil {
		return nil, errors.New("Slotter is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobService{
		jobs:    opts.Jobs,
		queue:   opts.Queue,
		slotter: opts.Slotter,
		cfg:     cfg,
		tokens:  opts.Tokens,
		sync:    opts.Sync,
		clock:   core.OrRealTime(opts.TimeProvider),
		logger:  logger.With("component", "job_service"),
		metrics: opts.Metrics,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		panic("failed to create JobService: " + err.Error())
	}
	return svc
}

// CreateJob validates the request, assigns a collision-free run time on the
// job's channel and persists the job as waiting or delayed.
func (s *JobService) CreateJob(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validation("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sched := req.Schedule.Clone()
	requested, err := firstRunAt(sched, now, s.cfg.MinLeadTime)
	if err != nil {
		return nil, err
	}
	if err := schedulingWindow(s.cfg).Validate("schedule.run_at", requested, now); err != nil {
		return nil, err
	}

	payload, ok := model.ClonePayload(req.Payload).(*model.OutboundDispatchPayload)
	if !ok {
		return nil, apperrors.ValidationField("payload", "unsupported payload type")
	}

	priority := req.Priority
	if priority == 0 {
		priority = s.cfg.DefaultPriority
	}

	j := &model.Job{
		ID:         uuid.NewString(),
		CampaignID: req.CampaignID,
		Type:       req.Type,
		Priority:   priority,
		Schedule:   sched,
		Payload:    payload,
		Tags:       maps.Clone(req.Tags),
	}

	start := s.clock.Now()
	id, err := s.createSlotted(ctx, j, requested, now)
	s.emit("created", start, err)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "job created",
		"job_id", id,
		"channel", payload.Channel,
		"run_at", j.RunAt(),
		"status", j.Status,
	)
	triggerSync(ctx, s.sync)
	return s.jobs.Get(ctx, id)
}

func (s *JobService) createSlotted(ctx context.Context, j *model.Job, requested, now time.Time) (string, error) {
	channel := j.Channel()
	unlock := s.slotter.Lock(channel)
	defer unlock()

	slot, err := s.slotter.Resolve(ctx, SlotInput{
		JobID:   j.ID,
		Channel: channel,
		RunAt:   requested,
		CPS:     j.CPS(),
	})
	if err != nil {
		return "", err
	}
	runAt := slot.RunAt
	j.Schedule.RunAt = &runAt

	if p, ok := j.Payload.(*model.OutboundDispatchPayload); ok && p.AccessToken == "" {
		token, err := mintToken(ctx, s.tokens, j.ID, runAt)
		if err != nil {
			return "", err
		}
		p.AccessToken = token
	}

	j.Status = domainjob.InitialStatus(runAt, now, s.cfg.SyncLookahead)
	j.Log = []model.LogEntry{model.NewLogEntry(model.LogLevelInfo, now, "job created",
		"source", "api",
		"requested_run_at", requested,
		"run_at", runAt,
		"slot_checks", slot.Checks,
		"status", j.Status,
	)}
	return s.jobs.Create(ctx, j)
}

// GetJob returns a job by id.
func (s *JobService) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return s.jobs.Get(ctx, id)
}

// ListJobs returns jobs matching the filter.
func (s *JobService) ListJobs(
	ctx context.Context,
	filter model.JobFilter,
	sort model.JobSort,
	page model.Page,
) ([]*model.Job, error) {
	return s.jobs.Find(ctx, filter, sort, page)
}

// DeleteJob drops the job's queue entry first and then deletes the record.
func (s *JobService) DeleteJob(ctx context.Context, id string) error {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}

	if j.HasQueueRef() {
		if err := s.queue.Remove(ctx, *j.QueueRef); err != nil {
			return apperrors.Queue(err, "remove queue entry")
		}
		if _, err := s.jobs.Update(ctx, id, model.JobPatch{ClearQueueRef: true}); err != nil {
			return err
		}
	}

	start := s.clock.Now()
	err = s.jobs.Delete(ctx, id)
	s.emit("deleted", start, err)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job deleted", "job_id", id, "status", j.Status)
	return nil
}

func (s *JobService) emit(transition string, start time.Time, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobType:    string(model.JobTypeOutboundDispatch),
		Transition: transition,
		Result:     result,
		Duration:   s.clock.Now().Sub(start),
		Err:        err,
	})
}

func schedulingWindow(cfg config.SchedulingConfig) domainjob.Window {
	return domainjob.Window{MinLead: cfg.MinLeadTime, MaxLead: cfg.MaxLeadTime}
}

// firstRunAt returns the requested run time for once schedules and the first
// cron occurrence at least minLead away for cron schedules.
func firstRunAt(s model.Schedule, now time.Time, minLead time.Duration) (time.Time, error) {
	if s.Type == model.ScheduleTypeCron {
		return domainjob.NextCronRun(s, now.Add(minLead))
	}
	return s.RunAt.UTC(), nil
}

func mintToken(ctx context.Context, minter core.TokenMinter, jobID string, runAt time.Time) (string, error) {
	if minter == nil {
		return "", nil
	}
	token, err := minter.Mint(ctx, jobID, runAt)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "mint access token")
	}
	return token, nil
}

func triggerSync(ctx context.Context, trigger core.SyncTrigger) {
	if trigger != nil {
		trigger.Trigger(ctx)
	}
}
