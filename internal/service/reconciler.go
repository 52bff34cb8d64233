package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/target/outbound-dispatch/config"
	"github.com/target/outbound-dispatch/internal/core"
	domainjob "github.com/target/outbound-dispatch/internal/domain/job"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
	"github.com/target/outbound-dispatch/internal/observability/metrics"
	"github.com/target/outbound-dispatch/internal/observability/notify"
	"github.com/target/outbound-dispatch/internal/observability/statsd"
)

// FailureNotifier is alerted when a job ends failed or stalled.
type FailureNotifier interface {
	NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload)
}

// ReconcilerOptions groups dependencies for Reconciler.
type ReconcilerOptions struct {
	Jobs    core.JobStore           // Required: job store
	Queue   core.DispatchQueue      // Required: delay queue
	Slotter *Slotter                // Required: slotting for reschedules
	Config  config.SchedulingConfig // Required: scheduling window

	Tokens       core.TokenMinter  // Optional: re-mints access tokens on reschedule and retry
	Sync         core.SyncTrigger  // Optional: triggered after re-arms and reschedules
	Notifier     FailureNotifier   // Optional: failure alerts
	TimeProvider core.TimeProvider // Optional: clock override for tests
	Logger       *slog.Logger      // Optional: structured logger
	Metrics      statsd.Sink       // Optional: metrics sink
}

// Reconciler folds queue events back into the job store and implements the
// operator commands that touch both the queue and the store. Those commands
// always change the queue first; a store failure afterwards is returned so the
// caller can retry.
type Reconciler struct {
	jobs     core.JobStore
	queue    core.DispatchQueue
	slotter  *Slotter
	cfg      config.SchedulingConfig
	tokens   core.TokenMinter
	sync     core.SyncTrigger
	notifier FailureNotifier
	clock    core.TimeProvider
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewReconciler constructs a new Reconciler.
func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
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
	return &Reconciler{
		jobs:     opts.Jobs,
		queue:    opts.Queue,
		slotter:  opts.Slotter,
		cfg:      cfg,
		tokens:   opts.Tokens,
		sync:     opts.Sync,
		notifier: opts.Notifier,
		clock:    core.OrRealTime(opts.TimeProvider),
		logger:   logger.With("component", "reconciler"),
		metrics:  opts.Metrics,
	}, nil
}

// MustNewReconciler constructs a new Reconciler and panics on error.
func MustNewReconciler(opts ReconcilerOptions) *Reconciler {
	r, err := NewReconciler(opts)
	if err != nil {
		panic("failed to create Reconciler: " + err.Error())
	}
	return r
}

// Run consumes queue events until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reconciler")
	err := r.queue.Subscribe(ctx, r.HandleEvent)
	if err == nil || errors.Is(err, context.Canceled) {
		r.logger.InfoContext(ctx, "reconciler stopped")
		return nil
	}
	return err
}

// HandleEvent applies one queue event to the job that owns its ref. Events for
// refs no job owns are logged and acknowledged, which also makes redelivered
// terminal events no-ops.
func (r *Reconciler) HandleEvent(ctx context.Context, ev model.QueueEvent) error {
	found, err := r.jobs.Find(ctx, model.JobFilter{QueueRef: ev.Ref}, model.JobSort{}, model.Page{Limit: 1})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		r.logger.DebugContext(ctx, "queue event for unknown ref", "ref", ev.Ref, "type", ev.Type, "job_id", ev.JobID)
		return nil
	}
	j := found[0]

	start := r.clock.Now()
	var result string
	switch ev.Type {
	case model.QueueEventActive:
		result, err = r.onActive(ctx, j, ev)
	case model.QueueEventCompleted:
		result, err = r.onCompleted(ctx, j, ev)
	case model.QueueEventFailed:
		switch {
		case ev.Retrying:
			result, err = r.onRetrying(ctx, j, ev)
		case j.Schedule.CancelRequested || j.Status == model.JobStatusCanceled:
			result, err = r.onDropped(ctx, j, ev)
		default:
			result, err = r.onFailed(ctx, j, ev)
		}
	case model.QueueEventStalled:
		result, err = r.onStalled(ctx, j, ev)
	default:
		r.logger.WarnContext(ctx, "unknown queue event type", "type", ev.Type, "ref", ev.Ref)
		return nil
	}

	if err != nil {
		result = metrics.ResultError
	}
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		JobType:    string(j.Type),
		Transition: string(ev.Type),
		Result:     result,
		Duration:   r.clock.Now().Sub(start),
		Err:        err,
	})
	if apperrors.IsConflict(err) {
		r.logger.WarnContext(ctx, "queue event conflicts with job status",
			"job_id", j.ID, "status", j.Status, "event", ev.Type, "error", err)
		return nil
	}
	return err
}

func (r *Reconciler) onActive(ctx context.Context, j *model.Job, ev model.QueueEvent) (string, error) {
	if j.Status == model.JobStatusActive {
		return metrics.ResultNoop, nil
	}
	if err := domainjob.Transition(j.Status, model.JobStatusActive); err != nil {
		return "", err
	}
	if _, err := r.jobs.Update(ctx, j.ID, model.JobPatch{Status: model.StatusPtr(model.JobStatusActive)}); err != nil {
		return "", err
	}
	r.appendLog(ctx, j.ID, model.NewLogEntry(model.LogLevelInfo, eventTime(ev, r.clock), "job active", "queue_ref", ev.Ref))
	return metrics.ResultSuccess, nil
}

func (r *Reconciler) onCompleted(ctx context.Context, j *model.Job, ev model.QueueEvent) (string, error) {
	if err := domainjob.Transition(j.Status, model.JobStatusCompleted); err != nil {
		return "", err
	}
	at := eventTime(ev, r.clock)
	if j.Schedule.Type == model.ScheduleTypeCron {
		return r.rearm(ctx, j, ev, at)
	}

	patch := model.JobPatch{
		Status:        model.StatusPtr(model.JobStatusCompleted),
		ResultRef:     ev.Result,
		ClearQueueRef: true,
		ClearErrorRef: true,
	}
	if _, err := r.jobs.Update(ctx, j.ID, patch); err != nil {
		return "", err
	}
	kv := []any{"queue_ref", ev.Ref}
	if ev.Result != nil {
		kv = append(kv, "sid", ev.Result.SID, "call_status", ev.Result.Status)
	}
	r.appendLog(ctx, j.ID, model.NewLogEntry(model.LogLevelInfo, at, "job completed", kv...))
	r.logger.InfoContext(ctx, "job completed", "job_id", j.ID)
	return metrics.ResultSuccess, nil
}

// rearm moves a completed cron job to its next occurrence.
func (r *Reconciler) rearm(ctx context.Context, j *model.Job, ev model.QueueEvent, at time.Time) (string, error) {
	now := r.clock.Now()
	next, err := domainjob.NextCronRun(j.Schedule, maxTime(now, j.RunAt()).Add(time.Second))
	if err != nil {
		return "", err
	}
	status := domainjob.InitialStatus(next, now, r.cfg.SyncLookahead)
	if err := domainjob.Transition(model.JobStatusCompleted, status); err != nil {
		return "", err
	}

	sched := j.Schedule.Clone()
	sched.RunAt = &next
	resetAttempts(&sched)

	patch := model.JobPatch{
		Status:        model.StatusPtr(status),
		Schedule:      &sched,
		ResultRef:     ev.Result,
		ClearQueueRef: true,
		ClearErrorRef: true,
	}
	if err := r.refreshToken(ctx, j, next, &patch); err != nil {
		return "", err
	}
	if _, err := r.jobs.Update(ctx, j.ID, patch); err != nil {
		return "", err
	}
	r.appendLog(ctx, j.ID, model.NewLogEntry(model.LogLevelInfo, at, "job completed; re-armed",
		"queue_ref", ev.Ref,
		"next_run_at", next,
		"status", status,
	))
	r.logger.InfoContext(ctx, "cron job re-armed", "job_id", j.ID, "next_run_at", next)
	triggerSync(ctx, r.sync)
	return metrics.ResultSuccess, nil
}

func (r *Reconciler) onRetrying(ctx context.Context, j *model.Job, ev model.QueueEvent) (string, error) {
	if err := domainjob.Transition(j.Status, model.JobStatusScheduled); err != nil {
		return "", err
	}
	sched := j.Schedule.Clone()
	if sched.Backoff != nil {
		sched.Backoff.Attempts.Made = ev.AttemptsMade
		sched.Backoff.Attempts.Reason = ev.Error
	}
	if _, err := r.jobs.Update(ctx, j.ID, model.JobPatch{
		Status:   model.StatusPtr(model.JobStatusScheduled),
		Schedule: &sched,
	}); err != nil {
		return "", err
	}
	kv := []any{"queue_ref", ev.Ref, "attempts_made", ev.AttemptsMade, "error", ev.Error}
	if ev.NextRunAt != nil {
		kv = append(kv, "next_run_at", *ev.NextRunAt)
	}
	r.appendLog(ctx, j.ID, model.NewLogEntry(model.LogLevelWarn, eventTime(ev, r.clock), "dispatch failed; retrying", kv...))
	return metrics.ResultRetry, nil
}

func (r *Reconciler) onFailed(ctx context.Context, j *model.Job, ev model.QueueEvent) (string, error) {
	if err := domainjob.Transition(j.Status, model.JobStatusFailed); err != nil {
		return "", err
	}
	at := eventTime(ev, r.clock)
	sched := j.Schedule.Clone()
	if sched.Backoff != nil && ev.AttemptsMade > 0 {
		sched.Backoff.Attempts.Made = ev.AttemptsMade
		sched.Backoff.Attempts.Reason = ev.Error
	}
	if _, err := r.jobs.Update(ctx, j.ID, model.JobPatch{
		Status:        model.StatusPtr(model.JobStatusFailed),
		Schedule:      &sched,
		ErrorRef:      &model.ErrorRef{Message: ev.Error, Timestamp: at},
		ClearQueueRef: true,
	}); err != nil {
		return "", err
	}
	r.appendLog(ctx, j.ID, model.NewLogEntry(model.LogLevelError, at, "job failed",
		"queue_ref", ev.Ref,
		"attempts_made", ev.AttemptsMade,
		"error", ev.Error,
	))
	r.logger.WarnContext(ctx, "job failed", "job_id", j.ID, "error", ev.Error)
	r.notifyFailure(ctx, j, model.JobStatusFailed, failureNotice{
		attemptsMade: ev.AttemptsMade,
		message:      ev.Error,
		class:        "dispatch_failed",
		at:           at,
	})
	return metrics.ResultSuccess, nil
}

// onDropped settles a job whose entry ended after a cancel was requested,
// including entries a worker dropped without dispatching.
func (r *Reconciler) onDropped(ctx context.Context, j *model.Job, ev model.QueueEvent) (string, error) {
	patch := model.JobPatch{ClearQueueRef: true}
	if j.Status != model.JobStatusCanceled {
		if err := domainjob.Transition(j.Status, model.JobStatusCanceled); err != nil {
			return "", err
		}
		patch.Status = model.StatusPtr(model.JobStatusCanceled)
	}
	if _, err := r.jobs.Update(ctx, j.ID, patch); err != nil {
		return "", err
	}
	r.appendLog(ctx, j.ID, model.NewLogEntry(model.LogLevelInfo, eventTime(ev, r.clock), "job canceled before dispatch",
		"queue_ref", ev.Ref,
		"previous_status", j.Status,
	))
	r.logger.InfoContext(ctx, "canceled job entry dropped", "job_id", j.ID, "previous_status", j.Status)
	return metrics.ResultNoop, nil
}

func (r *Reconciler) onStalled(ctx context.Context, j *model.Job, ev model.QueueEvent) (string, error) {
	if err := domainjob.Transition(j.Status, model.JobStatusStalled); err != nil {
		return "", err
	}
	at := eventTime(ev, r.clock)
	msg := ev.Error
	if msg == "" {
		msg = apperrors.StallTimeout("worker stopped heartbeating").Error()
	}
	if _, err := r.jobs.Update(ctx, j.ID, model.JobPatch{
		Status:        model.StatusPtr(model.JobStatusStalled),
		ErrorRef:      &model.ErrorRef{Message: msg, Timestamp: at},
		ClearQueueRef: true,
	}); err != nil {
		return "", err
	}
	r.appendLog(ctx, j.ID, model.NewLogEntry(model.LogLevelError, at, "job stalled", "queue_ref", ev.Ref, "error", msg))
	r.logger.WarnContext(ctx, "job stalled", "job_id", j.ID)
	r.notifyFailure(ctx, j, model.JobStatusStalled, failureNotice{
		attemptsMade: ev.AttemptsMade,
		message:      msg,
		class:        "stall_timeout",
		at:           at,
	})
	return metrics.ResultSuccess, nil
}

type failureNotice struct {
	attemptsMade int
	message      string
	class        string
	at           time.Time
}

func (r *Reconciler) notifyFailure(ctx context.Context, j *model.Job, status model.JobStatus, n failureNotice) {
	if r.notifier == nil {
		return
	}
	payload := notify.JobFailurePayload{
		JobID:        j.ID,
		JobType:      string(j.Type),
		Channel:      j.Channel(),
		Status:       string(status),
		AttemptsMade: n.attemptsMade,
		Error:        n.message,
		ErrorClass:   n.class,
		OccurredAt:   n.at,
		Metadata:     j.Tags,
	}
	if j.CampaignID != nil {
		payload.CampaignID = *j.CampaignID
	}
	if p, ok := j.Payload.(*model.OutboundDispatchPayload); ok {
		payload.To = p.To
	}
	r.notifier.NotifyJobFailure(ctx, payload)
}

// CancelJob removes the job's queue entry and marks it canceled.
func (r *Reconciler) CancelJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := r.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status == model.JobStatusCanceled {
		return j, nil
	}
	if !domainjob.Cancelable(j.Status) {
		return nil, apperrors.Conflictf("job %s cannot be canceled from %s", id, j.Status)
	}

	if err := r.removeEntry(ctx, j); err != nil {
		return nil, err
	}

	sched := j.Schedule.Clone()
	sched.CancelRequested = true
	updated, err := r.jobs.Update(ctx, id, model.JobPatch{
		Status:        model.StatusPtr(model.JobStatusCanceled),
		Schedule:      &sched,
		ClearQueueRef: true,
	})
	if err != nil {
		return nil, err
	}
	updated = r.appendLogAndReload(ctx, updated,
		model.NewLogEntry(model.LogLevelInfo, r.clock.Now(), "job canceled", "previous_status", j.Status))
	r.emit("canceled", nil)
	r.logger.InfoContext(ctx, "job canceled", "job_id", id, "previous_status", j.Status)
	return updated, nil
}

// RescheduleJob moves a job to a new run time. The entry is dropped, the run
// time re-slotted on the job's channel and the job left for the next sync.
func (r *Reconciler) RescheduleJob(ctx context.Context, id string, runAt time.Time) (*model.Job, error) {
	now := r.clock.Now()
	runAt = runAt.UTC()
	if err := schedulingWindow(r.cfg).Validate("schedule.run_at", runAt, now); err != nil {
		return nil, err
	}

	j, err := r.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, apperrors.Conflictf("job %s is %s", id, j.Status)
	}
	status := domainjob.InitialStatus(runAt, now, r.cfg.SyncLookahead)
	if err := domainjob.Transition(j.Status, status); err != nil {
		return nil, err
	}

	if err := r.removeEntry(ctx, j); err != nil {
		return nil, err
	}

	updated, err := r.reslot(ctx, j, runAt, status)
	if err != nil {
		return nil, err
	}
	updated = r.appendLogAndReload(ctx, updated, model.NewLogEntry(model.LogLevelInfo, now, "job rescheduled",
		"previous_run_at", j.RunAt(),
		"requested_run_at", runAt,
		"run_at", updated.RunAt(),
		"status", status,
	))
	r.emit("rescheduled", nil)
	r.logger.InfoContext(ctx, "job rescheduled", "job_id", id, "run_at", updated.RunAt())
	triggerSync(ctx, r.sync)
	return updated, nil
}

func (r *Reconciler) reslot(ctx context.Context, j *model.Job, runAt time.Time, status model.JobStatus) (*model.Job, error) {
	unlock := r.slotter.Lock(j.Channel())
	defer unlock()

	slot, err := r.slotter.Resolve(ctx, SlotInput{JobID: j.ID, Channel: j.Channel(), RunAt: runAt, CPS: j.CPS()})
	if err != nil {
		return nil, err
	}
	sched := j.Schedule.Clone()
	sched.RunAt = &slot.RunAt
	resetAttempts(&sched)

	patch := model.JobPatch{
		Status:        model.StatusPtr(status),
		Schedule:      &sched,
		ClearQueueRef: true,
		ClearErrorRef: true,
	}
	if err := r.refreshToken(ctx, j, slot.RunAt, &patch); err != nil {
		return nil, err
	}
	return r.jobs.Update(ctx, j.ID, patch)
}

// RetryJob re-enqueues a failed or stalled job for immediate dispatch.
func (r *Reconciler) RetryJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := r.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !domainjob.Retryable(j.Status) {
		return nil, apperrors.Conflictf("job %s cannot be retried from %s", id, j.Status)
	}
	if j.Schedule.CancelRequested {
		return nil, apperrors.Conflictf("job %s has a pending cancel", id)
	}

	now := r.clock.Now()
	sched := j.Schedule.Clone()
	resetAttempts(&sched)

	patch := model.JobPatch{Schedule: &sched, ClearErrorRef: true}
	if err := r.refreshToken(ctx, j, now, &patch); err != nil {
		return nil, err
	}

	ref, err := r.queue.Enqueue(ctx, id, model.EnqueueOptions{
		DedupKey: id,
		Priority: j.Priority,
		Backoff:  sched.Backoff,
	})
	if err != nil {
		return nil, apperrors.Queue(err, "enqueue job")
	}
	patch.Status = model.StatusPtr(model.JobStatusScheduled)
	patch.QueueRef = &ref

	updated, err := r.jobs.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	updated = r.appendLogAndReload(ctx, updated, model.NewLogEntry(model.LogLevelInfo, now, "job retried",
		"previous_status", j.Status,
		"queue_ref", ref,
	))
	r.emit("retried", nil)
	r.logger.InfoContext(ctx, "job retried", "job_id", id, "queue_ref", ref)
	return updated, nil
}

func (r *Reconciler) removeEntry(ctx context.Context, j *model.Job) error {
	if !j.HasQueueRef() {
		return nil
	}
	if err := r.queue.Remove(ctx, *j.QueueRef); err != nil {
		return apperrors.Queue(err, "remove queue entry")
	}
	return nil
}

func (r *Reconciler) refreshToken(ctx context.Context, j *model.Job, runAt time.Time, patch *model.JobPatch) error {
	p, ok := j.Payload.(*model.OutboundDispatchPayload)
	if !ok || r.tokens == nil {
		return nil
	}
	token, err := mintToken(ctx, r.tokens, j.ID, runAt)
	if err != nil {
		return err
	}
	next, _ := model.ClonePayload(p).(*model.OutboundDispatchPayload)
	next.AccessToken = token
	patch.Payload = next
	return nil
}

func (r *Reconciler) appendLog(ctx context.Context, id string, entry model.LogEntry) {
	if err := r.jobs.AppendLog(ctx, id, entry); err != nil {
		r.logger.WarnContext(ctx, "append job log failed", "job_id", id, "message", entry.Message, "error", err)
	}
}

// appendLogAndReload appends entry and returns the job as stored afterwards,
// falling back to j when the log write or the read fails.
func (r *Reconciler) appendLogAndReload(ctx context.Context, j *model.Job, entry model.LogEntry) *model.Job {
	if err := r.jobs.AppendLog(ctx, j.ID, entry); err != nil {
		r.logger.WarnContext(ctx, "append job log failed", "job_id", j.ID, "message", entry.Message, "error", err)
		return j
	}
	fresh, err := r.jobs.Get(ctx, j.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "reload job failed", "job_id", j.ID, "error", err)
		return j
	}
	return fresh
}

func (r *Reconciler) emit(transition string, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		JobType:    string(model.JobTypeOutboundDispatch),
		Transition: transition,
		Result:     result,
		Err:        err,
	})
}

func eventTime(ev model.QueueEvent, clock core.TimeProvider) time.Time {
	if ev.At.IsZero() {
		return clock.Now()
	}
	return ev.At
}

func resetAttempts(s *model.Schedule) {
	if s.Backoff != nil {
		s.Backoff.Attempts.Made = 0
		s.Backoff.Attempts.Reason = ""
	}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
