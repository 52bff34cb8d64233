// Package worker runs the dispatch worker pool: it reserves due queue entries,
// calls the dispatch target and reports the outcome back to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/outbound-dispatch/config"
	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/domain/job"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
	"github.com/target/outbound-dispatch/internal/observability/metrics"
	"github.com/target/outbound-dispatch/internal/observability/statsd"
)

// RunnerOptions configures the worker pool.
type RunnerOptions struct {
	Queue  core.DispatchQueue
	Jobs   core.JobStore
	Target core.DispatchTarget
	Config config.WorkerConfig
	Logger *slog.Logger

	// Optional
	Metrics      statsd.Sink
	TimeProvider core.TimeProvider
}

// Runner pulls due entries and executes them. It never writes job status;
// queue events carry outcomes to the reconciler.
type Runner struct {
	queue   core.DispatchQueue
	jobs    core.JobStore
	target  core.DispatchTarget
	policy  *job.LeasePolicy
	cfg     config.WorkerConfig
	logger  *slog.Logger
	metrics statsd.Sink
	clock   core.TimeProvider
}

// NewRunner validates dependencies and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("dispatch queue is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	if opts.Target == nil {
		return nil, errors.New("dispatch target is required")
	}

	cfg := opts.Config
	cfg.Sanitize()
	policy, err := job.NewLeasePolicy(cfg.Lease, cfg.StallTimeout)
	if err != nil {
		return nil, fmt.Errorf("lease policy: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		queue:   opts.Queue,
		jobs:    opts.Jobs,
		target:  opts.Target,
		policy:  policy,
		cfg:     cfg,
		logger:  logger.With("component", "worker"),
		metrics: opts.Metrics,
		clock:   core.OrRealTime(opts.TimeProvider),
	}, nil
}

// MustNewRunner is like NewRunner but panics on error.
func MustNewRunner(opts RunnerOptions) *Runner {
	r, err := NewRunner(opts)
	if err != nil {
		panic(err)
	}
	return r
}

// Run starts the worker goroutines and the stall sweep and blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker pool",
		"workers", r.cfg.Concurrency,
		"lease", r.policy.Default(),
		"stall_timeout", r.policy.StallTolerance(),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.cfg.Concurrency {
		g.Go(func() error { return r.workerLoop(gctx, i) })
	}
	g.Go(func() error { return r.stallLoop(gctx) })

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		r.logger.InfoContext(ctx, "worker pool stopped")
		return nil
	}
	return err
}

func (r *Runner) workerLoop(ctx context.Context, id int) error {
	logger := r.logger.With("worker", id)
	for ctx.Err() == nil {
		entry, err := r.queue.Reserve(ctx, r.policy.Default())
		switch {
		case err == nil && entry != nil:
			r.process(ctx, entry)
			continue
		case err == nil, errors.Is(err, model.ErrNoEntriesDue):
		case ctx.Err() != nil:
			return nil
		default:
			logger.WarnContext(ctx, "reserve failed", "error", err)
		}
		if !sleep(ctx, r.cfg.PollInterval) {
			return nil
		}
	}
	return nil
}

func (r *Runner) stallLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.SweepStalled(ctx)
		}
	}
}

// SweepStalled runs one CheckStalled pass and returns the number of entries stalled.
func (r *Runner) SweepStalled(ctx context.Context) int {
	start := r.clock.Now()
	n, err := r.queue.CheckStalled(ctx)
	metrics.EmitPass(r.metrics, metrics.PassMetric{
		Name:      "worker.stall_check",
		Processed: n,
		Duration:  r.clock.Now().Sub(start),
		Err:       err,
		At:        r.clock.Now(),
	})
	if err != nil {
		if ctx.Err() == nil {
			r.logger.WarnContext(ctx, "stall check failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		r.logger.WarnContext(ctx, "queue entries stalled", "count", n)
	}
	return n
}

func (r *Runner) process(ctx context.Context, entry *model.QueueEntry) {
	start := r.clock.Now()
	logger := r.logger.With("ref", entry.Ref, "job_id", entry.JobID)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeat(hbCtx, entry.Ref, logger)

	// Outcomes are reported even when shutdown interrupts the dispatch call.
	reportCtx := context.WithoutCancel(ctx)

	j, err := r.jobs.Get(ctx, entry.JobID)
	if err != nil {
		stopHeartbeat()
		retryable := !apperrors.IsNotFound(err)
		logger.WarnContext(ctx, "load job failed", "error", err, "retryable", retryable)
		r.fail(reportCtx, entry, nil, fmt.Errorf("load job: %w", err), retryable, start)
		return
	}

	if j.Schedule.CancelRequested || j.Status == model.JobStatusCanceled {
		stopHeartbeat()
		logger.InfoContext(ctx, "job canceled before dispatch; dropping entry")
		// A final failure event lets the reconciler clear the job's queue_ref.
		cause := apperrors.Canceled("job canceled before dispatch")
		if err := r.queue.Fail(reportCtx, entry.Ref, model.FailInput{Err: cause}); err != nil {
			logger.ErrorContext(ctx, "drop canceled entry failed", "error", err)
		}
		r.emit(j, "canceled", metrics.ResultNoop, start, nil)
		return
	}

	var desc *model.CallDescriptor
	switch p := j.Payload.(type) {
	case *model.OutboundDispatchPayload:
		desc, err = r.target.Dispatch(ctx, model.NewDispatchRequest(j.ID, p))
	default:
		err = apperrors.Validationf("no dispatcher for job type %s", j.Type)
	}
	stopHeartbeat()

	if err != nil {
		logger.WarnContext(ctx, "dispatch failed", "error", err, "retryable", apperrors.IsRetryable(err))
		r.fail(reportCtx, entry, j, err, apperrors.IsRetryable(err), start)
		return
	}

	if err := r.queue.Complete(reportCtx, entry.Ref, desc); err != nil {
		logger.ErrorContext(ctx, "complete entry failed", "error", err)
		r.emit(j, "completed", metrics.ResultError, start, err)
		return
	}
	logger.InfoContext(ctx, "job dispatched", "sid", desc.SID, "call_status", desc.Status)
	r.emit(j, "completed", metrics.ResultSuccess, start, nil)
}

func (r *Runner) fail(ctx context.Context, entry *model.QueueEntry, j *model.Job, cause error, retryable bool, start time.Time) {
	if err := r.queue.Fail(ctx, entry.Ref, model.FailInput{Err: cause, Retryable: retryable}); err != nil {
		r.logger.ErrorContext(ctx, "fail entry failed", "ref", entry.Ref, "error", err, "original_error", cause)
	}
	result := metrics.ResultError
	if retryable && job.ShouldRetry(entry.Backoff, entry.Attempts+1, retryable) {
		result = metrics.ResultRetry
	}
	r.emit(j, "failed", result, start, cause)
}

func (r *Runner) heartbeat(ctx context.Context, ref string, logger *slog.Logger) {
	ticker := time.NewTicker(r.policy.HeartbeatInterval(r.policy.Default()))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.Heartbeat(ctx, ref, r.policy.Default()); err != nil && ctx.Err() == nil {
				logger.WarnContext(ctx, "heartbeat failed", "error", err)
			}
		}
	}
}

func (r *Runner) emit(j *model.Job, transition, result string, start time.Time, err error) {
	jobType := string(model.JobTypeOutboundDispatch)
	if j != nil {
		jobType = string(j.Type)
	}
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		JobType:    jobType,
		Transition: transition,
		Result:     result,
		Duration:   r.clock.Now().Sub(start),
		Err:        err,
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
