// Package scheduler provides adapters for running the scheduler sync loop.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/target/outbound-dispatch/internal/core"
	obserrors "github.com/target/outbound-dispatch/internal/observability/errors"
	"github.com/target/outbound-dispatch/internal/observability/metrics"
	"github.com/target/outbound-dispatch/internal/observability/statsd"
	"github.com/target/outbound-dispatch/internal/service"
)

// Syncer runs one sync pass.
type Syncer interface {
	Sync(ctx context.Context) (service.SyncResult, error)
}

// Runner runs a sync pass at startup and then every Interval. Ad hoc passes
// triggered by job writes go through the SyncService directly.
type Runner struct {
	syncer   Syncer
	interval time.Duration
	logger   *slog.Logger
	metrics  statsd.Sink
	clock    core.TimeProvider
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Syncer   Syncer
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  statsd.Sink

	// Optional
	TimeProvider core.TimeProvider
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}
	return &Runner{
		syncer:   opts.Syncer,
		interval: opts.Interval,
		logger:   opts.Logger.With("component", "scheduler_runner"),
		metrics:  opts.Metrics,
		clock:    core.OrRealTime(opts.TimeProvider),
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Syncer == nil {
		return errors.New("syncer is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 6 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// Run performs the startup pass, then ticks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner", "interval", r.interval)

	r.tick(ctx, "startup")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			r.tick(ctx, "interval")
		}
	}
}

// tick runs one pass. Errors are logged and the loop keeps going.
func (r *Runner) tick(ctx context.Context, reason string) {
	start := r.clock.Now()
	res, err := r.syncer.Sync(ctx)
	elapsed := r.clock.Now().Sub(start)

	if errors.Is(err, service.ErrSyncInProgress) {
		r.logger.DebugContext(ctx, "sync already running; tick skipped", "reason", reason)
		return
	}
	r.emitTickMetrics(res.Scheduled, elapsed, err)

	switch {
	case err != nil:
		r.logger.ErrorContext(ctx, "scheduler tick failed", "reason", reason, "error", err)
	case res.Scheduled > 0:
		r.logger.InfoContext(ctx, "scheduler tick enqueued jobs", "reason", reason, "scheduled", res.Scheduled)
	}
}

func (r *Runner) emitTickMetrics(scheduled int, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if scheduled == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	r.metrics.Count("scheduler.tick", 1, tags)

	if scheduled > 0 {
		r.metrics.Count("scheduler.jobs_enqueued", int64(scheduled), metrics.CloneTags(tags))
	}

	if elapsed > 0 {
		r.metrics.Timing("scheduler.tick_duration", elapsed, metrics.CloneTags(tags))
	}

	if err == nil {
		r.metrics.Gauge("scheduler.last_success_epoch", float64(r.clock.Now().Unix()), nil)
	}
}
