package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/target/outbound-dispatch/config"
	"github.com/target/outbound-dispatch/internal/core"
	domainjob "github.com/target/outbound-dispatch/internal/domain/job"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
	"github.com/target/outbound-dispatch/internal/observability/metrics"
	"github.com/target/outbound-dispatch/internal/observability/statsd"
)

// ErrSyncInProgress is returned by Sync when another pass holds the flag.
var ErrSyncInProgress = errors.New("sync already in progress")

const defaultSyncPageSize = 500

// SyncResult summarises one sync pass.
type SyncResult struct {
	Considered int           `json:"considered"`
	Scheduled  int           `json:"scheduled"`
	Skipped    int           `json:"skipped"`
	Failures   []ItemFailure `json:"failures,omitempty"`
}

// SyncServiceOptions groups dependencies for SyncService.
type SyncServiceOptions struct {
	Jobs   core.JobStore           // Required: job store
	Queue  core.DispatchQueue      // Required: delay queue
	Config config.SchedulingConfig // Required: lookahead and grace

	PageSize     int               // Optional: jobs fetched per query, defaults to 500
	TimeProvider core.TimeProvider // Optional: clock override for tests
	Logger       *slog.Logger      // Optional: structured logger
	Metrics      statsd.Sink       // Optional: metrics sink
}

// SyncService mirrors jobs due inside the lookahead window into the delay queue.
// At most one pass runs per process.
type SyncService struct {
	jobs     core.JobStore
	queue    core.DispatchQueue
	cfg      config.SchedulingConfig
	pageSize int
	clock    core.TimeProvider
	logger   *slog.Logger
	metrics  statsd.Sink

	running atomic.Bool
	wg      sync.WaitGroup
}

var _ core.SyncTrigger = (*SyncService)(nil)

// NewSyncService constructs a new SyncService.
func NewSyncService(opts SyncServiceOptions) (*SyncService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("DispatchQueue is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultSyncPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		jobs:     opts.Jobs,
		queue:    opts.Queue,
		cfg:      cfg,
		pageSize: min(pageSize, model.MaxPageLimit),
		clock:    core.OrRealTime(opts.TimeProvider),
		logger:   logger.With("component", "sync_service"),
		metrics:  opts.Metrics,
	}, nil
}

// MustNewSyncService constructs a new SyncService and panics on error.
func MustNewSyncService(opts SyncServiceOptions) *SyncService {
	svc, err := NewSyncService(opts)
	if err != nil {
		panic("failed to create SyncService: " + err.Error())
	}
	return svc
}

// Sync enqueues every waiting or delayed job whose run time falls inside
// [now - grace, now + lookahead]. Failures are collected per job; only a
// failed query aborts the pass. Concurrent calls return ErrSyncInProgress.
func (s *SyncService) Sync(ctx context.Context) (SyncResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return SyncResult{}, ErrSyncInProgress
	}
	defer s.running.Store(false)

	start := s.clock.Now()
	res, err := s.syncWindow(ctx, start)

	metrics.EmitPass(s.metrics, metrics.PassMetric{
		Name:      "sync",
		Processed: res.Scheduled,
		Failed:    len(res.Failures),
		Duration:  s.clock.Now().Sub(start),
		Err:       err,
		At:        s.clock.Now(),
	})
	if err != nil {
		return res, err
	}

	level := slog.LevelInfo
	if len(res.Failures) > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "sync pass finished",
		"considered", res.Considered,
		"scheduled", res.Scheduled,
		"skipped", res.Skipped,
		"failures", len(res.Failures),
	)
	return res, nil
}

func (s *SyncService) syncWindow(ctx context.Context, now time.Time) (SyncResult, error) {
	from := now.Add(-s.cfg.MissedGrace)
	to := now.Add(s.cfg.SyncLookahead)
	noRef, notCanceled := false, false
	filter := model.JobFilter{
		Statuses:        []model.JobStatus{model.JobStatusWaiting, model.JobStatusDelayed},
		HasQueueRef:     &noRef,
		CancelRequested: &notCanceled,
		RunAtFrom:       &from,
		RunAtTo:         &to,
	}
	sort := model.JobSort{Field: model.SortByRunAt}

	var res SyncResult
	// Scheduled jobs leave the filter, so the offset only advances past jobs left behind.
	offset := 0
	for {
		batch, err := s.jobs.Find(ctx, filter, sort, model.Page{Limit: s.pageSize, Offset: offset})
		if err != nil {
			return res, err
		}
		for _, j := range batch {
			res.Considered++
			switch err := s.scheduleJob(ctx, j, now); {
			case err == nil:
				res.Scheduled++
			case apperrors.IsConflict(err):
				res.Skipped++
				offset++
			default:
				s.logger.WarnContext(ctx, "sync job failed", "job_id", j.ID, "error", err)
				res.Failures = append(res.Failures, ItemFailure{Index: res.Considered - 1, ID: j.ID, Err: err})
				offset++
			}
		}
		if len(batch) < s.pageSize || ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
}

func (s *SyncService) scheduleJob(ctx context.Context, j *model.Job, now time.Time) error {
	if err := domainjob.Transition(j.Status, model.JobStatusScheduled); err != nil {
		return err
	}

	delay := domainjob.SyncDelay(j.RunAt(), now)
	ref, err := s.queue.Enqueue(ctx, j.ID, model.EnqueueOptions{
		Delay:    delay,
		DedupKey: j.ID,
		Priority: j.Priority,
		Backoff:  j.Schedule.Backoff,
	})
	if err != nil {
		return apperrors.Queue(err, "enqueue job")
	}
	if err := s.confirmSchedulable(ctx, j, ref); err != nil {
		return err
	}

	if _, err := s.jobs.Update(ctx, j.ID, model.JobPatch{
		Status:   model.StatusPtr(model.JobStatusScheduled),
		QueueRef: &ref,
	}); err != nil {
		// The dedup key hands the same entry back on the next pass.
		return err
	}

	entry := model.NewLogEntry(model.LogLevelInfo, now, "job scheduled",
		"queue_ref", ref,
		"delay_ms", delay.Milliseconds(),
		"run_at", j.RunAt(),
	)
	if err := s.jobs.AppendLog(ctx, j.ID, entry); err != nil {
		s.logger.WarnContext(ctx, "append sync log failed", "job_id", j.ID, "error", err)
	}
	return nil
}

// confirmSchedulable re-reads the job after its entry was enqueued. When a
// cancel, reschedule, delete or another pass got there first, the entry is
// taken back out (unless the job already owns it) and a Conflict is returned
// so the job counts as skipped.
func (s *SyncService) confirmSchedulable(ctx context.Context, read *model.Job, ref string) error {
	current, err := s.jobs.Get(ctx, read.ID)
	switch {
	case apperrors.IsNotFound(err):
		s.withdraw(ctx, read.ID, ref)
		return apperrors.Conflictf("job %s was deleted while scheduling", read.ID)
	case err != nil:
		// The dedup key hands the same entry back on the next pass.
		return err
	}

	if current.HasQueueRef() && *current.QueueRef == ref {
		return apperrors.Conflictf("job %s is already scheduled", read.ID)
	}
	if current.HasQueueRef() ||
		current.Schedule.CancelRequested ||
		(current.Status != model.JobStatusWaiting && current.Status != model.JobStatusDelayed) ||
		!current.RunAt().Equal(read.RunAt()) {
		s.withdraw(ctx, read.ID, ref)
		return apperrors.Conflictf("job %s changed while scheduling (status %s)", read.ID, current.Status)
	}
	return nil
}

func (s *SyncService) withdraw(ctx context.Context, jobID, ref string) {
	if err := s.queue.Remove(ctx, ref); err != nil {
		s.logger.WarnContext(ctx, "withdraw queue entry failed", "job_id", jobID, "ref", ref, "error", err)
	}
}

// SafeSync starts a pass in the background and reports whether one was
// started. It returns false while a pass is already running.
func (s *SyncService) SafeSync(ctx context.Context) bool {
	if s.running.Load() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.Sync(context.WithoutCancel(ctx))
		switch {
		case err == nil:
		case errors.Is(err, ErrSyncInProgress):
			s.logger.Debug("sync already running; trigger dropped")
		default:
			s.logger.Error("background sync failed", "error", err)
		}
	}()
	return true
}

// Trigger implements core.SyncTrigger.
func (s *SyncService) Trigger(ctx context.Context) {
	s.SafeSync(ctx)
}

// Wait blocks until background passes started by SafeSync finish.
func (s *SyncService) Wait() {
	s.wg.Wait()
}
