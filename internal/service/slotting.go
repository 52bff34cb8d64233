package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/target/outbound-dispatch/internal/core"
	domainjob "github.com/target/outbound-dispatch/internal/domain/job"
	"github.com/target/outbound-dispatch/internal/domain/model"
)

// SlotterOptions groups dependencies for Slotter.
type SlotterOptions struct {
	Jobs      core.JobStore // Required: store checked for occupied slots
	MaxChecks int           // Optional: check ceiling per job, defaults to 10000
	Logger    *slog.Logger  // Optional: structured logger
}

// SlotInput describes the slot a job asks for.
type SlotInput struct {
	// JobID is excluded from the check so a job never collides with itself.
	JobID   string
	Channel string
	RunAt   time.Time
	CPS     float64
}

// Slotter assigns collision-free run times per channel.
//
// Probing and persisting are serialized per channel inside this process with
// Lock. Two processes creating jobs on the same channel at the same instant
// can still race.
type Slotter struct {
	jobs      core.JobStore
	maxChecks int
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*channelLock
}

type channelLock struct {
	mu   sync.Mutex
	refs int
}

const defaultMaxSlotChecks = 10000

// NewSlotter constructs a Slotter.
func NewSlotter(opts SlotterOptions) (*Slotter, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobStore is required")
	}
	maxChecks := opts.MaxChecks
	if maxChecks <= 0 {
		maxChecks = defaultMaxSlotChecks
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Slotter{
		jobs:      opts.Jobs,
		maxChecks: maxChecks,
		logger:    logger.With("component", "slotter"),
		locks:     make(map[string]*channelLock),
	}, nil
}

// MustNewSlotter constructs a Slotter and panics on error.
func MustNewSlotter(opts SlotterOptions) *Slotter {
	s, err := NewSlotter(opts)
	if err != nil {
		panic("failed to create Slotter: " + err.Error())
	}
	return s
}

// Lock serializes slot assignment on a channel. The returned func releases it.
func (s *Slotter) Lock(channel string) func() {
	s.mu.Lock()
	l, ok := s.locks[channel]
	if !ok {
		l = &channelLock{}
		s.locks[channel] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, channel)
		}
		s.mu.Unlock()
	}
}

// Resolve returns the earliest free run time at or after in.RunAt. Callers
// hold Lock(in.Channel) until the job carrying the result is persisted.
func (s *Slotter) Resolve(ctx context.Context, in SlotInput) (domainjob.SlotResult, error) {
	check := func(ctx context.Context, channel string, runAt time.Time) (bool, error) {
		at := runAt
		found, err := s.jobs.Find(ctx, model.JobFilter{
			Channel:   channel,
			RunAt:     &at,
			ExcludeID: in.JobID,
		}, model.JobSort{}, model.Page{Limit: 1})
		if err != nil {
			return false, err
		}
		return len(found) > 0, nil
	}

	res, err := domainjob.Slot(ctx, domainjob.SlotRequest{
		Channel:   in.Channel,
		RunAt:     in.RunAt,
		CPS:       in.CPS,
		MaxChecks: s.maxChecks,
	}, check)
	if err != nil {
		return domainjob.SlotResult{}, err
	}
	if res.Shifted {
		s.logger.DebugContext(ctx, "run time shifted to avoid collision",
			"channel", in.Channel,
			"requested", in.RunAt,
			"run_at", res.RunAt,
			"checks", res.Checks,
		)
	}
	return res, nil
}
