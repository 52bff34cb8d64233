package job

import (
	"context"
	"math"
	"time"

	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

// DefaultSlotCPS is used when a job does not carry its own rate.
const DefaultSlotCPS = 1.0

// SlotCheck reports whether another job already occupies (channel, runAt).
type SlotCheck func(ctx context.Context, channel string, runAt time.Time) (bool, error)

// SlotRequest is the input to Slot.
type SlotRequest struct {
	Channel   string
	RunAt     time.Time
	CPS       float64
	MaxChecks int
}

// SlotResult describes the committed slot.
type SlotResult struct {
	RunAt  time.Time
	Checks int
	// Shifted reports whether the run time moved off the requested value.
	Shifted bool
}

// SlotStep returns the check increment floor(1000/cps) ms, at least 1ms.
// A non-positive cps falls back to DefaultSlotCPS.
func SlotStep(cps float64) time.Duration {
	if cps <= 0 {
		cps = DefaultSlotCPS
	}
	ms := math.Floor(1000 / cps)
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}

// Slot advances the requested run time by SlotStep until the check finds the
// slot free. The result is never earlier than the request. Slot does not
// reserve the slot; callers must serialize the check and the write.
func Slot(ctx context.Context, req SlotRequest, occupied SlotCheck) (SlotResult, error) {
	step := SlotStep(req.CPS)
	maxChecks := req.MaxChecks
	if maxChecks <= 0 {
		maxChecks = 1
	}
	candidate := req.RunAt
	for checks := 1; checks <= maxChecks; checks++ {
		if err := ctx.Err(); err != nil {
			return SlotResult{}, err
		}
		taken, err := occupied(ctx, req.Channel, candidate)
		if err != nil {
			return SlotResult{}, err
		}
		if !taken {
			return SlotResult{RunAt: candidate, Checks: checks, Shifted: !candidate.Equal(req.RunAt)}, nil
		}
		candidate = candidate.Add(step)
	}
	return SlotResult{}, apperrors.Conflictf("no free slot on channel %s after %d checks", req.Channel, maxChecks)
}
