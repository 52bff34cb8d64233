// Package job holds the pure scheduling rules for dispatch jobs: the status
// state machine, the scheduling window, fan-out spacing, collision-avoidance
// slotting, retry backoff and cron recurrence.
package job

import (
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

var transitions = map[model.JobStatus][]model.JobStatus{
	model.JobStatusWaiting:   {model.JobStatusScheduled, model.JobStatusDelayed, model.JobStatusWaiting, model.JobStatusCanceled},
	model.JobStatusDelayed:   {model.JobStatusWaiting, model.JobStatusScheduled, model.JobStatusDelayed, model.JobStatusCanceled},
	model.JobStatusScheduled: {model.JobStatusActive, model.JobStatusScheduled, model.JobStatusWaiting, model.JobStatusDelayed, model.JobStatusStalled, model.JobStatusFailed, model.JobStatusCompleted, model.JobStatusCanceled},
	model.JobStatusActive:    {model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusStalled, model.JobStatusScheduled, model.JobStatusCanceled},
	model.JobStatusFailed:    {model.JobStatusScheduled, model.JobStatusWaiting, model.JobStatusDelayed},
	model.JobStatusStalled:   {model.JobStatusScheduled, model.JobStatusWaiting, model.JobStatusDelayed},
	// completed only leaves through a cron re-arm.
	model.JobStatusCompleted: {model.JobStatusWaiting, model.JobStatusDelayed},
	model.JobStatusCanceled:  {},
}

// CanTransition reports whether a job may move from one status to another.
//
// scheduled → completed/failed/stalled covers queue events that overtake the
// active event; waiting/delayed appear as targets for reschedules and re-arms.
func CanTransition(from, to model.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates a status change and returns a Conflict error when it is not allowed.
func Transition(from, to model.JobStatus) error {
	if !to.Valid() {
		return apperrors.Validationf("invalid job status %q", to)
	}
	if !CanTransition(from, to) {
		return apperrors.Conflictf("job cannot move from %s to %s", from, to)
	}
	return nil
}

// Cancelable reports whether an operator may cancel a job in the given status.
func Cancelable(s model.JobStatus) bool {
	return CanTransition(s, model.JobStatusCanceled)
}

// Retryable reports whether an operator may retry a job in the given status.
func Retryable(s model.JobStatus) bool {
	return s == model.JobStatusFailed || s == model.JobStatusStalled
}
