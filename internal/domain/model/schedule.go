package model

import (
	"time"

	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

// ScheduleType selects one-shot or recurring execution.
type ScheduleType string

const (
	ScheduleTypeOnce ScheduleType = "once"
	ScheduleTypeCron ScheduleType = "cron"
)

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Attempts tracks retry bookkeeping for a job. Max is the number of times a
// failed dispatch is re-scheduled before the job fails for good.
type Attempts struct {
	Max    int    `json:"max"`
	Made   int    `json:"made"`
	Reason string `json:"reason,omitempty"`
}

// Backoff configures queue-driven retries after a failed dispatch.
type Backoff struct {
	Type     BackoffType `json:"type"`
	DelayMs  int64       `json:"delay_ms"`
	Attempts Attempts    `json:"attempts"`
}

// Delay returns the base delay as a duration.
func (b *Backoff) Delay() time.Duration {
	if b == nil {
		return 0
	}
	return time.Duration(b.DelayMs) * time.Millisecond
}

// Schedule describes when a job runs and how it is retried.
type Schedule struct {
	Type ScheduleType `json:"type"`
	// RunAt is required for once schedules; for cron schedules it holds the next occurrence.
	RunAt    *time.Time `json:"run_at,omitempty"`
	Cron     string     `json:"cron,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
	Backoff  *Backoff   `json:"backoff,omitempty"`

	CancelRequested bool `json:"cancel_requested"`
}

// Validate checks the schedule shape without reference to the current time.
func (s Schedule) Validate() error {
	switch s.Type {
	case ScheduleTypeOnce:
		if s.RunAt == nil || s.RunAt.IsZero() {
			return apperrors.ValidationField("schedule.run_at", "run_at is required for once schedules")
		}
	case ScheduleTypeCron:
		if s.Cron == "" {
			return apperrors.ValidationField("schedule.cron", "cron is required for cron schedules")
		}
	default:
		return apperrors.ValidationField("schedule.type", "schedule type must be once or cron")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return apperrors.ValidationField("schedule.timezone", "unknown timezone "+s.Timezone)
		}
	}
	if s.Backoff != nil {
		return s.Backoff.Validate()
	}
	return nil
}

// Validate checks the backoff configuration.
func (b *Backoff) Validate() error {
	switch b.Type {
	case BackoffExponential, BackoffFixed:
	default:
		return apperrors.ValidationField("schedule.backoff.type", "backoff type must be exponential or fixed")
	}
	if b.DelayMs <= 0 {
		return apperrors.ValidationField("schedule.backoff.delay_ms", "backoff delay must be positive")
	}
	if b.Attempts.Max < 1 {
		return apperrors.ValidationField("schedule.backoff.attempts.max", "backoff must allow at least 1 retry")
	}
	return nil
}

// Location resolves the schedule's timezone, defaulting to UTC.
func (s Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Clone returns a deep copy of the schedule.
func (s Schedule) Clone() Schedule {
	out := s
	out.RunAt = cloneTime(s.RunAt)
	if s.Backoff != nil {
		b := *s.Backoff
		out.Backoff = &b
	}
	return out
}
