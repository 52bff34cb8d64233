// Package model defines the core data types shared by the job store, the
// delay queue and the dispatch services.
package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

// JobType discriminates the payload variant carried by a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobTypeOutboundDispatch places an outbound call through the dispatch target.
	JobTypeOutboundDispatch JobType = "outbound_dispatch"
)

const (
	// JobStatusWaiting indicates the job is due inside the sync window but not yet enqueued.
	JobStatusWaiting JobStatus = "waiting"
	// JobStatusScheduled indicates the job has a live delay queue entry.
	JobStatusScheduled JobStatus = "scheduled"
	// JobStatusActive indicates a worker holds the queue entry.
	JobStatusActive JobStatus = "active"
	// JobStatusCompleted indicates the dispatch call succeeded.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the dispatch call failed and no retry remains.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCanceled indicates an operator canceled the job.
	JobStatusCanceled JobStatus = "canceled"
	// JobStatusDelayed indicates the job is due later than the sync window.
	JobStatusDelayed JobStatus = "delayed"
	// JobStatusStalled indicates the queue lost track of the worker holding the job.
	JobStatusStalled JobStatus = "stalled"
)

// AllJobStatuses lists every status in lifecycle order.
func AllJobStatuses() []JobStatus {
	return []JobStatus{
		JobStatusWaiting, JobStatusDelayed, JobStatusScheduled, JobStatusActive,
		JobStatusCompleted, JobStatusFailed, JobStatusStalled, JobStatusCanceled,
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env and flag parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := JobType(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobType: %q", v)
	}
	*t = v
	return nil
}

// Valid returns true if the JobType is valid.
func (t JobType) Valid() bool {
	return t == JobTypeOutboundDispatch
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusWaiting, JobStatusScheduled, JobStatusActive, JobStatusCompleted,
		JobStatusFailed, JobStatusCanceled, JobStatusDelayed, JobStatusStalled:
		return true
	}
	return false
}

// Terminal reports statuses that never change again without re-arming.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCanceled
}

// RequiresQueueRef reports statuses that are only valid while a queue entry exists.
func (s JobStatus) RequiresQueueRef() bool {
	return s == JobStatusScheduled || s == JobStatusActive
}

// Job is the durable record of one scheduled unit of dispatch work.
type Job struct {
	ID         string    `json:"id"`
	CampaignID *string   `json:"campaign_id,omitempty"`
	Type       JobType   `json:"type"`
	Status     JobStatus `json:"status"`
	// Priority ranges from 1 (highest) to 10 (lowest).
	Priority  int               `json:"priority"`
	Schedule  Schedule          `json:"schedule"`
	Payload   Payload           `json:"-"`
	QueueRef  *string           `json:"queue_ref,omitempty"`
	Log       []LogEntry        `json:"log"`
	ResultRef *CallDescriptor   `json:"result_ref,omitempty"`
	ErrorRef  *ErrorRef         `json:"error_ref,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type jobAlias Job

type jobJSON struct {
	*jobAlias
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the payload variant alongside the job fields.
func (j Job) MarshalJSON() ([]byte, error) {
	raw, err := EncodePayload(j.Payload)
	if err != nil {
		return nil, err
	}
	alias := jobAlias(j)
	return json.Marshal(jobJSON{jobAlias: &alias, Payload: raw})
}

// UnmarshalJSON decodes the payload according to the job type.
func (j *Job) UnmarshalJSON(data []byte) error {
	aux := jobJSON{jobAlias: (*jobAlias)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		j.Payload = nil
		return nil
	}
	p, err := DecodePayload(j.Type, aux.Payload)
	if err != nil {
		return err
	}
	j.Payload = p
	return nil
}

// RunAt returns the committed run time, or the zero time if none is set.
func (j *Job) RunAt() time.Time {
	if j == nil || j.Schedule.RunAt == nil {
		return time.Time{}
	}
	return *j.Schedule.RunAt
}

// Channel returns the dispatch channel the job targets.
func (j *Job) Channel() string {
	if j == nil {
		return ""
	}
	if p, ok := j.Payload.(*OutboundDispatchPayload); ok {
		return p.Channel
	}
	return ""
}

// CPS returns the job's own calls-per-second rate, or 0 when unset.
func (j *Job) CPS() float64 {
	if j == nil {
		return 0
	}
	if p, ok := j.Payload.(*OutboundDispatchPayload); ok {
		return p.CPS
	}
	return 0
}

// HasQueueRef reports whether the job currently references a queue entry.
func (j *Job) HasQueueRef() bool {
	return j != nil && j.QueueRef != nil && *j.QueueRef != ""
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.CampaignID = cloneString(j.CampaignID)
	out.QueueRef = cloneString(j.QueueRef)
	out.Schedule = j.Schedule.Clone()
	out.Payload = ClonePayload(j.Payload)
	out.Log = make([]LogEntry, len(j.Log))
	for i, e := range j.Log {
		out.Log[i] = e.Clone()
	}
	if j.ResultRef != nil {
		r := *j.ResultRef
		out.ResultRef = &r
	}
	if j.ErrorRef != nil {
		e := *j.ErrorRef
		out.ErrorRef = &e
	}
	out.Tags = maps.Clone(j.Tags)
	return &out
}

// CreateJobRequest represents a request to create a new ad-hoc job.
type CreateJobRequest struct {
	Type JobType `json:"type"`
	// Priority of 0 means "use the configured default".
	Priority   int               `json:"priority,omitempty"`
	Schedule   Schedule          `json:"schedule"`
	Payload    Payload           `json:"-"`
	CampaignID *string           `json:"campaign_id,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Validate checks the request shape. Schedule window checks need a clock and
// live in the job domain package.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return apperrors.ValidationField("type", "invalid job type")
	}
	if r.Priority != 0 {
		if err := ValidatePriority(r.Priority); err != nil {
			return err
		}
	}
	if r.Payload == nil {
		return apperrors.ValidationField("payload", "payload is required")
	}
	if r.Payload.JobType() != r.Type {
		return apperrors.ValidationField("payload", fmt.Sprintf("payload is not valid for job type %q", r.Type))
	}
	if err := r.Payload.Validate(); err != nil {
		return err
	}
	return r.Schedule.Validate()
}

// ValidatePriority enforces the 1..10 priority range.
func ValidatePriority(p int) error {
	if p < 1 || p > 10 {
		return apperrors.ValidationField("priority", "priority must be between 1 and 10")
	}
	return nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
