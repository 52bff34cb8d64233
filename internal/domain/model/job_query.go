package model

import "time"

// JobFilter selects jobs from the store. Zero-valued fields do not constrain the query.
type JobFilter struct {
	IDs      []string
	Statuses []JobStatus
	Channel  string
	// RunAt matches an exact run time.
	RunAt *time.Time
	// RunAtFrom and RunAtTo bound run_at inclusively.
	RunAtFrom       *time.Time
	RunAtTo         *time.Time
	CancelRequested *bool
	HasQueueRef     *bool
	QueueRef        string
	CampaignID      string
	ExcludeID       string
	// UpdatedBefore matches jobs not touched since the given instant.
	UpdatedBefore *time.Time
}

// JobSortField names a sortable job column.
type JobSortField string

const (
	SortByRunAt     JobSortField = "run_at"
	SortByCreatedAt JobSortField = "created_at"
	SortByPriority  JobSortField = "priority"
)

// JobSort orders a job query. The zero value sorts by created_at ascending.
type JobSort struct {
	Field JobSortField
	Desc  bool
}

const (
	// DefaultPageLimit applies when a page limit is not set.
	DefaultPageLimit = 50
	// MaxPageLimit caps a page.
	MaxPageLimit = 1000
)

// Page bounds a job query.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default and maximum page sizes.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// JobPatch is a partial job update. Nil fields are left untouched.
type JobPatch struct {
	Status   *JobStatus
	Priority *int
	Schedule *Schedule
	Payload  Payload
	QueueRef *string
	// ClearQueueRef removes the queue reference; it wins over QueueRef.
	ClearQueueRef bool
	ResultRef     *CallDescriptor
	ErrorRef      *ErrorRef
	// ClearErrorRef removes a previous error outcome.
	ClearErrorRef bool
}

// Apply writes the patch onto a job in place.
func (p JobPatch) Apply(j *Job) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Priority != nil {
		j.Priority = *p.Priority
	}
	if p.Schedule != nil {
		j.Schedule = p.Schedule.Clone()
	}
	if p.Payload != nil {
		j.Payload = ClonePayload(p.Payload)
	}
	if p.QueueRef != nil {
		j.QueueRef = cloneString(p.QueueRef)
	}
	if p.ClearQueueRef {
		j.QueueRef = nil
	}
	if p.ResultRef != nil {
		r := *p.ResultRef
		j.ResultRef = &r
	}
	if p.ErrorRef != nil {
		e := *p.ErrorRef
		j.ErrorRef = &e
	}
	if p.ClearErrorRef {
		j.ErrorRef = nil
	}
}

// StatusPtr returns a pointer to a status literal for patches.
func StatusPtr(s JobStatus) *JobStatus { return &s }
