// Package memstore provides in-process implementations of the job store,
// campaign store and cache ports for single-node deployments and tests.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

// JobStore is a map-backed core.JobStore. Returned jobs are deep copies, and
// queue references are unique as in the Postgres schema.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[string]*model.Job
	queueRefs map[string]string
	clock     core.TimeProvider
}

// NewJobStore creates an empty JobStore.
func NewJobStore(clock core.TimeProvider) *JobStore {
	return &JobStore{
		jobs:      make(map[string]*model.Job),
		queueRefs: make(map[string]string),
		clock:     core.OrRealTime(clock),
	}
}

// Create stores a copy of job and returns its id.
func (s *JobStore) Create(_ context.Context, job *model.Job) (string, error) {
	if job == nil {
		return "", apperrors.Validation("job is required")
	}
	if !job.Status.Valid() {
		return "", apperrors.ValidationField("status", "invalid job status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j := job.Clone()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if _, exists := s.jobs[j.ID]; exists {
		return "", apperrors.Conflictf("job %s already exists", j.ID)
	}
	if j.HasQueueRef() {
		if _, taken := s.queueRefs[*j.QueueRef]; taken {
			return "", apperrors.Conflictf("queue_ref %s already assigned", *j.QueueRef)
		}
		s.queueRefs[*j.QueueRef] = j.ID
	}
	now := s.clock.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	if j.Log == nil {
		j.Log = []model.LogEntry{}
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

// Get returns a copy of the job.
func (s *JobStore) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	return j.Clone(), nil
}

// Find filters, sorts and pages the stored jobs.
func (s *JobStore) Find(
	_ context.Context,
	filter model.JobFilter,
	sort model.JobSort,
	page model.Page,
) ([]*model.Job, error) {
	cmpFn, err := jobComparator(sort)
	if err != nil {
		return nil, err
	}
	page = page.Normalize()

	s.mu.RLock()
	matched := make([]*model.Job, 0)
	for _, j := range s.jobs {
		if matches(j, filter) {
			matched = append(matched, j)
		}
	}
	slices.SortFunc(matched, cmpFn)
	if page.Offset >= len(matched) {
		s.mu.RUnlock()
		return []*model.Job{}, nil
	}
	end := min(page.Offset+page.Limit, len(matched))
	out := make([]*model.Job, 0, end-page.Offset)
	for _, j := range matched[page.Offset:end] {
		out = append(out, j.Clone())
	}
	s.mu.RUnlock()
	return out, nil
}

// Update applies a patch and returns a copy of the result.
func (s *JobStore) Update(_ context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	next := current.Clone()
	patch.Apply(next)
	if !next.Status.Valid() {
		return nil, apperrors.ValidationField("status", "invalid job status")
	}
	if next.HasQueueRef() {
		if owner, taken := s.queueRefs[*next.QueueRef]; taken && owner != id {
			return nil, apperrors.Conflictf("queue_ref %s already assigned", *next.QueueRef)
		}
	}
	if current.HasQueueRef() {
		delete(s.queueRefs, *current.QueueRef)
	}
	if next.HasQueueRef() {
		s.queueRefs[*next.QueueRef] = id
	}
	next.UpdatedAt = s.clock.Now().UTC()
	s.jobs[id] = next
	return next.Clone(), nil
}

// AppendLog appends to the job's log.
func (s *JobStore) AppendLog(_ context.Context, id string, entry model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return apperrors.NotFoundf("job %s not found", id)
	}
	j.Log = append(j.Log, entry.Clone())
	j.UpdatedAt = s.clock.Now().UTC()
	return nil
}

// Delete removes a job without a queue reference.
func (s *JobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return apperrors.NotFoundf("job %s not found", id)
	}
	if j.HasQueueRef() {
		return apperrors.Conflictf("job %s still references queue entry %s", id, *j.QueueRef)
	}
	delete(s.jobs, id)
	return nil
}

// DeleteTerminalBefore implements core.ReaperRepository.
func (s *JobStore) DeleteTerminalBefore(_ context.Context, params core.DeleteTerminalParams) (int64, error) {
	if len(params.Statuses) == 0 || params.BatchSize <= 0 {
		return 0, apperrors.Validation("statuses and a positive batch size are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	victims := make([]*model.Job, 0)
	for _, j := range s.jobs {
		if slices.Contains(params.Statuses, j.Status) && !j.HasQueueRef() && j.UpdatedAt.Before(params.Before) {
			victims = append(victims, j)
		}
	}
	slices.SortFunc(victims, func(a, b *model.Job) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if len(victims) > params.BatchSize {
		victims = victims[:params.BatchSize]
	}
	for _, j := range victims {
		delete(s.jobs, j.ID)
	}
	return int64(len(victims)), nil
}

func matches(j *model.Job, f model.JobFilter) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, j.ID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status) {
		return false
	}
	if f.Channel != "" && j.Channel() != f.Channel {
		return false
	}
	if !matchesRunAt(j, f) {
		return false
	}
	if f.CancelRequested != nil && j.Schedule.CancelRequested != *f.CancelRequested {
		return false
	}
	if f.HasQueueRef != nil && j.HasQueueRef() != *f.HasQueueRef {
		return false
	}
	if f.QueueRef != "" && (!j.HasQueueRef() || *j.QueueRef != f.QueueRef) {
		return false
	}
	if f.CampaignID != "" && (j.CampaignID == nil || *j.CampaignID != f.CampaignID) {
		return false
	}
	if f.ExcludeID != "" && j.ID == f.ExcludeID {
		return false
	}
	if f.UpdatedBefore != nil && !j.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	return true
}

func matchesRunAt(j *model.Job, f model.JobFilter) bool {
	if f.RunAt == nil && f.RunAtFrom == nil && f.RunAtTo == nil {
		return true
	}
	if j.Schedule.RunAt == nil {
		return false
	}
	at := *j.Schedule.RunAt
	if f.RunAt != nil && !at.Equal(*f.RunAt) {
		return false
	}
	if f.RunAtFrom != nil && at.Before(*f.RunAtFrom) {
		return false
	}
	if f.RunAtTo != nil && at.After(*f.RunAtTo) {
		return false
	}
	return true
}

func jobComparator(s model.JobSort) (func(a, b *model.Job) int, error) {
	var key func(a, b *model.Job) int
	switch s.Field {
	case "", model.SortByCreatedAt:
		key = func(a, b *model.Job) int { return a.CreatedAt.Compare(b.CreatedAt) }
	case model.SortByRunAt:
		key = func(a, b *model.Job) int { return compareRunAt(a.Schedule.RunAt, b.Schedule.RunAt) }
	case model.SortByPriority:
		key = func(a, b *model.Job) int { return cmp.Compare(a.Priority, b.Priority) }
	default:
		return nil, apperrors.ValidationField("sort", "unsupported sort field "+string(s.Field))
	}
	return func(a, b *model.Job) int {
		c := key(a, b)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if s.Desc {
			return -c
		}
		return c
	}, nil
}

// compareRunAt orders nil run times last.
func compareRunAt(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}
