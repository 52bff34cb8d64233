package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

func validRequest() *CreateJobRequest {
	runAt := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	return &CreateJobRequest{
		Type:     JobTypeOutboundDispatch,
		Schedule: Schedule{Type: ScheduleTypeOnce, RunAt: &runAt},
		Payload:  &OutboundDispatchPayload{Channel: "+15550001", To: "+15550002", Agent: "agent-1"},
	}
}

func TestJobType_UnmarshalText(t *testing.T) {
	var jt JobType
	require.NoError(t, jt.UnmarshalText([]byte(" Outbound_Dispatch ")))
	assert.Equal(t, JobTypeOutboundDispatch, jt)
	assert.Error(t, jt.UnmarshalText([]byte("browser")))
}

func TestJobStatus_Properties(t *testing.T) {
	for _, s := range AllJobStatuses() {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, JobStatus("pending").Valid())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusCanceled.Terminal())
	assert.False(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusScheduled.RequiresQueueRef())
	assert.True(t, JobStatusActive.RequiresQueueRef())
	assert.False(t, JobStatusWaiting.RequiresQueueRef())
}

func TestCreateJobRequest_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *CreateJobRequest)
		field  string
	}{
		{name: "valid", mutate: func(*CreateJobRequest) {}},
		{name: "priority too low", mutate: func(r *CreateJobRequest) { r.Priority = -1 }, field: "priority"},
		{name: "priority too high", mutate: func(r *CreateJobRequest) { r.Priority = 11 }, field: "priority"},
		{name: "missing payload", mutate: func(r *CreateJobRequest) { r.Payload = nil }, field: "payload"},
		{
			name:   "missing channel",
			mutate: func(r *CreateJobRequest) { r.Payload.(*OutboundDispatchPayload).Channel = "" },
			field:  "payload.channel",
		},
		{name: "once without run_at", mutate: func(r *CreateJobRequest) { r.Schedule.RunAt = nil }, field: "schedule.run_at"},
		{
			name:   "cron without expression",
			mutate: func(r *CreateJobRequest) { r.Schedule = Schedule{Type: ScheduleTypeCron} },
			field:  "schedule.cron",
		},
		{
			name:   "bad timezone",
			mutate: func(r *CreateJobRequest) { r.Schedule.Timezone = "Mars/Olympus" },
			field:  "schedule.timezone",
		},
		{
			name: "backoff without attempts",
			mutate: func(r *CreateJobRequest) {
				r.Schedule.Backoff = &Backoff{Type: BackoffFixed, DelayMs: 1000}
			},
			field: "schedule.backoff.attempts.max",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			err := req.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
			assert.Equal(t, tt.field, apperrors.GetField(err))
		})
	}
}

func TestJob_JSONRoundTripKeepsPayloadVariant(t *testing.T) {
	runAt := time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)
	ref := "q-1"
	job := &Job{
		ID:       "j-1",
		Type:     JobTypeOutboundDispatch,
		Status:   JobStatusScheduled,
		Priority: 5,
		Schedule: Schedule{Type: ScheduleTypeOnce, RunAt: &runAt},
		Payload: &OutboundDispatchPayload{
			Channel:    "+15550001",
			To:         "+15550002",
			CPS:        2,
			PreContext: map[string]any{"first_name": "Ada"},
		},
		QueueRef: &ref,
	}

	b, err := json.Marshal(job)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"payload":{"channel":"+15550001"`)

	var decoded Job
	require.NoError(t, json.Unmarshal(b, &decoded))
	p, ok := decoded.Payload.(*OutboundDispatchPayload)
	require.True(t, ok, "payload should decode to the outbound variant")
	assert.Equal(t, "+15550002", p.To)
	assert.Equal(t, "Ada", p.PreContext["first_name"])
	assert.Equal(t, "+15550001", decoded.Channel())
	assert.InDelta(t, 2.0, decoded.CPS(), 0)
	assert.True(t, decoded.HasQueueRef())
	assert.True(t, runAt.Equal(decoded.RunAt()))
}

func TestJob_CloneIsDeep(t *testing.T) {
	runAt := time.Now().UTC()
	job := &Job{
		ID:       "j-1",
		Type:     JobTypeOutboundDispatch,
		Schedule: Schedule{Type: ScheduleTypeOnce, RunAt: &runAt, Backoff: &Backoff{Type: BackoffFixed, DelayMs: 10}},
		Payload:  &OutboundDispatchPayload{Channel: "c", To: "t", PreContext: map[string]any{"k": "v"}},
		Log:      []LogEntry{NewLogEntry(LogLevelInfo, runAt, "created", "source", "test")},
		Tags:     map[string]string{"campaign": "spring"},
	}

	clone := job.Clone()
	clone.Schedule.RunAt = nil
	clone.Schedule.Backoff.Attempts.Made = 3
	clone.Payload.(*OutboundDispatchPayload).PreContext["k"] = "changed"
	clone.Log[0].Data["source"] = "changed"
	clone.Tags["campaign"] = "changed"

	assert.NotNil(t, job.Schedule.RunAt)
	assert.Equal(t, 0, job.Schedule.Backoff.Attempts.Made)
	assert.Equal(t, "v", job.Payload.(*OutboundDispatchPayload).PreContext["k"])
	assert.Equal(t, "test", job.Log[0].Data["source"])
	assert.Equal(t, "spring", job.Tags["campaign"])
}

func TestJobPatch_Apply(t *testing.T) {
	ref := "q-9"
	job := &Job{Status: JobStatusWaiting, ErrorRef: &ErrorRef{Message: "old"}}

	JobPatch{Status: StatusPtr(JobStatusScheduled), QueueRef: &ref, ClearErrorRef: true}.Apply(job)
	assert.Equal(t, JobStatusScheduled, job.Status)
	require.NotNil(t, job.QueueRef)
	assert.Equal(t, "q-9", *job.QueueRef)
	assert.Nil(t, job.ErrorRef)

	JobPatch{QueueRef: &ref, ClearQueueRef: true}.Apply(job)
	assert.Nil(t, job.QueueRef, "ClearQueueRef wins")
}

func TestPage_Normalize(t *testing.T) {
	assert.Equal(t, Page{Limit: DefaultPageLimit}, Page{}.Normalize())
	assert.Equal(t, Page{Limit: MaxPageLimit, Offset: 0}, Page{Limit: 5000, Offset: -3}.Normalize())
}

func TestCreateCampaignRequest_Validate(t *testing.T) {
	start := time.Now().Add(time.Hour)
	base := func() *CreateCampaignRequest {
		return &CreateCampaignRequest{
			Name:                  "spring",
			AgentID:               "agent-1",
			Schedule:              CampaignSchedule{StartAt: start},
			CPS:                   2,
			Receivers:             []Receiver{{Contact: "+1555"}},
			CommunicationChannels: []string{"+1999"},
		}
	}

	require.NoError(t, base().Validate())

	r := base()
	r.CPS = 0
	assert.Equal(t, "cps", apperrors.GetField(r.Validate()))

	r = base()
	r.Receivers = append(r.Receivers, Receiver{})
	assert.Equal(t, "receivers[1].contact", apperrors.GetField(r.Validate()))

	r = base()
	r.CommunicationChannels = nil
	assert.Equal(t, "communication_channels", apperrors.GetField(r.Validate()))

	r = base()
	end := start.Add(-time.Minute)
	r.Schedule.EndAt = &end
	assert.Equal(t, "schedule.end_at", apperrors.GetField(r.Validate()))
}
