package testutil

import (
	"time"

	"github.com/target/outbound-dispatch/internal/domain/model"
)

// TestTime returns a fixed reference instant for tests.
func TestTime() time.Time {
	return time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
}

// OutboundJob returns a waiting outbound_dispatch job for channel due at runAt.
func OutboundJob(channel string, runAt time.Time) *model.Job {
	return &model.Job{
		Type:     model.JobTypeOutboundDispatch,
		Status:   model.JobStatusWaiting,
		Priority: 5,
		Schedule: model.Schedule{Type: model.ScheduleTypeOnce, RunAt: TimePtr(runAt)},
		Payload: &model.OutboundDispatchPayload{
			Channel: channel,
			Agent:   "agent-1",
			To:      "+15550100",
		},
		CreatedAt: runAt.Add(-time.Hour),
		UpdatedAt: runAt.Add(-time.Hour),
	}
}

// OutboundRequest returns a valid create request for channel due at runAt.
func OutboundRequest(channel string, runAt time.Time) *model.CreateJobRequest {
	return &model.CreateJobRequest{
		Type:     model.JobTypeOutboundDispatch,
		Schedule: model.Schedule{Type: model.ScheduleTypeOnce, RunAt: TimePtr(runAt)},
		Payload: &model.OutboundDispatchPayload{
			Channel: channel,
			Agent:   "agent-1",
			To:      "+15550100",
		},
	}
}

// StringPtr returns a pointer to the given string value.
func StringPtr(s string) *string {
	return &s
}

// BoolPtr returns a pointer to the given bool value.
func BoolPtr(b bool) *bool {
	return &b
}

// IntPtr returns a pointer to the given int value.
func IntPtr(i int) *int {
	return &i
}

// TimePtr returns a pointer to the given time value.
func TimePtr(t time.Time) *time.Time {
	return &t
}
