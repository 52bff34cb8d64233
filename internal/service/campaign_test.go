package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/outbound-dispatch/internal/data/memstore"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
	"github.com/target/outbound-dispatch/internal/mocks"
	"github.com/target/outbound-dispatch/internal/testutil"
)

func campaignRequest(startAt time.Time, cps float64, contacts ...string) *model.CreateCampaignRequest {
	receivers := make([]model.Receiver, len(contacts))
	for i, c := range contacts {
		receivers[i] = model.Receiver{Contact: c}
	}
	return &model.CreateCampaignRequest{
		Name:                  "spring-promo",
		AgentID:               "agent-7",
		Schedule:              model.CampaignSchedule{StartAt: startAt},
		CPS:                   cps,
		Receivers:             receivers,
		CommunicationChannels: []string{"+15550001", "+15550002"},
	}
}

func TestCreateCampaign_FanOutOffsets(t *testing.T) {
	e := newTestEnv(t)
	start := inOneHour()

	res, err := e.campaignSvc.CreateCampaign(t.Context(),
		campaignRequest(start, 2, "+15551001", "+15551002", "+15551003"))
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	require.Len(t, res.JobIDs, 3)

	want := []time.Time{start, start.Add(500 * time.Millisecond), start.Add(time.Second)}
	for i, id := range res.JobIDs {
		j := e.get(t, id)
		assert.True(t, j.RunAt().Equal(want[i]), "receiver %d: got %s", i, j.RunAt())
		assert.Equal(t, model.JobStatusWaiting, j.Status)
		assert.Equal(t, 5, j.Priority)
		require.NotNil(t, j.CampaignID)
		assert.Equal(t, res.CampaignID, *j.CampaignID)
		assert.Equal(t, "spring-promo", j.Tags["campaign"])
		assert.Equal(t, res.CampaignID, j.Tags["campaign_id"])

		p := j.Payload.(*model.OutboundDispatchPayload)
		assert.Equal(t, "+15550001", p.Channel, "first communication channel")
		assert.Equal(t, "agent-7", p.Agent)
		assert.Equal(t, j.Tags["receiver"], p.To)
		assert.InDelta(t, 2.0, p.CPS, 0)
		assert.NotEmpty(t, p.AccessToken)
		require.Len(t, j.Log, 1)
		assert.Equal(t, "campaign", j.Log[0].Data["source"])
	}

	c, err := e.campaignSvc.GetCampaign(t.Context(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusActive, c.Status)
	assert.Len(t, c.Receivers, 3)
}

func TestCreateCampaign_StartBeyondLookaheadIsDelayed(t *testing.T) {
	e := newTestEnv(t)

	res, err := e.campaignSvc.CreateCampaign(t.Context(),
		campaignRequest(e.clock.Now().Add(2*24*time.Hour), 1, "+15551001"))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusDelayed, e.get(t, res.JobIDs[0]).Status)
}

func TestCreateCampaign_RejectsStartOutsideWindow(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.campaignSvc.CreateCampaign(t.Context(),
		campaignRequest(e.clock.Now().Add(30*time.Second), 1, "+15551001"))
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidSchedule(err))
	assert.Equal(t, "schedule.start_at", apperrors.GetField(err))

	_, err = e.campaignSvc.CreateCampaign(t.Context(),
		campaignRequest(e.clock.Now().Add(15*24*time.Hour), 1, "+15551001"))
	assert.True(t, apperrors.IsInvalidSchedule(err))

	_, err = e.campaignSvc.CreateCampaign(t.Context(), campaignRequest(inOneHour(), 0, "+15551001"))
	assert.Equal(t, "cps", apperrors.GetField(err))
}

func TestCreateCampaign_ReceiverDataAndRetries(t *testing.T) {
	e := newTestEnv(t)
	req := campaignRequest(inOneHour(), 1, "+15551001")
	req.Receivers[0].Name = "Ada"
	req.Receivers[0].Data = map[string]any{"order": "A-1"}
	req.PreContext = map[string]any{"brand": "acme"}
	req.MaxRetries = 2

	res, err := e.campaignSvc.CreateCampaign(t.Context(), req)
	require.NoError(t, err)

	j := e.get(t, res.JobIDs[0])
	p := j.Payload.(*model.OutboundDispatchPayload)
	assert.Equal(t, map[string]any{"brand": "acme", "order": "A-1", "name": "Ada"}, p.PreContext)
	assert.Equal(t, 2, p.MaxRetries)
	require.NotNil(t, j.Schedule.Backoff)
	assert.Equal(t, model.BackoffExponential, j.Schedule.Backoff.Type)
	assert.Equal(t, 2, j.Schedule.Backoff.Attempts.Max, "max_retries maps to re-schedules")
	assert.Nil(t, req.PreContext["order"], "request maps are not mutated")
}

func TestCreateCampaign_CollectsReceiverFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobStore(ctrl)
	clock := testutil.TestTime()

	jobs.EXPECT().
		Create(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, j *model.Job) (string, error) {
			if j.Payload.(*model.OutboundDispatchPayload).To == "+15551002" {
				return "", errors.New("connection reset")
			}
			return j.ID, nil
		}).
		Times(3)

	svc := MustNewCampaignService(CampaignServiceOptions{
		Campaigns:    memstore.NewCampaignStore(nil),
		Jobs:         jobs,
		Config:       defaultSchedulingConfig(),
		TimeProvider: fixedClock(clock),
	})

	res, err := svc.CreateCampaign(t.Context(),
		campaignRequest(clock.Add(time.Hour), 1, "+15551001", "+15551002", "+15551003"))
	require.NoError(t, err)
	assert.Len(t, res.JobIDs, 2)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 1, res.Failures[0].Index)
	assert.Equal(t, "+15551002", res.Failures[0].ID)
	assert.ErrorContains(t, res.Failures[0], "connection reset")
}

func TestSetCampaignStatus(t *testing.T) {
	e := newTestEnv(t)
	res, err := e.campaignSvc.CreateCampaign(t.Context(), campaignRequest(inOneHour(), 1, "+15551001"))
	require.NoError(t, err)

	require.NoError(t, e.campaignSvc.SetCampaignStatus(t.Context(), res.CampaignID, model.CampaignStatusPaused))
	c, err := e.campaignSvc.GetCampaign(t.Context(), res.CampaignID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusPaused, c.Status)

	assert.True(t, apperrors.IsValidation(e.campaignSvc.SetCampaignStatus(t.Context(), res.CampaignID, "bogus")))
}
