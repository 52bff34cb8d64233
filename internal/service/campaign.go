package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/target/outbound-dispatch/config"
	"github.com/target/outbound-dispatch/internal/core"
	domainjob "github.com/target/outbound-dispatch/internal/domain/job"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
	"github.com/target/outbound-dispatch/internal/observability/metrics"
	"github.com/target/outbound-dispatch/internal/observability/statsd"
)

// Default retry policy for campaign jobs that set max_retries without a backoff.
const (
	defaultCampaignBackoffType  = model.BackoffExponential
	defaultCampaignBackoffDelay = int64(60_000)
)

// ItemFailure records one element of a batch that could not be processed.
type ItemFailure struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Err   error  `json:"-"`
}

// Error implements error.
func (f ItemFailure) Error() string {
	if f.ID != "" {
		return fmt.Sprintf("item %d (%s): %v", f.Index, f.ID, f.Err)
	}
	return fmt.Sprintf("item %d: %v", f.Index, f.Err)
}

// FanOutResult summarises a campaign fan-out.
type FanOutResult struct {
	CampaignID string        `json:"campaign_id"`
	JobIDs     []string      `json:"job_ids"`
	Failures   []ItemFailure `json:"failures,omitempty"`
}

// CampaignServiceOptions groups dependencies for CampaignService.
type CampaignServiceOptions struct {
	Campaigns core.CampaignStore      // Required: campaign store
	Jobs      core.JobStore           // Required: job store
	Config    config.SchedulingConfig // Required: scheduling window and defaults

	Tokens       core.TokenMinter  // Optional: mints payload access tokens
	Sync         core.SyncTrigger  // Optional: triggered after fan-out
	TimeProvider core.TimeProvider // Optional: clock override for tests
	Logger       *slog.Logger      // Optional: structured logger
	Metrics      statsd.Sink       // Optional: metrics sink
}

// CampaignService expands campaigns into one job per receiver.
type CampaignService struct {
	campaigns core.CampaignStore
	jobs      core.JobStore
	cfg       config.SchedulingConfig
	tokens    core.TokenMinter
	sync      core.SyncTrigger
	clock     core.TimeProvider
	logger    *slog.Logger
	metrics   statsd.Sink
}

// NewCampaignService constructs a new CampaignService.
func NewCampaignService(opts CampaignServiceOptions) (*CampaignService, error) {
	if opts.Campaigns == nil {
		return nil, errors.New("CampaignStore is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobStore is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CampaignService{
		campaigns: opts.Campaigns,
		jobs:      opts.Jobs,
		cfg:       cfg,
		tokens:    opts.Tokens,
		sync:      opts.Sync,
		clock:     core.OrRealTime(opts.TimeProvider),
		logger:    logger.With("component", "campaign_service"),
		metrics:   opts.Metrics,
	}, nil
}

// MustNewCampaignService constructs a new CampaignService and panics on error.
func MustNewCampaignService(opts CampaignServiceOptions) *CampaignService {
	svc, err := NewCampaignService(opts)
	if err != nil {
		panic("failed to create CampaignService: " + err.Error())
	}
	return svc
}

// CreateCampaign persists the campaign and creates one job per receiver,
// receiver i running floor(i*1000/cps) ms after the start. A receiver that
// fails is recorded in the result and does not stop the others.
func (s *CampaignService) CreateCampaign(ctx context.Context, req *model.CreateCampaignRequest) (*FanOutResult, error) {
	if req == nil {
		return nil, apperrors.Validation("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	startAt := req.Schedule.StartAt.UTC()
	if err := schedulingWindow(s.cfg).Validate("schedule.start_at", startAt, now); err != nil {
		return nil, err
	}

	campaign := &model.Campaign{
		Name:                  req.Name,
		AgentID:               req.AgentID,
		Schedule:              model.CampaignSchedule{StartAt: startAt, EndAt: req.Schedule.EndAt},
		CPS:                   req.CPS,
		Receivers:             req.Receivers,
		CommunicationChannels: req.CommunicationChannels,
		Status:                model.CampaignStatusActive,
	}
	campaignID, err := s.campaigns.Create(ctx, campaign)
	if err != nil {
		return nil, err
	}
	campaign.ID = campaignID

	start := s.clock.Now()
	res := &FanOutResult{CampaignID: campaignID, JobIDs: make([]string, 0, len(req.Receivers))}
	for i, rc := range req.Receivers {
		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, ItemFailure{Index: i, ID: rc.Contact, Err: err})
			continue
		}
		id, err := s.createReceiverJob(ctx, campaign, req, i, now)
		if err != nil {
			s.logger.WarnContext(ctx, "campaign receiver failed",
				"campaign_id", campaignID,
				"receiver", rc.Contact,
				"index", i,
				"error", err,
			)
			res.Failures = append(res.Failures, ItemFailure{Index: i, ID: rc.Contact, Err: err})
			continue
		}
		res.JobIDs = append(res.JobIDs, id)
	}

	metrics.EmitPass(s.metrics, metrics.PassMetric{
		Name:      "campaign.fan_out",
		Processed: len(res.JobIDs),
		Failed:    len(res.Failures),
		Duration:  s.clock.Now().Sub(start),
		At:        s.clock.Now(),
	})
	s.logger.InfoContext(ctx, "campaign fanned out",
		"campaign_id", campaignID,
		"name", req.Name,
		"jobs", len(res.JobIDs),
		"failures", len(res.Failures),
		"start_at", startAt,
		"cps", req.CPS,
	)
	triggerSync(ctx, s.sync)
	return res, nil
}

func (s *CampaignService) createReceiverJob(
	ctx context.Context,
	c *model.Campaign,
	req *model.CreateCampaignRequest,
	i int,
	now time.Time,
) (string, error) {
	rc := req.Receivers[i]
	runAt := domainjob.FanOutRunAt(c.Schedule.StartAt, i, c.CPS)
	jobID := uuid.NewString()

	token, err := mintToken(ctx, s.tokens, jobID, runAt)
	if err != nil {
		return "", err
	}

	preContext := maps.Clone(req.PreContext)
	if len(rc.Data) > 0 || rc.Name != "" {
		if preContext == nil {
			preContext = make(map[string]any, len(rc.Data)+1)
		}
		maps.Copy(preContext, rc.Data)
		if rc.Name != "" {
			preContext["name"] = rc.Name
		}
	}

	campaignID := c.ID
	status := domainjob.InitialStatus(runAt, now, s.cfg.SyncLookahead)
	j := &model.Job{
		ID:         jobID,
		CampaignID: &campaignID,
		Type:       model.JobTypeOutboundDispatch,
		Status:     status,
		Priority:   s.cfg.DefaultPriority,
		Schedule: model.Schedule{
			Type:    model.ScheduleTypeOnce,
			RunAt:   &runAt,
			Backoff: campaignBackoff(req),
		},
		Payload: &model.OutboundDispatchPayload{
			Channel:     c.CommunicationChannels[0],
			Agent:       c.AgentID,
			To:          rc.Contact,
			CPS:         c.CPS,
			AccessToken: token,
			PreContext:  preContext,
			MaxRetries:  req.MaxRetries,
			CallbackURL: req.CallbackURL,
		},
		Tags: map[string]string{
			"campaign":       c.Name,
			"campaign_id":    c.ID,
			"receiver":       rc.Contact,
			"receiver_index": strconv.Itoa(i),
		},
		Log: []model.LogEntry{model.NewLogEntry(model.LogLevelInfo, now, "job created from campaign",
			"source", "campaign",
			"campaign_id", c.ID,
			"receiver_index", i,
			"run_at", runAt,
			"status", status,
		)},
	}
	return s.jobs.Create(ctx, j)
}

// campaignBackoff returns the request backoff, or an exponential policy
// re-scheduling a failed dispatch up to max_retries times.
func campaignBackoff(req *model.CreateCampaignRequest) *model.Backoff {
	if req.Backoff != nil {
		b := *req.Backoff
		b.Attempts.Made = 0
		return &b
	}
	if req.MaxRetries <= 0 {
		return nil
	}
	return &model.Backoff{
		Type:     defaultCampaignBackoffType,
		DelayMs:  defaultCampaignBackoffDelay,
		Attempts: model.Attempts{Max: req.MaxRetries},
	}
}

// GetCampaign returns a campaign by id.
func (s *CampaignService) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	return s.campaigns.Get(ctx, id)
}

// SetCampaignStatus records an operator status change on a campaign.
func (s *CampaignService) SetCampaignStatus(ctx context.Context, id string, status model.CampaignStatus) error {
	if !status.Valid() {
		return apperrors.ValidationField("status", "invalid campaign status")
	}
	if err := s.campaigns.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "campaign status updated", "campaign_id", id, "status", status)
	return nil
}
