package model

import (
	"fmt"
	"maps"
	"strings"
	"time"

	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// Valid returns true if the status is known.
func (s CampaignStatus) Valid() bool {
	return s == CampaignStatusActive || s == CampaignStatusPaused || s == CampaignStatusCompleted
}

// Receiver is one contact a campaign dials.
type Receiver struct {
	Contact string         `json:"contact"`
	Name    string         `json:"name,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// CampaignSchedule bounds when a campaign runs.
type CampaignSchedule struct {
	StartAt time.Time  `json:"start_at"`
	EndAt   *time.Time `json:"end_at,omitempty"`
}

// Campaign is a named burst of outbound work expanded into one job per receiver.
type Campaign struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	AgentID  string           `json:"agent_id"`
	Schedule CampaignSchedule `json:"schedule"`
	// CPS is the calls-per-second ceiling used to space receivers.
	CPS                   float64        `json:"cps"`
	Receivers             []Receiver     `json:"receivers"`
	CommunicationChannels []string       `json:"communication_channels"`
	Status                CampaignStatus `json:"status"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the campaign.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	out := *c
	out.Schedule.EndAt = cloneTime(c.Schedule.EndAt)
	out.Receivers = make([]Receiver, len(c.Receivers))
	for i, r := range c.Receivers {
		r.Data = maps.Clone(r.Data)
		out.Receivers[i] = r
	}
	out.CommunicationChannels = append([]string(nil), c.CommunicationChannels...)
	return &out
}

// CreateCampaignRequest represents a request to create a campaign and fan it out.
type CreateCampaignRequest struct {
	Name                  string           `json:"name"`
	AgentID               string           `json:"agent_id"`
	Schedule              CampaignSchedule `json:"schedule"`
	CPS                   float64          `json:"cps"`
	Receivers             []Receiver       `json:"receivers"`
	CommunicationChannels []string         `json:"communication_channels"`

	// Optional settings copied onto every generated job.
	PreContext  map[string]any `json:"pre_context,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
	MaxRetries  int            `json:"max_retries,omitempty"`
	Backoff     *Backoff       `json:"backoff,omitempty"`
}

// Validate checks the request shape. The start window is checked by the job domain package.
func (r *CreateCampaignRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return apperrors.ValidationField("name", "campaign name is required")
	}
	if strings.TrimSpace(r.AgentID) == "" {
		return apperrors.ValidationField("agent_id", "agent is required")
	}
	if r.Schedule.StartAt.IsZero() {
		return apperrors.ValidationField("schedule.start_at", "start_at is required")
	}
	if r.Schedule.EndAt != nil && !r.Schedule.EndAt.After(r.Schedule.StartAt) {
		return apperrors.ValidationField("schedule.end_at", "end_at must be after start_at")
	}
	if r.CPS <= 0 {
		return apperrors.ValidationField("cps", "cps must be greater than zero")
	}
	if len(r.Receivers) == 0 {
		return apperrors.ValidationField("receivers", "at least one receiver is required")
	}
	for i, rc := range r.Receivers {
		if strings.TrimSpace(rc.Contact) == "" {
			return apperrors.ValidationField(fmt.Sprintf("receivers[%d].contact", i), "receiver contact is required")
		}
	}
	if len(r.CommunicationChannels) == 0 || strings.TrimSpace(r.CommunicationChannels[0]) == "" {
		return apperrors.ValidationField("communication_channels", "at least one communication channel is required")
	}
	if r.MaxRetries < 0 {
		return apperrors.ValidationField("max_retries", "max retries must be >= 0")
	}
	if r.Backoff != nil {
		return r.Backoff.Validate()
	}
	return nil
}
