package model

import "time"

// DispatchRequest is the input of a single dispatch target call.
type DispatchRequest struct {
	JobID       string         `json:"job_id"`
	Channel     string         `json:"channel"`
	Agent       string         `json:"agent"`
	To          string         `json:"to"`
	PreContext  map[string]any `json:"pre_context,omitempty"`
	AccessToken string         `json:"access_token,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

// NewDispatchRequest builds the dispatch call for an outbound payload.
func NewDispatchRequest(jobID string, p *OutboundDispatchPayload) DispatchRequest {
	return DispatchRequest{
		JobID:       jobID,
		Channel:     p.Channel,
		Agent:       p.Agent,
		To:          p.To,
		PreContext:  p.PreContext,
		AccessToken: p.AccessToken,
		CallbackURL: p.CallbackURL,
	}
}

// CallDescriptor is the provider's record of a placed call.
type CallDescriptor struct {
	SID         string     `json:"sid"`
	Status      string     `json:"status"`
	Duration    string     `json:"duration,omitempty"`
	Price       string     `json:"price,omitempty"`
	Direction   string     `json:"direction,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	DateCreated *time.Time `json:"date_created,omitempty"`
}
