package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

// Payload is the job-type specific body of a job. It is a closed set: every
// variant lives in this package and satisfies the unexported marker method,
// so consumers can switch over the concrete types exhaustively.
type Payload interface {
	JobType() JobType
	Validate() error
	payload()
}

// OutboundDispatchPayload is the body of an outbound_dispatch job.
type OutboundDispatchPayload struct {
	// Channel is the dispatch channel reference (e.g. the caller number).
	Channel string `json:"channel"`
	// Agent is the reference of the agent or flow that handles the call.
	Agent string `json:"agent"`
	// To is the destination address.
	To string `json:"to"`
	// CPS is the calls-per-second ceiling for the channel; 0 means unset.
	CPS         float64        `json:"cps,omitempty"`
	AccessToken string         `json:"access_token,omitempty"`
	PreContext  map[string]any `json:"pre_context,omitempty"`
	MaxRetries  int            `json:"max_retries,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

func (*OutboundDispatchPayload) payload() {}

// JobType implements Payload.
func (*OutboundDispatchPayload) JobType() JobType { return JobTypeOutboundDispatch }

// Validate implements Payload.
func (p *OutboundDispatchPayload) Validate() error {
	if strings.TrimSpace(p.Channel) == "" {
		return apperrors.ValidationField("payload.channel", "channel is required")
	}
	if strings.TrimSpace(p.To) == "" {
		return apperrors.ValidationField("payload.to", "destination is required")
	}
	if p.CPS < 0 {
		return apperrors.ValidationField("payload.cps", "cps must not be negative")
	}
	if p.MaxRetries < 0 {
		return apperrors.ValidationField("payload.max_retries", "max retries must be >= 0")
	}
	return nil
}

// EncodePayload serializes a payload variant. A nil payload encodes as JSON null.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return json.RawMessage("null"), nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.JobType(), err)
	}
	return b, nil
}

// DecodePayload parses raw JSON into the variant selected by jobType.
func DecodePayload(jobType JobType, raw json.RawMessage) (Payload, error) {
	switch jobType {
	case JobTypeOutboundDispatch:
		var p OutboundDispatchPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("decode payload: unknown job type %q", jobType)
	}
}

// ClonePayload returns a deep copy of a payload variant.
func ClonePayload(p Payload) Payload {
	switch v := p.(type) {
	case *OutboundDispatchPayload:
		if v == nil {
			return nil
		}
		out := *v
		out.PreContext = maps.Clone(v.PreContext)
		return &out
	default:
		return p
	}
}
