package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request is the canonical unit of work entering the gateway, regardless of
// the ingress channel it arrived on.
type Request struct {
	RequestID        string            `json:"request_id,omitempty"`
	RequestType      string            `json:"request_type"`
	UserID           string            `json:"user_id,omitempty"`
	APIKey           string            `json:"api_key,omitempty"`
	Source           Source            `json:"source,omitempty"`
	Payload          map[string]any    `json:"payload,omitempty"`
	TTLMinutes       int               `json:"ttl_minutes,omitempty"`
	Streaming        bool              `json:"streaming,omitempty"`
	ResponseChannels []ResponseChannel `json:"response_channels,omitempty"`
	ResponseTopic    string            `json:"response_topic,omitempty"`

	SubmittedAt        time.Time `json:"submitted_at,omitempty"`
	ExecutionStartedAt time.Time `json:"execution_started_at,omitempty"`
}

// ParseRequest decodes a request from its JSON wire form and stamps the
// ingress source. Used by ingesters and the manual-submit API.
func ParseRequest(data []byte, source Source) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request JSON: %w", err)
	}
	req.Source = source
	return &req, nil
}

// Normalize assigns a request ID if absent, uppercases the request type, and
// stamps the submission time. Safe to call more than once.
func (r *Request) Normalize() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	r.RequestType = strings.ToUpper(strings.TrimSpace(r.RequestType))
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now()
	}
}

// Validate checks the structural invariants that hold for every request.
// Handler resolution is the dispatcher's concern, not validation.
func (r *Request) Validate() error {
	if r.RequestType == "" {
		return fmt.Errorf("request_type is required")
	}
	if r.Streaming {
		if len(r.ResponseChannels) == 0 {
			return fmt.Errorf("streaming request requires at least one response channel")
		}
		for _, ch := range r.ResponseChannels {
			if !ch.IsValid() {
				return fmt.Errorf("unknown response channel %q", ch)
			}
			if ch.IsBroker() && r.ResponseTopic == "" {
				return fmt.Errorf("response_topic is required for broker channel %s", ch)
			}
		}
	}
	return nil
}

// EffectiveTTL returns the request's TTL override, or the handler default
// when the request carries none.
func (r *Request) EffectiveTTL(handlerDefault time.Duration) time.Duration {
	if r.TTLMinutes > 0 {
		return time.Duration(r.TTLMinutes) * time.Minute
	}
	return handlerDefault
}
