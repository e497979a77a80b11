package models

import (
	"time"
)

// Response is the outbound envelope produced for every request, including the
// incremental envelopes of a streaming session.
type Response struct {
	RequestID       string         `json:"request_id"`
	Status          ResponseStatus `json:"status"`
	HandlerType     string         `json:"handler_type,omitempty"`
	HandlerID       string         `json:"handler_id,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Message         string         `json:"message,omitempty"`
	Result          map[string]any `json:"result,omitempty"`

	// Streaming metadata — populated only on session envelopes.
	SessionID string `json:"session_id,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
}

// NewSuccessResponse builds a SUCCESS response. A nil result is replaced by
// an empty map so the envelope always carries a result object.
func NewSuccessResponse(requestID string, result map[string]any) *Response {
	if result == nil {
		result = map[string]any{}
	}
	return &Response{
		RequestID: requestID,
		Status:    StatusSuccess,
		Timestamp: time.Now(),
		Result:    result,
	}
}

// NewErrorResponse builds an ERROR response with a human-readable message.
func NewErrorResponse(requestID, message string) *Response {
	return &Response{
		RequestID: requestID,
		Status:    StatusError,
		Timestamp: time.Now(),
		Message:   message,
	}
}

// NewTimeoutResponse builds a TIMEOUT response for a TTL-expired execution.
func NewTimeoutResponse(requestID, message string) *Response {
	return &Response{
		RequestID: requestID,
		Status:    StatusTimeout,
		Timestamp: time.Now(),
		Message:   message,
	}
}

// Clone returns a shallow copy with its own result map. Fan-out delivery
// mutates per-channel copies, never the handler's original.
func (r *Response) Clone() *Response {
	cp := *r
	if r.Result != nil {
		cp.Result = make(map[string]any, len(r.Result))
		for k, v := range r.Result {
			cp.Result[k] = v
		}
	}
	return &cp
}
