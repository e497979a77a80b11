// Package streaming owns live streaming sessions and fans each produced
// Response out to every channel the session was created with.
package streaming

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajsinha/dgfacade/pkg/models"
)

// SessionStatus is the lifecycle position of a streaming session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "ACTIVE"
	SessionStopping SessionStatus = "STOPPING"
	SessionEnded    SessionStatus = "ENDED"
)

// Session is the stateful context of one streaming handler, bounded by a
// TTL. Fields are mutated only by the manager; external readers take
// Snapshot copies.
type Session struct {
	ID            string
	RequestID     string
	RequestType   string
	Channels      []models.ResponseChannel
	ResponseTopic string
	TTL           time.Duration
	StartedAt     time.Time
	ExpiresAt     time.Time
	Credential    string

	mu     sync.Mutex
	status SessionStatus

	seq       atomic.Int64 // per-session envelope sequence (data + final)
	published atomic.Int64 // publisher callback invocations (data only)

	// stop signals the owning execution unit. The session never holds the
	// unit itself — the id-keyed callback breaks the session ↔ handler ↔
	// publisher cycle.
	stop  func(reason string)
	timer *time.Timer
}

// SessionSnapshot is the read-only view served by the admin API.
type SessionSnapshot struct {
	SessionID         string                   `json:"session_id"`
	RequestID         string                   `json:"request_id"`
	RequestType       string                   `json:"request_type"`
	Channels          []models.ResponseChannel `json:"response_channels"`
	ResponseTopic     string                   `json:"response_topic,omitempty"`
	Status            SessionStatus            `json:"status"`
	StartedAt         time.Time                `json:"started_at"`
	ExpiresAt         time.Time                `json:"expires_at"`
	MessagesPublished int64                    `json:"messages_published"`
}

// Ack builds the STREAMING_STARTED acknowledgement carrying the session
// metadata.
func (s *Session) Ack() *models.Response {
	return &models.Response{
		RequestID: s.RequestID,
		Status:    models.StatusStreamingStarted,
		SessionID: s.ID,
		Timestamp: time.Now(),
		Result: map[string]any{
			"session_id":        s.ID,
			"response_channels": s.Channels,
			"expires_at":        s.ExpiresAt,
		},
	}
}

// nextSequence increments and returns the per-session sequence number.
func (s *Session) nextSequence() int64 {
	return s.seq.Add(1)
}

// recordPublish counts one publisher callback invocation.
func (s *Session) recordPublish() {
	s.published.Add(1)
}

// MessagesPublished returns the monotonic publish counter.
func (s *Session) MessagesPublished() int64 {
	return s.published.Load()
}

func (s *Session) setStatus(status SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Status returns the current session status.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns a copy safe for concurrent readers.
func (s *Session) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		SessionID:         s.ID,
		RequestID:         s.RequestID,
		RequestType:       s.RequestType,
		Channels:          append([]models.ResponseChannel(nil), s.Channels...),
		ResponseTopic:     s.ResponseTopic,
		Status:            s.Status(),
		StartedAt:         s.StartedAt,
		ExpiresAt:         s.ExpiresAt,
		MessagesPublished: s.published.Load(),
	}
}
