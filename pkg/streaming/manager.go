package streaming

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajsinha/dgfacade/pkg/models"
)

// ErrSessionNotFound indicates the session id resolves to no live session.
var ErrSessionNotFound = errors.New("streaming session not found")

// restPurgeGrace is how long a closed session's REST buffer survives so
// pull clients can still fetch the final events.
const restPurgeGrace = 60 * time.Second

// Manager owns every live streaming session. A session exists exactly as
// long as its execution unit is alive: the unit opens it before
// ExecuteStreaming and closes it on its teardown path.
type Manager struct {
	fanout *Fanout

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager delivering through fanout.
func NewManager(fanout *Fanout) *Manager {
	return &Manager{
		fanout:   fanout,
		sessions: make(map[string]*Session),
	}
}

// Open creates a session for a streaming request and arms its TTL timer.
// stop is the execution unit's cancellation entry point — the session holds
// only this callback, never the unit.
func (m *Manager) Open(req *models.Request, ttl time.Duration, stop func(reason string)) (*Session, error) {
	if len(req.ResponseChannels) == 0 {
		return nil, fmt.Errorf("streaming session requires response channels")
	}

	now := time.Now()
	sess := &Session{
		ID:            uuid.New().String(),
		RequestID:     req.RequestID,
		RequestType:   req.RequestType,
		Channels:      append([]models.ResponseChannel(nil), req.ResponseChannels...),
		ResponseTopic: req.ResponseTopic,
		TTL:           ttl,
		StartedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Credential:    req.APIKey,
		status:        SessionActive,
		stop:          stop,
	}
	sess.timer = time.AfterFunc(ttl, func() {
		slog.Info("Streaming session TTL expired", "session_id", sess.ID)
		stop("ttl_expired")
	})

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	slog.Info("Streaming session opened",
		"session_id", sess.ID,
		"request_id", req.RequestID,
		"channels", sess.Channels,
		"expires_at", sess.ExpiresAt)
	return sess, nil
}

// Publish stamps one incremental Response and fans it out to the session's
// channels. Sequence numbers strictly increase per session.
func (m *Manager) Publish(sessionID string, resp *models.Response) error {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	out := resp.Clone()
	out.RequestID = sess.RequestID
	out.Status = models.StatusStreamingData
	out.SessionID = sessionID
	out.Sequence = sess.nextSequence()
	sess.recordPublish()
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}

	m.fanout.Deliver(sess, out)
	return nil
}

// Stop triggers explicit termination of a session. The actual teardown
// happens on the execution unit's exit path, which calls Close.
func (m *Manager) Stop(sessionID string) error {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	sess.setStatus(SessionStopping)
	sess.stop("stopped")
	return nil
}

// Close publishes the final STREAMING_ENDED envelope and removes the
// session. Called exactly once by the owning execution unit after the
// handler's stop/cleanup sequence has run.
func (m *Manager) Close(sessionID string, final *models.Response, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.timer.Stop()
	sess.setStatus(SessionEnded)

	ended := &models.Response{
		RequestID: sess.RequestID,
		Status:    models.StatusStreamingEnded,
		SessionID: sessionID,
		Sequence:  sess.nextSequence(),
		Timestamp: time.Now(),
		Message:   reason,
		Result: map[string]any{
			"session_id":         sessionID,
			"reason":             reason,
			"messages_published": sess.MessagesPublished(),
		},
	}
	if final != nil {
		ended.HandlerID = final.HandlerID
		ended.HandlerType = final.HandlerType
		ended.ExecutionTimeMs = final.ExecutionTimeMs
		if final.Result != nil {
			ended.Result["final_result"] = final.Result
		}
	}

	m.fanout.Deliver(sess, ended)

	// Keep the REST buffer around briefly so pull clients see the tail.
	time.AfterFunc(restPurgeGrace, func() { m.fanout.Purge(sessionID) })

	slog.Info("Streaming session closed",
		"session_id", sessionID,
		"reason", reason,
		"messages_published", sess.MessagesPublished())
}

// Get returns a live session's snapshot.
func (m *Manager) Get(sessionID string) (SessionSnapshot, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return SessionSnapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.Snapshot(), nil
}

// List returns snapshots of every live session.
func (m *Manager) List() []SessionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Fanout exposes the delivery layer (REST pull endpoint, wiring).
func (m *Manager) Fanout() *Fanout { return m.fanout }
