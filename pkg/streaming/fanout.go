package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ajsinha/dgfacade/pkg/broker"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// restBufferCap bounds each session's REST pull buffer; the oldest entries
// fall off when a client never drains.
const restBufferCap = 1000

// publishTimeout bounds one broker delivery so a stalled adapter cannot pin
// fan-out goroutines forever.
const publishTimeout = 10 * time.Second

// WebSocketGateway delivers a payload to every client subscribed to a
// stream destination. Implemented by the API layer's stream manager.
type WebSocketGateway interface {
	Broadcast(destination string, payload []byte)
}

// Fanout routes one Response to each of a session's channels. Channels are
// independent: a slow or missing channel is logged and skipped, never
// delaying the others or failing the session.
type Fanout struct {
	streamPrefix string

	mu      sync.RWMutex
	ws      WebSocketGateway
	brokers map[models.ResponseChannel]broker.Publisher

	rest *RestBuffer
}

// NewFanout creates a fan-out publisher. streamPrefix is the WebSocket
// destination prefix (default "stream").
func NewFanout(streamPrefix string) *Fanout {
	if streamPrefix == "" {
		streamPrefix = "stream"
	}
	return &Fanout{
		streamPrefix: streamPrefix,
		brokers:      make(map[models.ResponseChannel]broker.Publisher),
		rest:         NewRestBuffer(),
	}
}

// SetWebSocketGateway installs the WEBSOCKET egress.
func (f *Fanout) SetWebSocketGateway(ws WebSocketGateway) {
	f.mu.Lock()
	f.ws = ws
	f.mu.Unlock()
}

// RegisterBroker installs the egress publisher for one broker channel kind.
func (f *Fanout) RegisterBroker(kind models.ResponseChannel, pub broker.Publisher) {
	f.mu.Lock()
	f.brokers[kind] = pub
	f.mu.Unlock()
}

// Rest exposes the REST pull buffer.
func (f *Fanout) Rest() *RestBuffer { return f.rest }

// Deliver sends one Response to every session channel, once per channel.
// Broker and WebSocket deliveries run in their own goroutines so one slow
// channel cannot delay the rest.
func (f *Fanout) Deliver(sess *Session, resp *models.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Fan-out marshal failed", "session_id", sess.ID, "error", err)
		return
	}

	for _, ch := range sess.Channels {
		switch ch {
		case models.ChannelWebSocket:
			f.mu.RLock()
			ws := f.ws
			f.mu.RUnlock()
			if ws == nil {
				slog.Warn("WebSocket gateway not available, skipping channel",
					"session_id", sess.ID)
				continue
			}
			dest := f.streamPrefix + "/" + sess.ID
			go ws.Broadcast(dest, payload)

		case models.ChannelREST:
			f.rest.Append(sess.ID, resp)

		default: // broker channels
			f.mu.RLock()
			pub, ok := f.brokers[ch]
			f.mu.RUnlock()
			if !ok {
				slog.Warn("No publisher for channel, skipping",
					"session_id", sess.ID, "channel", ch)
				continue
			}
			go f.deliverBroker(sess, ch, pub, resp)
		}
	}
}

func (f *Fanout) deliverBroker(sess *Session, ch models.ResponseChannel, pub broker.Publisher, resp *models.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	env := models.NewEnvelope(sess.ResponseTopic, string(data))
	env.Headers["session_id"] = sess.ID
	env.Headers["request_id"] = sess.RequestID

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := pub.Publish(ctx, sess.ResponseTopic, env); err != nil {
		// Skipped, not fatal: other channels and the session continue.
		slog.Warn("Fan-out broker delivery failed",
			"session_id", sess.ID, "channel", ch,
			"topic", sess.ResponseTopic, "error", err)
	}
}

// Purge drops a session's REST buffer.
func (f *Fanout) Purge(sessionID string) {
	f.rest.Purge(sessionID)
}

// RestBuffer holds per-session response queues for the REST pull endpoint.
type RestBuffer struct {
	mu      sync.Mutex
	buffers map[string][]*models.Response
}

// NewRestBuffer creates an empty buffer set.
func NewRestBuffer() *RestBuffer {
	return &RestBuffer{buffers: make(map[string][]*models.Response)}
}

// Append adds a response to a session's buffer, evicting the oldest entry
// at capacity.
func (b *RestBuffer) Append(sessionID string, resp *models.Response) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := append(b.buffers[sessionID], resp)
	if len(buf) > restBufferCap {
		buf = buf[len(buf)-restBufferCap:]
	}
	b.buffers[sessionID] = buf
}

// Drain returns and clears a session's buffered responses.
func (b *RestBuffer) Drain(sessionID string) []*models.Response {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.buffers[sessionID]
	delete(b.buffers, sessionID)
	return buf
}

// Purge drops a session's buffer without returning it.
func (b *RestBuffer) Purge(sessionID string) {
	b.mu.Lock()
	delete(b.buffers, sessionID)
	b.mu.Unlock()
}

// Len returns the buffered count for a session.
func (b *RestBuffer) Len(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffers[sessionID])
}
