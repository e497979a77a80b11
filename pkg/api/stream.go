package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// StreamManager manages WebSocket connections and their stream-destination
// subscriptions. It is the WEBSOCKET egress of the fan-out publisher: each
// streaming session publishes to destination "stream/<session_id>" and
// every connection subscribed to that destination receives the envelope.
type StreamManager struct {
	// Active connections: connection_id → *StreamConn
	connections map[string]*StreamConn
	mu          sync.RWMutex

	// Destination subscriptions: destination → set of connection_ids
	destinations map[string]map[string]bool
	destMu       sync.RWMutex

	writeTimeout time.Duration
}

// StreamConn is a single WebSocket client.
//
// subscriptions is accessed without a lock: all reads and writes happen on
// the goroutine that owns the connection (HandleConnection's read loop and
// its deferred cleanup).
type StreamConn struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// ClientMessage is what stream clients send.
type ClientMessage struct {
	Action      string `json:"action"`
	Destination string `json:"destination,omitempty"`
}

// NewStreamManager creates a stream manager.
func NewStreamManager(writeTimeout time.Duration) *StreamManager {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &StreamManager{
		connections:  make(map[string]*StreamConn),
		destinations: make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages one WebSocket connection's lifecycle. Blocks
// until the connection closes.
func (m *StreamManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &StreamConn{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid stream client message", "connection_id", connID, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

func (m *StreamManager) handleClientMessage(c *StreamConn, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Destination == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "destination is required"})
			return
		}
		m.subscribe(c, msg.Destination)
		m.sendJSON(c, map[string]string{
			"type":        "subscription.confirmed",
			"destination": msg.Destination,
		})

	case "unsubscribe":
		if msg.Destination == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "destination is required"})
			return
		}
		m.unsubscribe(c, msg.Destination)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// Broadcast sends a payload to every connection subscribed to the
// destination. Implements the fan-out WebSocketGateway contract.
func (m *StreamManager) Broadcast(destination string, payload []byte) {
	m.destMu.RLock()
	connIDs, exists := m.destinations[destination]
	if !exists {
		m.destMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.destMu.RUnlock()

	// Snapshot connection pointers before sending so a slow write (up to
	// writeTimeout per connection) never holds the registry lock.
	m.mu.RLock()
	conns := make([]*StreamConn, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, payload); err != nil {
			slog.Warn("Stream send failed", "connection_id", conn.ID, "error", err)
		}
	}
}

// ActiveConnections returns the live connection count.
func (m *StreamManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// SubscriberCount returns the subscriber count for a destination.
func (m *StreamManager) SubscriberCount(destination string) int {
	m.destMu.RLock()
	defer m.destMu.RUnlock()
	return len(m.destinations[destination])
}

func (m *StreamManager) subscribe(c *StreamConn, destination string) {
	m.destMu.Lock()
	if _, exists := m.destinations[destination]; !exists {
		m.destinations[destination] = make(map[string]bool)
	}
	m.destinations[destination][c.ID] = true
	m.destMu.Unlock()

	c.subscriptions[destination] = true
}

func (m *StreamManager) unsubscribe(c *StreamConn, destination string) {
	m.destMu.Lock()
	if subs, exists := m.destinations[destination]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.destinations, destination)
		}
	}
	m.destMu.Unlock()

	delete(c.subscriptions, destination)
}

func (m *StreamManager) register(c *StreamConn) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
}

func (m *StreamManager) unregister(c *StreamConn) {
	for dest := range c.subscriptions {
		m.unsubscribe(c, dest)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *StreamManager) sendJSON(c *StreamConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Stream send failed", "connection_id", c.ID, "error", err)
	}
}

func (m *StreamManager) sendRaw(c *StreamConn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
