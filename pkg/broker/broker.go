// Package broker implements the publisher/subscriber adapters for every
// supported broker protocol behind a common contract: connection state
// machine, reconnection with exponential backoff, and subscriber-side
// backpressure that stops pulling instead of dropping.
package broker

import (
	"context"
	"errors"

	"github.com/ajsinha/dgfacade/pkg/models"
)

// ConnState is the adapter connection state machine position.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
	StatePaused       ConnState = "PAUSED"
	StateClosing      ConnState = "CLOSING"
	StateClosed       ConnState = "CLOSED"
)

var (
	// ErrNotConnected indicates the adapter has no live broker connection.
	ErrNotConnected = errors.New("broker not connected")

	// ErrClosed indicates the adapter has been closed and cannot be reused.
	ErrClosed = errors.New("broker adapter closed")

	// ErrUnknownDestination indicates an unsubscribe for an unknown destination.
	ErrUnknownDestination = errors.New("unknown destination")
)

// PublisherStats is a point-in-time publisher counters snapshot.
type PublisherStats struct {
	State      ConnState `json:"state"`
	Published  int64     `json:"published"`
	Failed     int64     `json:"failed"`
	Reconnects int64     `json:"reconnects"`
	Topics     int       `json:"topics"`
}

// SubscriberStats is a point-in-time subscriber counters snapshot.
type SubscriberStats struct {
	State       ConnState `json:"state"`
	Received    int64     `json:"received"`
	Dispatched  int64     `json:"dispatched"`
	Failed      int64     `json:"failed"`
	Reconnects  int64     `json:"reconnects"`
	QueueDepth  int       `json:"queue_depth"`
	Subscribers int       `json:"subscribers"`
}

// Listener consumes envelopes delivered by a subscriber's dispatch loop.
// Delivery preserves the broker's own ordering within a destination.
type Listener func(env *models.MessageEnvelope)

// Publisher is the common contract for broker-bound egress.
type Publisher interface {
	// Initialize opens the connection using the merged channel config.
	Initialize(cfg map[string]any) error
	// Publish sends one envelope to a topic.
	Publish(ctx context.Context, topic string, env *models.MessageEnvelope) error
	// PublishBatch sends a batch; adapters without native batching loop.
	PublishBatch(ctx context.Context, topic string, envs []*models.MessageEnvelope) error
	// AddTopic pre-registers a topic (declares queues where the broker
	// requires it).
	AddTopic(topic string) error
	// Flush forces out any buffered messages.
	Flush(ctx context.Context) error
	IsConnected() bool
	Stats() PublisherStats
	Close() error
}

// Subscriber is the common contract for broker-bound ingress.
type Subscriber interface {
	// Initialize opens the connection using the merged channel config.
	Initialize(cfg map[string]any) error
	// Subscribe registers a listener for a destination. Effective
	// immediately when running; re-established after reconnects.
	Subscribe(destination string, l Listener) error
	Unsubscribe(destination string) error
	// Start launches the poll and dispatch loops. Blocks only until the
	// loops are running.
	Start(ctx context.Context) error
	Pause()
	Resume()
	Close() error
	Subscriptions() []string
	QueueDepth() int
	Stats() SubscriberStats
}
