package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/google/uuid"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// The ActiveMQ adapters speak STOMP. Destinations are queue-typed by
// default; "topic:" and "queue:" prefixes (or a destination_type key)
// select the JMS destination kind.

// stompSettings holds parsed connection fields.
type stompSettings struct {
	addr      string
	username  string
	password  string
	tlsConfig *tls.Config
	destType  string // "queue" or "topic"
}

func parseStompSettings(cfg map[string]any) (*stompSettings, error) {
	host := config.String(cfg, "host", "")
	if host == "" {
		return nil, fmt.Errorf("activemq config requires host")
	}
	port := config.Int(cfg, "port", 61613)

	s := &stompSettings{
		addr:     net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		destType: strings.ToLower(config.String(cfg, "destination_type", "queue")),
	}
	if auth, ok := cfg["authentication"].(map[string]any); ok {
		s.username = config.String(auth, "username", "")
		s.password = config.String(auth, "password", "")
	} else {
		s.username = config.String(cfg, "username", "")
		s.password = config.String(cfg, "password", "")
	}

	if ssl, ok := sslFromConfig(cfg); ok {
		tlsCfg, err := BuildTLSConfig(ssl)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = tlsCfg
	}
	return s, nil
}

// dial opens a STOMP connection, over TLS when configured.
func (s *stompSettings) dial() (*stomp.Conn, error) {
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Login(s.username, s.password),
		stomp.ConnOpt.HeartBeat(10*time.Second, 10*time.Second),
	}

	if s.tlsConfig != nil {
		netConn, err := tls.Dial("tcp", s.addr, s.tlsConfig)
		if err != nil {
			return nil, err
		}
		return stomp.Connect(netConn, opts...)
	}
	return stomp.Dial("tcp", s.addr, opts...)
}

// stompDestination renders a JMS-style destination path.
func (s *stompSettings) stompDestination(name string) string {
	kind := s.destType
	switch {
	case strings.HasPrefix(name, "topic:"):
		kind, name = "topic", strings.TrimPrefix(name, "topic:")
	case strings.HasPrefix(name, "queue:"):
		kind, name = "queue", strings.TrimPrefix(name, "queue:")
	}
	return fmt.Sprintf("/%s/%s", kind, name)
}

// --- Publisher ---

// ActiveMQPublisher publishes envelopes over one STOMP connection.
type ActiveMQPublisher struct {
	publisherBase

	settings *stompSettings

	connMu sync.Mutex
	conn   *stomp.Conn
}

// NewActiveMQPublisher creates an uninitialized ActiveMQ publisher.
func NewActiveMQPublisher() *ActiveMQPublisher {
	return &ActiveMQPublisher{}
}

// Initialize connects to the broker; a failed first connect schedules
// reconnection instead of failing the adapter.
func (p *ActiveMQPublisher) Initialize(cfg map[string]any) error {
	p.initPublisher("activemq-publisher", cfg)
	p.setState(StateConnecting)

	settings, err := parseStompSettings(cfg)
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}
	p.settings = settings

	if err := p.connect(); err != nil {
		slog.Warn("ActiveMQ initial connect failed", "error", err)
		p.scheduleReconnect(p.connect, nil)
		return nil
	}
	p.setState(StateConnected)
	return nil
}

func (p *ActiveMQPublisher) connect() error {
	conn, err := p.settings.dial()
	if err != nil {
		return err
	}
	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()
	return nil
}

// Publish sends one envelope.
func (p *ActiveMQPublisher) Publish(_ context.Context, topic string, env *models.MessageEnvelope) error {
	p.connMu.Lock()
	conn := p.conn
	p.connMu.Unlock()
	if conn == nil || !p.IsConnected() {
		p.recordPublish(ErrNotConnected)
		return ErrNotConnected
	}

	err := conn.Send(p.settings.stompDestination(topic), "application/json",
		[]byte(env.Payload),
		stomp.SendOpt.Header("message-id", env.MessageID))
	p.recordPublish(err)
	if err != nil {
		if p.State() == StateConnected {
			p.scheduleReconnect(p.connect, nil)
		}
		return fmt.Errorf("activemq publish to %s: %w", topic, err)
	}
	return nil
}

// PublishBatch sends envelopes sequentially; STOMP has no batch frame.
func (p *ActiveMQPublisher) PublishBatch(ctx context.Context, topic string, envs []*models.MessageEnvelope) error {
	for _, env := range envs {
		if err := p.Publish(ctx, topic, env); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op: sends are synchronous frames.
func (p *ActiveMQPublisher) Flush(_ context.Context) error { return nil }

// Stats returns a counters snapshot.
func (p *ActiveMQPublisher) Stats() PublisherStats { return p.statsSnapshot() }

// Close disconnects.
func (p *ActiveMQPublisher) Close() error {
	if !p.closing() {
		return nil
	}
	p.connMu.Lock()
	conn := p.conn
	p.conn = nil
	p.connMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Disconnect()
	}
	p.closed()
	return err
}

// --- Subscriber ---

// ActiveMQSubscriber consumes one STOMP subscription per destination
// (mirroring one JMS MessageConsumer per destination). Client-individual
// acks keep unconsumed messages with the broker under backpressure.
type ActiveMQSubscriber struct {
	subscriberBase

	settings *stompSettings

	connMu sync.Mutex
	conn   *stomp.Conn
	subs   map[string]*stomp.Subscription
}

// NewActiveMQSubscriber creates an uninitialized ActiveMQ subscriber.
func NewActiveMQSubscriber() *ActiveMQSubscriber {
	return &ActiveMQSubscriber{}
}

// Initialize connects to the broker.
func (s *ActiveMQSubscriber) Initialize(cfg map[string]any) error {
	s.initSubscriber("activemq-subscriber", cfg)
	s.setState(StateConnecting)

	settings, err := parseStompSettings(cfg)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.settings = settings
	s.subs = make(map[string]*stomp.Subscription)

	if err := s.connect(); err != nil {
		slog.Warn("ActiveMQ initial connect failed", "error", err)
		s.scheduleReconnect(s.connect, s.resubscribeAll)
		return nil
	}
	s.setState(StateConnected)
	return nil
}

func (s *ActiveMQSubscriber) connect() error {
	conn, err := s.settings.dial()
	if err != nil {
		return err
	}
	s.connMu.Lock()
	s.conn = conn
	s.subs = make(map[string]*stomp.Subscription)
	s.connMu.Unlock()
	return nil
}

// resubscribeAll re-establishes every registered subscription after a
// reconnect.
func (s *ActiveMQSubscriber) resubscribeAll() {
	for _, dest := range s.Subscriptions() {
		if err := s.openSubscription(dest); err != nil {
			slog.Warn("ActiveMQ resubscribe failed", "destination", dest, "error", err)
		}
	}
}

// Subscribe registers a listener and opens its STOMP subscription.
func (s *ActiveMQSubscriber) Subscribe(destination string, l Listener) error {
	s.addListener(destination, l)
	if !s.IsConnected() {
		return nil // opened by resubscribeAll after reconnect
	}
	return s.openSubscription(destination)
}

func (s *ActiveMQSubscriber) openSubscription(destination string) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	sub, err := conn.Subscribe(s.settings.stompDestination(destination),
		stomp.AckClientIndividual)
	if err != nil {
		return fmt.Errorf("activemq subscribe %s: %w", destination, err)
	}

	s.connMu.Lock()
	s.subs[destination] = sub
	s.connMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.receiveLoop(destination, sub, conn)
	}()
	return nil
}

// receiveLoop drains one subscription. While saturated or paused it stops
// reading — unacked messages stay with the broker.
func (s *ActiveMQSubscriber) receiveLoop(destination string, sub *stomp.Subscription, conn *stomp.Conn) {
	for s.Running() {
		if s.Paused() || s.Saturated() {
			select {
			case <-s.stopCh:
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		msg, ok := <-sub.C
		if !ok {
			// Subscription died with the connection; the reconnect path
			// reopens it.
			if s.Running() && s.State() == StateConnected {
				s.scheduleReconnect(s.connect, s.resubscribeAll)
			}
			return
		}
		if msg.Err != nil {
			slog.Warn("ActiveMQ receive error", "destination", destination, "error", msg.Err)
			continue
		}

		env := &models.MessageEnvelope{
			MessageID: msg.Header.Get("message-id"),
			Topic:     destination,
			Payload:   string(msg.Body),
			Timestamp: time.Now(),
		}
		if env.MessageID == "" {
			env.MessageID = uuid.New().String()
		}
		s.enqueue(destination, env)
		if err := conn.Ack(msg); err != nil {
			slog.Warn("ActiveMQ ack failed", "destination", destination, "error", err)
		}
	}
}

// Unsubscribe tears down one destination's subscription.
func (s *ActiveMQSubscriber) Unsubscribe(destination string) error {
	if !s.removeListener(destination) {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destination)
	}

	s.connMu.Lock()
	sub := s.subs[destination]
	delete(s.subs, destination)
	s.connMu.Unlock()

	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

// Start launches the dispatch loop; receive loops run per subscription.
func (s *ActiveMQSubscriber) Start(_ context.Context) error {
	s.startDispatch()
	return nil
}

// Stats returns a counters snapshot.
func (s *ActiveMQSubscriber) Stats() SubscriberStats { return s.statsSnapshot() }

// Close disconnects and stops all loops.
func (s *ActiveMQSubscriber) Close() error {
	if !s.closing() {
		return nil
	}

	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		_ = conn.Disconnect()
	}
	s.stopDispatch()
	s.closed()
	return nil
}
