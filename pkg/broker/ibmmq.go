package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// The IBM MQ adapters speak AMQP 1.0 against the queue manager's AMQP
// channel. One sender/receiver link per destination, lazily created.

// ibmmqSettings holds parsed IBM MQ connection fields.
type ibmmqSettings struct {
	url      string
	username string
	password string
	tlsOn    bool
	ssl      *config.SSLConfig
}

func parseIBMMQSettings(cfg map[string]any) (*ibmmqSettings, error) {
	rawURL := config.String(cfg, "url", "")
	if rawURL == "" {
		host := config.String(cfg, "host", "")
		if host == "" {
			return nil, fmt.Errorf("ibmmq config requires url or host")
		}
		port := config.Int(cfg, "port", 5672)
		scheme := "amqp"
		if ssl, ok := sslFromConfig(cfg); ok && ssl.Enabled {
			scheme = "amqps"
		}
		rawURL = fmt.Sprintf("%s://%s:%d", scheme, host, port)
	}

	s := &ibmmqSettings{url: rawURL}
	if auth, ok := cfg["authentication"].(map[string]any); ok {
		s.username = config.String(auth, "username", "")
		s.password = config.String(auth, "password", "")
	}
	if ssl, ok := sslFromConfig(cfg); ok {
		s.ssl = ssl
		s.tlsOn = ssl.Enabled
	}
	return s, nil
}

func (s *ibmmqSettings) dial(ctx context.Context) (*amqp.Conn, error) {
	opts := &amqp.ConnOptions{}
	if s.username != "" {
		opts.SASLType = amqp.SASLTypePlain(s.username, s.password)
	}
	if s.tlsOn {
		tlsCfg, err := BuildTLSConfig(s.ssl)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsCfg
	}
	return amqp.Dial(ctx, s.url, opts)
}

// amqpLink owns one connection + session and the per-destination links.
type amqpLink struct {
	mu        sync.Mutex
	conn      *amqp.Conn
	session   *amqp.Session
	senders   map[string]*amqp.Sender
	receivers map[string]*amqp.Receiver
}

func (l *amqpLink) open(ctx context.Context, settings *ibmmqSettings) error {
	conn, err := settings.dial(ctx)
	if err != nil {
		return err
	}
	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.session = session
	l.senders = make(map[string]*amqp.Sender)
	l.receivers = make(map[string]*amqp.Receiver)
	l.mu.Unlock()
	return nil
}

func (l *amqpLink) sender(ctx context.Context, destination string) (*amqp.Sender, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil, ErrNotConnected
	}
	if s, ok := l.senders[destination]; ok {
		return s, nil
	}
	s, err := l.session.NewSender(ctx, destination, nil)
	if err != nil {
		return nil, err
	}
	l.senders[destination] = s
	return s, nil
}

func (l *amqpLink) receiver(ctx context.Context, destination string, credit int32) (*amqp.Receiver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil, ErrNotConnected
	}
	if r, ok := l.receivers[destination]; ok {
		return r, nil
	}
	r, err := l.session.NewReceiver(ctx, destination, &amqp.ReceiverOptions{
		Credit: credit,
	})
	if err != nil {
		return nil, err
	}
	l.receivers[destination] = r
	return r, nil
}

func (l *amqpLink) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.conn = nil
	l.session = nil
	l.senders = nil
	l.receivers = nil
}

// --- Publisher ---

// IBMMQPublisher publishes envelopes over AMQP 1.0 sender links.
type IBMMQPublisher struct {
	publisherBase

	settings *ibmmqSettings
	link     amqpLink
}

// NewIBMMQPublisher creates an uninitialized IBM MQ publisher.
func NewIBMMQPublisher() *IBMMQPublisher {
	return &IBMMQPublisher{}
}

// Initialize opens the AMQP connection and session.
func (p *IBMMQPublisher) Initialize(cfg map[string]any) error {
	p.initPublisher("ibmmq-publisher", cfg)
	p.setState(StateConnecting)

	settings, err := parseIBMMQSettings(cfg)
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}
	p.settings = settings

	if err := p.connect(); err != nil {
		slog.Warn("IBM MQ initial connect failed", "error", err)
		p.scheduleReconnect(p.connect, nil)
		return nil
	}
	p.setState(StateConnected)
	return nil
}

func (p *IBMMQPublisher) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.link.open(ctx, p.settings)
}

// Publish sends one envelope.
func (p *IBMMQPublisher) Publish(ctx context.Context, topic string, env *models.MessageEnvelope) error {
	if !p.IsConnected() {
		p.recordPublish(ErrNotConnected)
		return ErrNotConnected
	}

	sender, err := p.link.sender(ctx, topic)
	if err != nil {
		p.recordPublish(err)
		return fmt.Errorf("ibmmq sender for %s: %w", topic, err)
	}

	msg := amqp.NewMessage([]byte(env.Payload))
	msg.Properties = &amqp.MessageProperties{MessageID: env.MessageID}
	if len(env.Headers) > 0 {
		msg.ApplicationProperties = make(map[string]any, len(env.Headers))
		for k, v := range env.Headers {
			msg.ApplicationProperties[k] = v
		}
	}

	err = sender.Send(ctx, msg, nil)
	p.recordPublish(err)
	if err != nil {
		if p.State() == StateConnected {
			p.link.close()
			p.scheduleReconnect(p.connect, nil)
		}
		return fmt.Errorf("ibmmq publish to %s: %w", topic, err)
	}
	return nil
}

// PublishBatch sends envelopes sequentially on the shared link.
func (p *IBMMQPublisher) PublishBatch(ctx context.Context, topic string, envs []*models.MessageEnvelope) error {
	for _, env := range envs {
		if err := p.Publish(ctx, topic, env); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op: sends settle synchronously.
func (p *IBMMQPublisher) Flush(_ context.Context) error { return nil }

// Stats returns a counters snapshot.
func (p *IBMMQPublisher) Stats() PublisherStats { return p.statsSnapshot() }

// Close releases the AMQP connection.
func (p *IBMMQPublisher) Close() error {
	if !p.closing() {
		return nil
	}
	p.link.close()
	p.closed()
	return nil
}

// --- Subscriber ---

// IBMMQSubscriber consumes AMQP 1.0 receiver links, one per destination.
// Receive is skipped while the internal queue is saturated so unsettled
// messages stay with the queue manager.
type IBMMQSubscriber struct {
	subscriberBase

	settings *ibmmqSettings
	link     amqpLink
	baseCtx  context.Context
	baseStop context.CancelFunc
}

// NewIBMMQSubscriber creates an uninitialized IBM MQ subscriber.
func NewIBMMQSubscriber() *IBMMQSubscriber {
	return &IBMMQSubscriber{}
}

// Initialize opens the AMQP connection and session.
func (s *IBMMQSubscriber) Initialize(cfg map[string]any) error {
	s.initSubscriber("ibmmq-subscriber", cfg)
	s.setState(StateConnecting)

	settings, err := parseIBMMQSettings(cfg)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.settings = settings
	s.baseCtx, s.baseStop = context.WithCancel(context.Background())

	if err := s.connect(); err != nil {
		slog.Warn("IBM MQ initial connect failed", "error", err)
		s.scheduleReconnect(s.connect, s.resubscribeAll)
		return nil
	}
	s.setState(StateConnected)
	return nil
}

func (s *IBMMQSubscriber) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.link.open(ctx, s.settings)
}

func (s *IBMMQSubscriber) resubscribeAll() {
	for _, dest := range s.Subscriptions() {
		s.startReceiver(dest)
	}
}

// Subscribe registers a listener and starts its receiver loop.
func (s *IBMMQSubscriber) Subscribe(destination string, l Listener) error {
	s.addListener(destination, l)
	if s.IsConnected() {
		s.startReceiver(destination)
	}
	return nil
}

func (s *IBMMQSubscriber) startReceiver(destination string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.receiveLoop(destination)
	}()
}

func (s *IBMMQSubscriber) receiveLoop(destination string) {
	for s.Running() {
		if s.Paused() || s.Saturated() {
			select {
			case <-s.stopCh:
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		if _, ok := s.listener(destination); !ok {
			return // unsubscribed
		}

		receiver, err := s.link.receiver(s.baseCtx, destination, 32)
		if err != nil {
			if s.Running() && s.State() == StateConnected {
				s.link.close()
				s.scheduleReconnect(s.connect, s.resubscribeAll)
			}
			select {
			case <-s.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		msg, err := receiver.Receive(s.baseCtx, nil)
		if err != nil {
			if s.baseCtx.Err() != nil {
				return
			}
			slog.Warn("IBM MQ receive failed", "destination", destination, "error", err)
			s.link.close()
			if s.State() == StateConnected {
				s.scheduleReconnect(s.connect, s.resubscribeAll)
			}
			continue
		}

		env := &models.MessageEnvelope{
			MessageID: messageIDString(msg),
			Topic:     destination,
			Payload:   string(msg.GetData()),
			Headers:   fromApplicationProperties(msg.ApplicationProperties),
			Timestamp: time.Now(),
		}
		if env.MessageID == "" {
			env.MessageID = uuid.New().String()
		}
		s.enqueue(destination, env)
		if err := receiver.AcceptMessage(s.baseCtx, msg); err != nil {
			slog.Warn("IBM MQ accept failed", "destination", destination, "error", err)
		}
	}
}

// Unsubscribe drops a destination; its receive loop exits on next cycle.
func (s *IBMMQSubscriber) Unsubscribe(destination string) error {
	if !s.removeListener(destination) {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destination)
	}
	return nil
}

// Start launches the dispatch loop.
func (s *IBMMQSubscriber) Start(_ context.Context) error {
	s.startDispatch()
	return nil
}

// Stats returns a counters snapshot.
func (s *IBMMQSubscriber) Stats() SubscriberStats { return s.statsSnapshot() }

// Close tears everything down.
func (s *IBMMQSubscriber) Close() error {
	if !s.closing() {
		return nil
	}
	if s.baseStop != nil {
		s.baseStop()
	}
	s.link.close()
	s.stopDispatch()
	s.closed()
	return nil
}

func messageIDString(msg *amqp.Message) string {
	if msg.Properties == nil || msg.Properties.MessageID == nil {
		return ""
	}
	return fmt.Sprintf("%v", msg.Properties.MessageID)
}

func fromApplicationProperties(props map[string]any) map[string]string {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	return out
}
