package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// rabbitSettings holds parsed RabbitMQ connection fields.
type rabbitSettings struct {
	url      string
	exchange string
	prefetch int
}

func parseRabbitSettings(cfg map[string]any) (*rabbitSettings, error) {
	rawURL := config.String(cfg, "url", "")
	if rawURL == "" {
		host := config.String(cfg, "host", "")
		if host == "" {
			return nil, fmt.Errorf("rabbitmq config requires url or host")
		}
		port := config.Int(cfg, "port", 5672)
		vhost := config.String(cfg, "vhost", "/")

		username, password := "guest", "guest"
		if auth, ok := cfg["authentication"].(map[string]any); ok {
			username = config.String(auth, "username", username)
			password = config.String(auth, "password", password)
		}
		path := "/"
		if vhost != "/" {
			path = "/" + url.PathEscape(vhost)
		}
		rawURL = fmt.Sprintf("amqp://%s:%s@%s:%d%s",
			url.QueryEscape(username), url.QueryEscape(password), host, port, path)
	}

	return &rabbitSettings{
		url:      rawURL,
		exchange: config.String(cfg, "exchange", ""),
		prefetch: config.Int(cfg, "prefetch", 100),
	}, nil
}

// rabbitConn pairs a connection with its channel and guards both.
type rabbitConn struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (r *rabbitConn) open(settings *rabbitSettings) error {
	conn, err := amqp.Dial(settings.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	r.mu.Lock()
	r.conn, r.ch = conn, ch
	r.mu.Unlock()
	return nil
}

func (r *rabbitConn) channel() *amqp.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch
}

func (r *rabbitConn) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil {
		_ = r.ch.Close()
		r.ch = nil
	}
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

// --- Publisher ---

// RabbitMQPublisher publishes to queues (default exchange) or to a
// configured exchange with the topic as routing key.
type RabbitMQPublisher struct {
	publisherBase

	settings *rabbitSettings
	rc       rabbitConn
}

// NewRabbitMQPublisher creates an uninitialized RabbitMQ publisher.
func NewRabbitMQPublisher() *RabbitMQPublisher {
	return &RabbitMQPublisher{}
}

// Initialize opens the connection and channel.
func (p *RabbitMQPublisher) Initialize(cfg map[string]any) error {
	p.initPublisher("rabbitmq-publisher", cfg)
	p.setState(StateConnecting)

	settings, err := parseRabbitSettings(cfg)
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}
	p.settings = settings

	if err := p.connect(); err != nil {
		slog.Warn("RabbitMQ initial connect failed", "error", err)
		p.scheduleReconnect(p.connect, p.redeclareTopics)
		return nil
	}
	p.setState(StateConnected)
	return nil
}

func (p *RabbitMQPublisher) connect() error {
	return p.rc.open(p.settings)
}

// AddTopic declares the backing queue when publishing through the default
// exchange, so messages published before any consumer exists are not lost.
func (p *RabbitMQPublisher) AddTopic(topic string) error {
	if err := p.publisherBase.AddTopic(topic); err != nil {
		return err
	}
	if p.settings.exchange != "" {
		return nil
	}
	ch := p.rc.channel()
	if ch == nil {
		return nil // declared by redeclareTopics after reconnect
	}
	_, err := ch.QueueDeclare(topic, true, false, false, false, nil)
	return err
}

// redeclareTopics re-declares known queues after a reconnect.
func (p *RabbitMQPublisher) redeclareTopics() {
	p.topicMu.RLock()
	topics := make([]string, 0, len(p.topics))
	for t := range p.topics {
		topics = append(topics, t)
	}
	p.topicMu.RUnlock()

	ch := p.rc.channel()
	if ch == nil || p.settings.exchange != "" {
		return
	}
	for _, t := range topics {
		if _, err := ch.QueueDeclare(t, true, false, false, false, nil); err != nil {
			slog.Warn("RabbitMQ queue redeclare failed", "queue", t, "error", err)
		}
	}
}

// Publish sends one envelope.
func (p *RabbitMQPublisher) Publish(ctx context.Context, topic string, env *models.MessageEnvelope) error {
	ch := p.rc.channel()
	if ch == nil || !p.IsConnected() {
		p.recordPublish(ErrNotConnected)
		return ErrNotConnected
	}

	headers := amqp.Table{}
	for k, v := range env.Headers {
		headers[k] = v
	}

	err := ch.PublishWithContext(ctx, p.settings.exchange, topic, false, false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   env.MessageID,
			Timestamp:   env.Timestamp,
			Headers:     headers,
			Body:        []byte(env.Payload),
		})
	p.recordPublish(err)
	if err != nil {
		if p.State() == StateConnected {
			p.rc.close()
			p.scheduleReconnect(p.connect, p.redeclareTopics)
		}
		return fmt.Errorf("rabbitmq publish to %s: %w", topic, err)
	}
	return nil
}

// PublishBatch sends envelopes sequentially on the shared channel.
func (p *RabbitMQPublisher) PublishBatch(ctx context.Context, topic string, envs []*models.MessageEnvelope) error {
	for _, env := range envs {
		if err := p.Publish(ctx, topic, env); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op: publishes go to the socket immediately.
func (p *RabbitMQPublisher) Flush(_ context.Context) error { return nil }

// Stats returns a counters snapshot.
func (p *RabbitMQPublisher) Stats() PublisherStats { return p.statsSnapshot() }

// Close tears down the channel and connection.
func (p *RabbitMQPublisher) Close() error {
	if !p.closing() {
		return nil
	}
	p.rc.close()
	p.closed()
	return nil
}

// --- Subscriber ---

// RabbitMQSubscriber consumes one queue per destination with manual acks.
// Prefetch bounds in-flight deliveries; while the internal queue is
// saturated the loop stops acknowledging, which stops the broker pushing.
type RabbitMQSubscriber struct {
	subscriberBase

	settings *rabbitSettings
	rc       rabbitConn
}

// NewRabbitMQSubscriber creates an uninitialized RabbitMQ subscriber.
func NewRabbitMQSubscriber() *RabbitMQSubscriber {
	return &RabbitMQSubscriber{}
}

// Initialize opens the connection and channel and applies prefetch.
func (s *RabbitMQSubscriber) Initialize(cfg map[string]any) error {
	s.initSubscriber("rabbitmq-subscriber", cfg)
	s.setState(StateConnecting)

	settings, err := parseRabbitSettings(cfg)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.settings = settings

	if err := s.connect(); err != nil {
		slog.Warn("RabbitMQ initial connect failed", "error", err)
		s.scheduleReconnect(s.connect, s.resubscribeAll)
		return nil
	}
	s.setState(StateConnected)
	return nil
}

func (s *RabbitMQSubscriber) connect() error {
	if err := s.rc.open(s.settings); err != nil {
		return err
	}
	if ch := s.rc.channel(); ch != nil {
		if err := ch.Qos(s.settings.prefetch, 0, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *RabbitMQSubscriber) resubscribeAll() {
	for _, dest := range s.Subscriptions() {
		if err := s.openConsumer(dest); err != nil {
			slog.Warn("RabbitMQ resubscribe failed", "destination", dest, "error", err)
		}
	}
}

// Subscribe registers a listener and starts its consumer.
func (s *RabbitMQSubscriber) Subscribe(destination string, l Listener) error {
	s.addListener(destination, l)
	if !s.IsConnected() {
		return nil
	}
	return s.openConsumer(destination)
}

func (s *RabbitMQSubscriber) openConsumer(destination string) error {
	ch := s.rc.channel()
	if ch == nil {
		return ErrNotConnected
	}

	if _, err := ch.QueueDeclare(destination, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq declare %s: %w", destination, err)
	}
	deliveries, err := ch.Consume(destination, "dgfacade-"+destination, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume %s: %w", destination, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.receiveLoop(destination, deliveries)
	}()
	return nil
}

func (s *RabbitMQSubscriber) receiveLoop(destination string, deliveries <-chan amqp.Delivery) {
	for s.Running() {
		if s.Paused() || s.Saturated() {
			select {
			case <-s.stopCh:
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		select {
		case <-s.stopCh:
			return
		case d, ok := <-deliveries:
			if !ok {
				if s.Running() && s.State() == StateConnected {
					s.rc.close()
					s.scheduleReconnect(s.connect, s.resubscribeAll)
				}
				return
			}
			env := &models.MessageEnvelope{
				MessageID: d.MessageId,
				Topic:     destination,
				Payload:   string(d.Body),
				Headers:   fromAMQPTable(d.Headers),
				Timestamp: d.Timestamp,
			}
			if env.MessageID == "" {
				env.MessageID = fmt.Sprintf("%s-%d", destination, d.DeliveryTag)
			}
			s.enqueue(destination, env)
			if err := d.Ack(false); err != nil {
				slog.Warn("RabbitMQ ack failed", "destination", destination, "error", err)
			}
		}
	}
}

// Unsubscribe cancels a destination's consumer.
func (s *RabbitMQSubscriber) Unsubscribe(destination string) error {
	if !s.removeListener(destination) {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destination)
	}
	if ch := s.rc.channel(); ch != nil {
		return ch.Cancel("dgfacade-"+destination, false)
	}
	return nil
}

// Start launches the dispatch loop; consumers run per destination.
func (s *RabbitMQSubscriber) Start(_ context.Context) error {
	s.startDispatch()
	return nil
}

// Stats returns a counters snapshot.
func (s *RabbitMQSubscriber) Stats() SubscriberStats { return s.statsSnapshot() }

// Close tears everything down.
func (s *RabbitMQSubscriber) Close() error {
	if !s.closing() {
		return nil
	}
	s.rc.close()
	s.stopDispatch()
	s.closed()
	return nil
}

func fromAMQPTable(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]string, len(t))
	for k, v := range t {
		if str, ok := v.(string); ok {
			out[k] = str
		}
	}
	return out
}
