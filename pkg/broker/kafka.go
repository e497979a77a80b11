package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// kafkaPollWait bounds the consumer long-poll so stop and backpressure
// checks run frequently.
const kafkaPollWait = 200 * time.Millisecond

// kafkaSettings are the connection fields shared by both adapter sides.
type kafkaSettings struct {
	brokers   []string
	clientID  string
	groupID   string
	mechanism sasl.Mechanism
	tlsConfig *tls.Config
}

func parseKafkaSettings(cfg map[string]any) (*kafkaSettings, error) {
	bootstrap := config.String(cfg, "bootstrap_servers", "")
	if bootstrap == "" {
		return nil, fmt.Errorf("kafka config requires bootstrap_servers")
	}

	s := &kafkaSettings{
		brokers:  strings.Split(bootstrap, ","),
		clientID: config.String(cfg, "client_id", "dgfacade"),
		groupID:  config.String(cfg, "group_id", "dgfacade"),
	}
	for i := range s.brokers {
		s.brokers[i] = strings.TrimSpace(s.brokers[i])
	}

	if auth, ok := cfg["authentication"].(map[string]any); ok {
		mech, err := saslMechanism(auth)
		if err != nil {
			return nil, err
		}
		s.mechanism = mech
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

// saslMechanism builds a SASL mechanism from the authentication block.
func saslMechanism(auth map[string]any) (sasl.Mechanism, error) {
	username := config.String(auth, "username", "")
	password := config.String(auth, "password", "")
	mechanism := strings.ToUpper(config.String(auth, "mechanism", "PLAIN"))

	switch mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: username, Password: password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, username, password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, username, password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", mechanism)
	}
}

// probe dials the first broker to verify reachability. Used by the
// reconnect schedule — the kafka-go client manages its own connections, so
// the adapter state machine tracks observed broker health.
func (s *kafkaSettings) probe() error {
	dialer := s.dialer()
	conn, err := dialer.Dial("tcp", s.brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

func (s *kafkaSettings) dialer() *kafka.Dialer {
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		ClientID:      s.clientID,
		SASLMechanism: s.mechanism,
		TLS:           s.tlsConfig,
	}
}

func (s *kafkaSettings) transport() *kafka.Transport {
	return &kafka.Transport{
		ClientID: s.clientID,
		SASL:     s.mechanism,
		TLS:      s.tlsConfig,
	}
}

// --- Publisher ---

// KafkaPublisher publishes envelopes through a shared kafka.Writer.
// Delivery is event-driven: messages go out immediately, no batching window.
type KafkaPublisher struct {
	publisherBase

	settings *kafkaSettings
	writer   *kafka.Writer
}

// NewKafkaPublisher creates an uninitialized Kafka publisher.
func NewKafkaPublisher() *KafkaPublisher {
	return &KafkaPublisher{}
}

// Initialize builds the writer and verifies broker reachability.
func (p *KafkaPublisher) Initialize(cfg map[string]any) error {
	p.initPublisher("kafka-publisher", cfg)
	p.setState(StateConnecting)

	settings, err := parseKafkaSettings(cfg)
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}
	p.settings = settings

	p.writer = &kafka.Writer{
		Addr:                   kafka.TCP(settings.brokers...),
		Balancer:               &kafka.LeastBytes{},
		Transport:              settings.transport(),
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}

	if err := settings.probe(); err != nil {
		p.scheduleReconnect(settings.probe, nil)
		return nil
	}
	p.setState(StateConnected)
	return nil
}

// Publish sends one envelope to a topic.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, env *models.MessageEnvelope) error {
	return p.PublishBatch(ctx, topic, []*models.MessageEnvelope{env})
}

// PublishBatch sends a batch in one writer call.
func (p *KafkaPublisher) PublishBatch(ctx context.Context, topic string, envs []*models.MessageEnvelope) error {
	if p.writer == nil {
		return ErrNotConnected
	}

	msgs := make([]kafka.Message, 0, len(envs))
	for _, env := range envs {
		msgs = append(msgs, kafka.Message{
			Topic:   topic,
			Key:     []byte(env.MessageID),
			Value:   []byte(env.Payload),
			Headers: kafkaHeaders(env.Headers),
		})
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	for range envs {
		p.recordPublish(err)
	}
	if err != nil {
		if p.State() == StateConnected {
			p.scheduleReconnect(p.settings.probe, nil)
		}
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Flush is a no-op: the writer flushes on every WriteMessages call.
func (p *KafkaPublisher) Flush(_ context.Context) error { return nil }

// Stats returns a counters snapshot.
func (p *KafkaPublisher) Stats() PublisherStats { return p.statsSnapshot() }

// Close releases the writer.
func (p *KafkaPublisher) Close() error {
	if !p.closing() {
		return nil
	}
	var err error
	if p.writer != nil {
		err = p.writer.Close()
	}
	p.closed()
	return err
}

func kafkaHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

// --- Subscriber ---

// KafkaSubscriber consumes the union of subscribed topics through one
// group reader. Subscription changes rebuild the reader so the union stays
// current. While the internal queue is saturated the poll loop skips
// fetching — messages stay with Kafka and consumer-group replay semantics
// hold.
type KafkaSubscriber struct {
	subscriberBase

	settings *kafkaSettings

	readerMu sync.Mutex
	reader   *kafka.Reader
	cancelMu sync.Mutex
	cancel   context.CancelFunc
	started  bool
}

// NewKafkaSubscriber creates an uninitialized Kafka subscriber.
func NewKafkaSubscriber() *KafkaSubscriber {
	return &KafkaSubscriber{}
}

// Initialize parses connection settings; the reader is built on Start once
// subscriptions exist.
func (s *KafkaSubscriber) Initialize(cfg map[string]any) error {
	s.initSubscriber("kafka-subscriber", cfg)
	s.setState(StateConnecting)

	settings, err := parseKafkaSettings(cfg)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.settings = settings
	s.setState(StateConnected)
	return nil
}

// Subscribe registers a listener and, when running, rebuilds the reader to
// include the new topic.
func (s *KafkaSubscriber) Subscribe(destination string, l Listener) error {
	s.addListener(destination, l)
	if s.started {
		s.rebuildReader()
	}
	return nil
}

// Unsubscribe drops a listener and shrinks the subscription union.
func (s *KafkaSubscriber) Unsubscribe(destination string) error {
	if !s.removeListener(destination) {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destination)
	}
	if s.started {
		s.rebuildReader()
	}
	return nil
}

// Start launches the dispatch and poll loops.
func (s *KafkaSubscriber) Start(ctx context.Context) error {
	if s.settings == nil {
		return ErrNotConnected
	}
	s.started = true
	s.startDispatch()
	s.rebuildReader()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	}()
	return nil
}

// rebuildReader swaps in a reader covering the current topic union and
// cancels the in-flight fetch so the loop picks up the new reader.
func (s *KafkaSubscriber) rebuildReader() {
	topics := s.Subscriptions()

	s.readerMu.Lock()
	if s.reader != nil {
		_ = s.reader.Close()
		s.reader = nil
	}
	if len(topics) > 0 {
		s.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     s.settings.brokers,
			GroupID:     s.settings.groupID,
			GroupTopics: topics,
			Dialer:      s.settings.dialer(),
			MaxWait:     kafkaPollWait,
		})
	}
	s.readerMu.Unlock()

	s.cancelMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancelMu.Unlock()
}

func (s *KafkaSubscriber) currentReader() *kafka.Reader {
	s.readerMu.Lock()
	defer s.readerMu.Unlock()
	return s.reader
}

func (s *KafkaSubscriber) pollLoop(ctx context.Context) {
	for s.Running() {
		if s.Paused() || s.Saturated() {
			// Backpressure / pause: leave messages with the broker.
			s.sleep(kafkaPollWait)
			continue
		}

		reader := s.currentReader()
		if reader == nil {
			s.sleep(kafkaPollWait)
			continue
		}

		fetchCtx, cancel := context.WithCancel(ctx)
		s.cancelMu.Lock()
		s.cancel = cancel
		s.cancelMu.Unlock()

		msg, err := reader.ReadMessage(fetchCtx)
		cancel()
		if err != nil {
			if fetchCtx.Err() != nil || !s.Running() {
				continue // rebuilt subscription or shutting down
			}
			slog.Warn("Kafka fetch failed", "error", err)
			if s.State() == StateConnected {
				s.scheduleReconnect(s.settings.probe, nil)
			}
			s.sleep(kafkaPollWait)
			continue
		}

		env := &models.MessageEnvelope{
			MessageID: string(msg.Key),
			Topic:     msg.Topic,
			Payload:   string(msg.Value),
			Headers:   fromKafkaHeaders(msg.Headers),
			Timestamp: msg.Time,
			Partition: msg.Partition,
			Offset:    msg.Offset,
		}
		if env.MessageID == "" {
			env.MessageID = uuid.New().String()
		}
		s.enqueue(msg.Topic, env)
	}
}

func (s *KafkaSubscriber) sleep(d time.Duration) {
	select {
	case <-s.stopCh:
	case <-time.After(d):
	}
}

// Stats returns a counters snapshot.
func (s *KafkaSubscriber) Stats() SubscriberStats { return s.statsSnapshot() }

// Close stops the loops and releases the reader. The reader closes first
// so a blocked fetch unblocks before the loops are awaited.
func (s *KafkaSubscriber) Close() error {
	if !s.closing() {
		return nil
	}

	s.readerMu.Lock()
	var err error
	if s.reader != nil {
		err = s.reader.Close()
		s.reader = nil
	}
	s.readerMu.Unlock()

	s.cancelMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancelMu.Unlock()

	s.stopDispatch()
	s.closed()
	return err
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
