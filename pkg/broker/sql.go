package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// The SQL adapters use a PostgreSQL table per topic as the transport.
// The publisher batches INSERTs and flushes on a schedule; the subscriber
// polls PENDING rows in insertion order and marks them DONE on enqueue.

// sqlSettings holds parsed SQL transport fields.
type sqlSettings struct {
	dsn           string
	pollInterval  time.Duration
	flushInterval time.Duration
	batchLimit    int
}

func parseSQLSettings(cfg map[string]any) (*sqlSettings, error) {
	dsn := config.String(cfg, "url", config.String(cfg, "dsn", ""))
	if dsn == "" {
		host := config.String(cfg, "host", "")
		if host == "" {
			return nil, fmt.Errorf("sql config requires url or host")
		}
		username, password := "", ""
		if auth, ok := cfg["authentication"].(map[string]any); ok {
			username = config.String(auth, "username", "")
			password = config.String(auth, "password", "")
		}
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
			username, password, host,
			config.Int(cfg, "port", 5432),
			config.String(cfg, "database", "dgfacade"))
	}

	return &sqlSettings{
		dsn:           dsn,
		pollInterval:  time.Duration(config.Int(cfg, "poll_interval_seconds", 5)) * time.Second,
		flushInterval: time.Duration(config.Int(cfg, "flush_interval_seconds", 5)) * time.Second,
		batchLimit:    config.Int(cfg, "batch_limit", 100),
	}, nil
}

// messageTableDDL creates a topic's transport table on first use.
const messageTableDDL = `CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	message_id TEXT NOT NULL,
	topic TEXT NOT NULL,
	payload TEXT NOT NULL,
	headers JSONB,
	status TEXT NOT NULL DEFAULT 'PENDING',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func tableIdent(topic string) string {
	return pgx.Identifier{topic}.Sanitize()
}

// --- Publisher ---

// SQLPublisher buffers envelopes and flushes them as batched INSERTs.
type SQLPublisher struct {
	publisherBase

	settings *sqlSettings
	pool     *pgxpool.Pool

	bufMu  sync.Mutex
	buffer map[string][]*models.MessageEnvelope

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSQLPublisher creates an uninitialized SQL publisher.
func NewSQLPublisher() *SQLPublisher {
	return &SQLPublisher{}
}

// Initialize opens the connection pool and starts the flush schedule.
func (p *SQLPublisher) Initialize(cfg map[string]any) error {
	p.initPublisher("sql-publisher", cfg)
	p.setState(StateConnecting)

	settings, err := parseSQLSettings(cfg)
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}
	p.settings = settings
	p.buffer = make(map[string][]*models.MessageEnvelope)
	p.stopCh = make(chan struct{})

	if err := p.connect(); err != nil {
		slog.Warn("SQL initial connect failed", "error", err)
		p.scheduleReconnect(p.connect, nil)
	} else {
		p.setState(StateConnected)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.flushLoop()
	}()
	return nil
}

func (p *SQLPublisher) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, p.settings.dsn)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return err
	}
	p.bufMu.Lock()
	p.pool = pool
	p.bufMu.Unlock()
	return nil
}

// AddTopic creates the topic's transport table when absent.
func (p *SQLPublisher) AddTopic(topic string) error {
	if err := p.publisherBase.AddTopic(topic); err != nil {
		return err
	}
	p.bufMu.Lock()
	pool := p.pool
	p.bufMu.Unlock()
	if pool == nil {
		return nil
	}
	_, err := pool.Exec(context.Background(), fmt.Sprintf(messageTableDDL, tableIdent(topic)))
	return err
}

func (p *SQLPublisher) flushLoop() {
	ticker := time.NewTicker(p.settings.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.Flush(context.Background()); err != nil {
				slog.Warn("SQL flush failed", "error", err)
			}
		}
	}
}

// Publish buffers one envelope for the next flush.
func (p *SQLPublisher) Publish(_ context.Context, topic string, env *models.MessageEnvelope) error {
	p.bufMu.Lock()
	p.buffer[topic] = append(p.buffer[topic], env)
	p.bufMu.Unlock()
	return nil
}

// PublishBatch buffers a batch for the next flush.
func (p *SQLPublisher) PublishBatch(ctx context.Context, topic string, envs []*models.MessageEnvelope) error {
	for _, env := range envs {
		if err := p.Publish(ctx, topic, env); err != nil {
			return err
		}
	}
	return nil
}

// Flush inserts all buffered envelopes in one batch per topic.
func (p *SQLPublisher) Flush(ctx context.Context) error {
	p.bufMu.Lock()
	pending := p.buffer
	p.buffer = make(map[string][]*models.MessageEnvelope)
	pool := p.pool
	p.bufMu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if pool == nil || !p.IsConnected() {
		// Keep the batch for the next flush after reconnect.
		p.bufMu.Lock()
		for topic, envs := range pending {
			p.buffer[topic] = append(envs, p.buffer[topic]...)
		}
		p.bufMu.Unlock()
		return ErrNotConnected
	}

	var firstErr error
	for topic, envs := range pending {
		batch := &pgx.Batch{}
		insert := fmt.Sprintf(
			"INSERT INTO %s (message_id, topic, payload, headers, status, created_at) VALUES ($1, $2, $3, $4, 'PENDING', $5)",
			tableIdent(topic))
		for _, env := range envs {
			headers, _ := json.Marshal(env.Headers)
			batch.Queue(insert, env.MessageID, env.Topic, env.Payload, headers, env.Timestamp)
		}

		err := pool.SendBatch(ctx, batch).Close()
		for range envs {
			p.recordPublish(err)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if p.State() == StateConnected {
				p.scheduleReconnect(p.connect, nil)
			}
		}
	}
	return firstErr
}

// Stats returns a counters snapshot.
func (p *SQLPublisher) Stats() PublisherStats { return p.statsSnapshot() }

// Close flushes once more and releases the pool.
func (p *SQLPublisher) Close() error {
	if !p.closing() {
		return nil
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	err := p.Flush(context.Background())

	p.bufMu.Lock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	p.bufMu.Unlock()

	p.closed()
	return err
}

// --- Subscriber ---

// SQLSubscriber polls PENDING rows per destination table and marks them
// DONE as they are enqueued. Saturation skips the poll cycle, leaving rows
// PENDING.
type SQLSubscriber struct {
	subscriberBase

	settings *sqlSettings

	poolMu sync.Mutex
	pool   *pgxpool.Pool
}

// NewSQLSubscriber creates an uninitialized SQL subscriber.
func NewSQLSubscriber() *SQLSubscriber {
	return &SQLSubscriber{}
}

// Initialize opens the connection pool.
func (s *SQLSubscriber) Initialize(cfg map[string]any) error {
	s.initSubscriber("sql-subscriber", cfg)
	s.setState(StateConnecting)

	settings, err := parseSQLSettings(cfg)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.settings = settings

	if err := s.connect(); err != nil {
		slog.Warn("SQL initial connect failed", "error", err)
		s.scheduleReconnect(s.connect, nil)
		return nil
	}
	s.setState(StateConnected)
	return nil
}

func (s *SQLSubscriber) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, s.settings.dsn)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return err
	}
	s.poolMu.Lock()
	s.pool = pool
	s.poolMu.Unlock()
	return nil
}

// Subscribe registers a listener and ensures the destination table exists.
func (s *SQLSubscriber) Subscribe(destination string, l Listener) error {
	s.addListener(destination, l)

	s.poolMu.Lock()
	pool := s.pool
	s.poolMu.Unlock()
	if pool != nil {
		if _, err := pool.Exec(context.Background(),
			fmt.Sprintf(messageTableDDL, tableIdent(destination))); err != nil {
			return fmt.Errorf("sql prepare table %s: %w", destination, err)
		}
	}
	return nil
}

// Unsubscribe drops a destination.
func (s *SQLSubscriber) Unsubscribe(destination string) error {
	if !s.removeListener(destination) {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destination)
	}
	return nil
}

// Start launches the dispatch and poll loops.
func (s *SQLSubscriber) Start(ctx context.Context) error {
	s.startDispatch()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	}()
	return nil
}

func (s *SQLSubscriber) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.settings.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.Paused() || s.Saturated() || !s.IsConnected() {
				continue // skip poll cycle; rows stay PENDING
			}
			for _, dest := range s.Subscriptions() {
				s.pollDestination(ctx, dest)
			}
		}
	}
}

func (s *SQLSubscriber) pollDestination(ctx context.Context, destination string) {
	s.poolMu.Lock()
	pool := s.pool
	s.poolMu.Unlock()
	if pool == nil {
		return
	}

	table := tableIdent(destination)
	rows, err := pool.Query(ctx, fmt.Sprintf(
		"SELECT id, message_id, payload, headers, created_at FROM %s WHERE status = 'PENDING' ORDER BY id LIMIT $1",
		table), s.settings.batchLimit)
	if err != nil {
		slog.Warn("SQL poll failed", "destination", destination, "error", err)
		if s.State() == StateConnected {
			s.scheduleReconnect(s.connect, nil)
		}
		return
	}

	type row struct {
		id        int64
		messageID string
		payload   string
		headers   []byte
		createdAt time.Time
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.messageID, &r.payload, &r.headers, &r.createdAt); err != nil {
			slog.Warn("SQL row scan failed", "destination", destination, "error", err)
			continue
		}
		pending = append(pending, r)
	}
	rows.Close()

	for _, r := range pending {
		if s.Saturated() || !s.Running() {
			return
		}
		var headers map[string]string
		if len(r.headers) > 0 {
			_ = json.Unmarshal(r.headers, &headers)
		}
		s.enqueue(destination, &models.MessageEnvelope{
			MessageID: r.messageID,
			Topic:     destination,
			Payload:   r.payload,
			Headers:   headers,
			Timestamp: r.createdAt,
			Offset:    r.id,
		})
		if _, err := pool.Exec(ctx, fmt.Sprintf(
			"UPDATE %s SET status = 'DONE' WHERE id = $1", table), r.id); err != nil {
			slog.Warn("SQL mark DONE failed", "destination", destination, "id", r.id, "error", err)
		}
	}
}

// Stats returns a counters snapshot.
func (s *SQLSubscriber) Stats() SubscriberStats { return s.statsSnapshot() }

// Close stops the loops and releases the pool.
func (s *SQLSubscriber) Close() error {
	if !s.closing() {
		return nil
	}
	s.stopDispatch()

	s.poolMu.Lock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	s.poolMu.Unlock()

	s.closed()
	return nil
}
