package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// The filesystem adapters treat a directory per topic as the transport:
// one file = one envelope. The publisher batches writes and flushes on a
// schedule; the subscriber polls by modification time and moves consumed
// files to processed/ (or error/ for unreadable and empty ones).

const (
	processedDir = "processed"
	errorDir     = "error"
)

// fsSettings holds parsed filesystem transport fields.
type fsSettings struct {
	baseDir       string
	pollInterval  time.Duration
	flushInterval time.Duration
}

func parseFSSettings(cfg map[string]any) (*fsSettings, error) {
	baseDir := config.String(cfg, "base_dir", config.String(cfg, "directory", ""))
	if baseDir == "" {
		return nil, fmt.Errorf("filesystem config requires base_dir")
	}
	return &fsSettings{
		baseDir:       baseDir,
		pollInterval:  time.Duration(config.Int(cfg, "poll_interval_seconds", 5)) * time.Second,
		flushInterval: time.Duration(config.Int(cfg, "flush_interval_seconds", 5)) * time.Second,
	}, nil
}

func (s *fsSettings) topicDir(topic string) string {
	return filepath.Join(s.baseDir, topic)
}

// --- Publisher ---

// FilesystemPublisher buffers envelopes and flushes them to disk on a
// schedule (or explicitly). One JSON file per envelope, named so that
// lexical order matches publish order.
type FilesystemPublisher struct {
	publisherBase

	settings *fsSettings

	bufMu  sync.Mutex
	buffer map[string][]*models.MessageEnvelope
	seq    int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFilesystemPublisher creates an uninitialized filesystem publisher.
func NewFilesystemPublisher() *FilesystemPublisher {
	return &FilesystemPublisher{}
}

// Initialize verifies the base directory and starts the flush schedule.
func (p *FilesystemPublisher) Initialize(cfg map[string]any) error {
	p.initPublisher("filesystem-publisher", cfg)
	p.setState(StateConnecting)

	settings, err := parseFSSettings(cfg)
	if err != nil {
		p.setState(StateDisconnected)
		return err
	}
	p.settings = settings
	p.buffer = make(map[string][]*models.MessageEnvelope)
	p.stopCh = make(chan struct{})

	if err := os.MkdirAll(settings.baseDir, 0o755); err != nil {
		p.setState(StateDisconnected)
		return fmt.Errorf("creating base_dir: %w", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.flushLoop()
	}()

	p.setState(StateConnected)
	return nil
}

func (p *FilesystemPublisher) flushLoop() {
	ticker := time.NewTicker(p.settings.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.Flush(context.Background()); err != nil {
				slog.Warn("Filesystem flush failed", "error", err)
			}
		}
	}
}

// Publish buffers one envelope for the next flush.
func (p *FilesystemPublisher) Publish(_ context.Context, topic string, env *models.MessageEnvelope) error {
	if !p.IsConnected() {
		p.recordPublish(ErrNotConnected)
		return ErrNotConnected
	}
	p.bufMu.Lock()
	p.buffer[topic] = append(p.buffer[topic], env)
	p.bufMu.Unlock()
	return nil
}

// PublishBatch buffers a batch for the next flush.
func (p *FilesystemPublisher) PublishBatch(ctx context.Context, topic string, envs []*models.MessageEnvelope) error {
	for _, env := range envs {
		if err := p.Publish(ctx, topic, env); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes all buffered envelopes to their topic directories.
func (p *FilesystemPublisher) Flush(_ context.Context) error {
	p.bufMu.Lock()
	pending := p.buffer
	p.buffer = make(map[string][]*models.MessageEnvelope)
	p.bufMu.Unlock()

	var firstErr error
	for topic, envs := range pending {
		dir := p.settings.topicDir(topic)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			firstErr = err
			for range envs {
				p.recordPublish(err)
			}
			continue
		}
		for _, env := range envs {
			err := p.writeEnvelope(dir, env)
			p.recordPublish(err)
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *FilesystemPublisher) writeEnvelope(dir string, env *models.MessageEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	p.bufMu.Lock()
	p.seq++
	seq := p.seq
	p.bufMu.Unlock()

	name := fmt.Sprintf("%d-%06d-%s.json", env.Timestamp.UnixNano(), seq, env.MessageID)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	// Rename so the subscriber never sees a half-written file.
	return os.Rename(tmp, filepath.Join(dir, name))
}

// Stats returns a counters snapshot.
func (p *FilesystemPublisher) Stats() PublisherStats { return p.statsSnapshot() }

// Close flushes once more and stops the schedule.
func (p *FilesystemPublisher) Close() error {
	if !p.closing() {
		return nil
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	err := p.Flush(context.Background())
	p.closed()
	return err
}

// --- Subscriber ---

// FilesystemSubscriber polls one directory per destination. Files are
// processed in modification-time order; consumed files move to processed/,
// unreadable or empty ones to error/. Both subdirectories are created on
// first use.
type FilesystemSubscriber struct {
	subscriberBase

	settings *fsSettings
}

// NewFilesystemSubscriber creates an uninitialized filesystem subscriber.
func NewFilesystemSubscriber() *FilesystemSubscriber {
	return &FilesystemSubscriber{}
}

// Initialize verifies the base directory.
func (s *FilesystemSubscriber) Initialize(cfg map[string]any) error {
	s.initSubscriber("filesystem-subscriber", cfg)
	s.setState(StateConnecting)

	settings, err := parseFSSettings(cfg)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.settings = settings

	if err := os.MkdirAll(settings.baseDir, 0o755); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("creating base_dir: %w", err)
	}
	s.setState(StateConnected)
	return nil
}

// Subscribe registers a listener and prepares the destination's working
// directories.
func (s *FilesystemSubscriber) Subscribe(destination string, l Listener) error {
	dir := s.settings.topicDir(destination)
	for _, sub := range []string{"", processedDir, errorDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("preparing %s: %w", destination, err)
		}
	}
	s.addListener(destination, l)
	return nil
}

// Unsubscribe drops a destination.
func (s *FilesystemSubscriber) Unsubscribe(destination string) error {
	if !s.removeListener(destination) {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destination)
	}
	return nil
}

// Start launches the dispatch and poll loops.
func (s *FilesystemSubscriber) Start(_ context.Context) error {
	s.startDispatch()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop()
	}()
	return nil
}

func (s *FilesystemSubscriber) pollLoop() {
	ticker := time.NewTicker(s.settings.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.Paused() || s.Saturated() {
				continue // skip poll cycle; files stay in place
			}
			for _, dest := range s.Subscriptions() {
				s.pollDestination(dest)
			}
		}
	}
}

// PollNow runs one poll cycle immediately. Used by tests and the ingester
// manual path.
func (s *FilesystemSubscriber) PollNow() {
	for _, dest := range s.Subscriptions() {
		s.pollDestination(dest)
	}
}

func (s *FilesystemSubscriber) pollDestination(destination string) {
	dir := s.settings.topicDir(destination)
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("Filesystem poll failed", "destination", destination, "error", err)
		return
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	for _, f := range files {
		if s.Saturated() || !s.Running() {
			return
		}
		s.consumeFile(destination, dir, f.name)
	}
}

// consumeFile reads one file, delivers it, and files it away. Envelope JSON
// round-trips losslessly; any other content becomes the payload verbatim.
func (s *FilesystemSubscriber) consumeFile(destination, dir, name string) {
	path := filepath.Join(dir, name)

	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		s.failed.Add(1)
		s.moveTo(path, filepath.Join(dir, errorDir, name))
		return
	}

	var env models.MessageEnvelope
	if jsonErr := json.Unmarshal(data, &env); jsonErr != nil || env.Payload == "" {
		env = models.MessageEnvelope{
			Topic:     destination,
			Payload:   string(data),
			Timestamp: time.Now(),
		}
	}
	if env.MessageID == "" {
		env.MessageID = name
	}

	s.enqueue(destination, &env)
	s.moveTo(path, filepath.Join(dir, processedDir, name))
}

func (s *FilesystemSubscriber) moveTo(from, to string) {
	if err := os.Rename(from, to); err != nil {
		slog.Warn("Filesystem move failed", "from", from, "to", to, "error", err)
	}
}

// Stats returns a counters snapshot.
func (s *FilesystemSubscriber) Stats() SubscriberStats { return s.statsSnapshot() }

// Close stops the loops.
func (s *FilesystemSubscriber) Close() error {
	if !s.closing() {
		return nil
	}
	s.stopDispatch()
	s.closed()
	return nil
}
