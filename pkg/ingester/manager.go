package ingester

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ajsinha/dgfacade/pkg/broker"
	"github.com/ajsinha/dgfacade/pkg/config"
)

// Manager owns the ingester fleet: it resolves each enabled ingester's
// configuration chain, constructs its subscriber, and controls lifecycle.
type Manager struct {
	cfg    *config.Config
	submit Submitter

	mu        sync.RWMutex
	ingesters map[string]*Ingester
}

// NewManager creates an ingester manager.
func NewManager(cfg *config.Config, submit Submitter) *Manager {
	return &Manager{
		cfg:       cfg,
		submit:    submit,
		ingesters: make(map[string]*Ingester),
	}
}

// StartAll resolves and starts every enabled ingester. Individual failures
// are logged and skipped so one bad config does not take down the fleet.
func (m *Manager) StartAll(ctx context.Context) {
	for _, ic := range m.cfg.Ingesters.All() {
		if !ic.Enabled {
			continue
		}
		if err := m.StartOne(ctx, ic.ID); err != nil {
			slog.Error("Ingester start failed", "ingester", ic.ID, "error", err)
		}
	}
}

// StartOne resolves and starts a single ingester by id.
func (m *Manager) StartOne(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.ingesters[id]; exists {
		return fmt.Errorf("ingester %s already running", id)
	}

	_, resolved, err := config.ResolveIngester(m.cfg, id)
	if err != nil {
		return err
	}

	sub, err := broker.NewSubscriber(resolved.Type, resolved.Config)
	if err != nil {
		return fmt.Errorf("constructing subscriber for ingester %s: %w", id, err)
	}

	ing := New(id, resolved, sub, m.submit)
	if err := ing.Start(ctx, resolved.Destinations); err != nil {
		_ = sub.Close()
		return err
	}

	m.ingesters[id] = ing
	return nil
}

// StopOne stops and removes a single ingester.
func (m *Manager) StopOne(id string) error {
	m.mu.Lock()
	ing, ok := m.ingesters[id]
	delete(m.ingesters, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", config.ErrIngesterNotFound, id)
	}
	return ing.Stop()
}

// StopAll stops every running ingester.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ingesters := m.ingesters
	m.ingesters = make(map[string]*Ingester)
	m.mu.Unlock()

	for id, ing := range ingesters {
		if err := ing.Stop(); err != nil {
			slog.Warn("Ingester stop failed", "ingester", id, "error", err)
		}
	}
}

// Get returns a running ingester by id.
func (m *Manager) Get(id string) (*Ingester, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ing, ok := m.ingesters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", config.ErrIngesterNotFound, id)
	}
	return ing, nil
}

// Stats returns a snapshot for every running ingester.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.ingesters))
	for _, ing := range m.ingesters {
		out = append(out, ing.Stats())
	}
	return out
}
