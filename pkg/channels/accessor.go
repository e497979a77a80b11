// Package channels provides the handler-facing pub/sub accessor: lazily
// constructed, cached broker publishers and subscribers keyed by channel id.
package channels

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ajsinha/dgfacade/pkg/broker"
	"github.com/ajsinha/dgfacade/pkg/config"
)

// Accessor resolves channel ids through the channel → broker chain and
// hands out initialized adapters. Construction happens once per channel id
// for the process lifetime; Close releases everything.
type Accessor struct {
	cfg *config.Config

	mu          sync.Mutex
	publishers  map[string]broker.Publisher
	subscribers map[string]broker.Subscriber
}

// NewAccessor creates an accessor over the loaded configuration.
func NewAccessor(cfg *config.Config) *Accessor {
	return &Accessor{
		cfg:         cfg,
		publishers:  make(map[string]broker.Publisher),
		subscribers: make(map[string]broker.Subscriber),
	}
}

// Publisher returns the cached publisher for a channel id, constructing it
// on first use. Output channels take precedence over input channels when
// both carry the id.
func (a *Accessor) Publisher(channelID string) (broker.Publisher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.publishers[channelID]; ok {
		return p, nil
	}

	resolved, err := a.resolve(channelID, a.cfg.OutputChannels, a.cfg.InputChannels)
	if err != nil {
		return nil, err
	}

	p, err := broker.NewPublisher(resolved.Type, resolved.Config)
	if err != nil {
		return nil, fmt.Errorf("constructing publisher for channel %s: %w", channelID, err)
	}
	for _, dest := range resolved.Destinations {
		if err := p.AddTopic(dest.Name); err != nil {
			slog.Warn("Publisher topic registration failed",
				"channel", channelID, "destination", dest.Name, "error", err)
		}
	}

	a.publishers[channelID] = p
	slog.Info("Publisher constructed", "channel", channelID, "broker", resolved.BrokerID, "type", resolved.Type)
	return p, nil
}

// Subscriber returns the cached subscriber for a channel id, constructing
// it on first use. Input channels take precedence.
func (a *Accessor) Subscriber(channelID string) (broker.Subscriber, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.subscribers[channelID]; ok {
		return s, nil
	}

	resolved, err := a.resolve(channelID, a.cfg.InputChannels, a.cfg.OutputChannels)
	if err != nil {
		return nil, err
	}

	s, err := broker.NewSubscriber(resolved.Type, resolved.Config)
	if err != nil {
		return nil, fmt.Errorf("constructing subscriber for channel %s: %w", channelID, err)
	}

	a.subscribers[channelID] = s
	slog.Info("Subscriber constructed", "channel", channelID, "broker", resolved.BrokerID, "type", resolved.Type)
	return s, nil
}

// resolve walks the channel → broker chain, preferring the primary registry.
func (a *Accessor) resolve(channelID string, primary, secondary *config.ChannelRegistry) (*config.ResolvedChannel, error) {
	resolved, err := config.ResolveChannel(a.cfg.Brokers, primary, channelID, nil)
	if err == nil {
		return resolved, nil
	}
	if resolved, secondErr := config.ResolveChannel(a.cfg.Brokers, secondary, channelID, nil); secondErr == nil {
		return resolved, nil
	}
	return nil, err
}

// Close releases every constructed adapter. Called once at shutdown.
func (a *Accessor) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, p := range a.publishers {
		if err := p.Close(); err != nil {
			slog.Warn("Publisher close failed", "channel", id, "error", err)
		}
	}
	for id, s := range a.subscribers {
		if err := s.Close(); err != nil {
			slog.Warn("Subscriber close failed", "channel", id, "error", err)
		}
	}
	a.publishers = make(map[string]broker.Publisher)
	a.subscribers = make(map[string]broker.Subscriber)
}
