package config

import (
	"fmt"

	"dario.cat/mergo"
)

// ResolvedChannel is the flattened result of the ingester → channel → broker
// resolution chain. Config carries the merged connection map handed to the
// broker adapter; structured blocks keep their own keys inside it
// (authentication, schema_registry, ssl).
type ResolvedChannel struct {
	ChannelID    string
	BrokerID     string
	Type         BrokerType
	Config       map[string]any
	SSL          *SSLConfig
	Destinations []Destination
	Queue        *QueueSettings
	Retry        *RetrySettings
}

// ResolveChannel walks channel → broker and merges the layers in priority
// order: broker connection + properties + ssl < channel overrides <
// extraOverrides (the ingester layer; nil for direct channel access).
func ResolveChannel(brokers *BrokerRegistry, channels *ChannelRegistry, channelID string, extraOverrides map[string]any) (*ResolvedChannel, error) {
	cc, err := channels.Get(channelID)
	if err != nil {
		return nil, err
	}
	if !cc.Enabled {
		return nil, fmt.Errorf("%w: channel %s", ErrDisabled, channelID)
	}

	bc, err := brokers.Get(cc.Broker)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %s references broker %s: %v",
			ErrInvalidReference, channelID, cc.Broker, err)
	}
	if !bc.Enabled {
		return nil, fmt.Errorf("%w: broker %s", ErrDisabled, bc.ID)
	}

	merged := make(map[string]any)
	for _, layer := range []map[string]any{
		bc.Connection,
		bc.Properties,
		cc.Overrides,
		extraOverrides,
	} {
		if len(layer) == 0 {
			continue
		}
		if err := mergo.Merge(&merged, layer, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging config for channel %s: %w", channelID, err)
		}
	}

	if len(bc.Authentication) > 0 {
		merged["authentication"] = bc.Authentication
	}
	if len(bc.SchemaRegistry) > 0 {
		merged["schema_registry"] = bc.SchemaRegistry
	}

	// Channel-level SSL overrides the broker's; either way the winning block
	// is also visible in the merged map for adapters that read it there.
	ssl := bc.SSL
	if cc.SSL != nil {
		ssl = cc.SSL
	}
	if ssl != nil {
		merged["ssl"] = ssl
	}

	channelType := bc.BrokerType()
	if cc.Type != "" {
		channelType = NormalizeBrokerType(cc.Type)
	}

	return &ResolvedChannel{
		ChannelID:    channelID,
		BrokerID:     bc.ID,
		Type:         channelType,
		Config:       merged,
		SSL:          ssl,
		Destinations: cc.Destinations,
		Queue:        cc.Queue,
		Retry:        cc.Retry,
	}, nil
}

// ResolveIngester resolves an ingester id through its input channel down to
// the broker, applying the ingester's overrides as the top layer.
func ResolveIngester(cfg *Config, ingesterID string) (*IngesterConfig, *ResolvedChannel, error) {
	ic, err := cfg.Ingesters.Get(ingesterID)
	if err != nil {
		return nil, nil, err
	}

	resolved, err := ResolveChannel(cfg.Brokers, cfg.InputChannels, ic.InputChannel, ic.Overrides)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ingester %s: %v", ErrInvalidReference, ingesterID, err)
	}
	return ic, resolved, nil
}

// String returns a typed string from a merged config map, or def when the
// key is absent or not a string.
func String(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Int returns a typed int from a merged config map. JSON numbers decode as
// float64, so both forms are accepted.
func Int(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Bool returns a typed bool from a merged config map.
func Bool(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}
