package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolutionConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	writeConfigFile(t, filepath.Join(dir, "brokers"), "kafka-main.json", `{
		"type": "kafka", "enabled": true,
		"connection": {"bootstrap_servers": "localhost:9092", "client_id": "base"},
		"properties": {"linger_ms": 5},
		"authentication": {"mechanism": "PLAIN", "username": "svc"},
		"ssl": {"enabled": true, "format": "pem", "ca_cert": "/etc/ssl/ca.pem"}
	}`)
	writeConfigFile(t, filepath.Join(dir, "input-channels"), "orders-in.json", `{
		"broker": "kafka-main", "enabled": true,
		"destinations": [{"name": "orders", "type": "topic"}],
		"queue": {"depth": 5000},
		"overrides": {"client_id": "channel", "group_id": "orders-group"}
	}`)
	writeConfigFile(t, filepath.Join(dir, "ingesters"), "orders.json", `{
		"input_channel": "orders-in", "enabled": true,
		"overrides": {"client_id": "ingester"}
	}`)

	return dir
}

func TestResolveChannelMergePrecedence(t *testing.T) {
	cfg, err := Initialize(resolutionConfigDir(t))
	require.NoError(t, err)

	resolved, err := ResolveChannel(cfg.Brokers, cfg.InputChannels, "orders-in", nil)
	require.NoError(t, err)

	assert.Equal(t, BrokerKafka, resolved.Type)
	assert.Equal(t, "kafka-main", resolved.BrokerID)

	// Broker connection survives where not overridden.
	assert.Equal(t, "localhost:9092", resolved.Config["bootstrap_servers"])
	// Broker properties are merged in.
	assert.Equal(t, float64(5), resolved.Config["linger_ms"])
	// Channel overrides win over broker connection.
	assert.Equal(t, "channel", resolved.Config["client_id"])
	assert.Equal(t, "orders-group", resolved.Config["group_id"])

	// Structured blocks are carried through.
	auth, ok := resolved.Config["authentication"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "PLAIN", auth["mechanism"])

	require.NotNil(t, resolved.SSL)
	assert.True(t, resolved.SSL.Enabled)
	assert.Equal(t, SSLFormatPEM, resolved.SSL.Format)

	require.Len(t, resolved.Destinations, 1)
	assert.Equal(t, "orders", resolved.Destinations[0].Name)
	assert.Equal(t, DestinationTopic, resolved.Destinations[0].Type)
	assert.Equal(t, 5000, resolved.Queue.Depth)
}

func TestResolveIngesterOverridesWinLast(t *testing.T) {
	cfg, err := Initialize(resolutionConfigDir(t))
	require.NoError(t, err)

	ic, resolved, err := ResolveIngester(cfg, "orders")
	require.NoError(t, err)

	assert.Equal(t, "orders-in", ic.InputChannel)
	assert.Equal(t, "ingester", resolved.Config["client_id"])
}

func TestResolveChannelUnknownBroker(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, "input-channels"), "bad.json", `{
		"broker": "missing", "enabled": true
	}`)

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	_, err = ResolveChannel(cfg.Brokers, cfg.InputChannels, "bad", nil)
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestResolveChannelDisabled(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, "brokers"), "b.json", `{"type": "kafka", "enabled": true}`)
	writeConfigFile(t, filepath.Join(dir, "input-channels"), "c.json", `{"broker": "b", "enabled": false}`)

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	_, err = ResolveChannel(cfg.Brokers, cfg.InputChannels, "c", nil)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestTypedAccessors(t *testing.T) {
	m := map[string]any{"host": "db1", "port": float64(5432), "tls": true}

	assert.Equal(t, "db1", String(m, "host", "fallback"))
	assert.Equal(t, "fallback", String(m, "missing", "fallback"))
	assert.Equal(t, 5432, Int(m, "port", 0))
	assert.Equal(t, 9, Int(m, "missing", 9))
	assert.True(t, Bool(m, "tls", false))
	assert.False(t, Bool(m, "missing", false))
}
