package channels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajsinha/dgfacade/pkg/config"
)

func accessorConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	fsDir := t.TempDir()

	write := func(sub, name, content string) {
		full := filepath.Join(dir, sub)
		require.NoError(t, os.MkdirAll(full, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(full, name), []byte(content), 0o644))
	}

	write("brokers", "fs-main.json",
		`{"type": "filesystem", "enabled": true, "connection": {"base_dir": "`+fsDir+`"}}`)
	write("output-channels", "results-out.json",
		`{"broker": "fs-main", "enabled": true, "destinations": [{"name": "results", "type": "directory"}]}`)
	write("input-channels", "orders-in.json",
		`{"broker": "fs-main", "enabled": true, "destinations": [{"name": "orders", "type": "directory"}]}`)

	cfg, err := config.Initialize(dir)
	require.NoError(t, err)
	return cfg
}

func TestAccessorCachesPublishers(t *testing.T) {
	a := NewAccessor(accessorConfig(t))
	defer a.Close()

	p1, err := a.Publisher("results-out")
	require.NoError(t, err)
	p2, err := a.Publisher("results-out")
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.True(t, p1.IsConnected())
}

func TestAccessorCachesSubscribers(t *testing.T) {
	a := NewAccessor(accessorConfig(t))
	defer a.Close()

	s1, err := a.Subscriber("orders-in")
	require.NoError(t, err)
	s2, err := a.Subscriber("orders-in")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
}

func TestAccessorFallsBackAcrossRegistries(t *testing.T) {
	a := NewAccessor(accessorConfig(t))
	defer a.Close()

	// A publisher against an input channel resolves via the fallback.
	_, err := a.Publisher("orders-in")
	assert.NoError(t, err)
}

func TestAccessorUnknownChannel(t *testing.T) {
	a := NewAccessor(accessorConfig(t))
	defer a.Close()

	_, err := a.Publisher("nope")
	assert.ErrorIs(t, err, config.ErrChannelNotFound)
}

func TestAccessorCloseReleasesAdapters(t *testing.T) {
	a := NewAccessor(accessorConfig(t))

	p, err := a.Publisher("results-out")
	require.NoError(t, err)
	a.Close()

	assert.False(t, p.IsConnected())
}
