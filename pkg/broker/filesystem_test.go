package broker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajsinha/dgfacade/pkg/models"
)

// collectEnvelopes wires a listener that appends into a slice.
func collectEnvelopes(t *testing.T, s *FilesystemSubscriber, dest string) (*sync.Mutex, *[]*models.MessageEnvelope) {
	t.Helper()
	var mu sync.Mutex
	var got []*models.MessageEnvelope
	require.NoError(t, s.Subscribe(dest, func(env *models.MessageEnvelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	}))
	return &mu, &got
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestFilesystemRoundTripPreservesEnvelope(t *testing.T) {
	base := t.TempDir()
	cfg := map[string]any{"base_dir": base, "poll_interval_seconds": 3600, "flush_interval_seconds": 3600}

	pub := NewFilesystemPublisher()
	require.NoError(t, pub.Initialize(cfg))
	defer pub.Close()

	sub := NewFilesystemSubscriber()
	require.NoError(t, sub.Initialize(cfg))
	defer sub.Close()

	mu, got := collectEnvelopes(t, sub, "orders")
	require.NoError(t, sub.Start(context.Background()))

	env := models.NewEnvelope("orders", `{"request_type":"ECHO"}`)
	env.Headers["trace"] = "abc"
	require.NoError(t, pub.Publish(context.Background(), "orders", env))
	require.NoError(t, pub.Flush(context.Background()))

	sub.PollNow()
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	})

	mu.Lock()
	received := (*got)[0]
	mu.Unlock()

	// Round-trip law: payload, message_id, and headers survive.
	assert.Equal(t, env.MessageID, received.MessageID)
	assert.Equal(t, env.Payload, received.Payload)
	assert.Equal(t, env.Headers, received.Headers)

	// Consumed file moved to processed/.
	processed, err := os.ReadDir(filepath.Join(base, "orders", processedDir))
	require.NoError(t, err)
	assert.Len(t, processed, 1)
}

func TestFilesystemEmptyFileGoesToError(t *testing.T) {
	base := t.TempDir()
	cfg := map[string]any{"base_dir": base, "poll_interval_seconds": 3600}

	sub := NewFilesystemSubscriber()
	require.NoError(t, sub.Initialize(cfg))
	defer sub.Close()

	_, got := collectEnvelopes(t, sub, "orders")
	require.NoError(t, sub.Start(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(base, "orders", "empty.json"), nil, 0o644))
	sub.PollNow()

	waitFor(t, 2*time.Second, func() bool {
		errored, err := os.ReadDir(filepath.Join(base, "orders", errorDir))
		return err == nil && len(errored) == 1
	})

	assert.Empty(t, *got)
	assert.Equal(t, int64(1), sub.Stats().Failed)
}

func TestFilesystemRawContentBecomesPayload(t *testing.T) {
	base := t.TempDir()
	cfg := map[string]any{"base_dir": base, "poll_interval_seconds": 3600}

	sub := NewFilesystemSubscriber()
	require.NoError(t, sub.Initialize(cfg))
	defer sub.Close()

	mu, got := collectEnvelopes(t, sub, "orders")
	require.NoError(t, sub.Start(context.Background()))

	raw := `{"request_type":"ARITHMETIC","payload":{"operation":"ADD","operands":[7,6]}}`
	require.NoError(t, os.WriteFile(filepath.Join(base, "orders", "req.json"), []byte(raw), 0o644))
	sub.PollNow()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	})

	mu.Lock()
	assert.Equal(t, raw, (*got)[0].Payload)
	assert.Equal(t, "req.json", (*got)[0].MessageID)
	mu.Unlock()
}

func TestFilesystemOrderingByModTime(t *testing.T) {
	base := t.TempDir()
	cfg := map[string]any{"base_dir": base, "poll_interval_seconds": 3600}

	sub := NewFilesystemSubscriber()
	require.NoError(t, sub.Initialize(cfg))
	defer sub.Close()

	mu, got := collectEnvelopes(t, sub, "orders")
	require.NoError(t, sub.Start(context.Background()))

	dir := filepath.Join(base, "orders")
	now := time.Now()
	// Write out of order, then force mtimes.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "second.json"), []byte("2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "first.json"), []byte("1"), 0o644))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "first.json"), now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "second.json"), now.Add(-time.Hour), now.Add(-time.Hour)))

	sub.PollNow()
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 2
	})

	mu.Lock()
	assert.Equal(t, "1", (*got)[0].Payload)
	assert.Equal(t, "2", (*got)[1].Payload)
	mu.Unlock()
}

func TestFilesystemSaturationSkipsPoll(t *testing.T) {
	base := t.TempDir()
	cfg := map[string]any{
		"base_dir":              base,
		"poll_interval_seconds": 3600,
		"backpressure_max_depth": 1,
	}

	sub := NewFilesystemSubscriber()
	require.NoError(t, sub.Initialize(cfg))
	defer sub.Close()

	// No dispatch started — the queue holds at most one item.
	require.NoError(t, sub.Subscribe("orders", func(env *models.MessageEnvelope) {}))

	dir := filepath.Join(base, "orders")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte("b"), 0o644))

	sub.PollNow()

	// One consumed, one left in place: depth never exceeds the bound and
	// unpulled messages stay with the broker (the directory).
	assert.Equal(t, 1, sub.QueueDepth())
	remaining, err := os.ReadDir(dir)
	require.NoError(t, err)
	files := 0
	for _, e := range remaining {
		if !e.IsDir() {
			files++
		}
	}
	assert.Equal(t, 1, files)
}

func TestFactoryRejectsUnknownType(t *testing.T) {
	_, err := NewPublisher("carrier_pigeon", nil)
	assert.Error(t, err)
	_, err = NewSubscriber("carrier_pigeon", nil)
	assert.Error(t, err)
}
