package ingester

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajsinha/dgfacade/pkg/broker"
	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// recordingSubmitter captures submitted requests.
type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []*models.Request
	err  error
}

func (r *recordingSubmitter) Submit(_ context.Context, req *models.Request) (*models.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.reqs = append(r.reqs, req)
	return models.NewSuccessResponse(req.RequestID, nil), nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func fsResolved(t *testing.T) (*config.ResolvedChannel, *broker.FilesystemSubscriber, string) {
	t.Helper()
	base := t.TempDir()

	resolved := &config.ResolvedChannel{
		ChannelID: "orders-in",
		BrokerID:  "fs",
		Type:      config.BrokerFilesystem,
		Config: map[string]any{
			"base_dir":              base,
			"poll_interval_seconds": 3600,
		},
		Destinations: []config.Destination{{Name: "orders", Type: config.DestinationDirectory}},
	}

	sub := broker.NewFilesystemSubscriber()
	require.NoError(t, sub.Initialize(resolved.Config))
	return resolved, sub, base
}

func TestIngesterSubmitsParsedRequests(t *testing.T) {
	resolved, sub, base := fsResolved(t)
	submit := &recordingSubmitter{}

	ing := New("orders", resolved, sub, submit)
	require.NoError(t, ing.Start(context.Background(), resolved.Destinations))
	defer func() { require.NoError(t, ing.Stop()) }()

	body := `{"request_type": "ECHO", "payload": {"message": "from-broker"}}`
	require.NoError(t, os.WriteFile(filepath.Join(base, "orders", "req.json"), []byte(body), 0o644))
	sub.PollNow()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && submit.count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, submit.count())

	req := submit.reqs[0]
	assert.Equal(t, "ECHO", req.RequestType)
	assert.Equal(t, models.SourceFilesystem, req.Source)
	assert.Equal(t, config.DefaultHandlerFile, req.UserID)

	// File landed in processed/ and the metrics recorded one submission.
	processed, err := os.ReadDir(filepath.Join(base, "orders", "processed"))
	require.NoError(t, err)
	assert.Len(t, processed, 1)

	stats := ing.Stats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(0), stats.Rejected)
	assert.True(t, stats.Running)
}

func TestIngesterEmptyFileIsRejected(t *testing.T) {
	resolved, sub, base := fsResolved(t)
	submit := &recordingSubmitter{}

	ing := New("orders", resolved, sub, submit)
	require.NoError(t, ing.Start(context.Background(), resolved.Destinations))
	defer func() { require.NoError(t, ing.Stop()) }()

	require.NoError(t, os.WriteFile(filepath.Join(base, "orders", "empty.json"), nil, 0o644))
	sub.PollNow()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if errored, err := os.ReadDir(filepath.Join(base, "orders", "error")); err == nil && len(errored) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Moved to error/, nothing submitted, one rejection in the stats.
	errored, err := os.ReadDir(filepath.Join(base, "orders", "error"))
	require.NoError(t, err)
	assert.Len(t, errored, 1)
	assert.Equal(t, 0, submit.count())
	assert.Equal(t, int64(1), ing.Stats().Rejected)
}

func TestIngesterRejectsInvalidJSON(t *testing.T) {
	resolved, sub, _ := fsResolved(t)
	submit := &recordingSubmitter{}
	ing := New("orders", resolved, sub, submit)

	_, err := ing.SubmitManual(`{broken`)
	require.Error(t, err)

	stats := ing.Stats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, 0, submit.count())
}

func TestIngesterRejectsMissingRequestType(t *testing.T) {
	resolved, sub, _ := fsResolved(t)
	submit := &recordingSubmitter{}
	ing := New("orders", resolved, sub, submit)

	_, err := ing.SubmitManual(`{"payload": {"x": 1}}`)
	require.Error(t, err)
	assert.Equal(t, int64(1), ing.Stats().Rejected)
}

func TestIngesterManualSubmit(t *testing.T) {
	resolved, sub, _ := fsResolved(t)
	submit := &recordingSubmitter{}
	ing := New("orders", resolved, sub, submit)

	resp, err := ing.SubmitManual(`{"request_type": "ECHO"}`)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, int64(1), ing.Stats().Submitted)
}

func TestIngesterCountsDispatchFailures(t *testing.T) {
	resolved, sub, _ := fsResolved(t)
	submit := &recordingSubmitter{err: assert.AnError}
	ing := New("orders", resolved, sub, submit)

	_, err := ing.SubmitManual(`{"request_type": "ECHO"}`)
	require.Error(t, err)
	assert.Equal(t, int64(1), ing.Stats().Failed)
}

func TestManagerStartStop(t *testing.T) {
	dir := t.TempDir()
	fsDir := t.TempDir()

	write := func(sub, name, content string) {
		full := filepath.Join(dir, sub)
		require.NoError(t, os.MkdirAll(full, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(full, name), []byte(content), 0o644))
	}
	write("brokers", "fs.json",
		`{"type": "filesystem", "enabled": true, "connection": {"base_dir": "`+fsDir+`", "poll_interval_seconds": 3600}}`)
	write("input-channels", "orders-in.json",
		`{"broker": "fs", "enabled": true, "destinations": [{"name": "orders", "type": "directory"}]}`)
	write("ingesters", "orders.json", `{"input_channel": "orders-in", "enabled": true}`)
	write("ingesters", "disabled.json", `{"input_channel": "orders-in", "enabled": false}`)

	cfg, err := config.Initialize(dir)
	require.NoError(t, err)

	m := NewManager(cfg, &recordingSubmitter{})
	m.StartAll(context.Background())

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "orders", stats[0].ID)
	assert.True(t, stats[0].Running)

	ing, err := m.Get("orders")
	require.NoError(t, err)
	assert.True(t, ing.IsRunning())

	// Double start is rejected.
	assert.Error(t, m.StartOne(context.Background(), "orders"))

	require.NoError(t, m.StopOne("orders"))
	assert.False(t, ing.IsRunning())
	_, err = m.Get("orders")
	assert.Error(t, err)

	m.StopAll()
}
