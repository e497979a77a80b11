package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
	"github.com/ajsinha/dgfacade/pkg/streaming"
)

// testStreamHandler publishes on demand and blocks until cancelled.
type testStreamHandler struct {
	testHandler
	publishCount int
	tick         time.Duration
}

func (h *testStreamHandler) ExecuteStreaming(ctx context.Context, req *models.Request, publish PublishFunc) (*models.Response, error) {
	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	published := 0
	for {
		select {
		case <-ctx.Done():
			return models.NewSuccessResponse(req.RequestID, map[string]any{"published": published}), nil
		case <-ticker.C:
			if published < h.publishCount {
				_ = publish(&models.Response{Result: map[string]any{"n": published}})
				published++
			}
		}
	}
}

type streamGateway struct {
	mu    sync.Mutex
	sends map[string][][]byte
}

func (g *streamGateway) Broadcast(dest string, payload []byte) {
	g.mu.Lock()
	g.sends[dest] = append(g.sends[dest], payload)
	g.mu.Unlock()
}

func (g *streamGateway) statuses(dest string) []models.ResponseStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.ResponseStatus, 0, len(g.sends[dest]))
	for _, p := range g.sends[dest] {
		var resp models.Response
		if json.Unmarshal(p, &resp) == nil {
			out = append(out, resp.Status)
		}
	}
	return out
}

func newStreamingEngine(t *testing.T, h Handler) (*Engine, *streaming.Manager, *streamGateway) {
	t.Helper()
	gw := &streamGateway{sends: make(map[string][][]byte)}
	fanout := streaming.NewFanout("stream")
	fanout.SetWebSocketGateway(gw)
	sessions := streaming.NewManager(fanout)

	reg := NewRegistry()
	reg.Register("stream", func() Handler { return h })
	e := New(&config.EngineConfig{RecentStatesSize: 10, StopGracePeriod: 100 * time.Millisecond}, reg)
	e.SetSessionManager(sessions)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e, sessions, gw
}

func streamingRequest() *models.Request {
	req := &models.Request{
		RequestType:      "STREAM",
		Streaming:        true,
		ResponseChannels: []models.ResponseChannel{models.ChannelWebSocket},
	}
	req.Normalize()
	return req
}

func TestStreamingSessionLifecycle(t *testing.T) {
	h := &testStreamHandler{publishCount: 3, tick: 10 * time.Millisecond}
	e, sessions, gw := newStreamingEngine(t, h)

	req := streamingRequest()
	x, err := e.Submit(req, &config.HandlerConfig{HandlerClass: "stream", Enabled: true})
	require.NoError(t, err)

	// The future resolves immediately with the STREAMING_STARTED ack.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ack, err := x.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StatusStreamingStarted, ack.Status)
	sessionID := ack.SessionID
	require.NotEmpty(t, sessionID)

	require.Equal(t, 1, sessions.ActiveCount())

	// Wait for a few data envelopes, then stop the session.
	dest := "stream/" + sessionID
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sessions.ActiveCount() == 1 {
			if snap, err := sessions.Get(sessionID); err == nil && snap.MessagesPublished >= 3 {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, sessions.Stop(sessionID))
	<-x.Done()

	// Session removal is synchronized with unit termination.
	assert.Equal(t, 0, sessions.ActiveCount())
	assert.Equal(t, int64(1), h.cleanups.Load())
	assert.Equal(t, int64(1), h.stops.Load())

	// Delivery order: data envelopes then exactly one STREAMING_ENDED.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		statuses := gw.statuses(dest)
		if len(statuses) > 0 && statuses[len(statuses)-1] == models.StatusStreamingEnded {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	statuses := gw.statuses(dest)
	require.NotEmpty(t, statuses)
	ended := 0
	for _, s := range statuses {
		switch s {
		case models.StatusStreamingData:
		case models.StatusStreamingEnded:
			ended++
		default:
			t.Fatalf("unexpected status %s", s)
		}
	}
	assert.Equal(t, 1, ended)
	assert.GreaterOrEqual(t, len(statuses), 2)
}

func TestStreamingRequestOnNonStreamingHandler(t *testing.T) {
	e, _, _ := newStreamingEngine(t, &testHandler{})

	reg := NewRegistry()
	reg.Register("oneshot", func() Handler { return &testHandler{} })
	e.registry = reg

	req := streamingRequest()
	_, err := e.Submit(req, &config.HandlerConfig{HandlerClass: "oneshot", Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support streaming")
}

func TestStreamingDisabledWithoutSessionManager(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stream", func() Handler {
		return &testStreamHandler{publishCount: 1, tick: time.Millisecond}
	})
	e := New(config.DefaultEngineConfig(), reg)

	_, err := e.Submit(streamingRequest(), &config.HandlerConfig{HandlerClass: "stream", Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "streaming is not enabled")
}

func TestStreamingHandlerReturnEndsSession(t *testing.T) {
	var published atomic.Int64
	h := &selfEndingStreamHandler{published: &published}
	e, sessions, _ := newStreamingEngine(t, h)

	x, err := e.Submit(streamingRequest(), &config.HandlerConfig{HandlerClass: "stream", Enabled: true})
	require.NoError(t, err)

	<-x.Done()
	assert.Equal(t, 0, sessions.ActiveCount())
	assert.Equal(t, int64(1), h.cleanups.Load())
	assert.Equal(t, int64(2), published.Load())
}

// selfEndingStreamHandler publishes twice then returns on its own.
type selfEndingStreamHandler struct {
	testHandler
	published *atomic.Int64
}

func (h *selfEndingStreamHandler) ExecuteStreaming(_ context.Context, req *models.Request, publish PublishFunc) (*models.Response, error) {
	for i := 0; i < 2; i++ {
		if err := publish(&models.Response{Result: map[string]any{"n": i}}); err == nil {
			h.published.Add(1)
		}
	}
	return models.NewSuccessResponse(req.RequestID, map[string]any{"done": true}), nil
}
