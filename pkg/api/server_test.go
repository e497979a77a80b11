package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajsinha/dgfacade/pkg/auth"
	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/dispatch"
	"github.com/ajsinha/dgfacade/pkg/engine"
	"github.com/ajsinha/dgfacade/pkg/handlers"
	"github.com/ajsinha/dgfacade/pkg/metrics"
	"github.com/ajsinha/dgfacade/pkg/models"
	"github.com/ajsinha/dgfacade/pkg/streaming"
)

// testServer spins up the full API on a random port.
type testServer struct {
	baseURL  string
	server   *Server
	sessions *streaming.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	write := func(sub, name, content string) {
		full := dir
		if sub != "" {
			full = filepath.Join(dir, sub)
		}
		require.NoError(t, os.MkdirAll(full, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(full, name), []byte(content), 0o644))
	}
	write("handlers", "default.json", `{
		"ARITHMETIC":  {"handler_class": "arithmetic", "enabled": true},
		"ECHO":        {"handler_class": "echo", "enabled": true},
		"MARKET_DATA": {"handler_class": "market_data", "enabled": true,
		                "config": {"interval_ms": 10}}
	}`)
	write("", "apikeys.json", `[{"key": "dgf-test", "user_id": "tester", "enabled": true}]`)

	cfg, err := config.Initialize(dir)
	require.NoError(t, err)

	authSvc := auth.NewService(dir)
	require.NoError(t, authSvc.Load())

	streams := NewStreamManager(5 * time.Second)
	fanout := streaming.NewFanout("stream")
	fanout.SetWebSocketGateway(streams)
	sessions := streaming.NewManager(fanout)

	reg := engine.NewRegistry()
	eng := engine.New(cfg.Engine, reg)
	eng.SetSessionManager(sessions)

	m := metrics.New(eng, sessions)
	d := dispatch.New(cfg, authSvc, eng, nil, m, nil)
	handlers.RegisterBuiltins(reg, cfg.Chains, d)

	srv := NewServer(cfg, d, eng, sessions, streams)
	srv.SetMetrics(m)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.StartWithListener(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		eng.Shutdown(ctx)
	})

	return &testServer{
		baseURL:  fmt.Sprintf("http://%s", ln.Addr().String()),
		server:   srv,
		sessions: sessions,
	}
}

func (ts *testServer) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.baseURL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func TestSubmitRequestEndToEnd(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.post(t, "/api/v1/requests", map[string]any{
		"request_type": "ARITHMETIC",
		"api_key":      "dgf-test",
		"payload":      map[string]any{"operation": "ADD", "operands": []int{7, 6}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out models.Response
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, models.StatusSuccess, out.Status)
	assert.Equal(t, float64(13), out.Result["result"])
	assert.NotEmpty(t, out.RequestID)
}

func TestSubmitRequestAuthErrors(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.post(t, "/api/v1/requests", map[string]any{"request_type": "ECHO"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.post(t, "/api/v1/requests", map[string]any{
		"request_type": "ECHO", "api_key": "dgf-wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitUnknownTypeIs404(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.post(t, "/api/v1/requests", map[string]any{
		"request_type": "NOPE", "api_key": "dgf-test",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecutionsEndpointShowsRecentStates(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.post(t, "/api/v1/requests", map[string]any{
		"request_type": "ECHO", "api_key": "dgf-test",
		"payload": map[string]any{"message": "hi"},
	})
	var out models.Response
	require.NoError(t, json.Unmarshal(body, &out))

	resp, listBody := ts.get(t, "/api/v1/executions")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var states []map[string]any
	require.NoError(t, json.Unmarshal(listBody, &states))
	require.NotEmpty(t, states)
	assert.Equal(t, out.RequestID, states[0]["request_id"])

	resp, oneBody := ts.get(t, "/api/v1/executions/"+out.RequestID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state map[string]any
	require.NoError(t, json.Unmarshal(oneBody, &state))
	assert.Equal(t, "STOPPED", state["phase"])

	resp, _ = ts.get(t, "/api/v1/executions/unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamingSessionOverWebSocket(t *testing.T) {
	ts := newTestServer(t)

	// Start a streaming request; the ack arrives synchronously.
	resp, body := ts.post(t, "/api/v1/requests", map[string]any{
		"request_type":      "MARKET_DATA",
		"api_key":           "dgf-test",
		"streaming":         true,
		"response_channels": []string{"WEBSOCKET", "REST"},
		"ttl_minutes":       1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack models.Response
	require.NoError(t, json.Unmarshal(body, &ack))
	require.Equal(t, models.StatusStreamingStarted, ack.Status)
	sessionID := ack.SessionID
	require.NotEmpty(t, sessionID)

	// Connect a WebSocket client and subscribe to the session stream.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + ts.baseURL[len("http"):] + "/api/v1/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, err := json.Marshal(map[string]string{
		"action": "subscribe", "destination": "stream/" + sessionID,
	})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, sub))

	// Read until a STREAMING_DATA envelope arrives.
	sawData := false
	for !sawData {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg models.Response
		if json.Unmarshal(data, &msg) == nil && msg.Status == models.StatusStreamingData {
			assert.Equal(t, sessionID, msg.SessionID)
			sawData = true
		}
	}

	// Stop the session via the admin endpoint.
	resp, _ = ts.post(t, "/api/v1/sessions/"+sessionID+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The STREAMING_ENDED envelope closes the stream.
	sawEnded := false
	for !sawEnded {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg models.Response
		if json.Unmarshal(data, &msg) == nil && msg.Status == models.StatusStreamingEnded {
			sawEnded = true
		}
	}

	// The REST pull endpoint drains the same stream.
	resp, restBody := ts.get(t, "/api/v1/sessions/"+sessionID+"/responses")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buffered []models.Response
	require.NoError(t, json.Unmarshal(restBody, &buffered))
	assert.NotEmpty(t, buffered)

	// Session is gone from the admin listing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ts.sessions.ActiveCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, ts.sessions.ActiveCount())
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Configuration.HandlerFiles)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	// Dispatch one request so counters exist.
	ts.post(t, "/api/v1/requests", map[string]any{
		"request_type": "ECHO", "api_key": "dgf-test",
	})

	resp, body := ts.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "dgfacade_requests_total")
}

func TestClusterEndpointsDisabled(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.get(t, "/cluster/nodes")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.get(t, "/health")
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}
