package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajsinha/dgfacade/pkg/auth"
	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/engine"
	"github.com/ajsinha/dgfacade/pkg/handlers"
	"github.com/ajsinha/dgfacade/pkg/models"
	"github.com/ajsinha/dgfacade/pkg/streaming"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// newTestDispatcher wires a full local pipeline: auth files, handler
// configs, built-in handlers, engine, and streaming manager.
func newTestDispatcher(t *testing.T, publicTypes []string) *Dispatcher {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "handlers"), "default.json", `{
		"ARITHMETIC":  {"handler_class": "arithmetic", "enabled": true},
		"ECHO":        {"handler_class": "echo", "enabled": true},
		"MARKET_DATA": {"handler_class": "market_data", "enabled": true,
		                "config": {"interval_ms": 10}},
		"DISABLED":    {"handler_class": "echo", "enabled": false},
		"CHAINED":     {"handler_class": "chain", "enabled": true,
		                "config": {"chain": "enrich"}}
	}`)
	writeFile(t, filepath.Join(dir, "chains"), "enrich.json",
		`{"enabled": true, "stages": ["ECHO"]}`)
	writeFile(t, dir, "users.json", `[{"user_id": "alice", "enabled": true}]`)
	writeFile(t, dir, "apikeys.json", `[{"key": "dgf-alice", "user_id": "alice", "enabled": true}]`)

	cfg, err := config.Initialize(dir)
	require.NoError(t, err)

	authSvc := auth.NewService(dir)
	require.NoError(t, authSvc.Load())

	reg := engine.NewRegistry()
	eng := engine.New(cfg.Engine, reg)
	eng.SetSessionManager(streaming.NewManager(streaming.NewFanout("stream")))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})

	d := New(cfg, authSvc, eng, nil, nil, publicTypes)
	handlers.RegisterBuiltins(reg, cfg.Chains, d)
	return d
}

func TestArithmeticAddScenario(t *testing.T) {
	d := newTestDispatcher(t, nil)

	resp, err := d.Submit(context.Background(), &models.Request{
		RequestType: "ARITHMETIC",
		APIKey:      "dgf-alice",
		Payload:     map[string]any{"operation": "ADD", "operands": []any{float64(7), float64(6)}},
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, float64(13), resp.Result["result"])
}

func TestDivisionByZeroScenario(t *testing.T) {
	d := newTestDispatcher(t, nil)

	resp, err := d.Submit(context.Background(), &models.Request{
		RequestType: "ARITHMETIC",
		APIKey:      "dgf-alice",
		Payload:     map[string]any{"operation": "DIVIDE", "operands": []any{float64(10), float64(0)}},
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "Division by zero")
}

func TestEchoScenario(t *testing.T) {
	d := newTestDispatcher(t, nil)

	req := &models.Request{
		RequestType: "ECHO",
		APIKey:      "dgf-alice",
		Payload:     map[string]any{"message": "Hello"},
	}
	resp, err := d.Submit(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, models.StatusSuccess, resp.Status)
	echo, ok := resp.Result["echo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Hello", echo["message"])
	assert.Equal(t, req.RequestID, resp.Result["echo_request_id"])
}

func TestAuthFailedWithoutCredential(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, err := d.Submit(context.Background(), &models.Request{RequestType: "ECHO"})
	var dispatchErr *Error
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, KindAuthFailed, dispatchErr.Kind)
}

func TestAuthFailedWithBadCredential(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, err := d.Submit(context.Background(), &models.Request{
		RequestType: "ECHO",
		APIKey:      "dgf-wrong",
	})
	var dispatchErr *Error
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, KindAuthFailed, dispatchErr.Kind)
}

func TestPublicTypeBypassesAuth(t *testing.T) {
	d := newTestDispatcher(t, []string{"ECHO"})

	resp, err := d.Submit(context.Background(), &models.Request{
		RequestType: "ECHO",
		Payload:     map[string]any{"message": "open"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, resp.Status)
}

func TestHandlerNotFound(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, err := d.Submit(context.Background(), &models.Request{
		RequestType: "NOPE",
		APIKey:      "dgf-alice",
	})
	var dispatchErr *Error
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, KindHandlerNotFound, dispatchErr.Kind)
}

func TestDisabledHandlerIsNotFound(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, err := d.Submit(context.Background(), &models.Request{
		RequestType: "DISABLED",
		APIKey:      "dgf-alice",
	})
	var dispatchErr *Error
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, KindHandlerNotFound, dispatchErr.Kind)
}

func TestInvalidRequestMissingType(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, err := d.Submit(context.Background(), &models.Request{APIKey: "dgf-alice"})
	var dispatchErr *Error
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, KindInvalidRequest, dispatchErr.Kind)
}

func TestStreamingWithEmptyChannelsRejected(t *testing.T) {
	d := newTestDispatcher(t, nil)

	_, err := d.Submit(context.Background(), &models.Request{
		RequestType: "MARKET_DATA",
		APIKey:      "dgf-alice",
		Streaming:   true,
	})
	var dispatchErr *Error
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, KindInvalidRequest, dispatchErr.Kind)
}

func TestStreamingRequestReturnsAck(t *testing.T) {
	d := newTestDispatcher(t, nil)

	resp, err := d.Submit(context.Background(), &models.Request{
		RequestType:      "MARKET_DATA",
		APIKey:           "dgf-alice",
		Streaming:        true,
		ResponseChannels: []models.ResponseChannel{models.ChannelWebSocket},
		TTLMinutes:       1,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusStreamingStarted, resp.Status)
	assert.NotEmpty(t, resp.SessionID)

	// Stop the stream so shutdown is quick.
	require.True(t, d.engine.Stop(resp.RequestID, "test done"))
}

func TestChainHandlerRunsStages(t *testing.T) {
	d := newTestDispatcher(t, nil)

	resp, err := d.Submit(context.Background(), &models.Request{
		RequestType: "CHAINED",
		APIKey:      "dgf-alice",
		Payload:     map[string]any{"message": "chained"},
	})
	require.NoError(t, err)

	require.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, "enrich", resp.Result["chain"])
	stages, ok := resp.Result["stages"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, stages, 1)
	assert.Equal(t, "ECHO", stages[0]["request_type"])
}

func TestUserScopedHandlerResolution(t *testing.T) {
	// alice gets a user file overriding ARITHMETIC to echo.
	d := newTestDispatcher(t, nil)
	writeFile(t, filepath.Join(d.cfg.ConfigDir(), "handlers"), "alice.json",
		`{"ARITHMETIC": {"handler_class": "echo", "enabled": true}}`)
	require.NoError(t, d.cfg.Handlers.Reload())

	resp, err := d.Submit(context.Background(), &models.Request{
		RequestType: "ARITHMETIC",
		APIKey:      "dgf-alice",
		Payload:     map[string]any{"operation": "ADD"},
	})
	require.NoError(t, err)

	// The echo handler served it, not the arithmetic one.
	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Contains(t, resp.Result, "echo")
}
