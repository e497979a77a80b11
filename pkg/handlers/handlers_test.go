package handlers

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/engine"
	"github.com/ajsinha/dgfacade/pkg/models"
)

func request(requestType string, payload map[string]any) *models.Request {
	req := &models.Request{RequestType: requestType, Payload: payload}
	req.Normalize()
	return req
}

func TestArithmeticOperations(t *testing.T) {
	h := NewArithmeticHandler()
	require.NoError(t, h.Construct(nil))

	cases := []struct {
		operation string
		operands  []any
		want      float64
	}{
		{"ADD", []any{float64(7), float64(6)}, 13},
		{"SUBTRACT", []any{float64(10), float64(4)}, 6},
		{"MULTIPLY", []any{float64(3), float64(5)}, 15},
		{"DIVIDE", []any{float64(20), float64(4)}, 5},
		{"ADD", []any{float64(1), float64(2), float64(3)}, 6},
	}
	for _, tc := range cases {
		resp, err := h.Execute(context.Background(), request("ARITHMETIC", map[string]any{
			"operation": tc.operation,
			"operands":  tc.operands,
		}))
		require.NoError(t, err, tc.operation)
		assert.Equal(t, tc.want, resp.Result["result"], tc.operation)
	}
}

func TestArithmeticDivisionByZero(t *testing.T) {
	h := NewArithmeticHandler()
	_, err := h.Execute(context.Background(), request("ARITHMETIC", map[string]any{
		"operation": "DIVIDE",
		"operands":  []any{float64(10), float64(0)},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Division by zero")
}

func TestArithmeticValidation(t *testing.T) {
	h := NewArithmeticHandler()

	_, err := h.Execute(context.Background(), request("ARITHMETIC", map[string]any{
		"operation": "MODULO",
		"operands":  []any{float64(1), float64(2)},
	}))
	assert.Error(t, err)

	_, err = h.Execute(context.Background(), request("ARITHMETIC", map[string]any{
		"operation": "ADD",
		"operands":  []any{float64(1)},
	}))
	assert.Error(t, err)

	_, err = h.Execute(context.Background(), request("ARITHMETIC", map[string]any{
		"operation": "ADD",
		"operands":  "not-a-list",
	}))
	assert.Error(t, err)
}

func TestEchoReflectsPayload(t *testing.T) {
	h := NewEchoHandler()
	req := request("ECHO", map[string]any{"message": "Hello"})

	resp, err := h.Execute(context.Background(), req)
	require.NoError(t, err)

	echo, ok := resp.Result["echo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Hello", echo["message"])
	assert.Equal(t, req.RequestID, resp.Result["echo_request_id"])
}

func TestEchoNilPayload(t *testing.T) {
	h := NewEchoHandler()
	resp, err := h.Execute(context.Background(), request("ECHO", nil))
	require.NoError(t, err)
	assert.NotNil(t, resp.Result["echo"])
}

func TestSleepHonoursStop(t *testing.T) {
	h := NewSleepHandler()
	req := request("SLEEP", map[string]any{"seconds": 60})

	done := make(chan *models.Response, 1)
	go func() {
		resp, _ := h.Execute(context.Background(), req)
		done <- resp
	}()

	time.Sleep(30 * time.Millisecond)
	h.Stop()

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		assert.Equal(t, true, resp.Result["interrupted"])
	case <-time.After(2 * time.Second):
		t.Fatal("sleep handler ignored stop")
	}
}

func TestSleepHonoursContext(t *testing.T) {
	h := NewSleepHandler()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.Execute(ctx, request("SLEEP", map[string]any{"seconds": 60}))
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("sleep handler ignored cancellation")
	}
}

func TestMarketDataStreamsUntilCancelled(t *testing.T) {
	h := NewMarketDataHandler()
	require.NoError(t, h.Construct(map[string]any{"interval_ms": float64(5)}))
	assert.True(t, h.IsStreaming())

	var mu sync.Mutex
	var published []*models.Response
	publish := func(resp *models.Response) error {
		mu.Lock()
		published = append(published, resp)
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *models.Response, 1)
	go func() {
		resp, _ := h.ExecuteStreaming(ctx, request("MARKET_DATA", map[string]any{
			"symbols": []any{"AAA", "BBB"},
		}), publish)
		done <- resp
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(published)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	final := <-done
	require.NotNil(t, final)
	assert.GreaterOrEqual(t, final.Result["ticks"], int64(3))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(published), 3)
	quotes, ok := published[0].Result["quotes"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, quotes, "AAA")
	assert.Contains(t, quotes, "BBB")
}

// stubSubmitter runs stage requests against a fixed result.
type stubSubmitter struct {
	mu    sync.Mutex
	calls []*models.Request
	fail  bool
}

func (s *stubSubmitter) Submit(_ context.Context, req *models.Request) (*models.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.fail {
		return models.NewErrorResponse(req.RequestID, "stage failed"), nil
	}
	return models.NewSuccessResponse(req.RequestID, map[string]any{
		"stage":   req.RequestType,
		"carried": req.Payload,
	}), nil
}

func chainRegistry(t *testing.T, stages string) *config.ChainRegistry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.json"),
		[]byte(`{"enabled": true, "stages": `+stages+`}`), 0o644))
	reg := config.NewChainRegistry(dir)
	require.NoError(t, reg.Reload())
	return reg
}

func TestChainRunsStagesInOrder(t *testing.T) {
	submit := &stubSubmitter{}
	h := NewChainHandler(chainRegistry(t, `["ECHO", "ARITHMETIC"]`), submit)
	require.NoError(t, h.Construct(map[string]any{"chain": "pipeline"}))

	resp, err := h.Execute(context.Background(), request("CHAINED", map[string]any{"x": float64(1)}))
	require.NoError(t, err)

	assert.Equal(t, "pipeline", resp.Result["chain"])
	require.Len(t, submit.calls, 2)
	assert.Equal(t, "ECHO", submit.calls[0].RequestType)
	assert.Equal(t, "ARITHMETIC", submit.calls[1].RequestType)

	// Stage two received stage one's result as payload.
	assert.Equal(t, "ECHO", submit.calls[1].Payload["stage"])
}

func TestChainFailingStageAborts(t *testing.T) {
	submit := &stubSubmitter{fail: true}
	h := NewChainHandler(chainRegistry(t, `["ECHO", "ARITHMETIC"]`), submit)
	require.NoError(t, h.Construct(map[string]any{"chain": "pipeline"}))

	_, err := h.Execute(context.Background(), request("CHAINED", nil))
	require.Error(t, err)
	assert.Len(t, submit.calls, 1)
}

func TestChainUnknownID(t *testing.T) {
	h := NewChainHandler(chainRegistry(t, `["ECHO"]`), &stubSubmitter{})
	require.NoError(t, h.Construct(map[string]any{"chain": "missing"}))

	_, err := h.Execute(context.Background(), request("CHAINED", nil))
	assert.ErrorIs(t, err, config.ErrChainNotFound)
}

func TestRegisterBuiltins(t *testing.T) {
	reg := engine.NewRegistry()
	RegisterBuiltins(reg, chainRegistry(t, `["ECHO"]`), &stubSubmitter{})

	classes := reg.Classes()
	assert.Contains(t, classes, ClassArithmetic)
	assert.Contains(t, classes, ClassEcho)
	assert.Contains(t, classes, ClassSleep)
	assert.Contains(t, classes, ClassMarketData)
	assert.Contains(t, classes, ClassChain)

	// Without chain wiring the chain class is omitted.
	bare := engine.NewRegistry()
	RegisterBuiltins(bare, nil, nil)
	assert.NotContains(t, bare.Classes(), ClassChain)
}
