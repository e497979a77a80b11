package handlers

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/engine"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// MarketDataHandler is the streaming reference handler: it produces a
// synthetic quote per symbol on every tick until stopped or expired.
type MarketDataHandler struct {
	symbols  []string
	interval time.Duration
	stopped  atomic.Bool
}

// NewMarketDataHandler creates a market data handler.
func NewMarketDataHandler() *MarketDataHandler { return &MarketDataHandler{} }

// Construct reads the tick interval and default symbols from the handler
// config.
func (h *MarketDataHandler) Construct(cfg map[string]any) error {
	h.interval = time.Duration(config.Int(cfg, "interval_ms", 1000)) * time.Millisecond
	if symbols, ok := cfg["symbols"].([]any); ok {
		for _, s := range symbols {
			if str, ok := s.(string); ok {
				h.symbols = append(h.symbols, str)
			}
		}
	}
	return nil
}

// IsStreaming marks the handler as streaming regardless of the request flag.
func (h *MarketDataHandler) IsStreaming() bool { return true }

// DefaultResponseChannels supplies WEBSOCKET when the request names none.
func (h *MarketDataHandler) DefaultResponseChannels() []models.ResponseChannel {
	return []models.ResponseChannel{models.ChannelWebSocket}
}

// Execute is the one-shot entry point; market data only streams.
func (h *MarketDataHandler) Execute(ctx context.Context, req *models.Request) (*models.Response, error) {
	return h.ExecuteStreaming(ctx, req, func(*models.Response) error { return nil })
}

// ExecuteStreaming publishes one quote set per tick until cancellation.
func (h *MarketDataHandler) ExecuteStreaming(ctx context.Context, req *models.Request, publish engine.PublishFunc) (*models.Response, error) {
	symbols := h.symbols
	if reqSymbols, ok := req.Payload["symbols"].([]any); ok {
		symbols = symbols[:0]
		for _, s := range reqSymbols {
			if str, ok := s.(string); ok {
				symbols = append(symbols, str)
			}
		}
	}
	if len(symbols) == 0 {
		symbols = []string{"DGF"}
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var ticks int64
	for {
		select {
		case <-ctx.Done():
			return h.finalResponse(req, ticks), nil
		case <-ticker.C:
			if h.stopped.Load() {
				return h.finalResponse(req, ticks), nil
			}
			ticks++
			quotes := make(map[string]any, len(symbols))
			for i, symbol := range symbols {
				quotes[symbol] = syntheticQuote(ticks, i)
			}
			if err := publish(&models.Response{
				Result: map[string]any{"tick": ticks, "quotes": quotes},
			}); err != nil {
				// Session gone — nothing left to stream to.
				return h.finalResponse(req, ticks), nil
			}
		}
	}
}

func (h *MarketDataHandler) finalResponse(req *models.Request, ticks int64) *models.Response {
	return models.NewSuccessResponse(req.RequestID, map[string]any{"ticks": ticks})
}

// Stop flags the tick loop to exit.
func (h *MarketDataHandler) Stop() { h.stopped.Store(true) }

// Cleanup is a no-op.
func (h *MarketDataHandler) Cleanup() {}

// syntheticQuote derives a deterministic pseudo-price so tests can assert
// on structure without seeding randomness.
func syntheticQuote(tick int64, symbolIndex int) map[string]any {
	base := 100.0 + float64(symbolIndex)*25.0
	price := base + 5.0*math.Sin(float64(tick)/10.0)
	return map[string]any{
		"price": math.Round(price*100) / 100,
		"tick":  tick,
	}
}
