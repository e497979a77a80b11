package handlers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// SleepHandler waits for a configured duration, honouring cooperative
// cancellation. Useful for load and TTL validation.
type SleepHandler struct {
	stopped atomic.Bool
}

// NewSleepHandler creates a sleep handler.
func NewSleepHandler() *SleepHandler { return &SleepHandler{} }

// Construct is a no-op.
func (h *SleepHandler) Construct(_ map[string]any) error { return nil }

// Execute sleeps for payload.seconds (or payload.millis), returning early
// when stopped or cancelled.
func (h *SleepHandler) Execute(ctx context.Context, req *models.Request) (*models.Response, error) {
	duration := time.Duration(config.Int(req.Payload, "seconds", 0)) * time.Second
	if millis := config.Int(req.Payload, "millis", 0); millis > 0 {
		duration = time.Duration(millis) * time.Millisecond
	}

	started := time.Now()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Since(started) < duration {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if h.stopped.Load() {
				return models.NewSuccessResponse(req.RequestID, map[string]any{
					"slept_ms":    time.Since(started).Milliseconds(),
					"interrupted": true,
				}), nil
			}
		}
	}

	return models.NewSuccessResponse(req.RequestID, map[string]any{
		"slept_ms": time.Since(started).Milliseconds(),
	}), nil
}

// Stop flags the sleep loop to exit.
func (h *SleepHandler) Stop() { h.stopped.Store(true) }

// Cleanup is a no-op.
func (h *SleepHandler) Cleanup() {}
