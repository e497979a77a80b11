package handlers

import (
	"context"

	"github.com/ajsinha/dgfacade/pkg/models"
)

// EchoHandler reflects the request payload back to the caller.
type EchoHandler struct{}

// NewEchoHandler creates an echo handler.
func NewEchoHandler() *EchoHandler { return &EchoHandler{} }

// Construct is a no-op.
func (h *EchoHandler) Construct(_ map[string]any) error { return nil }

// Execute echoes the payload and the request id.
func (h *EchoHandler) Execute(_ context.Context, req *models.Request) (*models.Response, error) {
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return models.NewSuccessResponse(req.RequestID, map[string]any{
		"echo":            payload,
		"echo_request_id": req.RequestID,
	}), nil
}

// Stop is a no-op.
func (h *EchoHandler) Stop() {}

// Cleanup is a no-op.
func (h *EchoHandler) Cleanup() {}
