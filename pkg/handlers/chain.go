package handlers

import (
	"context"
	"fmt"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// Submitter dispatches one request and waits for its response. Satisfied by
// the dispatcher; injected at registration so the chain handler stays
// decoupled from the pipeline.
type Submitter interface {
	Submit(ctx context.Context, req *models.Request) (*models.Response, error)
}

// ChainHandler executes a configured chain: an ordered list of request
// types run sequentially, each stage receiving the previous stage's result
// as its payload.
type ChainHandler struct {
	chains *config.ChainRegistry
	submit Submitter

	chainID string
}

// NewChainHandler creates a chain handler over the chain registry.
func NewChainHandler(chains *config.ChainRegistry, submit Submitter) *ChainHandler {
	return &ChainHandler{chains: chains, submit: submit}
}

// Construct captures the chain id from the handler config.
func (h *ChainHandler) Construct(cfg map[string]any) error {
	h.chainID = config.String(cfg, "chain", "")
	return nil
}

// Execute runs the chain's stages in order. A failing stage aborts the
// chain with its error.
func (h *ChainHandler) Execute(ctx context.Context, req *models.Request) (*models.Response, error) {
	chainID := config.String(req.Payload, "chain", h.chainID)
	if chainID == "" {
		return nil, fmt.Errorf("chain handler requires a chain id")
	}

	chain, err := h.chains.Get(chainID)
	if err != nil {
		return nil, err
	}
	if !chain.Enabled {
		return nil, fmt.Errorf("chain %s is disabled", chainID)
	}

	payload := req.Payload
	stages := make([]map[string]any, 0, len(chain.Stages))
	for i, stage := range chain.Stages {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		stageReq := &models.Request{
			RequestType: stage,
			UserID:      req.UserID,
			APIKey:      req.APIKey,
			Source:      req.Source,
			Payload:     payload,
		}
		stageReq.Normalize()

		resp, err := h.submit.Submit(ctx, stageReq)
		if err != nil {
			return nil, fmt.Errorf("chain %s stage %d (%s): %w", chainID, i+1, stage, err)
		}
		if resp.Status != models.StatusSuccess {
			return nil, fmt.Errorf("chain %s stage %d (%s): %s", chainID, i+1, stage, resp.Message)
		}

		stages = append(stages, map[string]any{
			"request_type": stage,
			"result":       resp.Result,
		})
		payload = resp.Result
	}

	return models.NewSuccessResponse(req.RequestID, map[string]any{
		"chain":  chainID,
		"stages": stages,
		"result": payload,
	}), nil
}

// Stop is a no-op; cancellation flows through the stage contexts.
func (h *ChainHandler) Stop() {}

// Cleanup is a no-op.
func (h *ChainHandler) Cleanup() {}
