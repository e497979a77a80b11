package api

import "github.com/ajsinha/dgfacade/pkg/ingester"

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status           string             `json:"status"`
	Version          string             `json:"version"`
	Uptime           string             `json:"uptime"`
	Configuration    ConfigurationStats `json:"configuration"`
	ActiveExecutions int                `json:"active_executions"`
	ActiveSessions   int                `json:"active_sessions"`
	WSConnections    int                `json:"ws_connections"`
	Ingesters        []ingester.Stats   `json:"ingesters,omitempty"`
}

// ConfigurationStats summarizes the loaded registries.
type ConfigurationStats struct {
	HandlerFiles   int `json:"handler_files"`
	Brokers        int `json:"brokers"`
	InputChannels  int `json:"input_channels"`
	OutputChannels int `json:"output_channels"`
	Ingesters      int `json:"ingesters"`
	Chains         int `json:"chains"`
}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	ID      string `json:"id"`
	Stopped bool   `json:"stopped"`
	Message string `json:"message,omitempty"`
}

// ReloadResponse acknowledges a force reload.
type ReloadResponse struct {
	Reloaded bool   `json:"reloaded"`
	Message  string `json:"message,omitempty"`
}

// ManualSubmitRequest is the body of POST /api/v1/ingesters/:id/submit.
type ManualSubmitRequest struct {
	Body string `json:"body"`
}
