// Package api provides the HTTP and WebSocket surface of the gateway.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ajsinha/dgfacade/pkg/cluster"
	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/dispatch"
	"github.com/ajsinha/dgfacade/pkg/engine"
	"github.com/ajsinha/dgfacade/pkg/ingester"
	"github.com/ajsinha/dgfacade/pkg/metrics"
	"github.com/ajsinha/dgfacade/pkg/streaming"
	"github.com/ajsinha/dgfacade/pkg/version"
)

var startedAt = time.Now()

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	engine     *engine.Engine
	sessions   *streaming.Manager
	streams    *StreamManager

	ingesters  *ingester.Manager    // nil when no ingesters configured
	clusterSvc *cluster.Service     // nil or standalone
	reloader   *config.AutoReloader // nil disables force reload
	metrics    *metrics.Metrics     // nil disables /metrics
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg *config.Config,
	dispatcher *dispatch.Dispatcher,
	eng *engine.Engine,
	sessions *streaming.Manager,
	streams *StreamManager,
) *Server {
	s := &Server{
		echo:       echo.New(),
		cfg:        cfg,
		dispatcher: dispatcher,
		engine:     eng,
		sessions:   sessions,
		streams:    streams,
	}
	s.setupRoutes()
	return s
}

// SetIngesterManager wires the ingester admin endpoints.
func (s *Server) SetIngesterManager(m *ingester.Manager) {
	s.ingesters = m
}

// SetClusterService wires the cluster endpoints.
func (s *Server) SetClusterService(c *cluster.Service) {
	s.clusterSvc = c
}

// SetReloader wires the force-reload endpoint.
func (s *Server) SetReloader(r *config.AutoReloader) {
	s.reloader = r
}

// SetMetrics wires the Prometheus endpoint.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	// Request payloads are free-form; bound the HTTP read before decode.
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", s.metricsHandler)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/requests", s.submitRequestHandler)

	// Recent execution states (static paths before :id).
	v1.GET("/executions", s.listExecutionsHandler)
	v1.GET("/executions/:id", s.getExecutionHandler)
	v1.POST("/executions/:id/stop", s.stopExecutionHandler)

	// Streaming session admin + REST pull channel.
	v1.GET("/sessions", s.listSessionsHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.POST("/sessions/:id/stop", s.stopSessionHandler)
	v1.GET("/sessions/:id/responses", s.sessionResponsesHandler)

	// Ingesters.
	v1.GET("/ingesters", s.listIngestersHandler)
	v1.POST("/ingesters/:id/submit", s.ingesterSubmitHandler)

	// Config.
	v1.POST("/config/reload", s.configReloadHandler)

	// WebSocket endpoint for streaming session delivery.
	v1.GET("/ws", s.wsHandler)

	// Cluster protocol.
	s.echo.POST("/cluster/heartbeat", s.clusterHeartbeatHandler)
	s.echo.GET("/cluster/nodes", s.clusterNodesHandler)
	s.echo.POST("/cluster/forward", s.clusterForwardHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener. Used by tests to bind
// a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	stats := s.cfg.Stats()
	resp := &HealthResponse{
		Status:  "healthy",
		Version: version.Full(),
		Uptime:  time.Since(startedAt).Round(time.Second).String(),
		Configuration: ConfigurationStats{
			HandlerFiles:   stats.HandlerFiles,
			Brokers:        stats.Brokers,
			InputChannels:  stats.InputChannels,
			OutputChannels: stats.OutputChannels,
			Ingesters:      stats.Ingesters,
			Chains:         stats.Chains,
		},
		ActiveExecutions: s.engine.ActiveCount(),
		ActiveSessions:   s.sessions.ActiveCount(),
		WSConnections:    s.streams.ActiveConnections(),
	}
	if s.ingesters != nil {
		resp.Ingesters = s.ingesters.Stats()
	}
	return c.JSON(http.StatusOK, resp)
}

// metricsHandler serves the Prometheus registry.
func (s *Server) metricsHandler(c *echo.Context) error {
	if s.metrics == nil {
		return echo.NewHTTPError(http.StatusNotFound, "metrics disabled")
	}
	promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}).
		ServeHTTP(c.Response(), c.Request())
	return nil
}
