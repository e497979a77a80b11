package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/ajsinha/dgfacade/pkg/cluster"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// submitRequestHandler handles POST /api/v1/requests. Blocks until the
// Response is available (the STREAMING_STARTED ack for streaming requests).
func (s *Server) submitRequestHandler(c *echo.Context) error {
	var req models.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Source = models.SourceREST
	// The user identity comes from the credential, never from the wire.
	req.UserID = ""

	// Fall back to the api_key header when the body carries none.
	if req.APIKey == "" {
		req.APIKey = c.Request().Header.Get("X-API-Key")
	}

	resp, err := s.dispatcher.Submit(c.Request().Context(), &req)
	if err != nil {
		return mapDispatchError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// listExecutionsHandler handles GET /api/v1/executions: the recent-states
// ring snapshot, newest first.
func (s *Server) listExecutionsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Ring().Snapshot())
}

// getExecutionHandler handles GET /api/v1/executions/:id.
func (s *Server) getExecutionHandler(c *echo.Context) error {
	state, ok := s.engine.Ring().Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	return c.JSON(http.StatusOK, state)
}

// stopExecutionHandler handles POST /api/v1/executions/:id/stop.
func (s *Server) stopExecutionHandler(c *echo.Context) error {
	id := c.Param("id")
	if !s.engine.Stop(id, "stopped via API") {
		return echo.NewHTTPError(http.StatusNotFound, "execution not active")
	}
	return c.JSON(http.StatusOK, &StopResponse{ID: id, Stopped: true})
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.sessions.List())
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	snap, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, snap)
}

// stopSessionHandler handles POST /api/v1/sessions/:id/stop.
func (s *Server) stopSessionHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.sessions.Stop(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, &StopResponse{ID: id, Stopped: true})
}

// sessionResponsesHandler handles GET /api/v1/sessions/:id/responses: the
// REST pull channel, draining the session's buffered responses.
func (s *Server) sessionResponsesHandler(c *echo.Context) error {
	buffered := s.sessions.Fanout().Rest().Drain(c.Param("id"))
	if buffered == nil {
		buffered = []*models.Response{}
	}
	return c.JSON(http.StatusOK, buffered)
}

// listIngestersHandler handles GET /api/v1/ingesters.
func (s *Server) listIngestersHandler(c *echo.Context) error {
	if s.ingesters == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, s.ingesters.Stats())
}

// ingesterSubmitHandler handles POST /api/v1/ingesters/:id/submit: process
// a raw JSON body as if it came from the broker.
func (s *Server) ingesterSubmitHandler(c *echo.Context) error {
	if s.ingesters == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no ingesters configured")
	}
	ing, err := s.ingesters.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "ingester not found")
	}

	var body ManualSubmitRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Body == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "body field is required")
	}

	resp, err := ing.SubmitManual(body.Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// configReloadHandler handles POST /api/v1/config/reload: force-reload
// every registry regardless of fingerprints.
func (s *Server) configReloadHandler(c *echo.Context) error {
	if s.reloader == nil {
		return echo.NewHTTPError(http.StatusNotFound, "auto-reload not configured")
	}
	if err := s.reloader.ForceReloadAll(); err != nil {
		return c.JSON(http.StatusInternalServerError, &ReloadResponse{
			Reloaded: false,
			Message:  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, &ReloadResponse{Reloaded: true})
}

// wsHandler upgrades to WebSocket and hands the connection to the stream
// manager. Blocks until the connection closes.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy is the deployment proxy's concern
	})
	if err != nil {
		return err
	}
	s.streams.HandleConnection(c.Request().Context(), conn)
	return nil
}

// clusterHeartbeatHandler handles POST /cluster/heartbeat.
func (s *Server) clusterHeartbeatHandler(c *echo.Context) error {
	if s.clusterSvc == nil {
		return echo.NewHTTPError(http.StatusNotFound, "clustering disabled")
	}
	var sender cluster.NodeState
	if err := c.Bind(&sender); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, s.clusterSvc.HandleHeartbeat(&sender))
}

// clusterNodesHandler handles GET /cluster/nodes.
func (s *Server) clusterNodesHandler(c *echo.Context) error {
	if s.clusterSvc == nil {
		return echo.NewHTTPError(http.StatusNotFound, "clustering disabled")
	}
	return c.JSON(http.StatusOK, s.clusterSvc.Nodes())
}

// clusterForwardHandler handles POST /cluster/forward: execute a forwarded
// request locally and return its Response.
func (s *Server) clusterForwardHandler(c *echo.Context) error {
	if s.clusterSvc == nil {
		return echo.NewHTTPError(http.StatusNotFound, "clustering disabled")
	}
	var envelope cluster.ForwardEnvelope
	if err := c.Bind(&envelope); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if envelope.Request == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request is required")
	}

	s.clusterSvc.RecordReceived()
	resp, err := s.dispatcher.Submit(c.Request().Context(), envelope.Request)
	if err != nil {
		return mapDispatchError(err)
	}
	return c.JSON(http.StatusOK, resp)
}
