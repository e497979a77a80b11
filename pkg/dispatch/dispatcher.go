// Package dispatch runs the inbound request pipeline: validation,
// authentication, handler resolution, cluster routing, and engine
// submission.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ajsinha/dgfacade/pkg/auth"
	"github.com/ajsinha/dgfacade/pkg/cluster"
	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/engine"
	"github.com/ajsinha/dgfacade/pkg/metrics"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// Dispatcher is the pipeline every inbound request passes through,
// regardless of ingress channel.
type Dispatcher struct {
	cfg     *config.Config
	auth    *auth.Service
	engine  *engine.Engine
	cluster *cluster.Service // nil or standalone: always local execution
	metrics *metrics.Metrics // nil: no instrumentation

	// publicTypes bypass authentication.
	publicTypes map[string]bool

	// maxActive triggers load shedding: above this many in-flight
	// executions, clustered nodes forward instead of executing locally.
	// Zero disables shedding.
	maxActive int
}

// SetMaxActive sets the load-shedding threshold.
func (d *Dispatcher) SetMaxActive(n int) {
	d.maxActive = n
}

// New creates a dispatcher. cluster and m may be nil.
func New(cfg *config.Config, authSvc *auth.Service, eng *engine.Engine, clusterSvc *cluster.Service, m *metrics.Metrics, publicTypes []string) *Dispatcher {
	public := make(map[string]bool, len(publicTypes))
	for _, t := range publicTypes {
		public[t] = true
	}
	return &Dispatcher{
		cfg:         cfg,
		auth:        authSvc,
		engine:      eng,
		cluster:     clusterSvc,
		metrics:     m,
		publicTypes: public,
	}
}

// Submit runs the full pipeline and blocks until the Response is available
// (the STREAMING_STARTED ack for streaming requests). Dispatch-stage
// failures return a *Error; handler failures come back as error Responses.
func (d *Dispatcher) Submit(ctx context.Context, req *models.Request) (*models.Response, error) {
	x, err := d.SubmitAsync(ctx, req)
	if err != nil {
		return nil, err
	}
	return x.Wait(ctx)
}

// SubmitAsync runs the pipeline up to engine submission and returns the
// execution future. Forwarded requests complete remotely; the returned
// execution is a completed local stub in that case.
func (d *Dispatcher) SubmitAsync(ctx context.Context, req *models.Request) (*engine.Execution, error) {
	started := time.Now()

	// 1. Validate and normalize.
	req.Normalize()
	if err := req.Validate(); err != nil {
		d.count(req, "invalid")
		return nil, NewError(KindInvalidRequest, err.Error(), err)
	}

	// 2. Authenticate.
	if err := d.authenticate(req); err != nil {
		d.count(req, "auth_failed")
		return nil, err
	}

	// 3. Resolve the handler configuration.
	hc, err := d.cfg.Handlers.Resolve(req.UserID, req.RequestType)
	if err != nil {
		d.count(req, "handler_not_found")
		return nil, NewError(KindHandlerNotFound, err.Error(), err)
	}

	// 4. Cluster routing.
	if resp := d.maybeForward(ctx, req); resp != nil {
		d.count(req, string(resp.Status))
		return engine.CompletedExecution(resp), nil
	}

	// 5. Local execution.
	if d.cluster != nil {
		d.cluster.RecordRequest()
	}
	x, err := d.engine.Submit(req, hc)
	if err != nil {
		d.count(req, "handler_not_found")
		if errors.Is(err, engine.ErrHandlerClassNotFound) {
			return nil, NewError(KindHandlerNotFound, err.Error(), err)
		}
		return nil, NewError(KindHandlerFailure, err.Error(), err)
	}

	d.observe(req, started, x)
	return x, nil
}

// authenticate resolves the credential to a user id. Public request types
// bypass auth; everything else needs a valid key.
func (d *Dispatcher) authenticate(req *models.Request) error {
	if req.UserID != "" && req.APIKey == "" {
		// Trusted internal path (ingester-stamped or forwarded requests).
		return nil
	}
	if req.APIKey == "" {
		if d.publicTypes[req.RequestType] {
			return nil
		}
		return NewError(KindAuthFailed, "credential is required", auth.ErrInvalidCredential)
	}

	userID, err := d.auth.ResolveAPIKey(req.APIKey)
	if err != nil {
		if d.publicTypes[req.RequestType] {
			return nil
		}
		return NewError(KindAuthFailed, "invalid credential", err)
	}
	req.UserID = userID
	return nil
}

// maybeForward routes to a peer when this node's role excludes execution.
// A failed forward falls back to local execution.
func (d *Dispatcher) maybeForward(ctx context.Context, req *models.Request) *models.Response {
	if d.cluster == nil || !d.cluster.Enabled() {
		return nil
	}
	shedding := d.maxActive > 0 && d.engine.ActiveCount() >= d.maxActive
	if !d.cluster.ShouldForward() && !shedding {
		return nil
	}

	peer, err := d.cluster.PickExecutor()
	if err != nil {
		slog.Warn("No executor peer available, executing locally",
			"request_id", req.RequestID, "error", err)
		d.forwardOutcome("no_peer")
		return nil
	}

	resp, err := d.cluster.Forward(ctx, peer, req)
	if err != nil {
		slog.Warn("Cluster forward failed, executing locally",
			"request_id", req.RequestID, "peer", peer.NodeID, "error", err)
		d.forwardOutcome("failed")
		return nil
	}

	d.forwardOutcome("ok")
	return resp
}

func (d *Dispatcher) count(req *models.Request, status string) {
	if d.metrics == nil {
		return
	}
	source := string(req.Source)
	if source == "" {
		source = string(models.SourceManual)
	}
	d.metrics.RequestsTotal.WithLabelValues(source, status).Inc()
}

func (d *Dispatcher) forwardOutcome(outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.ForwardsTotal.WithLabelValues(outcome).Inc()
}

// observe records terminal metrics once the execution completes.
func (d *Dispatcher) observe(req *models.Request, started time.Time, x *engine.Execution) {
	if d.metrics == nil {
		return
	}
	go func() {
		<-x.Done()
		d.count(req, string(x.State().Phase))
		d.metrics.HandlerDuration.WithLabelValues(req.RequestType).
			Observe(time.Since(started).Seconds())
	}()
}
