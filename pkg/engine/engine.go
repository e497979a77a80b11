package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
	"github.com/ajsinha/dgfacade/pkg/streaming"
)

// Engine converts validated Requests into Responses, one supervised
// execution unit per request. Each unit gets its own cancellation scope and
// TTL timer; a panic inside one handler never reaches another.
type Engine struct {
	cfg      *config.EngineConfig
	registry *Registry
	ring     *StateRing

	accessor ChannelAccessor    // nil when handlers need no pub/sub
	sessions *streaming.Manager // nil when streaming is disabled

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	active map[string]*Execution
	closed bool
}

// New creates an engine. Executions are scoped to the engine's own base
// context, not the submitting request's, so an HTTP disconnect does not
// cancel the handler.
func New(cfg *config.EngineConfig, registry *Registry) *Engine {
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		registry: registry,
		ring:     NewStateRing(cfg.RecentStatesSize),
		baseCtx:  baseCtx,
		cancel:   cancel,
		active:   make(map[string]*Execution),
	}
}

// SetChannelAccessor injects the handler-facing pub/sub accessor.
func (e *Engine) SetChannelAccessor(a ChannelAccessor) {
	e.accessor = a
}

// SetSessionManager injects the streaming session manager.
func (e *Engine) SetSessionManager(m *streaming.Manager) {
	e.sessions = m
}

// Ring exposes the recent-states ring for the inspection API.
func (e *Engine) Ring() *StateRing { return e.ring }

// Submit instantiates the handler named by the config and launches its
// execution unit. The returned Execution's Result channel resolves with the
// final Response (or the STREAMING_STARTED ack for streaming requests).
//
// An unresolvable handler class fails immediately; the only allocation left
// behind is the ring entry recording the failure.
func (e *Engine) Submit(req *models.Request, hc *config.HandlerConfig) (*Execution, error) {
	state := newHandlerState(req.RequestID, req.RequestType, hc.HandlerClass)
	e.ring.Add(state)

	handler, err := e.registry.Create(hc)
	if err != nil {
		state.finish(PhaseFailed, err.Error(), "")
		return nil, err
	}

	ttl := e.effectiveTTL(req, hc, handler)

	ctx, cancel := context.WithCancel(e.baseCtx)
	x := &Execution{
		id:        uuid.New().String(),
		engine:    e,
		req:       req,
		handler:   handler,
		state:     state,
		ttl:       ttl,
		ctx:       ctx,
		cancel:    cancel,
		configMap: hc.Config,
		result:    make(chan *models.Response, 1),
		done:      make(chan struct{}),
	}

	if e.isStreaming(req, handler) {
		if _, ok := handler.(StreamingHandler); !ok {
			cancel()
			err := fmt.Errorf("handler %s does not support streaming", hc.HandlerClass)
			state.finish(PhaseFailed, err.Error(), "")
			return nil, err
		}
		if e.sessions == nil {
			cancel()
			err := fmt.Errorf("streaming is not enabled")
			state.finish(PhaseFailed, err.Error(), "")
			return nil, err
		}
		if len(req.ResponseChannels) == 0 {
			if cd, ok := handler.(ChannelDefaulter); ok {
				req.ResponseChannels = cd.DefaultResponseChannels()
			}
		}
		session, err := e.sessions.Open(req, ttl, x.RequestStop)
		if err != nil {
			cancel()
			state.finish(PhaseFailed, err.Error(), "")
			return nil, err
		}
		x.session = session
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		if x.session != nil {
			e.sessions.Close(x.session.ID, nil, "engine shutting down")
		}
		state.finish(PhaseFailed, "engine is shutting down", "")
		return nil, fmt.Errorf("engine is shutting down")
	}
	e.active[req.RequestID] = x
	e.mu.Unlock()

	go x.run()
	return x, nil
}

// Stop requests cooperative cancellation of an in-flight execution.
// Returns false when the request is not active on this node.
func (e *Engine) Stop(requestID, reason string) bool {
	e.mu.RLock()
	x, ok := e.active[requestID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	x.RequestStop(reason)
	return true
}

// Get returns the in-flight execution for a request id.
func (e *Engine) Get(requestID string) (*Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.active[requestID]
	return x, ok
}

// ActiveCount returns the number of in-flight execution units.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

// Shutdown stops accepting work, signals every active execution, and waits
// for teardown until ctx expires.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.closed = true
	units := make([]*Execution, 0, len(e.active))
	for _, x := range e.active {
		units = append(units, x)
	}
	e.mu.Unlock()

	slog.Info("Engine shutting down", "active_executions", len(units))
	for _, x := range units {
		x.RequestStop("engine shutting down")
	}
	for _, x := range units {
		select {
		case <-x.Done():
		case <-ctx.Done():
			e.cancel()
			return
		}
	}
	e.cancel()
}

func (e *Engine) unregister(x *Execution) {
	e.mu.Lock()
	delete(e.active, x.req.RequestID)
	e.mu.Unlock()
}

func (e *Engine) grace() time.Duration {
	if e.cfg.StopGracePeriod > 0 {
		return e.cfg.StopGracePeriod
	}
	return config.DefaultStopGracePeriod
}

// effectiveTTL resolves the execution deadline: request override, then
// handler config, then the handler's own default, then the system default.
func (e *Engine) effectiveTTL(req *models.Request, hc *config.HandlerConfig, h Handler) time.Duration {
	def := time.Duration(config.DefaultTTLMinutes) * time.Minute
	if td, ok := h.(TTLDefaulter); ok && td.DefaultTTLMinutes() > 0 {
		def = time.Duration(td.DefaultTTLMinutes()) * time.Minute
	}
	if hc.TTLMinutes > 0 {
		def = time.Duration(hc.TTLMinutes) * time.Minute
	}
	return req.EffectiveTTL(def)
}

// isStreaming decides the execution mode for a request/handler pair.
func (e *Engine) isStreaming(req *models.Request, h Handler) bool {
	if req.Streaming {
		return true
	}
	if sc, ok := h.(StreamingCapable); ok {
		return sc.IsStreaming()
	}
	return false
}
