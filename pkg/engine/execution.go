package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ajsinha/dgfacade/pkg/models"
	"github.com/ajsinha/dgfacade/pkg/streaming"
)

// Execution is one supervised execution unit: a single handler run with its
// own cancellation scope, TTL timer, and captured state.
type Execution struct {
	id      string
	engine  *Engine
	req     *models.Request
	handler Handler
	state   *HandlerState
	ttl     time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	stopReason  string
	finalResp   *models.Response
	finalReason string

	configMap map[string]any
	session   *streaming.Session // nil for one-shot executions

	result       chan *models.Response
	completeOnce sync.Once
	cleanupOnce  sync.Once
	done         chan struct{}
}

// CompletedExecution wraps an already-produced Response (e.g. from a
// cluster forward) in a resolved future so callers see one shape.
func CompletedExecution(resp *models.Response) *Execution {
	x := &Execution{
		id:     resp.HandlerID,
		req:    &models.Request{RequestID: resp.RequestID},
		state:  newHandlerState(resp.RequestID, "", resp.HandlerType),
		result: make(chan *models.Response, 1),
		done:   make(chan struct{}),
	}
	x.state.finish(PhaseStopped, "", "")
	x.result <- resp
	close(x.done)
	return x
}

// execResult carries the handler's return out of the invoke goroutine.
type execResult struct {
	resp  *models.Response
	err   error
	stack string
}

// ID returns the execution's unique handler id.
func (x *Execution) ID() string { return x.id }

// Result returns the completion channel. It receives exactly one Response:
// the final one for one-shot executions, the STREAMING_STARTED ack for
// streaming ones.
func (x *Execution) Result() <-chan *models.Response { return x.result }

// Done is closed when the execution unit has fully torn down.
func (x *Execution) Done() <-chan struct{} { return x.done }

// State returns a snapshot of the execution's captured state.
func (x *Execution) State() HandlerState { return x.state.Snapshot() }

// Wait blocks until the future completes or ctx is cancelled.
func (x *Execution) Wait(ctx context.Context) (*models.Response, error) {
	select {
	case resp := <-x.result:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestStop signals cooperative cancellation. The first caller's reason
// wins; later calls are no-ops.
func (x *Execution) RequestStop(reason string) {
	x.mu.Lock()
	if x.stopReason == "" {
		x.stopReason = reason
	}
	x.mu.Unlock()
	x.cancel()
}

func (x *Execution) reason() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stopReason == "" {
		return "stopped"
	}
	return x.stopReason
}

func (x *Execution) stopRequested() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stopReason != ""
}

// complete resolves the future exactly once.
func (x *Execution) complete(resp *models.Response) {
	x.completeOnce.Do(func() {
		x.result <- resp
	})
}

// cleanup invokes the handler's Cleanup exactly once, surviving panics.
func (x *Execution) cleanup() {
	x.cleanupOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Warn("Handler cleanup panicked",
					"request_id", x.req.RequestID, "panic", r)
			}
		}()
		x.handler.Cleanup()
	})
}

// safeStop invokes the handler's Stop, surviving panics.
func (x *Execution) safeStop() {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Handler stop panicked",
				"request_id", x.req.RequestID, "panic", r)
		}
	}()
	x.handler.Stop()
}

// run drives the full lifecycle. It and the invoke goroutine it starts are
// the only code that mutates the execution's HandlerState.
func (x *Execution) run() {
	log := slog.With("request_id", x.req.RequestID, "request_type", x.req.RequestType)

	defer close(x.done)
	defer x.engine.unregister(x)
	// Defer order matters: session close runs after cleanup so the
	// STREAMING_ENDED envelope goes out once the handler has released its
	// resources.
	defer x.closeSession()
	defer x.cleanup()

	// TTL countdown starts when the unit begins construct.
	x.state.setPhase(PhaseConstructing)
	startedAt := time.Now()
	x.req.ExecutionStartedAt = startedAt

	timer := time.NewTimer(x.ttl)
	defer timer.Stop()

	if ca, ok := x.handler.(ChannelAware); ok && x.engine.accessor != nil {
		ca.SetChannelAccessor(x.engine.accessor)
	}

	if err := x.construct(); err != nil {
		log.Warn("Handler construct failed", "error", err)
		x.fail(startedAt, err, "")
		return
	}
	x.state.setPhase(PhaseStarted)

	if x.session != nil {
		// Streaming: the future resolves immediately with the session ack;
		// incremental responses flow through the fan-out publisher.
		x.complete(x.session.Ack())
	}

	execDone := make(chan execResult, 1)
	go x.invoke(execDone)

	select {
	case res := <-execDone:
		// A stop may race the handler's own return; the stop outcome wins
		// so callers see the reason they asked with.
		if x.stopRequested() {
			x.settleStopped(startedAt, &res)
			return
		}
		x.finishFromResult(startedAt, res)
	case <-timer.C:
		x.onTimeout(startedAt, execDone, log)
	case <-x.ctx.Done():
		x.onStopped(startedAt, execDone, log)
	}
}

// construct calls the handler's Construct, translating panics into errors.
func (x *Execution) construct() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("construct panicked: %v", r)
		}
	}()
	return x.handler.Construct(x.configMap)
}

// invoke runs the handler body in its own goroutine so the unit can race it
// against the TTL timer and the stop signal.
func (x *Execution) invoke(out chan<- execResult) {
	defer func() {
		if r := recover(); r != nil {
			out <- execResult{
				err:   fmt.Errorf("handler panicked: %v", r),
				stack: string(debug.Stack()),
			}
		}
	}()

	if x.session != nil {
		x.state.setPhase(PhaseStreaming)
		sh := x.handler.(StreamingHandler)
		sessionID := x.session.ID
		publish := func(resp *models.Response) error {
			return x.engine.sessions.Publish(sessionID, resp)
		}
		resp, err := sh.ExecuteStreaming(x.ctx, x.req, publish)
		out <- execResult{resp: resp, err: err}
		return
	}

	x.state.setPhase(PhaseExecuting)
	resp, err := x.handler.Execute(x.ctx, x.req)
	out <- execResult{resp: resp, err: err}
}

// finishFromResult handles the handler returning on its own.
func (x *Execution) finishFromResult(startedAt time.Time, res execResult) {
	if res.err != nil {
		x.fail(startedAt, res.err, res.stack)
		return
	}

	resp := res.resp
	if resp == nil {
		// A nil Response still succeeds; metadata stamping happens below.
		resp = models.NewSuccessResponse(x.req.RequestID, nil)
	}
	x.stamp(resp, startedAt)
	x.state.snapshotResponse(resp)
	x.state.finish(PhaseStopped, "", "")
	x.setFinal(resp, "completed")
	x.complete(resp)
}

// onTimeout handles TTL expiry: signal stop, complete the future with a
// timeout Response, then wait out the grace period before teardown. A late
// handler return is discarded; cleanup still runs via the deferred path.
func (x *Execution) onTimeout(startedAt time.Time, execDone <-chan execResult, log *slog.Logger) {
	log.Warn("Execution TTL exceeded", "ttl", x.ttl)

	x.state.setPhase(PhaseStopping)
	x.safeStop()
	x.cancel()

	resp := models.NewTimeoutResponse(x.req.RequestID,
		fmt.Sprintf("execution exceeded TTL of %s", x.ttl))
	x.stamp(resp, startedAt)
	x.state.snapshotResponse(resp)

	select {
	case <-execDone:
	case <-time.After(x.engine.grace()):
		log.Warn("Handler did not honour stop within grace period")
	}

	x.state.finish(PhaseTimedOut, resp.Message, "")
	x.setFinal(resp, "ttl_expired")
	x.complete(resp)
}

// onStopped handles an external stop (API, session stop, engine shutdown):
// signal the handler, wait out the grace period, then settle.
func (x *Execution) onStopped(startedAt time.Time, execDone <-chan execResult, log *slog.Logger) {
	log.Info("Execution stop requested", "reason", x.reason())

	x.state.setPhase(PhaseStopping)
	x.safeStop()

	select {
	case res := <-execDone:
		x.settleStopped(startedAt, &res)
	case <-time.After(x.engine.grace()):
		log.Warn("Handler did not honour stop within grace period")
		x.settleStopped(startedAt, nil)
	}
}

// settleStopped finalizes a stopped execution. A handler that honoured the
// stop and returned a result keeps it; anything else (error, cancellation,
// grace expiry) settles as a stopped error Response.
func (x *Execution) settleStopped(startedAt time.Time, res *execResult) {
	reason := x.reason()

	var resp *models.Response
	if res != nil && res.err == nil {
		resp = res.resp
		if resp == nil {
			resp = models.NewSuccessResponse(x.req.RequestID, nil)
		}
	} else {
		resp = models.NewErrorResponse(x.req.RequestID,
			fmt.Sprintf("execution stopped: %s", reason))
	}

	x.stamp(resp, startedAt)
	x.state.snapshotResponse(resp)
	if resp.Status == models.StatusSuccess {
		x.state.finish(PhaseStopped, "", "")
	} else {
		x.state.finish(PhaseStopped, resp.Message, "")
	}
	x.setFinal(resp, reason)
	x.complete(resp)
}

// fail records a handler failure and completes the future with an error
// Response.
func (x *Execution) fail(startedAt time.Time, err error, stack string) {
	resp := models.NewErrorResponse(x.req.RequestID, err.Error())
	x.stamp(resp, startedAt)
	x.state.snapshotResponse(resp)
	x.state.finish(PhaseFailed, err.Error(), stack)
	x.setFinal(resp, "failed")
	x.complete(resp)
}

// stamp applies the engine's response metadata.
func (x *Execution) stamp(resp *models.Response, startedAt time.Time) {
	resp.RequestID = x.req.RequestID
	resp.HandlerID = x.id
	resp.HandlerType = x.state.HandlerClass
	resp.ExecutionTimeMs = time.Since(startedAt).Milliseconds()
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
}

// setFinal records the final response and reason for the session close path.
func (x *Execution) setFinal(resp *models.Response, reason string) {
	x.mu.Lock()
	x.finalResp = resp
	x.finalReason = reason
	x.mu.Unlock()
}

// closeSession ends the streaming session, if any, after cleanup has run.
func (x *Execution) closeSession() {
	if x.session == nil {
		return
	}
	x.mu.Lock()
	resp, reason := x.finalResp, x.finalReason
	x.mu.Unlock()
	x.engine.sessions.Close(x.session.ID, resp, reason)
}
