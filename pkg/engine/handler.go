// Package engine runs one supervised execution unit per request, enforcing
// handler lifecycle order, TTL, cooperative cancellation, and state capture.
package engine

import (
	"context"

	"github.com/ajsinha/dgfacade/pkg/broker"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// Handler is the native contract every handler implements. The engine calls
// Construct once, then Execute (or ExecuteStreaming for streaming handlers),
// and always calls Cleanup on every exit path.
//
// Stop is the cooperative cancellation signal: it is invoked from a
// different goroutine than Execute and must be idempotent. Handlers honour
// it by watching the execution context or an internal flag.
type Handler interface {
	Construct(config map[string]any) error
	Execute(ctx context.Context, req *models.Request) (*models.Response, error)
	Stop()
	Cleanup()
}

// PublishFunc enqueues one incremental Response for fan-out to the session's
// channels. Sequence numbers and STREAMING_DATA stamping happen downstream.
type PublishFunc func(resp *models.Response) error

// StreamingHandler is implemented by handlers that produce incremental
// responses. ExecuteStreaming blocks until the stream ends; its return value
// is the session's final Response.
type StreamingHandler interface {
	Handler
	ExecuteStreaming(ctx context.Context, req *models.Request, publish PublishFunc) (*models.Response, error)
}

// Optional capability queries. The engine probes these with type assertions;
// absence falls back to configuration defaults.

// StreamingCapable marks a handler that decides at runtime whether it streams.
type StreamingCapable interface {
	IsStreaming() bool
}

// TTLDefaulter supplies a handler-level TTL default, overridden by the
// handler config and the request in that order.
type TTLDefaulter interface {
	DefaultTTLMinutes() int
}

// ChannelDefaulter supplies default response channels for streaming requests
// that name none.
type ChannelDefaulter interface {
	DefaultResponseChannels() []models.ResponseChannel
}

// ChannelAccessor is the handler-facing pub/sub seam. Implemented by the
// channels package; consumed here so handlers stay decoupled from wiring.
type ChannelAccessor interface {
	Publisher(channelID string) (broker.Publisher, error)
	Subscriber(channelID string) (broker.Subscriber, error)
}

// ChannelAware is implemented by handlers that publish or subscribe on their
// own. The engine injects the accessor before Construct.
type ChannelAware interface {
	SetChannelAccessor(accessor ChannelAccessor)
}
