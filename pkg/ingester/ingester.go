// Package ingester consumes broker messages and submits synthesized
// Requests to the dispatcher.
package ingester

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ajsinha/dgfacade/pkg/broker"
	"github.com/ajsinha/dgfacade/pkg/config"
	"github.com/ajsinha/dgfacade/pkg/models"
)

// Submitter is the dispatcher seam: submit one request, return its future's
// response. Ingesters discard responses — errors go to logs and metrics.
type Submitter interface {
	Submit(ctx context.Context, req *models.Request) (*models.Response, error)
}

// Stats is a point-in-time ingester counters snapshot. Rejected folds in
// the subscriber's own failures (e.g. files moved to error/).
type Stats struct {
	ID         string                 `json:"id"`
	Running    bool                   `json:"running"`
	Received   int64                  `json:"received"`
	Submitted  int64                  `json:"submitted"`
	Failed     int64                  `json:"failed"`
	Rejected   int64                  `json:"rejected"`
	Subscriber broker.SubscriberStats `json:"subscriber"`
}

// Ingester binds one subscriber to the dispatcher. Each consumed message
// body is parsed as a Request JSON, stamped with the ingress source, and
// submitted.
type Ingester struct {
	id         string
	source     models.Source
	subscriber broker.Subscriber
	submit     Submitter
	user       string // user id stamped on synthesized requests

	received  atomic.Int64
	submitted atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	mu      sync.Mutex
	running bool
}

// sourceForType maps a channel's broker type to the request Source stamp.
func sourceForType(t config.BrokerType) models.Source {
	switch t {
	case config.BrokerKafka, config.BrokerConfluentKafka:
		return models.SourceKafka
	case config.BrokerActiveMQ:
		return models.SourceActiveMQ
	case config.BrokerRabbitMQ:
		return models.SourceRabbitMQ
	case config.BrokerIBMMQ:
		return models.SourceIBMMQ
	case config.BrokerFilesystem:
		return models.SourceFilesystem
	case config.BrokerSQL:
		return models.SourceSQL
	default:
		return models.SourceManual
	}
}

// New creates an ingester over an initialized subscriber.
func New(id string, resolved *config.ResolvedChannel, subscriber broker.Subscriber, submit Submitter) *Ingester {
	return &Ingester{
		id:         id,
		source:     sourceForType(resolved.Type),
		subscriber: subscriber,
		submit:     submit,
		user:       config.String(resolved.Config, "user_id", config.DefaultHandlerFile),
	}
}

// ID returns the ingester id.
func (i *Ingester) ID() string { return i.id }

// Start subscribes to every destination and launches the subscriber.
func (i *Ingester) Start(ctx context.Context, destinations []config.Destination) error {
	for _, dest := range destinations {
		if err := i.subscriber.Subscribe(dest.Name, i.onMessage); err != nil {
			return err
		}
	}
	if err := i.subscriber.Start(ctx); err != nil {
		return err
	}

	i.mu.Lock()
	i.running = true
	i.mu.Unlock()

	slog.Info("Ingester started", "ingester", i.id, "source", i.source, "destinations", len(destinations))
	return nil
}

// Stop closes the underlying subscriber.
func (i *Ingester) Stop() error {
	i.mu.Lock()
	i.running = false
	i.mu.Unlock()

	err := i.subscriber.Close()
	slog.Info("Ingester stopped", "ingester", i.id)
	return err
}

// IsRunning reports whether the ingester is consuming.
func (i *Ingester) IsRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

// SubmitManual processes a raw JSON string as if it had arrived from the
// broker.
func (i *Ingester) SubmitManual(body string) (*models.Response, error) {
	env := models.NewEnvelope("manual", body)
	return i.process(env)
}

// onMessage is the subscriber listener: parse, stamp, submit.
func (i *Ingester) onMessage(env *models.MessageEnvelope) {
	_, _ = i.process(env)
}

func (i *Ingester) process(env *models.MessageEnvelope) (*models.Response, error) {
	i.received.Add(1)

	req, err := models.ParseRequest([]byte(env.Payload), i.source)
	if err != nil {
		i.rejected.Add(1)
		slog.Warn("Ingester rejected message",
			"ingester", i.id, "message_id", env.MessageID, "error", err)
		return nil, err
	}
	if req.RequestType == "" {
		i.rejected.Add(1)
		slog.Warn("Ingester rejected message without request_type",
			"ingester", i.id, "message_id", env.MessageID)
		return nil, config.ErrInvalidJSON
	}
	if req.UserID == "" && req.APIKey == "" {
		req.UserID = i.user
	}

	resp, err := i.submit.Submit(context.Background(), req)
	if err != nil {
		i.failed.Add(1)
		// No response channel exists for ingested requests — the error is
		// recorded here and nowhere else.
		slog.Warn("Ingester submission failed",
			"ingester", i.id, "request_id", req.RequestID,
			"request_type", req.RequestType, "error", err)
		return nil, err
	}

	i.submitted.Add(1)
	return resp, nil
}

// Stats returns a counters snapshot.
func (i *Ingester) Stats() Stats {
	sub := i.subscriber.Stats()
	return Stats{
		ID:         i.id,
		Running:    i.IsRunning(),
		Received:   i.received.Load(),
		Submitted:  i.submitted.Load(),
		Failed:     i.failed.Load(),
		Rejected:   i.rejected.Load() + sub.Failed,
		Subscriber: sub,
	}
}
