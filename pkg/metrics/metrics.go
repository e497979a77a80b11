// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the gateway records. One instance per
// process, registered on its own registry so tests can run in isolation.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
	ActiveExecutions prometheus.GaugeFunc
	StreamsActive    prometheus.GaugeFunc
	FanoutDelivered  *prometheus.CounterVec
	IngestedTotal    *prometheus.CounterVec
	ForwardsTotal    *prometheus.CounterVec
}

// ActiveCounter supplies a live gauge value.
type ActiveCounter interface {
	ActiveCount() int
}

// New builds the metric set. engine and sessions may be nil; the gauges
// then read zero.
func New(engine, sessions ActiveCounter) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	gauge := func(c ActiveCounter) func() float64 {
		return func() float64 {
			if c == nil {
				return 0
			}
			return float64(c.ActiveCount())
		}
	}

	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_requests_total",
			Help: "Requests dispatched, by source and terminal status.",
		}, []string{"source", "status"}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dgfacade_handler_duration_seconds",
			Help:    "Handler execution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"request_type"}),
		ActiveExecutions: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "dgfacade_active_executions",
			Help: "In-flight execution units.",
		}, gauge(engine)),
		StreamsActive: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "dgfacade_streaming_sessions_active",
			Help: "Live streaming sessions.",
		}, gauge(sessions)),
		FanoutDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_fanout_delivered_total",
			Help: "Streaming responses delivered, by channel.",
		}, []string{"channel"}),
		IngestedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_ingested_total",
			Help: "Ingester messages, by ingester and outcome.",
		}, []string{"ingester", "outcome"}),
		ForwardsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dgfacade_cluster_forwards_total",
			Help: "Cluster forward attempts, by outcome.",
		}, []string{"outcome"}),
	}
}
