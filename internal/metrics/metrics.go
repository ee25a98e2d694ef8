// Package metrics defines the Prometheus collectors published on the
// scrape endpoint (spec.md §6) and the thin Gin handler that serves them,
// grounded on
// internal/transport/http/handlers/metrics/metrics.go in the teacher repo.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector this system publishes.
type Metrics struct {
	EventsProducedTotal  *prometheus.CounterVec
	EventsConsumedTotal  *prometheus.CounterVec
	DLQDepth             *prometheus.GaugeVec
	ConnectionsOpen      *prometheus.GaugeVec
	OutboxLagSeconds     prometheus.Gauge
	StreamConsumerLag    *prometheus.GaugeVec
	CircuitState         *prometheus.GaugeVec
	BusAppendDuration    *prometheus.HistogramVec
	PushQueueDepth       prometheus.Histogram
}

// New registers and returns every collector against the default registry.
// Called once at startup.
func New() *Metrics {
	return &Metrics{
		EventsProducedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "events_produced_total",
			Help: "Total envelopes successfully appended to the stream bus by the outbox reader.",
		}, []string{"topic", "event_type"}),
		EventsConsumedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Total envelopes delivered to at least one connection by a dispatcher loop.",
		}, []string{"tenant_id", "topic"}),
		DLQDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dlq_depth",
			Help: "Current approximate length of each topic's dead-letter stream.",
		}, []string{"topic"}),
		ConnectionsOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "connections_open",
			Help: "Currently registered push connections.",
		}, []string{"tenant_id", "protocol"}),
		OutboxLagSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_lag_seconds",
			Help: "Age of the oldest unprocessed outbox row.",
		}),
		StreamConsumerLag: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stream_consumer_lag",
			Help: "Pending entry count for a (tenant, topic) consumer group.",
		}, []string{"tenant_id", "topic"}),
		CircuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open).",
		}, []string{"name"}),
		BusAppendDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bus_append_duration_seconds",
			Help:    "Latency of stream bus Append calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
		PushQueueDepth: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "push_queue_depth",
			Help:    "Observed outbound queue depth at enqueue time.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
	}
}

// CircuitStateValue maps a breaker state name ("closed", "half_open",
// "open"; anything else gives -1) to the gauge value documented in
// CircuitState's help text.
func CircuitStateValue(name string) float64 {
	switch name {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
