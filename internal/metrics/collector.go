// Package kvmetrics exposes the daemon's Prometheus metrics.
package kvmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gokvd"
	subsystem = "server"
)

// Label names.
const (
	labelPacketType = "packet_type"
	labelOp         = "op"
	labelOutcome    = "outcome"
)

// Operation label values.
const (
	// OpAdd labels insert-or-replace operations.
	OpAdd = "add"

	// OpRemove labels removal operations.
	OpRemove = "remove"

	// OpFind labels lookup operations.
	OpFind = "find"
)

// Outcome label values.
const (
	// OutcomeSuccess labels operations answered with a Success status.
	OutcomeSuccess = "success"

	// OutcomeNotFound labels lookups that missed.
	OutcomeNotFound = "not_found"

	// OutcomeAuthRequired labels requests rejected for missing auth.
	OutcomeAuthRequired = "auth_required"

	// OutcomeError labels operations that failed unexpectedly.
	OutcomeError = "error"
)

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds all gokvd Prometheus metrics.
type Collector struct {
	// Sessions tracks the number of currently connected sessions.
	Sessions prometheus.Gauge

	// PacketsReceived counts inbound packets by type.
	PacketsReceived *prometheus.CounterVec

	// PacketsSent counts outbound packets by type.
	PacketsSent *prometheus.CounterVec

	// DecodeErrors counts malformed inbound packets.
	DecodeErrors prometheus.Counter

	// AuthFailures counts rejected authentication attempts.
	AuthFailures prometheus.Counter

	// Operations counts store operations by op and outcome.
	Operations *prometheus.CounterVec

	// OperationDuration observes store operation latency by op.
	OperationDuration *prometheus.HistogramVec

	// StoredKeys tracks the current key count in the store.
	StoredKeys prometheus.Gauge
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.PacketsReceived,
		c.PacketsSent,
		c.DecodeErrors,
		c.AuthFailures,
		c.Operations,
		c.OperationDuration,
		c.StoredKeys,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently connected sessions.",
		}),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total inbound packets by packet type.",
		}, []string{labelPacketType}),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total outbound packets by packet type.",
		}, []string{labelPacketType}),

		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "decode_errors_total",
			Help:      "Total malformed inbound packets dropped by the decoder.",
		}),

		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total rejected authentication attempts.",
		}),

		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Total store operations by op and outcome.",
		}, []string{labelOp, labelOutcome}),

		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency by op.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{labelOp}),

		StoredKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stored_keys",
			Help:      "Current number of keys in the store.",
		}),
	}
}
