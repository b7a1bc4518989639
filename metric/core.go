package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not payload-specific)
type Metrics struct {
	// Dispatch metrics
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	UnknownMethods    *prometheus.CounterVec

	// Correlation metrics
	PendingCalls        prometheus.Gauge
	CorrelationTimeouts prometheus.Counter
	DuplicateReplies    prometheus.Counter

	// Session metrics
	SessionsOnline      prometheus.Gauge
	SessionTransitions  *prometheus.CounterVec
	SubscriptionRetries prometheus.Counter

	// Transport metrics
	TransportConnected  prometheus.Gauge
	TransportReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "dispatch",
				Name:      "messages_received_total",
				Help:      "Total messages consumed from subscribed topics",
			},
			[]string{"category"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "dispatch",
				Name:      "messages_dropped_total",
				Help:      "Messages dropped without dispatch (decode failure, unknown method, missing session, queue overflow)",
			},
			[]string{"category", "reason"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "publish",
				Name:      "messages_published_total",
				Help:      "Total messages published to device topics",
			},
			[]string{"category", "mode"},
		),

		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fleetstream",
				Subsystem: "dispatch",
				Name:      "handler_duration_seconds",
				Help:      "Business handler execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"category", "route"},
		),

		UnknownMethods: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "dispatch",
				Name:      "unknown_methods_total",
				Help:      "Messages resolved to the unknown-method sentinel",
			},
			[]string{"category", "method"},
		),

		PendingCalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "correlator",
				Name:      "pending_calls",
				Help:      "Outstanding call-style requests awaiting replies",
			},
		),

		CorrelationTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "correlator",
				Name:      "timeouts_total",
				Help:      "Calls that exhausted their retry budget without a reply",
			},
		),

		DuplicateReplies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "correlator",
				Name:      "duplicate_replies_total",
				Help:      "Replies discarded for unknown, resolved, or cancelled tids",
			},
		),

		SessionsOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "session",
				Name:      "online",
				Help:      "Gateway sessions currently online",
			},
		),

		SessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "session",
				Name:      "transitions_total",
				Help:      "Session state transitions by direction",
			},
			[]string{"transition"},
		),

		SubscriptionRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "session",
				Name:      "subscription_retries_total",
				Help:      "Transport subscription attempts retried after transient errors",
			},
		),

		TransportConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "transport",
				Name:      "connected",
				Help:      "Whether the transport connection is healthy (0 or 1)",
			},
		),

		TransportReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "transport",
				Name:      "reconnects_total",
				Help:      "Transport reconnections since process start",
			},
		),
	}
}

// collectors returns every metric for bulk registration
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesDropped,
		m.MessagesPublished,
		m.HandlerDuration,
		m.UnknownMethods,
		m.PendingCalls,
		m.CorrelationTimeouts,
		m.DuplicateReplies,
		m.SessionsOnline,
		m.SessionTransitions,
		m.SubscriptionRetries,
		m.TransportConnected,
		m.TransportReconnects,
	}
}
