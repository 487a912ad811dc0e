package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Committed milestone transitions.
	EscrowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Total number of committed milestone status transitions",
		},
		[]string{"from", "to"},
	)

	// Conditional updates that lost a race or found the milestone in another status.
	EscrowTransitionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_transition_conflicts_total",
			Help: "Total number of milestone transitions rejected by a conditional update",
		},
		[]string{"op"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of gateway webhook events by outcome",
		},
		[]string{"event", "outcome"}, // outcome: applied, duplicate, ignored, rejected, failed
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Payment gateway request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"op", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

func RecordTransition(from, to string) {
	EscrowTransitions.WithLabelValues(from, to).Inc()
}

func RecordConflict(op string) {
	EscrowTransitionConflicts.WithLabelValues(op).Inc()
}

func RecordWebhookEvent(event, outcome string) {
	WebhookEvents.WithLabelValues(event, outcome).Inc()
}

func RecordGatewayRequest(op, status string, duration time.Duration) {
	GatewayRequestDuration.WithLabelValues(op, status).Observe(duration.Seconds())
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
