package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_assistant_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lead_assistant_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Pipeline metrics
	WebhookResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_assistant_webhook_results_total",
			Help: "Webhook events by pipeline result",
		},
		[]string{"status"},
	)

	Generations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_assistant_generations_total",
			Help: "AI generations by provider and outcome",
		},
		[]string{"provider", "outcome"}, // outcome: "ok", "fallback", "error"
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lead_assistant_generation_duration_seconds",
			Help:    "Completion call latency",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20},
		},
		[]string{"provider"},
	)

	OutboundSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_assistant_outbound_sends_total",
			Help: "Outbound send attempts by outcome",
		},
		[]string{"outcome"}, // "sent", "discarded", "duplicate", "failed", "no_credentials"
	)

	ModeChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_assistant_mode_changes_total",
			Help: "Conversation mode transitions",
		},
		[]string{"to"},
	)

	// Infrastructure metrics
	LockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lead_assistant_lock_wait_seconds",
			Help:    "Time spent acquiring the conversation lock",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 10, 30},
		},
	)

	LockTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lead_assistant_lock_timeouts_total",
			Help: "Conversation lock acquisitions that timed out",
		},
	)
)
