// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished job attempts by queue and outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vps",
		Subsystem: "queue",
		Name:      "job_attempts_total",
		Help:      "Job attempts by queue and outcome (succeeded, retrying, failed).",
	}, []string{"queue", "outcome"})

	// JobDuration tracks handler latency per attempt.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vps",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Job handler duration in seconds.",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"queue"})

	// QueueDepth is the number of jobs waiting for a worker.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vps",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Jobs waiting for a worker.",
	}, []string{"queue"})

	// JobsInFlight is the number of jobs currently held by a worker.
	JobsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vps",
		Subsystem: "queue",
		Name:      "in_flight",
		Help:      "Jobs currently executing.",
	}, []string{"queue"})

	// DuplicateEnqueues counts enqueues dropped by idempotency key.
	DuplicateEnqueues = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vps",
		Subsystem: "queue",
		Name:      "duplicate_enqueues_total",
		Help:      "Enqueue calls ignored because the idempotency key was in flight.",
	}, []string{"queue"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vps",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// SweepTransitions counts lifecycle transitions applied by the sweep.
	SweepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vps",
		Subsystem: "billing",
		Name:      "sweep_transitions_total",
		Help:      "Instances moved by the billing sweep, by transition and result.",
	}, []string{"transition", "result"})

	// HypervisorRequests counts Proxmox API calls by method and status class.
	HypervisorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vps",
		Subsystem: "proxmox",
		Name:      "requests_total",
		Help:      "Proxmox API requests by HTTP method and status code.",
	}, []string{"method", "code"})
)
