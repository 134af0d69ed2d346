// Package observability defines the Prometheus collectors shared by every
// ticketctl component. All collectors live under the "ticketctl" namespace
// and are registered on the default registry served at /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Intake Metrics ─────────────────────────────────────────────────────────

// IntakeAccepted counts transactions acknowledged to the caller.
var IntakeAccepted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ticketctl",
	Subsystem: "intake",
	Name:      "accepted_total",
	Help:      "Total transactions accepted for deferred processing.",
})

// IntakeRejected counts transactions refused at the boundary, by reason.
var IntakeRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ticketctl",
	Subsystem: "intake",
	Name:      "rejected_total",
	Help:      "Total transactions rejected before processing.",
}, []string{"reason"})

// IntakeInFlight tracks transactions waiting out the debounce delay or being written.
var IntakeInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "ticketctl",
	Subsystem: "intake",
	Name:      "in_flight",
	Help:      "Transactions accepted but not yet written to the pending store.",
})

// IntakeWriteRetries counts failed deferred writes that were retried.
var IntakeWriteRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ticketctl",
	Subsystem: "intake",
	Name:      "write_retries_total",
	Help:      "Deferred pending-store writes retried after a failure.",
})

// IntakeDropped counts transactions abandoned at shutdown after failing writes.
var IntakeDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ticketctl",
	Subsystem: "intake",
	Name:      "dropped_total",
	Help:      "Transactions not written because the service stopped while retrying.",
})

// ─── Merge Metrics ──────────────────────────────────────────────────────────

// MergeOutcomes counts merger results (created, merged, duplicate).
var MergeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ticketctl",
	Subsystem: "merger",
	Name:      "outcomes_total",
	Help:      "Transaction merge outcomes.",
}, []string{"outcome"})

// StatusAssigned counts oracle decisions by status.
var StatusAssigned = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ticketctl",
	Subsystem: "merger",
	Name:      "status_assigned_total",
	Help:      "Statuses assigned by the status oracle.",
}, []string{"status"})

// ─── Window Metrics ─────────────────────────────────────────────────────────

// WindowTimers tracks running per-card window timers.
var WindowTimers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "ticketctl",
	Subsystem: "window",
	Name:      "active_timers",
	Help:      "Per-card observation window timers currently running.",
})

// Migrations counts migration attempts by result (archived, retry, gone).
var Migrations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ticketctl",
	Subsystem: "window",
	Name:      "migrations_total",
	Help:      "Pending-to-archive migration attempts by result.",
}, []string{"result"})

// ─── Notify Metrics ─────────────────────────────────────────────────────────

// Notifications counts archive notifications by result (sent, error).
var Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ticketctl",
	Subsystem: "notify",
	Name:      "archived_total",
	Help:      "Archive notifications published.",
}, []string{"result"})

// ─── HTTP Metrics ───────────────────────────────────────────────────────────

// HTTPRequests counts API requests by route and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ticketctl",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "HTTP requests processed, labeled by status code.",
}, []string{"method", "route", "status"})

// HTTPLatency tracks API request latency by route.
var HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ticketctl",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "Latency distribution of HTTP requests.",
	Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
}, []string{"method", "route"})
