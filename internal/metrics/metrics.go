// Package metrics holds the Prometheus collectors for the studio services.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"studio/internal/domain"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "studio",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"method", "route"},
	)

	// Backend calls, one observation per attempt sequence.
	BackendCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "backend",
			Name:      "calls_total",
			Help:      "Total generation and edit calls by variant and outcome",
		},
		[]string{"operation", "variant", "outcome"},
	)

	BackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "studio",
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Generation and edit call duration in seconds, retries included",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		},
		[]string{"operation", "variant"},
	)

	BackendRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "backend",
			Name:      "retries_total",
			Help:      "Total retried backend attempts",
		},
		[]string{"operation"},
	)

	SessionsReservedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "ledger",
			Name:      "sessions_total",
			Help:      "Credit session reservations by outcome",
		},
		[]string{"outcome"},
	)

	ImagesPersistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "images",
			Name:      "persisted_total",
			Help:      "Images written to storage by flow and outcome",
		},
		[]string{"flow", "outcome"},
	)

	RenderJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "worker",
			Name:      "render_jobs_total",
			Help:      "Render jobs processed by the worker",
		},
		[]string{"variant", "outcome"},
	)

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total cache hits",
		},
		[]string{"tier"},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total cache misses",
		},
	)

	CacheStaleServedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "cache",
			Name:      "stale_served_total",
			Help:      "Expired entries served because a refresh failed",
		},
	)
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, route, status string, d time.Duration) {
	RequestsTotal.WithLabelValues(method, route, status).Inc()
	RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordBackendCall records the outcome of one retried backend call.
func RecordBackendCall(operation, variant string, err error, d time.Duration) {
	BackendCallsTotal.WithLabelValues(operation, variant, Outcome(err)).Inc()
	BackendDuration.WithLabelValues(operation, variant).Observe(d.Seconds())
}

func RecordRetry(operation string) {
	BackendRetriesTotal.WithLabelValues(operation).Inc()
}

func RecordSession(err error) {
	SessionsReservedTotal.WithLabelValues(Outcome(err)).Inc()
}

func RecordPersist(flow string, err error) {
	ImagesPersistedTotal.WithLabelValues(flow, Outcome(err)).Inc()
}

func RecordRenderJob(variant string, err error) {
	RenderJobsTotal.WithLabelValues(variant, Outcome(err)).Inc()
}

func RecordCacheHit(tier string) {
	CacheHitsTotal.WithLabelValues(tier).Inc()
}

func RecordCacheMiss() {
	CacheMissesTotal.Inc()
}

func RecordStaleServed() {
	CacheStaleServedTotal.Inc()
}

// Outcome collapses an error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, domain.ErrSessionExhausted):
		return "session_exhausted"
	case errors.Is(err, domain.ErrEditLimitReached):
		return "edit_limit"
	case errors.Is(err, domain.ErrPersistence):
		return "persistence"
	case errors.Is(err, domain.ErrVariantUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
