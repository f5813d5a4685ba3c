// Package monitoring declares the process's Prometheus metrics, mirroring
// the teacher's promauto-registered package-level var block but trimmed and
// renamed to this system's own domain: request outcomes, pool health, cache
// freshness, forwarder latency, and the statistics janitor's retention work.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP-level metrics, generic across any route the gin engine serves.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commune_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"server", "method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commune_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"server", "method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commune_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Admission Pipeline outcomes (spec §4.8 steps 2-12 terminate one way).
	AdmissionOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commune_admission_outcomes_total",
			Help: "Total admission pipeline outcomes by kind",
		},
		[]string{"outcome"}, // forwarded|cached|rejected_validation|rate_limited|pool_empty|provider_misconfigured|forwarder_error
	)

	// Upstream Forwarder metrics (spec §4.7).
	ForwarderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commune_forwarder_request_duration_seconds",
			Help:    "Upstream forwarder call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "status_class"},
	)

	ForwarderErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commune_forwarder_errors_total",
			Help: "Total upstream forwarder failures by reason",
		},
		[]string{"provider", "reason"}, // apierr kind: UpstreamTimeout|UpstreamUnreachable|ProviderMisconfigured|Internal
	)

	// Credential pool / lifecycle metrics (spec §4.1, §4.4).
	PoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commune_pool_size",
			Help: "Total number of persisted credentials",
		},
	)

	PoolBlockedCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commune_pool_blocked_count",
			Help: "Number of credentials currently blocked",
		},
	)

	LifecycleOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commune_lifecycle_outcomes_total",
			Help: "Total lifecycle manager outcomes by action",
		},
		[]string{"action"}, // success|blocked|deleted|proxied
	)

	PresenterRateLimitDenialsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commune_presenter_rate_limit_denials_total",
			Help: "Total number of presented-credential rate limit denials",
		},
	)

	// Hot Cache metrics (spec §4.3).
	HotCacheAgeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commune_hot_cache_age_seconds",
			Help: "Age of the current hot cache snapshot in seconds",
		},
	)

	HotCacheRefreshesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commune_hot_cache_refreshes_total",
			Help: "Total number of hot cache full refreshes",
		},
	)

	// Response Cache metrics (spec §4.9).
	ResponseCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commune_response_cache_hits_total",
			Help: "Total number of read-only response cache hits",
		},
	)

	ResponseCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commune_response_cache_misses_total",
			Help: "Total number of read-only response cache misses",
		},
	)

	// Statistics Janitor metrics (spec §4.10 and its retention telemetry addition).
	StatsJanitorRowsDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commune_stats_janitor_rows_deleted_total",
			Help: "Total number of daily statistics rows deleted by the janitor",
		},
	)

	StatsJanitorRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commune_stats_janitor_runs_total",
			Help: "Total number of janitor runs by outcome",
		},
		[]string{"outcome"}, // ok|error
	)

	// Per-key rate limiter cache bookkeeping, reused by the generic
	// golang.org/x/time/rate-based HTTP middleware.
	RateLimitKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commune_ratelimit_keys",
			Help: "Current number of per-key rate limiters",
		},
	)

	RateLimitSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commune_ratelimit_sweeps_total",
			Help: "Total number of rate limiter TTL cache sweeps",
		},
	)
)
