// Package monitoring registers the relay's Prometheus collectors.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_requests_total",
			Help: "Total number of upstream API requests",
		},
		[]string{"account_type", "status_class"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_upstream_request_duration_seconds",
			Help:    "Upstream API request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"account_type"},
	)

	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_retries_total",
			Help: "Total number of upstream retries by reason",
		},
		[]string{"reason"},
	)

	AccountTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_account_transitions_total",
			Help: "Total number of account status transitions",
		},
		[]string{"status"},
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_token_refreshes_total",
			Help: "Total number of token refresh attempts by outcome",
		},
		[]string{"platform", "status"},
	)

	ValidationCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_key_validation_cache_hits_total",
			Help: "Key validations served from the in-process cache",
		},
	)

	ValidationCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_key_validation_cache_misses_total",
			Help: "Key validations that consulted the KV store",
		},
	)

	UsageEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_usage_events_total",
			Help: "Total number of recorded usage events",
		},
		[]string{"model"},
	)

	StreamingResponsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_streaming_responses_total",
			Help: "Total number of streamed responses relayed",
		},
	)

	PoolConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_pool_connections_active",
			Help: "Warm upstream connections per account",
		},
		[]string{"account_id"},
	)

	PoolReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_pool_reconnects_total",
			Help: "Total number of pool reconnect attempts",
		},
		[]string{"account_id"},
	)

	RateLimitKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_ratelimit_tracked_keys",
			Help: "Per-key inbound limiters currently tracked",
		},
	)

	RateLimitSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ratelimit_sweeps_total",
			Help: "TTL sweeps of the inbound limiter cache",
		},
	)
)
