// Package metrics registers the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts proxied requests by domain, request type, and
	// upstream status class.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_requests_total",
		Help: "Proxied requests by domain, type, and status class.",
	}, []string{"domain", "type", "status"})

	// RequestDuration observes end-to-end proxy latency in seconds.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nexus_request_duration_seconds",
		Help:    "End-to-end request latency.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"domain"})

	// FirstTokenSeconds observes time to first streamed byte.
	FirstTokenSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nexus_first_token_seconds",
		Help:    "Time to first streamed response byte.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"domain"})

	// InputTokens and OutputTokens accumulate reported token usage.
	InputTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_input_tokens_total",
		Help: "Input tokens reported by the upstream API.",
	}, []string{"domain"})
	OutputTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_output_tokens_total",
		Help: "Output tokens reported by the upstream API.",
	}, []string{"domain"})

	// CredentialRefreshes counts OAuth refresh attempts by outcome.
	CredentialRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_credential_refreshes_total",
		Help: "OAuth token refresh attempts by domain and outcome.",
	}, []string{"domain", "outcome"})

	// ShortIDMapSize tracks live entries in the request ID map.
	ShortIDMapSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_short_id_map_size",
		Help: "Live entries in the short request ID map.",
	})

	// ShortIDEvictions counts entries removed by the cleanup cycle.
	ShortIDEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nexus_short_id_evictions_total",
		Help: "Short ID map entries evicted after the retention window.",
	})

	// CleanupDuration observes one cleanup cycle over the short ID map.
	CleanupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nexus_short_id_cleanup_seconds",
		Help:    "Duration of one short ID map cleanup cycle.",
		Buckets: prometheus.DefBuckets,
	})

	// AnalysisJobs counts background analysis jobs by terminal outcome.
	AnalysisJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_analysis_jobs_total",
		Help: "Background analysis jobs by outcome.",
	}, []string{"outcome"})

	// AnalysisDuration observes one analysis job end to end.
	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nexus_analysis_duration_seconds",
		Help:    "Duration of one background analysis job.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	})

	// UpstreamErrors counts upstream failures by class.
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_upstream_errors_total",
		Help: "Upstream request failures by domain and class.",
	}, []string{"domain", "class"})

	// RateLimitHits counts upstream 429 responses by parsed limit type.
	RateLimitHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_rate_limit_hits_total",
		Help: "Upstream rate limit responses by limit type.",
	}, []string{"domain", "limit_type"})
)
