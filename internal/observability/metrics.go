package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shared label values for request-style counters.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomePlaceholder = "placeholder"
)

var (
	// JobsTotal counts finished jobs by terminal status (completed, failed).
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_jobs_total",
		Help: "Total jobs reaching a terminal status.",
	}, []string{"status"})

	// ActiveJobs tracks jobs currently in a non-terminal status.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lectern_active_jobs",
		Help: "Jobs currently being processed.",
	})

	// JobDurationSeconds observes wall time from job creation to terminal status.
	JobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lectern_job_duration_seconds",
		Help:    "End-to-end job duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(30, 2, 10), // 30s to ~4.3h
	})

	// SectionsTotal counts per-section pipeline outcomes.
	SectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_sections_total",
		Help: "Total section pipeline runs by result.",
	}, []string{"result"})

	// RenderAttemptsTotal counts every manim invocation, probes included.
	RenderAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lectern_render_attempts_total",
		Help: "Total manim render attempts including dry-run probes.",
	})

	// LLMRequestsTotal counts model calls by kind (text, json, vision, chat)
	// and outcome.
	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_llm_requests_total",
		Help: "Total LLM requests by kind and outcome.",
	}, []string{"kind", "outcome"})

	// TTSRequestsTotal counts speech synthesis calls; placeholder means the
	// call failed and silent audio was substituted.
	TTSRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_tts_requests_total",
		Help: "Total TTS synthesis requests by outcome.",
	}, []string{"outcome"})

	// CleanupDeletionsTotal counts artifacts removed by retention sweeps.
	CleanupDeletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_cleanup_deletions_total",
		Help: "Total filesystem entries removed by cleanup, by kind.",
	}, []string{"kind"})

	// HTTPRequestsTotal counts served requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lectern_http_requests_total",
		Help: "Total HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration observes request latency per method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lectern_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// HTTPInflight tracks requests currently being served.
	HTTPInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lectern_http_inflight_requests",
		Help: "HTTP requests currently in flight.",
	})
)

// LLMOutcome maps an error to the outcome label used by LLMRequestsTotal.
func LLMOutcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
