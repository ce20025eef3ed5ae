package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	sessionsStartedTotal  prometheus.Counter
	sessionsSettledTotal  *prometheus.CounterVec
	sessionsActiveGauge   prometheus.Gauge
	tokensReceivedTotal   prometheus.Counter
	extractionPassesTotal prometheus.Counter
	highlightsApplied     prometheus.Counter
	highlightsRejected    prometheus.Counter
	batchesStartedTotal   prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the grader.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_requests_total",
			Help: "Total number of grading API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_latency_seconds",
			Help:    "Latency distribution for grading API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_errors_total",
			Help: "Total number of error responses returned by grading endpoints.",
		}, []string{"method", "route", "status"})

		sessionsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_sessions_started_total",
			Help: "Number of grading sessions started.",
		})

		sessionsSettledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_sessions_settled_total",
			Help: "Number of grading sessions that reached a terminal state.",
		}, []string{"outcome"})

		sessionsActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grader_sessions_active",
			Help: "Number of grading sessions currently streaming.",
		})

		tokensReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_tokens_received_total",
			Help: "Number of streamed token fragments appended to session buffers.",
		})

		extractionPassesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_extraction_passes_total",
			Help: "Number of buffer extraction passes executed.",
		})

		highlightsApplied = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_highlights_applied_total",
			Help: "Number of highlights emitted to the rendering surface.",
		})

		highlightsRejected = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_highlights_rejected_total",
			Help: "Number of comments rejected before reaching the rendering surface.",
		})

		batchesStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_batches_started_total",
			Help: "Number of batch grading runs started.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			sessionsStartedTotal, sessionsSettledTotal, sessionsActiveGauge,
			tokensReceivedTotal, extractionPassesTotal,
			highlightsApplied, highlightsRejected,
			batchesStartedTotal,
		)
	})
}

// APIRequests exposes the counter for grading API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for grading API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for grading API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// SessionsStarted exposes the counter for started sessions.
func SessionsStarted() prometheus.Counter {
	RegisterMetrics()
	return sessionsStartedTotal
}

// SessionsSettled exposes the per-outcome counter for settled sessions.
func SessionsSettled() *prometheus.CounterVec {
	RegisterMetrics()
	return sessionsSettledTotal
}

// SessionsActive exposes the gauge of currently streaming sessions.
func SessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return sessionsActiveGauge
}

// TokensReceived exposes the counter for appended token fragments.
func TokensReceived() prometheus.Counter {
	RegisterMetrics()
	return tokensReceivedTotal
}

// ExtractionPasses exposes the counter for extraction passes.
func ExtractionPasses() prometheus.Counter {
	RegisterMetrics()
	return extractionPassesTotal
}

// HighlightsApplied exposes the counter for emitted highlights.
func HighlightsApplied() prometheus.Counter {
	RegisterMetrics()
	return highlightsApplied
}

// HighlightsRejected exposes the counter for rejected comments.
func HighlightsRejected() prometheus.Counter {
	RegisterMetrics()
	return highlightsRejected
}

// BatchesStarted exposes the counter for batch runs.
func BatchesStarted() prometheus.Counter {
	RegisterMetrics()
	return batchesStartedTotal
}
