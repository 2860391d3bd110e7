package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hireflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hireflow_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Extraction pipeline
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hireflow_ratelimit_decisions_total",
			Help: "Rate limit admission decisions by limiter scope",
		},
		[]string{"scope", "decision"}, // scope: ip|subject, decision: allowed|denied
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hireflow_extraction_provider_calls_total",
			Help: "Extraction provider calls by outcome",
		},
		[]string{"provider", "category", "outcome"}, // outcome: success or a failure kind
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hireflow_extraction_provider_duration_seconds",
			Help:    "Latency of extraction provider calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	ExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hireflow_extractions_total",
			Help: "Completed extractions by category and review requirement",
		},
		[]string{"category", "manual_review"},
	)

	// Compliance
	StageCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hireflow_compliance_stage_completions_total",
			Help: "Stage completions by stage and timeliness",
		},
		[]string{"stage", "on_time"},
	)

	SchedulerJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hireflow_scheduler_job_runs_total",
			Help: "Scheduler job runs by job and status",
		},
		[]string{"job", "status"},
	)

	SchedulerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hireflow_scheduler_job_duration_seconds",
			Help:    "Duration of scheduler job runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hireflow_notifications_total",
			Help: "Notification requests by template and status",
		},
		[]string{"template", "status"},
	)
)

// RecordProviderCall records a single provider attempt. outcome is "success"
// or the provider failure kind.
func RecordProviderCall(provider, category, outcome string, elapsed time.Duration) {
	ProviderCalls.WithLabelValues(provider, category, outcome).Inc()
	ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// RecordJobRun records a scheduler job run.
func RecordJobRun(job string, err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	SchedulerJobRuns.WithLabelValues(job, status).Inc()
	SchedulerJobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
