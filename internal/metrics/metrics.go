// Package metrics exposes prometheus collectors for jobs, stages, notifications
// and HTTP requests on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joescharf/gauntlet/internal/models"
)

const namespace = "gauntlet"

// Metrics owns every collector. Its methods satisfy the observer interfaces of
// the executor and notification dispatcher.
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsActive    prometheus.Gauge
	escalations   *prometheus.CounterVec
	stages        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageAttempts *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted, by job type.",
		}, []string{"job_type"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal status, by job type and status.",
		}, []string{"job_type", "status"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs currently running.",
		}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation events recorded, by reason.",
		}, []string{"reason"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage executions, by stage, outcome and failure kind.",
		}, []string{"stage", "outcome", "kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of the final attempt of a stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_attempts",
			Help:      "Attempts made per stage execution.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"stage"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries, by sink, event and result.",
		}, []string{"sink", "event", "result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Number of HTTP requests partitioned by status code, method and route.",
		}, []string{"code", "method", "path"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Time spent on the request partitioned by status code, method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method", "path"}),
	}

	m.registry.MustRegister(
		m.jobsSubmitted, m.jobsFinished, m.jobsActive, m.escalations,
		m.stages, m.stageDuration, m.stageAttempts,
		m.notifications, m.requests, m.latency,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobSubmitted counts an accepted job.
func (m *Metrics) JobSubmitted(jt models.JobType) {
	m.jobsSubmitted.WithLabelValues(string(jt)).Inc()
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() { m.jobsActive.Inc() }

// JobFinished records a terminal status and releases the active slot.
func (m *Metrics) JobFinished(jt models.JobType, status models.JobStatus) {
	m.jobsActive.Dec()
	m.jobsFinished.WithLabelValues(string(jt), string(status)).Inc()
}

// Escalation counts a recorded escalation event.
func (m *Metrics) Escalation(reason models.EscalationReason) {
	m.escalations.WithLabelValues(string(reason)).Inc()
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage string, outcome models.StageOutcome, kind models.FailureKind, attempts int, d time.Duration) {
	m.stages.WithLabelValues(stage, string(outcome), string(kind)).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	m.stageAttempts.WithLabelValues(stage).Observe(float64(attempts))
}

// ObserveNotification records one delivery attempt.
func (m *Metrics) ObserveNotification(sink, event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(sink, event, result).Inc()
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		rp := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			rp = rctx.RoutePattern()
		}
		code := strconv.Itoa(ww.Status())
		m.requests.WithLabelValues(code, r.Method, rp).Inc()
		m.latency.WithLabelValues(code, r.Method, rp).Observe(time.Since(start).Seconds())
	}
	return http.HandlerFunc(fn)
}
