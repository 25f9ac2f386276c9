package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/joescharf/gauntlet/internal/config"
	"github.com/joescharf/gauntlet/internal/coordinator"
	"github.com/joescharf/gauntlet/internal/metrics"
	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/notify"
	"github.com/joescharf/gauntlet/internal/store"
)

// Jobs is the coordinator surface the API serves.
type Jobs interface {
	Submit(ctx context.Context, sub coordinator.Submission) (*models.Job, error)
	Cancel(ctx context.Context, id string) error
	Job(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, statuses []models.JobStatus, limit int) ([]*models.Job, error)
	Lineage(ctx context.Context, id string) ([]*models.Job, error)
	Status(ctx context.Context, id string) (*coordinator.StatusView, error)
	Results(ctx context.Context, id string) ([]byte, error)
	Analytics(ctx context.Context) (*coordinator.Analytics, error)
}

// PlanLister lists the registered stage plans.
type PlanLister interface {
	Plans() []models.StagePlan
}

// Server provides the REST API handlers.
type Server struct {
	jobs    Jobs
	plans   PlanLister
	cfg     config.Server
	logger  *slog.Logger
	hub     *notify.Hub
	metrics *metrics.Metrics
	started time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithHub serves websocket notifications from h.
func WithHub(h *notify.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new API server.
func NewServer(jobs Jobs, plans PlanLister, cfg config.Server, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		jobs:    jobs,
		plans:   plans,
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(corsMiddleware(s.cfg.AllowedOrigins))
	r.Use(chimw.RequestID)
	r.Use(requestIDHeader)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) { s.hub.HandleWS(w, r, "") })
		r.Get("/ws/{jobID}", func(w http.ResponseWriter, r *http.Request) { s.hub.HandleWS(w, r, chi.URLParam(r, "jobID")) })
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(newClientLimiter(s.cfg.RateLimit, s.cfg.RateBurst).middleware)
		}

		r.Post("/jobs", s.submitJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Get("/jobs/{id}/status", s.jobStatus)
		r.Get("/jobs/{id}/results", s.jobResults)
		r.Get("/jobs/{id}/lineage", s.jobLineage)
		r.Post("/jobs/{id}/cancel", s.cancelJob)

		r.Get("/plans", s.listPlans)
		r.Get("/analytics", s.analytics)
	})

	return r
}

func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin(allowed, r.Header.Get("Origin")))
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allowOrigin echoes origin when it is allowed. An empty list allows any origin.
func allowOrigin(allowed []string, origin string) string {
	if len(allowed) == 0 {
		return "*"
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			if origin == "" {
				return a
			}
			return origin
		}
	}
	return allowed[0]
}

func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			w.Header().Set(chimw.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps coordinator and store errors to status codes.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrInvalidJobType), errors.Is(err, coordinator.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrJobAlreadyActive),
		errors.Is(err, coordinator.ErrResultsNotReady),
		errors.Is(err, coordinator.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// --- Health ---

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(s.started)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
	})
}

// --- Jobs ---

type submitResponse struct {
	JobID    string           `json:"job_id"`
	ParentID string           `json:"parent_id,omitempty"`
	Status   models.JobStatus `json:"status"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var sub coordinator.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeErr(w, fmt.Errorf("%w: %v", coordinator.ErrMalformedPayload, err))
		return
	}
	job, err := s.jobs.Submit(r.Context(), sub)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, ParentID: job.ParentID, Status: job.Status})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := models.JobStatus(strings.TrimSpace(part))
			if !validStatus(st) {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", st))
				return
			}
			statuses = append(statuses, st)
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, err := s.jobs.List(r.Context(), statuses, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func validStatus(st models.JobStatus) bool {
	switch st {
	case models.JobStatusPending, models.JobStatusRunning,
		models.JobStatusCompleted, models.JobStatusEscalated, models.JobStatusFailed:
		return true
	}
	return false
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) jobResults(w http.ResponseWriter, r *http.Request) {
	doc, err := s.jobs.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (s *Server) jobLineage(w http.ResponseWriter, r *http.Request) {
	chain, err := s.jobs.Lineage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

// --- Plans & analytics ---

func (s *Server) listPlans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.plans.Plans())
}

func (s *Server) analytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.jobs.Analytics(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
