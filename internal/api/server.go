package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"bulk-post-scheduler/internal/kv"
	"bulk-post-scheduler/internal/models"
	"bulk-post-scheduler/internal/planner"
	"bulk-post-scheduler/internal/ratelimit"
	"bulk-post-scheduler/internal/scheduler"
	"bulk-post-scheduler/internal/telemetry"
)

// maxBody caps plan request bodies.
const maxBody = 8 << 20

// SuspensionLister reports jobs currently backing off after a rate limit.
type SuspensionLister interface {
	Active(ctx context.Context, now time.Time) ([]kv.Suspension, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server wires HTTP handlers for plan intake and queue administration.
type Server struct {
	svc     *scheduler.Service
	limiter *ratelimit.TokenBucket
	checks  map[string]HealthCheck
	susp    SuspensionLister
	now     func() time.Time
	log     zerolog.Logger
}

type Option func(*Server)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithSuspensions enables GET /suspensions.
func WithSuspensions(l SuspensionLister) Option {
	return func(s *Server) { s.susp = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHealthCheck adds a dependency to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// New constructs the API server. A nil limiter admits every plan.
func New(svc *scheduler.Service, limiter *ratelimit.TokenBucket, opts ...Option) *Server {
	s := &Server{
		svc:     svc,
		limiter: limiter,
		checks:  map[string]HealthCheck{},
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/plans", s.handlePlan)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/events", s.handleEvents)
	r.Post("/admin/rebalance", s.handleRebalance)
	r.Get("/suspensions", s.handleSuspensions)
	return r
}

type planResponse struct {
	Jobs []models.JobQueueItem `json:"jobs"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planner.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = ownerFromRequest(r)
	}

	if s.limiter != nil && req.OwnerID != "" {
		dec, err := s.limiter.Allow(r.Context(), req.OwnerID)
		if err != nil {
			s.log.Error().Err(err).Str("owner_id", req.OwnerID).Msg("plan rate limit")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !dec.Allowed {
			telemetry.PlanRejects.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(dec.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	jobs, err := s.svc.Schedule(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, planResponse{Jobs: jobs})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.StatusPending
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.svc.Jobs(r.Context(), status, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.JobQueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.svc.Events(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if events == nil {
		events = []models.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Rebalance(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSuspensions(w http.ResponseWriter, r *http.Request) {
	if s.susp == nil {
		writeError(w, http.StatusNotFound, "suspension tracking disabled")
		return
	}
	active, err := s.susp.Active(r.Context(), s.now())
	if err != nil {
		s.fail(w, err)
		return
	}
	if active == nil {
		active = []kv.Suspension{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suspensions": active})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail maps service errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func ownerFromRequest(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Newf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
