package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitepulse/indexd/internal/indexing"
)

const (
	defaultJobLimit   = 50
	maxJobLimit       = 500
	requestTimeout    = 60 * time.Second
	submissionMaxURLs = 100
)

// Engine is the dispatcher surface the API depends on.
type Engine interface {
	Submit(ctx context.Context, siteID string, rawURLs []string, providers []indexing.ProviderID) []indexing.SubmissionOutcome
	Retry(ctx context.Context, jobID string) (indexing.Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// SessionAdmin exposes browser session inspection and recovery.
type SessionAdmin interface {
	State(provider indexing.ProviderID, account string) indexing.Session
	Reset(ctx context.Context, provider indexing.ProviderID, account string) error
}

// Deps collects the server's collaborators. Checker, Sessions, Ledger,
// Metrics and Ready are optional; the matching endpoints degrade to 503.
type Deps struct {
	Jobs     indexing.JobStore
	Engine   Engine
	Checker  indexing.Checker
	Sessions SessionAdmin
	Ledger   indexing.Ledger
	Configs  indexing.ProviderConfigSource
	Clock    indexing.Clock
	Metrics  http.Handler
	Ready    func(context.Context) error
	Logger   *zap.Logger
}

// Options control middleware behavior.
type Options struct {
	APIKey string // empty disables API-key auth
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(requestTimeout))
	if opts.APIKey != "" {
		r.Use(apiKeyMiddleware(opts.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sites/{site_id}", func(r chi.Router) {
			r.Post("/submissions", s.submit)
			r.Get("/jobs", s.listJobs)
			r.Get("/quota", s.quotaUsage)
		})
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/transitions", s.getTransitions)
			r.Get("/verify", s.verifyJob)
			r.Post("/retry", s.retryJob)
			r.Post("/cancel", s.cancelJob)
		})
		r.Route("/sessions/{provider}/{account}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/reset", s.resetSession)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics are not configured")
		return
	}
	s.deps.Metrics.ServeHTTP(w, r)
}

type submissionRequest struct {
	URLs      []string `json:"urls"`
	Providers []string `json:"providers"`
}

type submissionResponse struct {
	SiteID   string                       `json:"site_id"`
	Outcomes []indexing.SubmissionOutcome `json:"outcomes"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site_id")
	var req submissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > submissionMaxURLs {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per request", submissionMaxURLs))
		return
	}
	providers := make([]indexing.ProviderID, 0, len(req.Providers))
	for _, p := range req.Providers {
		providers = append(providers, indexing.ProviderID(p))
	}

	outcomes := s.deps.Engine.Submit(r.Context(), siteID, req.URLs, providers)
	writeJSON(w, http.StatusAccepted, submissionResponse{SiteID: siteID, Outcomes: outcomes})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site_id")
	filter, err := parseJobFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.deps.Jobs.ListJobs(r.Context(), siteID, filter)
	if err != nil {
		s.logger.Error("list jobs", zap.String("site_id", siteID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []indexing.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) quotaUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil || s.deps.Configs == nil {
		writeError(w, http.StatusServiceUnavailable, "quota ledger is not configured")
		return
	}
	siteID := chi.URLParam(r, "site_id")
	provider := indexing.ProviderID(r.URL.Query().Get("provider"))
	if provider == "" {
		writeError(w, http.StatusBadRequest, "provider query parameter required")
		return
	}
	cfg, ok := s.deps.Configs.Lookup(siteID, provider)
	if !ok {
		writeError(w, http.StatusNotFound, "provider not enabled for site")
		return
	}
	usage, err := s.deps.Ledger.Usage(r.Context(), siteID, provider, indexing.QuotaDay(s.deps.Clock.Now()))
	if err != nil {
		s.logger.Error("quota usage", zap.String("site_id", siteID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read quota usage")
		return
	}
	usage.Cap = cfg.QuotaCap
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getTransitions(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.deps.Jobs.GetJob(r.Context(), jobID); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	trs, err := s.deps.Jobs.ListTransitions(r.Context(), jobID)
	if err != nil {
		s.logger.Error("list transitions", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list transitions")
		return
	}
	if trs == nil {
		trs = []indexing.Transition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": trs})
}

func (s *Server) verifyJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checker == nil {
		writeError(w, http.StatusServiceUnavailable, "index verification is not configured")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	indexed, err := s.deps.Checker.Check(r.Context(), job.Provider, job.URL)
	if err != nil {
		s.logger.Warn("index check failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "index check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   job.ID,
		"url":      job.URL,
		"provider": job.Provider,
		"indexed":  indexed,
	})
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Engine.Retry(r.Context(), jobID)
	if err != nil {
		status := retryErrorStatus(err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func retryErrorStatus(err error) int {
	switch {
	case errors.Is(err, indexing.ErrNotFound):
		return http.StatusNotFound
	case indexing.KindOf(err) == indexing.QuotaExceeded:
		return http.StatusTooManyRequests
	case indexing.KindOf(err) == indexing.ConfigError:
		return http.StatusConflict
	case strings.Contains(err.Error(), "cannot be retried"):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.deps.Engine.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, indexing.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancellation requested"})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager is not configured")
		return
	}
	provider := indexing.ProviderID(chi.URLParam(r, "provider"))
	account := chi.URLParam(r, "account")
	writeJSON(w, http.StatusOK, s.deps.Sessions.State(provider, account))
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager is not configured")
		return
	}
	provider := indexing.ProviderID(chi.URLParam(r, "provider"))
	account := chi.URLParam(r, "account")
	if err := s.deps.Sessions.Reset(r.Context(), provider, account); err != nil {
		s.logger.Error("reset session",
			zap.String("provider", string(provider)),
			zap.String("account", account),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Sessions.State(provider, account))
}

func parseJobFilter(r *http.Request) (indexing.JobFilter, error) {
	filter := indexing.JobFilter{Limit: defaultJobLimit}
	q := r.URL.Query()

	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			state := indexing.JobState(strings.ToUpper(strings.TrimSpace(s)))
			switch state {
			case indexing.JobPending, indexing.JobInProgress, indexing.JobRetryScheduled,
				indexing.JobSucceeded, indexing.JobFailed, indexing.JobCancelled:
				filter.States = append(filter.States, state)
			default:
				return indexing.JobFilter{}, fmt.Errorf("unknown state %q", s)
			}
		}
	}
	filter.Provider = indexing.ProviderID(q.Get("provider"))
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return indexing.JobFilter{}, fmt.Errorf("invalid limit %q", raw)
		}
		if limit > maxJobLimit {
			limit = maxJobLimit
		}
		filter.Limit = limit
	}
	return filter, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
