// Package api exposes the control-plane HTTP surface: job creation,
// inspection, manual retry, cancellation, and the tripped-target listing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agent-dispatch/internal/agent"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/ratelimit"
	"agent-dispatch/internal/store"
	"agent-dispatch/internal/telemetry"
)

// Store is the persistence surface the API reads.
type Store interface {
	GetJob(ctx context.Context, name string) (models.Job, error)
	GetJobDetail(ctx context.Context, name string) (store.JobDetail, error)
	ListFailures(ctx context.Context) ([]models.RequestFailure, error)
}

// Canceller relays a cancellation to the job's agent.
type Canceller func(ctx context.Context, job models.Job) error

// Server wires the HTTP handlers.
type Server struct {
	store    Store
	producer *agent.Producer
	limiter  *ratelimit.TargetLimiter
	cancel   Canceller
	logger   *slog.Logger
}

// New constructs the API server. limiter and cancel may be nil in tests.
func New(st Store, producer *agent.Producer, limiter *ratelimit.TargetLimiter,
	cancel Canceller, logger *slog.Logger) *Server {
	return &Server{
		store:    st,
		producer: producer,
		limiter:  limiter,
		cancel:   cancel,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Get("/jobs/{name}", s.handleGetJob)
	r.Post("/jobs/{name}/cancel", s.handleCancel)
	r.Post("/jobs/{name}/retry", s.handleRetry)
	r.Get("/failures", s.handleFailures)
	return r
}

type createRequest struct {
	JobType       string            `json:"job_type"`
	ServerType    string            `json:"server_type"`
	Server        string            `json:"server"`
	Site          string            `json:"site"`
	Bench         string            `json:"bench"`
	Host          string            `json:"host"`
	Upstream      string            `json:"upstream"`
	ReferenceType string            `json:"reference_type"`
	ReferenceName string            `json:"reference_name"`
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Data          map[string]any    `json:"data"`
	Files         map[string]string `json:"files"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobType == "" || req.Server == "" || req.Path == "" {
		http.Error(w, "job_type, server and path are required", http.StatusBadRequest)
		return
	}
	if req.ServerType == "" {
		req.ServerType = models.ServerTypeApp
	}

	target := models.Target{ServerType: req.ServerType, Server: req.Server}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), target)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.producer.Submit(r.Context(), store.CreateJobParams{
		JobType:       req.JobType,
		ServerType:    req.ServerType,
		Server:        req.Server,
		Site:          req.Site,
		Bench:         req.Bench,
		Host:          req.Host,
		Upstream:      req.Upstream,
		ReferenceType: req.ReferenceType,
		ReferenceName: req.ReferenceName,
		RequestMethod: req.Method,
		RequestPath:   req.Path,
		RequestData:   req.Data,
		RequestFiles:  req.Files,
	})
	if err != nil {
		s.logger.Error("create job", "job_type", req.JobType, "server", req.Server, "err", err)
		http.Error(w, "create failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	detail, err := s.store.GetJobDetail(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleCancel relays a best-effort cancellation to the agent. Local state
// is untouched; the next poll observes the outcome.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, err := s.store.GetJob(r.Context(), name)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if job.JobID == 0 {
		http.Error(w, "job was never delivered", http.StatusConflict)
		return
	}
	if s.cancel == nil {
		http.Error(w, "cancellation unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.cancel(r.Context(), job); err != nil {
		s.logger.Warn("cancel relay failed", "job", name, "err", err)
		http.Error(w, "cancel failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation requested"})
}

// handleRetry clones a dead job into a fresh Undelivered one and dispatches
// it. The original row is left as the historical record.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, err := s.store.GetJob(r.Context(), name)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if !job.IsTerminal() && job.Status != models.StatusUndelivered {
		http.Error(w, "job is still in flight", http.StatusConflict)
		return
	}

	clone, err := s.producer.Submit(r.Context(), store.CreateJobParams{
		JobType:       job.JobType,
		ServerType:    job.ServerType,
		Server:        job.Server,
		Site:          job.Site,
		Bench:         job.Bench,
		Host:          job.Host,
		Upstream:      job.Upstream,
		CodeServer:    job.CodeServer,
		ReferenceType: job.ReferenceType,
		ReferenceName: job.ReferenceName,
		RequestMethod: job.RequestMethod,
		RequestPath:   job.RequestPath,
		RequestData:   job.RequestData,
		RequestFiles:  job.RequestFiles,
	})
	if err != nil {
		s.logger.Error("clone job for retry", "job", name, "err", err)
		http.Error(w, "retry failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, clone)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.store.ListFailures(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
