package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/reconciliation"
)

// RunController starts and reports reconciliation passes. In production
// this is satisfied by *reconciliation.Scheduler.
type RunController interface {
	Trigger() (string, error)
	Running() bool
	Last() ([]*reconciliation.RunResult, time.Time, error)
}

// HealthProvider returns per-chain health snapshots.
type HealthProvider interface {
	Snapshots() []reconciliation.HealthSnapshot
}

// ProgressReader is the read side of progress.Store.
type ProgressReader interface {
	Get(ctx context.Context, key model.ReconciliationKey) (*model.ProgressRecord, error)
	PendingIntent(ctx context.Context, key model.ReconciliationKey) (*model.PendingIntent, error)
	Summary(ctx context.Context) (progress.Summary, error)
}

// Server provides an HTTP-based admin API for operational management.
type Server struct {
	runs           RunController
	progress       ProgressReader
	healthProvider HealthProvider
	chains         map[model.Chain]bool
	logger         *slog.Logger
}

// NewServer creates a new admin API server. chains limits which chains
// progress lookups accept; an empty list accepts any.
func NewServer(runs RunController, store ProgressReader, chains []model.Chain, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		runs:     runs,
		progress: store,
		chains:   make(map[model.Chain]bool, len(chains)),
		logger:   logger.With("component", "admin"),
	}
	for _, c := range chains {
		s.chains[c] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithHealthProvider sets the health provider on the admin server.
func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.healthProvider = hp }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/status", s.handleGetStatus)
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)
	mux.HandleFunc("GET /admin/v1/progress", s.handleGetProgress)
	mux.HandleFunc("GET /admin/v1/progress/summary", s.handleProgressSummary)
	mux.HandleFunc("POST /admin/v1/reconcile", s.handleReconcile)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Status ---

type statusResponse struct {
	Running   bool                        `json:"running"`
	LastRunAt *time.Time                  `json:"last_run_at,omitempty"`
	LastError string                      `json:"last_error,omitempty"`
	LastRuns  []*reconciliation.RunResult `json:"last_runs"`
}

// GET /admin/v1/status
func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	results, at, err := s.runs.Last()
	resp := statusResponse{
		Running:  s.runs.Running(),
		LastRuns: results,
	}
	if resp.LastRuns == nil {
		resp.LastRuns = []*reconciliation.RunResult{}
	}
	if !at.IsZero() {
		resp.LastRunAt = &at
	}
	if err != nil {
		resp.LastError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Health ---

// GET /admin/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.healthProvider == nil {
		writeError(w, http.StatusServiceUnavailable, "health provider not available")
		return
	}
	writeJSON(w, http.StatusOK, s.healthProvider.Snapshots())
}

// --- Progress ---

type progressResponse struct {
	Key           string                `json:"key"`
	Record        *model.ProgressRecord `json:"record"`
	PendingIntent *model.PendingIntent  `json:"pending_intent,omitempty"`
}

// GET /admin/v1/progress?key=<chain>-<subject>-<resource>
func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("key")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "key query param required")
		return
	}
	key, err := model.ParseKey(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(s.chains) > 0 && !s.chains[key.Chain] {
		writeError(w, http.StatusBadRequest, "unknown chain")
		return
	}

	rec, err := s.progress.Get(r.Context(), key)
	if err != nil {
		s.logger.Error("get progress failed", "key", raw, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	intent, err := s.progress.PendingIntent(r.Context(), key)
	if err != nil {
		s.logger.Error("get pending intent failed", "key", raw, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if rec == nil && intent == nil {
		writeError(w, http.StatusNotFound, "no progress recorded")
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{Key: key.String(), Record: rec, PendingIntent: intent})
}

// GET /admin/v1/progress/summary
func (s *Server) handleProgressSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.progress.Summary(r.Context())
	if err != nil {
		s.logger.Error("progress summary failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Reconcile ---

// POST /admin/v1/reconcile
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	runID, err := s.runs.Trigger()
	if errors.Is(err, reconciliation.ErrRunActive) || errors.Is(err, reconciliation.ErrHalted) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("trigger reconciliation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.logger.Info("reconciliation triggered via admin API", "trigger", runID, "request_id", RequestID(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"trigger": runID})
}
