package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/heptiolabs/healthcheck"
	"github.com/rs/zerolog"

	"github.com/openfroyo/medic/pkg/healing"
	"github.com/openfroyo/medic/pkg/telemetry"
)

// Orchestrator is the part of healing.Orchestrator served over HTTP.
type Orchestrator interface {
	Registry() *healing.StrategyRegistry
	AutoHealingEnabled() bool
	EnableAutoHealing()
	DisableAutoHealing()
	SubmitIssue(ctx context.Context, issue healing.HealthIssue) (healing.HealthIssue, error)
	SubmitCriticalFailure(ctx context.Context, failure healing.CriticalFailure) (healing.HealingReport, error)
	SubmitTestFailures(ctx context.Context, failures []healing.TestFailure) ([]healing.HealthIssue, error)
	SubmitPerformanceAlert(ctx context.Context, alert healing.PerformanceAlert) (healing.HealthIssue, error)
	SubmitSecurityAlert(ctx context.Context, alert healing.SecurityAlert) (healing.HealthIssue, error)
	GetActiveIssues() []healing.ActiveIssue
	GetHealingHistory() []healing.HealingAction
	GenerateReport(issueID string) (healing.HealingReport, error)
	GenerateSummaryReport() healing.SummaryReport
	Rollback(ctx context.Context, issueID, action string) error
}

// HealthSource returns the latest system health snapshot.
type HealthSource interface {
	GetSystemHealth() (healing.SystemHealth, bool)
}

// Options configures a Server.
type Options struct {
	Orchestrator Orchestrator
	Health       HealthSource
	Metrics      *telemetry.Metrics
	Logger       zerolog.Logger
}

// Server is the operator HTTP surface of a running medic instance.
type Server struct {
	orch    Orchestrator
	health  HealthSource
	metrics *telemetry.Metrics
	checks  healthcheck.Handler
	router  *mux.Router
	logger  zerolog.Logger
}

// NewServer creates a server and registers its routes.
func NewServer(opts Options) *Server {
	s := &Server{
		orch:    opts.Orchestrator,
		health:  opts.Health,
		metrics: opts.Metrics,
		checks:  healthcheck.NewHandler(),
		router:  mux.NewRouter(),
		logger:  opts.Logger.With().Str("component", "api").Logger(),
	}
	s.router.Use(s.loggingMiddleware)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/live", s.checks.LiveEndpoint).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.checks.ReadyEndpoint).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/issues", s.handleListIssues).Methods(http.MethodGet)
	s.router.HandleFunc("/issues", s.handleSubmitIssue).Methods(http.MethodPost)
	s.router.HandleFunc("/issues/{id}/rollback", s.handleRollback).Methods(http.MethodPost)
	s.router.HandleFunc("/alerts/performance", s.handlePerformanceAlert).Methods(http.MethodPost)
	s.router.HandleFunc("/alerts/security", s.handleSecurityAlert).Methods(http.MethodPost)
	s.router.HandleFunc("/test-failures", s.handleTestFailures).Methods(http.MethodPost)
	s.router.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/reports", s.handleSummary).Methods(http.MethodGet)
	s.router.HandleFunc("/reports/{id}", s.handleReport).Methods(http.MethodGet)
	s.router.HandleFunc("/strategies", s.handleStrategies).Methods(http.MethodGet)
	s.router.HandleFunc("/auto-healing", s.handleAutoHealing).Methods(http.MethodGet, http.MethodPut)
}

// AddReadinessCheck adds a check to /ready.
func (s *Server) AddReadinessCheck(name string, check healthcheck.Check) {
	s.checks.AddReadinessCheck(name, check)
}

// AddLivenessCheck adds a check to /live and /ready.
func (s *Server) AddLivenessCheck(name string, check healthcheck.Check) {
	s.checks.AddLivenessCheck(name, check)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// IssueRequest is the body of POST /issues.
type IssueRequest struct {
	ID          string            `json:"id,omitempty"`
	Type        string            `json:"type"`
	Severity    string            `json:"severity"`
	Component   string            `json:"component,omitempty"`
	Description string            `json:"description,omitempty"`
	Critical    bool              `json:"critical,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// RollbackRequest is the body of POST /issues/{id}/rollback.
type RollbackRequest struct {
	Action string `json:"action"`
}

// AutoHealingState is the body of GET and PUT /auto-healing.
type AutoHealingState struct {
	Enabled bool `json:"enabled"`
}

// StrategyInfo describes a registered strategy.
type StrategyInfo struct {
	IssueType   string   `json:"issue_type"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority"`
	MaxAttempts int      `json:"max_attempts"`
	Cooldown    string   `json:"cooldown"`
	Actions     []string `json:"actions"`
}

// ErrorResponse is the body of every non-2xx response from the API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, ok := s.health.GetSystemHealth()
	if !ok {
		s.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no health check has completed yet"})
		return
	}
	status := http.StatusOK
	if health.Overall == healing.OverallCritical {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.GetActiveIssues())
}

func (s *Server) handleSubmitIssue(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if !s.decode(w, r, &req) {
		return
	}

	metadata := healing.IssueMetadata{Source: "api", Extra: req.Extra}
	if req.Critical {
		report, err := s.orch.SubmitCriticalFailure(r.Context(), healing.CriticalFailure{
			Type:        req.Type,
			Component:   req.Component,
			Description: req.Description,
			Metadata:    metadata,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, report)
		return
	}

	severity, err := healing.ParseSeverity(req.Severity)
	if err != nil {
		s.writeError(w, healing.NewValidationError("invalid severity %q", req.Severity))
		return
	}
	issue, err := s.orch.SubmitIssue(r.Context(), healing.HealthIssue{
		ID:          req.ID,
		Type:        req.Type,
		Severity:    severity,
		Component:   req.Component,
		Description: req.Description,
		DetectedAt:  time.Now(),
		Metadata:    metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, issue)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Action == "" {
		s.writeError(w, healing.NewValidationError("action is required"))
		return
	}
	if err := s.orch.Rollback(r.Context(), mux.Vars(r)["id"], req.Action); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePerformanceAlert(w http.ResponseWriter, r *http.Request) {
	var alert healing.PerformanceAlert
	if !s.decode(w, r, &alert) {
		return
	}
	issue, err := s.orch.SubmitPerformanceAlert(r.Context(), alert)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, issue)
}

func (s *Server) handleSecurityAlert(w http.ResponseWriter, r *http.Request) {
	var alert healing.SecurityAlert
	if !s.decode(w, r, &alert) {
		return
	}
	issue, err := s.orch.SubmitSecurityAlert(r.Context(), alert)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, issue)
}

func (s *Server) handleTestFailures(w http.ResponseWriter, r *http.Request) {
	var failures []healing.TestFailure
	if !s.decode(w, r, &failures) {
		return
	}
	issues, err := s.orch.SubmitTestFailures(r.Context(), failures)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, issues)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.GetHealingHistory())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.GenerateSummaryReport())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.orch.GenerateReport(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	strategies := s.orch.Registry().List()
	out := make([]StrategyInfo, 0, len(strategies))
	for _, st := range strategies {
		out = append(out, StrategyInfo{
			IssueType:   st.IssueType,
			Description: st.Description,
			Priority:    st.Priority,
			MaxAttempts: st.MaxAttempts,
			Cooldown:    st.CooldownPeriod.String(),
			Actions:     st.ActionNames(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAutoHealing(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut {
		var req AutoHealingState
		if !s.decode(w, r, &req) {
			return
		}
		if req.Enabled {
			s.orch.EnableAutoHealing()
		} else {
			s.orch.DisableAutoHealing()
		}
	}
	s.writeJSON(w, http.StatusOK, AutoHealingState{Enabled: s.orch.AutoHealingEnabled()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Code: healing.ErrCodeValidation})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var herr *healing.Error
	if errors.As(err, &herr) {
		resp.Code = herr.Code
	}
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

// StatusCode maps a healing error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case healing.IsNotFound(err):
		return http.StatusNotFound
	case healing.IsValidation(err):
		return http.StatusBadRequest
	case healing.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, healing.ErrAutoHealingDisabled), errors.Is(err, healing.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
