// Package server is the HTTP surface: task intake, retriage, rebalance,
// webhook receipt, and the operator endpoints for the outbox, mappings,
// audit traces, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/taskwire/taskwire/internal/advisor"
	"github.com/taskwire/taskwire/internal/backend"
	"github.com/taskwire/taskwire/internal/clock"
	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/outbox"
	"github.com/taskwire/taskwire/internal/planner"
	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/triage"
	"github.com/taskwire/taskwire/internal/types"
	"github.com/taskwire/taskwire/internal/webhook"
)

const maxBodyBytes = 1 << 20

// Server holds the wired components behind the HTTP routes.
type Server struct {
	cfg      *config.Config
	st       store.Store
	triager  *triage.Triager
	adv      advisor.Advisor // nil when disabled
	planner  *planner.Planner
	prod     *outbox.Producer
	hook     *webhook.Processor
	registry *prometheus.Registry
	clk      clock.Clock
	log      *zap.Logger
}

// New wires the server.
func New(cfg *config.Config, st store.Store, tr *triage.Triager, adv advisor.Advisor,
	pl *planner.Planner, prod *outbox.Producer, hook *webhook.Processor,
	registry *prometheus.Registry, clk clock.Clock, log *zap.Logger) *Server {
	return &Server{
		cfg: cfg, st: st, triager: tr, adv: adv, planner: pl,
		prod: prod, hook: hook, registry: registry, clk: clk, log: log,
	}
}

// Router builds the chi mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/tasks/intake", s.handleIntake)
	r.Post("/tasks/{id}/retriage", s.handleRetriage)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Post("/plan/rebalance", s.handleRebalance)
	r.Post("/webhooks/{backend}", s.handleWebhook)
	r.Get("/outbox/stats", s.handleOutboxStats)
	r.Post("/outbox/{id}/requeue", s.handleRequeue)
	r.Get("/mapping/{backend}/{externalID}", s.handleMapping)
	r.Get("/audit", s.handleAudit)
	r.Get("/health", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// ── intake ────────────────────────────────────────────────────────────────

type intakeResponse struct {
	ID             string  `json:"id"`
	Score          float64 `json:"score"`
	TaskType       string  `json:"task_type"`
	Client         string  `json:"client"`
	RequiresReview bool    `json:"requires_review"`
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var in types.Intake
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if in.Importance != 0 && (in.Importance < 1 || in.Importance > 5) {
		writeError(w, http.StatusBadRequest, "importance must be in [1,5]")
		return
	}
	if in.EffortHours < 0 {
		writeError(w, http.StatusBadRequest, "effort_hours must be >= 0")
		return
	}
	// A deadline is either null or strictly after the creation time.
	if in.Deadline != nil && !in.Deadline.After(s.clk.Now()) {
		writeError(w, http.StatusBadRequest, "deadline must be in the future")
		return
	}
	backendName := r.URL.Query().Get("backend")
	if backendName != "" {
		if _, ok := s.cfg.BackendConfFor(backendName); !ok {
			writeError(w, http.StatusBadRequest, "unknown backend")
			return
		}
	}

	ctx := r.Context()
	task := s.triager.Intake(in)

	createNow := true
	if s.adv != nil {
		createNow = s.refine(ctx, task)
	}

	// The task and its provider footprint commit together; a crash between
	// the two can never leave a saved task with no delivery intent.
	var rows []*types.OutboxRow
	if backendName != "" && createNow {
		var err error
		rows, err = s.prod.CreationRows(backendName, task, s.clk.Now())
		if err != nil {
			s.fail(w, "build creation rows", err)
			return
		}
	}
	if err := s.st.SaveTaskWithOutbox(ctx, task, rows); err != nil {
		s.fail(w, "save task", err)
		return
	}
	s.audit(ctx, types.AuditTaskCreated, task.ID, map[string]any{
		"client": task.Client, "task_type": task.Type,
	})

	writeJSON(w, http.StatusCreated, intakeResponse{
		ID:             task.ID,
		Score:          *task.Score,
		TaskType:       task.Type,
		Client:         task.Client,
		RequiresReview: task.RequiresReview,
	})
}

// refine consults the advisor and merges its suggestion. Any advisor
// failure leaves the deterministic triage result untouched.
func (s *Server) refine(ctx context.Context, task *types.Task) bool {
	suggestion, err := s.adv.Refine(ctx, advisor.SnapshotOf(task))
	if err != nil {
		s.audit(ctx, types.AuditAdvisorUnavailable, task.ID, map[string]any{"error": err.Error()})
		s.log.Warn("advisor unavailable", zap.String("task_id", task.ID), zap.Error(err))
		return true
	}
	createNow := s.triager.Refine(task, suggestion)
	s.audit(ctx, types.AuditAdvisorApplied, task.ID, map[string]any{"hold": !createNow})
	return createNow
}

// ── tasks ─────────────────────────────────────────────────────────────────

func (s *Server) handleRetriage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := s.st.GetTask(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	if err != nil {
		s.fail(w, "get task", err)
		return
	}

	s.triager.Retriage(task)
	if err := s.st.SaveTask(ctx, task); err != nil {
		s.fail(w, "save task", err)
		return
	}
	s.audit(ctx, types.AuditTaskRetriaged, task.ID, nil)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.st.GetTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	if err != nil {
		s.fail(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ── planning ──────────────────────────────────────────────────────────────

type rebalanceRequest struct {
	Hours  float64 `json:"hours"`
	Client string  `json:"client,omitempty"`
}

type rebalanceResponse struct {
	Plan   *types.Plan           `json:"plan"`
	Traces []types.DecisionTrace `json:"traces"`
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	var req rebalanceRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
	}
	if req.Hours < 0 {
		writeError(w, http.StatusBadRequest, "hours must be >= 0")
		return
	}

	plan, traces, err := s.planner.Rebalance(r.Context(), planner.Request{Hours: req.Hours, Client: req.Client})
	if err != nil {
		s.fail(w, "rebalance", err)
		return
	}
	if traces == nil {
		traces = []types.DecisionTrace{}
	}
	writeJSON(w, http.StatusOK, rebalanceResponse{Plan: plan, Traces: traces})
}

// ── webhooks ──────────────────────────────────────────────────────────────

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	backendName := chi.URLParam(r, "backend")
	conf, ok := s.cfg.BackendConfFor(backendName)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown backend")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := s.hook.Process(r.Context(), backendName, r.Header.Get(conf.SignatureHeader), body)
	switch {
	case errors.Is(err, backend.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, "signature mismatch")
		return
	case errors.Is(err, webhook.ErrUnknownBackend):
		writeError(w, http.StatusNotFound, "unknown backend")
		return
	case err != nil:
		if errors.As(err, new(*json.SyntaxError)) || errors.As(err, new(*json.UnmarshalTypeError)) {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
		s.fail(w, "process webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ── operator endpoints ────────────────────────────────────────────────────

func (s *Server) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.st.OutboxStats(r.Context())
	if err != nil {
		s.fail(w, "outbox stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid row id")
		return
	}
	err = s.st.RequeueDeadLetter(r.Context(), id, s.clk.Now())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no dead-letter row with that id")
		return
	}
	if err != nil {
		s.fail(w, "requeue", err)
		return
	}
	s.log.Info("dead-letter row requeued", zap.Int64("row", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request) {
	id, err := s.st.GetInternalID(r.Context(), chi.URLParam(r, "backend"), chi.URLParam(r, "externalID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no mapping")
		return
	}
	if err != nil {
		s.fail(w, "get mapping", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	now := s.clk.Now()
	from, to := now.Add(-24*time.Hour), now
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from")
			return
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to")
			return
		}
		to = parsed
	}

	traces, err := s.st.ListTraces(r.Context(), from, to)
	if err != nil {
		s.fail(w, "list traces", err)
		return
	}
	if traces == nil {
		traces = []types.DecisionTrace{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var errs error
	if err := s.st.Ping(r.Context()); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		s.log.Warn("health check failed", zap.Error(errs))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── helpers ───────────────────────────────────────────────────────────────

func (s *Server) audit(ctx context.Context, eventType, taskID string, detail map[string]any) {
	var enc []byte
	if detail != nil {
		enc, _ = json.Marshal(detail)
	}
	ev := types.AuditEvent{EventType: eventType, TaskID: taskID, Detail: enc, CreatedAt: s.clk.Now()}
	if err := s.st.AppendAudit(ctx, ev); err != nil {
		s.log.Warn("append audit failed", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
