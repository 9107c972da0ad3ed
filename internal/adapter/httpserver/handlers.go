// Package httpserver contains HTTP handlers and middleware.
//
// It provides the REST API for the evaluation submission surface (C8):
// submitting code for evaluation, polling evaluation state, cancelling
// in-flight evaluations, and read-only operational endpoints.
// The package follows clean architecture principles and provides
// a clear separation between HTTP concerns and business logic.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/evalplane/evalplane/internal/config"
	"github.com/evalplane/evalplane/internal/domain"
)

// PendingMarker records that a submitted eval_id is known but may not have
// reached storage yet. It is optional: a nil PendingMarker simply disables
// the 202-vs-404 distinction in GetHandler.
type PendingMarker interface {
	Mark(ctx context.Context, id string) error
	IsPending(ctx context.Context, id string) (bool, error)
}

// Server aggregates handler dependencies for the submission API.
type Server struct {
	Cfg           config.Config
	Storage       domain.StorageClient
	Queue         domain.Queue
	StorageCheck  func(ctx context.Context) error
	EventBusCheck func(ctx context.Context) error
	ClusterCheck  func(ctx context.Context) error

	// PendingMarker is optional; set it after construction to enable the
	// submit-then-immediately-GET 202 path (see GetHandler).
	PendingMarker PendingMarker
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, storage domain.StorageClient, queue domain.Queue,
	storageCheck, eventBusCheck, clusterCheck func(context.Context) error) *Server {
	return &Server{
		Cfg: cfg, Storage: storage, Queue: queue,
		StorageCheck: storageCheck, EventBusCheck: eventBusCheck, ClusterCheck: clusterCheck,
	}
}

func notAcceptableJSONOnly(w http.ResponseWriter, r *http.Request) bool {
	if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNotAcceptable)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "INVALID_ARGUMENT", "message": "not acceptable", "details": map[string]any{"accept": a}}})
		return true
	}
	return false
}

type submitRequest struct {
	EvalID         string `json:"eval_id" validate:"omitempty"`
	Language       string `json:"language" validate:"required"`
	Code           string `json:"code" validate:"required"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"omitempty,min=1"`
	Priority       string `json:"priority" validate:"omitempty,oneof=low normal high"`
	CPUMillis      int64  `json:"cpu_millis" validate:"omitempty,min=0"`
	MemoryMiB      int64  `json:"memory_mib" validate:"omitempty,min=0"`
}

func (req submitRequest) toEvaluation(cfg config.Config) (domain.Evaluation, error) {
	if int64(len(req.Code)) > cfg.MaxCodeSizeBytes {
		return domain.Evaluation{}, fmt.Errorf("%w: code exceeds %d bytes", domain.ErrPayloadTooLarge, cfg.MaxCodeSizeBytes)
	}
	if req.EvalID != "" {
		if v := ValidateEvalID(req.EvalID); !v.Valid {
			return domain.Evaluation{}, fmt.Errorf("%w: invalid eval_id", domain.ErrInvalidArgument)
		}
	}
	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = cfg.DefaultTimeoutSeconds
	}
	if timeout > cfg.MaxTimeoutSeconds {
		return domain.Evaluation{}, fmt.Errorf("%w: timeout_seconds exceeds max %d", domain.ErrInvalidArgument, cfg.MaxTimeoutSeconds)
	}
	priority := domain.Priority(req.Priority)
	if priority == "" {
		priority = domain.PriorityNormal
	}
	limits := domain.DefaultResourceLimits()
	if req.CPUMillis > 0 {
		limits.CPUMillis = req.CPUMillis
	}
	if req.MemoryMiB > 0 {
		limits.MemoryMiB = req.MemoryMiB
	}
	return domain.Evaluation{
		ID:             req.EvalID,
		Language:       req.Language,
		Code:           req.Code,
		TimeoutSeconds: timeout,
		Priority:       priority,
		Resources:      limits,
	}, nil
}

// SubmitHandler creates an evaluation and enqueues it for execution.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if notAcceptableJSONOnly(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxCodeSizeBytes*2)
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		ev, err := req.toEvaluation(s.Cfg)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ctx := r.Context()
		ev, err = s.Storage.CreateEvaluation(ctx, ev)
		if err != nil {
			writeError(w, r, fmt.Errorf("create evaluation: %w", err), nil)
			return
		}
		item := domain.QueueItem{
			EvalID:         ev.ID,
			Language:       ev.Language,
			Code:           ev.Code,
			TimeoutSeconds: ev.TimeoutSeconds,
			Priority:       ev.Priority,
			Resources:      ev.Resources,
			RequestID:      r.Header.Get("X-Request-Id"),
		}
		if _, err := s.Queue.Enqueue(ctx, item); err != nil {
			writeError(w, r, fmt.Errorf("enqueue evaluation: %w", err), nil)
			return
		}
		if s.PendingMarker != nil {
			if err := s.PendingMarker.Mark(ctx, ev.ID); err != nil {
				LoggerFrom(r).Error("failed to set pending marker", "eval_id", ev.ID, "error", err)
			}
		}
		writeJSON(w, http.StatusCreated, map[string]string{"eval_id": ev.ID, "status": string(domain.StatusQueued)})
	}
}

// BulkSubmitHandler creates and enqueues multiple evaluations in one call.
func (s *Server) BulkSubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if notAcceptableJSONOnly(w, r) {
			return
		}
		var req struct {
			Items []submitRequest `json:"items" validate:"required,min=1,max=100,dive"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), nil)
			return
		}
		ctx := r.Context()
		evals := make([]domain.Evaluation, 0, len(req.Items))
		for _, item := range req.Items {
			ev, err := item.toEvaluation(s.Cfg)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			evals = append(evals, ev)
		}
		created, err := s.Storage.BulkCreate(ctx, evals)
		if err != nil {
			writeError(w, r, fmt.Errorf("bulk create: %w", err), nil)
			return
		}
		ids := make([]string, 0, len(created))
		for _, ev := range created {
			ids = append(ids, ev.ID)
			qi := domain.QueueItem{
				EvalID: ev.ID, Language: ev.Language, Code: ev.Code,
				TimeoutSeconds: ev.TimeoutSeconds, Priority: ev.Priority, Resources: ev.Resources,
			}
			if _, err := s.Queue.Enqueue(ctx, qi); err != nil {
				LoggerFrom(r).Error("bulk enqueue failed", "eval_id", ev.ID, "error", err)
			}
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ids": ids, "count": len(ids)})
	}
}

// GetHandler returns the current state of an evaluation.
func (s *Server) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if notAcceptableJSONOnly(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		if v := ValidateEvalID(id); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		ctx := r.Context()
		ev, err := s.Storage.GetEvaluation(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) && s.PendingMarker != nil {
				if pending, perr := s.PendingMarker.IsPending(ctx, id); perr == nil && pending {
					writeJSON(w, http.StatusAccepted, map[string]string{"eval_id": id, "status": string(domain.StatusQueued)})
					return
				}
			}
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, newEvaluationResponse(ev))
	}
}

// CancelHandler requests cancellation of an in-flight evaluation. Cancellation
// is advisory: it is handed to the task queue (Queue.Cancel), which drops an
// unclaimed task or marks a claimed one revoked for the worker to act on; it
// is not performed synchronously here.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if v := ValidateEvalID(id); !v.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid id", domain.ErrInvalidArgument), v.Errors)
			return
		}
		ev, err := s.Storage.GetEvaluation(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if ev.Status.Terminal() {
			writeError(w, r, fmt.Errorf("%w: evaluation already in terminal state %s", domain.ErrInvalidTransition, ev.Status), nil)
			return
		}
		if err := s.Queue.Cancel(r.Context(), id); err != nil {
			writeError(w, r, fmt.Errorf("cancel evaluation: %w", err), nil)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// ListHandler returns a paginated list of evaluations.
func (s *Server) ListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		offset := 0
		if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
			limit = l
		}
		if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
			offset = o
		}
		evals, err := s.Storage.ListEvaluations(r.Context(), limit, offset)
		if err != nil {
			writeError(w, r, fmt.Errorf("list evaluations: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": newEvaluationResponses(evals), "limit": limit, "offset": offset})
	}
}

// RunningHandler returns every evaluation currently in a non-terminal status.
func (s *Server) RunningHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		evals, err := s.Storage.RunningEvaluations(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("running evaluations: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": newEvaluationResponses(evals)})
	}
}

// StatisticsHandler returns per-status evaluation counts.
func (s *Server) StatisticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Storage.Statistics(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("statistics: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ReadyzHandler probes storage, event bus, and cluster backends.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		probe := func(name string, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: name, OK: true})
			}
		}
		probe("storage", s.StorageCheck)
		probe("eventbus", s.EventBusCheck)
		probe("cluster", s.ClusterCheck)
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// OpenAPIServe serves api/openapi.yaml if present.
func (s *Server) OpenAPIServe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := os.ReadFile("api/openapi.yaml")
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}
}

// MountAdmin mounts the read-only admin/operational surface.
func (s *Server) MountAdmin(r chi.Router) {
	adminServer, err := NewAdminServer(s.Cfg, s)
	if err != nil {
		return
	}
	r.Post("/admin/token", adminServer.AdminTokenHandler())
	r.Get("/admin/api/status", adminServer.AdminStatusHandler())
	r.Get("/admin/api/stats", adminServer.AdminStatsHandler())
	r.Get("/admin/api/evaluations", adminServer.AdminEvaluationsHandler())
	r.Get("/admin/api/evaluations/{id}", adminServer.AdminEvaluationDetailsHandler())
}

// getDashboardStats returns operational statistics for the admin surface.
func (s *Server) getDashboardStats(ctx context.Context) map[string]any {
	stats, err := s.Storage.Statistics(ctx)
	if err != nil {
		return map[string]any{
			"error": map[string]any{"code": "STATISTICS_ERROR", "message": "failed to retrieve statistics", "details": map[string]any{"error": err.Error()}},
		}
	}
	var total int64
	for _, c := range stats {
		total += c
	}
	return map[string]any{"by_status": stats, "total": total}
}

// getEvaluations returns a paginated, filtered evaluation list for the admin surface.
func (s *Server) getEvaluations(ctx context.Context, page, limit, status string) map[string]any {
	pageNum := 1
	limitNum := 20
	if p, err := strconv.Atoi(page); err == nil && p > 0 {
		pageNum = p
	}
	if l, err := strconv.Atoi(limit); err == nil && l > 0 && l <= 100 {
		limitNum = l
	}
	offset := (pageNum - 1) * limitNum
	evals, err := s.Storage.ListEvaluations(ctx, limitNum, offset)
	if err != nil {
		return map[string]any{
			"error": map[string]any{"code": "DATABASE_ERROR", "message": "failed to retrieve evaluations", "details": map[string]any{"error": err.Error()}},
			"items": []domain.Evaluation{},
		}
	}
	if status != "" {
		filtered := make([]domain.Evaluation, 0, len(evals))
		for _, e := range evals {
			if string(e.Status) == status {
				filtered = append(filtered, e)
			}
		}
		evals = filtered
	}
	return map[string]any{
		"items":      evals,
		"page":       pageNum,
		"limit":      limitNum,
	}
}

// getEvaluationDetails returns a single evaluation with its event log for the admin surface.
func (s *Server) getEvaluationDetails(ctx context.Context, id string) map[string]any {
	ev, err := s.Storage.GetEvaluation(ctx, id)
	if err != nil {
		return map[string]any{
			"error": map[string]any{"code": "EVALUATION_NOT_FOUND", "message": "evaluation not found", "details": map[string]any{"eval_id": id}},
		}
	}
	return map[string]any{"evaluation": ev}
}
