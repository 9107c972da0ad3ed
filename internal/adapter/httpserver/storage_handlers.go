package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/evalplane/evalplane/internal/domain"
)

// StorageServer exposes a domain.StorageClient as a JSON HTTP surface, so C8,
// C5, and C7 may each run as their own process against a shared storage_url
// instead of embedding the postgres/cache/blob stack directly. Grounded on
// this package's own submission-surface handlers (same writeJSON/writeError
// envelope, same chi routing conventions).
type StorageServer struct {
	storage domain.StorageClient
}

// NewStorageServer constructs the storage HTTP surface.
func NewStorageServer(storage domain.StorageClient) *StorageServer {
	return &StorageServer{storage: storage}
}

// Routes mounts every storage operation under r.
func (s *StorageServer) Routes(r chi.Router) {
	r.Post("/internal/evaluations", s.createHandler())
	r.Post("/internal/evaluations/bulk", s.bulkCreateHandler())
	r.Get("/internal/evaluations/{id}", s.getHandler())
	r.Patch("/internal/evaluations/{id}", s.updateHandler())
	r.Delete("/internal/evaluations/{id}", s.softDeleteHandler())
	r.Post("/internal/evaluations/{id}/restore", s.restoreHandler())
	r.Get("/internal/evaluations", s.listHandler())
	r.Get("/internal/evaluations/running", s.runningHandler())
	r.Get("/internal/statistics", s.statisticsHandler())
	r.Post("/internal/events", s.appendEventHandler())
	r.Get("/internal/events/{evalID}", s.getEventsHandler())
}

func (s *StorageServer) createHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var e domain.Evaluation
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		created, err := s.storage.CreateEvaluation(r.Context(), e)
		if err != nil {
			writeError(w, r, fmt.Errorf("create evaluation: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func (s *StorageServer) bulkCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var evals []domain.Evaluation
		if err := json.NewDecoder(r.Body).Decode(&evals); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		created, err := s.storage.BulkCreate(r.Context(), evals)
		if err != nil {
			writeError(w, r, fmt.Errorf("bulk create: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func (s *StorageServer) getHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, err := s.storage.GetEvaluation(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

type updateRequest struct {
	ExpectedStatus domain.Status `json:"expected_status"`
	Status         domain.Status `json:"status"`
	Output         string        `json:"output,omitempty"`
	OutputPreview  string        `json:"output_preview,omitempty"`
	OutputBlobKey  string        `json:"output_blob_key,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	ExecutorID     string        `json:"executor_id,omitempty"`
}

func (s *StorageServer) updateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req updateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		updated, err := s.storage.UpdateEvaluation(r.Context(), id, req.ExpectedStatus, func(e *domain.Evaluation) {
			if req.Status != "" {
				e.Status = req.Status
			}
			if req.Output != "" {
				e.Output = req.Output
			}
			if req.OutputPreview != "" {
				e.OutputPreview = req.OutputPreview
			}
			if req.OutputBlobKey != "" {
				e.OutputBlobKey = req.OutputBlobKey
			}
			if req.ErrorKind != "" {
				e.ErrorKind = req.ErrorKind
			}
			if req.ErrorMessage != "" {
				e.ErrorMessage = req.ErrorMessage
			}
			if req.ExecutorID != "" {
				e.ExecutorID = req.ExecutorID
			}
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("update evaluation: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func (s *StorageServer) softDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.storage.SoftDelete(r.Context(), id); err != nil {
			writeError(w, r, fmt.Errorf("soft delete: %w", err), nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *StorageServer) restoreHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.storage.Restore(r.Context(), id); err != nil {
			writeError(w, r, fmt.Errorf("restore: %w", err), nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *StorageServer) listHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		if limit <= 0 {
			limit = 50
		}
		evals, err := s.storage.ListEvaluations(r.Context(), limit, offset)
		if err != nil {
			writeError(w, r, fmt.Errorf("list evaluations: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": evals, "limit": limit, "offset": offset})
	}
}

func (s *StorageServer) runningHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		evals, err := s.storage.RunningEvaluations(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("running evaluations: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": evals})
	}
}

func (s *StorageServer) statisticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.storage.Statistics(r.Context())
		if err != nil {
			writeError(w, r, fmt.Errorf("statistics: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func (s *StorageServer) appendEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev domain.EvaluationEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.storage.AppendEvent(r.Context(), ev); err != nil {
			writeError(w, r, fmt.Errorf("append event: %w", err), nil)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *StorageServer) getEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		evalID := chi.URLParam(r, "evalID")
		events, err := s.storage.GetEvents(r.Context(), evalID)
		if err != nil {
			writeError(w, r, fmt.Errorf("get events: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": events})
	}
}
