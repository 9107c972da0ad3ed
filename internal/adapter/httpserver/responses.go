// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for the application including
// evaluation submission, cancellation, and result retrieval.
// The package follows clean architecture principles and provides
// a clear separation between HTTP concerns and business logic.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/evalplane/evalplane/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// evaluationResponse is the public, snake_case shape of an evaluation.
// It deliberately omits Code and the full Output: clients get a bounded
// OutputPreview and, for large output, an OutputLocation to fetch the rest
// through a dedicated endpoint rather than inline on every GET.
type evaluationResponse struct {
	EvalID          string     `json:"eval_id"`
	Status          string     `json:"status"`
	Language        string     `json:"language"`
	OutputPreview   string     `json:"output_preview,omitempty"`
	OutputLocation  string     `json:"output_location,omitempty"`
	ExitCode        *int       `json:"exit_code"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ExecutorID      string     `json:"executor_id,omitempty"`
	SandboxEnforced bool       `json:"sandbox_enforced"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	StartedAt       *time.Time `json:"started_at"`
	TerminatedAt    *time.Time `json:"terminated_at"`
}

func newEvaluationResponse(e domain.Evaluation) evaluationResponse {
	return evaluationResponse{
		EvalID:          e.ID,
		Status:          string(e.Status),
		Language:        e.Language,
		OutputPreview:   e.OutputPreview,
		OutputLocation:  e.OutputBlobKey,
		ExitCode:        e.ExitCode,
		ErrorKind:       e.ErrorKind,
		ErrorMessage:    e.ErrorMessage,
		ExecutorID:      e.ExecutorID,
		SandboxEnforced: e.SandboxEnforced,
		SubmittedAt:     e.SubmittedAt,
		StartedAt:       e.StartedAt,
		TerminatedAt:    e.TerminatedAt,
	}
}

func newEvaluationResponses(evals []domain.Evaluation) []evaluationResponse {
	out := make([]evaluationResponse, 0, len(evals))
	for _, e := range evals {
		out = append(out, newEvaluationResponse(e))
	}
	return out
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrPayloadTooLarge):
		code = http.StatusRequestEntityTooLarge
		codeStr = "PAYLOAD_TOO_LARGE"
	case errors.Is(err, domain.ErrQuotaExceeded):
		code = http.StatusTooManyRequests
		codeStr = "QUOTA_EXCEEDED"
	case errors.Is(err, domain.ErrInvalidTransition):
		code = http.StatusConflict
		codeStr = "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrClusterUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "CLUSTER_UNAVAILABLE"
	case errors.Is(err, domain.ErrStorageUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "STORAGE_UNAVAILABLE"
	case errors.Is(err, domain.ErrBrokerUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "BROKER_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
