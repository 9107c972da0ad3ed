package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/evalplane/evalplane/internal/domain"
)

type fakeStorageClient struct {
	mu    sync.Mutex
	evals map[string]domain.Evaluation
}

func newFakeStorageClient() *fakeStorageClient {
	return &fakeStorageClient{evals: map[string]domain.Evaluation{}}
}

func (f *fakeStorageClient) CreateEvaluation(_ context.Context, e domain.Evaluation) (domain.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == "" {
		e.ID = "eval-1"
	}
	f.evals[e.ID] = e
	return e, nil
}

func (f *fakeStorageClient) GetEvaluation(_ context.Context, id string) (domain.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.evals[id]
	if !ok {
		return domain.Evaluation{}, domain.ErrNotFound
	}
	return e, nil
}

func (f *fakeStorageClient) UpdateEvaluation(_ context.Context, id string, expected domain.Status, patch func(*domain.Evaluation)) (domain.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.evals[id]
	if !ok {
		return domain.Evaluation{}, domain.ErrNotFound
	}
	if expected != "" && e.Status != expected {
		return domain.Evaluation{}, domain.ErrConflict
	}
	patch(&e)
	f.evals[id] = e
	return e, nil
}

func (f *fakeStorageClient) ListEvaluations(context.Context, int, int) ([]domain.Evaluation, error) {
	return nil, nil
}
func (f *fakeStorageClient) RunningEvaluations(context.Context) ([]domain.Evaluation, error) {
	return nil, nil
}
func (f *fakeStorageClient) BulkCreate(_ context.Context, evals []domain.Evaluation) ([]domain.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range evals {
		f.evals[evals[i].ID] = evals[i]
	}
	return evals, nil
}
func (f *fakeStorageClient) SoftDelete(context.Context, string) error { return nil }
func (f *fakeStorageClient) Restore(context.Context, string) error   { return nil }
func (f *fakeStorageClient) Statistics(context.Context) (map[string]int64, error) {
	return map[string]int64{"total": 0}, nil
}
func (f *fakeStorageClient) AppendEvent(context.Context, domain.EvaluationEvent) error { return nil }
func (f *fakeStorageClient) GetEvents(context.Context, string) ([]domain.EvaluationEvent, error) {
	return nil, nil
}

var _ domain.StorageClient = (*fakeStorageClient)(nil)

func newTestStorageRouter(storage domain.StorageClient) http.Handler {
	r := chi.NewRouter()
	NewStorageServer(storage).Routes(r)
	return r
}

func TestStorageServer_CreateAndGet(t *testing.T) {
	storage := newFakeStorageClient()
	router := newTestStorageRouter(storage)

	body, _ := json.Marshal(domain.Evaluation{ID: "ev-1", Status: domain.StatusSubmitted, Language: "python"})
	req := httptest.NewRequest(http.MethodPost, "/internal/evaluations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/internal/evaluations/ev-1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	var got domain.Evaluation
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Language != "python" {
		t.Fatalf("language = %q, want python", got.Language)
	}
}

func TestStorageServer_GetMissingReturnsNotFound(t *testing.T) {
	router := newTestStorageRouter(newFakeStorageClient())
	req := httptest.NewRequest(http.MethodGet, "/internal/evaluations/ghost", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStorageServer_UpdateRejectsStatusMismatch(t *testing.T) {
	storage := newFakeStorageClient()
	storage.evals["ev-2"] = domain.Evaluation{ID: "ev-2", Status: domain.StatusRunning}
	router := newTestStorageRouter(storage)

	body, _ := json.Marshal(updateRequest{ExpectedStatus: domain.StatusQueued, Status: domain.StatusCompleted})
	req := httptest.NewRequest(http.MethodPatch, "/internal/evaluations/ev-2", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestStorageServer_UpdateAppliesPatch(t *testing.T) {
	storage := newFakeStorageClient()
	storage.evals["ev-3"] = domain.Evaluation{ID: "ev-3", Status: domain.StatusRunning}
	router := newTestStorageRouter(storage)

	body, _ := json.Marshal(updateRequest{ExpectedStatus: domain.StatusRunning, Status: domain.StatusCompleted, Output: "ok"})
	req := httptest.NewRequest(http.MethodPatch, "/internal/evaluations/ev-3", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	e, _ := storage.GetEvaluation(context.Background(), "ev-3")
	if e.Status != domain.StatusCompleted || e.Output != "ok" {
		t.Fatalf("patch not applied, got %+v", e)
	}
}
