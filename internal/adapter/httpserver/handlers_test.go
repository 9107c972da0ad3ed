package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/evalplane/evalplane/internal/config"
	"github.com/evalplane/evalplane/internal/domain"
)

type fakeQueue struct {
	enqueued []domain.QueueItem
	canceled []string
	enqErr   error
}

func (f *fakeQueue) Enqueue(_ context.Context, item domain.QueueItem) (string, error) {
	if f.enqErr != nil {
		return "", f.enqErr
	}
	f.enqueued = append(f.enqueued, item)
	return "task-" + item.EvalID, nil
}

func (f *fakeQueue) Cancel(_ context.Context, evalID string) error {
	f.canceled = append(f.canceled, evalID)
	return nil
}

func testServerConfig() config.Config {
	return config.Config{
		MaxCodeSizeBytes:      1 << 20,
		DefaultTimeoutSeconds: 30,
		MaxTimeoutSeconds:     600,
	}
}

func newTestServer(storage *fakeStorageClient, queue *fakeQueue) (*Server, http.Handler) {
	srv := NewServer(testServerConfig(), storage, queue,
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
	)
	r := chi.NewRouter()
	r.Post("/v1/evaluations", srv.SubmitHandler())
	r.Post("/v1/evaluations/bulk", srv.BulkSubmitHandler())
	r.Get("/v1/evaluations/{id}", srv.GetHandler())
	r.Delete("/v1/evaluations/{id}", srv.CancelHandler())
	r.Get("/v1/evaluations", srv.ListHandler())
	r.Get("/v1/evaluations/running", srv.RunningHandler())
	r.Get("/v1/statistics", srv.StatisticsHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	return srv, r
}

func TestSubmitHandler_CreatesAndEnqueues(t *testing.T) {
	storage := newFakeStorageClient()
	queue := &fakeQueue{}
	_, router := newTestServer(storage, queue)

	body, _ := json.Marshal(map[string]any{"language": "python", "code": "print(1)"})
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluations", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["status"] != "queued" || got["eval_id"] == "" {
		t.Fatalf("response = %+v, want eval_id set and status=queued", got)
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("expected one enqueued item, got %d", len(queue.enqueued))
	}
	if queue.enqueued[0].Language != "python" {
		t.Fatalf("enqueued language = %q, want python", queue.enqueued[0].Language)
	}
}

func TestSubmitHandler_RejectsMissingRequiredFields(t *testing.T) {
	storage := newFakeStorageClient()
	queue := &fakeQueue{}
	_, router := newTestServer(storage, queue)

	body, _ := json.Marshal(map[string]any{"language": "python"})
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitHandler_RejectsOversizedCode(t *testing.T) {
	storage := newFakeStorageClient()
	queue := &fakeQueue{}
	cfg := testServerConfig()
	cfg.MaxCodeSizeBytes = 4
	srv := NewServer(cfg, storage, queue,
		func(context.Context) error { return nil }, nil, nil)
	r := chi.NewRouter()
	r.Post("/v1/evaluations", srv.SubmitHandler())

	body, _ := json.Marshal(map[string]any{"language": "python", "code": "print('too long')"})
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 400 or 413: %s", rec.Code, rec.Body.String())
	}
}

func TestGetHandler_RoundTrips(t *testing.T) {
	storage := newFakeStorageClient()
	storage.evals["ev-1"] = domain.Evaluation{ID: "ev-1", Status: domain.StatusRunning, Language: "go"}
	_, router := newTestServer(storage, &fakeQueue{})

	req := httptest.NewRequest(http.MethodGet, "/v1/evaluations/ev-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got evaluationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.EvalID != "ev-1" || got.Language != "go" {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestGetHandler_ReturnsPendingWhenMarkerSet(t *testing.T) {
	storage := newFakeStorageClient()
	srv, router := newTestServer(storage, &fakeQueue{})
	srv.PendingMarker = &fakePendingMarker{pending: map[string]bool{"ev-pending": true}}

	req := httptest.NewRequest(http.MethodGet, "/v1/evaluations/ev-pending", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["status"] != "queued" || got["eval_id"] != "ev-pending" {
		t.Fatalf("response = %+v", got)
	}
}

func TestGetHandler_NotPendingIs404(t *testing.T) {
	storage := newFakeStorageClient()
	srv, router := newTestServer(storage, &fakeQueue{})
	srv.PendingMarker = &fakePendingMarker{pending: map[string]bool{}}

	req := httptest.NewRequest(http.MethodGet, "/v1/evaluations/ev-unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

type fakePendingMarker struct{ pending map[string]bool }

func (m *fakePendingMarker) Mark(_ context.Context, id string) error {
	if m.pending == nil {
		m.pending = map[string]bool{}
	}
	m.pending[id] = true
	return nil
}

func (m *fakePendingMarker) IsPending(_ context.Context, id string) (bool, error) {
	return m.pending[id], nil
}

func TestGetHandler_InvalidIDRejected(t *testing.T) {
	_, router := newTestServer(newFakeStorageClient(), &fakeQueue{})
	req := httptest.NewRequest(http.MethodGet, "/v1/evaluations/bad%20id!", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelHandler_RejectsTerminalEvaluation(t *testing.T) {
	storage := newFakeStorageClient()
	storage.evals["ev-done"] = domain.Evaluation{ID: "ev-done", Status: domain.StatusCompleted}
	queue := &fakeQueue{}
	_, router := newTestServer(storage, queue)

	req := httptest.NewRequest(http.MethodDelete, "/v1/evaluations/ev-done", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	if len(queue.canceled) != 0 {
		t.Fatalf("terminal evaluation should never reach queue.Cancel")
	}
}

func TestCancelHandler_CancelsRunningEvaluation(t *testing.T) {
	storage := newFakeStorageClient()
	storage.evals["ev-run"] = domain.Evaluation{ID: "ev-run", Status: domain.StatusRunning}
	queue := &fakeQueue{}
	_, router := newTestServer(storage, queue)

	req := httptest.NewRequest(http.MethodDelete, "/v1/evaluations/ev-run", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if len(queue.canceled) != 1 || queue.canceled[0] != "ev-run" {
		t.Fatalf("expected ev-run to be cancelled, got %v", queue.canceled)
	}
}

func TestReadyzHandler_ReportsFailingCheck(t *testing.T) {
	storage := newFakeStorageClient()
	srv := NewServer(testServerConfig(), storage, &fakeQueue{},
		func(context.Context) error { return nil },
		func(context.Context) error { return errTestEventBusDown },
		func(context.Context) error { return nil },
	)
	r := chi.NewRouter()
	r.Get("/readyz", srv.ReadyzHandler())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", rec.Code, rec.Body.String())
	}
}

var errTestEventBusDown = &testError{"event bus unreachable"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
