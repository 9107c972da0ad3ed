package projector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evalplane/evalplane/internal/domain"
)

type fakeStorage struct {
	mu     sync.Mutex
	evals  map[string]domain.Evaluation
	events []domain.EvaluationEvent
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{evals: map[string]domain.Evaluation{}}
}

func (f *fakeStorage) CreateEvaluation(_ context.Context, e domain.Evaluation) (domain.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals[e.ID] = e
	return e, nil
}

func (f *fakeStorage) GetEvaluation(_ context.Context, id string) (domain.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.evals[id]
	if !ok {
		return domain.Evaluation{}, domain.ErrNotFound
	}
	return e, nil
}

func (f *fakeStorage) UpdateEvaluation(_ context.Context, id string, expectedStatus domain.Status, patch func(*domain.Evaluation)) (domain.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.evals[id]
	if !ok {
		return domain.Evaluation{}, domain.ErrNotFound
	}
	if expectedStatus != "" && e.Status != expectedStatus {
		return domain.Evaluation{}, domain.ErrConflict
	}
	patch(&e)
	f.evals[id] = e
	return e, nil
}

func (f *fakeStorage) ListEvaluations(context.Context, int, int) ([]domain.Evaluation, error) { return nil, nil }
func (f *fakeStorage) RunningEvaluations(context.Context) ([]domain.Evaluation, error)        { return nil, nil }
func (f *fakeStorage) BulkCreate(context.Context, []domain.Evaluation) ([]domain.Evaluation, error) {
	return nil, nil
}
func (f *fakeStorage) SoftDelete(context.Context, string) error                   { return nil }
func (f *fakeStorage) Restore(context.Context, string) error                      { return nil }
func (f *fakeStorage) Statistics(context.Context) (map[string]int64, error)       { return nil, nil }
func (f *fakeStorage) AppendEvent(_ context.Context, ev domain.EvaluationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}
func (f *fakeStorage) GetEvents(context.Context, string) ([]domain.EvaluationEvent, error) {
	return nil, nil
}

var _ domain.StorageClient = (*fakeStorage)(nil)

type noopBus struct{}

func (noopBus) Publish(context.Context, domain.EvaluationEvent) error { return nil }
func (noopBus) Subscribe(context.Context, []domain.EventKind, func(context.Context, domain.EvaluationEvent) error) error {
	return nil
}
func (noopBus) Close() error { return nil }

func TestHandle_CreatesRecordOnSubmitted(t *testing.T) {
	storage := newFakeStorage()
	p := New(storage, noopBus{})

	ev := domain.EvaluationEvent{EvalID: "ev-1", Kind: domain.EventSubmitted, At: time.Now(), Payload: map[string]any{"language": "python"}}
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	e, err := storage.GetEvaluation(context.Background(), "ev-1")
	if err != nil {
		t.Fatalf("GetEvaluation: %v", err)
	}
	if e.Status != domain.StatusSubmitted {
		t.Fatalf("status = %v, want submitted", e.Status)
	}
	if e.Language != "python" {
		t.Fatalf("language = %q, want python", e.Language)
	}
}

func TestHandle_AdvancesStatusOnSubsequentEvent(t *testing.T) {
	storage := newFakeStorage()
	p := New(storage, noopBus{})
	ctx := context.Background()

	_ = p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-2", Kind: domain.EventSubmitted, At: time.Now()})
	if err := p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-2", Kind: domain.EventQueued, At: time.Now()}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	e, _ := storage.GetEvaluation(ctx, "ev-2")
	if e.Status != domain.StatusQueued {
		t.Fatalf("status = %v, want queued", e.Status)
	}

	if len(storage.events) != 2 {
		t.Fatalf("expected 2 logged events, got %d", len(storage.events))
	}
	for _, logged := range storage.events {
		if logged.Anomaly {
			t.Fatalf("no event should be flagged anomaly on the happy path, got %+v", logged)
		}
	}
}

func TestHandle_TerminalStickinessFlagsLateEventAsAnomaly(t *testing.T) {
	storage := newFakeStorage()
	p := New(storage, noopBus{})
	ctx := context.Background()

	_ = p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-3", Kind: domain.EventSubmitted, At: time.Now()})
	_ = p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-3", Kind: domain.EventQueued, At: time.Now()})
	_ = p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-3", Kind: domain.EventProvisioning, At: time.Now()})
	_ = p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-3", Kind: domain.EventRunning, At: time.Now()})
	if err := p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-3", Kind: domain.EventCompleted, At: time.Now(), Payload: map[string]any{"output": "done"}}); err != nil {
		t.Fatalf("Handle completed: %v", err)
	}

	// Redelivery of a stale running event after the record is already terminal.
	if err := p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-3", Kind: domain.EventRunning, At: time.Now()}); err != nil {
		t.Fatalf("Handle redelivered event: %v", err)
	}

	e, _ := storage.GetEvaluation(ctx, "ev-3")
	if e.Status != domain.StatusCompleted {
		t.Fatalf("terminal status must stick, got %v", e.Status)
	}
	if e.Output != "done" {
		t.Fatalf("output = %q, want done", e.Output)
	}

	last := storage.events[len(storage.events)-1]
	if !last.Anomaly {
		t.Fatalf("expected the redelivered stale event to be flagged anomaly")
	}
}

func TestHandle_AppliesExitCodeAndTimestampsFromInProcessPayload(t *testing.T) {
	storage := newFakeStorage()
	p := New(storage, noopBus{})
	ctx := context.Background()

	_ = p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-4", Kind: domain.EventSubmitted, At: time.Now()})
	_ = p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-4", Kind: domain.EventQueued, At: time.Now()})
	_ = p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-4", Kind: domain.EventProvisioning, At: time.Now()})

	startedAt := time.Now()
	if err := p.Handle(ctx, domain.EvaluationEvent{
		EvalID: "ev-4", Kind: domain.EventRunning, At: startedAt,
		Payload: map[string]any{"executor_id": "exec-1", "started_at": startedAt},
	}); err != nil {
		t.Fatalf("Handle running: %v", err)
	}
	e, _ := storage.GetEvaluation(ctx, "ev-4")
	if e.StartedAt == nil || !e.StartedAt.Equal(startedAt) {
		t.Fatalf("started_at = %v, want %v", e.StartedAt, startedAt)
	}
	if e.ExitCode != nil {
		t.Fatalf("exit_code should still be nil while running, got %v", *e.ExitCode)
	}

	terminatedAt := startedAt.Add(time.Second)
	if err := p.Handle(ctx, domain.EvaluationEvent{
		EvalID: "ev-4", Kind: domain.EventCompleted, At: terminatedAt,
		Payload: map[string]any{"output": "ok", "exit_code": 0, "terminated_at": terminatedAt},
	}); err != nil {
		t.Fatalf("Handle completed: %v", err)
	}

	e, _ = storage.GetEvaluation(ctx, "ev-4")
	if e.Status != domain.StatusCompleted {
		t.Fatalf("status = %v, want completed", e.Status)
	}
	if e.ExitCode == nil || *e.ExitCode != 0 {
		t.Fatalf("exit_code = %v, want 0 (non-nil)", e.ExitCode)
	}
	if e.TerminatedAt == nil || !e.TerminatedAt.Equal(terminatedAt) {
		t.Fatalf("terminated_at = %v, want %v", e.TerminatedAt, terminatedAt)
	}
	if e.OutputPreview != "ok" {
		t.Fatalf("output_preview = %q, want ok", e.OutputPreview)
	}
}

func TestHandle_AppliesExitCodeAndTimestampsAfterJSONRoundTrip(t *testing.T) {
	storage := newFakeStorage()
	p := New(storage, noopBus{})
	ctx := context.Background()

	_ = p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-5", Kind: domain.EventSubmitted, At: time.Now()})
	_ = p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-5", Kind: domain.EventQueued, At: time.Now()})
	_ = p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-5", Kind: domain.EventProvisioning, At: time.Now()})
	_ = p.Handle(ctx, domain.EvaluationEvent{EvalID: "ev-5", Kind: domain.EventRunning, At: time.Now()})

	terminatedAt := time.Now().UTC()
	ev := domain.EvaluationEvent{
		EvalID: "ev-5", Kind: domain.EventFailed, At: terminatedAt,
		Payload: map[string]any{"exit_code": 1, "terminated_at": terminatedAt, "error_kind": "runtime_failure"},
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTripped domain.EvaluationEvent
	if err := json.Unmarshal(raw, &roundTripped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if err := p.Handle(ctx, roundTripped); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	e, _ := storage.GetEvaluation(ctx, "ev-5")
	if e.ExitCode == nil || *e.ExitCode != 1 {
		t.Fatalf("exit_code = %v, want 1 (non-nil)", e.ExitCode)
	}
	if e.TerminatedAt == nil || !e.TerminatedAt.Equal(terminatedAt) {
		t.Fatalf("terminated_at = %v, want %v", e.TerminatedAt, terminatedAt)
	}
}

func TestHandle_UnknownEvaluationNonSubmittedEventIsDropped(t *testing.T) {
	storage := newFakeStorage()
	p := New(storage, noopBus{})

	err := p.Handle(context.Background(), domain.EvaluationEvent{EvalID: "ghost", Kind: domain.EventRunning, At: time.Now()})
	if err != nil {
		t.Fatalf("expected a dropped event to return nil, got %v", err)
	}
	if _, getErr := storage.GetEvaluation(context.Background(), "ghost"); !errors.Is(getErr, domain.ErrNotFound) {
		t.Fatalf("expected no record to be created for an orphan non-submitted event")
	}
}
