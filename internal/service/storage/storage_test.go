package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/evalplane/evalplane/internal/domain"
	"github.com/evalplane/evalplane/internal/service/storage"
)

type mockEvalRepo struct{ mock.Mock }

func (m *mockEvalRepo) Create(ctx domain.Context, e domain.Evaluation) (domain.Evaluation, error) {
	args := m.Called(ctx, e)
	return args.Get(0).(domain.Evaluation), args.Error(1)
}
func (m *mockEvalRepo) Get(ctx domain.Context, id string) (domain.Evaluation, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Evaluation), args.Error(1)
}
func (m *mockEvalRepo) UpdateStatusAndFields(ctx domain.Context, id string, expectedStatus domain.Status, e domain.Evaluation) (domain.Evaluation, error) {
	args := m.Called(ctx, id, expectedStatus, e)
	return args.Get(0).(domain.Evaluation), args.Error(1)
}
func (m *mockEvalRepo) List(ctx domain.Context, limit, offset int) ([]domain.Evaluation, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]domain.Evaluation), args.Error(1)
}
func (m *mockEvalRepo) RunningEvaluations(ctx domain.Context) ([]domain.Evaluation, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.Evaluation), args.Error(1)
}
func (m *mockEvalRepo) SoftDelete(ctx domain.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}
func (m *mockEvalRepo) Restore(ctx domain.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}
func (m *mockEvalRepo) Statistics(ctx domain.Context) (map[string]int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[string]int64), args.Error(1)
}

type mockEventRepo struct{ mock.Mock }

func (m *mockEventRepo) Append(ctx domain.Context, ev domain.EvaluationEvent) error {
	return m.Called(ctx, ev).Error(0)
}
func (m *mockEventRepo) ListByEval(ctx domain.Context, evalID string) ([]domain.EvaluationEvent, error) {
	args := m.Called(ctx, evalID)
	return args.Get(0).([]domain.EvaluationEvent), args.Error(1)
}

type mockBlobStore struct{ mock.Mock }

func (m *mockBlobStore) Put(ctx context.Context, key string, data []byte) error {
	return m.Called(ctx, key, data).Error(0)
}
func (m *mockBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	return args.Get(0).([]byte), args.Error(1)
}
func (m *mockBlobStore) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func TestService_CreateEvaluation_SmallOutputInline(t *testing.T) {
	evals := &mockEvalRepo{}
	events := &mockEventRepo{}
	in := domain.Evaluation{ID: "ev1", Language: "python", Code: "print(1)"}
	evals.On("Create", mock.Anything, mock.MatchedBy(func(e domain.Evaluation) bool {
		return e.OutputBlobKey == ""
	})).Return(in, nil)

	svc := storage.New(evals, events, nil, nil)
	out, err := svc.CreateEvaluation(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "ev1", out.ID)
	evals.AssertExpectations(t)
}

func TestService_CreateEvaluation_ComputesPreviewForInlineOutput(t *testing.T) {
	evals := &mockEvalRepo{}
	events := &mockEventRepo{}
	in := domain.Evaluation{ID: "ev1", Language: "python", Output: "hi\n"}
	evals.On("Create", mock.Anything, mock.MatchedBy(func(e domain.Evaluation) bool {
		return e.OutputPreview == "hi\n" && e.OutputBlobKey == ""
	})).Return(in, nil)

	svc := storage.New(evals, events, nil, nil)
	_, err := svc.CreateEvaluation(context.Background(), in)
	require.NoError(t, err)
	evals.AssertExpectations(t)
}

func TestService_CreateEvaluation_OffloadsLargeOutput(t *testing.T) {
	evals := &mockEvalRepo{}
	events := &mockEventRepo{}
	blobs := &mockBlobStore{}

	big := make([]byte, domain.BlobThresholdBytes+1)
	for i := range big {
		big[i] = 'x'
	}
	in := domain.Evaluation{ID: "ev2", Output: string(big)}

	blobs.On("Put", mock.Anything, "eval/ev2/output", mock.Anything).Return(nil)
	evals.On("Create", mock.Anything, mock.MatchedBy(func(e domain.Evaluation) bool {
		return e.OutputBlobKey == "eval/ev2/output" && e.Output == "" && len(e.OutputPreview) == domain.PreviewBytes
	})).Return(domain.Evaluation{ID: "ev2", OutputBlobKey: "eval/ev2/output"}, nil)

	svc := storage.New(evals, events, nil, blobs)
	out, err := svc.CreateEvaluation(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "eval/ev2/output", out.OutputBlobKey)
	blobs.AssertExpectations(t)
	evals.AssertExpectations(t)
}

type fakeCache struct {
	entries map[string]domain.Evaluation
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[string]domain.Evaluation{}} }

func (c *fakeCache) Get(_ context.Context, id string) (domain.Evaluation, bool, error) {
	e, ok := c.entries[id]
	return e, ok, nil
}
func (c *fakeCache) Set(_ context.Context, e domain.Evaluation) error {
	c.entries[e.ID] = e
	return nil
}
func (c *fakeCache) Invalidate(_ context.Context, id string) error {
	delete(c.entries, id)
	return nil
}

func TestService_GetEvaluation_CacheHitSkipsRepo(t *testing.T) {
	evals := &mockEvalRepo{}
	events := &mockEventRepo{}
	cache := newFakeCache()
	_ = cache.Set(context.Background(), domain.Evaluation{ID: "ev3", Status: domain.StatusRunning})

	svc := storage.New(evals, events, cache, nil)
	out, err := svc.GetEvaluation(context.Background(), "ev3")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, out.Status)
	evals.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestService_GetEvaluation_CacheMissFallsBackToRepoAndPopulates(t *testing.T) {
	evals := &mockEvalRepo{}
	events := &mockEventRepo{}
	cache := newFakeCache()
	evals.On("Get", mock.Anything, "ev4").Return(domain.Evaluation{ID: "ev4", Status: domain.StatusCompleted}, nil)

	svc := storage.New(evals, events, cache, nil)
	out, err := svc.GetEvaluation(context.Background(), "ev4")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, out.Status)
	_, ok, _ := cache.Get(context.Background(), "ev4")
	require.True(t, ok, "GetEvaluation should populate the cache on miss")
}

func TestService_UpdateEvaluation_AppliesPatchAndRefreshesCache(t *testing.T) {
	evals := &mockEvalRepo{}
	events := &mockEventRepo{}
	cache := newFakeCache()
	_ = cache.Set(context.Background(), domain.Evaluation{ID: "ev5", Status: domain.StatusRunning})

	evals.On("Get", mock.Anything, "ev5").Return(domain.Evaluation{ID: "ev5", Status: domain.StatusRunning}, nil)
	evals.On("UpdateStatusAndFields", mock.Anything, "ev5", domain.StatusRunning, mock.MatchedBy(func(e domain.Evaluation) bool {
		return e.Status == domain.StatusCompleted
	})).Return(domain.Evaluation{ID: "ev5", Status: domain.StatusCompleted}, nil)

	svc := storage.New(evals, events, cache, nil)
	out, err := svc.UpdateEvaluation(context.Background(), "ev5", domain.StatusRunning, func(e *domain.Evaluation) {
		e.Status = domain.StatusCompleted
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, out.Status)

	cached, ok, _ := cache.Get(context.Background(), "ev5")
	require.True(t, ok)
	require.Equal(t, domain.StatusCompleted, cached.Status)
}

func TestService_UpdateEvaluation_ConflictPropagates(t *testing.T) {
	evals := &mockEvalRepo{}
	events := &mockEventRepo{}
	evals.On("Get", mock.Anything, "ev6").Return(domain.Evaluation{ID: "ev6", Status: domain.StatusCompleted}, nil)
	evals.On("UpdateStatusAndFields", mock.Anything, "ev6", domain.StatusRunning, mock.Anything).
		Return(domain.Evaluation{}, domain.ErrConflict)

	svc := storage.New(evals, events, nil, nil)
	_, err := svc.UpdateEvaluation(context.Background(), "ev6", domain.StatusRunning, func(e *domain.Evaluation) {
		e.Status = domain.StatusFailed
	})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestService_BulkCreate_PartialFailureContinues(t *testing.T) {
	evals := &mockEvalRepo{}
	events := &mockEventRepo{}
	evals.On("Create", mock.Anything, mock.MatchedBy(func(e domain.Evaluation) bool { return e.ID == "ok" })).
		Return(domain.Evaluation{ID: "ok"}, nil)
	evals.On("Create", mock.Anything, mock.MatchedBy(func(e domain.Evaluation) bool { return e.ID == "bad" })).
		Return(domain.Evaluation{}, errors.New("db down"))

	svc := storage.New(evals, events, nil, nil)
	out, err := svc.BulkCreate(context.Background(), []domain.Evaluation{{ID: "ok"}, {ID: "bad"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "ok", out[0].ID)
}

func TestService_FetchOutput_RehydratesFromBlob(t *testing.T) {
	evals := &mockEvalRepo{}
	events := &mockEventRepo{}
	blobs := &mockBlobStore{}
	blobs.On("Get", mock.Anything, "eval/ev7/output").Return([]byte("full output"), nil)

	svc := storage.New(evals, events, nil, blobs)
	out, err := svc.FetchOutput(context.Background(), domain.Evaluation{ID: "ev7", OutputBlobKey: "eval/ev7/output"})
	require.NoError(t, err)
	require.Equal(t, "full output", out)
}

func TestService_FetchOutput_NoBlobKeyReturnsInline(t *testing.T) {
	evals := &mockEvalRepo{}
	events := &mockEventRepo{}
	svc := storage.New(evals, events, nil, nil)
	out, err := svc.FetchOutput(context.Background(), domain.Evaluation{ID: "ev8", Output: "inline"})
	require.NoError(t, err)
	require.Equal(t, "inline", out)
}

func TestService_SoftDelete_InvalidatesCache(t *testing.T) {
	evals := &mockEvalRepo{}
	events := &mockEventRepo{}
	cache := newFakeCache()
	_ = cache.Set(context.Background(), domain.Evaluation{ID: "ev9"})
	evals.On("SoftDelete", mock.Anything, "ev9").Return(nil)

	svc := storage.New(evals, events, cache, nil)
	require.NoError(t, svc.SoftDelete(context.Background(), "ev9"))
	_, ok, _ := cache.Get(context.Background(), "ev9")
	require.False(t, ok)
}

func TestService_AppendEvent_And_GetEvents(t *testing.T) {
	evals := &mockEvalRepo{}
	events := &mockEventRepo{}
	ev := domain.EvaluationEvent{EventID: "e1", EvalID: "ev10", Kind: domain.EventSubmitted}
	events.On("Append", mock.Anything, ev).Return(nil)
	events.On("ListByEval", mock.Anything, "ev10").Return([]domain.EvaluationEvent{ev}, nil)

	svc := storage.New(evals, events, nil, nil)
	require.NoError(t, svc.AppendEvent(context.Background(), ev))
	got, err := svc.GetEvents(context.Background(), "ev10")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "e1", got[0].EventID)
}
