// Package storage implements the C2 storage-service contract
// (domain.StorageClient) by composing the postgres repositories with an
// optional read-through cache and optional blob offload for oversized
// output. Services that read or write evaluation records go through the
// domain.StorageClient interface; the retention cleanup in the postgres
// adapter and the rate limiter's bucket mirror also use postgres directly.
package storage

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evalplane/evalplane/internal/domain"
	"github.com/evalplane/evalplane/pkg/textx"
)

// EvaluationRepo is the subset of postgres.EvaluationRepo this service needs.
type EvaluationRepo interface {
	Create(ctx domain.Context, e domain.Evaluation) (domain.Evaluation, error)
	Get(ctx domain.Context, id string) (domain.Evaluation, error)
	UpdateStatusAndFields(ctx domain.Context, id string, expectedStatus domain.Status, e domain.Evaluation) (domain.Evaluation, error)
	List(ctx domain.Context, limit, offset int) ([]domain.Evaluation, error)
	RunningEvaluations(ctx domain.Context) ([]domain.Evaluation, error)
	SoftDelete(ctx domain.Context, id string) error
	Restore(ctx domain.Context, id string) error
	Statistics(ctx domain.Context) (map[string]int64, error)
}

// EventRepo is the subset of postgres.EventRepo this service needs.
type EventRepo interface {
	Append(ctx domain.Context, ev domain.EvaluationEvent) error
	ListByEval(ctx domain.Context, evalID string) ([]domain.EvaluationEvent, error)
}

// Cache is the read-through cache in front of EvaluationRepo.Get. A nil
// Cache (or a *rediscache.Cache wrapping a nil client) degrades to
// always-miss without error, so the service works uncached.
type Cache interface {
	Get(ctx context.Context, id string) (domain.Evaluation, bool, error)
	Set(ctx context.Context, e domain.Evaluation) error
	Invalidate(ctx context.Context, id string) error
}

// BlobStore offloads output past domain.BlobThresholdBytes. A nil BlobStore
// disables offload: large output is stored inline.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Service implements domain.StorageClient.
type Service struct {
	evals  EvaluationRepo
	events EventRepo
	cache  Cache
	blobs  BlobStore
}

// New constructs a Service. cache and blobs may be nil to disable those
// optional layers.
func New(evals EvaluationRepo, events EventRepo, cache Cache, blobs BlobStore) *Service {
	return &Service{evals: evals, events: events, cache: cache, blobs: blobs}
}

var tracer = otel.Tracer("service.storage")

// CreateEvaluation inserts a new evaluation.
func (s *Service) CreateEvaluation(ctx context.Context, e domain.Evaluation) (domain.Evaluation, error) {
	ctx, span := tracer.Start(ctx, "storage.CreateEvaluation")
	defer span.End()
	e, err := s.offloadOutput(ctx, e)
	if err != nil {
		return domain.Evaluation{}, err
	}
	created, err := s.evals.Create(ctx, e)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=storage.create: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, created)
	}
	return created, nil
}

// BulkCreate inserts several evaluations, continuing past individual
// failures so one malformed item does not fail the whole batch.
func (s *Service) BulkCreate(ctx context.Context, evals []domain.Evaluation) ([]domain.Evaluation, error) {
	ctx, span := tracer.Start(ctx, "storage.BulkCreate")
	defer span.End()
	span.SetAttributes(attribute.Int("evaluations.count", len(evals)))
	out := make([]domain.Evaluation, 0, len(evals))
	var firstErr error
	for _, e := range evals {
		created, err := s.CreateEvaluation(ctx, e)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, created)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// GetEvaluation loads an evaluation, consulting the cache first and
// populating it on a miss. Offloaded output is not fetched here: the record
// keeps its OutputBlobKey, and FetchOutput reads the blob.
func (s *Service) GetEvaluation(ctx context.Context, id string) (domain.Evaluation, error) {
	ctx, span := tracer.Start(ctx, "storage.GetEvaluation")
	defer span.End()
	span.SetAttributes(attribute.String("eval.id", id))

	if s.cache != nil {
		if e, ok, err := s.cache.Get(ctx, id); err == nil && ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return e, nil
		}
	}
	e, err := s.evals.Get(ctx, id)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=storage.get: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, e)
	}
	return e, nil
}

// UpdateEvaluation performs a check-and-set transition: it loads the current
// row, applies patch, offloads output if it now exceeds the blob threshold,
// and writes back only if the row still has expectedStatus.
func (s *Service) UpdateEvaluation(ctx context.Context, id string, expectedStatus domain.Status, patch func(*domain.Evaluation)) (domain.Evaluation, error) {
	ctx, span := tracer.Start(ctx, "storage.UpdateEvaluation")
	defer span.End()
	span.SetAttributes(attribute.String("eval.id", id), attribute.String("eval.expected_status", string(expectedStatus)))

	current, err := s.evals.Get(ctx, id)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=storage.update.load: %w", err)
	}
	patch(&current)
	current, err = s.offloadOutput(ctx, current)
	if err != nil {
		return domain.Evaluation{}, err
	}
	updated, err := s.evals.UpdateStatusAndFields(ctx, id, expectedStatus, current)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=storage.update: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, updated)
	}
	return updated, nil
}

// offloadOutput computes the output preview whenever Output is set, and
// additionally moves Output to blob storage once it exceeds
// domain.BlobThresholdBytes, replacing it with a blob key. The blob move is
// a no-op when s.blobs is nil or the output is already within the
// threshold, but the preview itself is always kept in sync with Output so
// small, common-case outputs are never left with an empty preview.
func (s *Service) offloadOutput(ctx context.Context, e domain.Evaluation) (domain.Evaluation, error) {
	if e.Output == "" {
		return e, nil
	}
	e.OutputPreview = textx.Truncate(e.Output, domain.PreviewBytes)
	if s.blobs == nil || int64(len(e.Output)) <= domain.BlobThresholdBytes {
		return e, nil
	}
	key := "eval/" + e.ID + "/output"
	if err := s.blobs.Put(ctx, key, []byte(e.Output)); err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=storage.offload_output: %w", err)
	}
	e.OutputBlobKey = key
	e.Output = ""
	return e, nil
}

// FetchOutput returns full output for an evaluation, transparently
// rehydrating it from blob storage when OutputBlobKey is set.
func (s *Service) FetchOutput(ctx context.Context, e domain.Evaluation) (string, error) {
	if e.OutputBlobKey == "" || s.blobs == nil {
		return e.Output, nil
	}
	data, err := s.blobs.Get(ctx, e.OutputBlobKey)
	if err != nil {
		return "", fmt.Errorf("op=storage.fetch_output: %w", err)
	}
	return string(data), nil
}

// ListEvaluations returns a paginated list of non-deleted evaluations.
func (s *Service) ListEvaluations(ctx context.Context, limit, offset int) ([]domain.Evaluation, error) {
	out, err := s.evals.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=storage.list: %w", err)
	}
	return out, nil
}

// RunningEvaluations returns every evaluation in a non-terminal status.
func (s *Service) RunningEvaluations(ctx context.Context) ([]domain.Evaluation, error) {
	out, err := s.evals.RunningEvaluations(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=storage.running: %w", err)
	}
	return out, nil
}

// SoftDelete marks an evaluation deleted and invalidates its cache entry.
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	if err := s.evals.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("op=storage.soft_delete: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, id)
	}
	return nil
}

// Restore clears an evaluation's soft-delete marker and invalidates its cache entry.
func (s *Service) Restore(ctx context.Context, id string) error {
	if err := s.evals.Restore(ctx, id); err != nil {
		return fmt.Errorf("op=storage.restore: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, id)
	}
	return nil
}

// Statistics returns per-status counts over non-deleted evaluations.
func (s *Service) Statistics(ctx context.Context) (map[string]int64, error) {
	out, err := s.evals.Statistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=storage.statistics: %w", err)
	}
	return out, nil
}

// AppendEvent records an event in the append-only event log.
func (s *Service) AppendEvent(ctx context.Context, ev domain.EvaluationEvent) error {
	if err := s.events.Append(ctx, ev); err != nil {
		return fmt.Errorf("op=storage.append_event: %w", err)
	}
	return nil
}

// GetEvents returns an evaluation's event log ordered chronologically.
func (s *Service) GetEvents(ctx context.Context, evalID string) ([]domain.EvaluationEvent, error) {
	out, err := s.events.ListByEval(ctx, evalID)
	if err != nil {
		return nil, fmt.Errorf("op=storage.get_events: %w", err)
	}
	return out, nil
}

var _ domain.StorageClient = (*Service)(nil)
