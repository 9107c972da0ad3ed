package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Tx is the minimal transaction surface CleanupService needs.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner opens transactions. *pgxpool.Pool satisfies this directly.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// CleanupService handles data retention and cleanup.
type CleanupService struct {
	DB            Beginner
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(db Beginner, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{DB: db, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period. Only rows
// already soft-deleted (evaluations.deleted_at set) and aged past the cutoff
// are hard-deleted; live evaluations are never touched regardless of age.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var deletedEvents int64
	err = tx.QueryRow(ctx, `
		DELETE FROM evaluation_events
		WHERE eval_id IN (
			SELECT id FROM evaluations WHERE deleted_at IS NOT NULL AND deleted_at < $1
		)
		RETURNING count(*)
	`, cutoff).Scan(&deletedEvents)
	if err != nil {
		slog.Debug("no events to delete", slog.Any("error", err))
	}

	var deletedEvaluations int64
	err = tx.QueryRow(ctx, `
		DELETE FROM evaluations
		WHERE deleted_at IS NOT NULL AND deleted_at < $1
		RETURNING count(*)
	`, cutoff).Scan(&deletedEvaluations)
	if err != nil {
		slog.Debug("no evaluations to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_evaluations", deletedEvaluations),
		slog.Int64("deleted_events", deletedEvents),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
