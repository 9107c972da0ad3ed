// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evalplane/evalplane/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// EvaluationRepo persists and loads evaluation records using a minimal pgx pool.
// It is the sole SQL-facing component of the storage service (C2); caching and
// blob offload are layered in front of it by internal/service/storage.
type EvaluationRepo struct{ Pool PgxPool }

// NewEvaluationRepo constructs an EvaluationRepo with the given pool.
func NewEvaluationRepo(p PgxPool) *EvaluationRepo { return &EvaluationRepo{Pool: p} }

// Create inserts a new evaluation row and returns it with its id populated.
func (r *EvaluationRepo) Create(ctx domain.Context, e domain.Evaluation) (domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "evaluations"),
	)
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = now
	}
	if e.Status == "" {
		e.Status = domain.StatusSubmitted
	}

	q := `INSERT INTO evaluations
		(id, status, language, code, timeout_seconds, priority, cpu_millis, memory_mib,
		 output, output_preview, output_blob_key, exit_code, error_kind, error_message, executor_id,
		 sandbox_enforced, submitted_at, started_at, terminated_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, e.ID, e.Status, e.Language, e.Code, e.TimeoutSeconds, e.Priority,
		e.Resources.CPUMillis, e.Resources.MemoryMiB, e.Output, e.OutputPreview, e.OutputBlobKey,
		e.ExitCode, e.ErrorKind, e.ErrorMessage, e.ExecutorID, e.SandboxEnforced,
		e.SubmittedAt, e.StartedAt, e.TerminatedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=evaluation.create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// A row with this id (client-supplied eval_id) already exists: submission
		// is idempotent, so return the existing record unchanged rather than error.
		existing, err := r.Get(ctx, e.ID)
		if err != nil {
			return domain.Evaluation{}, fmt.Errorf("op=evaluation.create.idempotent_get: %w", err)
		}
		return existing, nil
	}
	return e, nil
}

func scanEvaluation(row interface {
	Scan(dest ...any) error
}) (domain.Evaluation, error) {
	var e domain.Evaluation
	var deletedAt *time.Time
	err := row.Scan(&e.ID, &e.Status, &e.Language, &e.Code, &e.TimeoutSeconds, &e.Priority,
		&e.Resources.CPUMillis, &e.Resources.MemoryMiB, &e.Output, &e.OutputPreview, &e.OutputBlobKey,
		&e.ExitCode, &e.ErrorKind, &e.ErrorMessage, &e.ExecutorID, &e.SandboxEnforced,
		&e.SubmittedAt, &e.StartedAt, &e.TerminatedAt,
		&e.CreatedAt, &e.UpdatedAt, &deletedAt)
	if err != nil {
		return domain.Evaluation{}, err
	}
	e.DeletedAt = deletedAt
	return e, nil
}

const evaluationColumns = `id, status, language, code, timeout_seconds, priority, cpu_millis, memory_mib,
		output, output_preview, output_blob_key, exit_code, error_kind, error_message, executor_id,
		sandbox_enforced, submitted_at, started_at, terminated_at, created_at, updated_at, deleted_at`

// Get loads an evaluation by id, including soft-deleted rows.
func (r *EvaluationRepo) Get(ctx domain.Context, id string) (domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "evaluations"),
	)
	q := `SELECT ` + evaluationColumns + ` FROM evaluations WHERE id=$1`
	e, err := scanEvaluation(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Evaluation{}, fmt.Errorf("op=evaluation.get: %w", domain.ErrNotFound)
		}
		return domain.Evaluation{}, fmt.Errorf("op=evaluation.get: %w", err)
	}
	return e, nil
}

// UpdateStatusAndFields performs a check-and-set update: the statement only
// affects the row if it still has expectedStatus (or expectedStatus is empty
// to skip the check), preventing a stale producer from clobbering a later
// transition applied by a concurrent projection-worker instance.
func (r *EvaluationRepo) UpdateStatusAndFields(ctx domain.Context, id string, expectedStatus domain.Status, e domain.Evaluation) (domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.UpdateStatusAndFields")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "evaluations"),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=evaluation.update.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := tx.Rollback(ctx); rerr != nil {
				slog.Error("failed to rollback evaluation update", slog.String("eval_id", id), slog.Any("error", rerr))
			}
		}
	}()

	e.UpdatedAt = time.Now().UTC()
	q := `UPDATE evaluations SET status=$2, output=$3, output_preview=$4, output_blob_key=$5,
		exit_code=$6, error_kind=$7, error_message=$8, executor_id=$9, sandbox_enforced=$10,
		started_at=$11, terminated_at=$12, updated_at=$13
		WHERE id=$1`
	args := []any{id, e.Status, e.Output, e.OutputPreview, e.OutputBlobKey, e.ExitCode, e.ErrorKind,
		e.ErrorMessage, e.ExecutorID, e.SandboxEnforced, e.StartedAt, e.TerminatedAt, e.UpdatedAt}
	if expectedStatus != "" {
		q += ` AND status=$14`
		args = append(args, expectedStatus)
	}
	result, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=evaluation.update.exec: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.Evaluation{}, fmt.Errorf("op=evaluation.update: %w", domain.ErrConflict)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=evaluation.update.commit: %w", err)
	}
	committed = true
	return r.Get(ctx, id)
}

// List returns a paginated, non-deleted list of evaluations ordered by newest first.
func (r *EvaluationRepo) List(ctx domain.Context, limit, offset int) ([]domain.Evaluation, error) {
	q := `SELECT ` + evaluationColumns + ` FROM evaluations WHERE deleted_at IS NULL ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	return r.query(ctx, q, limit, offset)
}

// RunningEvaluations returns every evaluation currently in a non-terminal status.
func (r *EvaluationRepo) RunningEvaluations(ctx domain.Context) ([]domain.Evaluation, error) {
	q := `SELECT ` + evaluationColumns + ` FROM evaluations
		WHERE status IN ('submitted','queued','provisioning','running') AND deleted_at IS NULL
		ORDER BY created_at ASC`
	return r.query(ctx, q)
}

func (r *EvaluationRepo) query(ctx domain.Context, q string, args ...any) ([]domain.Evaluation, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=evaluation.query: %w", err)
	}
	defer rows.Close()
	var out []domain.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("op=evaluation.query_scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=evaluation.query_rows: %w", err)
	}
	return out, nil
}

// SoftDelete marks an evaluation as deleted without removing its row or event log.
func (r *EvaluationRepo) SoftDelete(ctx domain.Context, id string) error {
	q := `UPDATE evaluations SET deleted_at=$2 WHERE id=$1 AND deleted_at IS NULL`
	res, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=evaluation.soft_delete: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("op=evaluation.soft_delete: %w", domain.ErrNotFound)
	}
	return nil
}

// Restore clears an evaluation's soft-delete marker.
func (r *EvaluationRepo) Restore(ctx domain.Context, id string) error {
	q := `UPDATE evaluations SET deleted_at=NULL WHERE id=$1 AND deleted_at IS NOT NULL`
	res, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("op=evaluation.restore: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("op=evaluation.restore: %w", domain.ErrNotFound)
	}
	return nil
}

// Statistics returns per-status counts over non-deleted evaluations.
func (r *EvaluationRepo) Statistics(ctx domain.Context) (map[string]int64, error) {
	q := `SELECT status, COUNT(*) FROM evaluations WHERE deleted_at IS NULL GROUP BY status`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=evaluation.statistics: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("op=evaluation.statistics_scan: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}
