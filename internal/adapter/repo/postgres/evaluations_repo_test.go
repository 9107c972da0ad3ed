package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/evalplane/evalplane/internal/adapter/repo/postgres"
	"github.com/evalplane/evalplane/internal/adapter/repo/postgres/mocks"
	"github.com/evalplane/evalplane/internal/domain"
)

// fakePgxPool is a minimal postgres.PgxPool double that lets Create's
// INSERT ... ON CONFLICT DO NOTHING idempotency branch be exercised without a
// live database.
type fakePgxPool struct {
	execTag pgconn.CommandTag
	execErr error

	getRow *mocks.MockRow
}

func (p *fakePgxPool) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return p.execTag, p.execErr
}

func (p *fakePgxPool) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return p.getRow
}

func (p *fakePgxPool) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, nil
}

func (p *fakePgxPool) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return nil, nil
}

func TestEvaluationRepo_Create_InsertsNewRow(t *testing.T) {
	pool := &fakePgxPool{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewEvaluationRepo(pool)

	in := domain.Evaluation{ID: "client-supplied-id", Language: "python", Code: "print(1)"}
	out, err := repo.Create(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "client-supplied-id", out.ID)
	require.Equal(t, domain.StatusSubmitted, out.Status)
	require.False(t, out.SubmittedAt.IsZero())
}

func TestEvaluationRepo_Create_DuplicateEvalID_ReturnsExisting(t *testing.T) {
	row := &mocks.MockRow{}
	row.On("Scan", mock.Anything).Run(func(args mock.Arguments) {
		dest := args[0].([]any)
		*(dest[0].(*string)) = "client-supplied-id"
		*(dest[1].(*domain.Status)) = domain.StatusCompleted
		*(dest[2].(*string)) = "python"
		*(dest[3].(*string)) = "print(1)"
	}).Return(nil)

	pool := &fakePgxPool{execTag: pgconn.NewCommandTag("INSERT 0 0"), getRow: row}
	repo := postgres.NewEvaluationRepo(pool)

	in := domain.Evaluation{ID: "client-supplied-id", Language: "go", Code: "different code"}
	out, err := repo.Create(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "client-supplied-id", out.ID)
	// The existing (already-completed) record is returned unchanged, not the
	// caller's resubmitted fields.
	require.Equal(t, domain.StatusCompleted, out.Status)
	require.Equal(t, "python", out.Language)
}
