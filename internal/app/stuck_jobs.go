package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evalplane/evalplane/internal/domain"
)

// StuckEvaluationSweeper is a safety net for evaluations stuck in a
// non-terminal state past their declared timeout, in case the dispatcher's
// own timeout enforcement or event delivery was lost. It never competes with
// the projector for normal transitions: it only acts once an evaluation has
// already overrun its timeout by a grace margin.
type StuckEvaluationSweeper struct {
	storage      domain.StorageClient
	graceMargin  time.Duration
	interval     time.Duration
}

// NewStuckEvaluationSweeper constructs a sweeper. Returns nil if storage is nil.
func NewStuckEvaluationSweeper(storage domain.StorageClient, graceMargin, interval time.Duration) *StuckEvaluationSweeper {
	if storage == nil {
		return nil
	}
	if graceMargin <= 0 {
		graceMargin = 30 * time.Second
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckEvaluationSweeper{storage: storage, graceMargin: graceMargin, interval: interval}
}

// Run blocks, sweeping on a ticker until ctx is cancelled.
func (s *StuckEvaluationSweeper) Run(ctx context.Context) {
	if s == nil || s.storage == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck evaluation sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckEvaluationSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("evaluations.sweeper")
	ctx, span := tracer.Start(ctx, "StuckEvaluationSweeper.sweepOnce")
	defer span.End()

	running, err := s.storage.RunningEvaluations(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck evaluation sweep failed to list running evaluations", slog.Any("error", err))
		return
	}

	totalMarked := 0
	now := time.Now().UTC()
	for _, ev := range running {
		deadline := ev.UpdatedAt.Add(time.Duration(ev.TimeoutSeconds) * time.Second).Add(s.graceMargin)
		if now.Before(deadline) {
			continue
		}
		evCtx, evSpan := tracer.Start(ctx, "StuckEvaluationSweeper.markTimeout")
		evSpan.SetAttributes(
			attribute.String("eval.id", ev.ID),
			attribute.String("eval.status", string(ev.Status)),
		)
		msg := fmt.Sprintf("evaluation exceeded timeout_seconds=%d by grace margin %v with no terminal event; marked by sweeper", ev.TimeoutSeconds, s.graceMargin)
		_, err := s.storage.UpdateEvaluation(evCtx, ev.ID, ev.Status, func(e *domain.Evaluation) {
			e.Status = domain.StatusTimeout
			e.ErrorKind = "sweeper_timeout"
			e.ErrorMessage = msg
		})
		if err != nil {
			evSpan.RecordError(err)
			slog.Error("stuck evaluation sweep failed to update status", slog.String("eval_id", ev.ID), slog.Any("error", err))
		} else {
			totalMarked++
		}
		evSpan.End()
	}

	span.SetAttributes(
		attribute.Int("evaluations.checked", len(running)),
		attribute.Int("evaluations.marked_timeout", totalMarked),
	)
}
