package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/oklog/ulid/v2"

	"github.com/evalplane/evalplane/internal/domain"
)

// DLQSweeper periodically drains asynq's archived queue (tasks that
// exhausted their retry budget), builds a DLQRecord per task and publishes
// evaluation:dlq so the projector — the sole writer of Evaluation.status —
// marks the evaluation failed. Grounded on the retry/DLQ split in the
// event-bus producer's DLQ flow, adapted to asynq's own archive instead of a
// dedicated dead-letter topic.
type DLQSweeper struct {
	inspector *asynq.Inspector
	bus       domain.EventBus
	interval  time.Duration
}

// NewDLQSweeper constructs a sweeper. redisURL is parsed independently of
// Queue so the sweeper can run in its own process (cmd/worker or a
// dedicated sweeper binary).
func NewDLQSweeper(redisURL string, bus domain.EventBus, interval time.Duration) (*DLQSweeper, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.asynq.dlq.new: %w", err)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &DLQSweeper{inspector: asynq.NewInspector(opt), bus: bus, interval: interval}, nil
}

// Run blocks, sweeping on a ticker until ctx is cancelled.
func (s *DLQSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *DLQSweeper) sweepOnce(ctx context.Context) {
	for _, queue := range []string{QueueHigh, QueueNormal, QueueLow} {
		tasks, err := s.inspector.ListArchivedTasks(queue)
		if err != nil {
			slog.Error("dlq sweep failed to list archived tasks", slog.String("queue", queue), slog.Any("error", err))
			continue
		}
		for _, ti := range tasks {
			s.drain(ctx, queue, ti)
		}
	}
}

func (s *DLQSweeper) drain(ctx context.Context, queue string, ti *asynq.TaskInfo) {
	var item domain.QueueItem
	if err := json.Unmarshal(ti.Payload, &item); err != nil {
		slog.Error("dlq sweep failed to unmarshal task payload", slog.String("task_id", ti.ID), slog.Any("error", err))
		return
	}

	record := domain.DLQRecord{
		EvalID:          item.EvalID,
		OriginalPayload: item,
		Attempts:        ti.MaxRetry + 1,
		FinalErrorKind:  "retries_exhausted",
		FinalError:      ti.LastErr,
		MovedToDLQAt:    time.Now().UTC(),
	}

	ev := domain.EvaluationEvent{
		EventID:  ulid.Make().String(),
		EvalID:   item.EvalID,
		Kind:     domain.EventDLQ,
		At:       record.MovedToDLQAt,
		Producer: "queue.asynq.dlq_sweeper",
		Payload: map[string]any{
			"error_kind":    record.FinalErrorKind,
			"error_message": fmt.Sprintf("exhausted retry budget after %d attempts: %s", record.Attempts, record.FinalError),
		},
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		slog.Error("dlq sweep failed to publish evaluation:dlq", slog.String("eval_id", item.EvalID), slog.Any("error", err))
	}

	if err := s.inspector.DeleteTask(queue, ti.ID); err != nil {
		slog.Error("dlq sweep failed to delete drained archived task", slog.String("task_id", ti.ID), slog.Any("error", err))
	}
}
