// Package evalworker implements the C7 evaluation task worker: it
// handles one evaluation run per invocation (asynq's push-based handler
// dispatch runs several invocations concurrently), drives it through the C6 dispatcher to
// completion, and publishes the resulting lifecycle events. It never
// writes Evaluation.status directly — internal/service/projector is the
// sole author of status, per the invariant documented on domain.Evaluation.
package evalworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evalplane/evalplane/internal/domain"
)

// RevocationChecker reports whether an evaluation was cancelled while its
// task was already claimed by a worker. Implemented by
// internal/adapter/queue/asynq.Queue.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, evalID string) (bool, error)
}

// Worker drives one evaluation's QueueItem through Execute/Poll/Cancel and
// publishes the resulting events onto the C3 bus.
type Worker struct {
	dispatcher   domain.Dispatcher
	bus          domain.EventBus
	revocation   RevocationChecker
	pollInterval time.Duration
}

var tracer = otel.Tracer("service.evalworker")

// New builds a Worker. pollInterval defaults to 10s per spec when zero.
func New(dispatcher domain.Dispatcher, bus domain.EventBus, revocation RevocationChecker, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Worker{dispatcher: dispatcher, bus: bus, revocation: revocation, pollInterval: pollInterval}
}

// HandleTask is the asynq handler entry point: it receives the raw
// QueueItem payload and blocks until the evaluation reaches a terminal
// state, is cancelled, or this worker's own deadline (timeout_seconds+60s)
// elapses.
func (w *Worker) HandleTask(ctx context.Context, payload []byte) error {
	var item domain.QueueItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return fmt.Errorf("op=service.evalworker.handle_task: %w", err)
	}

	ctx, span := tracer.Start(ctx, "evalworker.HandleTask")
	defer span.End()
	span.SetAttributes(attribute.String("eval_id", item.EvalID))

	executorID, err := w.dispatcher.Execute(ctx, item)
	if err != nil {
		w.publishTerminal(ctx, item, "", domain.ExecutionResult{
			Status:       domain.StatusFailed,
			ErrorKind:    "dispatch_failure",
			ErrorMessage: err.Error(),
		})
		return fmt.Errorf("op=service.evalworker.handle_task: %w", err)
	}

	deadline := time.Now().Add(time.Duration(item.TimeoutSeconds+60) * time.Second)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	publishedRunning := false
	for {
		if time.Now().After(deadline) {
			_ = w.dispatcher.Cancel(ctx, executorID)
			w.publishTerminal(ctx, item, executorID, domain.ExecutionResult{
				Status:       domain.StatusTimeout,
				ErrorKind:    "worker_deadline_exceeded",
				ErrorMessage: "evaluation did not reach a terminal state within timeout_seconds+60s",
			})
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if revoked, revErr := w.revocation.IsRevoked(ctx, item.EvalID); revErr == nil && revoked {
				_ = w.dispatcher.Cancel(ctx, executorID)
				w.publishCancelled(ctx, item, executorID)
				return nil
			}

			result, ok, pollErr := w.dispatcher.Poll(ctx, executorID)
			if pollErr != nil {
				slog.Warn("evalworker poll failed, will retry", slog.String("eval_id", item.EvalID), slog.Any("error", pollErr))
				continue
			}
			if !ok {
				if !publishedRunning {
					publishedRunning = true
					w.publishRunning(ctx, item, executorID)
				}
				continue
			}
			w.publishTerminal(ctx, item, executorID, result)
			return nil
		}
	}
}

func (w *Worker) publishRunning(ctx context.Context, item domain.QueueItem, executorID string) {
	w.publish(ctx, item.EvalID, domain.EventRunning, map[string]any{
		"executor_id": executorID,
		"started_at":  time.Now().UTC(),
	})
}

func (w *Worker) publishCancelled(ctx context.Context, item domain.QueueItem, executorID string) {
	w.publish(ctx, item.EvalID, domain.EventCancelled, map[string]any{
		"executor_id":   executorID,
		"terminated_at": time.Now().UTC(),
	})
}

func (w *Worker) publishTerminal(ctx context.Context, item domain.QueueItem, executorID string, result domain.ExecutionResult) {
	kind := eventKindForResult(result)
	payload := map[string]any{
		"executor_id":      executorID,
		"output":           result.Output,
		"error_kind":       result.ErrorKind,
		"error_message":    result.ErrorMessage,
		"sandbox_enforced": result.SandboxEnforced,
		"terminated_at":    time.Now().UTC(),
	}
	if result.ExitCode != nil {
		payload["exit_code"] = *result.ExitCode
	}
	w.publish(ctx, item.EvalID, kind, payload)
}

func eventKindForResult(result domain.ExecutionResult) domain.EventKind {
	switch result.Status {
	case domain.StatusCompleted:
		return domain.EventCompleted
	case domain.StatusTimeout:
		return domain.EventTimeout
	case domain.StatusCancelled:
		return domain.EventCancelled
	default:
		return domain.EventFailed
	}
}

func (w *Worker) publish(ctx context.Context, evalID string, kind domain.EventKind, payload map[string]any) {
	ev := domain.EvaluationEvent{
		EventID:  evalID + ":" + string(kind),
		EvalID:   evalID,
		Kind:     kind,
		At:       time.Now().UTC(),
		Producer: "service.evalworker",
		Payload:  payload,
	}
	if err := w.bus.Publish(ctx, ev); err != nil {
		slog.Error("evalworker failed to publish event", slog.String("eval_id", evalID), slog.String("kind", string(kind)), slog.Any("error", err))
	}
}
