// Package projector implements the C5 storage-projection worker. It is
// the sole author of Evaluation.status: every other component only
// publishes events describing what happened; this worker decides what
// those events mean for the canonical record via internal/statemachine,
// and persists the result with a single check-and-set write per event.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evalplane/evalplane/internal/domain"
	"github.com/evalplane/evalplane/internal/statemachine"
	"github.com/evalplane/evalplane/pkg/textx"
)

// allKinds lists every evaluation:* topic the projector subscribes to.
var allKinds = []domain.EventKind{
	domain.EventSubmitted,
	domain.EventQueued,
	domain.EventProvisioning,
	domain.EventRunning,
	domain.EventCompleted,
	domain.EventFailed,
	domain.EventTimeout,
	domain.EventCancelled,
	domain.EventDLQ,
}

// Projector subscribes to the event bus and applies each event to storage.
type Projector struct {
	storage domain.StorageClient
	bus     domain.EventBus
}

var tracer = otel.Tracer("service.projector")

// New builds a Projector.
func New(storage domain.StorageClient, bus domain.EventBus) *Projector {
	return &Projector{storage: storage, bus: bus}
}

// Run subscribes to every evaluation:* topic and blocks until ctx is
// cancelled or the subscription errors out.
func (p *Projector) Run(ctx context.Context) error {
	return p.bus.Subscribe(ctx, allKinds, p.Handle)
}

// Handle applies one event to the canonical Evaluation record. It is
// exported directly so tests (and a manual replay tool) can drive it
// without a live event bus.
func (p *Projector) Handle(ctx context.Context, ev domain.EvaluationEvent) error {
	ctx, span := tracer.Start(ctx, "projector.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("eval_id", ev.EvalID), attribute.String("kind", string(ev.Kind)))

	current, err := p.storage.GetEvaluation(ctx, ev.EvalID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=service.projector.handle: %w", err)
		}
		if ev.Kind != domain.EventSubmitted {
			// A non-submitted event for an evaluation with no row yet has
			// nothing to apply to, so it is dropped: returning nil lets the
			// bus commit it, and it is not redelivered or logged.
			slog.Warn("projector received event for unknown evaluation, dropping", slog.String("eval_id", ev.EvalID), slog.String("kind", string(ev.Kind)))
			return nil
		}
		// Creation itself is the submitted transition: there is no
		// (Submitted, EventSubmitted) row in the transition table to run
		// through statemachine.Next, so log it directly rather than
		// treating a first delivery as an anomaly.
		if _, err := p.createFromSubmitted(ctx, ev); err != nil {
			return fmt.Errorf("op=service.projector.handle: %w", err)
		}
		if err := p.storage.AppendEvent(ctx, ev); err != nil {
			return fmt.Errorf("op=service.projector.handle: %w", err)
		}
		return nil
	}

	next, action := statemachine.Next(current.Status, ev.Kind)

	anomaly := action == statemachine.ActionFlagAnomaly
	_, err = p.storage.UpdateEvaluation(ctx, ev.EvalID, current.Status, func(e *domain.Evaluation) {
		e.Status = next
		applyPayload(e, ev.Payload)
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Another writer raced us on the same row; the event is still
			// appended to the log below so no history is lost, and the
			// conflicting write already advanced status correctly.
			anomaly = true
		} else {
			return fmt.Errorf("op=service.projector.handle: %w", err)
		}
	}

	logged := ev
	logged.Anomaly = anomaly
	if err := p.storage.AppendEvent(ctx, logged); err != nil {
		return fmt.Errorf("op=service.projector.handle: %w", err)
	}
	return nil
}

func (p *Projector) createFromSubmitted(ctx context.Context, ev domain.EvaluationEvent) (domain.Evaluation, error) {
	e := domain.Evaluation{
		ID:          ev.EvalID,
		Status:      domain.StatusSubmitted,
		SubmittedAt: ev.At,
		CreatedAt:   ev.At,
		UpdatedAt:   ev.At,
	}
	applyPayload(&e, ev.Payload)
	return p.storage.CreateEvaluation(ctx, e)
}

// applyPayload copies the whitelisted fields a lifecycle event may carry
// onto the evaluation. Fields absent from the payload are left untouched.
func applyPayload(e *domain.Evaluation, payload map[string]any) {
	if payload == nil {
		return
	}
	if v, ok := payload["language"].(string); ok {
		e.Language = v
	}
	if v, ok := payload["executor_id"].(string); ok && v != "" {
		e.ExecutorID = v
	}
	if v, ok := payload["output"].(string); ok && v != "" {
		e.Output = v
		e.OutputPreview = textx.Truncate(e.Output, domain.PreviewBytes)
	}
	if v, ok := payload["error_kind"].(string); ok && v != "" {
		e.ErrorKind = v
	}
	if v, ok := payload["error_message"].(string); ok && v != "" {
		e.ErrorMessage = v
	}
	if v, ok := payload["sandbox_enforced"].(bool); ok {
		e.SandboxEnforced = v
	}
	if v, ok := exitCodeFromPayload(payload["exit_code"]); ok {
		e.ExitCode = &v
	}
	if v, ok := timeFromPayload(payload["started_at"]); ok {
		e.StartedAt = &v
	}
	if v, ok := timeFromPayload(payload["terminated_at"]); ok {
		e.TerminatedAt = &v
	}
	e.UpdatedAt = time.Now().UTC()
}

// exitCodeFromPayload decodes an exit code that may arrive as a Go int
// (in-process dispatch) or a float64 (after a JSON event-bus round trip).
func exitCodeFromPayload(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

// timeFromPayload decodes a timestamp that may arrive as a Go time.Time
// (in-process dispatch) or an RFC3339 string (after a JSON event-bus round
// trip).
func timeFromPayload(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
