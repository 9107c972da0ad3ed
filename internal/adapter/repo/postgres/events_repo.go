package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evalplane/evalplane/internal/domain"
)

// EventRepo persists the append-only evaluation event log.
type EventRepo struct{ Pool PgxPool }

// NewEventRepo constructs an EventRepo with the given pool.
func NewEventRepo(p PgxPool) *EventRepo { return &EventRepo{Pool: p} }

// Append inserts an event. Idempotent under its primary key (event_id): a
// redelivered event with the same id is silently ignored.
func (r *EventRepo) Append(ctx domain.Context, ev domain.EvaluationEvent) error {
	tracer := otel.Tracer("repo.events")
	ctx, span := tracer.Start(ctx, "events.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "evaluation_events"),
	)
	if ev.EventID == "" {
		ev.EventID = ulid.Make().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("op=event.append.marshal: %w", err)
	}
	q := `INSERT INTO evaluation_events (event_id, eval_id, kind, at, producer, payload, anomaly)
		VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (event_id) DO NOTHING`
	_, err = r.Pool.Exec(ctx, q, ev.EventID, ev.EvalID, ev.Kind, ev.At, ev.Producer, payload, ev.Anomaly)
	if err != nil {
		return fmt.Errorf("op=event.append: %w", err)
	}
	return nil
}

// ListByEval returns an evaluation's event log ordered chronologically.
func (r *EventRepo) ListByEval(ctx domain.Context, evalID string) ([]domain.EvaluationEvent, error) {
	q := `SELECT event_id, eval_id, kind, at, producer, payload, anomaly
		FROM evaluation_events WHERE eval_id=$1 ORDER BY at ASC`
	rows, err := r.Pool.Query(ctx, q, evalID)
	if err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	defer rows.Close()
	var out []domain.EvaluationEvent
	for rows.Next() {
		var ev domain.EvaluationEvent
		var payload []byte
		if err := rows.Scan(&ev.EventID, &ev.EvalID, &ev.Kind, &ev.At, &ev.Producer, &payload, &ev.Anomaly); err != nil {
			return nil, fmt.Errorf("op=event.list_scan: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("op=event.list_unmarshal: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
