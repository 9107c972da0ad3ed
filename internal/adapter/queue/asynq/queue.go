// Package asynqadp implements the C4 task queue (domain.Queue) with
// hibiken/asynq: three priority queues served in a 4:2:1 weighted ratio so
// high-priority evaluations are favored without starving low-priority ones.
package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evalplane/evalplane/internal/domain"
)

// TaskEvaluate is the asynq task type for a single evaluation run.
const TaskEvaluate = "evaluation:run"

// Queue names, also used as the server's weighted queue config.
const (
	QueueHigh   = "high"
	QueueNormal = "normal"
	QueueLow    = "low"
)

// QueueWeights is the {high:4, normal:2, low:1} fairness-by-polling ratio:
// high is favored but low is never starved.
var QueueWeights = map[string]int{QueueHigh: 4, QueueNormal: 2, QueueLow: 1}

func queueForPriority(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh:
		return QueueHigh
	case domain.PriorityLow:
		return QueueLow
	default:
		return QueueNormal
	}
}

// Queue implements domain.Queue over asynq.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	// revoked is a small cooperative cancellation set in redis: the worker
	// checks it between polls and between a claimed task's lifecycle steps.
	revoked *redis.Client
}

// New constructs a Queue against the given redis connection string.
func New(redisURL string) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.asynq.new: %w", err)
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.asynq.new.parse_redis_url: %w", err)
	}
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		revoked:   redis.NewClient(redisOpts),
	}, nil
}

// visibilityMarginSeconds is the provisioning budget added to the platform's
// max timeout (domain.MaxTimeoutSeconds) to form every task's visibility/lease.
const visibilityMarginSeconds = 900

// Enqueue submits item to the queue matching its priority. The task ID is
// the evaluation ID so redelivery and cancellation are addressable by it.
func (q *Queue) Enqueue(ctx context.Context, item domain.QueueItem) (string, error) {
	tracer := otel.Tracer("queue.asynq")
	ctx, span := tracer.Start(ctx, "asynq.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("eval.id", item.EvalID),
		attribute.String("eval.priority", string(item.Priority)),
	)

	payload, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("op=queue.asynq.enqueue.marshal: %w", err)
	}
	task := asynq.NewTask(TaskEvaluate, payload, asynq.TaskID(item.EvalID))

	queue := queueForPriority(item.Priority)
	lease := time.Duration(domain.MaxTimeoutSeconds+visibilityMarginSeconds) * time.Second
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.Timeout(lease),
		asynq.MaxRetry(3),
		asynq.RetryDelayFunc(backoffDelay),
		asynq.Retention(7*24*time.Hour),
	)
	if err != nil {
		if err == asynq.ErrDuplicateTask || err == asynq.ErrTaskIDConflict {
			return item.EvalID, nil
		}
		return "", fmt.Errorf("op=queue.asynq.enqueue: %w", err)
	}
	return info.ID, nil
}

// backoffDelay is cenkalti/backoff/v4-shaped exponential backoff expressed
// as asynq's RetryDelayFunc: 2^n seconds, capped at 60s, with +-20% jitter.
func backoffDelay(n int, _ error, _ *asynq.Task) time.Duration {
	base := math.Pow(2, float64(n))
	if base > 60 {
		base = 60
	}
	jitter := base * 0.2 * (rand.Float64()*2 - 1)
	d := base + jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d * float64(time.Second))
}

// Cancel removes an unclaimed task outright; a claimed (already running)
// task is left to the worker's cooperative revocation check.
func (q *Queue) Cancel(ctx context.Context, evalID string) error {
	tracer := otel.Tracer("queue.asynq")
	_, span := tracer.Start(ctx, "asynq.Cancel")
	defer span.End()

	for _, queue := range []string{QueueHigh, QueueNormal, QueueLow} {
		if err := q.inspector.DeleteTask(queue, evalID); err == nil {
			return nil
		}
	}
	return markRevoked(ctx, q.revoked, evalID)
}

// IsRevoked reports whether evalID has been cancelled cooperatively. Workers
// call this between poll/lifecycle steps to abort a claimed task early.
func (q *Queue) IsRevoked(ctx context.Context, evalID string) (bool, error) {
	return IsRevoked(ctx, q.revoked, evalID)
}

// Close releases the queue's client connections.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return err
	}
	if err := q.inspector.Close(); err != nil {
		return err
	}
	return q.revoked.Close()
}

var _ domain.Queue = (*Queue)(nil)
