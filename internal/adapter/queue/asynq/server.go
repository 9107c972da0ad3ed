package asynqadp

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
)

// Handler processes one evaluation run task. Implemented by
// internal/service/evalworker.
type Handler func(ctx context.Context, item []byte) error

// NewServer constructs an asynq server with the three priority queues
// weighted 4:2:1, and a mux dispatching TaskEvaluate to handle.
func NewServer(redisURL string, concurrency int, handle Handler) (*asynq.Server, *asynq.ServeMux, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("op=queue.asynq.new_server: %w", err)
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      QueueWeights,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskEvaluate, func(ctx context.Context, t *asynq.Task) error {
		return handle(ctx, t.Payload())
	})
	return srv, mux, nil
}
