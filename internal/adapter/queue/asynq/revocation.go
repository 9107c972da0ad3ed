package asynqadp

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// revokedKeyTTL bounds how long a revocation marker lives: long enough to
// outlast any in-flight task's lease, short enough not to leak keys forever.
const revokedKeyTTL = 24 * time.Hour

func revokedKey(evalID string) string { return "queue:revoked:" + evalID }

// markRevoked flags evalID as cancelled so a worker already processing it
// observes the cancellation on its next cooperative check.
func markRevoked(ctx context.Context, rdb *redis.Client, evalID string) error {
	if err := rdb.Set(ctx, revokedKey(evalID), "1", revokedKeyTTL).Err(); err != nil {
		return fmt.Errorf("op=queue.asynq.mark_revoked: %w", err)
	}
	return nil
}

// IsRevoked reports whether evalID has been cooperatively cancelled.
// Workers call this between poll/lifecycle steps.
func IsRevoked(ctx context.Context, rdb *redis.Client, evalID string) (bool, error) {
	n, err := rdb.Exists(ctx, revokedKey(evalID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=queue.asynq.is_revoked: %w", err)
	}
	return n > 0, nil
}
