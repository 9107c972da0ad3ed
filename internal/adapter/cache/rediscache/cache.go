// Package rediscache provides a read-through cache for evaluation records in
// front of the postgres repository (C2).
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/evalplane/evalplane/internal/domain"
)

// Cache wraps a redis client with evaluation-shaped get/set/invalidate
// helpers. Terminal evaluations never change again, so they are cached with
// no expiry; non-terminal ones are capped at TTL since polling clients must
// see status progress within a bounded staleness window.
type Cache struct {
	Client *redis.Client
	TTL    time.Duration
}

// New constructs a Cache. ttl <= 0 falls back to a 2s default per spec.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Cache{Client: client, TTL: ttl}
}

func evalKey(id string) string { return "eval:" + id }

// Get returns the cached evaluation, or (zero, false, nil) on a clean miss.
func (c *Cache) Get(ctx context.Context, id string) (domain.Evaluation, bool, error) {
	if c == nil || c.Client == nil {
		return domain.Evaluation{}, false, nil
	}
	tracer := otel.Tracer("cache.rediscache")
	ctx, span := tracer.Start(ctx, "rediscache.Get")
	defer span.End()
	span.SetAttributes(attribute.String("cache.key", evalKey(id)))

	raw, err := c.Client.Get(ctx, evalKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return domain.Evaluation{}, false, nil
	}
	if err != nil {
		return domain.Evaluation{}, false, fmt.Errorf("op=cache.get: %w", err)
	}
	var e domain.Evaluation
	if err := json.Unmarshal(raw, &e); err != nil {
		return domain.Evaluation{}, false, fmt.Errorf("op=cache.get.unmarshal: %w", err)
	}
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return e, true, nil
}

// Set writes an evaluation to the cache: non-terminal records with the
// configured TTL, terminal records with no expiry.
func (c *Cache) Set(ctx context.Context, e domain.Evaluation) error {
	if c == nil || c.Client == nil {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=cache.set.marshal: %w", err)
	}
	ttl := c.TTL
	if e.Status.Terminal() {
		ttl = 0 // no expiry: a terminal record never changes again
	}
	if err := c.Client.Set(ctx, evalKey(e.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("op=cache.set: %w", err)
	}
	return nil
}

// Invalidate removes a cached evaluation, e.g. after a status transition.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	if c == nil || c.Client == nil {
		return nil
	}
	if err := c.Client.Del(ctx, evalKey(id)).Err(); err != nil {
		return fmt.Errorf("op=cache.invalidate: %w", err)
	}
	return nil
}

// PendingMarker records a short-TTL "this eval_id was accepted" flag at
// submit time, so GetEvaluation can tell "known, not yet durably stored"
// apart from "never existed" while the submit write and the projector's
// first insert are still in flight.
type PendingMarker struct {
	Client *redis.Client
	TTL    time.Duration
}

// NewPendingMarker constructs a PendingMarker. ttl <= 0 falls back to a 10s
// default, comfortably longer than the submit-to-projection round trip.
func NewPendingMarker(client *redis.Client, ttl time.Duration) *PendingMarker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &PendingMarker{Client: client, TTL: ttl}
}

func pendingKey(id string) string { return "eval:pending:" + id }

// Mark records id as pending. A nil PendingMarker (or nil client) is a no-op,
// degrading to "no pending marker" rather than an error.
func (m *PendingMarker) Mark(ctx context.Context, id string) error {
	if m == nil || m.Client == nil {
		return nil
	}
	if err := m.Client.Set(ctx, pendingKey(id), "1", m.TTL).Err(); err != nil {
		return fmt.Errorf("op=cache.pending_marker.mark: %w", err)
	}
	return nil
}

// IsPending reports whether id was recently marked and the marker has not
// expired. A nil PendingMarker always reports false.
func (m *PendingMarker) IsPending(ctx context.Context, id string) (bool, error) {
	if m == nil || m.Client == nil {
		return false, nil
	}
	n, err := m.Client.Exists(ctx, pendingKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("op=cache.pending_marker.is_pending: %w", err)
	}
	return n > 0, nil
}

// Clear removes id's pending marker, e.g. once the record is durably stored.
func (m *PendingMarker) Clear(ctx context.Context, id string) error {
	if m == nil || m.Client == nil {
		return nil
	}
	if err := m.Client.Del(ctx, pendingKey(id)).Err(); err != nil {
		return fmt.Errorf("op=cache.pending_marker.clear: %w", err)
	}
	return nil
}
