// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the storage readiness probe. Event bus and
// cluster probes are supplied by their own adapters (they know how to reach
// their backend) and are passed straight through to the HTTP layer.
func BuildReadinessChecks(pool Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("storage pool not configured")
		}
		return pool.Ping(ctx)
	}
}
