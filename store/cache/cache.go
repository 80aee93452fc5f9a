// Package cache provides the snapshot cache used as the store's warm tier
// between the in-memory working set and the durable archive.
package cache

import (
	"context"
	"time"
)

// Service is the cache contract consumed by the session store.
type Service interface {
	// Get retrieves a value. Returns the value and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a value with the given expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate removes a key. Removing an absent key is a no-op.
	Invalidate(ctx context.Context, key string) error
}
