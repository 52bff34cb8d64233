package core

import (
	"context"
	"time"
)

// CacheRepository defines the key/value operations used for short-lived state
// such as minted access tokens. The data layer provides Redis and in-memory
// implementations.
type CacheRepository interface {
	// Set stores a value with the given TTL. A TTL of 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns nil if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete returns true if the key was deleted, false if it didn't exist.
	Delete(ctx context.Context, key string) (bool, error)

	// SetIfNotExists atomically sets a key only if it doesn't already exist.
	// Returns true if the key was set, false if it already existed.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}
