package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/outbound-dispatch/internal/core"
)

type cacheItem struct {
	value     []byte
	expiresAt time.Time
}

func (i cacheItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// Cache is an in-process core.CacheRepository with lazy expiry.
type Cache struct {
	mu    sync.Mutex
	items map[string]cacheItem
	clock core.TimeProvider
}

// NewCache creates an empty Cache.
func NewCache(clock core.TimeProvider) *Cache {
	return &Cache{items: make(map[string]cacheItem), clock: core.OrRealTime(clock)}
}

var errEmptyKey = errors.New("key cannot be empty")

func (c *Cache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.clock.Now().Add(ttl)
}

// Set stores a value. A TTL of 0 means no expiry.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errEmptyKey
	}
	c.mu.Lock()
	c.items[key] = cacheItem{value: append([]byte(nil), value...), expiresAt: c.expiry(ttl)}
	c.mu.Unlock()
	return nil
}

// Get returns nil for missing or expired keys.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errEmptyKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return nil, nil
	}
	if item.expired(c.clock.Now()) {
		delete(c.items, key)
		return nil, nil
	}
	return append([]byte(nil), item.value...), nil
}

// Delete removes a key and reports whether a live value existed.
func (c *Cache) Delete(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, errEmptyKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	delete(c.items, key)
	return ok && !item.expired(c.clock.Now()), nil
}

// SetIfNotExists sets key only when no live value exists. A non-positive TTL
// is raised to one second to match the Redis implementation.
func (c *Cache) SetIfNotExists(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errEmptyKey
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[key]; ok && !item.expired(c.clock.Now()) {
		return false, nil
	}
	c.items[key] = cacheItem{value: append([]byte(nil), value...), expiresAt: c.expiry(ttl)}
	return true, nil
}

// Health always succeeds.
func (*Cache) Health(context.Context) error { return nil }
