// Package cache defines the best-effort cache port used at the query
// boundary and for projection invalidation.
//
// The cache is never a source of truth. Every operation swallows backend
// faults: reads miss, writes drop, and callers proceed against the read
// models. No method returns an error.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Cache is the best-effort key/value port.
type Cache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores the value. A non-positive ttl applies the cache default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Del removes the keys.
	Del(ctx context.Context, keys ...string)

	// DelPattern removes every key matching the glob pattern.
	DelPattern(ctx context.Context, pattern string)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) bool

	// GetTTL returns the remaining lifetime of the key. ok is false when
	// the key is absent or has no expiry.
	GetTTL(ctx context.Context, key string) (time.Duration, bool)

	// UpdateTTL resets the lifetime of an existing key and reports whether
	// the key was present.
	UpdateTTL(ctx context.Context, key string, ttl time.Duration) bool
}

// GetJSON reads and decodes a cached JSON value. A decode fault counts as a
// miss, the entry will be overwritten by the next Set.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var value T
	data, ok := c.Get(ctx, key)
	if !ok {
		return value, false
	}
	if err := json.Unmarshal(data, &value); err != nil {
		var zero T
		return zero, false
	}
	return value, true
}

// SetJSON encodes and stores a JSON value. Unencodable values are dropped.
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.Set(ctx, key, data, ttl)
}
