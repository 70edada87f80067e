// Package cache provides the pluggable cache fabric: one Service API
// over interchangeable memory, Redis and disk backends, with JSON
// values, tag-based invalidation and best-effort metrics.
package cache

import (
	"context"
	"time"
)

// Backend is the minimal contract every cache backend satisfies.
// Values are opaque byte slices; the Service layer owns JSON encoding.
// A ttl of zero or less stores without expiry.
type Backend interface {
	// Get returns the value for key and whether it was present. An
	// expired or absent key is (nil, false, nil), not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Clear removes every key in the backend.
	Clear(ctx context.Context) error

	// GetMany returns the present subset of keys.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)

	// SetMany stores all entries with a shared ttl.
	SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	// Keys returns the keys matching a glob pattern such as
	// "permission:check:u1:*".
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// SetAdder is the optional set capability used for tag tracking. The
// Service probes for it; backends without it simply do not participate
// in tag invalidation.
type SetAdder interface {
	AddToSet(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
}

// Incrementer is the optional atomic counter capability used for the
// cache-backed rate limiting windows. The first increment of a window
// arms the ttl; later increments leave it alone.
type Incrementer interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Pinger is the optional liveness capability, implemented by backends
// that talk to an external process.
type Pinger interface {
	Ping(ctx context.Context) error
}
