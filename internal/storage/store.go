package storage

import (
	"context"
	"time"
)

// CacheStore is the persistence boundary for every counter, flag, and alert
// record the engine owns. Implementations must provide per-key TTLs and an
// atomic increment; consistency is TTL-bounded, not transactional.
type CacheStore interface {
	// Get returns the value for key. The bool is false when the key does
	// not exist or has expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment atomically increments the counter at key and returns the
	// new value. The TTL is applied only when the increment creates the
	// key, so the window endures for its full duration.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL returns the remaining lifetime of key. Zero when the key does
	// not exist or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// AddToSet appends a member to a time-scored rolling set.
	AddToSet(ctx context.Context, key, member string, at time.Time, ttl time.Duration) error

	// RangeSet returns members scored at or after since, oldest first.
	RangeSet(ctx context.Context, key string, since time.Time) ([]string, error)

	// TrimSetBefore drops members scored before cutoff.
	TrimSetBefore(ctx context.Context, key string, cutoff time.Time) error

	// Close releases store resources.
	Close() error
}

// Config defines common configuration for cache stores.
type Config struct {
	// CleanupInterval is how often in-process stores sweep expired entries.
	CleanupInterval time.Duration
	// MaxEntries caps in-process stores (0 = unlimited).
	MaxEntries int
}

// DefaultConfig returns default store configuration.
func DefaultConfig() *Config {
	return &Config{
		CleanupInterval: 5 * time.Minute,
		MaxEntries:      100000, // Prevent unbounded memory growth
	}
}
