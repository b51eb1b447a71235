package ratelimit

import (
	"context"
	"strconv"
	"time"

	"guardian/internal/config"
	"guardian/internal/storage"
)

// Quota is the outcome of a fixed-window admission check.
type Quota struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Count     int64
}

// Enforcer admits or rejects requests against fixed-window counters.
// Windows reset fully at their boundary; bursts straddling a boundary are
// an accepted tradeoff for O(1) state per bucket.
type Enforcer struct {
	store storage.CacheStore
}

// NewEnforcer creates a quota enforcer over a cache store
func NewEnforcer(store storage.CacheStore) *Enforcer {
	return &Enforcer{store: store}
}

// Check counts the request against its bucket and reports the verdict.
// The increment happens before the verdict so the count reflects requests
// received, not requests served.
func (e *Enforcer) Check(ctx context.Context, key string, limiter config.Limiter) (Quota, error) {
	window := limiter.Window()

	count, err := e.store.Increment(ctx, "window:"+key, window)
	if err != nil {
		return Quota{}, err
	}

	resetAt := time.Now().Add(window)
	if remaining, terr := e.store.TTL(ctx, "window:"+key); terr == nil && remaining > 0 {
		resetAt = time.Now().Add(remaining)
	}

	q := Quota{
		Limit:   limiter.Max,
		ResetAt: resetAt,
		Count:   count,
	}

	if count > int64(limiter.Max) {
		q.Allowed = false
		q.Remaining = 0
		return q, nil
	}

	q.Allowed = true
	q.Remaining = limiter.Max - int(count)
	return q, nil
}

// Reset clears the window for a bucket
func (e *Enforcer) Reset(ctx context.Context, key string) error {
	return e.store.Delete(ctx, "window:"+key)
}

// Count returns the current window count and remaining window time for a
// bucket without incrementing it.
func (e *Enforcer) Count(ctx context.Context, key string) (int64, time.Duration, error) {
	val, ok, err := e.store.Get(ctx, "window:"+key)
	if err != nil || !ok {
		return 0, 0, err
	}
	ttl, _ := e.store.TTL(ctx, "window:"+key)

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, ttl, nil
	}
	return count, ttl, nil
}
