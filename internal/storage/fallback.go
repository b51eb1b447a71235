package storage

import (
	"context"
	"strconv"
	"time"
)

// GetSetStore is the minimal surface a generic cache offers: no native
// atomic increment.
type GetSetStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	AddToSet(ctx context.Context, key, member string, at time.Time, ttl time.Duration) error
	RangeSet(ctx context.Context, key string, since time.Time) ([]string, error)
	TrimSetBefore(ctx context.Context, key string, cutoff time.Time) error
	Close() error
}

// NonAtomic adapts a GetSetStore to CacheStore using a read-modify-write
// increment. Concurrent increments on the same key may under-count; that is
// the accepted weaker guarantee of this path. It never over-counts, so it
// cannot block legitimate traffic harder than the primary path would.
type NonAtomic struct {
	GetSetStore
}

// NewNonAtomic wraps a get/set-only cache as a CacheStore.
func NewNonAtomic(s GetSetStore) *NonAtomic {
	return &NonAtomic{GetSetStore: s}
}

// Increment performs a read-modify-write increment. Not atomic.
func (s *NonAtomic) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	val, ok, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}

	var count int64
	if ok {
		count, err = strconv.ParseInt(val, 10, 64)
		if err != nil {
			count = 0
		}
		// Preserve the remaining window instead of restarting it.
		if remaining, terr := s.TTL(ctx, key); terr == nil && remaining > 0 {
			ttl = remaining
		}
	}

	count++
	if err := s.Set(ctx, key, strconv.FormatInt(count, 10), ttl); err != nil {
		return 0, err
	}
	return count, nil
}

var _ CacheStore = (*NonAtomic)(nil)
