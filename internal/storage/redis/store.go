package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"guardian/internal/storage"
)

// incrScript atomically increments a counter and starts its TTL window on
// the first increment only, so a window endures for its full duration.
const incrScript = `
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return count
`

// Store implements CacheStore using Redis. Counter increments go through a
// Lua script so concurrent workers never lose updates.
type Store struct {
	client Client
	config *storage.Config
}

// NewStore creates a new Redis store
func NewStore(client Client, config *storage.Config) *Store {
	if config == nil {
		config = storage.DefaultConfig()
	}
	return &Store{
		client: client,
		config: config,
	}
}

// Get returns the value for key
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	return s.client.Get(ctx, s.redisKey(key))
}

// Set writes value with the given TTL
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.redisKey(key), value, ttl)
}

// Delete removes a key
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.redisKey(key))
}

// Increment atomically increments the counter at key
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	result, err := s.client.Eval(ctx, incrScript, []string{s.redisKey(key)}, ttl.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("failed to execute increment script: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected increment script result type %T", result)
	}
	return count, nil
}

// TTL returns the remaining lifetime of key
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.PTTL(ctx, s.redisKey(key))
}

// AddToSet appends a member to a time-scored rolling set
func (s *Store) AddToSet(ctx context.Context, key, member string, at time.Time, ttl time.Duration) error {
	rk := s.redisKey(key)
	if err := s.client.ZAdd(ctx, rk, float64(at.UnixMilli()), member); err != nil {
		return err
	}
	if ttl > 0 {
		return s.client.PExpire(ctx, rk, ttl)
	}
	return nil
}

// RangeSet returns members scored at or after since, oldest first
func (s *Store) RangeSet(ctx context.Context, key string, since time.Time) ([]string, error) {
	min := strconv.FormatInt(since.UnixMilli(), 10)
	return s.client.ZRangeByScore(ctx, s.redisKey(key), min, "+inf")
}

// TrimSetBefore drops members scored before cutoff
func (s *Store) TrimSetBefore(ctx context.Context, key string, cutoff time.Time) error {
	max := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	return s.client.ZRemRangeByScore(ctx, s.redisKey(key), "-inf", max)
}

// Close closes the store
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// redisKey namespaces all engine state under one prefix
func (s *Store) redisKey(key string) string {
	return "guardian:" + key
}

var _ storage.CacheStore = (*Store)(nil)
