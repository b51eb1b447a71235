package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client defines the Redis operations the store needs
type Client interface {
	// Eval executes a Lua script
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	// Get returns a value; the bool is false when the key is missing
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes a value with a TTL
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del deletes keys
	Del(ctx context.Context, keys ...string) error
	// PTTL returns the remaining TTL for a key
	PTTL(ctx context.Context, key string) (time.Duration, error)
	// ZAdd adds a scored member to a sorted set
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRangeByScore returns members with scores in [min, max]
	ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error)
	// ZRemRangeByScore removes members with scores in [min, max]
	ZRemRangeByScore(ctx context.Context, key, min, max string) error
	// PExpire sets a key's TTL
	PExpire(ctx context.Context, key string, ttl time.Duration) error
	// Close closes the connection
	Close() error
}

// ClientAdapter adapts a go-redis client to our interface
type ClientAdapter struct {
	client redis.UniversalClient
}

// NewClientAdapter creates a new client adapter
func NewClientAdapter(client redis.UniversalClient) *ClientAdapter {
	return &ClientAdapter{client: client}
}

// Eval executes a Lua script
func (c *ClientAdapter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return c.client.Eval(ctx, script, keys, args...).Result()
}

// Get returns a value; the bool is false when the key is missing
func (c *ClientAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set writes a value with a TTL
func (c *ClientAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Del deletes keys
func (c *ClientAdapter) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// PTTL returns the remaining TTL for a key
func (c *ClientAdapter) PTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		// -1 no expiry, -2 missing key
		return 0, nil
	}
	return d, nil
}

// ZAdd adds a scored member to a sorted set
func (c *ClientAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScore returns members with scores in [min, max]
func (c *ClientAdapter) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	return c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

// ZRemRangeByScore removes members with scores in [min, max]
func (c *ClientAdapter) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return c.client.ZRemRangeByScore(ctx, key, min, max).Err()
}

// PExpire sets a key's TTL
func (c *ClientAdapter) PExpire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.PExpire(ctx, key, ttl).Err()
}

// Close closes the connection
func (c *ClientAdapter) Close() error {
	return c.client.Close()
}
