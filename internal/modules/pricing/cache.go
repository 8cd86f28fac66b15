// README: Redis-backed JSON cache for route, weather, toll and settings lookups.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type RedisCache struct {
	redis *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{redis: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.redis.Set(ctx, key, value, ttl).Err()
}

// cached returns the decoded cache entry for key or calls fetch and stores
// its result. Cache failures degrade to a direct fetch.
func cached[T any](ctx context.Context, c Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if c != nil {
		if b, ok, err := c.Get(ctx, key); err == nil && ok {
			var v T
			if json.Unmarshal(b, &v) == nil {
				return v, nil
			}
		}
	}
	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}
	if c != nil {
		if b, err := json.Marshal(v); err == nil {
			_ = c.Set(ctx, key, b, ttl)
		}
	}
	return v, nil
}
