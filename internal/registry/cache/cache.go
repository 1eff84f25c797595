// Package cache remembers successful registry answers in Redis so repeated
// lookups of the same key skip the registry, the breaker and the limiter.
//
// Entries are keyed by a digest of the lookup key so raw identifiers never
// reach Redis. Only successful answers are stored.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"enricher/pkg/platform/privacy"
)

const keyPrefix = "enricher:registry:"

// RedisCache stores registry payloads with a fixed TTL.
type RedisCache struct {
	redis redis.Cmdable
	ttl   time.Duration
}

// NewRedisCache constructs a cache. ttl must be positive.
func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) (*RedisCache, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	return &RedisCache{redis: rdb, ttl: ttl}, nil
}

// Get returns the cached payload for lookupKey. A miss is (nil, false, nil).
func (c *RedisCache) Get(ctx context.Context, lookupKey string) ([]byte, bool, error) {
	payload, err := c.redis.Get(ctx, cacheKey(lookupKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read registry cache: %w", err)
	}
	return payload, true, nil
}

// Put stores a successful registry payload.
func (c *RedisCache) Put(ctx context.Context, lookupKey string, payload []byte) error {
	if err := c.redis.Set(ctx, cacheKey(lookupKey), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("write registry cache: %w", err)
	}
	return nil
}

func cacheKey(lookupKey string) string {
	return keyPrefix + privacy.DigestKey(lookupKey)
}
