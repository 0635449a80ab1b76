package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "batch_preview:"

// PreviewCache caches per-batch preview lookups in Redis.
type PreviewCache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *PreviewCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PreviewCache{client: client, ttl: ttl}
}

// Key returns the cache key for a batch.
func Key(batchID string) string {
	return keyPrefix + batchID
}

// Lookup returns the cached value for batchID, calling load and caching its
// result on a miss. Empty values are not cached.
func (c *PreviewCache) Lookup(ctx context.Context, batchID string, load func(ctx context.Context) (string, error)) (string, error) {
	cached, err := c.client.Get(ctx, Key(batchID)).Result()
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("cache get: %w", err)
	}

	value, err := load(ctx)
	if err != nil {
		return "", err
	}
	if value != "" {
		_ = c.client.Set(ctx, Key(batchID), value, c.ttl).Err()
	}
	return value, nil
}

// Invalidate drops the cached lookup for a batch.
func (c *PreviewCache) Invalidate(ctx context.Context, batchID string) error {
	if err := c.client.Del(ctx, Key(batchID)).Err(); err != nil {
		return fmt.Errorf("invalidate %s: %w", Key(batchID), err)
	}
	return nil
}

// Sweep deletes every batch preview key and reports how many were removed.
func (c *PreviewCache) Sweep(ctx context.Context) (int, error) {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := c.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("delete cache keys: %w", err)
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}
