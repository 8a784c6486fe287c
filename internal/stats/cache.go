package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a short-TTL read-through cache keyed by (endpoint, period). It is
// backed by the same Redis instance the queue uses; a cache backend failure
// is logged and treated as a miss, never surfaced to the caller (§4.5).
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache returns a Cache that stores entries for ttl.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{client: client, ttl: ttl, logger: logger}
}

const cacheKeyPrefix = "ingestor:stats:"

// readThrough returns the cached value for key, decoded as T, if present;
// otherwise (or when the cached bytes do not decode as T) it calls compute,
// caches the result best-effort, and returns it.
func readThrough[T any](ctx context.Context, c *Cache, key string, compute func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if c != nil {
		if cached, ok := c.get(ctx, key); ok {
			var value T
			if err := json.Unmarshal(cached, &value); err == nil {
				return value, nil
			}
		}
	}

	value, err := compute(ctx)
	if err != nil {
		return zero, err
	}

	if c != nil {
		c.set(ctx, key, value)
	}

	return value, nil
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("stats cache read failed, falling through to direct computation",
				slog.String("key", key), slog.String("error", err.Error()))
		}

		return nil, false
	}

	return raw, true
}

func (c *Cache) set(ctx context.Context, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("stats cache encode failed", slog.String("key", key), slog.String("error", err.Error()))

		return
	}

	if err := c.client.Set(ctx, cacheKeyPrefix+key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("stats cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Key builds the cache key for an (endpoint, period) pair, optionally
// qualified by a resource name (e.g. a tool name for the single-tool endpoint).
func Key(endpoint, period, qualifier string) string {
	if qualifier == "" {
		return fmt.Sprintf("%s:%s", endpoint, period)
	}

	return fmt.Sprintf("%s:%s:%s", endpoint, qualifier, period)
}
