package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("idempotency: cache miss")

// Cache holds succeeded entries for fast replay. The database stays the
// source of truth; a cache failure only costs a round trip.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, e *Entry) error
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: redis get failed: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("idempotency: unmarshal cached entry failed: %w", err)
	}
	return &e, nil
}

func (c *RedisCache) Set(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("idempotency: marshal entry failed: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(e.Key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis set failed: %w", err)
	}
	return nil
}

func cacheKey(key string) string {
	return "checkout:idempotency:" + key
}

// NopCache is used when no Redis address is configured.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (*Entry, error) { return nil, ErrCacheMiss }
func (NopCache) Set(context.Context, *Entry) error { return nil }
