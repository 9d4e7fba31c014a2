package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/orchestrator/config"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// ErrCacheMiss is returned by Get when the key is absent, letting callers
// distinguish "not found" from a transport-level failure.
var ErrCacheMiss = errors.New("key not found in cache")

// IdempotencyTTL and StatusTTL bound how long the two key families in the
// cache gateway live before falling back to the datastore as the source of
// truth.
const (
	IdempotencyTTL = 24 * time.Hour
	StatusTTL      = 24 * time.Hour
)

// RedisCache provides caching using Redis.
type RedisCache struct {
	client  *redis.Client
	enabled bool
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
	}, nil
}

// Get retrieves a value from cache.
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	if !c.enabled {
		return errors.New("cache is disabled")
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrCacheMiss
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}

	return nil
}

// Set stores a value in cache with optional expiration.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if !c.enabled {
		return errors.New("cache is disabled")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}

	return nil
}

// SetIfAbsent atomically claims key with value if, and only if, no other
// caller has already claimed it (SETNX semantics). It returns claimed=true
// when this call won the race. This is the fast idempotency path; the
// datastore's unique constraint on idempotency_key remains the authoritative
// dedup point since a cache miss here is not itself a correctness guarantee.
func (c *RedisCache) SetIfAbsent(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	if !c.enabled {
		return false, errors.New("cache is disabled")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal value for caching")
	}

	claimed, err := c.client.SetNX(ctx, key, data, expiration).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to setnx value in Redis")
	}

	return claimed, nil
}

// IdempotencyCacheKey builds the cache key for the idempotency fast path.
func IdempotencyCacheKey(idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s", idempotencyKey)
}

// NotificationStatusCacheKey builds the cache key for a status snapshot.
func NotificationStatusCacheKey(correlationID string) string {
	return fmt.Sprintf("notification:status:%s", correlationID)
}

// Ping checks connectivity to Redis. A disabled cache reports healthy since
// it was never meant to be reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}
	return c.client.Close()
}
