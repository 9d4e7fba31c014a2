package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyCacheKey(t *testing.T) {
	require.Equal(t, "idempotency:abc-123", IdempotencyCacheKey("abc-123"))
}

func TestNotificationStatusCacheKey(t *testing.T) {
	require.Equal(t, "notification:status:corr-1", NotificationStatusCacheKey("corr-1"))
}

// A disabled cache (Redis unreachable or turned off in config) is a
// legitimate runtime state, not a test double -- NewRedisCache returns it
// directly instead of erroring, so every method needs to behave sanely
// against it without a live connection.

func TestDisabledCacheGetReturnsError(t *testing.T) {
	c := &RedisCache{enabled: false}
	var out string
	err := c.Get(context.Background(), "key", &out)
	require.Error(t, err)
}

func TestDisabledCacheSetReturnsError(t *testing.T) {
	c := &RedisCache{enabled: false}
	err := c.Set(context.Background(), "key", "value", 0)
	require.Error(t, err)
}

func TestDisabledCacheSetIfAbsentReturnsError(t *testing.T) {
	c := &RedisCache{enabled: false}
	claimed, err := c.SetIfAbsent(context.Background(), "key", "value", 0)
	require.Error(t, err)
	require.False(t, claimed)
}

func TestDisabledCachePingReportsHealthy(t *testing.T) {
	c := &RedisCache{enabled: false}
	require.NoError(t, c.Ping(context.Background()))
}

func TestDisabledCacheCloseIsNoop(t *testing.T) {
	c := &RedisCache{enabled: false}
	require.NoError(t, c.Close())
}
