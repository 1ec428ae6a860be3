package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisMetrics, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisMetrics(client), mr
}

func TestNewRedisMetrics(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	rm := NewRedisMetrics(client)

	assert.NotNil(t, rm)
	assert.Equal(t, client, rm.Client())
	assert.Equal(t, int64(0), rm.hits.Load())
	assert.Equal(t, int64(0), rm.misses.Load())
}

func TestRedisMetrics_GetHit(t *testing.T) {
	rm, mr := newTestRedis(t)
	ctx := context.Background()

	mr.Set("price:BTCUSDT", "45123.50")

	val, err := rm.Get(ctx, "price:BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "45123.50", val)
	assert.Equal(t, int64(1), rm.hits.Load())
	assert.Equal(t, int64(0), rm.misses.Load())
}

func TestRedisMetrics_GetMiss(t *testing.T) {
	rm, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := rm.Get(ctx, "price:MISSING")
	assert.ErrorIs(t, err, redis.Nil)
	assert.Equal(t, int64(0), rm.hits.Load())
	assert.Equal(t, int64(1), rm.misses.Load())
}

func TestRedisMetrics_SetAndExpire(t *testing.T) {
	rm, mr := newTestRedis(t)
	ctx := context.Background()

	err := rm.Set(ctx, "candle:BTCUSDT:15m", `{"close":45000}`, time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("candle:BTCUSDT:15m"))

	err = rm.Expire(ctx, "candle:BTCUSDT:15m", 5*time.Second)
	require.NoError(t, err)

	count, err := rm.Exists(ctx, "candle:BTCUSDT:15m")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisMetrics_Del(t *testing.T) {
	rm, mr := newTestRedis(t)
	ctx := context.Background()

	mr.Set("stale", "1")

	err := rm.Del(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, mr.Exists("stale"))
}

func TestRedisMetrics_ResetStats(t *testing.T) {
	rm, mr := newTestRedis(t)
	ctx := context.Background()

	mr.Set("k", "v")
	_, _ = rm.Get(ctx, "k")
	_, _ = rm.Get(ctx, "missing")

	assert.Equal(t, int64(1), rm.hits.Load())
	assert.Equal(t, int64(1), rm.misses.Load())

	rm.ResetStats()

	assert.Equal(t, int64(0), rm.hits.Load())
	assert.Equal(t, int64(0), rm.misses.Load())
}
