package market

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/agentsim/pkg/ohlcv"
)

func newTestHotCache(t *testing.T) (*HotCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewHotCache(client, 10*time.Second, 30*time.Second), mr
}

func TestHotCache_QuoteRoundTrip(t *testing.T) {
	cache, _ := newTestHotCache(t)
	ctx := context.Background()

	quote := &Quote{
		Asset:        "BTC",
		Price:        64250.5,
		High24h:      65100,
		Low24h:       63000,
		Volume24h:    12345.6,
		Change24h:    850.5,
		ChangePct24h: 1.34,
		Timestamp:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	_, ok := cache.GetQuote(ctx, "BTC")
	assert.False(t, ok)

	require.NoError(t, cache.SetQuote(ctx, "BTC", quote))

	got, ok := cache.GetQuote(ctx, "BTC")
	require.True(t, ok)
	assert.Equal(t, quote.Price, got.Price)
	assert.Equal(t, quote.ChangePct24h, got.ChangePct24h)
	assert.True(t, quote.Timestamp.Equal(got.Timestamp))
}

func TestHotCache_QuoteExpires(t *testing.T) {
	cache, mr := newTestHotCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetQuote(ctx, "ETH", &Quote{Asset: "ETH", Price: 3200}))

	_, ok := cache.GetQuote(ctx, "ETH")
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	_, ok = cache.GetQuote(ctx, "ETH")
	assert.False(t, ok)
}

func TestHotCache_CandleRoundTrip(t *testing.T) {
	cache, _ := newTestHotCache(t)
	ctx := context.Background()

	candle := &ohlcv.Candle{
		Timestamp: time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
		Open:      64000,
		High:      64500,
		Low:       63800,
		Close:     64250,
		Volume:    987.2,
	}

	_, ok := cache.GetLatestCandle(ctx, "BTC", ohlcv.Timeframe1h)
	assert.False(t, ok)

	require.NoError(t, cache.SetLatestCandle(ctx, "BTC", ohlcv.Timeframe1h, candle))

	got, ok := cache.GetLatestCandle(ctx, "BTC", ohlcv.Timeframe1h)
	require.True(t, ok)
	assert.Equal(t, candle.Close, got.Close)
	assert.True(t, candle.Timestamp.Equal(got.Timestamp))

	// Different timeframe is a separate key.
	_, ok = cache.GetLatestCandle(ctx, "BTC", ohlcv.Timeframe4h)
	assert.False(t, ok)
}

func TestHotCache_NilSafe(t *testing.T) {
	var cache *HotCache
	ctx := context.Background()

	_, ok := cache.GetQuote(ctx, "BTC")
	assert.False(t, ok)

	_, ok = cache.GetLatestCandle(ctx, "BTC", ohlcv.Timeframe1h)
	assert.False(t, ok)

	assert.Error(t, cache.SetQuote(ctx, "BTC", &Quote{}))
	assert.Error(t, cache.Health(ctx))

	assert.Nil(t, NewHotCache(nil, time.Second, time.Second))
}

func TestHotCache_Health(t *testing.T) {
	cache, mr := newTestHotCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Health(ctx))

	mr.Close()
	assert.Error(t, cache.Health(ctx))
}
