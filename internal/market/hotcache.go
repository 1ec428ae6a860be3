package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/metrics"
	"github.com/quantfold/agentsim/pkg/ohlcv"
)

const (
	defaultPriceTTL  = 15 * time.Second
	defaultCandleTTL = 45 * time.Second

	// Cache operations never block a market request for long; a slow
	// redis degrades to vendor calls.
	cacheOpTimeout = 500 * time.Millisecond
)

// HotCache is a redis-backed read-through cache for the two market
// lookups the forward engine hammers: current price and latest closed
// candle. TTLs stay sub-minute so forward sessions never act on stale
// ticker data.
type HotCache struct {
	client    *redis.Client
	priceTTL  time.Duration
	candleTTL time.Duration
}

// NewHotCache creates a redis hot cache. A nil client disables caching:
// the returned nil *HotCache is safe to call and always misses.
func NewHotCache(client *redis.Client, priceTTL, candleTTL time.Duration) *HotCache {
	if client == nil {
		return nil
	}
	if priceTTL <= 0 {
		priceTTL = defaultPriceTTL
	}
	if candleTTL <= 0 {
		candleTTL = defaultCandleTTL
	}
	return &HotCache{
		client:    client,
		priceTTL:  priceTTL,
		candleTTL: candleTTL,
	}
}

// GetQuote retrieves a cached ticker snapshot. Returns nil and false on
// miss or on any redis error.
func (c *HotCache) GetQuote(ctx context.Context, asset string) (*Quote, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	key := c.priceKey(asset)
	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("Redis get error - treating as cache miss")
		}
		metrics.RecordRedisOperation("price_miss")
		return nil, false
	}

	var quote Quote
	if err := json.Unmarshal([]byte(cached), &quote); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached quote")
		return nil, false
	}

	metrics.RecordRedisOperation("price_hit")
	return &quote, true
}

// SetQuote stores a ticker snapshot with the price TTL. Failures are
// logged and returned but callers treat them as non-fatal.
func (c *HotCache) SetQuote(ctx context.Context, asset string, quote *Quote) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	data, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}

	key := c.priceKey(asset)
	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(cacheCtx, key, data, c.priceTTL).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache quote")
		return err
	}
	return nil
}

// GetLatestCandle retrieves the cached latest closed candle for an asset
// and timeframe. Returns nil and false on miss or error.
func (c *HotCache) GetLatestCandle(ctx context.Context, asset string, tf ohlcv.Timeframe) (*ohlcv.Candle, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	key := c.candleKey(asset, tf)
	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("Redis get error - treating as cache miss")
		}
		metrics.RecordRedisOperation("candle_miss")
		return nil, false
	}

	var candle ohlcv.Candle
	if err := json.Unmarshal([]byte(cached), &candle); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached candle")
		return nil, false
	}

	metrics.RecordRedisOperation("candle_hit")
	return &candle, true
}

// SetLatestCandle stores the latest closed candle with the candle TTL.
func (c *HotCache) SetLatestCandle(ctx context.Context, asset string, tf ohlcv.Timeframe, candle *ohlcv.Candle) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	data, err := json.Marshal(candle)
	if err != nil {
		return fmt.Errorf("failed to marshal candle: %w", err)
	}

	key := c.candleKey(asset, tf)
	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(cacheCtx, key, data, c.candleTTL).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache candle")
		return err
	}
	return nil
}

// Health checks the redis connection.
func (c *HotCache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (c *HotCache) priceKey(asset string) string {
	return fmt.Sprintf("agentsim:market:price:%s", SymbolFor(asset))
}

func (c *HotCache) candleKey(asset string, tf ohlcv.Timeframe) string {
	return fmt.Sprintf("agentsim:market:candle:%s:%s", SymbolFor(asset), tf)
}
