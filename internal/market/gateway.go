package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/metrics"
	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// RetryConfig configures vendor call retries.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the retry settings used when none are given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Service is the production Gateway: a vendor driver wrapped with a redis
// hot cache for the forward-mode lookups, a persisted candle store for
// historical ranges, and exponential-backoff retries over vendor calls.
//
// Both caches are optional. A nil HotCache always misses; a nil
// CandleStore sends every historical request straight to the vendor.
type Service struct {
	vendor Gateway
	hot    *HotCache
	store  CandleStore
	retry  RetryConfig
}

// ServiceOpts configures a market data Service.
type ServiceOpts struct {
	Vendor Gateway
	Hot    *HotCache
	Store  CandleStore
	Retry  RetryConfig
}

// NewService composes a vendor driver with the optional cache layers.
func NewService(opts ServiceOpts) *Service {
	retry := opts.Retry
	if retry.MaxRetries <= 0 {
		retry = DefaultRetryConfig()
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = 500 * time.Millisecond
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = 10 * time.Second
	}
	if retry.BackoffFactor <= 1 {
		retry.BackoffFactor = 2.0
	}
	return &Service{
		vendor: opts.Vendor,
		hot:    opts.Hot,
		store:  opts.Store,
		retry:  retry,
	}
}

// Historical serves a candle range from the persisted store when the
// stored range is complete, otherwise fetches from the vendor and
// backfills the store.
func (s *Service) Historical(ctx context.Context, asset string, tf ohlcv.Timeframe, start, end time.Time) ([]ohlcv.Candle, error) {
	began := time.Now()
	want := expectedCandles(tf, start, end)

	if s.store != nil {
		stored, err := s.store.LoadRange(ctx, asset, tf, start, end)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("asset", asset).Msg("Candle store read failed, falling through to vendor")
			metrics.RecordCandleCacheLookup("error")
		case len(stored) >= want && want > 0:
			metrics.RecordCandleCacheLookup("hit")
			metrics.RecordMarketRequest("historical", "cached", float64(time.Since(began).Milliseconds()))
			return stored, nil
		case len(stored) > 0:
			metrics.RecordCandleCacheLookup("partial")
		default:
			metrics.RecordCandleCacheLookup("miss")
		}
	}

	var candles []ohlcv.Candle
	err := s.withRetry(ctx, func() error {
		var err error
		candles, err = s.vendor.Historical(ctx, asset, tf, start, end)
		return err
	})
	if err != nil {
		metrics.RecordMarketRequest("historical", metrics.NormalizeMarketError(err), float64(time.Since(began).Milliseconds()))
		return nil, err
	}

	if s.store != nil && len(candles) > 0 {
		if err := s.store.SaveRange(ctx, asset, tf, candles); err != nil {
			// Persisting the fetched range is an optimization for the
			// next run, never a reason to fail this one.
			log.Warn().Err(err).Str("asset", asset).Int("candles", len(candles)).Msg("Failed to persist candle range")
		}
	}

	metrics.RecordMarketRequest("historical", "ok", float64(time.Since(began).Milliseconds()))
	return candles, nil
}

// LatestClosed serves the most recent closed candle through the hot cache.
func (s *Service) LatestClosed(ctx context.Context, asset string, tf ohlcv.Timeframe) (*ohlcv.Candle, error) {
	began := time.Now()

	if candle, ok := s.hot.GetLatestCandle(ctx, asset, tf); ok {
		metrics.RecordMarketRequest("latest_closed", "cached", float64(time.Since(began).Milliseconds()))
		return candle, nil
	}

	var candle *ohlcv.Candle
	err := s.withRetry(ctx, func() error {
		var err error
		candle, err = s.vendor.LatestClosed(ctx, asset, tf)
		return err
	})
	if err != nil {
		metrics.RecordMarketRequest("latest_closed", metrics.NormalizeMarketError(err), float64(time.Since(began).Milliseconds()))
		return nil, err
	}

	if candle != nil && s.hot != nil {
		_ = s.hot.SetLatestCandle(ctx, asset, tf, candle)
	}

	metrics.RecordMarketRequest("latest_closed", "ok", float64(time.Since(began).Milliseconds()))
	return candle, nil
}

// CurrentPrice serves the live ticker snapshot through the hot cache.
func (s *Service) CurrentPrice(ctx context.Context, asset string) (*Quote, error) {
	began := time.Now()

	if quote, ok := s.hot.GetQuote(ctx, asset); ok {
		metrics.RecordMarketRequest("current_price", "cached", float64(time.Since(began).Milliseconds()))
		return quote, nil
	}

	var quote *Quote
	err := s.withRetry(ctx, func() error {
		var err error
		quote, err = s.vendor.CurrentPrice(ctx, asset)
		return err
	})
	if err != nil {
		metrics.RecordMarketRequest("current_price", metrics.NormalizeMarketError(err), float64(time.Since(began).Milliseconds()))
		return nil, err
	}

	if quote != nil && s.hot != nil {
		_ = s.hot.SetQuote(ctx, asset, quote)
	}

	metrics.RecordMarketRequest("current_price", "ok", float64(time.Since(began).Milliseconds()))
	return quote, nil
}

// withRetry runs op with exponential backoff, honoring ctx cancellation.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	backoff := s.retry.InitialBackoff

	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("market request cancelled: %w", ctx.Err())
		default:
		}

		err := op()
		if err == nil {
			if attempt > 0 {
				log.Info().Int("attempt", attempt+1).Msg("Market request succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == s.retry.MaxRetries {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", s.retry.MaxRetries+1).
			Dur("backoff", backoff).
			Msg("Market request failed, retrying with backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("market request cancelled during backoff: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * s.retry.BackoffFactor)
		if backoff > s.retry.MaxBackoff {
			backoff = s.retry.MaxBackoff
		}
	}

	return fmt.Errorf("market request failed after %d attempts: %w", s.retry.MaxRetries+1, lastErr)
}

// isRetryable reports whether a vendor error is worth another attempt.
// Binance signals throttling with -1003/418/429 and transient internal
// trouble with -1001.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"temporary failure",
		"too many requests",
		"rate limit",
		"429",
		"418",
		"-1001",
		"-1003",
		"502",
		"503",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
