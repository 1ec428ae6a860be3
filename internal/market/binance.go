package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// Binance caps klines responses at 1000 rows per request.
const klinesPageLimit = 1000

// BinanceVendor is the default market data vendor, backed by the Binance
// spot REST API. Public market data endpoints need no credentials, so
// empty keys are fine for simulation workloads.
type BinanceVendor struct {
	client *binance.Client
}

// BinanceConfig configures the Binance vendor driver.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string // override for mock servers, empty uses the public endpoint
	Testnet   bool
}

// NewBinanceVendor creates a Binance-backed vendor driver.
func NewBinanceVendor(cfg BinanceConfig) *BinanceVendor {
	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance market data initialized (TESTNET mode)")
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	return &BinanceVendor{client: client}
}

// Historical fetches all closed candles with open times inside [start, end],
// paging through the klines endpoint in 1000-row chunks.
func (v *BinanceVendor) Historical(ctx context.Context, asset string, tf ohlcv.Timeframe, start, end time.Time) ([]ohlcv.Candle, error) {
	symbol := SymbolFor(asset)
	interval := tf.String()
	step := tf.Duration()

	candles := make([]ohlcv.Candle, 0, expectedCandles(tf, start, end))
	cursor := start

	for !cursor.After(end) {
		klines, err := v.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(cursor.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(klinesPageLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s %s: %w", symbol, interval, err)
		}
		if len(klines) == 0 {
			break
		}

		now := time.Now().UnixMilli()
		for _, k := range klines {
			// The most recent bucket may still be forming; a closed
			// candle's close time is strictly in the past.
			if k.CloseTime >= now {
				continue
			}
			candle, err := klineToCandle(k)
			if err != nil {
				return nil, fmt.Errorf("binance klines %s %s: %w", symbol, interval, err)
			}
			candles = append(candles, candle)
		}

		last := klines[len(klines)-1]
		next := time.UnixMilli(last.OpenTime).UTC().Add(step)
		if !next.After(cursor) {
			break
		}
		cursor = next

		if len(klines) < klinesPageLimit {
			break
		}
	}

	log.Debug().
		Str("symbol", symbol).
		Str("timeframe", interval).
		Time("start", start).
		Time("end", end).
		Int("candles", len(candles)).
		Msg("Fetched historical candles from Binance")

	return candles, nil
}

// LatestClosed returns the most recent fully closed candle, or nil when
// the vendor has no data for the pair.
func (v *BinanceVendor) LatestClosed(ctx context.Context, asset string, tf ohlcv.Timeframe) (*ohlcv.Candle, error) {
	symbol := SymbolFor(asset)

	klines, err := v.client.NewKlinesService().
		Symbol(symbol).
		Interval(tf.String()).
		Limit(2).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s %s: %w", symbol, tf, err)
	}
	if len(klines) == 0 {
		return nil, nil
	}

	// The tail kline is usually the still-open bucket; walk back to the
	// first one whose close time has passed.
	now := time.Now().UnixMilli()
	for i := len(klines) - 1; i >= 0; i-- {
		if klines[i].CloseTime >= now {
			continue
		}
		candle, err := klineToCandle(klines[i])
		if err != nil {
			return nil, fmt.Errorf("binance klines %s %s: %w", symbol, tf, err)
		}
		return &candle, nil
	}
	return nil, nil
}

// CurrentPrice returns the live 24h ticker snapshot, or nil when the
// vendor has no ticker for the pair.
func (v *BinanceVendor) CurrentPrice(ctx context.Context, asset string) (*Quote, error) {
	symbol := SymbolFor(asset)

	stats, err := v.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return nil, nil
	}

	t := stats[0]
	quote := &Quote{
		Asset:        asset,
		Price:        parseDecimal(t.LastPrice),
		High24h:      parseDecimal(t.HighPrice),
		Low24h:       parseDecimal(t.LowPrice),
		Volume24h:    parseDecimal(t.Volume),
		Change24h:    parseDecimal(t.PriceChange),
		ChangePct24h: parseDecimal(t.PriceChangePercent),
		Timestamp:    time.Now().UTC(),
	}
	return quote, nil
}

func klineToCandle(k *binance.Kline) (ohlcv.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse open %q: %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse high %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse low %q: %w", k.Low, err)
	}
	clos, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse close %q: %w", k.Close, err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return ohlcv.Candle{}, fmt.Errorf("parse volume %q: %w", k.Volume, err)
	}

	return ohlcv.Candle{
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     clos,
		Volume:    volume,
	}, nil
}

func parseDecimal(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
