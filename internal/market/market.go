// Package market provides candle and price data to the session engine.
//
// The engine consumes the Gateway interface and treats everything behind
// it as a black box: vendor selection, caching, and failover are the
// gateway's problem. The default implementation is a Binance spot driver
// layered over a redis hot cache (current price, latest closed candle)
// and a persisted candle-range store for historical backfills.
package market

import (
	"context"
	"strings"
	"time"

	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// Gateway is the market data contract consumed by the session engine.
type Gateway interface {
	// Historical returns all closed candles whose open time falls inside
	// [start, end], ordered oldest first. The range is inclusive and the
	// result is deterministic for fully historical ranges.
	Historical(ctx context.Context, asset string, tf ohlcv.Timeframe, start, end time.Time) ([]ohlcv.Candle, error)

	// LatestClosed returns the most recent fully closed candle for the
	// asset and timeframe, or nil when the vendor has none.
	LatestClosed(ctx context.Context, asset string, tf ohlcv.Timeframe) (*ohlcv.Candle, error)

	// CurrentPrice returns the live ticker snapshot for the asset, or nil
	// when the vendor has no ticker for it.
	CurrentPrice(ctx context.Context, asset string) (*Quote, error)
}

// Quote is a point-in-time ticker snapshot with 24h statistics.
type Quote struct {
	Asset        string    `json:"asset"`
	Price        float64   `json:"price"`
	High24h      float64   `json:"high_24h"`
	Low24h       float64   `json:"low_24h"`
	Volume24h    float64   `json:"volume_24h"`
	Change24h    float64   `json:"change_24h"`
	ChangePct24h float64   `json:"change_pct_24h"`
	Timestamp    time.Time `json:"timestamp"`
}

// CandleStore persists historical candle ranges so repeated backtests over
// the same window skip the vendor entirely. Implemented by the db package.
type CandleStore interface {
	LoadRange(ctx context.Context, asset string, tf ohlcv.Timeframe, start, end time.Time) ([]ohlcv.Candle, error)
	SaveRange(ctx context.Context, asset string, tf ohlcv.Timeframe, candles []ohlcv.Candle) error
}

// quoteSuffixes are accepted as already-qualified trading pairs.
var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "TUSD", "USD"}

// SymbolFor maps an asset label to a Binance spot symbol. Bare base assets
// are quoted against USDT; pair spellings like "BTC/USDT" are normalized.
func SymbolFor(asset string) string {
	s := strings.ToUpper(strings.TrimSpace(asset))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	for _, suffix := range quoteSuffixes {
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			return s
		}
	}
	return s + "USDT"
}

// expectedCandles counts the step-aligned open times inside [start, end].
// Binance buckets open on UTC boundaries of the interval length.
func expectedCandles(tf ohlcv.Timeframe, start, end time.Time) int {
	step := tf.Duration()
	first := start.UTC().Truncate(step)
	if first.Before(start) {
		first = first.Add(step)
	}
	if first.After(end) {
		return 0
	}
	return int(end.Sub(first)/step) + 1
}
