package engine

import (
	"math"

	"github.com/quantfold/agentsim/internal/indicators"
	"github.com/quantfold/agentsim/internal/metrics"
	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// Schedule override thresholds. An open position forces an off-schedule
// review when price closes in on a bracket, when unrealized PnL swings
// past the notional threshold, or when too many candles pass without the
// model looking at it.
const (
	attentionProximityPct = 0.01
	attentionPnLPct       = 0.02
	staleReviewAge        = 50
)

// Review reasons recorded in the journal and metrics.
const (
	reviewSLTPProximity = "sl_tp_proximity"
	reviewUnrealizedPnL = "unrealized_pnl"
	reviewStale         = "stale_review"
)

// lowVolatilityRatio skips scheduled calls while flat when the current
// candle's range drops below this fraction of the recent average.
const (
	lowVolatilityRatio  = 0.5
	lowVolatilityWindow = 5
)

// positionAttention reports whether the open position forces a review at
// this candle, and why.
func (rt *Runtime) positionAttention(c ohlcv.Candle) (bool, string) {
	rt.mu.Lock()
	p := rt.manager.Position()
	var pos posView
	if p != nil {
		pos = posView{
			side:       string(p.Side),
			entryPrice: p.EntryPrice,
			size:       p.Size,
			stopLoss:   p.StopLoss,
			takeProfit: p.TakeProfit,
		}
	}
	age := rt.sinceReview
	rt.mu.Unlock()

	if p == nil || c.Close <= 0 {
		return false, ""
	}

	if pos.stopLoss > 0 && math.Abs(c.Close-pos.stopLoss)/c.Close <= attentionProximityPct {
		return rt.forceReview(reviewSLTPProximity)
	}
	if pos.takeProfit > 0 && math.Abs(c.Close-pos.takeProfit)/c.Close <= attentionProximityPct {
		return rt.forceReview(reviewSLTPProximity)
	}

	notional := pos.entryPrice * pos.size
	if notional > 0 {
		var pnl float64
		if pos.side == "long" {
			pnl = (c.Close - pos.entryPrice) * pos.size
		} else {
			pnl = (pos.entryPrice - c.Close) * pos.size
		}
		if math.Abs(pnl)/notional > attentionPnLPct {
			return rt.forceReview(reviewUnrealizedPnL)
		}
	}

	if age >= staleReviewAge {
		return rt.forceReview(reviewStale)
	}
	return false, ""
}

// posView is the subset of position state the override math reads.
type posView struct {
	side       string
	entryPrice float64
	size       float64
	stopLoss   float64
	takeProfit float64
}

func (rt *Runtime) forceReview(reason string) (bool, string) {
	metrics.RecordForcedReview(reason)
	rt.log.Debug().Str("reason", reason).Msg("Position forced an off-schedule review")
	return true, reason
}

// lowVolatility reports whether candle i sits in a dead market: its
// volatility is under half the average of the preceding window. ATR is
// the measure when available, bare candle range otherwise.
func (rt *Runtime) lowVolatility(i int) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if i < lowVolatilityWindow || rt.pipeline == nil {
		return false
	}

	current, window, ok := rt.atrWindow(i)
	if !ok {
		current = rt.candles[i].Range()
		window = window[:0]
		for j := i - lowVolatilityWindow; j < i; j++ {
			window = append(window, rt.candles[j].Range())
		}
	}

	sum := 0.0
	for _, v := range window {
		sum += v
	}
	avg := sum / float64(len(window))
	return avg > 0 && current < lowVolatilityRatio*avg
}

// atrWindow collects ATR at i and over the preceding window; ok is false
// when ATR is disabled or any value in the window is not yet ready.
func (rt *Runtime) atrWindow(i int) (float64, []float64, bool) {
	cur := rt.pipeline.ValueAt(i, indicators.NameATR)
	if cur == nil {
		return 0, nil, false
	}
	window := make([]float64, 0, lowVolatilityWindow)
	for j := i - lowVolatilityWindow; j < i; j++ {
		v := rt.pipeline.ValueAt(j, indicators.NameATR)
		if v == nil {
			return 0, nil, false
		}
		window = append(window, *v)
	}
	return *cur, window, true
}
