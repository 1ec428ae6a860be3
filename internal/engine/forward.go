package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfold/agentsim/internal/indicators"
	"github.com/quantfold/agentsim/internal/position"
	"github.com/quantfold/agentsim/internal/stream"
	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// Forward-session pacing. Price ticks stream every second while waiting
// for a candle to close; countdown events thin out when the close is far
// away and tighten as it approaches. Once the boundary passes, the vendor
// gets a bounded number of polls to publish the closed candle.
const (
	priceTickInterval     = time.Second
	countdownMaxInterval  = 30 * time.Second
	closedCandlePolls     = 15
	closedCandlePollDelay = 2 * time.Second
)

// warmupBounds clamps the warm-up candle count per timeframe. Slower
// timeframes need deeper history so the longest lookbacks are ready
// before live trading starts.
var warmupBounds = map[ohlcv.Timeframe][2]int{
	ohlcv.Timeframe15m: {250, 1000},
	ohlcv.Timeframe1h:  {300, 1000},
	ohlcv.Timeframe4h:  {350, 1000},
	ohlcv.Timeframe1d:  {400, 1000},
}

// warmupSize picks the warm-up depth: 1.5x the largest enabled lookback,
// clamped to the timeframe's bounds.
func warmupSize(tf ohlcv.Timeframe, maxLookback int) int {
	bounds, ok := warmupBounds[tf]
	if !ok {
		bounds = [2]int{250, 1000}
	}
	n := int(float64(maxLookback) * 1.5)
	if n < bounds[0] {
		n = bounds[0]
	}
	if n > bounds[1] {
		n = bounds[1]
	}
	return n
}

// initForward loads the warm-up window ending now and builds the initial
// pipeline over it.
func (rt *Runtime) initForward(ctx context.Context) error {
	maxLB := 0
	for _, name := range rt.agent.Indicators {
		if lb := indicators.Lookback(name); lb > maxLB {
			maxLB = lb
		}
	}
	n := warmupSize(rt.timeframe, maxLB)

	end := time.Now().UTC()
	start := end.Add(-time.Duration(n+1) * rt.timeframe.Duration())
	candles, err := rt.gateway.Historical(ctx, rt.session.Asset, rt.timeframe, start, end)
	if err != nil {
		return fmt.Errorf("failed to load warm-up candles: %w", err)
	}
	if len(candles) == 0 {
		return &ValidationError{Field: "asset", Message: "no warm-up candles available"}
	}

	rules, err := parseCustomRules(rt.agent.CustomRules)
	if err != nil {
		return err
	}
	rt.rules = rules
	pipeline, err := indicators.New(candles, indicators.Config{
		Enabled:     rt.agent.Indicators,
		Mode:        indicators.Mode(rt.agent.Mode),
		CustomRules: rules,
	})
	if err != nil {
		return fmt.Errorf("failed to build indicator pipeline: %w", err)
	}

	ready := pipeline.FirstReadyIndex(readinessThreshold)
	if ready < 0 {
		return &ValidationError{
			Field:   "indicators",
			Message: "warm-up window too short for the configured indicators",
		}
	}

	rt.mu.Lock()
	rt.candles = candles
	rt.pipeline = pipeline
	rt.mu.Unlock()
	rt.decisionStart = ready

	if err := rt.store.SetSessionTotalCandles(ctx, rt.sessionID, len(candles)); err != nil {
		return err
	}

	rt.emit(stream.EventIndicatorReadiness, map[string]interface{}{
		"ready_index":   ready,
		"total_candles": len(candles),
		"max_lookback":  pipeline.MaxLookback(),
		"indicators":    pipeline.Enabled(),
	})
	return nil
}

// loopForward streams the warm-up buffer, seeds an initial decision on
// its last candle, then trades each new closed candle as it arrives.
// Returns true when the cumulative loss guard ended the session.
func (rt *Runtime) loopForward(ctx context.Context) (bool, error) {
	if err := rt.streamWarmup(ctx); err != nil {
		return false, err
	}
	if rt.stopped.Load() {
		return false, nil
	}

	rt.mu.Lock()
	last := len(rt.candles) - 1
	seed := rt.candles[last]
	rt.mu.Unlock()

	if last >= rt.decisionStart {
		vals, err := rt.valuesAt(last)
		if err != nil {
			return false, err
		}
		if err := rt.decisionStep(ctx, last, seed, vals, ""); err != nil {
			return false, err
		}
	}
	rt.setCurrentToBuffer()

	for {
		if err := rt.gate.Wait(ctx); err != nil {
			return false, err
		}
		if rt.stopped.Load() {
			return false, nil
		}

		candle, ok, err := rt.awaitNextCandle(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}

		i, err := rt.appendCandle(ctx, candle)
		if err != nil {
			return false, err
		}

		rt.bumpReviewAge()
		_, reason := rt.positionAttention(candle)
		if err := rt.fullStep(ctx, i, candle, reason); err != nil {
			return false, err
		}
		rt.setCurrentToBuffer()

		if rt.autoStopTriggered() {
			rt.log.Warn().Int("candle_index", i).Msg("Cumulative loss threshold reached, auto-stopping")
			if err := rt.closeOpenPosition(ctx, i, candle.Close, candle.Timestamp, position.CloseAutoStop); err != nil {
				return false, err
			}
			if err := rt.flushRuntime(ctx); err != nil {
				return false, err
			}
			rt.alerts.AutoStop(rt.session, rt.agent, rt.pnlPct())
			return true, nil
		}
	}
}

// streamWarmup replays the warm-up candles onto the bus in batches so
// subscribers see the chart fill in without overrunning their buffers.
func (rt *Runtime) streamWarmup(ctx context.Context) error {
	rt.mu.Lock()
	count := len(rt.candles)
	rt.mu.Unlock()

	batch := rt.cfg.Engine.ReplayBatchSize
	if batch <= 0 {
		batch = 200
	}
	delay := ms(rt.cfg.Engine.ReplayBatchDelay)

	for i := 0; i < count; i++ {
		if rt.stopped.Load() {
			return nil
		}
		candle := rt.candleAt(i)
		var vals map[string]*float64
		if i >= rt.decisionStart {
			v, err := rt.valuesAt(i)
			if err != nil {
				return err
			}
			vals = v
		}
		rt.emitCandle(i, candle, vals)

		if (i+1)%batch == 0 && delay > 0 {
			time.Sleep(delay)
		}
	}
	return nil
}

func (rt *Runtime) valuesAt(i int) (map[string]*float64, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	vals, err := rt.pipeline.ValuesAt(i)
	if err != nil {
		return nil, fmt.Errorf("failed to read indicators at candle %d: %w", i, err)
	}
	return vals, nil
}

func (rt *Runtime) setCurrentToBuffer() {
	rt.mu.Lock()
	rt.currentIndex = len(rt.candles)
	rt.mu.Unlock()
}

// appendCandle grows the live buffer by one closed candle and rebuilds
// the pipeline over the whole buffer so every lookback sees full history.
func (rt *Runtime) appendCandle(ctx context.Context, candle ohlcv.Candle) (int, error) {
	rt.mu.Lock()
	rt.candles = append(rt.candles, candle)
	pipeline, err := indicators.New(rt.candles, indicators.Config{
		Enabled:     rt.agent.Indicators,
		Mode:        indicators.Mode(rt.agent.Mode),
		CustomRules: rt.rules,
	})
	if err != nil {
		rt.mu.Unlock()
		return 0, fmt.Errorf("failed to rebuild indicator pipeline: %w", err)
	}
	rt.pipeline = pipeline
	i := len(rt.candles) - 1
	rt.mu.Unlock()

	if err := rt.store.SetSessionTotalCandles(ctx, rt.sessionID, i+1); err != nil {
		return 0, err
	}
	return i, nil
}

// awaitNextCandle blocks until the next candle closes and the vendor
// publishes it. The false return means a stop was signaled mid-wait.
func (rt *Runtime) awaitNextCandle(ctx context.Context) (ohlcv.Candle, bool, error) {
	rt.mu.Lock()
	lastTS := rt.candles[len(rt.candles)-1].Timestamp
	rt.mu.Unlock()

	boundary := rt.timeframe.NextClose(lastTS)
	if now := time.Now().UTC(); boundary.After(now) {
		if stopped := rt.tickUntil(ctx, boundary); stopped {
			return ohlcv.Candle{}, false, nil
		}
	}

	for attempt := 0; attempt < closedCandlePolls; attempt++ {
		if rt.stopped.Load() {
			return ohlcv.Candle{}, false, nil
		}
		c, err := rt.gateway.LatestClosed(ctx, rt.session.Asset, rt.timeframe)
		if err != nil {
			rt.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Closed-candle poll failed")
		} else if c != nil && c.Timestamp.After(lastTS) {
			return *c, true, nil
		}
		time.Sleep(closedCandlePollDelay)
	}
	return ohlcv.Candle{}, false, fmt.Errorf("vendor did not publish a closed candle after %s", boundary.Format(time.RFC3339))
}

// tickUntil streams live price ticks and adaptive countdowns until the
// deadline. Returns true when a stop was signaled.
func (rt *Runtime) tickUntil(ctx context.Context, deadline time.Time) bool {
	ticker := time.NewTicker(priceTickInterval)
	defer ticker.Stop()

	var lastCountdown time.Time
	for {
		now := time.Now().UTC()
		if !now.Before(deadline) {
			return false
		}
		if rt.stopped.Load() {
			return true
		}

		remaining := deadline.Sub(now)
		interval := remaining / 2
		if interval > countdownMaxInterval {
			interval = countdownMaxInterval
		}
		if interval < priceTickInterval {
			interval = priceTickInterval
		}
		if now.Sub(lastCountdown) >= interval {
			rt.emit(stream.EventCountdownUpdate, map[string]interface{}{
				"next_candle_at":    deadline,
				"remaining_seconds": int(remaining.Seconds()),
			})
			lastCountdown = now
		}

		if q, err := rt.gateway.CurrentPrice(ctx, rt.session.Asset); err != nil {
			rt.log.Debug().Err(err).Msg("Price tick failed")
		} else if q != nil {
			rt.emit(stream.EventPriceUpdate, map[string]interface{}{"quote": *q})
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return true
		}
	}
}

// autoStopTriggered reports whether cumulative mark-to-market loss has
// crossed the configured threshold. Negative thresholds disable the guard.
func (rt *Runtime) autoStopTriggered() bool {
	threshold := rt.sc.AutoStopLossPct
	if threshold < 0 {
		return false
	}
	if threshold == 0 {
		threshold = rt.cfg.Engine.AutoStopLossPct
	}
	return rt.pnlPct() <= -threshold
}

// pnlPct is cumulative mark-to-market return in percent of starting capital.
func (rt *Runtime) pnlPct() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	capital := rt.manager.StartingCapital()
	if capital == 0 {
		return 0
	}
	return (rt.manager.EquityWithUnrealized() - capital) / capital * 100
}
