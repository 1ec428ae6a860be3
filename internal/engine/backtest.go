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

// initBacktest loads the full candle range eagerly and precomputes the
// indicator pipeline and decision schedule over it.
func (rt *Runtime) initBacktest(ctx context.Context) error {
	candles, err := rt.gateway.Historical(ctx, rt.session.Asset, rt.timeframe, rt.sc.StartDate, rt.sc.EndDate)
	if err != nil {
		return fmt.Errorf("failed to load historical candles: %w", err)
	}
	if len(candles) == 0 {
		return &ValidationError{Field: "date_range", Message: "no candles in the requested range"}
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

	start := pipeline.FirstReadyIndex(readinessThreshold)
	if start < 0 {
		return &ValidationError{
			Field:   "date_range",
			Message: "range too short for the configured indicators to warm up",
		}
	}

	rt.mu.Lock()
	rt.candles = candles
	rt.pipeline = pipeline
	rt.mu.Unlock()
	rt.decisionStart = start
	rt.callPoints = callPoints(start, len(candles), rt.sc)

	if err := rt.store.SetSessionTotalCandles(ctx, rt.sessionID, len(candles)); err != nil {
		return err
	}

	rt.emit(stream.EventIndicatorReadiness, map[string]interface{}{
		"ready_index":   start,
		"total_candles": len(candles),
		"max_lookback":  pipeline.MaxLookback(),
		"indicators":    pipeline.Enabled(),
	})
	return nil
}

// loopBacktest walks every loaded candle once. Scheduled call points and
// position-attention candles take the full decision path; the rest
// fast-forward through position maintenance only.
func (rt *Runtime) loopBacktest(ctx context.Context) error {
	rt.mu.Lock()
	total := len(rt.candles)
	rt.mu.Unlock()
	delay := playbackDelay(rt.sc.PlaybackSpeed)

	for i := 0; i < total; i++ {
		if err := rt.gate.Wait(ctx); err != nil {
			return err
		}
		if rt.stopped.Load() {
			rt.log.Info().Int("candle_index", i).Msg("Backtest stopped early")
			return nil
		}

		candle := rt.candleAt(i)
		rt.bumpReviewAge()

		full, reason := rt.isFullStep(i, candle)
		if full {
			if err := rt.fullStep(ctx, i, candle, reason); err != nil {
				return err
			}
			if delay > 0 {
				time.Sleep(delay)
			}
		} else {
			if err := rt.fastForward(ctx, i, candle); err != nil {
				return err
			}
		}

		rt.mu.Lock()
		rt.currentIndex = i + 1
		rt.mu.Unlock()
	}
	return nil
}

func (rt *Runtime) candleAt(i int) ohlcv.Candle {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.candles[i]
}

// bumpReviewAge advances the candles-since-last-review counter while a
// position is open and resets it when flat.
func (rt *Runtime) bumpReviewAge() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.manager.HasPosition() {
		rt.sinceReview++
	} else {
		rt.sinceReview = 0
	}
}

// isFullStep decides whether candle i gets an LLM call: either it is a
// scheduled call point past warm-up, or the open position demands
// attention regardless of the schedule.
func (rt *Runtime) isFullStep(i int, candle ohlcv.Candle) (bool, string) {
	if forced, reason := rt.positionAttention(candle); forced {
		return true, reason
	}
	if i >= rt.decisionStart && rt.callPoints[i] {
		return true, ""
	}
	return false, ""
}

// fullStep processes one candle with indicator values, position
// maintenance, pending fills and an LLM decision. A non-empty reason
// labels a forced position review.
func (rt *Runtime) fullStep(ctx context.Context, i int, candle ohlcv.Candle, reason string) error {
	rt.mu.Lock()
	vals, err := rt.pipeline.ValuesAt(i)
	rt.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to read indicators at candle %d: %w", i, err)
	}

	rt.emitCandle(i, candle, vals)

	if err := rt.applyCandle(ctx, i, candle); err != nil {
		return err
	}
	if err := rt.tryFillPending(ctx, i, candle); err != nil {
		return err
	}
	return rt.decisionStep(ctx, i, candle, vals, reason)
}

// applyCandle runs stop-loss/take-profit maintenance for one candle and
// records any close it triggers.
func (rt *Runtime) applyCandle(ctx context.Context, i int, candle ohlcv.Candle) error {
	rt.mu.Lock()
	trade := rt.manager.UpdateOnCandle(candle.High, candle.Low, candle.Close, candle.Timestamp)
	rt.mu.Unlock()
	if trade == nil {
		return nil
	}
	rt.log.Info().
		Int("candle_index", i).
		Str("reason", string(trade.Reason)).
		Float64("pnl", trade.PnL).
		Msg("Position closed by bracket")
	return rt.recordClosedTrade(ctx, i, trade)
}

// decisionStep runs the LLM decision for candle i and everything that
// hangs off it: journaling, execution, equity sampling and the batched
// runtime flush.
func (rt *Runtime) decisionStep(ctx context.Context, i int, candle ohlcv.Candle, vals map[string]*float64, reason string) error {
	decision := rt.decide(ctx, i, candle, vals, reason)

	entry := rt.journalDecision(i, candle, vals, decision)
	rt.emitDecision(i, entry, decision)

	if err := rt.executeDecision(ctx, i, candle, decision); err != nil {
		return err
	}

	rt.recordEquity(candle)
	rt.emitStats(i)

	rt.mu.Lock()
	rt.sinceReview = 0
	rt.ffSinceFlush = 0
	rt.mu.Unlock()

	return rt.flushRuntime(ctx)
}

// fastForward advances one candle without an LLM call: brackets and
// pending fills still apply, the candle is streamed without indicator
// values, and runtime state flushes on a fixed cadence.
func (rt *Runtime) fastForward(ctx context.Context, i int, candle ohlcv.Candle) error {
	if err := rt.applyCandle(ctx, i, candle); err != nil {
		return err
	}
	if err := rt.tryFillPending(ctx, i, candle); err != nil {
		return err
	}
	rt.recordEquity(candle)
	rt.emitCandle(i, candle, nil)

	rt.mu.Lock()
	rt.ffSinceFlush++
	flush := rt.ffSinceFlush >= fastForwardFlushEvery
	if flush {
		rt.ffSinceFlush = 0
	}
	rt.mu.Unlock()

	if flush {
		return rt.flushRuntime(ctx)
	}
	return nil
}

// tryFillPending fills a registered limit-style entry when the candle's
// range brackets its price. Orders never fill on the candle that
// registered them.
func (rt *Runtime) tryFillPending(ctx context.Context, i int, candle ohlcv.Candle) error {
	rt.mu.Lock()
	p := rt.pending
	if p == nil || p.CandleIndex >= i || rt.manager.HasPosition() || !candle.Brackets(p.EntryPrice) {
		rt.mu.Unlock()
		return nil
	}
	rt.pending = nil
	pos, err := rt.manager.Open(position.OpenParams{
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		SizePct:    p.SizePct,
		Leverage:   p.Leverage,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Time:       candle.Timestamp,
	})
	rt.mu.Unlock()
	if err != nil {
		rt.log.Warn().Err(err).Int("candle_index", i).Msg("Pending order rejected at fill")
		return nil
	}

	rt.log.Info().
		Int("candle_index", i).
		Str("side", string(p.Side)).
		Float64("entry_price", p.EntryPrice).
		Msg("Pending order filled")
	rt.emitPositionOpened(i, pos, "pending_fill")
	return nil
}

// emitPositionOpened streams a copy of the freshly opened position. The
// manager already counted the open in metrics.
func (rt *Runtime) emitPositionOpened(i int, pos *position.Position, trigger string) {
	cp := *pos
	rt.emit(stream.EventPositionOpened, map[string]interface{}{
		"candle_index": i,
		"position":     cp,
		"trigger":      trigger,
	})
}
