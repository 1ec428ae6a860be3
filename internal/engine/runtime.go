package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfold/agentsim/internal/config"
	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/indicators"
	"github.com/quantfold/agentsim/internal/llm"
	"github.com/quantfold/agentsim/internal/market"
	"github.com/quantfold/agentsim/internal/metrics"
	"github.com/quantfold/agentsim/internal/position"
	"github.com/quantfold/agentsim/internal/stream"
	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// gate is the pause rendezvous: cleared blocks waiters, set admits them.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

// newGate creates a gate in the set state.
func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

// Set admits all current and future waiters.
func (g *gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

// Clear blocks future waiters until the next Set.
func (g *gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

// Wait blocks until the gate is set or ctx ends.
func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingOrder is a decision with an entry price waiting for a candle
// whose [low, high] range brackets it.
type PendingOrder struct {
	Side        position.Side `json:"side"`
	EntryPrice  float64       `json:"entry_price"`
	SizePct     float64       `json:"size_pct"`
	Leverage    int           `json:"leverage"`
	StopLoss    float64       `json:"stop_loss,omitempty"`
	TakeProfit  float64       `json:"take_profit,omitempty"`
	CandleIndex int           `json:"candle_index"`
	CreatedAt   time.Time     `json:"created_at"`
}

// EquitySample is one point of the session equity curve.
type EquitySample struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// Runtime is the in-memory state of one active session. The driver
// goroutine owns it; the exported methods are the only cross-task surface
// and take the runtime mutex themselves. Heavyweight waits (LLM calls,
// vendor fetches, playback sleeps) always happen outside the mutex.
type Runtime struct {
	sessionID uuid.UUID
	session   *db.Session
	agent     *db.Agent
	sc        SessionConfig
	timeframe ohlcv.Timeframe

	cfg      *config.Config
	store    Store
	gateway  market.Gateway
	hub      *stream.Hub
	alerts   *AlertPublisher
	deciders deciderFactory

	manager  *position.Manager
	decider  llm.Decider
	embedder *llm.Client
	rules    []indicators.CustomRule

	mu             sync.Mutex
	candles        []ohlcv.Candle
	pipeline       *indicators.Pipeline
	currentIndex   int
	pending        *PendingOrder
	journal        []*db.AiThought
	journalFlushed int
	equityCurve    []EquitySample
	peakEquity     float64
	maxDrawdownPct float64
	sinceReview    int

	callPoints    map[int]bool
	decisionStart int
	ffSinceFlush  int

	paused      atomic.Bool
	stopped     atomic.Bool
	closeOnStop atomic.Bool
	gate        *gate

	done     chan struct{}
	resultID uuid.UUID
	runErr   error

	log zerolog.Logger
}

func newRuntime(e *Engine, session *db.Session) *Runtime {
	return &Runtime{
		sessionID: session.ID,
		session:   session,
		cfg:       e.cfg,
		store:     e.store,
		gateway:   e.gateway,
		hub:       e.hub,
		alerts:    e.alerts,
		deciders:  e.deciders,
		gate:      newGate(),
		done:      make(chan struct{}),
		log: e.log.With().
			Str("session_id", session.ID.String()).
			Str("session_type", string(session.Type)).
			Logger(),
	}
}

// run drives the session from initialization to a terminal state and
// returns the state label for metrics.
func (rt *Runtime) run(ctx context.Context) string {
	if err := rt.initialize(ctx); err != nil {
		rt.fail(ctx, fmt.Errorf("initialization failed: %w", err))
		return string(db.SessionFailed)
	}

	var autoStopped bool
	var err error
	if rt.session.Type == db.SessionForward {
		autoStopped, err = rt.loopForward(ctx)
	} else {
		err = rt.loopBacktest(ctx)
	}
	if err != nil {
		rt.fail(ctx, err)
		return string(db.SessionFailed)
	}

	forced := rt.stopped.Load() && !autoStopped
	if forced && rt.closeOnStop.Load() {
		if c, ok := rt.lastProcessedCandle(); ok {
			if err := rt.closeOpenPosition(ctx, rt.CurrentIndex()-1, c.Close, c.Timestamp, position.CloseManual); err != nil {
				rt.fail(ctx, err)
				return string(db.SessionFailed)
			}
		}
	}

	resultID, err := rt.finalize(ctx, forced, autoStopped)
	if err != nil {
		rt.fail(ctx, fmt.Errorf("finalization failed: %w", err))
		return string(db.SessionFailed)
	}
	rt.resultID = resultID

	if forced {
		return string(db.SessionStopped)
	}
	return string(db.SessionCompleted)
}

// initialize loads everything the loop needs and transitions the session
// to running. The agent row is reloaded here rather than trusted from the
// caller; it may have changed since the session was configured.
func (rt *Runtime) initialize(ctx context.Context) error {
	if err := rt.store.UpdateSessionStatus(ctx, rt.sessionID, db.SessionInitializing); err != nil {
		return err
	}

	agent, err := rt.store.GetAgent(ctx, rt.session.AgentID)
	if err != nil {
		return err
	}
	rt.agent = agent

	sc, err := ParseSessionConfig(rt.session.Config)
	if err != nil {
		return err
	}
	if sc.AutoStopLossPct == 0 {
		sc.AutoStopLossPct = rt.cfg.Engine.AutoStopLossPct
	}
	rt.sc = sc

	if err := rt.validateSession(); err != nil {
		return err
	}

	if rt.session.Type == db.SessionForward {
		err = rt.initForward(ctx)
	} else {
		err = rt.initBacktest(ctx)
	}
	if err != nil {
		return err
	}

	rt.manager = position.NewManager(rt.session.StartingCapital, sc.SafetyMode, rt.log)
	rt.peakEquity = rt.session.StartingCapital

	decider, embedder, err := rt.deciders(ctx, rt)
	if err != nil {
		return err
	}
	rt.decider = decider
	rt.embedder = embedder

	if err := rt.store.UpdateSessionStatus(ctx, rt.sessionID, db.SessionRunning); err != nil {
		return err
	}

	rt.mu.Lock()
	total := len(rt.candles)
	rt.mu.Unlock()
	rt.emit(stream.EventSessionInitialized, map[string]interface{}{
		"session_id":       rt.sessionID.String(),
		"session_type":     string(rt.session.Type),
		"asset":            rt.session.Asset,
		"timeframe":        string(rt.timeframe),
		"starting_capital": rt.session.StartingCapital,
		"total_candles":    total,
		"decision_start":   rt.decisionStart,
		"indicators":       rt.enabledIndicators(),
	})

	rt.log.Info().
		Int("total_candles", total).
		Int("decision_start", rt.decisionStart).
		Str("mode", rt.agent.Mode).
		Bool("council", rt.agent.CouncilEnabled).
		Msg("Session initialized")

	return nil
}

// validateSession checks the request shape shared by both drivers.
func (rt *Runtime) validateSession() error {
	if rt.session.Asset == "" {
		return &ValidationError{Field: "asset", Message: "asset is required"}
	}

	tf, err := ohlcv.ParseTimeframe(rt.session.Timeframe)
	if err != nil {
		return &ValidationError{Field: "timeframe", Message: err.Error()}
	}
	rt.timeframe = tf

	capital := rt.session.StartingCapital
	if math.IsNaN(capital) || math.IsInf(capital, 0) {
		return &ValidationError{Field: "starting_capital", Message: "must be finite"}
	}
	if capital < 100 {
		return &ValidationError{Field: "starting_capital", Message: "must be at least 100"}
	}

	if rt.session.Type == db.SessionBacktest {
		if rt.sc.StartDate.IsZero() || rt.sc.EndDate.IsZero() {
			return &ValidationError{Field: "date_range", Message: "start_date and end_date are required"}
		}
		if !rt.sc.StartDate.Before(rt.sc.EndDate) {
			return &ValidationError{Field: "date_range", Message: "start_date must precede end_date"}
		}
		if rt.sc.StartDate.After(time.Now().UTC()) {
			return &ValidationError{Field: "date_range", Message: "start_date is in the future"}
		}
	}

	return nil
}

func (rt *Runtime) enabledIndicators() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pipeline == nil {
		return nil
	}
	return rt.pipeline.Enabled()
}

// Pause suspends the loop at its next iteration. Legal only while running.
func (rt *Runtime) Pause(ctx context.Context) error {
	if rt.stopped.Load() {
		return &ValidationError{Field: "session", Message: "session is stopping"}
	}
	if !rt.paused.CompareAndSwap(false, true) {
		return &ValidationError{Field: "session", Message: "session is already paused"}
	}
	rt.gate.Clear()

	if err := rt.store.UpdateSessionStatus(ctx, rt.sessionID, db.SessionPaused); err != nil {
		return err
	}
	rt.emit(stream.EventSessionPaused, map[string]interface{}{
		"current_index": rt.CurrentIndex(),
	})
	rt.log.Info().Int("current_index", rt.CurrentIndex()).Msg("Session paused")
	return nil
}

// Resume releases a paused loop.
func (rt *Runtime) Resume(ctx context.Context) error {
	if rt.stopped.Load() {
		return &ValidationError{Field: "session", Message: "session is stopping"}
	}
	if !rt.paused.CompareAndSwap(true, false) {
		return &ValidationError{Field: "session", Message: "session is not paused"}
	}
	rt.gate.Set()

	if err := rt.store.UpdateSessionStatus(ctx, rt.sessionID, db.SessionRunning); err != nil {
		return err
	}
	rt.emit(stream.EventSessionResumed, map[string]interface{}{
		"current_index": rt.CurrentIndex(),
	})
	rt.log.Info().Int("current_index", rt.CurrentIndex()).Msg("Session resumed")
	return nil
}

// signalStop flags the loop to exit. The gate is set so a paused loop can
// observe the stop; any in-flight decision call finishes first.
func (rt *Runtime) signalStop(closePosition bool) {
	rt.closeOnStop.Store(closePosition)
	rt.stopped.Store(true)
	rt.gate.Set()
}

// Stop signals termination and waits for the runtime to finalize,
// bounded by ctx. Returns the id of the Result the stop produced.
func (rt *Runtime) Stop(ctx context.Context, closePosition bool) (uuid.UUID, error) {
	rt.signalStop(closePosition)
	rt.log.Info().Bool("close_position", closePosition).Msg("Stop signaled")

	select {
	case <-rt.done:
		if rt.runErr != nil {
			return uuid.Nil, rt.runErr
		}
		return rt.resultID, nil
	case <-ctx.Done():
		return uuid.Nil, fmt.Errorf("stop signaled, finalization still running: %w", ctx.Err())
	}
}

// CurrentIndex reports how many candles the loop has processed.
func (rt *Runtime) CurrentIndex() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.currentIndex
}

// RuntimeSnapshot is a point-in-time view of live progress.
type RuntimeSnapshot struct {
	SessionID      uuid.UUID          `json:"session_id"`
	CurrentIndex   int                `json:"current_index"`
	TotalCandles   int                `json:"total_candles"`
	Equity         float64            `json:"equity"`
	RealizedPnL    float64            `json:"realized_pnl"`
	UnrealizedPnL  float64            `json:"unrealized_pnl"`
	TotalTrades    int                `json:"total_trades"`
	WinningTrades  int                `json:"winning_trades"`
	LosingTrades   int                `json:"losing_trades"`
	MaxDrawdownPct float64            `json:"max_drawdown_pct"`
	Paused         bool               `json:"paused"`
	Position       *position.Position `json:"position,omitempty"`
	PendingOrder   *PendingOrder      `json:"pending_order,omitempty"`
}

// Snapshot copies the live progress counters for the control surface.
func (rt *Runtime) Snapshot() RuntimeSnapshot {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	snap := RuntimeSnapshot{
		SessionID:      rt.sessionID,
		CurrentIndex:   rt.currentIndex,
		TotalCandles:   len(rt.candles),
		Paused:         rt.paused.Load(),
		MaxDrawdownPct: rt.maxDrawdownPct,
	}
	if rt.manager != nil {
		snap.Equity = rt.manager.Equity()
		snap.RealizedPnL = rt.manager.Equity() - rt.manager.StartingCapital()
		snap.UnrealizedPnL = rt.manager.EquityWithUnrealized() - rt.manager.Equity()
		trades := rt.manager.Trades()
		snap.TotalTrades = len(trades)
		snap.WinningTrades, snap.LosingTrades = tradeCounts(trades)
		if p := rt.manager.Position(); p != nil {
			cp := *p
			snap.Position = &cp
		}
	}
	if rt.pending != nil {
		cp := *rt.pending
		snap.PendingOrder = &cp
	}
	return snap
}

// emit publishes one event on the session's bus channel.
func (rt *Runtime) emit(eventType string, data interface{}) {
	rt.hub.Publish(rt.sessionID.String(), stream.NewEvent(eventType, data))
}

func (rt *Runtime) emitCandle(i int, candle ohlcv.Candle, vals map[string]*float64) {
	rt.mu.Lock()
	total := len(rt.candles)
	rt.mu.Unlock()

	data := map[string]interface{}{
		"index":  i,
		"total":  total,
		"candle": candle,
	}
	if vals != nil {
		data["indicators"] = vals
	}
	rt.emit(stream.EventCandle, data)
}

func (rt *Runtime) emitStats(i int) {
	rt.mu.Lock()
	stats := ComputeTradeStatistics(rt.manager)
	dd := rt.maxDrawdownPct
	rt.mu.Unlock()

	rt.emit(stream.EventStatsUpdate, map[string]interface{}{
		"current_index":    i,
		"equity":           stats.CurrentEquity,
		"realized_pnl":     stats.RealizedPnL,
		"total_pnl_pct":    stats.TotalPnLPct,
		"total_trades":     stats.TotalTrades,
		"winning_trades":   stats.WinningTrades,
		"losing_trades":    stats.LosingTrades,
		"win_rate":         stats.WinRate,
		"profit_factor":    stats.ProfitFactor,
		"max_drawdown_pct": dd,
	})
}

// recordEquity samples the equity curve and tracks peak and drawdown
// from mark-to-market equity.
func (rt *Runtime) recordEquity(candle ohlcv.Candle) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	eq := rt.manager.EquityWithUnrealized()
	rt.equityCurve = append(rt.equityCurve, EquitySample{Timestamp: candle.Timestamp, Equity: eq})
	if eq > rt.peakEquity {
		rt.peakEquity = eq
	}
	if rt.peakEquity > 0 {
		dd := (rt.peakEquity - eq) / rt.peakEquity * 100
		if dd > rt.maxDrawdownPct {
			rt.maxDrawdownPct = dd
		}
	}
}

// flushRuntime persists batched runtime progress and any journal entries
// not yet written.
func (rt *Runtime) flushRuntime(ctx context.Context) error {
	rt.mu.Lock()
	trades := rt.manager.Trades()
	wins, losses := tradeCounts(trades)
	var pendingJSON []byte
	if rt.pending != nil {
		pendingJSON, _ = json.Marshal(rt.pending)
	}
	stats := db.SessionRuntimeStats{
		CurrentIndex:    rt.currentIndex,
		Equity:          rt.manager.Equity(),
		RealizedPnL:     rt.manager.Equity() - rt.manager.StartingCapital(),
		TotalTrades:     len(trades),
		WinningTrades:   wins,
		LosingTrades:    losses,
		MaxDrawdownPct:  rt.maxDrawdownPct,
		PendingPosition: pendingJSON,
	}
	unwritten := make([]*db.AiThought, len(rt.journal)-rt.journalFlushed)
	copy(unwritten, rt.journal[rt.journalFlushed:])
	rt.mu.Unlock()

	if err := rt.store.UpdateSessionRuntime(ctx, rt.sessionID, stats); err != nil {
		return fmt.Errorf("failed to flush runtime stats: %w", err)
	}

	if len(unwritten) > 0 {
		if err := rt.store.InsertAiThoughts(ctx, unwritten); err != nil {
			return fmt.Errorf("failed to persist decision journal: %w", err)
		}
		rt.mu.Lock()
		rt.journalFlushed += len(unwritten)
		rt.mu.Unlock()
	}
	return nil
}

// lastProcessedCandle returns the most recent candle the loop completed.
func (rt *Runtime) lastProcessedCandle() (ohlcv.Candle, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.currentIndex == 0 || len(rt.candles) == 0 {
		return ohlcv.Candle{}, false
	}
	i := rt.currentIndex - 1
	if i >= len(rt.candles) {
		i = len(rt.candles) - 1
	}
	return rt.candles[i], true
}

// closeOpenPosition force-closes any open position at the given price.
func (rt *Runtime) closeOpenPosition(ctx context.Context, i int, price float64, ts time.Time, reason position.CloseReason) error {
	rt.mu.Lock()
	if !rt.manager.HasPosition() {
		rt.mu.Unlock()
		return nil
	}
	trade, err := rt.manager.Close(price, ts, reason)
	rt.mu.Unlock()
	if err != nil {
		return nil
	}
	return rt.recordClosedTrade(ctx, i, trade)
}

// recordClosedTrade persists a closed position and announces it.
func (rt *Runtime) recordClosedTrade(ctx context.Context, i int, t *position.Trade) error {
	row := &db.Trade{
		SessionID:   rt.sessionID,
		Side:        string(t.Side),
		EntryPrice:  t.EntryPrice,
		ExitPrice:   t.ExitPrice,
		Size:        t.Size,
		Leverage:    t.Leverage,
		EntryTime:   t.EntryTime,
		ExitTime:    t.ExitTime,
		PnL:         t.PnL,
		PnLPct:      t.PnLPct,
		CloseReason: string(t.Reason),
	}
	if err := rt.store.InsertTrade(ctx, row); err != nil {
		return fmt.Errorf("failed to persist trade: %w", err)
	}

	metrics.RecordTradeClosed(string(t.Reason))
	rt.emit(stream.EventPositionClosed, map[string]interface{}{
		"candle_index": i,
		"trade":        *t,
	})
	rt.alerts.TradeClosed(rt.session, rt.agent, t)
	return nil
}

// fail transitions the session to failed and reports the error on the bus.
func (rt *Runtime) fail(ctx context.Context, err error) {
	rt.runErr = err
	rt.log.Error().Err(err).Msg("Session failed")
	metrics.RecordError("session_failure", "engine")

	if dbErr := rt.store.MarkSessionFailed(ctx, rt.sessionID, err.Error()); dbErr != nil {
		rt.log.Error().Err(dbErr).Msg("Failed to record session failure")
	}
	rt.emit(stream.EventError, map[string]interface{}{
		"message": err.Error(),
	})
	rt.alerts.SessionFailed(rt.session, rt.agent, err)
}

// tradeCounts splits a trade log into winners and losers.
func tradeCounts(trades []position.Trade) (wins, losses int) {
	for _, t := range trades {
		switch {
		case t.PnL > 0:
			wins++
		case t.PnL < 0:
			losses++
		}
	}
	return wins, losses
}
