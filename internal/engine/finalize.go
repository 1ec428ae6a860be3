package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/stream"
)

// finalize persists the terminal aggregate, moves the session to its
// terminal status and announces completion. Forced stops land on
// stopped; natural ends and auto-stops land on completed.
func (rt *Runtime) finalize(ctx context.Context, forced, autoStop bool) (uuid.UUID, error) {
	if err := rt.flushRuntime(ctx); err != nil {
		return uuid.Nil, err
	}

	rt.mu.Lock()
	stats := ComputeTradeStatistics(rt.manager)
	dd := rt.maxDrawdownPct
	curve := make([]EquitySample, len(rt.equityCurve))
	copy(curve, rt.equityCurve)
	rt.mu.Unlock()

	curveJSON, err := json.Marshal(curve)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode equity curve: %w", err)
	}

	result := &db.TestResult{
		ID:             uuid.New(),
		SessionID:      rt.sessionID,
		FinalEquity:    stats.CurrentEquity,
		TotalPnL:       stats.RealizedPnL,
		TotalPnLPct:    stats.TotalPnLPct,
		TotalTrades:    stats.TotalTrades,
		WinningTrades:  stats.WinningTrades,
		LosingTrades:   stats.LosingTrades,
		WinRate:        stats.WinRate,
		MaxDrawdownPct: round2(dd),
		EquityCurve:    curveJSON,
		ForcedStop:     forced,
		AutoStop:       autoStop,
	}
	if err := rt.store.CreateResult(ctx, result); err != nil {
		return uuid.Nil, err
	}

	status := db.SessionCompleted
	if forced {
		status = db.SessionStopped
	}
	if err := rt.store.UpdateSessionStatus(ctx, rt.sessionID, status); err != nil {
		return uuid.Nil, err
	}

	rt.emit(stream.EventSessionCompleted, map[string]interface{}{
		"result_id":        result.ID.String(),
		"status":           string(status),
		"final_equity":     result.FinalEquity,
		"total_pnl":        result.TotalPnL,
		"total_pnl_pct":    result.TotalPnLPct,
		"total_trades":     result.TotalTrades,
		"win_rate":         result.WinRate,
		"max_drawdown_pct": result.MaxDrawdownPct,
		"forced_stop":      forced,
		"auto_stop":        autoStop,
	})
	rt.alerts.SessionCompleted(rt.session, rt.agent, stats)

	rt.log.Info().
		Str("result_id", result.ID.String()).
		Str("status", string(status)).
		Float64("final_equity", result.FinalEquity).
		Float64("total_pnl_pct", result.TotalPnLPct).
		Int("total_trades", result.TotalTrades).
		Msg("Session finalized")

	rt.embedJournal()
	return result.ID, nil
}

// embedJournal computes decision embeddings in the background once the
// session is over. Best-effort enrichment: a gateway failure abandons
// the rest of the batch, stored entries keep whatever landed.
func (rt *Runtime) embedJournal() {
	model := rt.cfg.LLM.EmbeddingModel
	if rt.embedder == nil || model == "" {
		return
	}

	rt.mu.Lock()
	entries := make([]*db.AiThought, len(rt.journal))
	copy(entries, rt.journal)
	rt.mu.Unlock()
	if len(entries) == 0 {
		return
	}

	go func() {
		embedded := 0
		for _, entry := range entries {
			if entry.Reasoning == "" {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			vec, err := rt.embedder.Embed(ctx, model, entry.Reasoning)
			if err != nil {
				cancel()
				rt.log.Debug().Err(err).Int("embedded", embedded).Msg("Embedding batch abandoned")
				return
			}
			if err := rt.store.SetThoughtEmbedding(ctx, entry.ID, vec); err != nil {
				rt.log.Debug().Err(err).Msg("Failed to store embedding")
			} else {
				embedded++
			}
			cancel()
		}
		rt.log.Info().Int("embedded", embedded).Int("journal", len(entries)).Msg("Decision embeddings stored")
	}()
}

// stopFromStore finalizes a session with no live runtime: either it is
// already terminal (return the existing result) or the process restarted
// mid-run and the terminal aggregate is rebuilt from persisted trades.
// The rebuilt result has no equity curve.
func (e *Engine) stopFromStore(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return uuid.Nil, err
	}

	switch session.Status {
	case db.SessionCompleted, db.SessionStopped:
		result, err := e.store.GetResultBySession(ctx, sessionID)
		if err != nil {
			return uuid.Nil, err
		}
		return result.ID, nil
	case db.SessionFailed:
		return uuid.Nil, &ValidationError{Field: "status", Message: "session already failed, no result to produce"}
	}

	stats, err := e.store.AggregateTradeStats(ctx, sessionID)
	if err != nil {
		return uuid.Nil, err
	}

	equity := session.Equity
	if equity == 0 {
		equity = session.StartingCapital
	}
	var pnlPct, winRate float64
	if session.StartingCapital > 0 {
		pnlPct = round2((equity - session.StartingCapital) / session.StartingCapital * 100)
	}
	if stats.TotalTrades > 0 {
		winRate = round2(float64(stats.WinningTrades) / float64(stats.TotalTrades) * 100)
	}

	result := &db.TestResult{
		ID:             uuid.New(),
		SessionID:      sessionID,
		FinalEquity:    equity,
		TotalPnL:       equity - session.StartingCapital,
		TotalPnLPct:    pnlPct,
		TotalTrades:    stats.TotalTrades,
		WinningTrades:  stats.WinningTrades,
		LosingTrades:   stats.LosingTrades,
		WinRate:        winRate,
		MaxDrawdownPct: session.MaxDrawdownPct,
		ForcedStop:     true,
	}
	if err := e.store.CreateResult(ctx, result); err != nil {
		return uuid.Nil, err
	}
	if err := e.store.UpdateSessionStatus(ctx, sessionID, db.SessionCompleted); err != nil {
		return uuid.Nil, err
	}

	e.hub.Publish(sessionID.String(), stream.NewEvent(stream.EventSessionCompleted, map[string]interface{}{
		"result_id":     result.ID.String(),
		"status":        string(db.SessionCompleted),
		"final_equity":  result.FinalEquity,
		"total_pnl":     result.TotalPnL,
		"total_pnl_pct": result.TotalPnLPct,
		"total_trades":  result.TotalTrades,
		"win_rate":      result.WinRate,
		"forced_stop":   true,
	}))

	e.log.Info().
		Str("session_id", sessionID.String()).
		Str("result_id", result.ID.String()).
		Msg("Dead session finalized from persistence")
	return result.ID, nil
}
