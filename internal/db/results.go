package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TestResult is the terminal aggregate for a finished session. EquityCurve
// is a JSONB array of {timestamp, equity} samples; it is null when the
// result was rebuilt from trades only (stop of a dead runtime).
type TestResult struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	FinalEquity    float64
	TotalPnL       float64
	TotalPnLPct    float64
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	WinRate        float64
	MaxDrawdownPct float64
	EquityCurve    []byte
	ForcedStop     bool
	AutoStop       bool
	CreatedAt      time.Time
}

const resultColumns = `
	id, session_id, final_equity, total_pnl, total_pnl_pct, total_trades,
	winning_trades, losing_trades, win_rate, max_drawdown_pct,
	equity_curve, forced_stop, auto_stop, created_at`

// CreateResult writes the terminal aggregate for a session.
func (db *DB) CreateResult(ctx context.Context, r *TestResult) error {
	defer track("create_result")()

	query := `
		INSERT INTO results (
			id, session_id, final_equity, total_pnl, total_pnl_pct, total_trades,
			winning_trades, losing_trades, win_rate, max_drawdown_pct,
			equity_curve, forced_stop, auto_stop, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx, query,
		r.ID, r.SessionID, r.FinalEquity, r.TotalPnL, r.TotalPnLPct, r.TotalTrades,
		r.WinningTrades, r.LosingTrades, r.WinRate, r.MaxDrawdownPct,
		r.EquityCurve, r.ForcedStop, r.AutoStop, r.CreatedAt,
	)
	if err != nil {
		log.Error().Err(err).Str("session_id", r.SessionID.String()).Msg("Failed to write result")
		return fmt.Errorf("failed to create result: %w", err)
	}

	log.Info().
		Str("result_id", r.ID.String()).
		Str("session_id", r.SessionID.String()).
		Float64("final_equity", r.FinalEquity).
		Float64("total_pnl_pct", r.TotalPnLPct).
		Int("total_trades", r.TotalTrades).
		Msg("Result written")

	return nil
}

// GetResult retrieves a result by id.
func (db *DB) GetResult(ctx context.Context, id uuid.UUID) (*TestResult, error) {
	defer track("get_result")()

	query := `SELECT` + resultColumns + ` FROM results WHERE id = $1`

	var r TestResult
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.SessionID, &r.FinalEquity, &r.TotalPnL, &r.TotalPnLPct, &r.TotalTrades,
		&r.WinningTrades, &r.LosingTrades, &r.WinRate, &r.MaxDrawdownPct,
		&r.EquityCurve, &r.ForcedStop, &r.AutoStop, &r.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "result", id.String())
	}
	return &r, nil
}

// GetResultBySession retrieves the result for a session if one exists.
// Stop is idempotent on terminal sessions because this lookup returns
// the pre-existing row.
func (db *DB) GetResultBySession(ctx context.Context, sessionID uuid.UUID) (*TestResult, error) {
	defer track("get_result_by_session")()

	query := `SELECT` + resultColumns + ` FROM results WHERE session_id = $1`

	var r TestResult
	err := db.pool.QueryRow(ctx, query, sessionID).Scan(
		&r.ID, &r.SessionID, &r.FinalEquity, &r.TotalPnL, &r.TotalPnLPct, &r.TotalTrades,
		&r.WinningTrades, &r.LosingTrades, &r.WinRate, &r.MaxDrawdownPct,
		&r.EquityCurve, &r.ForcedStop, &r.AutoStop, &r.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "result", sessionID.String())
	}
	return &r, nil
}
