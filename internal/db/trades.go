package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Trade is a closed position. Rows are immutable once written.
type Trade struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	Side        string // long | short
	EntryPrice  float64
	ExitPrice   float64
	Size        float64
	Leverage    int
	EntryTime   time.Time
	ExitTime    time.Time
	PnL         float64
	PnLPct      float64
	CloseReason string // stop_loss | take_profit | ai_decision | manual | auto_stop
	CreatedAt   time.Time
}

// TradeStats is the gross aggregate over a session's trades, used to
// rebuild terminal stats when the in-memory runtime is gone.
type TradeStats struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
}

const tradeColumns = `
	id, session_id, side, entry_price, exit_price, size, leverage,
	entry_time, exit_time, pnl, pnl_pct, close_reason, created_at`

// InsertTrade persists a closed position.
func (db *DB) InsertTrade(ctx context.Context, t *Trade) error {
	defer track("insert_trade")()

	query := `
		INSERT INTO trades (
			id, session_id, side, entry_price, exit_price, size, leverage,
			entry_time, exit_time, pnl, pnl_pct, close_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx, query,
		t.ID, t.SessionID, t.Side, t.EntryPrice, t.ExitPrice, t.Size, t.Leverage,
		t.EntryTime, t.ExitTime, t.PnL, t.PnLPct, t.CloseReason, t.CreatedAt,
	)
	if err != nil {
		log.Error().Err(err).Str("session_id", t.SessionID.String()).Msg("Failed to insert trade")
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	log.Info().
		Str("trade_id", t.ID.String()).
		Str("session_id", t.SessionID.String()).
		Str("side", t.Side).
		Float64("pnl", t.PnL).
		Str("close_reason", t.CloseReason).
		Msg("Trade recorded")

	return nil
}

// ListTradesBySession returns a session's trades in exit order.
func (db *DB) ListTradesBySession(ctx context.Context, sessionID uuid.UUID) ([]*Trade, error) {
	defer track("list_trades")()

	query := `SELECT` + tradeColumns + `
		FROM trades
		WHERE session_id = $1
		ORDER BY exit_time ASC`

	rows, err := db.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var t Trade
		err := rows.Scan(
			&t.ID, &t.SessionID, &t.Side, &t.EntryPrice, &t.ExitPrice, &t.Size, &t.Leverage,
			&t.EntryTime, &t.ExitTime, &t.PnL, &t.PnLPct, &t.CloseReason, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// AggregateTradeStats computes the gross trade aggregate for a session.
func (db *DB) AggregateTradeStats(ctx context.Context, sessionID uuid.UUID) (*TradeStats, error) {
	defer track("aggregate_trade_stats")()

	query := `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN pnl > 0 THEN 1 END),
			COUNT(CASE WHEN pnl < 0 THEN 1 END),
			COALESCE(SUM(pnl), 0)
		FROM trades
		WHERE session_id = $1
	`

	var s TradeStats
	err := db.pool.QueryRow(ctx, query, sessionID).Scan(
		&s.TotalTrades, &s.WinningTrades, &s.LosingTrades, &s.TotalPnL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate trades: %w", err)
	}
	return &s, nil
}
