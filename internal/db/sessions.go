package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SessionStatus is a simulation session lifecycle state.
type SessionStatus string

const (
	SessionConfiguring  SessionStatus = "configuring"
	SessionInitializing SessionStatus = "initializing"
	SessionRunning      SessionStatus = "running"
	SessionPaused       SessionStatus = "paused"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
	SessionStopped      SessionStatus = "stopped"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionStopped
}

// SessionType distinguishes backtest from forward sessions.
type SessionType string

const (
	SessionBacktest SessionType = "backtest"
	SessionForward  SessionType = "forward"
)

// Session is a persisted simulation session row. Config carries the full
// session request as JSON; PendingPosition snapshots an unfilled entry
// order between runtime-stat flushes.
type Session struct {
	ID              uuid.UUID
	AgentID         uuid.UUID
	UserID          *uuid.UUID
	Status          SessionStatus
	Type            SessionType
	Asset           string
	Timeframe       string
	StartingCapital float64
	Config          []byte
	CurrentIndex    int
	TotalCandles    int
	Equity          float64
	RealizedPnL     float64
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	MaxDrawdownPct  float64
	PendingPosition []byte
	ErrorMessage    *string
	StartedAt       *time.Time
	PausedAt        *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SessionRuntimeStats is the batched runtime-progress flush written by the
// engine during the main loop.
type SessionRuntimeStats struct {
	CurrentIndex    int
	Equity          float64
	RealizedPnL     float64
	TotalTrades     int
	WinningTrades   int
	LosingTrades    int
	MaxDrawdownPct  float64
	PendingPosition []byte
}

const sessionColumns = `
	id, agent_id, user_id, status, session_type, asset, timeframe,
	starting_capital, config, current_index, total_candles, equity,
	realized_pnl, total_trades, winning_trades, losing_trades,
	max_drawdown_pct, pending_position, error_message,
	started_at, paused_at, completed_at, created_at, updated_at`

// CreateSession inserts a new session row in status configuring.
func (db *DB) CreateSession(ctx context.Context, s *Session) error {
	defer track("create_session")()

	query := `
		INSERT INTO sessions (
			id, agent_id, user_id, status, session_type, asset, timeframe,
			starting_capital, config, equity, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	now := time.Now().UTC()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = SessionConfiguring
	}
	s.Equity = s.StartingCapital
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := db.pool.Exec(ctx, query,
		s.ID,
		s.AgentID,
		s.UserID,
		s.Status,
		s.Type,
		s.Asset,
		s.Timeframe,
		s.StartingCapital,
		s.Config,
		s.Equity,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		log.Error().Err(err).Str("session_id", s.ID.String()).Msg("Failed to create session")
		return fmt.Errorf("failed to create session: %w", err)
	}

	log.Info().
		Str("session_id", s.ID.String()).
		Str("type", string(s.Type)).
		Str("asset", s.Asset).
		Str("timeframe", s.Timeframe).
		Msg("Session created")

	return nil
}

// GetSession retrieves a session by id.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	defer track("get_session")()

	query := `SELECT` + sessionColumns + ` FROM sessions WHERE id = $1`

	var s Session
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.AgentID, &s.UserID, &s.Status, &s.Type, &s.Asset, &s.Timeframe,
		&s.StartingCapital, &s.Config, &s.CurrentIndex, &s.TotalCandles, &s.Equity,
		&s.RealizedPnL, &s.TotalTrades, &s.WinningTrades, &s.LosingTrades,
		&s.MaxDrawdownPct, &s.PendingPosition, &s.ErrorMessage,
		&s.StartedAt, &s.PausedAt, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "session", id.String())
	}
	return &s, nil
}

// ListSessionsByUser returns a user's sessions newest first.
func (db *DB) ListSessionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Session, error) {
	defer track("list_sessions")()

	query := `SELECT` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := db.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ListSessionsByAgent returns an agent's sessions newest first.
func (db *DB) ListSessionsByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*Session, error) {
	defer track("list_sessions")()

	query := `SELECT` + sessionColumns + `
		FROM sessions
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := db.pool.Query(ctx, query, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// UpdateSessionStatus transitions a session's lifecycle state and stamps
// the matching timestamp column.
func (db *DB) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status SessionStatus) error {
	defer track("update_session_status")()

	query := `
		UPDATE sessions
		SET status = $1,
		    started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    paused_at = CASE WHEN $1 = 'paused' THEN NOW() ELSE paused_at END,
		    completed_at = CASE WHEN $1 IN ('completed', 'failed', 'stopped') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $2
	`

	result, err := db.pool.Exec(ctx, query, status, id)
	if err != nil {
		log.Error().Err(err).Str("session_id", id.String()).Msg("Failed to update session status")
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &NotFoundError{Entity: "session", ID: id.String()}
	}

	log.Info().
		Str("session_id", id.String()).
		Str("status", string(status)).
		Msg("Session status updated")

	return nil
}

// MarkSessionFailed transitions to failed and records the error message.
func (db *DB) MarkSessionFailed(ctx context.Context, id uuid.UUID, message string) error {
	defer track("mark_session_failed")()

	query := `
		UPDATE sessions
		SET status = 'failed',
		    error_message = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $2
	`

	result, err := db.pool.Exec(ctx, query, message, id)
	if err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &NotFoundError{Entity: "session", ID: id.String()}
	}

	log.Warn().
		Str("session_id", id.String()).
		Str("error", message).
		Msg("Session marked failed")

	return nil
}

// UpdateSessionRuntime flushes batched runtime progress.
func (db *DB) UpdateSessionRuntime(ctx context.Context, id uuid.UUID, stats SessionRuntimeStats) error {
	defer track("update_session_runtime")()

	query := `
		UPDATE sessions
		SET current_index = $1,
		    equity = $2,
		    realized_pnl = $3,
		    total_trades = $4,
		    winning_trades = $5,
		    losing_trades = $6,
		    max_drawdown_pct = $7,
		    pending_position = $8,
		    updated_at = NOW()
		WHERE id = $9
	`

	result, err := db.pool.Exec(ctx, query,
		stats.CurrentIndex,
		stats.Equity,
		stats.RealizedPnL,
		stats.TotalTrades,
		stats.WinningTrades,
		stats.LosingTrades,
		stats.MaxDrawdownPct,
		stats.PendingPosition,
		id,
	)
	if err != nil {
		log.Error().Err(err).Str("session_id", id.String()).Msg("Failed to flush session runtime stats")
		return fmt.Errorf("failed to update session runtime: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &NotFoundError{Entity: "session", ID: id.String()}
	}

	log.Debug().
		Str("session_id", id.String()).
		Int("current_index", stats.CurrentIndex).
		Float64("equity", stats.Equity).
		Msg("Session runtime stats flushed")

	return nil
}

// SetSessionTotalCandles records the loaded candle count after init.
func (db *DB) SetSessionTotalCandles(ctx context.Context, id uuid.UUID, total int) error {
	defer track("set_session_total_candles")()

	query := `UPDATE sessions SET total_candles = $1, updated_at = NOW() WHERE id = $2`

	result, err := db.pool.Exec(ctx, query, total, id)
	if err != nil {
		return fmt.Errorf("failed to set session total candles: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &NotFoundError{Entity: "session", ID: id.String()}
	}
	return nil
}

func scanSessions(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		var s Session
		err := rows.Scan(
			&s.ID, &s.AgentID, &s.UserID, &s.Status, &s.Type, &s.Asset, &s.Timeframe,
			&s.StartingCapital, &s.Config, &s.CurrentIndex, &s.TotalCandles, &s.Equity,
			&s.RealizedPnL, &s.TotalTrades, &s.WinningTrades, &s.LosingTrades,
			&s.MaxDrawdownPct, &s.PendingPosition, &s.ErrorMessage,
			&s.StartedAt, &s.PausedAt, &s.CompletedAt, &s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}
