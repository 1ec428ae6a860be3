package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewFromQuerier(mock), mock
}

func TestCreateSessionDefaults(t *testing.T) {
	database, mock := newMockDB(t)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := &Session{
		AgentID:         uuid.New(),
		Type:            SessionBacktest,
		Asset:           "BTC",
		Timeframe:       "1h",
		StartingCapital: 10000,
	}
	err := database.CreateSession(context.Background(), s)

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.Equal(t, SessionConfiguring, s.Status)
	assert.Equal(t, 10000.0, s.Equity)
	assert.False(t, s.CreatedAt.IsZero())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession(t *testing.T) {
	database, mock := newMockDB(t)

	id := uuid.New()
	agentID := uuid.New()
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"id", "agent_id", "user_id", "status", "session_type", "asset", "timeframe",
		"starting_capital", "config", "current_index", "total_candles", "equity",
		"realized_pnl", "total_trades", "winning_trades", "losing_trades",
		"max_drawdown_pct", "pending_position", "error_message",
		"started_at", "paused_at", "completed_at", "created_at", "updated_at",
	}).AddRow(
		id, agentID, (*uuid.UUID)(nil), SessionStatus("running"), SessionType("backtest"), "BTC", "1h",
		10000.0, []byte(`{}`), 42, 500, 10250.5,
		250.5, 3, 2, 1,
		1.2, []byte(nil), (*string)(nil),
		&now, (*time.Time)(nil), (*time.Time)(nil), now, now,
	)

	mock.ExpectQuery("SELECT(.|\n)*FROM sessions WHERE id").
		WithArgs(id).
		WillReturnRows(rows)

	s, err := database.GetSession(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
	assert.Equal(t, SessionRunning, s.Status)
	assert.Equal(t, 42, s.CurrentIndex)
	assert.Equal(t, 500, s.TotalCandles)
	assert.Equal(t, 10250.5, s.Equity)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionNotFound(t *testing.T) {
	database, mock := newMockDB(t)

	id := uuid.New()
	mock.ExpectQuery("SELECT(.|\n)*FROM sessions WHERE id").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := database.GetSession(context.Background(), id)

	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "session not found")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSessionStatus(t *testing.T) {
	database, mock := newMockDB(t)

	id := uuid.New()
	mock.ExpectExec("UPDATE sessions").
		WithArgs(SessionRunning, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := database.UpdateSessionStatus(context.Background(), id, SessionRunning)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSessionStatusNotFound(t *testing.T) {
	database, mock := newMockDB(t)

	id := uuid.New()
	mock.ExpectExec("UPDATE sessions").
		WithArgs(SessionStopped, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := database.UpdateSessionStatus(context.Background(), id, SessionStopped)

	assert.True(t, IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSessionRuntime(t *testing.T) {
	database, mock := newMockDB(t)

	id := uuid.New()
	stats := SessionRuntimeStats{
		CurrentIndex:   120,
		Equity:         10500,
		RealizedPnL:    500,
		TotalTrades:    5,
		WinningTrades:  3,
		LosingTrades:   2,
		MaxDrawdownPct: 2.4,
	}

	mock.ExpectExec("UPDATE sessions").
		WithArgs(120, 10500.0, 500.0, 5, 3, 2, 2.4, []byte(nil), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := database.UpdateSessionRuntime(context.Background(), id, stats)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStatusTerminal(t *testing.T) {
	assert.True(t, SessionCompleted.Terminal())
	assert.True(t, SessionFailed.Terminal())
	assert.True(t, SessionStopped.Terminal())
	assert.False(t, SessionRunning.Terminal())
	assert.False(t, SessionPaused.Terminal())
	assert.False(t, SessionConfiguring.Terminal())
}
