package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertTrade(t *testing.T) {
	database, mock := newMockDB(t)

	mock.ExpectExec("INSERT INTO trades").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	trade := &Trade{
		SessionID:   uuid.New(),
		Side:        "long",
		EntryPrice:  100,
		ExitPrice:   102,
		Size:        5,
		Leverage:    2,
		EntryTime:   time.Now().Add(-time.Hour),
		ExitTime:    time.Now(),
		PnL:         10,
		PnLPct:      4,
		CloseReason: "take_profit",
	}
	err := database.InsertTrade(context.Background(), trade)

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, trade.ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTradesBySession(t *testing.T) {
	database, mock := newMockDB(t)

	sessionID := uuid.New()
	entry := time.Now().Add(-2 * time.Hour)
	exit := time.Now().Add(-time.Hour)

	rows := pgxmock.NewRows([]string{
		"id", "session_id", "side", "entry_price", "exit_price", "size", "leverage",
		"entry_time", "exit_time", "pnl", "pnl_pct", "close_reason", "created_at",
	}).
		AddRow(uuid.New(), sessionID, "long", 100.0, 105.0, 1.0, 1, entry, exit, 5.0, 5.0, "ai_decision", exit).
		AddRow(uuid.New(), sessionID, "short", 105.0, 103.0, 1.0, 1, exit, time.Now(), 2.0, 1.9, "stop_loss", time.Now())

	mock.ExpectQuery("SELECT(.|\n)*FROM trades").
		WithArgs(sessionID).
		WillReturnRows(rows)

	trades, err := database.ListTradesBySession(context.Background(), sessionID)

	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "long", trades[0].Side)
	assert.Equal(t, "stop_loss", trades[1].CloseReason)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateTradeStats(t *testing.T) {
	database, mock := newMockDB(t)

	sessionID := uuid.New()
	rows := pgxmock.NewRows([]string{"count", "wins", "losses", "total_pnl"}).
		AddRow(10, 6, 4, 340.5)

	mock.ExpectQuery("SELECT(.|\n)*FROM trades").
		WithArgs(sessionID).
		WillReturnRows(rows)

	stats, err := database.AggregateTradeStats(context.Background(), sessionID)

	require.NoError(t, err)
	assert.Equal(t, 10, stats.TotalTrades)
	assert.Equal(t, 6, stats.WinningTrades)
	assert.Equal(t, 4, stats.LosingTrades)
	assert.Equal(t, 340.5, stats.TotalPnL)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateTradeStatsEmpty(t *testing.T) {
	database, mock := newMockDB(t)

	sessionID := uuid.New()
	rows := pgxmock.NewRows([]string{"count", "wins", "losses", "total_pnl"}).
		AddRow(0, 0, 0, 0.0)

	mock.ExpectQuery("SELECT(.|\n)*FROM trades").
		WithArgs(sessionID).
		WillReturnRows(rows)

	stats, err := database.AggregateTradeStats(context.Background(), sessionID)

	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalTrades)
	assert.Equal(t, 0.0, stats.TotalPnL)

	require.NoError(t, mock.ExpectationsWereMet())
}
