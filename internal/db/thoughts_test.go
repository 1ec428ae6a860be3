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

func TestInsertAiThought(t *testing.T) {
	database, mock := newMockDB(t)

	mock.ExpectExec("INSERT INTO ai_thoughts").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	thought := &AiThought{
		SessionID:    uuid.New(),
		CandleNumber: 17,
		Timestamp:    time.Now().UTC(),
		Candle:       []byte(`{"open":100,"high":101,"low":99,"close":100.5,"volume":12}`),
		Indicators:   []byte(`{"rsi":55.2}`),
		Reasoning:    "momentum fading, stay flat",
		Decision:     "HOLD",
	}
	err := database.InsertAiThought(context.Background(), thought)

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, thought.ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAiThoughtsBatch(t *testing.T) {
	database, mock := newMockDB(t)

	mock.ExpectExec("INSERT INTO ai_thoughts").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO ai_thoughts").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO ai_thoughts").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	sessionID := uuid.New()
	thoughts := []*AiThought{
		{SessionID: sessionID, CandleNumber: 1, Decision: "HOLD"},
		{SessionID: sessionID, CandleNumber: 2, Decision: "LONG"},
		{SessionID: sessionID, CandleNumber: 3, Decision: "CLOSE"},
	}
	err := database.InsertAiThoughts(context.Background(), thoughts)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetThoughtEmbeddingNotFound(t *testing.T) {
	database, mock := newMockDB(t)

	id := uuid.New()
	mock.ExpectExec("UPDATE ai_thoughts").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := database.SetThoughtEmbedding(context.Background(), id, []float32{0.1, 0.2})

	assert.True(t, IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSimilarThoughts(t *testing.T) {
	database, mock := newMockDB(t)

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"id", "session_id", "candle_number", "timestamp", "candle", "indicators",
		"reasoning", "decision", "order_data", "council_stage1", "council_stage2",
		"council_metadata", "created_at", "distance",
	}).
		AddRow(uuid.New(), uuid.New(), 10, now, []byte(`{}`), []byte(`{}`),
			"breakout long", "LONG", []byte(nil), []byte(nil), []byte(nil), []byte(nil), now, 0.12).
		AddRow(uuid.New(), uuid.New(), 44, now, []byte(`{}`), []byte(`{}`),
			"similar breakout", "LONG", []byte(nil), []byte(nil), []byte(nil), []byte(nil), now, 0.31)

	mock.ExpectQuery("SELECT(.|\n)*FROM ai_thoughts(.|\n)*ORDER BY embedding").
		WillReturnRows(rows)

	results, err := database.FindSimilarThoughts(context.Background(), []float32{0.5, 0.5}, 2)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "breakout long", results[0].Thought.Reasoning)
	assert.Less(t, results[0].Distance, results[1].Distance)

	require.NoError(t, mock.ExpectationsWereMet())
}
