package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
)

// AiThought is one decision-journal entry: the candle the model saw, the
// indicator map it was given, and what it decided. Council fields are set
// only for council-mode decisions. Embedding is filled asynchronously and
// may stay null forever.
type AiThought struct {
	ID              uuid.UUID
	SessionID       uuid.UUID
	CandleNumber    int
	Timestamp       time.Time
	Candle          []byte // JSONB OHLCV snapshot
	Indicators      []byte // JSONB name -> value map
	Reasoning       string
	Decision        string // LONG | SHORT | CLOSE | HOLD
	OrderData       []byte // JSONB, null unless the decision placed an order
	CouncilStage1   []byte
	CouncilStage2   []byte
	CouncilMetadata []byte
	Embedding       []float32
	CreatedAt       time.Time
}

// SimilarThought pairs a journal entry with its cosine distance to a
// query embedding (smaller is closer).
type SimilarThought struct {
	Thought  *AiThought
	Distance float64
}

const thoughtColumns = `
	id, session_id, candle_number, timestamp, candle, indicators,
	reasoning, decision, order_data, council_stage1, council_stage2,
	council_metadata, created_at`

// InsertAiThought records a single journal entry.
func (db *DB) InsertAiThought(ctx context.Context, t *AiThought) error {
	defer track("insert_ai_thought")()

	query := `
		INSERT INTO ai_thoughts (
			id, session_id, candle_number, timestamp, candle, indicators,
			reasoning, decision, order_data, council_stage1, council_stage2,
			council_metadata, embedding, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()

	var embedding interface{}
	if len(t.Embedding) > 0 {
		embedding = pgvector.NewVector(t.Embedding)
	}

	_, err := db.pool.Exec(ctx, query,
		t.ID, t.SessionID, t.CandleNumber, t.Timestamp, t.Candle, t.Indicators,
		t.Reasoning, t.Decision, t.OrderData, t.CouncilStage1, t.CouncilStage2,
		t.CouncilMetadata, embedding, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ai thought: %w", err)
	}
	return nil
}

// InsertAiThoughts writes a batch of journal entries. Finalization hands
// the whole journal over in one call.
func (db *DB) InsertAiThoughts(ctx context.Context, thoughts []*AiThought) error {
	defer track("insert_ai_thoughts")()

	for _, t := range thoughts {
		if err := db.InsertAiThought(ctx, t); err != nil {
			return err
		}
	}

	log.Debug().Int("count", len(thoughts)).Msg("Journal entries persisted")
	return nil
}

// ListThoughtsBySession returns a session's journal in candle order.
func (db *DB) ListThoughtsBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]*AiThought, error) {
	defer track("list_ai_thoughts")()

	query := `SELECT` + thoughtColumns + `
		FROM ai_thoughts
		WHERE session_id = $1
		ORDER BY candle_number ASC
		LIMIT $2 OFFSET $3`

	rows, err := db.pool.Query(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list ai thoughts: %w", err)
	}
	defer rows.Close()

	var thoughts []*AiThought
	for rows.Next() {
		var t AiThought
		err := rows.Scan(
			&t.ID, &t.SessionID, &t.CandleNumber, &t.Timestamp, &t.Candle, &t.Indicators,
			&t.Reasoning, &t.Decision, &t.OrderData, &t.CouncilStage1, &t.CouncilStage2,
			&t.CouncilMetadata, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ai thought: %w", err)
		}
		thoughts = append(thoughts, &t)
	}
	return thoughts, rows.Err()
}

// SetThoughtEmbedding attaches a reasoning embedding to an existing entry.
// Called from the best-effort embedding worker, never the decision path.
func (db *DB) SetThoughtEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	defer track("set_thought_embedding")()

	result, err := db.pool.Exec(ctx,
		`UPDATE ai_thoughts SET embedding = $2 WHERE id = $1`,
		id, pgvector.NewVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("failed to set thought embedding: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &NotFoundError{Entity: "ai_thought", ID: id.String()}
	}
	return nil
}

// FindSimilarThoughts runs a nearest-neighbour search over embedded
// journal entries using cosine distance.
func (db *DB) FindSimilarThoughts(ctx context.Context, embedding []float32, limit int) ([]*SimilarThought, error) {
	defer track("find_similar_thoughts")()

	query := `
		SELECT
			id, session_id, candle_number, timestamp, candle, indicators,
			reasoning, decision, order_data, council_stage1, council_stage2,
			council_metadata, created_at,
			embedding <=> $1 AS distance
		FROM ai_thoughts
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2
	`

	rows, err := db.pool.Query(ctx, query, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar thoughts: %w", err)
	}
	defer rows.Close()

	var results []*SimilarThought
	for rows.Next() {
		var t AiThought
		var distance float64
		err := rows.Scan(
			&t.ID, &t.SessionID, &t.CandleNumber, &t.Timestamp, &t.Candle, &t.Indicators,
			&t.Reasoning, &t.Decision, &t.OrderData, &t.CouncilStage1, &t.CouncilStage2,
			&t.CouncilMetadata, &t.CreatedAt,
			&distance,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan similar thought: %w", err)
		}
		results = append(results, &SimilarThought{Thought: &t, Distance: distance})
	}
	return results, rows.Err()
}
