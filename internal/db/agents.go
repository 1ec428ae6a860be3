package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Agent is a persisted trading-agent configuration. Indicators holds the
// enabled standard indicator names; CustomRules is the JSON rule list fed
// to the indicator pipeline. ApiKeyID references the encrypted credential
// used for LLM calls.
type Agent struct {
	ID              uuid.UUID
	UserID          *uuid.UUID
	Name            string
	Mode            string // monk | omni
	Model           string
	StrategyPrompt  string
	Indicators      []string
	CustomRules     []byte
	ApiKeyID        *uuid.UUID
	CouncilEnabled  bool
	CouncilModels   []string
	CouncilChairman *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const agentColumns = `
	id, user_id, name, mode, model, strategy_prompt, indicators,
	custom_rules, api_key_id, council_enabled, council_models,
	council_chairman, created_at, updated_at`

// CreateAgent inserts a new agent configuration.
func (db *DB) CreateAgent(ctx context.Context, a *Agent) error {
	defer track("create_agent")()

	query := `
		INSERT INTO agents (
			id, user_id, name, mode, model, strategy_prompt, indicators,
			custom_rules, api_key_id, council_enabled, council_models,
			council_chairman, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	now := time.Now().UTC()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := db.pool.Exec(ctx, query,
		a.ID, a.UserID, a.Name, a.Mode, a.Model, a.StrategyPrompt, a.Indicators,
		a.CustomRules, a.ApiKeyID, a.CouncilEnabled, a.CouncilModels,
		a.CouncilChairman, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		log.Error().Err(err).Str("agent_id", a.ID.String()).Msg("Failed to create agent")
		return fmt.Errorf("failed to create agent: %w", err)
	}

	log.Info().
		Str("agent_id", a.ID.String()).
		Str("name", a.Name).
		Str("mode", a.Mode).
		Str("model", a.Model).
		Msg("Agent created")

	return nil
}

// GetAgent retrieves an agent by id.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (*Agent, error) {
	defer track("get_agent")()

	query := `SELECT` + agentColumns + ` FROM agents WHERE id = $1`

	var a Agent
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.UserID, &a.Name, &a.Mode, &a.Model, &a.StrategyPrompt, &a.Indicators,
		&a.CustomRules, &a.ApiKeyID, &a.CouncilEnabled, &a.CouncilModels,
		&a.CouncilChairman, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "agent", id.String())
	}
	return &a, nil
}

// ListAgentsByUser returns a user's agents newest first.
func (db *DB) ListAgentsByUser(ctx context.Context, userID uuid.UUID) ([]*Agent, error) {
	defer track("list_agents")()

	query := `SELECT` + agentColumns + `
		FROM agents
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		err := rows.Scan(
			&a.ID, &a.UserID, &a.Name, &a.Mode, &a.Model, &a.StrategyPrompt, &a.Indicators,
			&a.CustomRules, &a.ApiKeyID, &a.CouncilEnabled, &a.CouncilModels,
			&a.CouncilChairman, &a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// UpdateAgent rewrites the mutable agent fields.
func (db *DB) UpdateAgent(ctx context.Context, a *Agent) error {
	defer track("update_agent")()

	query := `
		UPDATE agents
		SET name = $1,
		    mode = $2,
		    model = $3,
		    strategy_prompt = $4,
		    indicators = $5,
		    custom_rules = $6,
		    api_key_id = $7,
		    council_enabled = $8,
		    council_models = $9,
		    council_chairman = $10,
		    updated_at = NOW()
		WHERE id = $11
	`

	result, err := db.pool.Exec(ctx, query,
		a.Name, a.Mode, a.Model, a.StrategyPrompt, a.Indicators,
		a.CustomRules, a.ApiKeyID, a.CouncilEnabled, a.CouncilModels,
		a.CouncilChairman, a.ID,
	)
	if err != nil {
		log.Error().Err(err).Str("agent_id", a.ID.String()).Msg("Failed to update agent")
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &NotFoundError{Entity: "agent", ID: a.ID.String()}
	}

	log.Info().Str("agent_id", a.ID.String()).Str("name", a.Name).Msg("Agent updated")
	return nil
}

// DeleteAgent removes an agent configuration.
func (db *DB) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	defer track("delete_agent")()

	result, err := db.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &NotFoundError{Entity: "agent", ID: id.String()}
	}

	log.Info().Str("agent_id", id.String()).Msg("Agent deleted")
	return nil
}
