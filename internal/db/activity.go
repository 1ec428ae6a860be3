package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActivityLog is an audit row for agent and session actions.
type ActivityLog struct {
	ID         uuid.UUID
	UserID     *uuid.UUID
	EntityType string // agent | session
	EntityID   uuid.UUID
	Action     string // created | updated | deleted | started | paused | resumed | stopped | completed | failed
	Detail     []byte // JSONB, optional
	CreatedAt  time.Time
}

// LogActivity appends an audit row. Callers treat failures as
// non-fatal; an unloggable action still happened.
func (db *DB) LogActivity(ctx context.Context, a *ActivityLog) error {
	defer track("log_activity")()

	query := `
		INSERT INTO activity_log (id, user_id, entity_type, entity_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx, query,
		a.ID, a.UserID, a.EntityType, a.EntityID, a.Action, a.Detail, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to log activity: %w", err)
	}
	return nil
}

// ListActivityByEntity returns audit rows for one entity newest first.
func (db *DB) ListActivityByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit int) ([]*ActivityLog, error) {
	defer track("list_activity")()

	query := `
		SELECT id, user_id, entity_type, entity_id, action, detail, created_at
		FROM activity_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := db.pool.Query(ctx, query, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var entries []*ActivityLog
	for rows.Next() {
		var a ActivityLog
		err := rows.Scan(&a.ID, &a.UserID, &a.EntityType, &a.EntityID, &a.Action, &a.Detail, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		entries = append(entries, &a)
	}
	return entries, rows.Err()
}
