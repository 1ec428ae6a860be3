package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// Notification is a persisted user-facing alert. Data carries the
// type-specific payload as JSONB.
type Notification struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Type      string // session | trade | auto_stop
	Title     string
	Body      string
	Data      []byte
	Read      bool
	CreatedAt time.Time
}

// DeviceToken registers a push target for a user.
type DeviceToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Token     string
	Platform  string // android | ios | web
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NotificationPrefs controls which alert categories a user receives.
// Absence of a row means everything is on.
type NotificationPrefs struct {
	UserID         uuid.UUID
	SessionEvents  bool
	TradeEvents    bool
	AutoStopEvents bool
}

// InsertNotification persists an alert row.
func (db *DB) InsertNotification(ctx context.Context, n *Notification) error {
	defer track("insert_notification")()

	query := `
		INSERT INTO notifications (id, user_id, type, title, body, data, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx, query,
		n.ID, n.UserID, n.Type, n.Title, n.Body, n.Data, n.Read, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// ListNotificationsByUser returns a user's alerts newest first.
func (db *DB) ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	defer track("list_notifications")()

	query := `
		SELECT id, user_id, type, title, body, data, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := db.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var n Notification
		err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &n.Data, &n.Read, &n.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, &n)
	}
	return notifications, rows.Err()
}

// MarkNotificationRead flips the read flag.
func (db *DB) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	defer track("mark_notification_read")()

	result, err := db.pool.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &NotFoundError{Entity: "notification", ID: id.String()}
	}
	return nil
}

// UpsertDeviceToken registers or refreshes a push target. Tokens are
// unique; re-registering moves the token to the new user.
func (db *DB) UpsertDeviceToken(ctx context.Context, t *DeviceToken) error {
	defer track("upsert_device_token")()

	query := `
		INSERT INTO device_tokens (id, user_id, token, platform, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (token) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    platform = EXCLUDED.platform,
		    updated_at = EXCLUDED.updated_at
	`

	now := time.Now().UTC()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := db.pool.Exec(ctx, query, t.ID, t.UserID, t.Token, t.Platform, now)
	if err != nil {
		return fmt.Errorf("failed to upsert device token: %w", err)
	}

	log.Debug().Str("user_id", t.UserID.String()).Str("platform", t.Platform).Msg("Device token registered")
	return nil
}

// ListDeviceTokens returns a user's registered push targets.
func (db *DB) ListDeviceTokens(ctx context.Context, userID uuid.UUID) ([]*DeviceToken, error) {
	defer track("list_device_tokens")()

	query := `
		SELECT id, user_id, token, platform, created_at, updated_at
		FROM device_tokens
		WHERE user_id = $1
		ORDER BY created_at ASC
	`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*DeviceToken
	for rows.Next() {
		var t DeviceToken
		err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device token: %w", err)
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

// DeleteDeviceToken removes a push target, typically after FCM reports
// it unregistered.
func (db *DB) DeleteDeviceToken(ctx context.Context, token string) error {
	defer track("delete_device_token")()

	_, err := db.pool.Exec(ctx, `DELETE FROM device_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to delete device token: %w", err)
	}
	return nil
}

// GetNotificationPrefs returns a user's alert preferences. A missing row
// means all categories are enabled.
func (db *DB) GetNotificationPrefs(ctx context.Context, userID uuid.UUID) (*NotificationPrefs, error) {
	defer track("get_notification_prefs")()

	query := `
		SELECT user_id, session_events, trade_events, auto_stop_events
		FROM notification_prefs
		WHERE user_id = $1
	`

	var p NotificationPrefs
	err := db.pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.SessionEvents, &p.TradeEvents, &p.AutoStopEvents,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotificationPrefs{
			UserID:         userID,
			SessionEvents:  true,
			TradeEvents:    true,
			AutoStopEvents: true,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification prefs: %w", err)
	}
	return &p, nil
}

// SetNotificationPrefs writes a user's alert preferences.
func (db *DB) SetNotificationPrefs(ctx context.Context, p *NotificationPrefs) error {
	defer track("set_notification_prefs")()

	query := `
		INSERT INTO notification_prefs (user_id, session_events, trade_events, auto_stop_events)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET session_events = EXCLUDED.session_events,
		    trade_events = EXCLUDED.trade_events,
		    auto_stop_events = EXCLUDED.auto_stop_events
	`

	_, err := db.pool.Exec(ctx, query, p.UserID, p.SessionEvents, p.TradeEvents, p.AutoStopEvents)
	if err != nil {
		return fmt.Errorf("failed to set notification prefs: %w", err)
	}
	return nil
}
