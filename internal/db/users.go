package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// User is an account that owns agents, sessions, and API keys.
type User struct {
	ID           uuid.UUID
	Email        string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateUser inserts a new account row.
func (db *DB) CreateUser(ctx context.Context, u *User) error {
	defer track("create_user")()

	query := `
		INSERT INTO users (id, email, username, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	now := time.Now().UTC()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := db.pool.Exec(ctx, query, u.ID, u.Email, u.Username, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	log.Info().Str("user_id", u.ID.String()).Str("username", u.Username).Msg("User created")
	return nil
}

// GetUser retrieves a user by id.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	defer track("get_user")()

	query := `
		SELECT id, email, username, password_hash, created_at, updated_at
		FROM users WHERE id = $1
	`

	var u User
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "user", id.String())
	}
	return &u, nil
}

// GetUserByEmail retrieves a user by email address.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	defer track("get_user_by_email")()

	query := `
		SELECT id, email, username, password_hash, created_at, updated_at
		FROM users WHERE email = $1
	`

	var u User
	err := db.pool.QueryRow(ctx, query, email).Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "user", email)
	}
	return &u, nil
}
