package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ApiKey is an encrypted external credential. EncryptedBlob is opaque
// ciphertext (decrypted only at the point of use); PublicPrefix is the
// displayable key head. KeyHash is set for keys that authenticate REST
// callers rather than outbound LLM calls.
type ApiKey struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Provider      string
	Label         string
	PublicPrefix  string
	EncryptedBlob []byte
	KeyHash       *string
	LastUsedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const apiKeyColumns = `
	id, user_id, provider, label, public_prefix, encrypted_blob,
	key_hash, last_used_at, created_at, updated_at`

// CreateApiKey inserts an encrypted credential.
func (db *DB) CreateApiKey(ctx context.Context, k *ApiKey) error {
	defer track("create_api_key")()

	query := `
		INSERT INTO api_keys (
			id, user_id, provider, label, public_prefix, encrypted_blob,
			key_hash, last_used_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	now := time.Now().UTC()
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	k.CreatedAt = now
	k.UpdatedAt = now

	_, err := db.pool.Exec(ctx, query,
		k.ID, k.UserID, k.Provider, k.Label, k.PublicPrefix, k.EncryptedBlob,
		k.KeyHash, k.LastUsedAt, k.CreatedAt, k.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	log.Info().
		Str("api_key_id", k.ID.String()).
		Str("provider", k.Provider).
		Str("prefix", k.PublicPrefix).
		Msg("API key stored")

	return nil
}

// GetApiKey retrieves a credential by id.
func (db *DB) GetApiKey(ctx context.Context, id uuid.UUID) (*ApiKey, error) {
	defer track("get_api_key")()

	query := `SELECT` + apiKeyColumns + ` FROM api_keys WHERE id = $1`

	var k ApiKey
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&k.ID, &k.UserID, &k.Provider, &k.Label, &k.PublicPrefix, &k.EncryptedBlob,
		&k.KeyHash, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "api_key", id.String())
	}
	return &k, nil
}

// GetApiKeyByHash looks up an auth key by its hash. Used by the REST
// auth middleware; constant-time comparison happens at the caller.
func (db *DB) GetApiKeyByHash(ctx context.Context, hash string) (*ApiKey, error) {
	defer track("get_api_key_by_hash")()

	query := `SELECT` + apiKeyColumns + ` FROM api_keys WHERE key_hash = $1`

	var k ApiKey
	err := db.pool.QueryRow(ctx, query, hash).Scan(
		&k.ID, &k.UserID, &k.Provider, &k.Label, &k.PublicPrefix, &k.EncryptedBlob,
		&k.KeyHash, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "api_key", k.PublicPrefix)
	}
	return &k, nil
}

// ListApiKeysByUser returns a user's credentials without decrypting anything.
func (db *DB) ListApiKeysByUser(ctx context.Context, userID uuid.UUID) ([]*ApiKey, error) {
	defer track("list_api_keys")()

	query := `SELECT` + apiKeyColumns + `
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*ApiKey
	for rows.Next() {
		var k ApiKey
		err := rows.Scan(
			&k.ID, &k.UserID, &k.Provider, &k.Label, &k.PublicPrefix, &k.EncryptedBlob,
			&k.KeyHash, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// TouchApiKey stamps last_used_at. Best-effort; callers ignore the error.
func (db *DB) TouchApiKey(ctx context.Context, id uuid.UUID) error {
	defer track("touch_api_key")()

	_, err := db.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	return err
}

// DeleteApiKey removes a credential.
func (db *DB) DeleteApiKey(ctx context.Context, id uuid.UUID) error {
	defer track("delete_api_key")()

	result, err := db.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &NotFoundError{Entity: "api_key", ID: id.String()}
	}

	log.Info().Str("api_key_id", id.String()).Msg("API key deleted")
	return nil
}
