package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Certificate marks a qualifying completed session. Rendering and
// delivery happen elsewhere; this is the record of issuance.
type Certificate struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	SessionID   uuid.UUID
	ResultID    uuid.UUID
	AgentName   string
	Asset       string
	TotalPnLPct float64
	IssuedAt    time.Time
}

// IssueCertificate records a certificate for a completed session.
func (db *DB) IssueCertificate(ctx context.Context, c *Certificate) error {
	defer track("issue_certificate")()

	query := `
		INSERT INTO certificates (
			id, user_id, session_id, result_id, agent_name, asset,
			total_pnl_pct, issued_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO NOTHING
	`

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.IssuedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx, query,
		c.ID, c.UserID, c.SessionID, c.ResultID, c.AgentName, c.Asset,
		c.TotalPnLPct, c.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to issue certificate: %w", err)
	}

	log.Info().
		Str("certificate_id", c.ID.String()).
		Str("session_id", c.SessionID.String()).
		Float64("total_pnl_pct", c.TotalPnLPct).
		Msg("Certificate issued")

	return nil
}

// ListCertificatesByUser returns a user's certificates newest first.
func (db *DB) ListCertificatesByUser(ctx context.Context, userID uuid.UUID) ([]*Certificate, error) {
	defer track("list_certificates")()

	query := `
		SELECT id, user_id, session_id, result_id, agent_name, asset,
		       total_pnl_pct, issued_at
		FROM certificates
		WHERE user_id = $1
		ORDER BY issued_at DESC
	`

	rows, err := db.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer rows.Close()

	var certs []*Certificate
	for rows.Next() {
		var c Certificate
		err := rows.Scan(
			&c.ID, &c.UserID, &c.SessionID, &c.ResultID, &c.AgentName, &c.Asset,
			&c.TotalPnLPct, &c.IssuedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		certs = append(certs, &c)
	}
	return certs, rows.Err()
}
