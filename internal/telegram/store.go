package telegram

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Link code alphabet avoids characters that read ambiguously in chat.
const linkCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const linkCodeLen = 8

// CreateLinkCode issues a one-hour code binding a future chat to the
// given account. The dashboard shows the code; /link claims it.
func CreateLinkCode(ctx context.Context, db DBPool, userID uuid.UUID) (string, error) {
	code, err := randomLinkCode()
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO telegram_links (user_id, link_code, link_code_expires_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP + INTERVAL '1 hour')
	`

	if _, err := db.Exec(ctx, query, userID, code); err != nil {
		return "", fmt.Errorf("failed to create link code: %w", err)
	}
	return code, nil
}

func randomLinkCode() (string, error) {
	buf := make([]byte, linkCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate link code: %w", err)
	}
	for i, b := range buf {
		buf[i] = linkCodeAlphabet[int(b)%len(linkCodeAlphabet)]
	}
	return string(buf), nil
}

// LinkChat claims a pending link code for a Telegram account. Claiming
// replaces any previous binding for the same account, so relinking to
// another user just works. Returns false for unknown or expired codes.
func LinkChat(ctx context.Context, db DBPool, code string, telegramID, chatID int64, username string) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	claimQuery := `
		SELECT id
		FROM telegram_links
		WHERE link_code = $1
		AND link_code_expires_at > CURRENT_TIMESTAMP
		AND linked_at IS NULL
		FOR UPDATE
	`

	var linkID uuid.UUID
	err = tx.QueryRow(ctx, claimQuery, code).Scan(&linkID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up link code: %w", err)
	}

	// One binding per Telegram account.
	dropQuery := `DELETE FROM telegram_links WHERE telegram_id = $1 AND id <> $2`
	if _, err := tx.Exec(ctx, dropQuery, telegramID, linkID); err != nil {
		return false, fmt.Errorf("failed to drop previous binding: %w", err)
	}

	claimUpdate := `
		UPDATE telegram_links
		SET telegram_id = $1,
		    chat_id = $2,
		    telegram_username = $3,
		    linked_at = CURRENT_TIMESTAMP,
		    last_seen_at = CURRENT_TIMESTAMP,
		    link_code = NULL,
		    link_code_expires_at = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $4
	`

	if _, err := tx.Exec(ctx, claimUpdate, telegramID, chatID, username, linkID); err != nil {
		return false, fmt.Errorf("failed to claim link code: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit link: %w", err)
	}
	return true, nil
}

// UnlinkChat removes the binding for a Telegram account. Reports whether
// one existed.
func UnlinkChat(ctx context.Context, db DBPool, telegramID int64) (bool, error) {
	tag, err := db.Exec(ctx, `DELETE FROM telegram_links WHERE telegram_id = $1`, telegramID)
	if err != nil {
		return false, fmt.Errorf("failed to unlink chat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// linkedUser resolves a Telegram account to the user it is bound to.
// Returns false when the chat was never linked.
func linkedUser(ctx context.Context, db DBPool, telegramID int64) (uuid.UUID, bool, error) {
	query := `
		SELECT user_id
		FROM telegram_links
		WHERE telegram_id = $1 AND linked_at IS NOT NULL
	`

	var userID uuid.UUID
	err := db.QueryRow(ctx, query, telegramID).Scan(&userID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("failed to check link status: %w", err)
	}
	return userID, true, nil
}

// ChatIDsForUser lists the chats bound to an account, for alert fan-out.
func ChatIDsForUser(ctx context.Context, db DBPool, userID uuid.UUID) ([]int64, error) {
	query := `
		SELECT chat_id
		FROM telegram_links
		WHERE user_id = $1 AND linked_at IS NOT NULL
	`

	rows, err := db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query linked chats: %w", err)
	}
	defer rows.Close()

	var chatIDs []int64
	for rows.Next() {
		var chatID int64
		if err := rows.Scan(&chatID); err != nil {
			return nil, fmt.Errorf("failed to scan chat id: %w", err)
		}
		chatIDs = append(chatIDs, chatID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating linked chats: %w", err)
	}
	return chatIDs, nil
}

// touchLink refreshes last-seen bookkeeping on any interaction. A chat
// that was never linked has no row to touch; that is fine.
func touchLink(ctx context.Context, db DBPool, telegramID, chatID int64) error {
	query := `
		UPDATE telegram_links
		SET last_seen_at = CURRENT_TIMESTAMP,
		    chat_id = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE telegram_id = $1
	`

	_, err := db.Exec(ctx, query, telegramID, chatID)
	return err
}

// sessionLine is one row of the /status report.
type sessionLine struct {
	AgentName   string
	Asset       string
	Type        string
	Status      string
	TotalTrades int
	RealizedPnL float64
	Capital     float64
	StartedAt   time.Time
}

func activeSessions(ctx context.Context, db DBPool, userID uuid.UUID) ([]sessionLine, error) {
	query := `
		SELECT a.name, s.asset, s.session_type, s.status, s.total_trades,
		       s.realized_pnl, s.starting_capital,
		       COALESCE(s.started_at, s.created_at) AS started_at
		FROM sessions s
		JOIN agents a ON a.id = s.agent_id
		WHERE s.user_id = $1
		AND s.status IN ('initializing', 'running', 'paused')
		ORDER BY s.created_at DESC
		LIMIT 10
	`

	rows, err := db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []sessionLine
	for rows.Next() {
		var s sessionLine
		err := rows.Scan(&s.AgentName, &s.Asset, &s.Type, &s.Status,
			&s.TotalTrades, &s.RealizedPnL, &s.Capital, &s.StartedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// tradeLine is one row of the /trades report.
type tradeLine struct {
	Asset      string
	Side       string
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	PnLPct     float64
	Reason     string
	ExitTime   time.Time
}

func recentTrades(ctx context.Context, db DBPool, userID uuid.UUID, limit int) ([]tradeLine, error) {
	query := `
		SELECT s.asset, t.side, t.entry_price, t.exit_price,
		       t.pnl, t.pnl_pct, t.close_reason, t.exit_time
		FROM trades t
		JOIN sessions s ON s.id = t.session_id
		WHERE s.user_id = $1
		ORDER BY t.exit_time DESC
		LIMIT $2
	`

	rows, err := db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []tradeLine
	for rows.Next() {
		var t tradeLine
		err := rows.Scan(&t.Asset, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.PnL, &t.PnLPct, &t.Reason, &t.ExitTime)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}

// decisionLine is one row of the /decisions report.
type decisionLine struct {
	AgentName    string
	Asset        string
	Decision     string
	Reasoning    string
	CandleNumber int
	Timestamp    time.Time
}

func recentDecisions(ctx context.Context, db DBPool, userID uuid.UUID, limit int) ([]decisionLine, error) {
	query := `
		SELECT a.name, s.asset, th.decision, th.reasoning, th.candle_number, th.timestamp
		FROM ai_thoughts th
		JOIN sessions s ON s.id = th.session_id
		JOIN agents a ON a.id = s.agent_id
		WHERE s.user_id = $1
		ORDER BY th.created_at DESC
		LIMIT $2
	`

	rows, err := db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []decisionLine
	for rows.Next() {
		var d decisionLine
		err := rows.Scan(&d.AgentName, &d.Asset, &d.Decision, &d.Reasoning,
			&d.CandleNumber, &d.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return decisions, nil
}

// resultLine is one row of the /results report.
type resultLine struct {
	AgentName   string
	Asset       string
	Type        string
	TotalPnLPct float64
	TotalTrades int
	WinRate     float64
	MaxDrawdown float64
	AutoStop    bool
	CompletedAt time.Time
}

func recentResults(ctx context.Context, db DBPool, userID uuid.UUID, limit int) ([]resultLine, error) {
	query := `
		SELECT a.name, s.asset, s.session_type, r.total_pnl_pct, r.total_trades,
		       r.win_rate, r.max_drawdown_pct, r.auto_stop, r.created_at
		FROM results r
		JOIN sessions s ON s.id = r.session_id
		JOIN agents a ON a.id = s.agent_id
		WHERE s.user_id = $1
		ORDER BY r.created_at DESC
		LIMIT $2
	`

	rows, err := db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var results []resultLine
	for rows.Next() {
		var r resultLine
		err := rows.Scan(&r.AgentName, &r.Asset, &r.Type, &r.TotalPnLPct,
			&r.TotalTrades, &r.WinRate, &r.MaxDrawdown, &r.AutoStop, &r.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}
