package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/position"
)

// Alert types relayed over NATS.
const (
	AlertSessionCompleted = "session_completed"
	AlertSessionFailed    = "session_failed"
	AlertTradeClosed      = "trade_closed"
	AlertAutoStop         = "auto_stop"
)

const defaultAlertSubject = "agentsim.alerts"

// Alert is the cross-service notification payload. The notification
// relay and the Telegram bot consume these off NATS.
type Alert struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	UserID    string                 `json:"user_id,omitempty"`
	AgentName string                 `json:"agent_name,omitempty"`
	Asset     string                 `json:"asset,omitempty"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AlertPublisher fans session lifecycle alerts out over NATS. Both a nil
// publisher and a nil underlying connection drop alerts silently, so the
// engine works without messaging configured.
type AlertPublisher struct {
	pub     Publisher
	subject string
	log     zerolog.Logger
}

// NewAlertPublisher wraps a NATS connection under a subject prefix.
func NewAlertPublisher(pub Publisher, subject string, logger zerolog.Logger) *AlertPublisher {
	if subject == "" {
		subject = defaultAlertSubject
	}
	return &AlertPublisher{
		pub:     pub,
		subject: subject,
		log:     logger.With().Str("component", "alerts").Logger(),
	}
}

// SessionCompleted announces a finished session with its terminal stats.
func (a *AlertPublisher) SessionCompleted(s *db.Session, agent *db.Agent, stats TradeStatistics) {
	a.publish(".session", Alert{
		Type:      AlertSessionCompleted,
		SessionID: s.ID.String(),
		UserID:    userIDOf(s),
		AgentName: agentNameOf(agent),
		Asset:     s.Asset,
		Title:     "Session completed",
		Body: fmt.Sprintf("%s on %s finished: %+.2f%% over %d trades",
			agentNameOf(agent), s.Asset, stats.TotalPnLPct, stats.TotalTrades),
		Data: map[string]interface{}{
			"session_type": string(s.Type),
			"pnl_pct":      stats.TotalPnLPct,
			"total_trades": stats.TotalTrades,
			"win_rate":     stats.WinRate,
			"equity":       stats.CurrentEquity,
		},
	})
}

// SessionFailed announces a session that ended in an error.
func (a *AlertPublisher) SessionFailed(s *db.Session, agent *db.Agent, err error) {
	a.publish(".session", Alert{
		Type:      AlertSessionFailed,
		SessionID: s.ID.String(),
		UserID:    userIDOf(s),
		AgentName: agentNameOf(agent),
		Asset:     s.Asset,
		Title:     "Session failed",
		Body:      fmt.Sprintf("%s on %s failed: %s", agentNameOf(agent), s.Asset, err),
	})
}

// TradeClosed announces a closed trade with its outcome.
func (a *AlertPublisher) TradeClosed(s *db.Session, agent *db.Agent, t *position.Trade) {
	a.publish(".trade", Alert{
		Type:      AlertTradeClosed,
		SessionID: s.ID.String(),
		UserID:    userIDOf(s),
		AgentName: agentNameOf(agent),
		Asset:     s.Asset,
		Title:     fmt.Sprintf("%s closed (%s)", s.Asset, t.Reason),
		Body: fmt.Sprintf("%s %s: %+.2f (%+.2f%%)",
			t.Side, s.Asset, t.PnL, t.PnLPct),
		Data: map[string]interface{}{
			"side":         string(t.Side),
			"entry_price":  t.EntryPrice,
			"exit_price":   t.ExitPrice,
			"pnl":          t.PnL,
			"pnl_pct":      t.PnLPct,
			"close_reason": string(t.Reason),
		},
	})
}

// AutoStop announces the cumulative loss guard ending a forward session.
func (a *AlertPublisher) AutoStop(s *db.Session, agent *db.Agent, pnlPct float64) {
	a.publish(".auto_stop", Alert{
		Type:      AlertAutoStop,
		SessionID: s.ID.String(),
		UserID:    userIDOf(s),
		AgentName: agentNameOf(agent),
		Asset:     s.Asset,
		Title:     "Session auto-stopped",
		Body: fmt.Sprintf("%s on %s hit the loss limit at %+.2f%%",
			agentNameOf(agent), s.Asset, pnlPct),
		Data: map[string]interface{}{
			"pnl_pct": pnlPct,
		},
	})
}

func (a *AlertPublisher) publish(suffix string, alert Alert) {
	if a == nil || a.pub == nil {
		return
	}
	alert.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(alert)
	if err != nil {
		return
	}
	subject := a.subject + suffix
	if err := a.pub.Publish(subject, payload); err != nil {
		a.log.Warn().Err(err).Str("subject", subject).Msg("Alert publish failed")
	}
}

func userIDOf(s *db.Session) string {
	if s.UserID == nil {
		return ""
	}
	return s.UserID.String()
}

func agentNameOf(agent *db.Agent) string {
	if agent == nil {
		return ""
	}
	return agent.Name
}
