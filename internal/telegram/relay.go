package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/engine"
)

// Matches the engine's default alert prefix; in deployments both sides
// read notifications.relay_subject from config.
const defaultSubjectPrefix = "agentsim.alerts"

const relayLookupTimeout = 5 * time.Second

// Subscriber is the slice of *nats.Conn the relay needs.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// AlertSender delivers one alert to one chat. *Bot satisfies it.
type AlertSender interface {
	SendAlert(chatID int64, alert engine.Alert) error
}

// AlertRelay forwards engine alerts from NATS into linked chats.
type AlertRelay struct {
	conn   Subscriber
	sender AlertSender
	db     DBPool
	prefix string
	subs   []*nats.Subscription
}

// NewAlertRelay wires a NATS connection to the bot's alert delivery.
func NewAlertRelay(conn Subscriber, sender AlertSender, db DBPool, subjectPrefix string) *AlertRelay {
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	return &AlertRelay{
		conn:   conn,
		sender: sender,
		db:     db,
		prefix: subjectPrefix,
	}
}

// Start subscribes to the session, trade and auto-stop alert subjects.
func (r *AlertRelay) Start() error {
	for _, suffix := range []string{".session", ".trade", ".auto_stop"} {
		subject := r.prefix + suffix
		sub, err := r.conn.Subscribe(subject, r.handle)
		if err != nil {
			r.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
		log.Info().Str("subject", subject).Msg("Telegram alert relay subscribed")
	}
	return nil
}

// Stop drops all subscriptions. Safe to call more than once.
func (r *AlertRelay) Stop() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *AlertRelay) handle(msg *nats.Msg) {
	var alert engine.Alert
	if err := json.Unmarshal(msg.Data, &alert); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping undecodable alert")
		return
	}
	// Sessions without an owner have nobody to notify.
	if alert.UserID == "" {
		return
	}
	userID, err := uuid.Parse(alert.UserID)
	if err != nil {
		log.Warn().
			Str("user_id", alert.UserID).
			Str("session_id", alert.SessionID).
			Msg("Dropping alert with malformed user id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayLookupTimeout)
	chatIDs, err := ChatIDsForUser(ctx, r.db, userID)
	cancel()
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", alert.SessionID).
			Msg("Failed to resolve linked chats for alert")
		return
	}

	for _, chatID := range chatIDs {
		if err := r.sender.SendAlert(chatID, alert); err != nil {
			log.Error().
				Err(err).
				Int64("chat_id", chatID).
				Str("type", alert.Type).
				Msg("Failed to forward alert to chat")
		}
	}
}
