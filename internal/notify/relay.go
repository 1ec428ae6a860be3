package notify

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

const relayDeliveryTimeout = 10 * time.Second

// Subscriber is the slice of *nats.Conn the relay needs.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Relay turns engine alerts published on NATS into user notifications.
// It holds one subscription per alert subject and forwards each decoded
// alert to the Service.
type Relay struct {
	conn    Subscriber
	svc     Service
	prefix  string
	timeout time.Duration
	subs    []*nats.Subscription
}

// NewRelay wires a NATS connection to the notification service.
func NewRelay(conn Subscriber, svc Service, subjectPrefix string) *Relay {
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	return &Relay{
		conn:    conn,
		svc:     svc,
		prefix:  subjectPrefix,
		timeout: relayDeliveryTimeout,
	}
}

// Start subscribes to the session, trade and auto-stop alert subjects.
func (r *Relay) Start() error {
	for _, suffix := range []string{".session", ".trade", ".auto_stop"} {
		subject := r.prefix + suffix
		sub, err := r.conn.Subscribe(subject, r.handle)
		if err != nil {
			r.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
		log.Info().Str("subject", subject).Msg("Notification relay subscribed")
	}
	return nil
}

// Stop drops all subscriptions. Safe to call more than once.
func (r *Relay) Stop() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Relay) handle(msg *nats.Msg) {
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

	n, ok := notificationFromAlert(alert)
	if !ok {
		log.Warn().Str("type", alert.Type).Msg("Dropping alert of unknown type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.svc.Notify(ctx, userID, n); err != nil {
		log.Error().
			Err(err).
			Str("session_id", alert.SessionID).
			Str("kind", string(n.Kind)).
			Msg("Failed to deliver notification")
	}
}

// notificationFromAlert maps an engine alert onto a preference category
// and flattens its payload into FCM-compatible string data.
func notificationFromAlert(alert engine.Alert) (Notification, bool) {
	var kind Kind
	priority := PriorityNormal
	switch alert.Type {
	case engine.AlertSessionCompleted:
		kind = KindSession
	case engine.AlertSessionFailed:
		kind = KindSession
		priority = PriorityHigh
	case engine.AlertTradeClosed:
		kind = KindTrade
	case engine.AlertAutoStop:
		kind = KindAutoStop
		priority = PriorityHigh
	default:
		return Notification{}, false
	}

	data := map[string]string{
		"type":       alert.Type,
		"session_id": alert.SessionID,
	}
	if alert.AgentName != "" {
		data["agent_name"] = alert.AgentName
	}
	if alert.Asset != "" {
		data["asset"] = alert.Asset
	}
	for k, v := range alert.Data {
		data[k] = fmt.Sprintf("%v", v)
	}

	return Notification{
		Kind:     kind,
		Title:    alert.Title,
		Body:     alert.Body,
		Data:     data,
		Priority: priority,
	}, true
}
