// Package notify persists user-facing alerts and pushes them to
// registered devices. The engine publishes session, trade and auto-stop
// alerts over NATS; the Relay consumes those subjects and hands each one
// to the Service, which writes the inbox row and fans out over FCM.
package notify

import (
	"github.com/quantfold/agentsim/internal/db"
)

// Kind buckets notifications into the categories users can mute.
type Kind string

const (
	KindSession  Kind = "session"
	KindTrade    Kind = "trade"
	KindAutoStop Kind = "auto_stop"
)

// Priority levels understood by the push backends.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Notification is one user alert ready for persistence and push. Data
// values are strings because that is all FCM data payloads carry.
type Notification struct {
	Kind     Kind              `json:"kind"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"`
}

// kindEnabled checks a notification category against user preferences.
func kindEnabled(p *db.NotificationPrefs, k Kind) bool {
	if p == nil {
		return true
	}
	switch k {
	case KindSession:
		return p.SessionEvents
	case KindTrade:
		return p.TradeEvents
	case KindAutoStop:
		return p.AutoStopEvents
	default:
		return false
	}
}

// maskToken shortens device tokens for logs.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
