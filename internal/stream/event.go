// Package stream is the per-session event bus: typed events fan out to
// every subscriber of a session, each subscriber is a single ordered
// consumer, and the bus carries inbound pause/resume/stop/ping commands
// back to the session runtime.
package stream

import "time"

// Event types emitted by the session runtime
const (
	EventSessionInitialized = "session_initialized"
	EventSessionPaused      = "session_paused"
	EventSessionResumed     = "session_resumed"
	EventSessionCompleted   = "session_completed"
	EventCandle             = "candle"
	EventAIThinking         = "ai_thinking"
	EventAIDecision         = "ai_decision"
	EventPositionOpened     = "position_opened"
	EventPositionClosed     = "position_closed"
	EventStatsUpdate        = "stats_update"
	EventCountdownUpdate    = "countdown_update"
	EventIndicatorReadiness = "indicator_readiness"
	EventPriceUpdate        = "price_update"
	EventHeartbeat          = "heartbeat"
	EventError              = "error"
	EventCommandAck         = "command_ack"
)

// Event is one message on the bus. Timestamp is UTC.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent stamps an event with the current UTC time
func NewEvent(eventType string, data interface{}) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Command is an inbound message from a stream consumer. ClosePosition
// applies to stop only; nil means true.
type Command struct {
	Action        string `json:"action"`
	ClosePosition *bool  `json:"close_position,omitempty"`
}

// ShouldClosePosition resolves the stop command's close flag
func (c Command) ShouldClosePosition() bool {
	return c.ClosePosition == nil || *c.ClosePosition
}

// Inbound command actions
const (
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandStop   = "stop"
	CommandPing   = "ping"
)

// KnownCommand reports whether an action is one the runtime handles
func KnownCommand(action string) bool {
	switch action {
	case CommandPause, CommandResume, CommandStop, CommandPing:
		return true
	default:
		return false
	}
}
