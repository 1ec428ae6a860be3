package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfold/agentsim/internal/metrics"
)

const (
	// per-subscriber outbound buffer; a consumer this far behind is dead
	sendBufferSize = 256

	defaultHeartbeatInterval = 30 * time.Second
	defaultConnMaxAge        = 300 * time.Second
)

// ErrSubscriberClosed is returned when sending to a disconnected subscriber
var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber is one ordered consumer of a session's events. Events
// arrive on C in publish order. A subscriber created for replay buffers
// live events until Activate flushes them behind the replayed history.
type Subscriber struct {
	ID        string
	SessionID string

	send chan Event

	mu            sync.Mutex
	closed        bool
	pending       bool    // live events go to holdback until activated
	holdback      []Event // events published while replay is running
	lastHeartbeat time.Time
}

// C is the subscriber's ordered event channel
func (s *Subscriber) C() <-chan Event {
	return s.send
}

// enqueue delivers one event without blocking. A full buffer means the
// consumer is not draining; the caller disconnects it.
func (s *Subscriber) enqueue(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.send <- event:
		return nil
	default:
		return errors.New("subscriber buffer full")
	}
}

// Hub is the session-keyed event bus
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Subscriber

	heartbeatInterval time.Duration
	connMaxAge        time.Duration

	log zerolog.Logger
}

// HubConfig tunes heartbeat pacing and stale-connection reaping
type HubConfig struct {
	HeartbeatInterval time.Duration
	ConnMaxAge        time.Duration
	Logger            zerolog.Logger
}

// NewHub creates an event bus
func NewHub(cfg HubConfig) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ConnMaxAge <= 0 {
		cfg.ConnMaxAge = defaultConnMaxAge
	}
	return &Hub{
		sessions:          make(map[string]map[string]*Subscriber),
		heartbeatInterval: cfg.HeartbeatInterval,
		connMaxAge:        cfg.ConnMaxAge,
		log:               cfg.Logger.With().Str("component", "stream").Logger(),
	}
}

// Subscribe attaches a new consumer to a session. With replay true the
// subscriber starts pending: live events are held back until Activate
// so replayed history is delivered first.
func (h *Hub) Subscribe(sessionID string, replay bool) *Subscriber {
	sub := &Subscriber{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		send:          make(chan Event, sendBufferSize),
		pending:       replay,
		lastHeartbeat: time.Now(),
	}

	h.mu.Lock()
	subs, ok := h.sessions[sessionID]
	if !ok {
		subs = make(map[string]*Subscriber)
		h.sessions[sessionID] = subs
	}
	subs[sub.ID] = sub
	total := len(subs)
	h.mu.Unlock()

	metrics.StreamConnections.Inc()
	h.log.Info().
		Str("session_id", sessionID).
		Str("connection_id", sub.ID).
		Int("session_subscribers", total).
		Bool("replay", replay).
		Msg("Stream subscriber attached")
	return sub
}

// Activate flushes events held back during replay and switches the
// subscriber to live delivery. Replayed events were already enqueued by
// the runtime, so held-back events land behind them in order.
func (h *Hub) Activate(sub *Subscriber) {
	sub.mu.Lock()
	if !sub.pending || sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.pending = false
	held := sub.holdback
	sub.holdback = nil

	failed := false
	for _, event := range held {
		select {
		case sub.send <- event:
		default:
			failed = true
		}
		if failed {
			break
		}
	}
	sub.mu.Unlock()

	if failed {
		metrics.EventSendFailures.Inc()
		h.Unsubscribe(sub)
	}
}

// Unsubscribe detaches a consumer. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	close(sub.send)
	sub.mu.Unlock()

	h.mu.Lock()
	if subs, ok := h.sessions[sub.SessionID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.sessions, sub.SessionID)
		}
	}
	h.mu.Unlock()

	metrics.StreamConnections.Dec()
	h.log.Info().
		Str("session_id", sub.SessionID).
		Str("connection_id", sub.ID).
		Msg("Stream subscriber detached")
}

// Publish fans an event out to every subscriber of a session. Delivery
// is per-connection best-effort in order: a consumer that cannot accept
// the event is disconnected, the rest are unaffected.
func (h *Hub) Publish(sessionID string, event Event) {
	metrics.RecordEvent(event.Type)

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.sessions[sessionID]))
	for _, sub := range h.sessions[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if err := h.deliver(sub, event); err != nil {
			metrics.EventSendFailures.Inc()
			h.log.Warn().
				Err(err).
				Str("session_id", sessionID).
				Str("connection_id", sub.ID).
				Str("event_type", event.Type).
				Msg("Dropping slow stream subscriber")
			h.Unsubscribe(sub)
		}
	}
}

// deliver routes one event to one subscriber, holding it back while the
// subscriber is still replaying history
func (h *Hub) deliver(sub *Subscriber, event Event) error {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return ErrSubscriberClosed
	}
	if sub.pending {
		sub.holdback = append(sub.holdback, event)
		sub.mu.Unlock()
		return nil
	}
	select {
	case sub.send <- event:
		sub.mu.Unlock()
		return nil
	default:
		sub.mu.Unlock()
		return errors.New("subscriber buffer full")
	}
}

// SendTo delivers one event to a single subscriber, bypassing holdback.
// The runtime uses it to stream replayed history to a reconnecting
// consumer without re-broadcasting to the whole session.
func (h *Hub) SendTo(sub *Subscriber, event Event) error {
	metrics.RecordEvent(event.Type)
	if err := sub.enqueue(event); err != nil {
		metrics.EventSendFailures.Inc()
		return err
	}
	return nil
}

// SubscriberCount reports how many consumers a session has
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Run drives the heartbeat and reaper loops until ctx is canceled. A
// heartbeat that cannot be enqueued marks the consumer for the reaper
// rather than refreshing it.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(h.heartbeatInterval)
	reaper := time.NewTicker(h.connMaxAge / 4)
	defer heartbeat.Stop()
	defer reaper.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("Stream hub stopping")
			return
		case <-heartbeat.C:
			h.sendHeartbeats()
		case <-reaper.C:
			h.reapStale()
		}
	}
}

func (h *Hub) sendHeartbeats() {
	h.mu.RLock()
	subs := make([]*Subscriber, 0)
	for _, sessionSubs := range h.sessions {
		for _, sub := range sessionSubs {
			subs = append(subs, sub)
		}
	}
	h.mu.RUnlock()

	event := NewEvent(EventHeartbeat, map[string]interface{}{"status": "alive"})
	for _, sub := range subs {
		if err := sub.enqueue(event); err != nil {
			continue
		}
		sub.mu.Lock()
		sub.lastHeartbeat = time.Now()
		sub.mu.Unlock()
		metrics.RecordEvent(EventHeartbeat)
	}
}

func (h *Hub) reapStale() {
	cutoff := time.Now().Add(-h.connMaxAge)

	h.mu.RLock()
	var stale []*Subscriber
	for _, sessionSubs := range h.sessions {
		for _, sub := range sessionSubs {
			sub.mu.Lock()
			if sub.lastHeartbeat.Before(cutoff) {
				stale = append(stale, sub)
			}
			sub.mu.Unlock()
		}
	}
	h.mu.RUnlock()

	for _, sub := range stale {
		h.log.Warn().
			Str("session_id", sub.SessionID).
			Str("connection_id", sub.ID).
			Msg("Reaping stale stream subscriber")
		h.Unsubscribe(sub)
	}
}
