// Package engine runs simulation sessions. It owns the active-session
// registry, drives one runtime goroutine per session through the backtest
// or forward loop, and carries each session through pause/resume/stop to
// a persisted terminal Result.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfold/agentsim/internal/config"
	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/llm"
	"github.com/quantfold/agentsim/internal/market"
	"github.com/quantfold/agentsim/internal/metrics"
	"github.com/quantfold/agentsim/internal/stream"
)

// Store is the persistence surface the engine consumes. *db.DB satisfies
// it; tests substitute an in-memory fake.
type Store interface {
	GetSession(ctx context.Context, id uuid.UUID) (*db.Session, error)
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, status db.SessionStatus) error
	MarkSessionFailed(ctx context.Context, id uuid.UUID, message string) error
	UpdateSessionRuntime(ctx context.Context, id uuid.UUID, stats db.SessionRuntimeStats) error
	SetSessionTotalCandles(ctx context.Context, id uuid.UUID, total int) error

	GetAgent(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetApiKey(ctx context.Context, id uuid.UUID) (*db.ApiKey, error)
	TouchApiKey(ctx context.Context, id uuid.UUID) error

	InsertTrade(ctx context.Context, t *db.Trade) error
	AggregateTradeStats(ctx context.Context, sessionID uuid.UUID) (*db.TradeStats, error)

	InsertAiThoughts(ctx context.Context, thoughts []*db.AiThought) error
	SetThoughtEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error

	CreateResult(ctx context.Context, r *db.TestResult) error
	GetResultBySession(ctx context.Context, sessionID uuid.UUID) (*db.TestResult, error)
}

// Publisher fans alert payloads out to other processes. *nats.Conn
// satisfies it; a nil publisher drops alerts.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// deciderFactory builds the decision maker and the embedding client for a
// session. Swappable in tests; the default wires the single-model LLM
// client or the council per the agent configuration.
type deciderFactory func(ctx context.Context, rt *Runtime) (llm.Decider, *llm.Client, error)

// Engine is the session orchestrator.
type Engine struct {
	cfg     *config.Config
	store   Store
	gateway market.Gateway
	hub     *stream.Hub
	alerts  *AlertPublisher
	cipher  *config.Cipher
	log     zerolog.Logger

	deciders deciderFactory

	mu     sync.Mutex
	active map[uuid.UUID]*Runtime
	wg     sync.WaitGroup
}

// NewEngine creates the orchestrator. The publisher may be nil when NATS
// is disabled; alerts are then dropped.
func NewEngine(cfg *config.Config, store Store, gateway market.Gateway, hub *stream.Hub, pub Publisher, logger zerolog.Logger) (*Engine, error) {
	cipher, err := config.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential cipher: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		store:   store,
		gateway: gateway,
		hub:     hub,
		alerts:  NewAlertPublisher(pub, cfg.Notifications.RelaySubject, logger),
		cipher:  cipher,
		log:     logger.With().Str("component", "engine").Logger(),
		active:  make(map[uuid.UUID]*Runtime),
	}
	e.deciders = e.defaultDeciderFactory
	return e, nil
}

// Start launches the runtime for a configured session. The session runs
// on its own goroutine; Start returns once it is registered.
func (e *Engine) Start(ctx context.Context, sessionID uuid.UUID) error {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != db.SessionConfiguring {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("session is %s, only configuring sessions can start", session.Status)}
	}

	e.mu.Lock()
	if _, running := e.active[sessionID]; running {
		e.mu.Unlock()
		return &ValidationError{Field: "session", Message: "session is already running"}
	}
	if max := e.cfg.Engine.MaxConcurrentSessions; max > 0 && len(e.active) >= max {
		e.mu.Unlock()
		return &ValidationError{Field: "session", Message: fmt.Sprintf("engine at capacity (%d active sessions)", max)}
	}
	rt := newRuntime(e, session)
	e.active[sessionID] = rt
	count := len(e.active)
	e.mu.Unlock()

	metrics.UpdateActiveSessions(count)
	metrics.RecordSessionStart(string(session.Type))
	e.log.Info().
		Str("session_id", sessionID.String()).
		Str("type", string(session.Type)).
		Str("asset", session.Asset).
		Msg("Session runtime launched")

	e.wg.Add(1)
	go e.drive(rt)
	return nil
}

// drive runs one session to its terminal state and unregisters it.
func (e *Engine) drive(rt *Runtime) {
	defer e.wg.Done()
	started := time.Now()

	state := rt.run(context.Background())

	e.detach(rt.sessionID)
	close(rt.done)
	metrics.RecordSessionFinish(string(rt.session.Type), state, time.Since(started).Seconds())
}

func (e *Engine) detach(sessionID uuid.UUID) {
	e.mu.Lock()
	delete(e.active, sessionID)
	count := len(e.active)
	e.mu.Unlock()
	metrics.UpdateActiveSessions(count)
}

// Runtime returns the active runtime for a session, if any.
func (e *Engine) Runtime(sessionID uuid.UUID) (*Runtime, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.active[sessionID]
	return rt, ok
}

// ActiveCount reports how many sessions are currently running.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Pause suspends a running session at its next candle iteration.
func (e *Engine) Pause(ctx context.Context, sessionID uuid.UUID) error {
	rt, ok := e.Runtime(sessionID)
	if !ok {
		return &ValidationError{Field: "session", Message: "session has no active runtime"}
	}
	return rt.Pause(ctx)
}

// Resume releases a paused session.
func (e *Engine) Resume(ctx context.Context, sessionID uuid.UUID) error {
	rt, ok := e.Runtime(sessionID)
	if !ok {
		return &ValidationError{Field: "session", Message: "session has no active runtime"}
	}
	return rt.Resume(ctx)
}

// Stop terminates a session and returns the id of the Result it produced.
// With no active runtime the terminal state is rebuilt from persistence;
// stopping an already-terminal session returns its existing result id.
func (e *Engine) Stop(ctx context.Context, sessionID uuid.UUID, closePosition bool) (uuid.UUID, error) {
	rt, ok := e.Runtime(sessionID)
	if !ok {
		return e.stopFromStore(ctx, sessionID)
	}
	return rt.Stop(ctx, closePosition)
}

// HandleCommand is the stream.CommandHandler for inbound bus commands.
func (e *Engine) HandleCommand(ctx context.Context, sessionID string, cmd stream.Command) (map[string]interface{}, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, &ValidationError{Field: "session_id", Message: "not a valid UUID"}
	}

	switch cmd.Action {
	case stream.CommandPause:
		return nil, e.Pause(ctx, id)
	case stream.CommandResume:
		return nil, e.Resume(ctx, id)
	case stream.CommandStop:
		resultID, err := e.Stop(ctx, id, cmd.ShouldClosePosition())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"result_id": resultID.String()}, nil
	default:
		return nil, &ValidationError{Field: "action", Message: fmt.Sprintf("unsupported action %q", cmd.Action)}
	}
}

// Shutdown stops every active session and waits for the runtimes to
// finalize, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	runtimes := make([]*Runtime, 0, len(e.active))
	for _, rt := range e.active {
		runtimes = append(runtimes, rt)
	}
	e.mu.Unlock()

	for _, rt := range runtimes {
		rt.signalStop(true)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info().Int("sessions", len(runtimes)).Msg("Engine shut down")
	case <-ctx.Done():
		e.log.Warn().Int("sessions", len(runtimes)).Msg("Engine shutdown timed out with sessions still finalizing")
	}
}

// Ensure the engine satisfies the bus command contract.
var _ stream.CommandHandler = (*Engine)(nil).HandleCommand
