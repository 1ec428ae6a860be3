package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/engine"
	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// SessionControl is the engine surface the lifecycle endpoints consume.
// *engine.Engine satisfies it; a nil control answers 503 on lifecycle
// actions while the read endpoints keep working.
type SessionControl interface {
	Start(ctx context.Context, sessionID uuid.UUID) error
	Pause(ctx context.Context, sessionID uuid.UUID) error
	Resume(ctx context.Context, sessionID uuid.UUID) error
	Stop(ctx context.Context, sessionID uuid.UUID, closePosition bool) (uuid.UUID, error)
}

// SessionStore is the persistence surface the session endpoints consume.
// *db.DB satisfies it.
type SessionStore interface {
	CreateSession(ctx context.Context, s *db.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*db.Session, error)
	ListSessionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Session, error)
	ListSessionsByAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*db.Session, error)
	GetAgent(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	ListTradesBySession(ctx context.Context, sessionID uuid.UUID) ([]*db.Trade, error)
	GetResult(ctx context.Context, id uuid.UUID) (*db.TestResult, error)
	GetResultBySession(ctx context.Context, sessionID uuid.UUID) (*db.TestResult, error)
	LogActivity(ctx context.Context, a *db.ActivityLog) error
}

// SessionHandler serves session creation, lifecycle control and the
// trade/result read models.
type SessionHandler struct {
	store   SessionStore
	control SessionControl
}

// NewSessionHandler creates a session handler. control may be nil.
func NewSessionHandler(store SessionStore, control SessionControl) *SessionHandler {
	return &SessionHandler{store: store, control: control}
}

// RegisterRoutes mounts the session endpoints.
func (h *SessionHandler) RegisterRoutes(router *gin.RouterGroup) {
	sessions := router.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.POST("", h.Create)

		sessions.GET("/:id", h.Get)
		sessions.POST("/:id/start", h.Start)
		sessions.POST("/:id/pause", h.Pause)
		sessions.POST("/:id/resume", h.Resume)
		sessions.POST("/:id/stop", h.Stop)

		sessions.GET("/:id/trades", h.Trades)
		sessions.GET("/:id/result", h.Result)
	}
}

// SessionRequest is the create payload. Config carries the runtime knobs
// persisted verbatim on the session row; omitted fields take engine
// defaults.
type SessionRequest struct {
	AgentID         string               `json:"agent_id" binding:"required"`
	Type            string               `json:"type"`
	Asset           string               `json:"asset" binding:"required"`
	Timeframe       string               `json:"timeframe" binding:"required"`
	StartingCapital float64              `json:"starting_capital"`
	UserID          string               `json:"user_id,omitempty"`
	Config          engine.SessionConfig `json:"config"`
}

// sessionJSON shapes a session row for the wire.
func sessionJSON(s *db.Session) gin.H {
	out := gin.H{
		"id":               s.ID.String(),
		"agent_id":         s.AgentID.String(),
		"status":           s.Status,
		"type":             s.Type,
		"asset":            s.Asset,
		"timeframe":        s.Timeframe,
		"starting_capital": s.StartingCapital,
		"current_index":    s.CurrentIndex,
		"total_candles":    s.TotalCandles,
		"equity":           s.Equity,
		"realized_pnl":     s.RealizedPnL,
		"total_trades":     s.TotalTrades,
		"winning_trades":   s.WinningTrades,
		"losing_trades":    s.LosingTrades,
		"max_drawdown_pct": s.MaxDrawdownPct,
		"created_at":       s.CreatedAt,
		"updated_at":       s.UpdatedAt,
	}
	if s.UserID != nil {
		out["user_id"] = s.UserID.String()
	}
	if len(s.Config) > 0 {
		out["config"] = json.RawMessage(s.Config)
	}
	if s.ErrorMessage != nil {
		out["error_message"] = *s.ErrorMessage
	}
	if s.StartedAt != nil {
		out["started_at"] = *s.StartedAt
	}
	if s.PausedAt != nil {
		out["paused_at"] = *s.PausedAt
	}
	if s.CompletedAt != nil {
		out["completed_at"] = *s.CompletedAt
	}
	return out
}

// List returns sessions for the acting user, or for one agent when
// agent_id is given.
func (h *SessionHandler) List(c *gin.Context) {
	limit, offset := pageParams(c, 50)

	if agentParam := c.Query("agent_id"); agentParam != "" {
		agentID, err := uuid.Parse(agentParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is not a valid uuid"})
			return
		}
		rows, err := h.store.ListSessionsByAgent(c.Request.Context(), agentID, limit, offset)
		if err != nil {
			respondStoreError(c, err, "list sessions")
			return
		}
		respondSessions(c, rows)
		return
	}

	userID, err := actingUser(c, "")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is not a valid uuid"})
		return
	}
	if userID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id or agent_id is required"})
		return
	}

	rows, err := h.store.ListSessionsByUser(c.Request.Context(), *userID, limit, offset)
	if err != nil {
		respondStoreError(c, err, "list sessions")
		return
	}
	respondSessions(c, rows)
}

func respondSessions(c *gin.Context, rows []*db.Session) {
	out := make([]gin.H, 0, len(rows))
	for _, s := range rows {
		out = append(out, sessionJSON(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

// Create validates and persists a new session in status configuring.
// The session does not run until started.
func (h *SessionHandler) Create(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is not a valid uuid"})
		return
	}

	sessionType := db.SessionType(req.Type)
	if sessionType == "" {
		sessionType = db.SessionBacktest
	}
	if sessionType != db.SessionBacktest && sessionType != db.SessionForward {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be backtest or forward"})
		return
	}

	if _, err := ohlcv.ParseTimeframe(req.Timeframe); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.StartingCapital < 100 || math.IsInf(req.StartingCapital, 0) || math.IsNaN(req.StartingCapital) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "starting_capital must be a finite number >= 100"})
		return
	}

	// The agent must exist before a session can reference it.
	if _, err := h.store.GetAgent(c.Request.Context(), agentID); err != nil {
		respondStoreError(c, err, "get agent")
		return
	}

	rawConfig, err := json.Marshal(req.Config)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "config is not serializable"})
		return
	}
	// Round-trip through the engine parser so speed/cadence mistakes are
	// rejected here rather than at start time.
	if _, err := engine.ParseSessionConfig(rawConfig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, err := actingUser(c, req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is not a valid uuid"})
		return
	}

	row := &db.Session{
		AgentID:         agentID,
		UserID:          userID,
		Type:            sessionType,
		Asset:           req.Asset,
		Timeframe:       req.Timeframe,
		StartingCapital: req.StartingCapital,
		Config:          rawConfig,
	}
	if err := h.store.CreateSession(c.Request.Context(), row); err != nil {
		respondStoreError(c, err, "create session")
		return
	}
	h.logActivity(c, userID, row.ID, "created")

	c.JSON(http.StatusCreated, sessionJSON(row))
}

// Get returns one session by id.
func (h *SessionHandler) Get(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	row, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "get session")
		return
	}
	c.JSON(http.StatusOK, sessionJSON(row))
}

// Start launches the runtime for a configured session.
func (h *SessionHandler) Start(c *gin.Context) {
	id, ok := h.lifecycleTarget(c)
	if !ok {
		return
	}

	if err := h.control.Start(c.Request.Context(), id); err != nil {
		respondStoreError(c, err, "start session")
		return
	}
	userID, _ := actingUser(c, "")
	h.logActivity(c, userID, id, "started")

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": id.String(),
		"status":     db.SessionInitializing,
	})
}

// Pause suspends a running session at its next candle.
func (h *SessionHandler) Pause(c *gin.Context) {
	id, ok := h.lifecycleTarget(c)
	if !ok {
		return
	}

	if err := h.control.Pause(c.Request.Context(), id); err != nil {
		respondStoreError(c, err, "pause session")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": id.String(),
		"status":     db.SessionPaused,
	})
}

// Resume releases a paused session.
func (h *SessionHandler) Resume(c *gin.Context) {
	id, ok := h.lifecycleTarget(c)
	if !ok {
		return
	}

	if err := h.control.Resume(c.Request.Context(), id); err != nil {
		respondStoreError(c, err, "resume session")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": id.String(),
		"status":     db.SessionRunning,
	})
}

// StopRequest carries the optional close flag; nil means close the open
// position at the latest price.
type StopRequest struct {
	ClosePosition *bool `json:"close_position,omitempty"`
}

// Stop terminates a session and reports the id of its Result. Stopping
// an already-terminal session returns the existing result id.
func (h *SessionHandler) Stop(c *gin.Context) {
	id, ok := h.lifecycleTarget(c)
	if !ok {
		return
	}

	var req StopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
			return
		}
	}
	closePosition := req.ClosePosition == nil || *req.ClosePosition

	resultID, err := h.control.Stop(c.Request.Context(), id, closePosition)
	if err != nil {
		respondStoreError(c, err, "stop session")
		return
	}
	userID, _ := actingUser(c, "")
	h.logActivity(c, userID, id, "stopped")

	c.JSON(http.StatusOK, gin.H{
		"session_id": id.String(),
		"result_id":  resultID.String(),
	})
}

// Trades lists a session's closed trades in execution order.
func (h *SessionHandler) Trades(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	trades, err := h.store.ListTradesBySession(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "list trades")
		return
	}

	out := make([]gin.H, 0, len(trades))
	for _, t := range trades {
		out = append(out, gin.H{
			"id":           t.ID.String(),
			"side":         t.Side,
			"entry_price":  t.EntryPrice,
			"exit_price":   t.ExitPrice,
			"size":         t.Size,
			"leverage":     t.Leverage,
			"entry_time":   t.EntryTime,
			"exit_time":    t.ExitTime,
			"pnl":          t.PnL,
			"pnl_pct":      t.PnLPct,
			"close_reason": t.CloseReason,
		})
	}
	c.JSON(http.StatusOK, gin.H{"trades": out, "count": len(out)})
}

// Result returns the terminal result of a finished session.
func (h *SessionHandler) Result(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	r, err := h.store.GetResultBySession(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "get result")
		return
	}

	out := gin.H{
		"id":               r.ID.String(),
		"session_id":       r.SessionID.String(),
		"final_equity":     r.FinalEquity,
		"total_pnl":        r.TotalPnL,
		"total_pnl_pct":    r.TotalPnLPct,
		"total_trades":     r.TotalTrades,
		"winning_trades":   r.WinningTrades,
		"losing_trades":    r.LosingTrades,
		"win_rate":         r.WinRate,
		"max_drawdown_pct": r.MaxDrawdownPct,
		"forced_stop":      r.ForcedStop,
		"auto_stop":        r.AutoStop,
		"created_at":       r.CreatedAt,
	}
	if len(r.EquityCurve) > 0 {
		out["equity_curve"] = json.RawMessage(r.EquityCurve)
	}
	c.JSON(http.StatusOK, out)
}

// lifecycleTarget parses the id and checks a control backend is wired.
func (h *SessionHandler) lifecycleTarget(c *gin.Context) (uuid.UUID, bool) {
	id, ok := parseIDParam(c)
	if !ok {
		return uuid.Nil, false
	}
	if h.control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session engine is not available"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *SessionHandler) logActivity(c *gin.Context, userID *uuid.UUID, sessionID uuid.UUID, action string) {
	entry := &db.ActivityLog{
		UserID:     userID,
		EntityType: "session",
		EntityID:   sessionID,
		Action:     action,
	}
	if err := h.store.LogActivity(c.Request.Context(), entry); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to record session activity")
	}
}

// pageParams reads limit/offset query parameters with bounds.
func pageParams(c *gin.Context, defaultLimit int) (int, int) {
	limit := defaultLimit
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(c.DefaultQuery("offset", "")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
