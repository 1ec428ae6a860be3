package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/engine"
)

type fakeSessionStore struct {
	sessions map[uuid.UUID]*db.Session
	agents   map[uuid.UUID]*db.Agent
	trades   map[uuid.UUID][]*db.Trade
	results  map[uuid.UUID]*db.TestResult
	activity []*db.ActivityLog
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[uuid.UUID]*db.Session),
		agents:   make(map[uuid.UUID]*db.Agent),
		trades:   make(map[uuid.UUID][]*db.Trade),
		results:  make(map[uuid.UUID]*db.TestResult),
	}
}

func (s *fakeSessionStore) CreateSession(_ context.Context, row *db.Session) error {
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	row.Status = db.SessionConfiguring
	row.Equity = row.StartingCapital
	row.CreatedAt = time.Now().UTC()
	row.UpdatedAt = row.CreatedAt
	s.sessions[row.ID] = row
	return nil
}

func (s *fakeSessionStore) GetSession(_ context.Context, id uuid.UUID) (*db.Session, error) {
	row, ok := s.sessions[id]
	if !ok {
		return nil, &db.NotFoundError{Entity: "session", ID: id.String()}
	}
	return row, nil
}

func (s *fakeSessionStore) ListSessionsByUser(_ context.Context, userID uuid.UUID, _, _ int) ([]*db.Session, error) {
	var out []*db.Session
	for _, row := range s.sessions {
		if row.UserID != nil && *row.UserID == userID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *fakeSessionStore) ListSessionsByAgent(_ context.Context, agentID uuid.UUID, _, _ int) ([]*db.Session, error) {
	var out []*db.Session
	for _, row := range s.sessions {
		if row.AgentID == agentID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *fakeSessionStore) GetAgent(_ context.Context, id uuid.UUID) (*db.Agent, error) {
	row, ok := s.agents[id]
	if !ok {
		return nil, &db.NotFoundError{Entity: "agent", ID: id.String()}
	}
	return row, nil
}

func (s *fakeSessionStore) ListTradesBySession(_ context.Context, sessionID uuid.UUID) ([]*db.Trade, error) {
	return s.trades[sessionID], nil
}

func (s *fakeSessionStore) GetResult(_ context.Context, id uuid.UUID) (*db.TestResult, error) {
	for _, r := range s.results {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, &db.NotFoundError{Entity: "result", ID: id.String()}
}

func (s *fakeSessionStore) GetResultBySession(_ context.Context, sessionID uuid.UUID) (*db.TestResult, error) {
	r, ok := s.results[sessionID]
	if !ok {
		return nil, &db.NotFoundError{Entity: "result", ID: sessionID.String()}
	}
	return r, nil
}

func (s *fakeSessionStore) LogActivity(_ context.Context, a *db.ActivityLog) error {
	s.activity = append(s.activity, a)
	return nil
}

type fakeControl struct {
	started  []uuid.UUID
	paused   []uuid.UUID
	resumed  []uuid.UUID
	stopped  []uuid.UUID
	closed   []bool
	resultID uuid.UUID
	err      error
}

func (f *fakeControl) Start(_ context.Context, id uuid.UUID) error {
	f.started = append(f.started, id)
	return f.err
}

func (f *fakeControl) Pause(_ context.Context, id uuid.UUID) error {
	f.paused = append(f.paused, id)
	return f.err
}

func (f *fakeControl) Resume(_ context.Context, id uuid.UUID) error {
	f.resumed = append(f.resumed, id)
	return f.err
}

func (f *fakeControl) Stop(_ context.Context, id uuid.UUID, closePosition bool) (uuid.UUID, error) {
	f.stopped = append(f.stopped, id)
	f.closed = append(f.closed, closePosition)
	return f.resultID, f.err
}

func newSessionRouter(store SessionStore, control SessionControl) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	v1 := router.Group("/api/v1")
	NewSessionHandler(store, control).RegisterRoutes(v1)
	return router
}

func seedAgent(store *fakeSessionStore) uuid.UUID {
	id := uuid.New()
	store.agents[id] = &db.Agent{
		ID:    id,
		Name:  "momentum bot",
		Mode:  "omni",
		Model: "openai/gpt-4o-mini",
	}
	return id
}

func postJSON(t *testing.T, router http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateSession(t *testing.T) {
	store := newFakeSessionStore()
	agentID := seedAgent(store)
	router := newSessionRouter(store, &fakeControl{})

	body := map[string]interface{}{
		"agent_id":         agentID.String(),
		"type":             "backtest",
		"asset":            "BTCUSDT",
		"timeframe":        "1h",
		"starting_capital": 10000.0,
		"config": map[string]interface{}{
			"playback_speed":   "fast",
			"decision_cadence": "every_n_candles",
			"cadence_interval": 4,
			"safety_mode":      true,
		},
	}
	w := postJSON(t, router, "/api/v1/sessions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "configuring", resp["status"])
	assert.Equal(t, "BTCUSDT", resp["asset"])
	assert.Equal(t, float64(10000), resp["starting_capital"])

	// The config round-trips onto the stored row.
	id := uuid.MustParse(resp["id"].(string))
	sc, err := engine.ParseSessionConfig(store.sessions[id].Config)
	require.NoError(t, err)
	assert.Equal(t, engine.SpeedFast, sc.PlaybackSpeed)
	assert.Equal(t, 4, sc.CadenceInterval)
	assert.True(t, sc.SafetyMode)
}

func TestCreateSessionValidation(t *testing.T) {
	store := newFakeSessionStore()
	agentID := seedAgent(store)
	router := newSessionRouter(store, &fakeControl{})

	tests := []struct {
		name string
		body map[string]interface{}
		code int
	}{
		{
			name: "unknown timeframe",
			body: map[string]interface{}{
				"agent_id": agentID.String(), "asset": "BTCUSDT",
				"timeframe": "7m", "starting_capital": 1000.0,
			},
			code: http.StatusBadRequest,
		},
		{
			name: "capital below floor",
			body: map[string]interface{}{
				"agent_id": agentID.String(), "asset": "BTCUSDT",
				"timeframe": "1h", "starting_capital": 50.0,
			},
			code: http.StatusBadRequest,
		},
		{
			name: "unknown session type",
			body: map[string]interface{}{
				"agent_id": agentID.String(), "type": "paper", "asset": "BTCUSDT",
				"timeframe": "1h", "starting_capital": 1000.0,
			},
			code: http.StatusBadRequest,
		},
		{
			name: "unknown playback speed",
			body: map[string]interface{}{
				"agent_id": agentID.String(), "asset": "BTCUSDT",
				"timeframe": "1h", "starting_capital": 1000.0,
				"config": map[string]interface{}{"playback_speed": "ludicrous"},
			},
			code: http.StatusBadRequest,
		},
		{
			name: "missing agent",
			body: map[string]interface{}{
				"agent_id": uuid.New().String(), "asset": "BTCUSDT",
				"timeframe": "1h", "starting_capital": 1000.0,
			},
			code: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, router, "/api/v1/sessions", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestSessionLifecycleRouting(t *testing.T) {
	store := newFakeSessionStore()
	control := &fakeControl{resultID: uuid.New()}
	router := newSessionRouter(store, control)

	id := uuid.New()
	store.sessions[id] = &db.Session{ID: id, Status: db.SessionConfiguring}

	w := postJSON(t, router, "/api/v1/sessions/"+id.String()+"/start", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, []uuid.UUID{id}, control.started)

	w = postJSON(t, router, "/api/v1/sessions/"+id.String()+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []uuid.UUID{id}, control.paused)

	w = postJSON(t, router, "/api/v1/sessions/"+id.String()+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []uuid.UUID{id}, control.resumed)

	w = postJSON(t, router, "/api/v1/sessions/"+id.String()+"/stop", map[string]interface{}{"close_position": false})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []uuid.UUID{id}, control.stopped)
	require.Equal(t, []bool{false}, control.closed)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, control.resultID.String(), resp["result_id"])
}

func TestSessionLifecycleErrors(t *testing.T) {
	store := newFakeSessionStore()
	control := &fakeControl{err: &engine.ValidationError{Field: "status", Message: "session is completed"}}
	router := newSessionRouter(store, control)

	w := postJSON(t, router, "/api/v1/sessions/"+uuid.New().String()+"/pause", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, router, "/api/v1/sessions/not-a-uuid/start", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionTradesAndResult(t *testing.T) {
	store := newFakeSessionStore()
	router := newSessionRouter(store, &fakeControl{})

	sessionID := uuid.New()
	store.sessions[sessionID] = &db.Session{ID: sessionID}
	store.trades[sessionID] = []*db.Trade{
		{ID: uuid.New(), SessionID: sessionID, Side: "long", EntryPrice: 100, ExitPrice: 105, PnL: 25, CloseReason: "take_profit"},
		{ID: uuid.New(), SessionID: sessionID, Side: "short", EntryPrice: 105, ExitPrice: 104, PnL: 5, CloseReason: "ai_decision"},
	}
	store.results[sessionID] = &db.TestResult{
		ID:          uuid.New(),
		SessionID:   sessionID,
		FinalEquity: 10030,
		TotalPnLPct: 0.3,
		TotalTrades: 2,
		WinRate:     100,
		EquityCurve: []byte(`[{"i":0,"equity":10000}]`),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sessionID.String()+"/trades", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var trades map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trades))
	assert.Equal(t, float64(2), trades["count"])

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sessionID.String()+"/result", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, float64(10030), result["final_equity"])
	assert.NotNil(t, result["equity_curve"])

	// Result for a session that never finished answers 404.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+uuid.New().String()+"/result", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessions(t *testing.T) {
	store := newFakeSessionStore()
	router := newSessionRouter(store, &fakeControl{})

	userID := uuid.New()
	agentID := uuid.New()
	for i := 0; i < 3; i++ {
		id := uuid.New()
		store.sessions[id] = &db.Session{ID: id, UserID: &userID, AgentID: agentID}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions?user_id="+userID.String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(3), resp["count"])

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions?agent_id="+agentID.String(), nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(3), resp["count"])

	// No identity at all is rejected.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLifecycleWithoutEngine(t *testing.T) {
	store := newFakeSessionStore()
	router := newSessionRouter(store, nil)

	w := postJSON(t, router, "/api/v1/sessions/"+uuid.New().String()+"/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
