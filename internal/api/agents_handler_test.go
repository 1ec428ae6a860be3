package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/agentsim/internal/db"
)

type fakeAgentStore struct {
	agents   map[uuid.UUID]*db.Agent
	activity []*db.ActivityLog
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{agents: make(map[uuid.UUID]*db.Agent)}
}

func (s *fakeAgentStore) CreateAgent(_ context.Context, a *db.Agent) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.agents[a.ID] = a
	return nil
}

func (s *fakeAgentStore) GetAgent(_ context.Context, id uuid.UUID) (*db.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, &db.NotFoundError{Entity: "agent", ID: id.String()}
	}
	return a, nil
}

func (s *fakeAgentStore) ListAgentsByUser(_ context.Context, userID uuid.UUID) ([]*db.Agent, error) {
	var out []*db.Agent
	for _, a := range s.agents {
		if a.UserID != nil && *a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeAgentStore) UpdateAgent(_ context.Context, a *db.Agent) error {
	if _, ok := s.agents[a.ID]; !ok {
		return &db.NotFoundError{Entity: "agent", ID: a.ID.String()}
	}
	s.agents[a.ID] = a
	return nil
}

func (s *fakeAgentStore) DeleteAgent(_ context.Context, id uuid.UUID) error {
	if _, ok := s.agents[id]; !ok {
		return &db.NotFoundError{Entity: "agent", ID: id.String()}
	}
	delete(s.agents, id)
	return nil
}

func (s *fakeAgentStore) LogActivity(_ context.Context, a *db.ActivityLog) error {
	s.activity = append(s.activity, a)
	return nil
}

func newAgentRouter(store AgentStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	v1 := router.Group("/api/v1")
	NewAgentHandler(store).RegisterRoutes(v1)
	return router
}

func validAgentRequest() map[string]interface{} {
	return map[string]interface{}{
		"name":            "rsi scalper",
		"mode":            "monk",
		"model":           "openai/gpt-4o-mini",
		"strategy_prompt": "Trade RSI extremes with tight stops.",
		"indicators":      []string{"rsi", "macd"},
	}
}

func TestCreateAgent(t *testing.T) {
	store := newFakeAgentStore()
	router := newAgentRouter(store)

	w := postJSON(t, router, "/api/v1/agents", validAgentRequest())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "rsi scalper", resp["name"])
	assert.Equal(t, "monk", resp["mode"])
	require.Len(t, store.agents, 1)
	require.Len(t, store.activity, 1)
	assert.Equal(t, "created", store.activity[0].Action)
}

func TestCreateAgentRejectsMonkIndicators(t *testing.T) {
	store := newFakeAgentStore()
	router := newAgentRouter(store)

	body := validAgentRequest()
	body["indicators"] = []string{"rsi", "bollinger_middle"}

	w := postJSON(t, router, "/api/v1/agents", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, store.agents)
}

func TestAgentExportImportRoundTrip(t *testing.T) {
	store := newFakeAgentStore()
	router := newAgentRouter(store)

	w := postJSON(t, router, "/api/v1/agents", validAgentRequest())
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/"+id+"/export?format=yaml", nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	require.Equal(t, http.StatusOK, w2.Code)
	document := w2.Body.String()
	assert.Contains(t, document, "schema_version")
	assert.Contains(t, document, "rsi scalper")

	w3 := postJSON(t, router, "/api/v1/agents/import", map[string]interface{}{"data": document})
	require.Equal(t, http.StatusCreated, w3.Code, w3.Body.String())
	assert.Len(t, store.agents, 2)
}

func TestValidateAgentDefinition(t *testing.T) {
	router := newAgentRouter(newFakeAgentStore())

	w := postJSON(t, router, "/api/v1/agents/validate", map[string]interface{}{"data": "{not yaml or json"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["valid"])
}

func TestAgentCRUD(t *testing.T) {
	store := newFakeAgentStore()
	router := newAgentRouter(store)

	w := postJSON(t, router, "/api/v1/agents", validAgentRequest())
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created["id"].(string)

	// Update keeps identity.
	update := validAgentRequest()
	update["name"] = "rsi scalper v2"
	data, _ := json.Marshal(update)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/agents/"+id, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	require.Equal(t, http.StatusOK, w2.Code, w2.Body.String())
	assert.Contains(t, w2.Body.String(), "rsi scalper v2")

	// Delete then 404.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/agents/"+id, nil)
	w3 := httptest.NewRecorder()
	router.ServeHTTP(w3, req)
	require.Equal(t, http.StatusNoContent, w3.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/agents/"+id, nil)
	w4 := httptest.NewRecorder()
	router.ServeHTTP(w4, req)
	assert.Equal(t, http.StatusNotFound, w4.Code)
}
