package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/agentsim/internal/db"
)

type fakeKeyStore struct {
	keys    map[string]*db.ApiKey // by hash
	touched []uuid.UUID
}

func (s *fakeKeyStore) GetApiKeyByHash(_ context.Context, hash string) (*db.ApiKey, error) {
	k, ok := s.keys[hash]
	if !ok {
		return nil, &db.NotFoundError{Entity: "api key", ID: hash}
	}
	return k, nil
}

func (s *fakeKeyStore) TouchApiKey(_ context.Context, id uuid.UUID) error {
	s.touched = append(s.touched, id)
	return nil
}

func authRouter(store KeyStore, cfg AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(APIKeyAuth(store, cfg))
	router.GET("/whoami", func(c *gin.Context) {
		userID, _ := c.Get("user_id")
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	return router
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	router := authRouter(&fakeKeyStore{}, DefaultAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequiresKey(t *testing.T) {
	cfg := DefaultAuthConfig()
	cfg.Enabled = true
	cfg.RequireHTTPS = false
	router := authRouter(&fakeKeyStore{keys: map[string]*db.ApiKey{}}, cfg)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-API-Key", "sk-wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthValidKeyPinsIdentity(t *testing.T) {
	userID := uuid.New()
	key := "sk-agentsim-test-key"
	store := &fakeKeyStore{keys: map[string]*db.ApiKey{
		HashAPIKey(key): {ID: uuid.New(), UserID: userID, Label: "ci"},
	}}

	cfg := DefaultAuthConfig()
	cfg.Enabled = true
	cfg.RequireHTTPS = false
	router := authRouter(store, cfg)

	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("X-API-Key", key) },
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+key) },
	} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		set(req)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), userID.String())
	}
}

func TestHashAPIKeyDeterministic(t *testing.T) {
	a := HashAPIKey("sk-abc")
	b := HashAPIKey("sk-abc")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, HashAPIKey("sk-abd"))
}
