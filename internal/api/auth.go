package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/db"
)

// KeyStore is the credential lookup surface the auth middleware consumes.
// *db.DB satisfies it. Only api_keys rows with a key_hash participate;
// the rest of the table holds provider credentials for the engine.
type KeyStore interface {
	GetApiKeyByHash(ctx context.Context, hash string) (*db.ApiKey, error)
	TouchApiKey(ctx context.Context, id uuid.UUID) error
}

// AuthConfig controls the API key middleware.
type AuthConfig struct {
	Enabled      bool
	HeaderName   string // defaults to X-API-Key
	RequireHTTPS bool
}

// DefaultAuthConfig returns the disabled development configuration.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:      false,
		HeaderName:   "X-API-Key",
		RequireHTTPS: true,
	}
}

// HashAPIKey creates a SHA-256 hash of an API key. Keys are stored and
// looked up by hash only.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// APIKeyAuth validates the presented key against the api_keys table and
// stamps the caller's identity into the request context. Disabled auth
// lets every request through.
func APIKeyAuth(store KeyStore, cfg AuthConfig) gin.HandlerFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-API-Key"
	}

	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		if cfg.RequireHTTPS && c.Request.TLS == nil && c.GetHeader("X-Forwarded-Proto") != "https" {
			host := c.Request.Host
			if !strings.HasPrefix(host, "localhost") && !strings.HasPrefix(host, "127.0.0.1") {
				log.Warn().
					Str("host", host).
					Str("ip", c.ClientIP()).
					Msg("Auth: HTTPS required but request is HTTP")
				c.JSON(http.StatusForbidden, gin.H{
					"error": "HTTPS required for API access",
				})
				c.Abort()
				return
			}
		}

		key := extractKey(c, cfg.HeaderName)
		if key == "" {
			log.Debug().
				Str("ip", c.ClientIP()).
				Str("path", c.Request.URL.Path).
				Msg("Auth: No API key provided")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide an API key via " + cfg.HeaderName + " header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		record, err := store.GetApiKeyByHash(c.Request.Context(), HashAPIKey(key))
		if err != nil {
			if db.IsNotFound(err) {
				log.Warn().
					Str("ip", c.ClientIP()).
					Str("path", c.Request.URL.Path).
					Msg("Auth: Invalid API key")
				c.JSON(http.StatusUnauthorized, gin.H{
					"error": "Invalid API key",
				})
			} else {
				log.Error().Err(err).
					Str("ip", c.ClientIP()).
					Msg("Auth: Error validating API key")
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "Authentication error",
				})
			}
			c.Abort()
			return
		}

		// Refresh last_used_at off the request path; a detached context
		// with its own timeout survives the request ending.
		keyID := record.ID
		go func() {
			touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.TouchApiKey(touchCtx, keyID)
		}()

		c.Set("user_id", record.UserID.String())
		c.Set("api_key_id", record.ID.String())
		c.Set("api_key_label", record.Label)

		c.Next()
	}
}

// extractKey pulls the API key from the configured header or a bearer token.
func extractKey(c *gin.Context, headerName string) string {
	if key := c.GetHeader(headerName); key != "" {
		return key
	}
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// actingUser resolves which user a request acts for. An authenticated
// key pins the identity; otherwise the explicit id from the request body
// or the user_id query parameter is trusted, matching the disabled-auth
// development mode. Returns nil when the caller is anonymous.
func actingUser(c *gin.Context, explicit string) (*uuid.UUID, error) {
	if v, ok := c.Get("user_id"); ok {
		if s, ok := v.(string); ok && s != "" {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, err
			}
			return &id, nil
		}
	}
	if explicit == "" {
		explicit = c.Query("user_id")
	}
	if explicit == "" {
		return nil, nil
	}
	id, err := uuid.Parse(explicit)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
