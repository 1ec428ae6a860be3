// Package api is the REST and WebSocket control surface: agent CRUD and
// definition import/export, session lifecycle backed by the engine,
// trade/journal/result listings, decision similarity search, the
// notification inbox, and the per-session event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/engine"
	"github.com/quantfold/agentsim/internal/stream"
)

// Config carries the server address, middleware settings and the
// dependencies the handlers are wired to. Store and Engine are required
// in a full deployment; the optional fields switch their endpoints off
// when absent.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Version        string
	Auth           AuthConfig

	Store  *db.DB
	Engine *engine.Engine
	Hub    *stream.Hub

	// Embedder and EmbeddingModel power the similar-decisions search.
	Embedder       Embedder
	EmbeddingModel string

	// LinkCodes issues telegram link codes; nil disables the endpoint.
	LinkCodes LinkCodeFunc

	// PushTokenValid rejects malformed device tokens before they are
	// stored; nil accepts any non-empty token.
	PushTokenValid func(string) bool
}

// Server is the HTTP front of the system.
type Server struct {
	router *gin.Engine
	cfg    Config
	addr   string
	server *http.Server
}

// NewServer builds the router, middleware chain and route table.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		cfg:    cfg,
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	s.setupRoutes()
	return s
}

// Start runs the HTTP server until Stop shuts it down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "agentsim",
		"version": s.cfg.Version,
		"api":     "/api/v1",
	})
}

// handleHealth reports liveness plus the database round-trip and the
// number of active session runtimes.
func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status":  "ok",
		"version": s.cfg.Version,
	}
	if s.cfg.Engine != nil {
		health["active_sessions"] = s.cfg.Engine.ActiveCount()
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Health(c.Request.Context()); err != nil {
			health["status"] = "degraded"
			health["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, health)
			return
		}
		health["database"] = "ok"
	}
	c.JSON(http.StatusOK, health)
}

// parseIDParam parses the :id route parameter, answering 400 itself on
// malformed input.
func parseIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is not a valid uuid"})
		return uuid.Nil, false
	}
	return id, true
}

// respondStoreError maps store and engine errors onto HTTP statuses:
// missing rows answer 404, rejected input 400, the rest a generic 500.
func respondStoreError(c *gin.Context, err error, action string) {
	switch {
	case db.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case engine.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + action})
	}
}

// LoggerMiddleware logs one line per request with latency and status.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		logEvent := log.Info().
			Str("method", method).
			Str("path", path).
			Str("query", query).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", clientIP)

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}
