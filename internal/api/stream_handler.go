package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/stream"
)

// StreamBackend is the engine surface behind a stream connection:
// inbound commands and history replay for late joiners. *engine.Engine
// satisfies it.
type StreamBackend interface {
	HandleCommand(ctx context.Context, sessionID string, cmd stream.Command) (map[string]interface{}, error)
	Replay(ctx context.Context, sessionID string, sub *stream.Subscriber) error
}

// sessionLookup is the single store call the stream handler needs.
type sessionLookup interface {
	GetSession(ctx context.Context, id uuid.UUID) (*db.Session, error)
}

// StreamHandler upgrades consumers onto the per-session event bus.
type StreamHandler struct {
	hub      *stream.Hub
	backend  StreamBackend
	store    sessionLookup
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a stream handler. backend may be nil; the
// stream is then watch-only and without replay.
func NewStreamHandler(hub *stream.Hub, backend StreamBackend, store sessionLookup, allowedOrigins []string) *StreamHandler {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return &StreamHandler{
		hub:     hub,
		backend: backend,
		store:   store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || allowed[origin]
			},
		},
	}
}

// RegisterRoutes mounts the stream endpoint.
func (h *StreamHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/sessions/:id/stream", h.Connect)
}

// Connect upgrades the request and binds the connection to the session's
// event stream. Unless replay=false, a consumer joining a running
// session receives the processed history before live events.
func (h *StreamHandler) Connect(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	if _, err := h.store.GetSession(c.Request.Context(), id); err != nil {
		respondStoreError(c, err, "get session")
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already answered the client.
		log.Warn().Err(err).Str("session_id", id.String()).Msg("Stream upgrade failed")
		return
	}

	sessionID := id.String()
	replay := h.backend != nil && c.Query("replay") != "false"

	sub := h.hub.Subscribe(sessionID, replay)
	if replay {
		go func() {
			if err := h.backend.Replay(context.Background(), sessionID, sub); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("Stream replay failed")
				h.hub.Activate(sub)
			}
		}()
	}

	var handler stream.CommandHandler
	if h.backend != nil {
		handler = h.backend.HandleCommand
	}

	// Blocks until the connection drops; ServeConn owns the subscriber
	// from here and unsubscribes on exit.
	h.hub.ServeConn(c.Request.Context(), ws, sub, handler)
}
