package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LinkCodeFunc issues a short-lived code binding a Telegram chat to a
// user. telegram.CreateLinkCode satisfies it when partially applied to
// the bot's database pool.
type LinkCodeFunc func(ctx context.Context, userID uuid.UUID) (string, error)

// TelegramHandler issues chat link codes for the dashboard.
type TelegramHandler struct {
	issue LinkCodeFunc
}

// NewTelegramHandler creates a telegram handler.
func NewTelegramHandler(issue LinkCodeFunc) *TelegramHandler {
	return &TelegramHandler{issue: issue}
}

// RegisterRoutes mounts the telegram endpoints.
func (h *TelegramHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/telegram/link-code", h.LinkCode)
}

// LinkCode issues a one-hour code the user sends to the bot via /link.
func (h *TelegramHandler) LinkCode(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	code, err := h.issue(c.Request.Context(), userID)
	if err != nil {
		log.Err(err).Str("user_id", userID.String()).Msg("Failed to issue telegram link code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue link code"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"code":       code,
		"expires_in": 3600,
	})
}
