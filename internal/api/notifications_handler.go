package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quantfold/agentsim/internal/db"
)

// NotificationStore is the persistence surface the inbox endpoints
// consume. *db.DB satisfies it.
type NotificationStore interface {
	ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID) error
	UpsertDeviceToken(ctx context.Context, t *db.DeviceToken) error
	DeleteDeviceToken(ctx context.Context, token string) error
	GetNotificationPrefs(ctx context.Context, userID uuid.UUID) (*db.NotificationPrefs, error)
	SetNotificationPrefs(ctx context.Context, p *db.NotificationPrefs) error
}

// NotificationsHandler serves the notification inbox, device token
// registration and per-user preferences.
type NotificationsHandler struct {
	store      NotificationStore
	tokenValid func(string) bool
}

// NewNotificationsHandler creates a notifications handler. tokenValid
// may be nil; any non-empty token is then accepted.
func NewNotificationsHandler(store NotificationStore, tokenValid func(string) bool) *NotificationsHandler {
	return &NotificationsHandler{store: store, tokenValid: tokenValid}
}

// RegisterRoutes mounts the notification endpoints.
func (h *NotificationsHandler) RegisterRoutes(router *gin.RouterGroup) {
	n := router.Group("/notifications")
	{
		n.GET("", h.List)
		n.POST("/:id/read", h.MarkRead)
		n.GET("/preferences", h.GetPrefs)
		n.PUT("/preferences", h.SetPrefs)
		n.POST("/devices", h.RegisterDevice)
		n.DELETE("/devices/:token", h.UnregisterDevice)
	}
}

// List returns the acting user's inbox, newest first.
func (h *NotificationsHandler) List(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit, offset := pageParams(c, 50)

	rows, err := h.store.ListNotificationsByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondStoreError(c, err, "list notifications")
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, n := range rows {
		entry := gin.H{
			"id":         n.ID.String(),
			"type":       n.Type,
			"title":      n.Title,
			"body":       n.Body,
			"read":       n.Read,
			"created_at": n.CreatedAt,
		}
		if len(n.Data) > 0 {
			entry["data"] = json.RawMessage(n.Data)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out, "count": len(out)})
}

// MarkRead marks one notification as read.
func (h *NotificationsHandler) MarkRead(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	if err := h.store.MarkNotificationRead(c.Request.Context(), id); err != nil {
		respondStoreError(c, err, "mark notification read")
		return
	}
	c.Status(http.StatusNoContent)
}

// GetPrefs returns the acting user's category preferences.
func (h *NotificationsHandler) GetPrefs(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	prefs, err := h.store.GetNotificationPrefs(c.Request.Context(), userID)
	if err != nil {
		respondStoreError(c, err, "get notification preferences")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_events":   prefs.SessionEvents,
		"trade_events":     prefs.TradeEvents,
		"auto_stop_events": prefs.AutoStopEvents,
	})
}

// PrefsRequest is the preference update payload; every category is
// stated explicitly.
type PrefsRequest struct {
	SessionEvents  bool `json:"session_events"`
	TradeEvents    bool `json:"trade_events"`
	AutoStopEvents bool `json:"auto_stop_events"`
}

// SetPrefs replaces the acting user's category preferences.
func (h *NotificationsHandler) SetPrefs(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req PrefsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	prefs := &db.NotificationPrefs{
		UserID:         userID,
		SessionEvents:  req.SessionEvents,
		TradeEvents:    req.TradeEvents,
		AutoStopEvents: req.AutoStopEvents,
	}
	if err := h.store.SetNotificationPrefs(c.Request.Context(), prefs); err != nil {
		respondStoreError(c, err, "set notification preferences")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_events":   prefs.SessionEvents,
		"trade_events":     prefs.TradeEvents,
		"auto_stop_events": prefs.AutoStopEvents,
	})
}

// DeviceRequest registers a push target.
type DeviceRequest struct {
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform"`
}

// RegisterDevice upserts a device token for the acting user.
func (h *NotificationsHandler) RegisterDevice(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	if h.tokenValid != nil && !h.tokenValid(req.Token) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device token is not valid"})
		return
	}

	switch req.Platform {
	case "":
		req.Platform = "android"
	case "android", "ios", "web":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "platform must be android, ios or web"})
		return
	}

	row := &db.DeviceToken{
		UserID:   userID,
		Token:    req.Token,
		Platform: req.Platform,
	}
	if err := h.store.UpsertDeviceToken(c.Request.Context(), row); err != nil {
		respondStoreError(c, err, "register device")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":    row.Token,
		"platform": row.Platform,
	})
}

// UnregisterDevice removes a device token.
func (h *NotificationsHandler) UnregisterDevice(c *gin.Context) {
	token := c.Param("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}

	if err := h.store.DeleteDeviceToken(c.Request.Context(), token); err != nil {
		respondStoreError(c, err, "unregister device")
		return
	}
	c.Status(http.StatusNoContent)
}

// requireUser resolves the acting user or answers the failure itself.
func requireUser(c *gin.Context) (uuid.UUID, bool) {
	userID, err := actingUser(c, "")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is not a valid uuid"})
		return uuid.Nil, false
	}
	if userID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return uuid.Nil, false
	}
	return *userID, true
}
