package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/agent"
	"github.com/quantfold/agentsim/internal/db"
)

// MaxDefinitionUploadSize is the maximum allowed size for agent
// definition uploads (10MB).
const MaxDefinitionUploadSize = 10 * 1024 * 1024

// AgentStore is the persistence surface the agent endpoints consume.
// *db.DB satisfies it.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *db.Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	ListAgentsByUser(ctx context.Context, userID uuid.UUID) ([]*db.Agent, error)
	UpdateAgent(ctx context.Context, a *db.Agent) error
	DeleteAgent(ctx context.Context, id uuid.UUID) error
	LogActivity(ctx context.Context, a *db.ActivityLog) error
}

// AgentHandler serves agent CRUD and definition import/export.
type AgentHandler struct {
	store AgentStore
}

// NewAgentHandler creates an agent handler.
func NewAgentHandler(store AgentStore) *AgentHandler {
	return &AgentHandler{store: store}
}

// RegisterRoutes mounts the agent endpoints.
func (h *AgentHandler) RegisterRoutes(router *gin.RouterGroup) {
	agents := router.Group("/agents")
	{
		agents.GET("", h.List)
		agents.POST("", h.Create)

		agents.POST("/import", h.Import)
		agents.POST("/validate", h.Validate)
		agents.GET("/schema", h.Schema)

		agents.GET("/:id", h.Get)
		agents.PUT("/:id", h.Update)
		agents.DELETE("/:id", h.Delete)
		agents.GET("/:id/export", h.Export)
	}
}

// CouncilRequest configures multi-model deliberation on an agent.
type CouncilRequest struct {
	Enabled  bool     `json:"enabled"`
	Models   []string `json:"models,omitempty"`
	Chairman string   `json:"chairman,omitempty"`
}

// AgentRequest is the create/update payload. It is validated through the
// same definition rules that gate imports.
type AgentRequest struct {
	Name           string                   `json:"name"`
	Mode           string                   `json:"mode"`
	Model          string                   `json:"model"`
	StrategyPrompt string                   `json:"strategy_prompt"`
	Indicators     []string                 `json:"indicators,omitempty"`
	CustomRules    []map[string]interface{} `json:"custom_rules,omitempty"`
	Council        *CouncilRequest          `json:"council,omitempty"`
	ApiKeyID       string                   `json:"api_key_id,omitempty"`
	UserID         string                   `json:"user_id,omitempty"`
}

// definition lifts the request into a portable document for validation.
func (r *AgentRequest) definition() *agent.Definition {
	def := &agent.Definition{
		SchemaVersion: agent.SchemaVersion,
		Metadata:      agent.Metadata{Name: r.Name},
		Spec: agent.Spec{
			Mode:           r.Mode,
			Model:          r.Model,
			StrategyPrompt: r.StrategyPrompt,
			Indicators:     r.Indicators,
			CustomRules:    r.CustomRules,
			ApiKeyID:       r.ApiKeyID,
		},
	}
	if c := r.Council; c != nil {
		def.Spec.Council = &agent.CouncilSpec{
			Enabled:  c.Enabled,
			Models:   c.Models,
			Chairman: c.Chairman,
		}
	}
	return def
}

// agentJSON shapes a stored agent row for the wire.
func agentJSON(a *db.Agent) gin.H {
	council := gin.H{
		"enabled": a.CouncilEnabled,
		"models":  a.CouncilModels,
	}
	if a.CouncilChairman != nil {
		council["chairman"] = *a.CouncilChairman
	}

	out := gin.H{
		"id":              a.ID.String(),
		"name":            a.Name,
		"mode":            a.Mode,
		"model":           a.Model,
		"strategy_prompt": a.StrategyPrompt,
		"indicators":      a.Indicators,
		"council":         council,
		"created_at":      a.CreatedAt,
		"updated_at":      a.UpdatedAt,
	}
	if a.UserID != nil {
		out["user_id"] = a.UserID.String()
	}
	if a.ApiKeyID != nil {
		out["api_key_id"] = a.ApiKeyID.String()
	}
	if len(a.CustomRules) > 0 {
		out["custom_rules"] = json.RawMessage(a.CustomRules)
	}
	return out
}

// List returns the acting user's agents.
func (h *AgentHandler) List(c *gin.Context) {
	userID, err := actingUser(c, "")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is not a valid uuid"})
		return
	}
	if userID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	agents, err := h.store.ListAgentsByUser(c.Request.Context(), *userID)
	if err != nil {
		respondStoreError(c, err, "list agents")
		return
	}

	out := make([]gin.H, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentJSON(a))
	}
	c.JSON(http.StatusOK, gin.H{"agents": out, "count": len(out)})
}

// Create validates and persists a new agent.
func (h *AgentHandler) Create(c *gin.Context) {
	var req AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	row, userID, ok := h.buildAgent(c, &req)
	if !ok {
		return
	}

	if err := h.store.CreateAgent(c.Request.Context(), row); err != nil {
		respondStoreError(c, err, "create agent")
		return
	}
	h.logActivity(c, userID, row.ID, "created")

	log.Info().
		Str("agent_id", row.ID.String()).
		Str("name", row.Name).
		Str("mode", row.Mode).
		Msg("Agent created")

	c.JSON(http.StatusCreated, agentJSON(row))
}

// Get returns one agent by id.
func (h *AgentHandler) Get(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	row, err := h.store.GetAgent(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "get agent")
		return
	}
	c.JSON(http.StatusOK, agentJSON(row))
}

// Update replaces an agent's configuration. The identity, owner and
// creation time are kept from the stored row.
func (h *AgentHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	existing, err := h.store.GetAgent(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "get agent")
		return
	}

	var req AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	row, _, ok := h.buildAgent(c, &req)
	if !ok {
		return
	}
	row.ID = existing.ID
	row.UserID = existing.UserID
	row.CreatedAt = existing.CreatedAt

	if err := h.store.UpdateAgent(c.Request.Context(), row); err != nil {
		respondStoreError(c, err, "update agent")
		return
	}
	h.logActivity(c, existing.UserID, row.ID, "updated")

	c.JSON(http.StatusOK, agentJSON(row))
}

// Delete removes an agent.
func (h *AgentHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	if err := h.store.DeleteAgent(c.Request.Context(), id); err != nil {
		respondStoreError(c, err, "delete agent")
		return
	}
	userID, _ := actingUser(c, "")
	h.logActivity(c, userID, id, "deleted")

	c.Status(http.StatusNoContent)
}

// Export serializes an agent as a downloadable definition document.
// Credential references are stripped unless keep_credentials=true.
func (h *AgentHandler) Export(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	row, err := h.store.GetAgent(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "get agent")
		return
	}

	def, err := agent.FromModel(row)
	if err != nil {
		log.Err(err).Str("agent_id", id.String()).Msg("Failed to build agent definition")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export agent"})
		return
	}

	opts := agent.DefaultExportOptions()
	if c.Query("keep_credentials") == "true" {
		opts.StripCredentials = false
	}

	switch strings.ToLower(c.DefaultQuery("format", "yaml")) {
	case "json":
		opts.Format = agent.FormatJSON
		c.Header("Content-Type", "application/json")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=agent_%s.json", row.ID))
	default:
		opts.Format = agent.FormatYAML
		c.Header("Content-Type", "text/yaml")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=agent_%s.yaml", row.ID))
	}

	data, err := agent.Export(def, opts)
	if err != nil {
		log.Err(err).Str("agent_id", id.String()).Msg("Failed to export agent definition")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export agent"})
		return
	}

	c.Data(http.StatusOK, c.Writer.Header().Get("Content-Type"), data)
}

// ImportRequest carries an inline definition document.
type ImportRequest struct {
	// Data is the definition as a YAML or JSON string.
	Data   string `json:"data"`
	UserID string `json:"user_id,omitempty"`
	// Strict controls full validation; nil means strict.
	Strict *bool `json:"strict,omitempty"`
}

// Import creates an agent from an uploaded definition document. Accepts
// a multipart file upload or a JSON body with the document inline.
func (h *AgentHandler) Import(c *gin.Context) {
	var data []byte
	var explicitUser string
	strict := true

	if strings.Contains(c.GetHeader("Content-Type"), "multipart/form-data") {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
			return
		}
		defer file.Close()

		if header.Size > MaxDefinitionUploadSize {
			respondTooLarge(c)
			return
		}

		limited := io.LimitReader(file, MaxDefinitionUploadSize+1)
		data, err = io.ReadAll(limited)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
			return
		}
		if len(data) > MaxDefinitionUploadSize {
			respondTooLarge(c)
			return
		}
		explicitUser = c.PostForm("user_id")

		log.Info().
			Str("filename", header.Filename).
			Int("size", len(data)).
			Msg("Importing agent definition from file")
	} else {
		var req ImportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request format",
				"details": err.Error(),
			})
			return
		}
		if req.Data == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Definition data is required"})
			return
		}
		if len(req.Data) > MaxDefinitionUploadSize {
			respondTooLarge(c)
			return
		}
		data = []byte(req.Data)
		explicitUser = req.UserID
		if req.Strict != nil {
			strict = *req.Strict
		}
	}

	opts := agent.DefaultImportOptions()
	opts.ValidateStrict = strict

	def, err := agent.Import(data, opts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to import agent definition",
			"details": err.Error(),
		})
		return
	}

	row, err := def.ToModel()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to import agent definition",
			"details": err.Error(),
		})
		return
	}

	userID, err := actingUser(c, explicitUser)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is not a valid uuid"})
		return
	}
	row.UserID = userID

	if err := h.store.CreateAgent(c.Request.Context(), row); err != nil {
		respondStoreError(c, err, "import agent")
		return
	}
	h.logActivity(c, userID, row.ID, "created")

	log.Info().
		Str("agent_id", row.ID.String()).
		Str("name", row.Name).
		Msg("Agent imported")

	c.JSON(http.StatusCreated, gin.H{
		"agent":      agentJSON(row),
		"definition": def,
	})
}

// ValidateRequest carries a definition document to check without saving.
type ValidateRequest struct {
	Data   string `json:"data" binding:"required"`
	Strict bool   `json:"strict"`
}

// Validate checks a definition document and reports the outcome without
// creating anything.
func (h *AgentHandler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	opts := agent.DefaultImportOptions()
	opts.ValidateStrict = req.Strict

	def, err := agent.Import([]byte(req.Data), opts)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	info, _ := agent.GetVersionInfo(def)
	c.JSON(http.StatusOK, gin.H{
		"valid":          true,
		"name":           def.Metadata.Name,
		"schema_version": def.SchemaVersion,
		"version_info":   info,
	})
}

// Schema reports the definition schema versions this server understands.
func (h *AgentHandler) Schema(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"current_schema_version": agent.GetSchemaVersion(),
		"supported_versions":     agent.SupportedSchemaVersions,
	})
}

// buildAgent validates the request and converts it to a storable row.
// Responds with the validation failure itself when the request is bad.
func (h *AgentHandler) buildAgent(c *gin.Context, req *AgentRequest) (*db.Agent, *uuid.UUID, bool) {
	def := req.definition()
	if err := def.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Agent validation failed",
			"details": err.Error(),
		})
		return nil, nil, false
	}

	row, err := def.ToModel()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Agent validation failed",
			"details": err.Error(),
		})
		return nil, nil, false
	}

	userID, err := actingUser(c, req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is not a valid uuid"})
		return nil, nil, false
	}
	row.UserID = userID

	return row, userID, true
}

// logActivity records an audit row; failures only log.
func (h *AgentHandler) logActivity(c *gin.Context, userID *uuid.UUID, agentID uuid.UUID, action string) {
	entry := &db.ActivityLog{
		UserID:     userID,
		EntityType: "agent",
		EntityID:   agentID,
		Action:     action,
	}
	if err := h.store.LogActivity(c.Request.Context(), entry); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID.String()).Msg("Failed to record agent activity")
	}
}

func respondTooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"error":    "Definition too large",
		"details":  fmt.Sprintf("Maximum size is %d bytes (%d MB)", MaxDefinitionUploadSize, MaxDefinitionUploadSize/1024/1024),
		"max_size": MaxDefinitionUploadSize,
	})
}
