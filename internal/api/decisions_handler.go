package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/db"
)

// Embedder turns text into an embedding vector for similarity search.
// *llm.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, model, input string) ([]float32, error)
}

// DecisionStore is the persistence surface the journal endpoints consume.
// *db.DB satisfies it.
type DecisionStore interface {
	ListThoughtsBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]*db.AiThought, error)
	FindSimilarThoughts(ctx context.Context, embedding []float32, limit int) ([]*db.SimilarThought, error)
}

// DecisionsHandler serves the per-session decision journal and the
// embedding-based similar-decisions search.
type DecisionsHandler struct {
	store          DecisionStore
	embedder       Embedder
	embeddingModel string
}

// NewDecisionsHandler creates a decisions handler. A nil embedder or an
// empty model disables the similarity endpoint.
func NewDecisionsHandler(store DecisionStore, embedder Embedder, embeddingModel string) *DecisionsHandler {
	return &DecisionsHandler{store: store, embedder: embedder, embeddingModel: embeddingModel}
}

// RegisterRoutes mounts the decision endpoints.
func (h *DecisionsHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/sessions/:id/decisions", h.List)
	router.POST("/decisions/similar", h.Similar)
}

// thoughtJSON shapes a journal row for the wire. Embeddings stay
// internal.
func thoughtJSON(t *db.AiThought) gin.H {
	out := gin.H{
		"id":            t.ID.String(),
		"session_id":    t.SessionID.String(),
		"candle_number": t.CandleNumber,
		"timestamp":     t.Timestamp,
		"reasoning":     t.Reasoning,
		"decision":      t.Decision,
		"created_at":    t.CreatedAt,
	}
	if len(t.Candle) > 0 {
		out["candle"] = json.RawMessage(t.Candle)
	}
	if len(t.Indicators) > 0 {
		out["indicators"] = json.RawMessage(t.Indicators)
	}
	if len(t.OrderData) > 0 {
		out["order_data"] = json.RawMessage(t.OrderData)
	}
	if len(t.CouncilStage1) > 0 {
		out["council_stage1"] = json.RawMessage(t.CouncilStage1)
	}
	if len(t.CouncilStage2) > 0 {
		out["council_stage2"] = json.RawMessage(t.CouncilStage2)
	}
	if len(t.CouncilMetadata) > 0 {
		out["council_metadata"] = json.RawMessage(t.CouncilMetadata)
	}
	return out
}

// List returns a session's decision journal, newest first.
func (h *DecisionsHandler) List(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	limit, offset := pageParams(c, 100)

	thoughts, err := h.store.ListThoughtsBySession(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondStoreError(c, err, "list decisions")
		return
	}

	out := make([]gin.H, 0, len(thoughts))
	for _, t := range thoughts {
		out = append(out, thoughtJSON(t))
	}
	c.JSON(http.StatusOK, gin.H{"decisions": out, "count": len(out)})
}

// SimilarRequest carries the free-text query for similarity search.
type SimilarRequest struct {
	Text  string `json:"text" binding:"required"`
	Limit int    `json:"limit"`
}

// Similar embeds the query text and returns the nearest journal entries
// by cosine distance.
func (h *DecisionsHandler) Similar(c *gin.Context) {
	if h.embedder == nil || h.embeddingModel == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "similarity search is not configured"})
		return
	}

	var req SimilarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}
	if req.Limit <= 0 || req.Limit > 50 {
		req.Limit = 10
	}

	embedding, err := h.embedder.Embed(c.Request.Context(), h.embeddingModel, req.Text)
	if err != nil {
		log.Err(err).Msg("Failed to embed similarity query")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to embed query"})
		return
	}

	matches, err := h.store.FindSimilarThoughts(c.Request.Context(), embedding, req.Limit)
	if err != nil {
		respondStoreError(c, err, "search decisions")
		return
	}

	out := make([]gin.H, 0, len(matches))
	for _, m := range matches {
		entry := thoughtJSON(m.Thought)
		entry["distance"] = m.Distance
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"matches": out, "count": len(out)})
}
