// Package llm implements the decision client over an OpenAI-compatible
// chat completion gateway, with the resilience stack the simulation
// engine depends on: process-wide call throttle, per-attempt timeout,
// retries with rate-limit-aware backoff, and a per-service circuit
// breaker.
package llm

import (
	"time"

	"github.com/quantfold/agentsim/internal/position"
	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// Decision actions
const (
	ActionLong  = "LONG"
	ActionShort = "SHORT"
	ActionClose = "CLOSE"
	ActionHold  = "HOLD"
)

// Decision is the structured output of one decide call
type Decision struct {
	Action          string                 `json:"action"`
	Reasoning       string                 `json:"reasoning"`
	SizePercentage  float64                `json:"size_percentage"`
	Leverage        int                    `json:"leverage"`
	EntryPrice      *float64               `json:"entry_price,omitempty"`
	StopLossPrice   *float64               `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64               `json:"take_profit_price,omitempty"`
	CandleIndex     int                    `json:"candle_index,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
}

// HoldDecision builds the HOLD fallback with a diagnostic reason
func HoldDecision(reason string) *Decision {
	return &Decision{
		Action:         ActionHold,
		Reasoning:      reason,
		SizePercentage: 0,
		Leverage:       1,
	}
}

// DecisionContext carries the leverage policy into the prompt
type DecisionContext struct {
	Mode          string `json:"mode"`
	SessionType   string `json:"session_type"`
	AllowLeverage bool   `json:"allow_leverage"`
	MaxLeverage   int    `json:"max_leverage"`
}

// DecideInput is the full market snapshot handed to a decide call
type DecideInput struct {
	Candle           ohlcv.Candle
	Indicators       map[string]*float64
	Position         *position.Position
	Equity           float64
	RecentCandles    []ohlcv.Candle
	RecentIndicators []map[string]*float64
	Context          DecisionContext
}

// ChatMessage is a single message in the chat
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ResponseFormat selects structured output on the gateway
type ResponseFormat struct {
	Type       string      `json:"type"` // "json_schema" or "json_object"
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema is the strict-mode schema envelope
type JSONSchema struct {
	Name   string      `json:"name"`
	Strict bool        `json:"strict"`
	Schema interface{} `json:"schema"`
}

// ChatRequest is a request to the chat completions endpoint
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ChatResponse is the response from the chat completions endpoint
type ChatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Content returns the first choice's message content, or ""
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ErrorResponse is an error payload from the gateway
type ErrorResponse struct {
	Error struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code"`
	} `json:"error"`
}

// EmbeddingRequest is a request to the embeddings endpoint
type EmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// EmbeddingResponse is the response from the embeddings endpoint
type EmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// decisionSchema is the strict-mode JSON schema for Decision payloads
var decisionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"action": map[string]interface{}{
			"type": "string",
			"enum": []string{ActionLong, ActionShort, ActionClose, ActionHold},
		},
		"reasoning": map[string]interface{}{
			"type": "string",
		},
		"size_percentage": map[string]interface{}{
			"type":    "number",
			"minimum": 0,
			"maximum": 1,
		},
		"leverage": map[string]interface{}{
			"type":    "integer",
			"minimum": 1,
			"maximum": 5,
		},
		"entry_price":       map[string]interface{}{"type": "number"},
		"stop_loss_price":   map[string]interface{}{"type": "number"},
		"take_profit_price": map[string]interface{}{"type": "number"},
	},
	"required":             []string{"action", "reasoning", "size_percentage", "leverage"},
	"additionalProperties": false,
}

// Token budget bounds applied to whatever the model probe reports
const (
	minTokenBudget = 512
	maxTokenBudget = 8192
)

// Default budgets and timings
const (
	defaultMaxTokens   = 4096
	defaultTimeout     = 120 * time.Second
	defaultMinInterval = 2500 * time.Millisecond
)
