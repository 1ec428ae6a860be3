package llm

import (
	"encoding/json"
	"io"
	"net/http"
)

// modelList is the gateway's model inventory shape
type modelList struct {
	Data []modelInfo `json:"data"`
}

type modelInfo struct {
	ID            string `json:"id"`
	ContextLength int    `json:"context_length"`
	TopProvider   struct {
		MaxCompletionTokens int `json:"max_completion_tokens"`
	} `json:"top_provider"`
}

// probeTokenBudget asks the gateway for the model's completion limit and
// clamps it into the supported range. Any failure falls back to the
// configured budget; the probe must never block a session from starting.
func (c *Client) probeTokenBudget() int {
	fallback := clampTokens(c.maxTokens)

	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fallback
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("Model limit probe failed, using configured budget")
		return fallback
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Msg("Model limit probe failed, using configured budget")
		return fallback
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fallback
	}

	var list modelList
	if err := json.Unmarshal(body, &list); err != nil {
		return fallback
	}

	for _, m := range list.Data {
		if m.ID != c.model {
			continue
		}
		budget := m.TopProvider.MaxCompletionTokens
		if budget == 0 && m.ContextLength > 0 {
			budget = m.ContextLength / 2
		}
		if budget == 0 {
			return fallback
		}
		budget = clampTokens(budget)
		c.log.Debug().Str("model", c.model).Int("max_tokens", budget).Msg("Resolved model token budget")
		return budget
	}

	c.log.Warn().Str("model", c.model).Int("budget", fallback).Msg("Model not in gateway inventory, using configured budget")
	return fallback
}

// clampTokens bounds a completion budget into [512, 8192]
func clampTokens(v int) int {
	if v <= 0 {
		v = defaultMaxTokens
	}
	if v < minTokenBudget {
		return minTokenBudget
	}
	if v > maxTokenBudget {
		return maxTokenBudget
	}
	return v
}
