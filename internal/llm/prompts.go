package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// BuildSystemPrompt embeds the session mode and the agent's strategy text
func BuildSystemPrompt(mode, strategy string) string {
	return fmt.Sprintf(`You are an autonomous trading agent running in %s mode on a cryptocurrency market simulation.

YOUR STRATEGY:
%s

You receive one market snapshot per decision: the current candle, computed technical indicators, your open position (or null), your current equity, and a short window of recent candles with their indicators.

Rules:
- One position at a time. LONG or SHORT while a position is open is ignored.
- size_percentage is the fraction of equity to commit, between 0 and 1.
- leverage is an integer between 1 and 5; use 1 unless the context allows more.
- Optional entry_price turns the decision into a pending order that fills when the market trades through it.
- Optional stop_loss_price and take_profit_price are checked against every candle's range.

Respond ONLY with valid JSON in the specified format. Do not include explanatory text outside the JSON.`, mode, strategy)
}

// snapshotPayload is the compact JSON body of the user message
type snapshotPayload struct {
	Candle           interface{}           `json:"candle"`
	Indicators       map[string]*float64   `json:"indicators"`
	Position         interface{}           `json:"position"`
	Equity           float64               `json:"equity"`
	RecentCandles    interface{}           `json:"recent_candles,omitempty"`
	RecentIndicators []map[string]*float64 `json:"recent_indicators,omitempty"`
	Context          DecisionContext       `json:"context"`
}

// BuildUserPrompt serializes the snapshot and restates the output schema
func BuildUserPrompt(in DecideInput) string {
	payload := snapshotPayload{
		Candle:           in.Candle,
		Indicators:       in.Indicators,
		Equity:           in.Equity,
		RecentIndicators: in.RecentIndicators,
		Context:          in.Context,
	}
	if in.Position != nil {
		payload.Position = in.Position
	}
	if len(in.RecentCandles) > 0 {
		payload.RecentCandles = in.RecentCandles
	}

	snapshot, err := json.Marshal(payload)
	if err != nil {
		snapshot = []byte("{}")
	}

	return fmt.Sprintf(`Market snapshot:
%s

Key indicators:
%s

Decide your next action. Respond with a JSON object of exactly this shape:
{
  "action": "LONG" | "SHORT" | "CLOSE" | "HOLD",
  "reasoning": "why, referencing the data above",
  "size_percentage": number between 0 and 1,
  "leverage": integer between 1 and 5,
  "entry_price": number (optional, omit to act at the current close),
  "stop_loss_price": number (optional),
  "take_profit_price": number (optional)
}`, snapshot, formatIndicators(in.Indicators))
}

// formatIndicators renders the indicator map with sorted keys so prompts
// are deterministic across runs
func formatIndicators(indicators map[string]*float64) string {
	if len(indicators) == 0 {
		return "  (none ready)"
	}

	keys := make([]string, 0, len(indicators))
	for name := range indicators {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	var lines []string
	for _, name := range keys {
		if v := indicators[name]; v != nil {
			lines = append(lines, fmt.Sprintf("  %s: %.4f", name, *v))
		} else {
			lines = append(lines, fmt.Sprintf("  %s: null", name))
		}
	}
	return strings.Join(lines, "\n")
}
