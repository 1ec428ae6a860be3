package llm

import (
	"encoding/json"
	"math"
	"strings"
)

// rawDecision tolerates the payload variance models actually produce:
// nulls, floats where integers belong, lowercase actions.
type rawDecision struct {
	Action          *string  `json:"action"`
	Reasoning       *string  `json:"reasoning"`
	SizePercentage  *float64 `json:"size_percentage"`
	Leverage        *float64 `json:"leverage"`
	EntryPrice      *float64 `json:"entry_price"`
	StopLossPrice   *float64 `json:"stop_loss_price"`
	TakeProfitPrice *float64 `json:"take_profit_price"`
}

// ParseDecision extracts the outermost balanced JSON object from the
// response text and coerces it into a Decision. The leverage policy in
// ctx is applied here: leverage is forced to 1 when disallowed and
// clamped to the configured cap otherwise.
func ParseDecision(content string, ctx DecisionContext) (*Decision, error) {
	payload, ok := extractJSONObject(content)
	if !ok {
		return nil, &DecisionParseError{Reason: "no JSON object in response", Raw: snippet(content)}
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, &DecisionParseError{Reason: "invalid JSON: " + err.Error(), Raw: snippet(payload)}
	}

	if raw.Action == nil || *raw.Action == "" {
		return nil, &DecisionParseError{Reason: "missing action", Raw: snippet(payload)}
	}
	if raw.Reasoning == nil || *raw.Reasoning == "" {
		return nil, &DecisionParseError{Reason: "missing reasoning", Raw: snippet(payload)}
	}

	action := strings.ToUpper(strings.TrimSpace(*raw.Action))
	switch action {
	case ActionLong, ActionShort, ActionClose, ActionHold:
	default:
		return nil, &DecisionParseError{Reason: "unknown action " + action, Raw: snippet(payload)}
	}

	d := &Decision{
		Action:          action,
		Reasoning:       *raw.Reasoning,
		SizePercentage:  coerceSize(raw.SizePercentage),
		Leverage:        coerceLeverage(raw.Leverage, ctx),
		EntryPrice:      raw.EntryPrice,
		StopLossPrice:   raw.StopLossPrice,
		TakeProfitPrice: raw.TakeProfitPrice,
	}
	return d, nil
}

// coerceSize maps null to 0 and clamps into [0,1]
func coerceSize(v *float64) float64 {
	if v == nil || math.IsNaN(*v) {
		return 0
	}
	if *v < 0 {
		return 0
	}
	if *v > 1 {
		return 1
	}
	return *v
}

// coerceLeverage maps null to 1, truncates floats, clamps into [1,5],
// and applies the caller's leverage policy
func coerceLeverage(v *float64, ctx DecisionContext) int {
	if !ctx.AllowLeverage {
		return 1
	}
	lev := 1
	if v != nil && !math.IsNaN(*v) {
		lev = int(*v)
	}
	if lev < 1 {
		lev = 1
	}
	if lev > 5 {
		lev = 5
	}
	if ctx.MaxLeverage >= 1 && lev > ctx.MaxLeverage {
		lev = ctx.MaxLeverage
	}
	return lev
}

// extractJSONObject returns the first balanced top-level {...} in s,
// skipping braces inside JSON strings.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// snippet bounds raw content carried inside parse errors
func snippet(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
