package llm

import (
	"strings"
	"testing"
	"time"

	"github.com/quantfold/agentsim/pkg/ohlcv"
)

func TestBuildSystemPrompt(t *testing.T) {
	prompt := BuildSystemPrompt("backtest", "Buy momentum breakouts above the 20-period high.")

	if !strings.Contains(prompt, "backtest mode") {
		t.Error("Expected mode in prompt")
	}
	if !strings.Contains(prompt, "Buy momentum breakouts") {
		t.Error("Expected strategy text in prompt")
	}
	if !strings.Contains(prompt, "Respond ONLY with valid JSON") {
		t.Error("Expected JSON-only instruction")
	}
	if !strings.Contains(prompt, "One position at a time") {
		t.Error("Expected position rule")
	}
}

func TestBuildUserPrompt(t *testing.T) {
	rsi := 61.2345
	in := DecideInput{
		Candle: ohlcv.Candle{
			Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			Open:      100, High: 105, Low: 99, Close: 104, Volume: 1200,
		},
		Indicators: map[string]*float64{
			"rsi_14": &rsi,
			"ema_50": nil,
		},
		Equity:  10000,
		Context: DecisionContext{Mode: "backtest", SessionType: "backtest", AllowLeverage: true, MaxLeverage: 5},
	}

	prompt := BuildUserPrompt(in)

	if !strings.Contains(prompt, `"equity":10000`) {
		t.Error("Expected equity in snapshot JSON")
	}
	if !strings.Contains(prompt, "rsi_14: 61.2345") {
		t.Error("Expected formatted indicator value")
	}
	if !strings.Contains(prompt, "ema_50: null") {
		t.Error("Expected null rendering for unready indicator")
	}
	if !strings.Contains(prompt, `"action": "LONG" | "SHORT" | "CLOSE" | "HOLD"`) {
		t.Error("Expected output shape restatement")
	}
}

func TestFormatIndicators_SortedAndStable(t *testing.T) {
	a, b, c := 1.0, 2.0, 3.0
	indicators := map[string]*float64{
		"sma_200": &c,
		"ema_12":  &a,
		"rsi_14":  &b,
	}

	got := formatIndicators(indicators)
	iEMA := strings.Index(got, "ema_12")
	iRSI := strings.Index(got, "rsi_14")
	iSMA := strings.Index(got, "sma_200")
	if iEMA < 0 || iRSI < 0 || iSMA < 0 {
		t.Fatalf("Missing indicator lines: %q", got)
	}
	if !(iEMA < iRSI && iRSI < iSMA) {
		t.Errorf("Expected sorted keys, got order in %q", got)
	}

	// identical input renders identically
	if again := formatIndicators(indicators); again != got {
		t.Error("Expected deterministic rendering")
	}
}

func TestFormatIndicators_Empty(t *testing.T) {
	if got := formatIndicators(nil); got != "  (none ready)" {
		t.Errorf("Expected placeholder, got %q", got)
	}
}
