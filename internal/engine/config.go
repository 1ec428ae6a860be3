package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantfold/agentsim/internal/indicators"
)

// Decision cadences
const (
	CadenceEveryCandle  = "every_candle"
	CadenceEveryNCandle = "every_n_candles"
)

// Playback speeds
const (
	SpeedSlow    = "slow"
	SpeedNormal  = "normal"
	SpeedFast    = "fast"
	SpeedInstant = "instant"
)

const (
	// readinessThreshold is the fraction of enabled indicators that must
	// be non-null before decisions start.
	readinessThreshold = 0.80

	// fastForwardFlushEvery batches runtime-stat flushes between
	// decision candles.
	fastForwardFlushEvery = 20

	// recentWindow bounds the candle history handed to the model.
	recentWindow = 10
)

// SessionConfig is the per-session request payload persisted on the
// session row as JSON. Zero values take engine defaults at parse time.
type SessionConfig struct {
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	PlaybackSpeed   string    `json:"playback_speed"`
	DecisionCadence string    `json:"decision_cadence"`
	CadenceInterval int       `json:"cadence_interval"`
	SafetyMode      bool      `json:"safety_mode"`
	AllowLeverage   bool      `json:"allow_leverage"`
	MaxLeverage     int       `json:"max_leverage"`
	// AutoStopLossPct stops a forward session once cumulative PnL%
	// reaches this loss. 0 takes the engine default; negative disables.
	AutoStopLossPct float64 `json:"auto_stop_loss_pct"`
}

// ParseSessionConfig decodes the session config JSON and fills defaults.
func ParseSessionConfig(raw []byte) (SessionConfig, error) {
	sc := SessionConfig{
		PlaybackSpeed:   SpeedNormal,
		DecisionCadence: CadenceEveryCandle,
		CadenceInterval: 1,
		MaxLeverage:     1,
	}
	if len(raw) == 0 {
		return sc, nil
	}
	if err := json.Unmarshal(raw, &sc); err != nil {
		return sc, &ValidationError{Field: "config", Message: fmt.Sprintf("not valid JSON: %v", err)}
	}

	if sc.PlaybackSpeed == "" {
		sc.PlaybackSpeed = SpeedNormal
	}
	if sc.DecisionCadence == "" {
		sc.DecisionCadence = CadenceEveryCandle
	}
	if sc.CadenceInterval < 1 {
		sc.CadenceInterval = 1
	}
	if sc.MaxLeverage < 1 {
		sc.MaxLeverage = 1
	}
	if sc.MaxLeverage > 5 {
		sc.MaxLeverage = 5
	}
	if !sc.AllowLeverage {
		sc.MaxLeverage = 1
	}

	switch sc.PlaybackSpeed {
	case SpeedSlow, SpeedNormal, SpeedFast, SpeedInstant:
	default:
		return sc, &ValidationError{Field: "playback_speed", Message: fmt.Sprintf("unknown speed %q", sc.PlaybackSpeed)}
	}
	switch sc.DecisionCadence {
	case CadenceEveryCandle, CadenceEveryNCandle:
	default:
		return sc, &ValidationError{Field: "decision_cadence", Message: fmt.Sprintf("unknown cadence %q", sc.DecisionCadence)}
	}

	return sc, nil
}

// playbackDelay maps a speed label to the per-decision-candle sleep.
func playbackDelay(speed string) time.Duration {
	switch speed {
	case SpeedSlow:
		return 1000 * time.Millisecond
	case SpeedFast:
		return 200 * time.Millisecond
	case SpeedInstant:
		return 0
	default:
		return 500 * time.Millisecond
	}
}

// callPoints precomputes the candle indices that receive a scheduled
// decision call, from the readiness index to the end of the range.
func callPoints(start, total int, sc SessionConfig) map[int]bool {
	points := make(map[int]bool)
	if start < 0 {
		return points
	}
	step := 1
	if sc.DecisionCadence == CadenceEveryNCandle && sc.CadenceInterval > 1 {
		step = sc.CadenceInterval
	}
	for i := start; i < total; i += step {
		points[i] = true
	}
	return points
}

// parseCustomRules decodes the agent's custom indicator rule list.
func parseCustomRules(raw []byte) ([]indicators.CustomRule, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rules []indicators.CustomRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, &ValidationError{Field: "custom_rules", Message: fmt.Sprintf("not valid JSON: %v", err)}
	}
	return rules, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
