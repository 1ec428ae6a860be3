// Package indicators pre-computes technical indicator series over a candle
// range and exposes point lookups plus readiness queries. Values that cannot
// be computed yet (warm-up) or at all (division by zero in custom rules) are
// NaN internally and null at the boundary, never zero.
package indicators

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/pkg/ohlcv"
)

// Mode restricts the admissible indicator set.
type Mode string

const (
	// ModeMonk permits only RSI and MACD.
	ModeMonk Mode = "monk"
	// ModeOmni permits the full catalog.
	ModeOmni Mode = "omni"
)

// Canonical indicator names. Aliases are expanded at construction.
const (
	NameRSI        = "rsi"
	NameStochastic = "stochastic"
	NameCCI        = "cci"
	NameROC        = "roc"
	NameAwesome    = "awesome_oscillator"
	NameMACD       = "macd"
	NameEMA20      = "ema_20"
	NameEMA50      = "ema_50"
	NameEMA200     = "ema_200"
	NameSMA20      = "sma_20"
	NameSMA50      = "sma_50"
	NameSMA200     = "sma_200"
	NameADX        = "adx"
	NamePSAR       = "psar"
	NameBollinger  = "bollinger"
	NameATR        = "atr"
	NameKeltner    = "keltner"
	NameDonchian   = "donchian"
	NameOBV        = "obv"
	NameVWAP       = "vwap"
	NameMFI        = "mfi"
	NameCMF        = "cmf"
	NameAD         = "ad"
	NameSupertrend = "supertrend"
	NameIchimoku   = "ichimoku"
	NameZScore     = "zscore"
)

// lookbacks gives the number of candles each indicator needs before it
// produces its first value. Used for readiness and warm-up sizing.
var lookbacks = map[string]int{
	NameRSI:        14,
	NameStochastic: 14,
	NameCCI:        20,
	NameROC:        10,
	NameAwesome:    34,
	NameMACD:       35,
	NameEMA20:      20,
	NameEMA50:      50,
	NameEMA200:     200,
	NameSMA20:      20,
	NameSMA50:      50,
	NameSMA200:     200,
	NameADX:        28,
	NamePSAR:       2,
	NameBollinger:  20,
	NameATR:        14,
	NameKeltner:    20,
	NameDonchian:   20,
	NameOBV:        1,
	NameVWAP:       1,
	NameMFI:        14,
	NameCMF:        20,
	NameAD:         1,
	NameSupertrend: 11,
	NameIchimoku:   9,
	NameZScore:     20,
}

// aliases expand shorthand names into one or more canonical names.
var aliases = map[string][]string{
	"bb":              {NameBollinger},
	"bollinger_bands": {NameBollinger},
	"ema":             {NameEMA20, NameEMA50, NameEMA200},
	"sma":             {NameSMA20, NameSMA50, NameSMA200},
	"z_score":         {NameZScore},
	"ao":              {NameAwesome},
}

// monkAllowed is the admissible set in monk mode.
var monkAllowed = map[string]bool{
	NameRSI:  true,
	NameMACD: true,
}

// Config configures pipeline construction.
type Config struct {
	Enabled     []string
	Mode        Mode
	CustomRules []CustomRule
}

// Pipeline holds pre-computed indicator series aligned to a candle range.
type Pipeline struct {
	candles []ohlcv.Candle
	enabled []string
	series  map[string][]float64
}

// New builds a pipeline over candles, expanding aliases, enforcing the mode
// restriction, computing every enabled standard series and evaluating custom
// rules. Construction fails on unknown names, monk-mode violations and
// invalid rule trees.
func New(candles []ohlcv.Candle, cfg Config) (*Pipeline, error) {
	if len(candles) == 0 {
		return nil, newIndicatorError("", "no candles to compute over")
	}

	mode := cfg.Mode
	if mode == "" {
		mode = ModeOmni
	}
	if mode != ModeMonk && mode != ModeOmni {
		return nil, newIndicatorError("", "unknown mode %q", mode)
	}

	enabled, err := resolveNames(cfg.Enabled, mode)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		candles: candles,
		series:  make(map[string][]float64, len(enabled)+len(cfg.CustomRules)),
	}

	for _, name := range enabled {
		p.series[name] = computeStandard(name, candles)
	}
	p.enabled = enabled

	if len(cfg.CustomRules) > 0 {
		if mode == ModeMonk {
			return nil, newIndicatorError("", "custom rules are not admissible in monk mode")
		}
		if err := p.applyCustomRules(cfg.CustomRules); err != nil {
			return nil, err
		}
	}

	log.Debug().
		Int("candles", len(candles)).
		Int("indicators", len(p.enabled)).
		Str("mode", string(mode)).
		Msg("Indicator pipeline built")

	return p, nil
}

// resolveNames expands aliases, de-duplicates, validates against the catalog
// and applies the mode restriction. Output order is deterministic.
func resolveNames(names []string, mode Mode) ([]string, error) {
	seen := make(map[string]bool)
	var resolved []string

	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			resolved = append(resolved, name)
		}
	}

	for _, raw := range names {
		expansion, isAlias := aliases[raw]
		if isAlias {
			for _, name := range expansion {
				add(name)
			}
			continue
		}
		if _, ok := lookbacks[raw]; !ok {
			return nil, newIndicatorError(raw, "unknown indicator")
		}
		add(raw)
	}

	if mode == ModeMonk {
		for _, name := range resolved {
			if !monkAllowed[name] {
				return nil, newIndicatorError(name, "not admissible in monk mode")
			}
		}
	}

	sort.Strings(resolved)
	return resolved, nil
}

// ValuesAt returns the indicator map at candle index i. NaN values surface
// as nil entries.
func (p *Pipeline) ValuesAt(i int) (map[string]*float64, error) {
	if i < 0 || i >= len(p.candles) {
		return nil, newIndicatorError("", "index %d out of range [0, %d)", i, len(p.candles))
	}

	out := make(map[string]*float64, len(p.enabled))
	for _, name := range p.enabled {
		out[name] = nullable(p.series[name][i])
	}
	return out, nil
}

// ValueAt returns a single indicator value at index i, or nil when the
// indicator is disabled, not yet ready, or NaN.
func (p *Pipeline) ValueAt(i int, name string) *float64 {
	s, ok := p.series[name]
	if !ok || i < 0 || i >= len(s) {
		return nil
	}
	return nullable(s[i])
}

// IsReady reports whether at least the given fraction of enabled indicators
// is non-null at index i.
func (p *Pipeline) IsReady(i int, threshold float64) bool {
	if i < 0 || i >= len(p.candles) || len(p.enabled) == 0 {
		return false
	}

	ready := 0
	for _, name := range p.enabled {
		if !math.IsNaN(p.series[name][i]) {
			ready++
		}
	}
	return float64(ready) >= threshold*float64(len(p.enabled))
}

// FirstReadyIndex returns the first candle index at which IsReady holds,
// or -1 when the range never reaches readiness.
func (p *Pipeline) FirstReadyIndex(threshold float64) int {
	for i := range p.candles {
		if p.IsReady(i, threshold) {
			return i
		}
	}
	return -1
}

// Enabled returns the resolved indicator names, custom rules included.
func (p *Pipeline) Enabled() []string {
	out := make([]string, len(p.enabled))
	copy(out, p.enabled)
	return out
}

// Len returns the number of candles the pipeline covers.
func (p *Pipeline) Len() int {
	return len(p.candles)
}

// MaxLookback returns the largest warm-up requirement among the enabled
// standard indicators. Custom rules inherit the lookbacks of their inputs.
func (p *Pipeline) MaxLookback() int {
	max := 0
	for _, name := range p.enabled {
		if lb, ok := lookbacks[name]; ok && lb > max {
			max = lb
		}
	}
	return max
}

// ResolveNames expands aliases and validates names against the catalog and
// the mode restriction without building a pipeline. Definition import uses
// it to reject bad indicator lists before a session ever starts.
func ResolveNames(names []string, mode Mode) ([]string, error) {
	return resolveNames(names, mode)
}

// Lookback returns the warm-up requirement for a single catalog name,
// after alias expansion. Unknown names report 0.
func Lookback(name string) int {
	if expansion, ok := aliases[name]; ok {
		max := 0
		for _, n := range expansion {
			if lookbacks[n] > max {
				max = lookbacks[n]
			}
		}
		return max
	}
	return lookbacks[name]
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
