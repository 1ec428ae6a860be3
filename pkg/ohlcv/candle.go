// Package ohlcv provides the shared candlestick and timeframe primitives
// consumed by the market gateway, indicator pipeline and session engine.
package ohlcv

import (
	"fmt"
	"math"
	"time"
)

// Candle represents an immutable OHLCV bar for a fixed interval.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks the OHLCV shape invariants: low <= open,close <= high,
// low <= high, non-negative volume and finite prices.
func (c Candle) Validate() error {
	for name, v := range map[string]float64{
		"open":   c.Open,
		"high":   c.High,
		"low":    c.Low,
		"close":  c.Close,
		"volume": c.Volume,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("candle %s is not finite: %v", name, v)
		}
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle volume is negative: %v", c.Volume)
	}
	if c.Low > c.High {
		return fmt.Errorf("candle low %v exceeds high %v", c.Low, c.High)
	}
	if c.Open < c.Low || c.Open > c.High {
		return fmt.Errorf("candle open %v outside [low=%v, high=%v]", c.Open, c.Low, c.High)
	}
	if c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("candle close %v outside [low=%v, high=%v]", c.Close, c.Low, c.High)
	}
	return nil
}

// Range returns the high-low spread of the candle.
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// Brackets reports whether price lies inside the candle's [low, high] range,
// boundaries included. Used for path-aware pending-order fills.
func (c Candle) Brackets(price float64) bool {
	return c.Low <= price && price <= c.High
}
