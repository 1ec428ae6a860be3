package ohlcv

import (
	"fmt"
	"time"
)

// Timeframe identifies the candle interval of a market data stream.
type Timeframe string

const (
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeMinutes = map[Timeframe]int{
	Timeframe15m: 15,
	Timeframe1h:  60,
	Timeframe4h:  240,
	Timeframe1d:  1440,
}

// ParseTimeframe validates a timeframe label.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeMinutes[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe: %q", s)
	}
	return tf, nil
}

// String returns the timeframe label.
func (tf Timeframe) String() string {
	return string(tf)
}

// Minutes returns the interval length in minutes.
func (tf Timeframe) Minutes() int {
	return timeframeMinutes[tf]
}

// Duration returns the interval length as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(timeframeMinutes[tf]) * time.Minute
}

// NextClose returns the next candle-close boundary strictly after t,
// aligned to the timeframe period in UTC.
func (tf Timeframe) NextClose(t time.Time) time.Time {
	d := tf.Duration()
	return t.UTC().Truncate(d).Add(d)
}

// Valid reports whether the timeframe is one of the supported intervals.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeMinutes[tf]
	return ok
}
