package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quantfold/agentsim/pkg/ohlcv"
)

func TestSymbolFor(t *testing.T) {
	tests := []struct {
		asset string
		want  string
	}{
		{"BTC", "BTCUSDT"},
		{"btc", "BTCUSDT"},
		{" eth ", "ETHUSDT"},
		{"BTCUSDT", "BTCUSDT"},
		{"BTC/USDT", "BTCUSDT"},
		{"BTC-USDT", "BTCUSDT"},
		{"SOLUSDC", "SOLUSDC"},
		{"DOGEBUSD", "DOGEBUSD"},
		{"USDT", "USDTUSDT"}, // bare quote asset still gets quoted
	}

	for _, tt := range tests {
		t.Run(tt.asset, func(t *testing.T) {
			assert.Equal(t, tt.want, SymbolFor(tt.asset))
		})
	}
}

func TestExpectedCandles(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		tf    ohlcv.Timeframe
		start time.Time
		end   time.Time
		want  int
	}{
		{
			name:  "six aligned hours inclusive",
			tf:    ohlcv.Timeframe1h,
			start: day,
			end:   day.Add(5 * time.Hour),
			want:  6,
		},
		{
			name:  "unaligned start rounds up",
			tf:    ohlcv.Timeframe1h,
			start: day.Add(30 * time.Minute),
			end:   day.Add(5 * time.Hour),
			want:  5,
		},
		{
			name:  "single bucket",
			tf:    ohlcv.Timeframe15m,
			start: day,
			end:   day,
			want:  1,
		},
		{
			name:  "empty window",
			tf:    ohlcv.Timeframe1d,
			start: day.Add(time.Hour),
			end:   day.Add(2 * time.Hour),
			want:  0,
		},
		{
			name:  "daily week",
			tf:    ohlcv.Timeframe1d,
			start: day,
			end:   day.AddDate(0, 0, 6),
			want:  7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expectedCandles(tt.tf, tt.start, tt.end))
		})
	}
}
