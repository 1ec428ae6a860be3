package position

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(capital float64, safety bool) *Manager {
	return NewManager(capital, safety, zerolog.Nop())
}

func TestOpen_SizeFormula(t *testing.T) {
	m := newTestManager(10000, false)

	pos, err := m.Open(OpenParams{
		Side:       SideLong,
		EntryPrice: 100,
		SizePct:    0.5,
		Leverage:   2,
		Time:       time.Now(),
	})
	require.NoError(t, err)

	// 10000 * 0.5 * 2 / 100
	assert.InDelta(t, 100.0, pos.Size, 1e-9)
	assert.Equal(t, SideLong, pos.Side)
	assert.Equal(t, 2, pos.Leverage)
}

func TestOpen_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params OpenParams
	}{
		{
			name:   "invalid side",
			params: OpenParams{Side: "sideways", EntryPrice: 100, SizePct: 0.5, Leverage: 1},
		},
		{
			name:   "zero entry price",
			params: OpenParams{Side: SideLong, EntryPrice: 0, SizePct: 0.5, Leverage: 1},
		},
		{
			name:   "zero size",
			params: OpenParams{Side: SideLong, EntryPrice: 100, SizePct: 0, Leverage: 1},
		},
		{
			name:   "size above one",
			params: OpenParams{Side: SideLong, EntryPrice: 100, SizePct: 1.01, Leverage: 1},
		},
		{
			name:   "leverage too low",
			params: OpenParams{Side: SideLong, EntryPrice: 100, SizePct: 0.5, Leverage: 0},
		},
		{
			name:   "leverage too high",
			params: OpenParams{Side: SideLong, EntryPrice: 100, SizePct: 0.5, Leverage: 6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(10000, false)
			_, err := m.Open(tt.params)
			assert.Error(t, err)
			assert.False(t, m.HasPosition())
		})
	}
}

func TestOpen_RejectsSecondPosition(t *testing.T) {
	m := newTestManager(10000, false)

	_, err := m.Open(OpenParams{Side: SideLong, EntryPrice: 100, SizePct: 0.1, Leverage: 1})
	require.NoError(t, err)

	_, err = m.Open(OpenParams{Side: SideShort, EntryPrice: 101, SizePct: 0.1, Leverage: 1})
	assert.ErrorIs(t, err, ErrPositionOpen)
}

func TestOpen_SafetyStop(t *testing.T) {
	tests := []struct {
		name     string
		side     Side
		entry    float64
		stopLoss float64
		expected float64
	}{
		{name: "long missing SL", side: SideLong, entry: 100, stopLoss: 0, expected: 98},
		{name: "long SL too loose", side: SideLong, entry: 100, stopLoss: 90, expected: 98},
		{name: "long SL tighter kept", side: SideLong, entry: 100, stopLoss: 99, expected: 99},
		{name: "short missing SL", side: SideShort, entry: 100, stopLoss: 0, expected: 102},
		{name: "short SL too loose", side: SideShort, entry: 100, stopLoss: 110, expected: 102},
		{name: "short SL tighter kept", side: SideShort, entry: 100, stopLoss: 101, expected: 101},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(10000, true)
			pos, err := m.Open(OpenParams{
				Side:       tt.side,
				EntryPrice: tt.entry,
				SizePct:    0.5,
				Leverage:   1,
				StopLoss:   tt.stopLoss,
			})
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, pos.StopLoss, 1e-9)
		})
	}
}

func TestOpen_SafetyOffKeepsCallerStop(t *testing.T) {
	m := newTestManager(10000, false)

	pos, err := m.Open(OpenParams{
		Side:       SideLong,
		EntryPrice: 100,
		SizePct:    0.5,
		Leverage:   1,
		StopLoss:   90,
	})
	require.NoError(t, err)
	assert.InDelta(t, 90.0, pos.StopLoss, 1e-9)
}

// Safety-mode scenario: LONG at 100 with no SL gets one at 98; the next
// candle's low of 97 triggers it.
func TestSafetyStopTriggersNextCandle(t *testing.T) {
	m := newTestManager(10000, true)

	_, err := m.Open(OpenParams{
		Side:       SideLong,
		EntryPrice: 100,
		SizePct:    0.5,
		Leverage:   1,
		Time:       time.Now(),
	})
	require.NoError(t, err)

	trade := m.UpdateOnCandle(99, 97, 98.5, time.Now())
	require.NotNil(t, trade)
	assert.Equal(t, CloseStopLoss, trade.Reason)
	assert.InDelta(t, 98.0, trade.ExitPrice, 1e-9)
	// size = 10000 * 0.5 / 100 = 50, pnl = (98-100) * 50 = -100
	assert.InDelta(t, -100.0, trade.PnL, 1e-9)
	assert.False(t, m.HasPosition())
	assert.InDelta(t, 9900.0, m.Equity(), 1e-9)
}

func TestUpdateOnCandle_NoPosition(t *testing.T) {
	m := newTestManager(10000, false)
	assert.Nil(t, m.UpdateOnCandle(101, 99, 100, time.Now()))
}

func TestUpdateOnCandle_RefreshesUnrealized(t *testing.T) {
	m := newTestManager(10000, false)

	_, err := m.Open(OpenParams{Side: SideLong, EntryPrice: 100, SizePct: 0.1, Leverage: 1})
	require.NoError(t, err)

	trade := m.UpdateOnCandle(103, 101, 102, time.Now())
	assert.Nil(t, trade)
	// size = 10, uPnL = (102-100) * 10 = 20
	assert.InDelta(t, 20.0, m.Position().UnrealizedPnL, 1e-9)
	assert.InDelta(t, 10020.0, m.EquityWithUnrealized(), 1e-9)
	assert.InDelta(t, 10000.0, m.Equity(), 1e-9)
}

func TestUpdateOnCandle_LongTakeProfit(t *testing.T) {
	m := newTestManager(10000, false)

	_, err := m.Open(OpenParams{
		Side:       SideLong,
		EntryPrice: 100,
		SizePct:    0.1,
		Leverage:   1,
		TakeProfit: 105,
	})
	require.NoError(t, err)

	trade := m.UpdateOnCandle(106, 102, 104, time.Now())
	require.NotNil(t, trade)
	assert.Equal(t, CloseTakeProfit, trade.Reason)
	assert.InDelta(t, 105.0, trade.ExitPrice, 1e-9)
	assert.InDelta(t, 50.0, trade.PnL, 1e-9)
}

func TestUpdateOnCandle_ShortTriggers(t *testing.T) {
	t.Run("stop loss on high", func(t *testing.T) {
		m := newTestManager(10000, false)
		_, err := m.Open(OpenParams{
			Side:       SideShort,
			EntryPrice: 100,
			SizePct:    0.1,
			Leverage:   1,
			StopLoss:   103,
		})
		require.NoError(t, err)

		trade := m.UpdateOnCandle(104, 100, 101, time.Now())
		require.NotNil(t, trade)
		assert.Equal(t, CloseStopLoss, trade.Reason)
		// size = 10, pnl = (100-103) * 10 = -30
		assert.InDelta(t, -30.0, trade.PnL, 1e-9)
	})

	t.Run("take profit on low", func(t *testing.T) {
		m := newTestManager(10000, false)
		_, err := m.Open(OpenParams{
			Side:       SideShort,
			EntryPrice: 100,
			SizePct:    0.1,
			Leverage:   1,
			TakeProfit: 95,
		})
		require.NoError(t, err)

		trade := m.UpdateOnCandle(101, 94, 96, time.Now())
		require.NotNil(t, trade)
		assert.Equal(t, CloseTakeProfit, trade.Reason)
		assert.InDelta(t, 50.0, trade.PnL, 1e-9)
	})
}

// When one candle crosses both levels the stop loss wins.
func TestUpdateOnCandle_StopBeforeTakeProfit(t *testing.T) {
	m := newTestManager(10000, false)

	_, err := m.Open(OpenParams{
		Side:       SideLong,
		EntryPrice: 100,
		SizePct:    0.1,
		Leverage:   1,
		StopLoss:   98,
		TakeProfit: 104,
	})
	require.NoError(t, err)

	trade := m.UpdateOnCandle(105, 97, 103, time.Now())
	require.NotNil(t, trade)
	assert.Equal(t, CloseStopLoss, trade.Reason)
	assert.InDelta(t, 98.0, trade.ExitPrice, 1e-9)
}

func TestClose_NoPosition(t *testing.T) {
	m := newTestManager(10000, false)
	_, err := m.Close(100, time.Now(), CloseManual)
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestClose_PnLOverMargin(t *testing.T) {
	m := newTestManager(10000, false)

	_, err := m.Open(OpenParams{
		Side:       SideLong,
		EntryPrice: 100,
		SizePct:    0.1,
		Leverage:   5,
	})
	require.NoError(t, err)

	// size = 10000 * 0.1 * 5 / 100 = 50; margin = 100 * 50 / 5 = 1000
	trade, err := m.Close(102, time.Now(), CloseAIDecision)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, trade.PnL, 1e-9)
	assert.InDelta(t, 10.0, trade.PnLPct, 1e-9)
	assert.Equal(t, CloseAIDecision, trade.Reason)
	assert.InDelta(t, 10100.0, m.Equity(), 1e-9)
	assert.False(t, m.HasPosition())
	assert.Len(t, m.Trades(), 1)
}

func TestClose_ShortPnL(t *testing.T) {
	m := newTestManager(10000, false)

	_, err := m.Open(OpenParams{
		Side:       SideShort,
		EntryPrice: 200,
		SizePct:    0.2,
		Leverage:   2,
	})
	require.NoError(t, err)

	// size = 10000 * 0.2 * 2 / 200 = 20; pnl = (200-190) * 20 = 200
	trade, err := m.Close(190, time.Now(), CloseManual)
	require.NoError(t, err)
	assert.InDelta(t, 200.0, trade.PnL, 1e-9)
	// margin = 200 * 20 / 2 = 2000, pct = 10
	assert.InDelta(t, 10.0, trade.PnLPct, 1e-9)
}

// Opening and closing at the same price with any leverage must realize
// exactly zero.
func TestRoundTripSamePriceIsZero(t *testing.T) {
	for _, lev := range []int{1, 3, 5} {
		m := newTestManager(10000, false)

		_, err := m.Open(OpenParams{
			Side:       SideLong,
			EntryPrice: 123.456,
			SizePct:    0.37,
			Leverage:   lev,
		})
		require.NoError(t, err)

		trade, err := m.Close(123.456, time.Now(), CloseManual)
		require.NoError(t, err)
		assert.Equal(t, 0.0, trade.PnL)
		assert.Equal(t, 0.0, trade.PnLPct)
		assert.Equal(t, 10000.0, m.Equity())
	}
}
