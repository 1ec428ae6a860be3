package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/agentsim/internal/position"
)

func TestComputeTradeStatistics(t *testing.T) {
	m := position.NewManager(10000, false, zerolog.Nop())

	// Long winner: 50 units at 100, closed at 110 for +500.
	_, err := m.Open(position.OpenParams{Side: position.SideLong, EntryPrice: 100, SizePct: 0.5, Leverage: 1, Time: fixtureStart})
	require.NoError(t, err)
	_, err = m.Close(110, fixtureStart.Add(time.Hour), position.CloseAIDecision)
	require.NoError(t, err)

	// Short loser: 26.25 units at 100, closed at 105 for -131.25.
	_, err = m.Open(position.OpenParams{Side: position.SideShort, EntryPrice: 100, SizePct: 0.25, Leverage: 1, Time: fixtureStart.Add(2 * time.Hour)})
	require.NoError(t, err)
	_, err = m.Close(105, fixtureStart.Add(3*time.Hour), position.CloseStopLoss)
	require.NoError(t, err)

	s := ComputeTradeStatistics(m)

	assert.Equal(t, 2, s.TotalTrades)
	assert.Equal(t, 1, s.WinningTrades)
	assert.Equal(t, 1, s.LosingTrades)
	assert.Equal(t, 50.0, s.WinRate)
	assert.Equal(t, 10000.0, s.StartingCapital)
	assert.Equal(t, 10368.75, s.CurrentEquity)
	assert.Equal(t, 368.75, s.RealizedPnL)
	assert.Equal(t, 3.69, s.TotalPnLPct)
	assert.Equal(t, 500.0, s.GrossProfit)
	assert.Equal(t, 131.25, s.GrossLoss)
	assert.Equal(t, 3.81, s.ProfitFactor)
	assert.Equal(t, 500.0, s.AvgWin)
	assert.Equal(t, 131.25, s.AvgLoss)
	assert.Equal(t, 500.0, s.LargestWin)
	assert.Equal(t, 131.25, s.LargestLoss)
}

func TestComputeTradeStatisticsProfitFactorZeroWithoutLosses(t *testing.T) {
	m := position.NewManager(10000, false, zerolog.Nop())

	_, err := m.Open(position.OpenParams{Side: position.SideLong, EntryPrice: 100, SizePct: 0.5, Leverage: 1, Time: fixtureStart})
	require.NoError(t, err)
	_, err = m.Close(104, fixtureStart.Add(time.Hour), position.CloseTakeProfit)
	require.NoError(t, err)

	s := ComputeTradeStatistics(m)

	assert.Equal(t, 1, s.TotalTrades)
	assert.Equal(t, 100.0, s.WinRate)
	assert.Equal(t, 200.0, s.GrossProfit)
	assert.Zero(t, s.GrossLoss)
	assert.Zero(t, s.ProfitFactor, "profit factor is undefined without losses and stays zero")
	assert.Zero(t, s.AvgLoss)
}

func TestComputeTradeStatisticsBreakEvenCountsNeitherSide(t *testing.T) {
	m := position.NewManager(10000, false, zerolog.Nop())

	_, err := m.Open(position.OpenParams{Side: position.SideLong, EntryPrice: 100, SizePct: 0.5, Leverage: 1, Time: fixtureStart})
	require.NoError(t, err)
	_, err = m.Close(100, fixtureStart.Add(time.Hour), position.CloseManual)
	require.NoError(t, err)

	s := ComputeTradeStatistics(m)

	assert.Equal(t, 1, s.TotalTrades)
	assert.Zero(t, s.WinningTrades)
	assert.Zero(t, s.LosingTrades)
	assert.Zero(t, s.WinRate)
	assert.Equal(t, 10000.0, s.CurrentEquity)
	assert.Zero(t, s.RealizedPnL)
}

func TestComputeTradeStatisticsEmptyLog(t *testing.T) {
	s := ComputeTradeStatistics(position.NewManager(2500, false, zerolog.Nop()))

	assert.Zero(t, s.TotalTrades)
	assert.Zero(t, s.WinRate)
	assert.Zero(t, s.TotalPnLPct)
	assert.Equal(t, 2500.0, s.StartingCapital)
	assert.Equal(t, 2500.0, s.CurrentEquity)
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 3.81, round2(3.8095238))
	assert.Equal(t, -1.5, round2(-1.499))
	assert.Equal(t, 0.0, round2(0))
	assert.Equal(t, 2.0, round2(1.995))
}
