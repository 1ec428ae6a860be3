package engine

import (
	"math"

	"github.com/quantfold/agentsim/internal/position"
)

// TradeStatistics summarizes a session's closed trades and account state.
// Derived ratios and currency aggregates are rounded to two decimals;
// equity fields stay raw because downstream math keeps using them.
type TradeStatistics struct {
	TotalTrades     int     `json:"total_trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	WinRate         float64 `json:"win_rate"`
	StartingCapital float64 `json:"starting_capital"`
	CurrentEquity   float64 `json:"current_equity"`
	RealizedPnL     float64 `json:"realized_pnl"`
	TotalPnLPct     float64 `json:"total_pnl_pct"`
	GrossProfit     float64 `json:"gross_profit"`
	GrossLoss       float64 `json:"gross_loss"`
	ProfitFactor    float64 `json:"profit_factor"`
	AvgWin          float64 `json:"avg_win"`
	AvgLoss         float64 `json:"avg_loss"`
	LargestWin      float64 `json:"largest_win"`
	LargestLoss     float64 `json:"largest_loss"`
}

// ComputeTradeStatistics folds the manager's trade log into the summary.
// The caller owns the manager's synchronization.
func ComputeTradeStatistics(m *position.Manager) TradeStatistics {
	trades := m.Trades()
	wins, losses := tradeCounts(trades)

	s := TradeStatistics{
		TotalTrades:     len(trades),
		WinningTrades:   wins,
		LosingTrades:    losses,
		StartingCapital: m.StartingCapital(),
		CurrentEquity:   m.Equity(),
		RealizedPnL:     m.Equity() - m.StartingCapital(),
	}

	var grossProfit, grossLoss, largestWin, largestLoss float64
	for _, t := range trades {
		switch {
		case t.PnL > 0:
			grossProfit += t.PnL
			if t.PnL > largestWin {
				largestWin = t.PnL
			}
		case t.PnL < 0:
			grossLoss += -t.PnL
			if -t.PnL > largestLoss {
				largestLoss = -t.PnL
			}
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = round2(float64(wins) / float64(s.TotalTrades) * 100)
	}
	if s.StartingCapital > 0 {
		s.TotalPnLPct = round2(s.RealizedPnL / s.StartingCapital * 100)
	}
	if grossLoss > 0 {
		s.ProfitFactor = round2(grossProfit / grossLoss)
	}
	if wins > 0 {
		s.AvgWin = round2(grossProfit / float64(wins))
	}
	if losses > 0 {
		s.AvgLoss = round2(grossLoss / float64(losses))
	}
	s.GrossProfit = round2(grossProfit)
	s.GrossLoss = round2(grossLoss)
	s.LargestWin = round2(largestWin)
	s.LargestLoss = round2(largestLoss)
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
