package position

import "math"

// Stats summarizes the trade log and current equity. All values are
// rounded to 2 decimals; intermediate math is unrounded.
type Stats struct {
	TotalTrades     int     `json:"total_trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	WinRate         float64 `json:"win_rate"`
	TotalProfit     float64 `json:"total_profit"`
	TotalLoss       float64 `json:"total_loss"`
	AverageWin      float64 `json:"average_win"`
	AverageLoss     float64 `json:"average_loss"`
	LargestWin      float64 `json:"largest_win"`
	LargestLoss     float64 `json:"largest_loss"`
	ProfitFactor    float64 `json:"profit_factor"`
	CurrentEquity   float64 `json:"current_equity"`
	EquityChangePct float64 `json:"equity_change_pct"`
}

// Stats computes summary statistics over the closed trades. Current equity
// includes the open position's unrealized PnL.
func (m *Manager) Stats() Stats {
	var s Stats
	var totalWin, totalLoss float64

	for _, t := range m.trades {
		s.TotalTrades++
		if t.PnL > 0 {
			s.WinningTrades++
			totalWin += t.PnL
			if t.PnL > s.LargestWin {
				s.LargestWin = t.PnL
			}
		} else {
			s.LosingTrades++
			totalLoss += t.PnL
			if t.PnL < s.LargestLoss {
				s.LargestLoss = t.PnL
			}
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
	}
	if s.WinningTrades > 0 {
		s.AverageWin = totalWin / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = totalLoss / float64(s.LosingTrades)
	}
	if totalLoss != 0 {
		s.ProfitFactor = totalWin / math.Abs(totalLoss)
	}

	s.TotalProfit = totalWin
	s.TotalLoss = totalLoss
	s.CurrentEquity = m.EquityWithUnrealized()
	if m.startingCapital > 0 {
		s.EquityChangePct = (s.CurrentEquity - m.startingCapital) / m.startingCapital * 100
	}

	return s.rounded()
}

// rounded applies 2-decimal rounding to every float field
func (s Stats) rounded() Stats {
	s.WinRate = round2(s.WinRate)
	s.TotalProfit = round2(s.TotalProfit)
	s.TotalLoss = round2(s.TotalLoss)
	s.AverageWin = round2(s.AverageWin)
	s.AverageLoss = round2(s.AverageLoss)
	s.LargestWin = round2(s.LargestWin)
	s.LargestLoss = round2(s.LargestLoss)
	s.ProfitFactor = round2(s.ProfitFactor)
	s.CurrentEquity = round2(s.CurrentEquity)
	s.EquityChangePct = round2(s.EquityChangePct)
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
