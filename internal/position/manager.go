// Package position simulates a single leveraged position per session and
// keeps the running trade log and equity state.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/agentsim/internal/metrics"
)

// Side of an open position
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// CloseReason records why a position was closed
type CloseReason string

const (
	CloseStopLoss   CloseReason = "stop_loss"
	CloseTakeProfit CloseReason = "take_profit"
	CloseAIDecision CloseReason = "ai_decision"
	CloseManual     CloseReason = "manual"
	CloseAutoStop   CloseReason = "auto_stop"
)

// safetyStopPct is the adverse move at which safety mode forces a stop loss
const safetyStopPct = 0.02

var (
	// ErrPositionOpen is returned by Open when a position already exists
	ErrPositionOpen = errors.New("position already open")
	// ErrNoPosition is returned by Close when there is nothing to close
	ErrNoPosition = errors.New("no open position")
)

// Position is the single open simulated trade for a session.
// StopLoss and TakeProfit of 0 mean unset.
type Position struct {
	Side          Side      `json:"side"`
	EntryPrice    float64   `json:"entry_price"`
	Size          float64   `json:"size"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	Leverage      int       `json:"leverage"`
	EntryTime     time.Time `json:"entry_time"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
}

// Notional returns the position value at entry
func (p *Position) Notional() float64 {
	return p.EntryPrice * p.Size
}

// Margin returns the capital committed to the position
func (p *Position) Margin() float64 {
	return p.EntryPrice * p.Size / float64(p.Leverage)
}

// Trade is a closed position. Immutable once appended to the log.
type Trade struct {
	Side       Side        `json:"side"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	Size       float64     `json:"size"`
	Leverage   int         `json:"leverage"`
	EntryTime  time.Time   `json:"entry_time"`
	ExitTime   time.Time   `json:"exit_time"`
	PnL        float64     `json:"pnl"`
	PnLPct     float64     `json:"pnl_pct"`
	Reason     CloseReason `json:"reason"`
}

// OpenParams carries everything needed to open a position
type OpenParams struct {
	Side       Side
	EntryPrice float64
	SizePct    float64
	Leverage   int
	StopLoss   float64
	TakeProfit float64
	Time       time.Time
}

// Manager owns the position state for one session. It is not safe for
// concurrent use; the session runtime is its only caller.
type Manager struct {
	startingCapital float64
	equity          float64
	position        *Position
	trades          []Trade
	safetyMode      bool
	log             zerolog.Logger
}

// NewManager creates a position manager with the given starting capital
func NewManager(startingCapital float64, safetyMode bool, log zerolog.Logger) *Manager {
	return &Manager{
		startingCapital: startingCapital,
		equity:          startingCapital,
		trades:          []Trade{},
		safetyMode:      safetyMode,
		log:             log.With().Str("component", "position").Logger(),
	}
}

// Open opens a new position. Size in base units is
// equity * size_pct * leverage / entry_price.
func (m *Manager) Open(p OpenParams) (*Position, error) {
	if m.position != nil {
		return nil, ErrPositionOpen
	}
	if p.Side != SideLong && p.Side != SideShort {
		return nil, fmt.Errorf("invalid side %q", p.Side)
	}
	if p.EntryPrice <= 0 {
		return nil, fmt.Errorf("invalid entry price %f", p.EntryPrice)
	}
	if p.SizePct <= 0 || p.SizePct > 1 {
		return nil, fmt.Errorf("size percentage %f outside (0,1]", p.SizePct)
	}
	if p.Leverage < 1 || p.Leverage > 5 {
		return nil, fmt.Errorf("leverage %d outside [1,5]", p.Leverage)
	}

	size := m.equity * p.SizePct * float64(p.Leverage) / p.EntryPrice

	stopLoss := p.StopLoss
	if m.safetyMode {
		stopLoss = m.enforceSafetyStop(p.Side, p.EntryPrice, stopLoss)
	}

	m.position = &Position{
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		Size:       size,
		StopLoss:   stopLoss,
		TakeProfit: p.TakeProfit,
		Leverage:   p.Leverage,
		EntryTime:  p.Time,
	}

	metrics.RecordPositionOpened(string(p.Side))

	m.log.Info().
		Str("side", string(p.Side)).
		Float64("entry_price", p.EntryPrice).
		Float64("size", size).
		Int("leverage", p.Leverage).
		Float64("stop_loss", stopLoss).
		Float64("take_profit", p.TakeProfit).
		Msg("Position opened")

	return m.position, nil
}

// enforceSafetyStop tightens a missing or too-loose stop loss to the 2%
// adverse price from entry.
func (m *Manager) enforceSafetyStop(side Side, entry, stopLoss float64) float64 {
	if side == SideLong {
		floor := entry * (1 - safetyStopPct)
		if stopLoss == 0 || stopLoss < floor {
			return floor
		}
		return stopLoss
	}
	ceil := entry * (1 + safetyStopPct)
	if stopLoss == 0 || stopLoss > ceil {
		return ceil
	}
	return stopLoss
}

// UpdateOnCandle marks the position to market at the candle close, then
// checks stop loss and take profit against the candle's high/low range.
// The stop loss check runs first: when one candle crosses both levels the
// worst case is assumed. Returns the resulting trade if the position closed.
func (m *Manager) UpdateOnCandle(high, low, close float64, ts time.Time) *Trade {
	if m.position == nil {
		return nil
	}

	m.position.UnrealizedPnL = m.unrealizedAt(close)

	pos := m.position
	if pos.Side == SideLong {
		if pos.StopLoss > 0 && low <= pos.StopLoss {
			return m.mustClose(pos.StopLoss, ts, CloseStopLoss)
		}
		if pos.TakeProfit > 0 && high >= pos.TakeProfit {
			return m.mustClose(pos.TakeProfit, ts, CloseTakeProfit)
		}
		return nil
	}

	if pos.StopLoss > 0 && high >= pos.StopLoss {
		return m.mustClose(pos.StopLoss, ts, CloseStopLoss)
	}
	if pos.TakeProfit > 0 && low <= pos.TakeProfit {
		return m.mustClose(pos.TakeProfit, ts, CloseTakeProfit)
	}
	return nil
}

// Close closes the open position at the given price.
// Realized PnL percent is computed over the committed margin.
func (m *Manager) Close(exitPrice float64, ts time.Time, reason CloseReason) (*Trade, error) {
	if m.position == nil {
		return nil, ErrNoPosition
	}

	pos := m.position
	var pnl float64
	if pos.Side == SideLong {
		pnl = (exitPrice - pos.EntryPrice) * pos.Size
	} else {
		pnl = (pos.EntryPrice - exitPrice) * pos.Size
	}

	margin := pos.Margin()
	var pnlPct float64
	if margin > 0 {
		pnlPct = pnl / margin * 100
	}

	trade := Trade{
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Size:       pos.Size,
		Leverage:   pos.Leverage,
		EntryTime:  pos.EntryTime,
		ExitTime:   ts,
		PnL:        pnl,
		PnLPct:     pnlPct,
		Reason:     reason,
	}

	m.equity += pnl
	m.trades = append(m.trades, trade)
	m.position = nil

	metrics.RecordTradeClosed(string(reason))

	m.log.Info().
		Str("side", string(trade.Side)).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Float64("pnl_pct", pnlPct).
		Str("reason", string(reason)).
		Msg("Position closed")

	return &trade, nil
}

// mustClose closes inside UpdateOnCandle where the position is known open
func (m *Manager) mustClose(exitPrice float64, ts time.Time, reason CloseReason) *Trade {
	trade, err := m.Close(exitPrice, ts, reason)
	if err != nil {
		// unreachable: UpdateOnCandle already checked the position
		m.log.Error().Err(err).Msg("Close failed on trigger")
		return nil
	}
	return trade
}

// unrealizedAt returns the unrealized PnL at the given price
func (m *Manager) unrealizedAt(price float64) float64 {
	if m.position == nil {
		return 0
	}
	if m.position.Side == SideLong {
		return (price - m.position.EntryPrice) * m.position.Size
	}
	return (m.position.EntryPrice - price) * m.position.Size
}

// Position returns the open position, or nil
func (m *Manager) Position() *Position {
	return m.position
}

// HasPosition reports whether a position is open
func (m *Manager) HasPosition() bool {
	return m.position != nil
}

// Equity returns realized equity (starting capital plus realized PnL)
func (m *Manager) Equity() float64 {
	return m.equity
}

// EquityWithUnrealized returns equity including the open position's
// unrealized PnL
func (m *Manager) EquityWithUnrealized() float64 {
	if m.position == nil {
		return m.equity
	}
	return m.equity + m.position.UnrealizedPnL
}

// StartingCapital returns the initial capital
func (m *Manager) StartingCapital() float64 {
	return m.startingCapital
}

// Trades returns the closed trade log in close order
func (m *Manager) Trades() []Trade {
	return m.trades
}
