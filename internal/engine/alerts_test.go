package engine

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/agentsim/internal/db"
	"github.com/quantfold/agentsim/internal/position"
)

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	subjects []string
	payloads [][]byte
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, cp)
	return nil
}

func TestAlertPublisherRoutesSubjects(t *testing.T) {
	pub := &fakePublisher{}
	a := NewAlertPublisher(pub, "", zerolog.Nop())

	uid := uuid.New()
	session := &db.Session{ID: uuid.New(), UserID: &uid, Asset: "BTCUSDT", Type: db.SessionBacktest}
	agent := &db.Agent{Name: "Momentum Scout"}

	a.SessionCompleted(session, agent, TradeStatistics{TotalPnLPct: 4.2, TotalTrades: 7, WinRate: 57.14, CurrentEquity: 10420})
	a.TradeClosed(session, agent, &position.Trade{
		Side: position.SideLong, EntryPrice: 100, ExitPrice: 98,
		PnL: -100, PnLPct: -2, Reason: position.CloseStopLoss,
	})
	a.AutoStop(session, agent, -12.3)
	a.SessionFailed(session, agent, errors.New("vendor 503"))

	require.Equal(t, []string{
		"agentsim.alerts.session",
		"agentsim.alerts.trade",
		"agentsim.alerts.auto_stop",
		"agentsim.alerts.session",
	}, pub.subjects)

	var completed Alert
	require.NoError(t, json.Unmarshal(pub.payloads[0], &completed))
	assert.Equal(t, AlertSessionCompleted, completed.Type)
	assert.Equal(t, session.ID.String(), completed.SessionID)
	assert.Equal(t, uid.String(), completed.UserID)
	assert.Equal(t, "Momentum Scout", completed.AgentName)
	assert.Equal(t, "BTCUSDT", completed.Asset)
	assert.Contains(t, completed.Body, "+4.20%")
	assert.Contains(t, completed.Body, "7 trades")
	assert.Equal(t, "backtest", completed.Data["session_type"])
	assert.False(t, completed.Timestamp.IsZero())

	var trade Alert
	require.NoError(t, json.Unmarshal(pub.payloads[1], &trade))
	assert.Equal(t, AlertTradeClosed, trade.Type)
	assert.Equal(t, "BTCUSDT closed (stop_loss)", trade.Title)
	assert.Equal(t, "stop_loss", trade.Data["close_reason"])
	assert.Equal(t, -100.0, trade.Data["pnl"])

	var auto Alert
	require.NoError(t, json.Unmarshal(pub.payloads[2], &auto))
	assert.Equal(t, AlertAutoStop, auto.Type)
	assert.Contains(t, auto.Body, "-12.30%")

	var failed Alert
	require.NoError(t, json.Unmarshal(pub.payloads[3], &failed))
	assert.Equal(t, AlertSessionFailed, failed.Type)
	assert.Contains(t, failed.Body, "vendor 503")
}

func TestAlertPublisherCustomSubjectPrefix(t *testing.T) {
	pub := &fakePublisher{}
	a := NewAlertPublisher(pub, "quantfold.prod.alerts", zerolog.Nop())

	a.AutoStop(&db.Session{ID: uuid.New(), Asset: "ETHUSDT"}, nil, -20)

	require.Equal(t, []string{"quantfold.prod.alerts.auto_stop"}, pub.subjects)
}

func TestAlertPublisherDropsWithoutConnection(t *testing.T) {
	assert.NotPanics(t, func() {
		var a *AlertPublisher
		a.SessionCompleted(&db.Session{ID: uuid.New()}, nil, TradeStatistics{})

		NewAlertPublisher(nil, "", zerolog.Nop()).
			SessionFailed(&db.Session{ID: uuid.New()}, nil, errors.New("boom"))
	})
}

func TestAlertPublisherToleratesPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats down")}
	a := NewAlertPublisher(pub, "", zerolog.Nop())

	assert.NotPanics(t, func() {
		a.TradeClosed(&db.Session{ID: uuid.New(), Asset: "BTCUSDT"}, nil, &position.Trade{
			Side: position.SideShort, Reason: position.CloseTakeProfit,
		})
	})
	assert.Empty(t, pub.subjects)
}
