package telegram

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/agentsim/internal/engine"
)

type fakeSubscriber struct {
	subjects []string
	failOn   string
}

func (f *fakeSubscriber) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	if subject == f.failOn {
		return nil, errors.New("nats: connection closed")
	}
	f.subjects = append(f.subjects, subject)
	return &nats.Subscription{}, nil
}

type fakeSender struct {
	chatIDs []int64
	alerts  []engine.Alert
	err     error
}

func (f *fakeSender) SendAlert(chatID int64, alert engine.Alert) error {
	f.chatIDs = append(f.chatIDs, chatID)
	f.alerts = append(f.alerts, alert)
	return f.err
}

func TestAlertRelayStartSubscribes(t *testing.T) {
	conn := &fakeSubscriber{}
	relay := NewAlertRelay(conn, &fakeSender{}, nil, "")

	require.NoError(t, relay.Start())
	assert.Equal(t, []string{
		"agentsim.alerts.session",
		"agentsim.alerts.trade",
		"agentsim.alerts.auto_stop",
	}, conn.subjects)
	relay.Stop()
}

func TestAlertRelayStartFailureUnwinds(t *testing.T) {
	conn := &fakeSubscriber{failOn: "agentsim.alerts.auto_stop"}
	relay := NewAlertRelay(conn, &fakeSender{}, nil, "")

	err := relay.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agentsim.alerts.auto_stop")
	assert.Nil(t, relay.subs)
}

func TestAlertRelayForwardsToLinkedChats(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	userID := uuid.New()
	rows := pgxmock.NewRows([]string{"chat_id"}).
		AddRow(int64(111)).
		AddRow(int64(222))
	mock.ExpectQuery("SELECT chat_id").
		WithArgs(userID).
		WillReturnRows(rows)

	sender := &fakeSender{}
	relay := NewAlertRelay(&fakeSubscriber{}, sender, mock, "")

	alert := engine.Alert{
		Type:      engine.AlertTradeClosed,
		SessionID: uuid.New().String(),
		UserID:    userID.String(),
		Title:     "BTCUSDT closed (take_profit)",
		Body:      "long BTCUSDT: +100.00 (+2.00%)",
	}
	payload, err := json.Marshal(alert)
	require.NoError(t, err)

	relay.handle(&nats.Msg{Subject: "agentsim.alerts.trade", Data: payload})

	assert.Equal(t, []int64{111, 222}, sender.chatIDs)
	require.Len(t, sender.alerts, 2)
	assert.Equal(t, engine.AlertTradeClosed, sender.alerts[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlertRelayDropsUnroutableAlerts(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "undecodable payload", payload: []byte("{not json")},
		{
			name: "anonymous session",
			payload: func() []byte {
				p, _ := json.Marshal(engine.Alert{Type: engine.AlertSessionCompleted, Title: "done"})
				return p
			}(),
		},
		{
			name: "malformed user id",
			payload: func() []byte {
				p, _ := json.Marshal(engine.Alert{Type: engine.AlertSessionCompleted, UserID: "not-a-uuid"})
				return p
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			sender := &fakeSender{}
			relay := NewAlertRelay(&fakeSubscriber{}, sender, mock, "")

			relay.handle(&nats.Msg{Subject: "agentsim.alerts.session", Data: tt.payload})

			assert.Empty(t, sender.alerts)
			assert.NoError(t, mock.ExpectationsWereMet(), "no chat lookup for dropped alerts")
		})
	}
}
