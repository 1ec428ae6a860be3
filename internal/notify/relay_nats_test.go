package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/agentsim/internal/engine"
)

// startTestNATSServer starts an embedded NATS server on a random port.
func startTestNATSServer(t *testing.T) *server.Server {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	return ns
}

// syncService captures deliveries across goroutines; NATS invokes the
// relay handler off the test goroutine.
type syncService struct {
	mu      sync.Mutex
	userIDs []uuid.UUID
	sent    []Notification
}

func (s *syncService) Notify(_ context.Context, userID uuid.UUID, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userIDs = append(s.userIDs, userID)
	s.sent = append(s.sent, n)
	return nil
}

func (s *syncService) Close() error { return nil }

func (s *syncService) delivered() ([]uuid.UUID, []Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.userIDs...), append([]Notification(nil), s.sent...)
}

func TestRelayDeliversOverNATS(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	svc := &syncService{}
	relay := NewRelay(nc, svc, "relaytest.alerts")
	require.NoError(t, relay.Start())
	defer relay.Stop()

	userID := uuid.New()
	sessionID := uuid.New().String()
	payload, err := json.Marshal(engine.Alert{
		Type:      engine.AlertTradeClosed,
		SessionID: sessionID,
		UserID:    userID.String(),
		AgentName: "momentum-1",
		Asset:     "BTCUSDT",
		Title:     "Position closed",
		Body:      "BTCUSDT long closed at +1.8%",
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, nc.Publish("relaytest.alerts.trade", payload))

	require.Eventually(t, func() bool {
		ids, _ := svc.delivered()
		return len(ids) == 1
	}, 5*time.Second, 20*time.Millisecond)

	ids, sent := svc.delivered()
	assert.Equal(t, userID, ids[0])
	assert.Equal(t, KindTrade, sent[0].Kind)
	assert.Equal(t, "Position closed", sent[0].Title)

	// An alert without an owner is dropped, not delivered.
	orphan, err := json.Marshal(engine.Alert{
		Type:      engine.AlertSessionCompleted,
		SessionID: sessionID,
		Title:     "Session complete",
	})
	require.NoError(t, err)
	require.NoError(t, nc.Publish("relaytest.alerts.session", orphan))
	require.NoError(t, nc.Flush())

	time.Sleep(100 * time.Millisecond)
	ids, _ = svc.delivered()
	assert.Len(t, ids, 1)
}
