package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialTestStream stands up a hub-backed WebSocket endpoint and dials it
func dialTestStream(t *testing.T, hub *Hub, sessionID string, handler CommandHandler) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sub := hub.Subscribe(sessionID, false)
		hub.ServeConn(context.Background(), ws, sub, handler)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// wait for the server side to register the subscriber
	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount(sessionID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	var ev Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestServeConn_DeliversPublishedEvents(t *testing.T) {
	hub := newTestHub()
	conn := dialTestStream(t, hub, "sess-1", nil)

	hub.Publish("sess-1", NewEvent(EventCandle, map[string]interface{}{"index": float64(7)}))

	ev := readEvent(t, conn)
	assert.Equal(t, EventCandle, ev.Type)
	data := ev.Data.(map[string]interface{})
	assert.Equal(t, float64(7), data["index"])
	assert.False(t, ev.Timestamp.IsZero())
}

func TestServeConn_CommandDispatchAndAck(t *testing.T) {
	var mu sync.Mutex
	var gotSession, gotAction string

	handler := func(ctx context.Context, sessionID string, cmd Command) (map[string]interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		gotSession, gotAction = sessionID, cmd.Action
		return nil, nil
	}

	hub := newTestHub()
	conn := dialTestStream(t, hub, "sess-1", handler)

	require.NoError(t, conn.WriteJSON(Command{Action: CommandPause}))

	ev := readEvent(t, conn)
	assert.Equal(t, EventCommandAck, ev.Type)
	data := ev.Data.(map[string]interface{})
	assert.Equal(t, "pause", data["action"])
	assert.Equal(t, "ok", data["status"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "sess-1", gotSession)
	assert.Equal(t, "pause", gotAction)
}

func TestServeConn_PingAckedWithoutHandler(t *testing.T) {
	hub := newTestHub()
	conn := dialTestStream(t, hub, "sess-1", nil)

	require.NoError(t, conn.WriteJSON(Command{Action: CommandPing}))

	ev := readEvent(t, conn)
	assert.Equal(t, EventCommandAck, ev.Type)
	assert.Equal(t, "ping", ev.Data.(map[string]interface{})["action"])
}

func TestServeConn_UnknownActionGetsError(t *testing.T) {
	hub := newTestHub()
	conn := dialTestStream(t, hub, "sess-1", nil)

	require.NoError(t, conn.WriteJSON(Command{Action: "explode"}))

	ev := readEvent(t, conn)
	assert.Equal(t, EventError, ev.Type)
	assert.Contains(t, ev.Data.(map[string]interface{})["message"], "unknown action")
}

func TestServeConn_HandlerErrorReportedInAck(t *testing.T) {
	handler := func(ctx context.Context, sessionID string, cmd Command) (map[string]interface{}, error) {
		return nil, assert.AnError
	}

	hub := newTestHub()
	conn := dialTestStream(t, hub, "sess-1", handler)

	require.NoError(t, conn.WriteJSON(Command{Action: CommandStop}))

	ev := readEvent(t, conn)
	assert.Equal(t, EventCommandAck, ev.Type)
	data := ev.Data.(map[string]interface{})
	assert.Equal(t, "error", data["status"])
	assert.NotEmpty(t, data["message"])
}

func TestServeConn_StopAckCarriesHandlerFields(t *testing.T) {
	var mu sync.Mutex
	var sawCloseFlag bool

	handler := func(ctx context.Context, sessionID string, cmd Command) (map[string]interface{}, error) {
		mu.Lock()
		sawCloseFlag = cmd.ShouldClosePosition()
		mu.Unlock()
		return map[string]interface{}{"result_id": "res-42"}, nil
	}

	hub := newTestHub()
	conn := dialTestStream(t, hub, "sess-1", handler)

	closeFlag := false
	require.NoError(t, conn.WriteJSON(Command{Action: CommandStop, ClosePosition: &closeFlag}))

	ev := readEvent(t, conn)
	assert.Equal(t, EventCommandAck, ev.Type)
	data := ev.Data.(map[string]interface{})
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "res-42", data["result_id"])

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, sawCloseFlag)
}

func TestCommand_ShouldClosePosition(t *testing.T) {
	assert.True(t, Command{Action: CommandStop}.ShouldClosePosition())

	yes, no := true, false
	assert.True(t, Command{Action: CommandStop, ClosePosition: &yes}.ShouldClosePosition())
	assert.False(t, Command{Action: CommandStop, ClosePosition: &no}.ShouldClosePosition())
}

func TestServeConn_ClientDisconnectDetaches(t *testing.T) {
	hub := newTestHub()
	conn := dialTestStream(t, hub, "sess-1", nil)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount("sess-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never detached after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
