package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantfold/agentsim/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size; commands are tiny
	maxMessageSize = 512
)

// CommandHandler executes a pause/resume/stop command for a session.
// Returned fields are merged into the command_ack payload (a stop, for
// example, reports the result id it produced).
type CommandHandler func(ctx context.Context, sessionID string, cmd Command) (map[string]interface{}, error)

// wsConn binds a subscriber to a WebSocket connection
type wsConn struct {
	hub     *Hub
	sub     *Subscriber
	ws      *websocket.Conn
	handler CommandHandler
	log     zerolog.Logger
}

// ServeConn pumps the subscriber's events onto a WebSocket connection
// and inbound commands off it. Blocks until the connection drops or the
// subscriber is detached.
func (h *Hub) ServeConn(ctx context.Context, ws *websocket.Conn, sub *Subscriber, handler CommandHandler) {
	c := &wsConn{
		hub:     h,
		sub:     sub,
		ws:      ws,
		handler: handler,
		log: h.log.With().
			Str("session_id", sub.SessionID).
			Str("connection_id", sub.ID).
			Logger(),
	}

	go c.writePump()
	c.readPump(ctx)
}

// writePump pumps events from the subscriber to the WebSocket connection
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case event, ok := <-c.sub.C():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the hub detached the subscriber
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps commands from the WebSocket connection to the runtime
func (c *wsConn) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unsubscribe(c.sub)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("Stream read error")
			}
			return
		}
		c.handleCommand(ctx, message)
	}
}

// handleCommand decodes and dispatches one inbound command, answering
// with a command_ack or a connection-scoped error event
func (c *wsConn) handleCommand(ctx context.Context, message []byte) {
	var cmd Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.sendError("invalid command payload")
		return
	}

	if !KnownCommand(cmd.Action) {
		metrics.RecordStreamCommand("unknown")
		c.sendError(fmt.Sprintf("unknown action %q", cmd.Action))
		return
	}
	metrics.RecordStreamCommand(cmd.Action)

	if cmd.Action == CommandPing {
		c.sendAck(cmd.Action, nil, "")
		return
	}

	if c.handler == nil {
		c.sendError("session is not accepting commands")
		return
	}

	fields, err := c.handler(ctx, c.sub.SessionID, cmd)
	if err != nil {
		c.log.Warn().Err(err).Str("action", cmd.Action).Msg("Stream command rejected")
		c.sendAck(cmd.Action, nil, err.Error())
		return
	}
	c.sendAck(cmd.Action, fields, "")
}

func (c *wsConn) sendAck(action string, fields map[string]interface{}, errMsg string) {
	data := map[string]interface{}{
		"action": action,
		"status": "ok",
	}
	for k, v := range fields {
		data[k] = v
	}
	if errMsg != "" {
		data["status"] = "error"
		data["message"] = errMsg
	}
	_ = c.hub.SendTo(c.sub, NewEvent(EventCommandAck, data))
}

func (c *wsConn) sendError(message string) {
	_ = c.hub.SendTo(c.sub, NewEvent(EventError, map[string]interface{}{"message": message}))
}
