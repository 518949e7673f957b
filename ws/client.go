package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/messagerie/server/globals"
	"github.com/messagerie/server/types"
)

const (
	maxMessageSize  = 4096
	pongWait        = 2 * time.Minute
	pingPeriod      = time.Minute
	writeWait       = 10 * time.Second
	sendChannelSize = 256
)

// Client is a middleman between the websocket connection and the hub. It is
// the live session: one per connection, bound to one authenticated user.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. Never closed; the write loop
	// exits via doneChan and the channel is left for the gc.
	Send chan []byte

	User *types.User

	// Subscription set and lifecycle flags, all guarded by the hub mutex.
	rooms   map[string]struct{}
	closed  bool
	dropped bool

	doneChan chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, user *types.User) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		Send:     make(chan []byte, sendChannelSize),
		User:     user,
		rooms:    make(map[string]struct{}),
		doneChan: make(chan struct{}),
	}
}

// Done is closed when the connection terminates.
func (c *Client) Done() <-chan struct{} {
	return c.doneChan
}

// enqueue puts a marshalled event on the session's outbound queue. A dead
// session or a full queue drops the event: delivery is at-most-once and a
// slow consumer must not block delivery to unrelated sessions.
func (c *Client) enqueue(raw []byte) {
	c.hub.RLock()
	closed := c.closed
	c.hub.RUnlock()
	if closed {
		return
	}
	select {
	case c.Send <- raw:
	default:
		globals.AppLogger.Warn("send queue full, dropping event", "user", c.User.Id)
	}
}

// SendError reports a rejected operation back to this session only.
func (c *Client) SendError(message string) {
	c.hub.ToSession(c, types.EventError, types.ErrorPayload{Message: message})
}

// ReadLoop pumps messages from the websocket connection to the event handler.
//
// The application runs ReadLoop in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadLoop() {
	defer func() {
		c.conn.Close()
		close(c.doneChan)
		c.hub.handler.HandleDisconnect(c)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				globals.AppLogger.Debug("ws closed unexpected", "user", c.User.Id, "error", err)
			}
			return
		}
		message := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &message); err != nil {
			c.SendError("malformed event")
			continue
		}
		c.dispatch(&message)
	}
}

// dispatch runs one event through the handler behind a recover boundary, so
// one failing event can neither terminate the connection nor affect
// unrelated events on the same session.
func (c *Client) dispatch(message *types.WebsocketMessage) {
	defer func() {
		if r := recover(); r != nil {
			globals.AppLogger.Error("panic in event handler", "event", message.Event, "panic", r)
			c.SendError("internal error")
		}
	}()
	if err := c.hub.handler.HandleEvent(context.Background(), c, message.Event, message.Data); err != nil {
		globals.AppLogger.Debug("event rejected", "event", message.Event, "user", c.User.Id, "error", err)
		c.SendError(err.Error())
	}
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			return
		}
	}
}
