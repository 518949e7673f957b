package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/messagerie/server/globals"
	"github.com/messagerie/server/types"
)

// EventHandler receives the decoded client events. One implementation is
// wired per hub; errors are reported back to the offending session only.
type EventHandler interface {
	HandleEvent(ctx context.Context, c *Client, event string, data json.RawMessage) error
	// HandleDisconnect runs exactly once per connection termination,
	// including abnormal termination.
	HandleDisconnect(c *Client)
}

// Hub is the session registry and broadcast router: it binds live
// connections to identities, tracks per-room subscription sets and fans
// events out to exactly the subscribed sessions. It holds in-memory state
// only and never performs I/O while locked.
type Hub struct {
	handler EventHandler

	// Registered clients and the per-room subscription index.
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
	}
}

// SetHandler wires the event handler. Must be called before Admit.
func (h *Hub) SetHandler(handler EventHandler) {
	h.handler = handler
}

// Admit registers a new session for an authenticated identity. Connections
// whose identity resolution failed upstream are rejected.
func (h *Hub) Admit(conn *websocket.Conn, user *types.User) (*Client, error) {
	if user == nil || user.Id == "" {
		return nil, types.ErrUnauthenticated
	}
	c := newClient(h, conn, user)
	h.Lock()
	h.clients[c] = struct{}{}
	h.Unlock()
	globals.AppLogger.Debug("session admitted", "user", user.Id)
	return c, nil
}

func (h *Hub) Subscribe(c *Client, roomCode string) {
	code := types.NormalizeRoomCode(roomCode)
	h.Lock()
	defer h.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	c.rooms[code] = struct{}{}
	if h.rooms[code] == nil {
		h.rooms[code] = make(map[*Client]struct{})
	}
	h.rooms[code][c] = struct{}{}
}

func (h *Hub) Unsubscribe(c *Client, roomCode string) {
	code := types.NormalizeRoomCode(roomCode)
	h.Lock()
	defer h.Unlock()
	h.unsubscribeLocked(c, code)
}

func (h *Hub) unsubscribeLocked(c *Client, code string) {
	delete(c.rooms, code)
	if subs, ok := h.rooms[code]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.rooms, code)
		}
	}
}

// DropAll releases the session and all its room subscriptions, returning the
// rooms it was in so presence departures can be announced. It is idempotent:
// only the first call returns rooms.
func (h *Hub) DropAll(c *Client) []string {
	h.Lock()
	defer h.Unlock()
	if c.dropped {
		return nil
	}
	c.dropped = true
	c.closed = true
	codes := make([]string, 0, len(c.rooms))
	for code := range c.rooms {
		codes = append(codes, code)
		h.unsubscribeLocked(c, code)
	}
	delete(h.clients, c)
	return codes
}

func (h *Hub) IsSubscribed(c *Client, roomCode string) bool {
	code := types.NormalizeRoomCode(roomCode)
	h.RLock()
	defer h.RUnlock()
	_, ok := c.rooms[code]
	return ok
}

// ActiveSessions returns the sessions currently subscribed to the room.
func (h *Hub) ActiveSessions(roomCode string) []*Client {
	code := types.NormalizeRoomCode(roomCode)
	h.RLock()
	defer h.RUnlock()
	sessions := make([]*Client, 0, len(h.rooms[code]))
	for c := range h.rooms[code] {
		sessions = append(sessions, c)
	}
	return sessions
}

// SessionCountForUser reports how many live sessions the user currently
// holds (a user may be connected from several devices).
func (h *Hub) SessionCountForUser(userId string) int {
	h.RLock()
	defer h.RUnlock()
	n := 0
	for c := range h.clients {
		if c.User.Id == userId {
			n++
		}
	}
	return n
}

// NoClients returns the number of sessions registered.
func (h *Hub) NoClients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

func marshalEvent(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(types.WebsocketMessage{Event: event, Data: data})
}

// ToRoom delivers the event to every session subscribed to the room, except
// the excluded one. Delivery is best-effort and at-most-once: a session that
// is gone or whose queue is full is skipped without affecting the others.
func (h *Hub) ToRoom(roomCode, event string, payload interface{}, exclude *Client) {
	h.toRoom(roomCode, event, payload, func(c *Client) bool { return c != exclude })
}

// ToRoomExceptUser is ToRoom skipping every session of the given user, used
// for presence announcements which go to the user's peers only.
func (h *Hub) ToRoomExceptUser(roomCode, userId, event string, payload interface{}) {
	h.toRoom(roomCode, event, payload, func(c *Client) bool { return c.User.Id != userId })
}

func (h *Hub) toRoom(roomCode, event string, payload interface{}, keep func(*Client) bool) {
	raw, err := marshalEvent(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal event", "event", event, "error", err)
		return
	}
	code := types.NormalizeRoomCode(roomCode)
	h.RLock()
	targets := make([]*Client, 0, len(h.rooms[code]))
	for c := range h.rooms[code] {
		if keep(c) {
			targets = append(targets, c)
		}
	}
	h.RUnlock()
	for _, c := range targets {
		c.enqueue(raw)
	}
}

// ToSession delivers the event to a single session, best-effort.
func (h *Hub) ToSession(c *Client, event string, payload interface{}) {
	raw, err := marshalEvent(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal event", "event", event, "error", err)
		return
	}
	c.enqueue(raw)
}

// CloseRoom force-unsubscribes every session from the room, notifying each
// one. Used when a room is deleted or archived while sessions are still
// subscribed to it.
func (h *Hub) CloseRoom(roomCode string) {
	code := types.NormalizeRoomCode(roomCode)
	raw, err := marshalEvent(types.EventRoomClosed, types.RoomClosedPayload{RoomCode: code})
	if err != nil {
		return
	}
	h.Lock()
	targets := make([]*Client, 0, len(h.rooms[code]))
	for c := range h.rooms[code] {
		targets = append(targets, c)
	}
	for _, c := range targets {
		h.unsubscribeLocked(c, code)
	}
	h.Unlock()
	for _, c := range targets {
		c.enqueue(raw)
	}
}
