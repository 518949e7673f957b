package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/messagerie/server/globals"
	"github.com/messagerie/server/persistence"
	"github.com/messagerie/server/presence"
	"github.com/messagerie/server/types"
	"github.com/messagerie/server/ws"
	"github.com/mitchellh/mapstructure"
)

// Gateway translates the websocket event surface into registry, directory,
// presence and pipeline operations. It implements ws.EventHandler.
type Gateway struct {
	hub       *ws.Hub
	pipeline  *Pipeline
	presence  *presence.Coordinator
	persister persistence.Persister
}

func NewGateway(hub *ws.Hub, pipeline *Pipeline, coordinator *presence.Coordinator, persister persistence.Persister) *Gateway {
	return &Gateway{
		hub:       hub,
		pipeline:  pipeline,
		presence:  coordinator,
		persister: persister,
	}
}

func decode(data json.RawMessage, out interface{}) error {
	payload := make(map[string]interface{})
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("malformed payload: %w", types.ErrValidation)
		}
	}
	if err := mapstructure.WeakDecode(payload, out); err != nil {
		return fmt.Errorf("could not decode payload: %w", types.ErrValidation)
	}
	return nil
}

// HandleConnect admits the session into its durable rooms: every room the
// user participates in is auto-subscribed and flipped online.
func (g *Gateway) HandleConnect(ctx context.Context, c *ws.Client) error {
	if err := g.persister.SetUserOnline(ctx, c.User.Id, true); err != nil {
		globals.AppLogger.Warn("could not set user online", "user", c.User.Id, "error", err)
	}
	rooms, err := g.persister.RoomsForUser(ctx, c.User.Id)
	if err != nil {
		return fmt.Errorf("load user rooms: %w", err)
	}
	for _, room := range rooms {
		g.hub.Subscribe(c, room.Code)
		g.presence.SessionJoined(ctx, c.User, room.Code)
	}
	return nil
}

// HandleDisconnect releases the session exactly once and announces the
// presence departures.
func (g *Gateway) HandleDisconnect(c *ws.Client) {
	ctx := context.Background()
	rooms := g.hub.DropAll(c)
	g.presence.SessionDropped(ctx, c.User, rooms)
	if g.hub.SessionCountForUser(c.User.Id) == 0 {
		if err := g.persister.SetUserOnline(ctx, c.User.Id, false); err != nil {
			globals.AppLogger.Warn("could not set user offline", "user", c.User.Id, "error", err)
		}
	}
}

func (g *Gateway) HandleEvent(ctx context.Context, c *ws.Client, event string, data json.RawMessage) error {
	switch event {
	case types.EventSendMessage:
		payload := types.SendMessagePayload{}
		if err := decode(data, &payload); err != nil {
			return err
		}
		_, err := g.pipeline.Send(ctx, c, payload.RoomCode, payload.Content, payload.Kind, payload.ReplyTo)
		return err

	case types.EventJoinRoom:
		payload := types.JoinRoomPayload{}
		if err := decode(data, &payload); err != nil {
			return err
		}
		return g.handleJoin(ctx, c, payload.RoomCode)

	case types.EventLeaveRoom:
		payload := types.LeaveRoomPayload{}
		if err := decode(data, &payload); err != nil {
			return err
		}
		return g.handleLeave(ctx, c, payload.RoomCode)

	case types.EventTyping:
		payload := types.TypingPayload{}
		if err := decode(data, &payload); err != nil {
			return err
		}
		// Fire-and-forget relay, gated only on the live subscription. No
		// persistence, no de-duplication.
		code := types.NormalizeRoomCode(payload.RoomCode)
		if !g.hub.IsSubscribed(c, code) {
			return nil
		}
		g.hub.ToRoom(code, types.EventUserTyping, types.UserTypingPayload{
			UserId:   c.User.Id,
			Username: c.User.Username,
			RoomCode: code,
			IsTyping: payload.IsTyping,
		}, c)
		return nil

	case types.EventMarkRead:
		payload := types.MarkReadPayload{}
		if err := decode(data, &payload); err != nil {
			return err
		}
		return g.pipeline.MarkRead(ctx, c, payload.RoomCode)
	}
	return fmt.Errorf("unknown event %q: %w", event, types.ErrValidation)
}

func (g *Gateway) handleJoin(ctx context.Context, c *ws.Client, roomCode string) error {
	code := types.NormalizeRoomCode(roomCode)
	room, err := g.persister.FindRoomByCode(ctx, code)
	if err != nil {
		return err
	}
	added, err := g.persister.AddParticipant(ctx, code, c.User.Id)
	if err != nil {
		return err
	}
	g.hub.Subscribe(c, code)
	g.presence.SessionJoined(ctx, c.User, code)
	if added {
		g.hub.ToRoom(code, types.EventUserJoined, types.UserJoinedPayload{User: c.User, RoomCode: code}, c)
		if fresh, err := g.persister.FindRoomByCode(ctx, code); err == nil {
			room = fresh
		}
	}
	g.hub.ToSession(c, types.EventRoomJoined, types.RoomJoinedPayload{Room: room})
	g.hub.ToSession(c, types.EventParticipantsList, types.ParticipantsListPayload{
		Participants: room.OnlineParticipants(),
		RoomCode:     code,
	})
	if msgs, err := g.pipeline.History(ctx, code, 1, 0); err == nil {
		g.hub.ToSession(c, types.EventRecentMessages, types.RecentMessagesPayload{Messages: msgs, RoomCode: code})
	} else {
		globals.AppLogger.Warn("could not load recent messages", "room", code, "error", err)
	}
	return nil
}

// handleLeave removes the durable membership. Every session of the user is
// unsubscribed, since membership is the authorization fact backing the
// subscription.
func (g *Gateway) handleLeave(ctx context.Context, c *ws.Client, roomCode string) error {
	code := types.NormalizeRoomCode(roomCode)
	if err := g.persister.RemoveParticipant(ctx, code, c.User.Id); err != nil {
		return err
	}
	for _, s := range g.hub.ActiveSessions(code) {
		if s.User.Id == c.User.Id {
			g.hub.Unsubscribe(s, code)
			g.hub.ToSession(s, types.EventRoomLeft, types.RoomLeftPayload{RoomCode: code})
		}
	}
	g.presence.Forget(c.User.Id, code)
	g.hub.ToRoom(code, types.EventUserLeft, types.UserLeftPayload{
		UserId:   c.User.Id,
		Username: c.User.Username,
		RoomCode: code,
	}, nil)
	return nil
}
