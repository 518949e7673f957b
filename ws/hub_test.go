package ws

import (
	"encoding/json"
	"testing"

	"github.com/messagerie/server/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, h *Hub, userId string) *Client {
	t.Helper()
	c, err := h.Admit(nil, &types.User{Id: userId, Username: userId})
	require.NoError(t, err)
	return c
}

func receive(t *testing.T, c *Client) *types.WebsocketMessage {
	t.Helper()
	select {
	case raw := <-c.Send:
		message := &types.WebsocketMessage{}
		require.NoError(t, json.Unmarshal(raw, message))
		return message
	default:
		t.Fatal("no message queued")
		return nil
	}
}

func TestAdmitRejectsAnonymous(t *testing.T) {
	h := NewHub()
	_, err := h.Admit(nil, nil)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
	_, err = h.Admit(nil, &types.User{})
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
	assert.Equal(t, 0, h.NoClients())
}

func TestSubscribeNormalizesCode(t *testing.T) {
	h := NewHub()
	c := newTestSession(t, h, "u1")
	h.Subscribe(c, "abcd")
	assert.True(t, h.IsSubscribed(c, "ABCD"))
	assert.Len(t, h.ActiveSessions("AbCd"), 1)
}

func TestToRoomDeliversToSubscribersOnly(t *testing.T) {
	h := NewHub()
	a := newTestSession(t, h, "u1")
	b := newTestSession(t, h, "u2")
	outsider := newTestSession(t, h, "u3")
	h.Subscribe(a, "ABCD")
	h.Subscribe(b, "ABCD")
	h.Subscribe(outsider, "EFGH")

	h.ToRoom("ABCD", types.EventNewMessage, map[string]string{"body": "hi"}, nil)

	for _, c := range []*Client{a, b} {
		message := receive(t, c)
		assert.Equal(t, types.EventNewMessage, message.Event)
	}
	assert.Empty(t, outsider.Send)
}

func TestToRoomExcludesSession(t *testing.T) {
	h := NewHub()
	a := newTestSession(t, h, "u1")
	b := newTestSession(t, h, "u2")
	h.Subscribe(a, "ABCD")
	h.Subscribe(b, "ABCD")

	h.ToRoom("ABCD", types.EventUserTyping, map[string]string{}, a)

	assert.Empty(t, a.Send)
	assert.Len(t, b.Send, 1)
}

func TestToRoomExceptUserSkipsAllTheirSessions(t *testing.T) {
	h := NewHub()
	phone := newTestSession(t, h, "u1")
	laptop := newTestSession(t, h, "u1")
	peer := newTestSession(t, h, "u2")
	h.Subscribe(phone, "ABCD")
	h.Subscribe(laptop, "ABCD")
	h.Subscribe(peer, "ABCD")

	h.ToRoomExceptUser("ABCD", "u1", types.EventUserStatusChange, map[string]string{})

	assert.Empty(t, phone.Send)
	assert.Empty(t, laptop.Send)
	assert.Len(t, peer.Send, 1)
}

func TestDropAllIdempotent(t *testing.T) {
	h := NewHub()
	c := newTestSession(t, h, "u1")
	h.Subscribe(c, "AAAA")
	h.Subscribe(c, "BBBB")

	rooms := h.DropAll(c)
	assert.ElementsMatch(t, []string{"AAAA", "BBBB"}, rooms)
	assert.Equal(t, 0, h.NoClients())
	assert.Empty(t, h.ActiveSessions("AAAA"))

	// a second drop reports nothing, presence must not double-count
	assert.Empty(t, h.DropAll(c))
}

func TestDroppedSessionReceivesNothing(t *testing.T) {
	h := NewHub()
	a := newTestSession(t, h, "u1")
	b := newTestSession(t, h, "u2")
	h.Subscribe(a, "ABCD")
	h.Subscribe(b, "ABCD")
	h.DropAll(a)

	h.ToRoom("ABCD", types.EventNewMessage, map[string]string{}, nil)

	assert.Empty(t, a.Send)
	assert.Len(t, b.Send, 1)
}

func TestSubscribeAfterDropIsIgnored(t *testing.T) {
	h := NewHub()
	c := newTestSession(t, h, "u1")
	h.DropAll(c)
	h.Subscribe(c, "ABCD")
	assert.Empty(t, h.ActiveSessions("ABCD"))
}

func TestSessionCountForUser(t *testing.T) {
	h := NewHub()
	phone := newTestSession(t, h, "u1")
	newTestSession(t, h, "u1")
	newTestSession(t, h, "u2")

	assert.Equal(t, 2, h.SessionCountForUser("u1"))
	h.DropAll(phone)
	assert.Equal(t, 1, h.SessionCountForUser("u1"))
	assert.Equal(t, 0, h.SessionCountForUser("u3"))
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	c := newTestSession(t, h, "u1")
	h.Subscribe(c, "ABCD")

	for i := 0; i < sendChannelSize+10; i++ {
		h.ToRoom("ABCD", types.EventNewMessage, map[string]int{"i": i}, nil)
	}
	// the overflow was dropped, nothing blocked
	assert.Len(t, c.Send, sendChannelSize)
}

func TestCloseRoomNotifiesAndUnsubscribes(t *testing.T) {
	h := NewHub()
	a := newTestSession(t, h, "u1")
	b := newTestSession(t, h, "u2")
	h.Subscribe(a, "ABCD")
	h.Subscribe(b, "ABCD")
	h.Subscribe(b, "EFGH")

	h.CloseRoom("ABCD")

	for _, c := range []*Client{a, b} {
		message := receive(t, c)
		assert.Equal(t, types.EventRoomClosed, message.Event)
		payload := types.RoomClosedPayload{}
		require.NoError(t, json.Unmarshal(message.Data, &payload))
		assert.Equal(t, "ABCD", payload.RoomCode)
	}
	assert.False(t, h.IsSubscribed(a, "ABCD"))
	assert.False(t, h.IsSubscribed(b, "ABCD"))
	assert.True(t, h.IsSubscribed(b, "EFGH"))
	// sessions stay registered, only the room is gone
	assert.Equal(t, 2, h.NoClients())
}

func TestMarshalEventShape(t *testing.T) {
	raw, err := marshalEvent(types.EventError, types.ErrorPayload{Message: "nope"})
	require.NoError(t, err)
	message := types.WebsocketMessage{}
	require.NoError(t, json.Unmarshal(raw, &message))
	assert.Equal(t, types.EventError, message.Event)
	payload := types.ErrorPayload{}
	require.NoError(t, json.Unmarshal(message.Data, &payload))
	assert.Equal(t, "nope", payload.Message)
}
