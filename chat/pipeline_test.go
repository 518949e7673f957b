package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/messagerie/server/cache"
	"github.com/messagerie/server/config"
	"github.com/messagerie/server/types"
	"github.com/messagerie/server/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	rooms        map[string]*types.Room // by code
	participants map[string]map[string]bool
	msgs         map[string]*types.Message
	ordered      []*types.Message // newest first

	storeErr   error
	touched    []string
	markedIds  []string
	purged     int64
	purgeCut   time.Time
	softDelete []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:        make(map[string]*types.Room),
		participants: make(map[string]map[string]bool),
		msgs:         make(map[string]*types.Message),
	}
}

func (s *fakeStore) addRoom(code, creatorId string) *types.Room {
	room := &types.Room{Id: "id-" + code, Code: code, CreatorId: creatorId, MaxParticipants: types.DefaultMaxParticipants}
	s.rooms[code] = room
	s.participants[code] = map[string]bool{creatorId: true}
	return room
}

func (s *fakeStore) FindRoomByCode(_ context.Context, code string) (*types.Room, error) {
	if room, ok := s.rooms[code]; ok {
		return room, nil
	}
	return nil, types.ErrNotFound
}

func (s *fakeStore) FindRoomById(_ context.Context, id string) (*types.Room, error) {
	for _, room := range s.rooms {
		if room.Id == id {
			return room, nil
		}
	}
	return nil, types.ErrNotFound
}

func (s *fakeStore) IsParticipant(_ context.Context, code, userId string) (bool, error) {
	return s.participants[code][userId], nil
}

func (s *fakeStore) TouchActivity(_ context.Context, code string) error {
	s.touched = append(s.touched, code)
	return nil
}

func (s *fakeStore) StoreMessage(_ context.Context, msg *types.Message) error {
	if s.storeErr != nil {
		return s.storeErr
	}
	s.msgs[msg.Id] = msg
	s.ordered = append([]*types.Message{msg}, s.ordered...)
	return nil
}

func (s *fakeStore) GetMessage(_ context.Context, id string) (*types.Message, error) {
	if msg, ok := s.msgs[id]; ok {
		return msg, nil
	}
	return nil, types.ErrNotFound
}

func (s *fakeStore) MessagesPage(_ context.Context, roomId string, page, limit int) ([]*types.Message, error) {
	inRoom := make([]*types.Message, 0)
	for _, msg := range s.ordered {
		if msg.RoomId == roomId {
			inRoom = append(inRoom, msg)
		}
	}
	start := (page - 1) * limit
	if start >= len(inRoom) {
		return nil, nil
	}
	end := start + limit
	if end > len(inRoom) {
		end = len(inRoom)
	}
	return inRoom[start:end], nil
}

func (s *fakeStore) AppendReadReceipts(_ context.Context, roomId, userId string, at time.Time) ([]string, error) {
	ids := make([]string, 0)
	for _, msg := range s.ordered {
		if msg.RoomId == roomId && msg.SenderId != userId && !msg.ReadByUser(userId) {
			msg.ReadBy = append(msg.ReadBy, types.ReadReceipt{MessageId: msg.Id, UserId: userId, ReadAt: at})
			ids = append(ids, msg.Id)
		}
	}
	s.markedIds = ids
	return ids, nil
}

func (s *fakeStore) UpdateMessageBody(_ context.Context, id, body string, editedAt time.Time) error {
	msg, ok := s.msgs[id]
	if !ok {
		return types.ErrNotFound
	}
	msg.Body = body
	msg.Edited = true
	msg.EditedAt = &editedAt
	return nil
}

func (s *fakeStore) SoftDeleteMessage(_ context.Context, id string, at time.Time) error {
	msg, ok := s.msgs[id]
	if !ok {
		return types.ErrNotFound
	}
	msg.Tombstone(at)
	s.softDelete = append(s.softDelete, id)
	return nil
}

func (s *fakeStore) PurgeDeletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.purgeCut = cutoff
	return s.purged, nil
}

type fakeCache struct {
	pages map[string][]*types.Message

	pushErr error
	readErr error
	pushed  []string
	primed  []string
	dropped []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{pages: make(map[string][]*types.Message)}
}

func (c *fakeCache) Push(_ context.Context, roomCode string, msg *types.Message) error {
	if c.pushErr != nil {
		return c.pushErr
	}
	c.pushed = append(c.pushed, roomCode)
	c.pages[roomCode] = append([]*types.Message{msg}, c.pages[roomCode]...)
	return nil
}

func (c *fakeCache) Page1(_ context.Context, roomCode string) ([]*types.Message, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	if page, ok := c.pages[roomCode]; ok && len(page) > 0 {
		return page, nil
	}
	return nil, cache.ErrMiss
}

func (c *fakeCache) Prime(_ context.Context, roomCode string, msgs []*types.Message) error {
	c.primed = append(c.primed, roomCode)
	c.pages[roomCode] = msgs
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, roomCode string) error {
	c.dropped = append(c.dropped, roomCode)
	delete(c.pages, roomCode)
	return nil
}

func (c *fakeCache) Close() error { return nil }

type broadcast struct {
	roomCode string
	event    string
	payload  interface{}
	exclude  *ws.Client
}

type fakeRouter struct {
	sent []broadcast
}

func (r *fakeRouter) ToRoom(roomCode, event string, payload interface{}, exclude *ws.Client) {
	r.sent = append(r.sent, broadcast{roomCode, event, payload, exclude})
}

func newTestPipeline(store Store, msgCache cache.Cache, router Router) *Pipeline {
	return NewPipeline(store, msgCache, router, &config.Config{})
}

func session(userId string) *ws.Client {
	return &ws.Client{User: &types.User{Id: userId, Username: userId}}
}

func TestSendPersistsCachesAndBroadcasts(t *testing.T) {
	store := newFakeStore()
	store.addRoom("ABCD", "alice")
	msgCache := newFakeCache()
	router := &fakeRouter{}
	p := newTestPipeline(store, msgCache, router)

	msg, err := p.Send(context.Background(), session("alice"), "abcd", "  hello  ", "", "")
	require.NoError(t, err)

	assert.Equal(t, "hello", msg.Body) // trimmed
	assert.Equal(t, types.MessageKindText, msg.Kind)
	assert.Contains(t, store.msgs, msg.Id)
	assert.Equal(t, []string{"ABCD"}, store.touched)
	assert.Equal(t, []string{"ABCD"}, msgCache.pushed)

	require.Len(t, router.sent, 1)
	assert.Equal(t, types.EventNewMessage, router.sent[0].event)
	assert.Equal(t, "ABCD", router.sent[0].roomCode)
	assert.Nil(t, router.sent[0].exclude) // sender devices receive it too
}

func TestSendValidation(t *testing.T) {
	store := newFakeStore()
	store.addRoom("ABCD", "alice")
	router := &fakeRouter{}
	p := newTestPipeline(store, nil, router)
	ctx := context.Background()

	_, err := p.Send(ctx, session("alice"), "ABCD", "   ", "", "")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = p.Send(ctx, session("alice"), "ABCD", strings.Repeat("x", types.MessageBodyMaxLen+1), "", "")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = p.Send(ctx, session("alice"), "ABCD", "hi", "carrier-pigeon", "")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = p.Send(ctx, session("mallory"), "ABCD", "hi", "", "")
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = p.Send(ctx, session("alice"), "ZZZZ", "hi", "", "")
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.Empty(t, router.sent)
}

func TestSendPersistFailureStaysInvisible(t *testing.T) {
	store := newFakeStore()
	store.addRoom("ABCD", "alice")
	store.storeErr = errors.New("disk full")
	msgCache := newFakeCache()
	router := &fakeRouter{}
	p := newTestPipeline(store, msgCache, router)

	_, err := p.Send(context.Background(), session("alice"), "ABCD", "hello", "", "")
	require.Error(t, err)

	// the durable write is the commit point
	assert.Empty(t, msgCache.pushed)
	assert.Empty(t, router.sent)
	assert.Empty(t, store.touched)
}

func TestSendCacheFailureStillBroadcasts(t *testing.T) {
	store := newFakeStore()
	store.addRoom("ABCD", "alice")
	msgCache := newFakeCache()
	msgCache.pushErr = errors.New("redis gone")
	router := &fakeRouter{}
	p := newTestPipeline(store, msgCache, router)

	msg, err := p.Send(context.Background(), session("alice"), "ABCD", "hello", "", "")
	require.NoError(t, err)
	assert.Contains(t, store.msgs, msg.Id)
	assert.Len(t, router.sent, 1)
}

func TestSendReplyMustBeSameRoom(t *testing.T) {
	store := newFakeStore()
	store.addRoom("ABCD", "alice")
	other := store.addRoom("EFGH", "alice")
	router := &fakeRouter{}
	p := newTestPipeline(store, nil, router)
	ctx := context.Background()

	elsewhere := &types.Message{Id: "m1", RoomId: other.Id, SenderId: "alice", Body: "hi"}
	require.NoError(t, store.StoreMessage(ctx, elsewhere))

	_, err := p.Send(ctx, session("alice"), "ABCD", "re: hi", "", "m1")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = p.Send(ctx, session("alice"), "ABCD", "re: hi", "", "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = p.Send(ctx, session("alice"), "EFGH", "re: hi", "", "m1")
	assert.NoError(t, err)
}

func TestMarkReadNotifiesPeersOnly(t *testing.T) {
	store := newFakeStore()
	room := store.addRoom("ABCD", "alice")
	store.participants["ABCD"]["bob"] = true
	router := &fakeRouter{}
	p := newTestPipeline(store, nil, router)
	ctx := context.Background()

	require.NoError(t, store.StoreMessage(ctx, &types.Message{Id: "m1", RoomId: room.Id, SenderId: "alice", Body: "hi"}))

	sess := session("bob")
	require.NoError(t, p.MarkRead(ctx, sess, "ABCD"))

	assert.Equal(t, []string{"m1"}, store.markedIds)
	require.Len(t, router.sent, 1)
	assert.Equal(t, types.EventMessagesRead, router.sent[0].event)
	assert.Same(t, sess, router.sent[0].exclude) // the reader already knows
}

func TestMarkReadRequiresMembership(t *testing.T) {
	store := newFakeStore()
	store.addRoom("ABCD", "alice")
	router := &fakeRouter{}
	p := newTestPipeline(store, nil, router)

	err := p.MarkRead(context.Background(), session("mallory"), "ABCD")
	assert.ErrorIs(t, err, types.ErrForbidden)
	assert.Empty(t, router.sent)
}

func TestEditOnlySenderWithinWindow(t *testing.T) {
	store := newFakeStore()
	room := store.addRoom("ABCD", "alice")
	msgCache := newFakeCache()
	p := newTestPipeline(store, msgCache, &fakeRouter{})
	ctx := context.Background()

	created := time.Now()
	require.NoError(t, store.StoreMessage(ctx, &types.Message{
		Id: "m1", RoomId: room.Id, SenderId: "alice", Body: "tpyo", CreatedAt: created,
	}))

	_, err := p.Edit(ctx, "bob", "m1", "hacked")
	assert.ErrorIs(t, err, types.ErrNotAuthor)
	assert.ErrorIs(t, err, types.ErrForbidden)

	msg, err := p.Edit(ctx, "alice", "m1", "typo")
	require.NoError(t, err)
	assert.Equal(t, "typo", msg.Body)
	assert.True(t, msg.Edited)
	require.NotNil(t, msg.EditedAt)
	assert.Equal(t, []string{"ABCD"}, msgCache.dropped)

	// past the edit window the body is frozen
	p.now = func() time.Time { return created.Add(16 * time.Minute) }
	_, err = p.Edit(ctx, "alice", "m1", "too late")
	assert.ErrorIs(t, err, types.ErrEditWindowExpired)
}

func TestEditDeletedMessageNotFound(t *testing.T) {
	store := newFakeStore()
	room := store.addRoom("ABCD", "alice")
	p := newTestPipeline(store, nil, &fakeRouter{})
	ctx := context.Background()

	msg := &types.Message{Id: "m1", RoomId: room.Id, SenderId: "alice", Body: "hi", CreatedAt: time.Now()}
	require.NoError(t, store.StoreMessage(ctx, msg))
	msg.Tombstone(time.Now())

	_, err := p.Edit(ctx, "alice", "m1", "resurrect")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeleteBySenderOrRoomCreator(t *testing.T) {
	store := newFakeStore()
	room := store.addRoom("ABCD", "alice")
	msgCache := newFakeCache()
	p := newTestPipeline(store, msgCache, &fakeRouter{})
	ctx := context.Background()

	require.NoError(t, store.StoreMessage(ctx, &types.Message{Id: "m1", RoomId: room.Id, SenderId: "bob", Body: "hi"}))
	require.NoError(t, store.StoreMessage(ctx, &types.Message{Id: "m2", RoomId: room.Id, SenderId: "bob", Body: "ho"}))

	err := p.Delete(ctx, "mallory", "m1")
	assert.ErrorIs(t, err, types.ErrForbidden)

	// the sender
	require.NoError(t, p.Delete(ctx, "bob", "m1"))
	assert.True(t, store.msgs["m1"].Deleted)
	assert.Equal(t, types.TombstoneBody, store.msgs["m1"].Body)

	// the room creator moderating someone else's message
	require.NoError(t, p.Delete(ctx, "alice", "m2"))
	assert.True(t, store.msgs["m2"].Deleted)

	assert.Equal(t, []string{"ABCD", "ABCD"}, msgCache.dropped)
}

func TestHistoryPageOneHitsCache(t *testing.T) {
	store := newFakeStore()
	room := store.addRoom("ABCD", "alice")
	msgCache := newFakeCache()
	p := newTestPipeline(store, msgCache, &fakeRouter{})
	ctx := context.Background()

	cached := []*types.Message{{Id: "c1", RoomId: room.Id}, {Id: "c2", RoomId: room.Id}, {Id: "c3", RoomId: room.Id}}
	msgCache.pages["ABCD"] = cached

	msgs, err := p.History(ctx, "abcd", 1, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2) // trimmed to the requested limit
	assert.Equal(t, "c1", msgs[0].Id)
	assert.Empty(t, msgCache.primed)
}

func TestHistoryMissPrimesFromStorage(t *testing.T) {
	store := newFakeStore()
	room := store.addRoom("ABCD", "alice")
	msgCache := newFakeCache()
	p := newTestPipeline(store, msgCache, &fakeRouter{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.StoreMessage(ctx, &types.Message{
			Id: string(rune('a' + i)), RoomId: room.Id, SenderId: "alice", Body: "x",
		}))
	}

	msgs, err := p.History(ctx, "ABCD", 1, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "e", msgs[0].Id) // newest first

	// the whole cache-sized window was primed, not just the returned page
	assert.Equal(t, []string{"ABCD"}, msgCache.primed)
	assert.Len(t, msgCache.pages["ABCD"], 5)
}

func TestHistoryDeepPagesBypassCache(t *testing.T) {
	store := newFakeStore()
	room := store.addRoom("ABCD", "alice")
	msgCache := newFakeCache()
	msgCache.readErr = errors.New("must not be touched")
	p := newTestPipeline(store, msgCache, &fakeRouter{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.StoreMessage(ctx, &types.Message{
			Id: string(rune('a' + i)), RoomId: room.Id, SenderId: "alice", Body: "x",
		}))
	}

	msgs, err := p.History(ctx, "ABCD", 2, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c", msgs[0].Id)
	assert.Empty(t, msgCache.primed)
}

func TestHistoryCacheFailureFallsBack(t *testing.T) {
	store := newFakeStore()
	room := store.addRoom("ABCD", "alice")
	msgCache := newFakeCache()
	msgCache.readErr = errors.New("redis gone")
	p := newTestPipeline(store, msgCache, &fakeRouter{})
	ctx := context.Background()

	require.NoError(t, store.StoreMessage(ctx, &types.Message{Id: "m1", RoomId: room.Id, SenderId: "alice", Body: "x"}))

	msgs, err := p.History(ctx, "ABCD", 1, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHistoryWithoutCache(t *testing.T) {
	store := newFakeStore()
	room := store.addRoom("ABCD", "alice")
	p := newTestPipeline(store, nil, &fakeRouter{})
	ctx := context.Background()

	require.NoError(t, store.StoreMessage(ctx, &types.Message{Id: "m1", RoomId: room.Id, SenderId: "alice", Body: "x"}))

	msgs, err := p.History(ctx, "ABCD", 1, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPurgeDeletedUsesRetentionCutoff(t *testing.T) {
	store := newFakeStore()
	store.purged = 3
	p := newTestPipeline(store, nil, &fakeRouter{})
	fixed := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	n, err := p.PurgeDeleted(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, fixed.Add(-config.DefaultPurgeAfter), store.purgeCut)
}
