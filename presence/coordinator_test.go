package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/messagerie/server/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	mu    sync.Mutex
	flags []bool
}

func (d *fakeDirectory) SetParticipantOnline(_ context.Context, _, _ string, online bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flags = append(d.flags, online)
	return nil
}

func (d *fakeDirectory) all() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.flags...)
}

type announcement struct {
	roomCode string
	userId   string
	status   string
}

type recorder struct {
	mu   sync.Mutex
	seen []announcement
}

func (r *recorder) announce(roomCode string, user *types.User, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, announcement{roomCode, user.Id, status})
}

func (r *recorder) all() []announcement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]announcement(nil), r.seen...)
}

func TestTwoSessionsOneTransition(t *testing.T) {
	dir := &fakeDirectory{}
	rec := &recorder{}
	c := NewCoordinator(0, dir, rec.announce)
	ctx := context.Background()
	alice := &types.User{Id: "u1", Username: "alice"}

	// phone and laptop join the same room
	c.SessionJoined(ctx, alice, "ABCD")
	c.SessionJoined(ctx, alice, "ABCD")
	assert.True(t, c.Online("u1", "ABCD"))

	// only the first join announced anything
	require.Len(t, rec.all(), 1)
	assert.Equal(t, announcement{"ABCD", "u1", types.StatusOnline}, rec.all()[0])

	c.SessionLeft(ctx, alice, "ABCD")
	assert.True(t, c.Online("u1", "ABCD"))
	require.Len(t, rec.all(), 1) // one session still live, no announcement

	c.SessionLeft(ctx, alice, "ABCD")
	assert.False(t, c.Online("u1", "ABCD"))
	require.Len(t, rec.all(), 2)
	assert.Equal(t, announcement{"ABCD", "u1", types.StatusOffline}, rec.all()[1])

	assert.Equal(t, []bool{true, false}, dir.all())
}

func TestRoomsTrackedIndependently(t *testing.T) {
	dir := &fakeDirectory{}
	rec := &recorder{}
	c := NewCoordinator(0, dir, rec.announce)
	ctx := context.Background()
	alice := &types.User{Id: "u1", Username: "alice"}

	c.SessionJoined(ctx, alice, "AAAA")
	c.SessionJoined(ctx, alice, "BBBB")
	c.SessionLeft(ctx, alice, "AAAA")

	assert.False(t, c.Online("u1", "AAAA"))
	assert.True(t, c.Online("u1", "BBBB"))
}

func TestSessionDroppedCoversAllRooms(t *testing.T) {
	dir := &fakeDirectory{}
	rec := &recorder{}
	c := NewCoordinator(0, dir, rec.announce)
	ctx := context.Background()
	alice := &types.User{Id: "u1", Username: "alice"}

	c.SessionJoined(ctx, alice, "AAAA")
	c.SessionJoined(ctx, alice, "BBBB")
	c.SessionDropped(ctx, alice, []string{"AAAA", "BBBB"})

	assert.False(t, c.Online("u1", "AAAA"))
	assert.False(t, c.Online("u1", "BBBB"))
	assert.Len(t, rec.all(), 4) // online + offline per room
}

func TestLeftWithoutJoinIsIgnored(t *testing.T) {
	dir := &fakeDirectory{}
	rec := &recorder{}
	c := NewCoordinator(0, dir, rec.announce)

	c.SessionLeft(context.Background(), &types.User{Id: "u1"}, "ABCD")
	assert.Empty(t, rec.all())
	assert.Empty(t, dir.all())
}

func TestGraceSuppressesFlap(t *testing.T) {
	dir := &fakeDirectory{}
	rec := &recorder{}
	c := NewCoordinator(50*time.Millisecond, dir, rec.announce)
	ctx := context.Background()
	alice := &types.User{Id: "u1", Username: "alice"}

	c.SessionJoined(ctx, alice, "ABCD")
	c.SessionLeft(ctx, alice, "ABCD")
	// reconnect before the grace window elapses
	c.SessionJoined(ctx, alice, "ABCD")

	time.Sleep(150 * time.Millisecond)

	// a single online announcement, the offline never fired
	require.Len(t, rec.all(), 1)
	assert.Equal(t, types.StatusOnline, rec.all()[0].status)
	assert.True(t, c.Online("u1", "ABCD"))
}

func TestGraceExpiryGoesOffline(t *testing.T) {
	dir := &fakeDirectory{}
	rec := &recorder{}
	c := NewCoordinator(20*time.Millisecond, dir, rec.announce)
	ctx := context.Background()
	alice := &types.User{Id: "u1", Username: "alice"}

	c.SessionJoined(ctx, alice, "ABCD")
	c.SessionLeft(ctx, alice, "ABCD")

	time.Sleep(100 * time.Millisecond)

	require.Len(t, rec.all(), 2)
	assert.Equal(t, types.StatusOffline, rec.all()[1].status)
	assert.False(t, c.Online("u1", "ABCD"))
}

func TestForgetClearsWithoutAnnouncement(t *testing.T) {
	dir := &fakeDirectory{}
	rec := &recorder{}
	c := NewCoordinator(time.Minute, dir, rec.announce)
	ctx := context.Background()
	alice := &types.User{Id: "u1", Username: "alice"}

	c.SessionJoined(ctx, alice, "ABCD")
	c.SessionLeft(ctx, alice, "ABCD") // offline pending behind the grace timer
	c.Forget("u1", "ABCD")

	time.Sleep(30 * time.Millisecond)

	require.Len(t, rec.all(), 1) // just the online announcement
	assert.False(t, c.Online("u1", "ABCD"))
}
