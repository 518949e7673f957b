// Package presence derives per-room online status from live sessions. A user
// is online in a room while at least one of their sessions is subscribed to
// it; the transition back to offline happens only when the last session
// drops.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/messagerie/server/globals"
	"github.com/messagerie/server/types"
)

// Directory is the durable side of a presence transition: the participant
// online flag in the room roster.
type Directory interface {
	SetParticipantOnline(ctx context.Context, code, userId string, online bool) error
}

// AnnounceFunc broadcasts a presence transition to the other subscribers of
// the room.
type AnnounceFunc func(roomCode string, user *types.User, status string)

type pair struct {
	userId   string
	roomCode string
}

// Coordinator counts live sessions per (user, room) pair and performs the
// Offline->Online and Online->Offline transitions. With a non-zero grace
// window the offline side is delayed, so a quick reconnect does not flap
// presence announcements.
type Coordinator struct {
	mu     sync.Mutex
	counts map[pair]int
	timers map[pair]*time.Timer

	grace     time.Duration
	directory Directory
	announce  AnnounceFunc
}

func NewCoordinator(grace time.Duration, directory Directory, announce AnnounceFunc) *Coordinator {
	return &Coordinator{
		counts:    make(map[pair]int),
		timers:    make(map[pair]*time.Timer),
		grace:     grace,
		directory: directory,
		announce:  announce,
	}
}

// SessionJoined records one more live session for the pair. The first
// session flips the pair online; a rejoin within the grace window just
// cancels the pending offline transition without announcing anything.
func (p *Coordinator) SessionJoined(ctx context.Context, user *types.User, roomCode string) {
	k := pair{user.Id, types.NormalizeRoomCode(roomCode)}
	p.mu.Lock()
	n := p.counts[k]
	p.counts[k] = n + 1
	wentOnline := false
	if t, ok := p.timers[k]; ok {
		t.Stop()
		delete(p.timers, k)
	} else if n == 0 {
		wentOnline = true
	}
	p.mu.Unlock()
	if !wentOnline {
		return
	}
	if err := p.directory.SetParticipantOnline(ctx, k.roomCode, k.userId, true); err != nil {
		globals.AppLogger.Warn("could not persist online flag", "user", k.userId, "room", k.roomCode, "error", err)
	}
	p.announce(k.roomCode, user, types.StatusOnline)
}

// SessionLeft records one less live session for the pair. Only the last
// session triggers the offline transition, immediately or after the grace
// window.
func (p *Coordinator) SessionLeft(ctx context.Context, user *types.User, roomCode string) {
	k := pair{user.Id, types.NormalizeRoomCode(roomCode)}
	p.mu.Lock()
	n := p.counts[k]
	if n == 0 {
		p.mu.Unlock()
		return
	}
	last := n == 1
	if last {
		delete(p.counts, k)
	} else {
		p.counts[k] = n - 1
	}
	if last && p.grace > 0 {
		p.timers[k] = time.AfterFunc(p.grace, func() {
			p.mu.Lock()
			delete(p.timers, k)
			gone := p.counts[k] == 0
			p.mu.Unlock()
			if gone {
				p.goOffline(context.Background(), user, k)
			}
		})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	if last {
		p.goOffline(ctx, user, k)
	}
}

// SessionDropped handles an abrupt disconnect covering all rooms the session
// was subscribed to.
func (p *Coordinator) SessionDropped(ctx context.Context, user *types.User, roomCodes []string) {
	for _, code := range roomCodes {
		p.SessionLeft(ctx, user, code)
	}
}

// Forget clears the pair without an offline announcement, used when the user
// durably leaves the room (the departure is announced as a leave, not a
// status change).
func (p *Coordinator) Forget(userId, roomCode string) {
	k := pair{userId, types.NormalizeRoomCode(roomCode)}
	p.mu.Lock()
	if t, ok := p.timers[k]; ok {
		t.Stop()
		delete(p.timers, k)
	}
	delete(p.counts, k)
	p.mu.Unlock()
}

// Online reports the derived status of the pair.
func (p *Coordinator) Online(userId, roomCode string) bool {
	k := pair{userId, types.NormalizeRoomCode(roomCode)}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[k] > 0
}

func (p *Coordinator) goOffline(ctx context.Context, user *types.User, k pair) {
	if err := p.directory.SetParticipantOnline(ctx, k.roomCode, k.userId, false); err != nil {
		globals.AppLogger.Warn("could not persist offline flag", "user", k.userId, "room", k.roomCode, "error", err)
	}
	p.announce(k.roomCode, user, types.StatusOffline)
}
