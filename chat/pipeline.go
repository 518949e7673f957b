package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/messagerie/server/cache"
	"github.com/messagerie/server/config"
	"github.com/messagerie/server/globals"
	"github.com/messagerie/server/types"
	"github.com/messagerie/server/ws"
)

// Store is the slice of the persister the pipeline needs.
type Store interface {
	FindRoomByCode(ctx context.Context, code string) (*types.Room, error)
	FindRoomById(ctx context.Context, id string) (*types.Room, error)
	IsParticipant(ctx context.Context, code, userId string) (bool, error)
	TouchActivity(ctx context.Context, code string) error
	StoreMessage(ctx context.Context, msg *types.Message) error
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	MessagesPage(ctx context.Context, roomId string, page, limit int) ([]*types.Message, error)
	AppendReadReceipts(ctx context.Context, roomId, userId string, at time.Time) ([]string, error)
	UpdateMessageBody(ctx context.Context, id, body string, editedAt time.Time) error
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) error
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Router is the fan-out side of the pipeline.
type Router interface {
	ToRoom(roomCode, event string, payload interface{}, exclude *ws.Client)
}

// Pipeline coordinates durable storage, the recent-message cache and the
// broadcast router for every message mutation. The commit point is always
// the durable write: nothing is cached or broadcast for a message that did
// not persist.
type Pipeline struct {
	store  Store
	cache  cache.Cache // may be nil, then every read is a miss
	router Router

	editWindow time.Duration
	purgeAfter time.Duration
	pageSize   int
	cacheSize  int

	now func() time.Time
}

func NewPipeline(store Store, msgCache cache.Cache, router Router, cfg *config.Config) *Pipeline {
	editWindow := cfg.RetentionConfig.EditWindow
	if editWindow <= 0 {
		editWindow = config.DefaultEditWindow
	}
	purgeAfter := cfg.RetentionConfig.PurgeAfter
	if purgeAfter <= 0 {
		purgeAfter = config.DefaultPurgeAfter
	}
	pageSize := cfg.HistoryConfig.PageSize
	if pageSize <= 0 {
		pageSize = config.DefaultHistoryPageSize
	}
	cacheSize := cfg.HistoryConfig.CacheSize
	if cacheSize <= 0 {
		cacheSize = config.DefaultCacheSize
	}
	return &Pipeline{
		store:      store,
		cache:      msgCache,
		router:     router,
		editWindow: editWindow,
		purgeAfter: purgeAfter,
		pageSize:   pageSize,
		cacheSize:  cacheSize,
		now:        time.Now,
	}
}

// Send persists a new message and fans it out to every session subscribed to
// the room, including the sender's other devices. Membership is re-checked
// against the directory because it may have changed since the event was
// queued.
func (p *Pipeline) Send(ctx context.Context, sess *ws.Client, roomCode, body, kind, replyTo string) (*types.Message, error) {
	code := types.NormalizeRoomCode(roomCode)
	body = strings.TrimSpace(body)
	if body == "" || len(body) > types.MessageBodyMaxLen {
		return nil, fmt.Errorf("message body length: %w", types.ErrValidation)
	}
	if kind == "" {
		kind = types.MessageKindText
	}
	if !types.ValidMessageKind(kind) {
		return nil, fmt.Errorf("unknown message kind %q: %w", kind, types.ErrValidation)
	}
	room, err := p.store.FindRoomByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	ok, err := p.store.IsParticipant(ctx, code, sess.User.Id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("not a participant of %s: %w", code, types.ErrForbidden)
	}
	if replyTo != "" {
		ref, err := p.store.GetMessage(ctx, replyTo)
		if err != nil {
			return nil, fmt.Errorf("reply target: %w", err)
		}
		if ref.RoomId != room.Id {
			return nil, fmt.Errorf("reply target is in another room: %w", types.ErrValidation)
		}
	}
	msg := &types.Message{
		Id:        uuid.NewString(),
		RoomId:    room.Id,
		SenderId:  sess.User.Id,
		Sender:    sess.User,
		Body:      body,
		Kind:      kind,
		ReplyToId: replyTo,
		CreatedAt: p.now(),
	}
	if err := p.store.StoreMessage(ctx, msg); err != nil {
		// abort before any cache or broadcast step, an unpersisted message
		// must never become visible
		return nil, fmt.Errorf("persist message: %w", err)
	}
	if err := p.store.TouchActivity(ctx, code); err != nil {
		globals.AppLogger.Warn("could not touch room activity", "room", code, "error", err)
	}
	p.cachePush(ctx, code, msg)
	p.router.ToRoom(code, types.EventNewMessage, types.NewMessagePayload{Message: msg, RoomCode: code}, nil)
	return msg, nil
}

// MarkRead adds the session's user to the receipt set of every message in
// the room authored by someone else and not yet read by them, then notifies
// the room peers.
func (p *Pipeline) MarkRead(ctx context.Context, sess *ws.Client, roomCode string) error {
	code := types.NormalizeRoomCode(roomCode)
	room, err := p.store.FindRoomByCode(ctx, code)
	if err != nil {
		return err
	}
	ok, err := p.store.IsParticipant(ctx, code, sess.User.Id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("not a participant of %s: %w", code, types.ErrForbidden)
	}
	if _, err := p.store.AppendReadReceipts(ctx, room.Id, sess.User.Id, p.now()); err != nil {
		return fmt.Errorf("append read receipts: %w", err)
	}
	p.router.ToRoom(code, types.EventMessagesRead, types.MessagesReadPayload{UserId: sess.User.Id, RoomCode: code}, sess)
	return nil
}

// Edit updates the body of a message. Only the original sender may edit, and
// only within the edit window counted from creation.
func (p *Pipeline) Edit(ctx context.Context, requesterId, messageId, newBody string) (*types.Message, error) {
	newBody = strings.TrimSpace(newBody)
	if newBody == "" || len(newBody) > types.MessageBodyMaxLen {
		return nil, fmt.Errorf("message body length: %w", types.ErrValidation)
	}
	msg, err := p.store.GetMessage(ctx, messageId)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, types.ErrNotFound
	}
	if msg.SenderId != requesterId {
		return nil, types.ErrNotAuthor
	}
	now := p.now()
	if !msg.Editable(now, p.editWindow) {
		return nil, types.ErrEditWindowExpired
	}
	if err := p.store.UpdateMessageBody(ctx, messageId, newBody, now); err != nil {
		return nil, err
	}
	msg.Body = newBody
	msg.Edited = true
	msg.EditedAt = &now
	p.invalidateRoom(ctx, msg.RoomId)
	return msg, nil
}

// Delete tombstones a message. Permitted for the original sender or the room
// creator; the record stays queryable until the retention purge removes it.
func (p *Pipeline) Delete(ctx context.Context, requesterId, messageId string) error {
	msg, err := p.store.GetMessage(ctx, messageId)
	if err != nil {
		return err
	}
	room, err := p.store.FindRoomById(ctx, msg.RoomId)
	if err != nil {
		return err
	}
	if requesterId != msg.SenderId && requesterId != room.CreatorId {
		return fmt.Errorf("only the sender or the room creator may delete: %w", types.ErrForbidden)
	}
	if err := p.store.SoftDeleteMessage(ctx, messageId, p.now()); err != nil {
		return err
	}
	p.invalidateCode(ctx, room.Code)
	return nil
}

// History returns one page of room history, newest first. Page 1 is served
// from the recent-message cache when possible and the cache is repopulated
// from storage on a miss; deeper pages always hit storage.
func (p *Pipeline) History(ctx context.Context, roomCode string, page, limit int) ([]*types.Message, error) {
	code := types.NormalizeRoomCode(roomCode)
	room, err := p.store.FindRoomByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = p.pageSize
	}
	if page > 1 {
		return p.store.MessagesPage(ctx, room.Id, page, limit)
	}
	if p.cache != nil {
		msgs, err := p.cache.Page1(ctx, code)
		if err == nil {
			if len(msgs) > limit {
				msgs = msgs[:limit]
			}
			return msgs, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			globals.AppLogger.Warn("cache read failed, falling back to storage", "room", code, "error", err)
		}
	}
	msgs, err := p.store.MessagesPage(ctx, room.Id, 1, p.cacheSize)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		if err := p.cache.Prime(ctx, code, msgs); err != nil {
			globals.AppLogger.Warn("could not prime cache", "room", code, "error", err)
		}
	}
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// PurgeDeleted physically removes tombstoned messages older than the
// retention window. Returns the number purged.
func (p *Pipeline) PurgeDeleted(ctx context.Context) (int64, error) {
	return p.store.PurgeDeletedBefore(ctx, p.now().Add(-p.purgeAfter))
}

// cachePush is best-effort: cache unavailability must never block the
// broadcast to connected peers.
func (p *Pipeline) cachePush(ctx context.Context, code string, msg *types.Message) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Push(ctx, code, msg); err != nil {
		globals.AppLogger.Warn("could not cache message", "room", code, "error", err)
	}
}

func (p *Pipeline) invalidateCode(ctx context.Context, code string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Invalidate(ctx, code); err != nil {
		globals.AppLogger.Warn("could not invalidate cache", "room", code, "error", err)
	}
}

func (p *Pipeline) invalidateRoom(ctx context.Context, roomId string) {
	room, err := p.store.FindRoomById(ctx, roomId)
	if err != nil {
		globals.AppLogger.Warn("could not resolve room for cache invalidation", "room_id", roomId, "error", err)
		return
	}
	p.invalidateCode(ctx, room.Code)
}
