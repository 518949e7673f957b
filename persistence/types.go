package persistence

import (
	"context"
	"time"

	"github.com/messagerie/server/types"
)

// Persister is the durable source of truth for users, rooms (including the
// membership roster) and messages. All mutations are explicit typed
// operations, there is no generic partial-update surface.
type Persister interface {
	// Users.
	StoreUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	SetUserOnline(ctx context.Context, id string, online bool) error

	// Rooms. CreateRoom allocates a unique code when room.Code is empty,
	// retrying against the unique index until an unused code is found.
	CreateRoom(ctx context.Context, room *types.Room) error
	FindRoomByCode(ctx context.Context, code string) (*types.Room, error)
	FindRoomById(ctx context.Context, id string) (*types.Room, error)
	GetRooms(ctx context.Context) ([]*types.Room, error)
	RoomsForUser(ctx context.Context, userId string) ([]*types.Room, error)
	DeleteRoom(ctx context.Context, code string) error

	// Roster. Mutations on a single room are serialized against each other,
	// different rooms proceed independently.
	IsParticipant(ctx context.Context, code, userId string) (bool, error)
	AddParticipant(ctx context.Context, code, userId string) (added bool, err error)
	RemoveParticipant(ctx context.Context, code, userId string) error
	SetParticipantOnline(ctx context.Context, code, userId string, online bool) error
	TouchActivity(ctx context.Context, code string) error

	// Messages.
	StoreMessage(ctx context.Context, msg *types.Message) error
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	MessagesPage(ctx context.Context, roomId string, page, limit int) ([]*types.Message, error)
	CountMessages(ctx context.Context, roomId string) (int64, error)
	UnreadMessages(ctx context.Context, roomId, userId string) ([]*types.Message, error)
	// AppendReadReceipts adds a receipt for every message in the room that was
	// authored by someone else and not yet read by this user. It returns the
	// ids of the messages that were marked.
	AppendReadReceipts(ctx context.Context, roomId, userId string, at time.Time) ([]string, error)
	UpdateMessageBody(ctx context.Context, id, body string, editedAt time.Time) error
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) error
	// PurgeDeletedBefore physically removes soft-deleted messages whose
	// deletion happened before the cutoff. Returns the number purged.
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
