package types

import (
	"time"

	"gorm.io/datatypes"
)

const (
	MessageKindText   = "text"
	MessageKindImage  = "image"
	MessageKindFile   = "file"
	MessageKindSystem = "system"

	MessageBodyMaxLen = 2000

	// TombstoneBody replaces the content of a soft-deleted message.
	TombstoneBody = "This message has been deleted"
)

func ValidMessageKind(kind string) bool {
	switch kind {
	case MessageKindText, MessageKindImage, MessageKindFile, MessageKindSystem:
		return true
	}
	return false
}

type Message struct {
	Id        string         `json:"id" gorm:"primaryKey"`
	RoomId    string         `json:"room_id" gorm:"index:idx_messages_room_created"`
	SenderId  string         `json:"sender_id" gorm:"index"`
	Sender    *User          `json:"sender,omitempty" gorm:"foreignKey:SenderId"`
	Body      string         `json:"body"`
	Kind      string         `json:"kind"`
	ReplyToId string         `json:"reply_to_id,omitempty"`
	ReadBy    []ReadReceipt  `json:"read_by" gorm:"foreignKey:MessageId"`
	Edited    bool           `json:"edited"`
	EditedAt  *time.Time     `json:"edited_at,omitempty"`
	Deleted   bool           `json:"deleted"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"` // attachment info for image/file kinds
	CreatedAt time.Time      `json:"created_at" gorm:"index:idx_messages_room_created"`
}

// ReadReceipt records that a user has read a message. The sender never
// appears in a message's receipt set.
type ReadReceipt struct {
	MessageId string    `json:"-" gorm:"primaryKey"`
	UserId    string    `json:"user_id" gorm:"primaryKey"`
	ReadAt    time.Time `json:"read_at"`
}

func (m *Message) ReadByUser(userId string) bool {
	for _, r := range m.ReadBy {
		if r.UserId == userId {
			return true
		}
	}
	return false
}

// Editable reports whether the message can still be edited at now, given the
// fixed edit window counted from creation.
func (m *Message) Editable(now time.Time, window time.Duration) bool {
	return now.Sub(m.CreatedAt) <= window
}

// Tombstone soft-deletes the message in place, replacing the body.
func (m *Message) Tombstone(now time.Time) {
	m.Body = TombstoneBody
	m.Deleted = true
	m.DeletedAt = &now
}
