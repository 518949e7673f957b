package types

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	RoomCodeMinLen = 4
	RoomCodeMaxLen = 8

	DefaultMaxParticipants = 50
	MinMaxParticipants     = 2
	MaxMaxParticipants     = 100

	RoomNameMaxLen        = 50
	RoomDescriptionMaxLen = 200
)

type Room struct {
	Id              string         `json:"id" gorm:"primaryKey"`
	Code            string         `json:"code" gorm:"uniqueIndex"` // uppercase, 4-8 chars
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	CreatorId       string         `json:"creator_id"`
	Creator         *User          `json:"creator,omitempty" gorm:"foreignKey:CreatorId"`
	MaxParticipants int            `json:"max_participants"`
	IsPrivate       bool           `json:"is_private"`
	LastActivity    time.Time      `json:"last_activity"`
	Participants    []Participant  `json:"participants" gorm:"foreignKey:RoomId"`
	CreatedAt       time.Time      `json:"-"`
	UpdatedAt       time.Time      `json:"-"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"index"`
}

// Participant is one roster entry. A user appears at most once per room,
// enforced by the composite unique index.
type Participant struct {
	Id       uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	RoomId   string    `json:"-" gorm:"uniqueIndex:idx_room_user"`
	UserId   string    `json:"user_id" gorm:"uniqueIndex:idx_room_user"`
	User     *User     `json:"user,omitempty" gorm:"foreignKey:UserId"`
	IsOnline bool      `json:"is_online"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

func (r *Room) HasParticipant(userId string) bool {
	for _, p := range r.Participants {
		if p.UserId == userId {
			return true
		}
	}
	return false
}

func (r *Room) OnlineParticipants() []Participant {
	online := make([]Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.IsOnline {
			online = append(online, p)
		}
	}
	return online
}

// NormalizeRoomCode maps the case-insensitive client input to the canonical
// uppercase form used for storage and lookup.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func ValidRoomCode(code string) bool {
	if len(code) < RoomCodeMinLen || len(code) > RoomCodeMaxLen {
		return false
	}
	for _, c := range code {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomRoomCode returns a candidate code of RoomCodeMaxLen chars. Uniqueness
// is only guaranteed by the directory's unique index, callers retry on
// conflict.
func RandomRoomCode() string {
	var sb strings.Builder
	for i := 0; i < RoomCodeMaxLen; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(roomCodeAlphabet))))
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			n = big.NewInt(int64(i % len(roomCodeAlphabet)))
		}
		sb.WriteByte(roomCodeAlphabet[n.Int64()])
	}
	return sb.String()
}
