package types

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"uniqueIndex"`
	Email     string    `json:"email" gorm:"uniqueIndex"` // lowercase, unique
	Role      string    `json:"role"`
	Avatar    string    `json:"avatar"`
	IsOnline  bool      `json:"is_online"` // derived from live sessions, written by the presence coordinator only
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}
