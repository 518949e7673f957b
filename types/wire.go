package types

import "encoding/json"

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client-to-server event names.
const (
	EventSendMessage = "sendMessage"
	EventJoinRoom    = "joinRoom"
	EventLeaveRoom   = "leaveRoom"
	EventTyping      = "typing"
	EventMarkRead    = "markMessagesAsRead"
)

// Server-to-client event names.
const (
	EventNewMessage       = "newMessage"
	EventRoomJoined       = "roomJoined"
	EventUserJoined       = "userJoined"
	EventUserLeft         = "userLeft"
	EventRoomLeft         = "roomLeft"
	EventUserTyping       = "userTyping"
	EventMessagesRead     = "messagesRead"
	EventUserStatusChange = "userStatusChange"
	EventParticipantsList = "participantsList"
	EventRecentMessages   = "recentMessages"
	EventRoomClosed       = "roomClosed"
	EventError            = "error"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Incoming payloads, decoded from WebsocketMessage.Data.

type SendMessagePayload struct {
	Content  string `json:"content" mapstructure:"content"`
	RoomCode string `json:"roomCode" mapstructure:"roomCode"`
	Kind     string `json:"kind" mapstructure:"kind"`
	ReplyTo  string `json:"replyTo" mapstructure:"replyTo"`
}

type JoinRoomPayload struct {
	RoomCode string `json:"roomCode" mapstructure:"roomCode"`
}

type LeaveRoomPayload struct {
	RoomCode string `json:"roomCode" mapstructure:"roomCode"`
}

type TypingPayload struct {
	RoomCode string `json:"roomCode" mapstructure:"roomCode"`
	IsTyping bool   `json:"isTyping" mapstructure:"isTyping"`
}

type MarkReadPayload struct {
	RoomCode string `json:"roomCode" mapstructure:"roomCode"`
}

// Outgoing payloads.

type NewMessagePayload struct {
	Message  *Message `json:"message"`
	RoomCode string   `json:"roomCode"`
}

type RoomJoinedPayload struct {
	Room *Room `json:"room"`
}

type UserJoinedPayload struct {
	User     *User  `json:"user"`
	RoomCode string `json:"roomCode"`
}

type UserLeftPayload struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
	RoomCode string `json:"roomCode"`
}

type RoomLeftPayload struct {
	RoomCode string `json:"roomCode"`
}

type UserTypingPayload struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
	RoomCode string `json:"roomCode"`
	IsTyping bool   `json:"isTyping"`
}

type MessagesReadPayload struct {
	UserId   string `json:"userId"`
	RoomCode string `json:"roomCode"`
}

type UserStatusChangePayload struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
	Status   string `json:"status"`
	RoomCode string `json:"roomCode"`
}

type ParticipantsListPayload struct {
	Participants []Participant `json:"participants"`
	RoomCode     string        `json:"roomCode"`
}

type RecentMessagesPayload struct {
	Messages []*Message `json:"messages"`
	RoomCode string     `json:"roomCode"`
}

type RoomClosedPayload struct {
	RoomCode string `json:"roomCode"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
