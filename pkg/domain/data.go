package domain

import (
	"time"
)

// RoomType distinguishes one-to-one rooms from group rooms.
type RoomType string

const (
	RoomTypeDirect RoomType = "DIRECT"
	RoomTypeGroup  RoomType = "GROUP"
)

// Valid reports whether t is a known room type.
func (t RoomType) Valid() bool {
	return t == RoomTypeDirect || t == RoomTypeGroup
}

// RoomInfo is the persisted description of a room.
type RoomInfo struct {
	ID        string    `json:"id"`
	Type      RoomType  `json:"type"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is an immutable chat message. Sequence is the room-local,
// strictly increasing position of the message.
type Message struct {
	ID        string     `json:"id"`
	RoomID    string     `json:"roomID"`
	SenderID  string     `json:"senderID"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"timestamp"`
	Sequence  int64      `json:"sequence"`
	Reactions []Reaction `json:"-"`
}

// NewMessage is the input to MessageStore.Append.
type NewMessage struct {
	RoomID   string
	SenderID string
	Content  string
	Sequence int64
}

// Reaction is one stored (user, emoji) pair on a message.
type Reaction struct {
	UserID string `json:"userID"`
	Emoji  string `json:"emoji"`
}

// ReactionSummary is the aggregated view of one emoji on a message.
type ReactionSummary struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}
