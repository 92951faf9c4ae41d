package protocol

import (
	"time"

	"github.com/HMasataka/chathub/pkg/domain"
)

// Reaction actions
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// MessageRequest is the data of an inbound message frame.
type MessageRequest struct {
	Content string `json:"content"`
}

// ReactionRequest is the data of an inbound reaction_update frame.
type ReactionRequest struct {
	MessageID string `json:"messageID"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

// ReadRequest is the data of an inbound messages_read frame.
type ReadRequest struct {
	UptoSequence int64 `json:"uptoSequence"`
}

type JoinedData struct {
	RoomID   string `json:"roomID"`
	Sequence int64  `json:"sequence"`
}

type LeftData struct {
	RoomID string `json:"roomID"`
}

// MessageData is a message as clients see it.
type MessageData struct {
	ID        string                   `json:"id"`
	SenderID  string                   `json:"senderID"`
	Content   string                   `json:"content"`
	Timestamp time.Time                `json:"timestamp"`
	Sequence  int64                    `json:"sequence"`
	Reactions []domain.ReactionSummary `json:"reactions,omitempty"`
}

// HistoryData is sent to a connection right after it joins a room.
type HistoryData struct {
	RoomID     string           `json:"roomID"`
	Name       string           `json:"name,omitempty"`
	RoomType   domain.RoomType  `json:"roomType"`
	Sequence   int64            `json:"sequence"`
	Messages   []MessageData    `json:"messages"`
	Watermarks map[string]int64 `json:"watermarks"`
}

// ReactionUpdateData carries the full reaction snapshot of a message.
type ReactionUpdateData struct {
	MessageID string                   `json:"messageID"`
	UserID    string                   `json:"userID"`
	Emoji     string                   `json:"emoji"`
	Action    string                   `json:"action"`
	Reactions []domain.ReactionSummary `json:"reactions"`
}

type ReadData struct {
	UserID       string `json:"userID"`
	UptoSequence int64  `json:"uptoSequence"`
}

type TypingData struct {
	UserID string `json:"userID"`
}

type PresenceData struct {
	UserID string `json:"userID"`
	Online bool   `json:"online"`
}

type MemberRemovedData struct {
	RoomID string `json:"roomID"`
	UserID string `json:"userID"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessageData converts a stored message for the wire.
func NewMessageData(m domain.Message, reactions []domain.ReactionSummary) MessageData {
	return MessageData{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
		Sequence:  m.Sequence,
		Reactions: reactions,
	}
}
