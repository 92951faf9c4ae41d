package eventbus

import (
	"time"

	"github.com/rs/xid"
)

// EventType names what happened.
type EventType string

const (
	EventConnectionOpened EventType = "connection.opened"
	EventConnectionClosed EventType = "connection.closed"
	EventPresenceChanged  EventType = "presence.changed"
	EventRoomHydrated     EventType = "room.hydrated"
	EventRoomEvicted      EventType = "room.evicted"
	EventMessagePosted    EventType = "message.posted"
)

// Event is an internal notification about hub activity. Data holds one of
// the *Data structs below, matching Type.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}

// ConnectionData accompanies connection.opened and connection.closed.
type ConnectionData struct {
	ConnectionID string `json:"connectionID"`
	UserID       string `json:"userID"`
	CloseCode    int    `json:"closeCode,omitempty"`
}

// PresenceData accompanies presence.changed. It is published only when a
// user's first connection opens or last connection closes.
type PresenceData struct {
	UserID string   `json:"userID"`
	Online bool     `json:"online"`
	Rooms  []string `json:"rooms"`
}

// RoomData accompanies room.hydrated and room.evicted.
type RoomData struct {
	RoomID string `json:"roomID"`
}

// MessageData accompanies message.posted.
type MessageData struct {
	RoomID    string `json:"roomID"`
	MessageID string `json:"messageID"`
	SenderID  string `json:"senderID"`
	Sequence  int64  `json:"sequence"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(eventType EventType, source string, data any) *Event {
	return &Event{
		ID:        xid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      data,
	}
}

// RoomID returns the room an event concerns, or "" for events that are
// not about a single room.
func (e *Event) RoomID() string {
	switch d := e.Data.(type) {
	case RoomData:
		return d.RoomID
	case MessageData:
		return d.RoomID
	}
	return ""
}
