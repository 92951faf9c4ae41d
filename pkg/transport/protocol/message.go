package protocol

import (
	"encoding/json"
	"time"

	"github.com/rs/xid"

	apperrors "github.com/HMasataka/chathub/pkg/errors"
)

// Type is the kind of a frame
type Type string

// Inbound and outbound frame types
const (
	TypeJoin           Type = "join"
	TypeLeave          Type = "leave"
	TypeJoined         Type = "joined"
	TypeLeft           Type = "left"
	TypeHistory        Type = "history"
	TypeMessage        Type = "message"
	TypeReactionUpdate Type = "reaction_update"
	TypeMessagesRead   Type = "messages_read"
	TypeTyping         Type = "typing"
	TypePresence       Type = "presence"
	TypeMemberRemoved  Type = "member_removed"
	TypeError          Type = "error"
)

// Frame is the envelope of every WebSocket text message
type Frame struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	RoomID    string          `json:"room_id,omitempty"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewFrame creates a new frame
func NewFrame(frameType Type, roomID string, data any) (*Frame, error) {
	f := &Frame{
		ID:        generateID(),
		Type:      frameType,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}

	return f, nil
}

// Decode decodes the frame data into the provided value
func (f *Frame) Decode(v any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return apperrors.ErrProtocol.WithDetails("missing data for " + string(f.Type))
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return apperrors.ErrProtocol.WithDetails("malformed data for " + string(f.Type)).WithCause(err)
	}
	return nil
}

// Marshal marshals the frame to bytes
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Unmarshal parses an inbound frame. Malformed JSON and frames without a
// type are protocol errors.
func Unmarshal(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, apperrors.ErrProtocol.WithDetails("malformed frame").WithCause(err)
	}
	if f.Type == "" {
		return nil, apperrors.ErrProtocol.WithDetails("frame has no type")
	}
	return &f, nil
}

// Encode builds and marshals an outbound frame in one step.
func Encode(frameType Type, roomID, replyTo string, data any) ([]byte, error) {
	f, err := NewFrame(frameType, roomID, data)
	if err != nil {
		return nil, err
	}
	f.ReplyTo = replyTo
	return f.Marshal()
}

// EncodeError builds the error frame sent back for a failed request. Only
// the public code and message of err are exposed.
func EncodeError(replyTo, roomID string, err error) []byte {
	code, message := apperrors.Public(err)
	data, encErr := Encode(TypeError, roomID, replyTo, ErrorData{Code: code, Message: message})
	if encErr != nil {
		return []byte(`{"type":"error","data":{"code":"INTERNAL","message":"internal error"}}`)
	}
	return data
}

func generateID() string {
	return xid.New().String()
}
