package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
)

func TestUnmarshalInbound(t *testing.T) {
	f, err := Unmarshal([]byte(`{"id":"c1","type":"message","room_id":"r1","data":{"content":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, f.Type)
	assert.Equal(t, "r1", f.RoomID)

	var req MessageRequest
	require.NoError(t, f.Decode(&req))
	assert.Equal(t, "hi", req.Content)
}

func TestUnmarshalRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"not json": `{"type":`,
		"no type":  `{"id":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(raw))
			assert.ErrorIs(t, err, apperrors.ErrProtocol)
		})
	}
}

func TestDecodeMissingData(t *testing.T) {
	f := &Frame{Type: TypeReactionUpdate}
	var req ReactionRequest
	assert.ErrorIs(t, f.Decode(&req), apperrors.ErrProtocol)

	f.Data = json.RawMessage(`{"messageID": 7}`)
	assert.ErrorIs(t, f.Decode(&req), apperrors.ErrProtocol)
}

func TestEncodeEnvelope(t *testing.T) {
	raw, err := Encode(TypeMessagesRead, "r1", "c9", ReadData{UserID: "bob", UptoSequence: 4})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "messages_read", got["type"])
	assert.Equal(t, "r1", got["room_id"])
	assert.Equal(t, "c9", got["reply_to"])
	assert.NotEmpty(t, got["id"])
	assert.Equal(t, map[string]any{"userID": "bob", "uptoSequence": float64(4)}, got["data"])
}

func TestEncodeErrorHidesInternalCause(t *testing.T) {
	raw := EncodeError("c1", "", errors.New("db password leaked"))

	f, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeError, f.Type)
	assert.Equal(t, "c1", f.ReplyTo)

	var data ErrorData
	require.NoError(t, f.Decode(&data))
	assert.Equal(t, apperrors.CodeInternal, data.Code)
	assert.NotContains(t, data.Message, "password")

	raw = EncodeError("c2", "r1", apperrors.ErrNotAMember)
	f, err = Unmarshal(raw)
	require.NoError(t, err)
	require.NoError(t, f.Decode(&data))
	assert.Equal(t, apperrors.CodeNotAMember, data.Code)
}

func TestHandlerRegistry(t *testing.T) {
	reg := NewHandlerRegistry()

	var seen Type
	reg.Register(TypeTyping, HandlerFunc(func(_ context.Context, _ domain.Client, f *Frame) error {
		seen = f.Type
		return nil
	}))

	require.NoError(t, reg.Handle(context.Background(), nil, &Frame{Type: TypeTyping}))
	assert.Equal(t, TypeTyping, seen)

	err := reg.Handle(context.Background(), nil, &Frame{Type: "dance"})
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
	assert.ErrorContains(t, err, "unknown message type dance")
}

func TestRegistryMiddlewareOrder(t *testing.T) {
	reg := NewHandlerRegistry()

	var trace []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, c domain.Client, f *Frame) error {
				trace = append(trace, name)
				return next.Handle(ctx, c, f)
			})
		}
	}

	reg.Register(TypeLeave, HandlerFunc(func(context.Context, domain.Client, *Frame) error { return nil }))
	reg.Use(tag("outer"), tag("inner"), RequireRoom)
	reg.Register(TypeJoin, HandlerFunc(func(context.Context, domain.Client, *Frame) error {
		trace = append(trace, "handler")
		return nil
	}))

	require.NoError(t, reg.Handle(context.Background(), nil, &Frame{Type: TypeJoin, RoomID: "r1"}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, trace)

	trace = nil
	err := reg.Handle(context.Background(), nil, &Frame{Type: TypeJoin})
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
	assert.Equal(t, []string{"outer", "inner"}, trace)

	require.NoError(t, reg.Handle(context.Background(), nil, &Frame{Type: TypeLeave}), "registered before Use")
}
