package chat

import (
	"context"

	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
	"github.com/HMasataka/chathub/pkg/transport/protocol"
)

func (h *Hub) registerHandlers() {
	h.handlers.Use(protocol.RequireRoom)

	h.handlers.Register(protocol.TypeJoin, protocol.HandlerFunc(h.handleJoin))
	h.handlers.Register(protocol.TypeLeave, protocol.HandlerFunc(h.handleLeave))
	h.handlers.Register(protocol.TypeMessage, protocol.HandlerFunc(h.handleMessage))
	h.handlers.Register(protocol.TypeReactionUpdate, protocol.HandlerFunc(h.handleReaction))
	h.handlers.Register(protocol.TypeMessagesRead, protocol.HandlerFunc(h.handleRead))
	h.handlers.Register(protocol.TypeTyping, protocol.HandlerFunc(h.handleTyping))
}

func (h *Hub) handleJoin(ctx context.Context, client domain.Client, frame *protocol.Frame) error {
	return h.join(ctx, client, frame.RoomID, frame.ID)
}

// handleLeave always answers with left, whether or not the room was joined.
func (h *Hub) handleLeave(ctx context.Context, client domain.Client, frame *protocol.Frame) error {
	if err := h.leave(ctx, client, frame.RoomID); err != nil {
		return err
	}

	reply, err := protocol.Encode(protocol.TypeLeft, frame.RoomID, frame.ID, protocol.LeftData{RoomID: frame.RoomID})
	if err != nil {
		return err
	}
	return client.Send(ctx, reply)
}

func (h *Hub) handleMessage(ctx context.Context, client domain.Client, frame *protocol.Frame) error {
	r, err := h.joinedRoom(ctx, client, frame.RoomID)
	if err != nil {
		return err
	}

	var req protocol.MessageRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}

	if _, err := r.PostMessage(ctx, client, req.Content, frame.ID); err != nil {
		return err
	}
	h.messagesSent.Add(1)
	return nil
}

func (h *Hub) handleReaction(ctx context.Context, client domain.Client, frame *protocol.Frame) error {
	r, err := h.joinedRoom(ctx, client, frame.RoomID)
	if err != nil {
		return err
	}

	var req protocol.ReactionRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}
	if req.MessageID == "" {
		return apperrors.ErrProtocol.WithDetails("messageID is required")
	}

	var adding bool
	switch req.Action {
	case protocol.ActionAdd:
		adding = true
	case protocol.ActionRemove:
	default:
		return apperrors.ErrProtocol.WithDetails("unknown reaction action " + req.Action)
	}

	return r.React(ctx, client, req.MessageID, req.Emoji, adding, frame.ID)
}

func (h *Hub) handleRead(ctx context.Context, client domain.Client, frame *protocol.Frame) error {
	r, err := h.joinedRoom(ctx, client, frame.RoomID)
	if err != nil {
		return err
	}

	var req protocol.ReadRequest
	if err := frame.Decode(&req); err != nil {
		return err
	}

	return r.MarkRead(ctx, client, req.UptoSequence)
}

func (h *Hub) handleTyping(ctx context.Context, client domain.Client, frame *protocol.Frame) error {
	r, err := h.joinedRoom(ctx, client, frame.RoomID)
	if err != nil {
		return err
	}
	return r.Typing(ctx, client)
}
