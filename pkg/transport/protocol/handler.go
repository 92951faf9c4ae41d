package protocol

import (
	"context"
	"sync"

	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
)

// Handler handles one inbound frame. Handlers deliver their own results;
// a returned error is reported to the client as an error frame.
type Handler interface {
	Handle(ctx context.Context, client domain.Client, frame *Frame) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, client domain.Client, frame *Frame) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, client domain.Client, frame *Frame) error {
	return f(ctx, client, frame)
}

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// RequireRoom rejects frames without a room_id.
func RequireRoom(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, client domain.Client, frame *Frame) error {
		if frame.RoomID == "" {
			return apperrors.ErrProtocol.WithDetails("room_id is required")
		}
		return next.Handle(ctx, client, frame)
	})
}

// HandlerRegistry routes frames to handlers by type.
type HandlerRegistry interface {
	Register(frameType Type, handler Handler)
	Get(frameType Type) (Handler, bool)
	Handle(ctx context.Context, client domain.Client, frame *Frame) error
}

// DefaultHandlerRegistry is the default implementation of HandlerRegistry.
// Middleware added with Use wraps handlers registered after it.
type DefaultHandlerRegistry struct {
	mu         sync.RWMutex
	handlers   map[Type]Handler
	middleware []Middleware
}

// NewHandlerRegistry creates a new handler registry
func NewHandlerRegistry() *DefaultHandlerRegistry {
	return &DefaultHandlerRegistry{
		handlers: make(map[Type]Handler),
	}
}

// Use appends middleware for subsequently registered handlers.
func (r *DefaultHandlerRegistry) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
}

// Register implements HandlerRegistry
func (r *DefaultHandlerRegistry) Register(frameType Type, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.middleware) - 1; i >= 0; i-- {
		handler = r.middleware[i](handler)
	}
	r.handlers[frameType] = handler
}

// Get implements HandlerRegistry
func (r *DefaultHandlerRegistry) Get(frameType Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[frameType]
	return handler, ok
}

// Handle implements HandlerRegistry
func (r *DefaultHandlerRegistry) Handle(ctx context.Context, client domain.Client, frame *Frame) error {
	handler, ok := r.Get(frame.Type)
	if !ok {
		return apperrors.ErrProtocol.WithDetails("unknown message type " + string(frame.Type))
	}

	return handler.Handle(ctx, client, frame)
}
