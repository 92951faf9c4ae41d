package domain

import (
	"context"
	"time"
)

// ConnectionState is the lifecycle state of a client connection.
type ConnectionState int32

const (
	StateOpen ConnectionState = iota
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason describes why a connection is being torn down. Code is the
// WebSocket close code sent to the peer.
type CloseReason struct {
	Code int
	Text string
}

// Close codes understood by clients.
const (
	CloseNormal       = 1000
	CloseGoingAway    = 1001
	CloseAbnormal     = 1006
	CloseUnauthorized = 4001
	CloseNotAMember   = 4003
	CloseIdleTimeout  = 4008
	CloseSlowConsumer = 4009
)

var (
	ReasonNormal       = CloseReason{Code: CloseNormal, Text: "normal closure"}
	ReasonShutdown     = CloseReason{Code: CloseGoingAway, Text: "server shutting down"}
	ReasonTransport    = CloseReason{Code: CloseAbnormal, Text: "transport error"}
	ReasonUnauthorized = CloseReason{Code: CloseUnauthorized, Text: "unauthorized"}
	ReasonNotAMember   = CloseReason{Code: CloseNotAMember, Text: "not a member"}
	ReasonIdleTimeout  = CloseReason{Code: CloseIdleTimeout, Text: "idle timeout"}
	ReasonSlowConsumer = CloseReason{Code: CloseSlowConsumer, Text: "slow consumer"}
)

// Client represents one authenticated client connection.
type Client interface {
	// ID returns the unique identifier of the connection
	ID() string

	// UserID returns the authenticated user that owns the connection
	UserID() string

	// Send enqueues an encoded frame for delivery. It never blocks on the
	// transport and fails with ErrConnectionClosed once the connection is
	// closing or closed.
	Send(ctx context.Context, frame []byte) error

	// Receive sets the handler that is called for every inbound frame, in
	// arrival order.
	Receive(handler MessageHandler)

	// OnClose registers a callback fired once when the connection closes
	OnClose(fn func(Client))

	// Close tears the connection down. It is idempotent.
	Close(reason CloseReason) error

	// State returns the current lifecycle state
	State() ConnectionState

	// LastActivity returns the time of the last inbound frame
	LastActivity() time.Time

	// Context is cancelled when the connection closes
	Context() context.Context
}

// MessageHandler handles one inbound frame from a client.
type MessageHandler func(ctx context.Context, frame []byte) error
