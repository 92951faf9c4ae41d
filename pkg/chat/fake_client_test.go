package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
	"github.com/HMasataka/chathub/pkg/transport/protocol"
)

// fakeClient records every frame sent to it.
type fakeClient struct {
	id     string
	userID string

	mu      sync.Mutex
	frames  []*protocol.Frame
	closed  bool
	dead    bool
	onClose []func(domain.Client)
	reason  domain.CloseReason
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ domain.Client = (*fakeClient)(nil)

func newFakeClient(id, userID string) *fakeClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeClient{id: id, userID: userID, ctx: ctx, cancel: cancel}
}

func (c *fakeClient) ID() string     { return c.id }
func (c *fakeClient) UserID() string { return c.userID }

func (c *fakeClient) Send(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.dead {
		return apperrors.ErrConnectionClosed
	}
	f, err := protocol.Unmarshal(frame)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeClient) Receive(domain.MessageHandler) {}

func (c *fakeClient) OnClose(fn func(domain.Client)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn(c)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *fakeClient) Close(reason domain.CloseReason) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.reason = reason
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	c.cancel()
	for _, fn := range callbacks {
		fn(c)
	}
	return nil
}

// kill makes further sends fail as if the transport had died, without
// running close callbacks.
func (c *fakeClient) kill() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

func (c *fakeClient) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.StateClosed
	}
	return domain.StateOpen
}

func (c *fakeClient) LastActivity() time.Time  { return time.Now() }
func (c *fakeClient) Context() context.Context { return c.ctx }

// all returns the frames of type t received so far.
func (c *fakeClient) all(t protocol.Type) []*protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Frame
	for _, f := range c.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// last returns the newest frame of type t, failing the test if none
// arrived.
func (c *fakeClient) last(t *testing.T, frameType protocol.Type) *protocol.Frame {
	t.Helper()
	frames := c.all(frameType)
	require.NotEmpty(t, frames, "client %s received no %s frame", c.id, frameType)
	return frames[len(frames)-1]
}

func (c *fakeClient) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func decode[T any](t *testing.T, f *protocol.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

// inbound builds a raw client frame.
func inbound(t *testing.T, id string, frameType protocol.Type, roomID string, data any) []byte {
	t.Helper()
	f := protocol.Frame{ID: id, Type: frameType, RoomID: roomID}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		f.Data = raw
	}
	out, err := f.Marshal()
	require.NoError(t, err)
	return out
}

// stallConn is a transport whose peer never reads: text writes block until
// the write deadline passes or the conn is closed.
type stallConn struct {
	mu       sync.Mutex
	deadline time.Time
	closed   chan struct{}
	once     sync.Once
}

func newStallConn() *stallConn {
	return &stallConn{closed: make(chan struct{})}
}

func (c *stallConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("use of closed connection")
}

func (c *stallConn) WriteMessage(int, []byte) error {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	case <-time.After(time.Until(deadline)):
		return errors.New("write deadline exceeded")
	}
}

func (c *stallConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *stallConn) SetReadDeadline(time.Time) error           { return nil }
func (c *stallConn) SetReadLimit(int64)                        {}
func (c *stallConn) SetPongHandler(func(string) error)         {}

func (c *stallConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *stallConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
