package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errWriteTimeout = errors.New("write deadline exceeded")

// fakeConn is an in-memory Conn. Writes block while blocked is set, until
// unblocked or the write deadline passes.
type fakeConn struct {
	mu            sync.Mutex
	inbound       chan []byte
	peerClose     chan int
	written       [][]byte
	closeCode     int
	closeText     string
	writeDeadline time.Time
	blocked       bool
	unblock       chan struct{}
	closed        chan struct{}
	closeOnce     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:   make(chan []byte, 64),
		peerClose: make(chan int, 1),
		unblock:   make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.inbound:
		return websocket.TextMessage, m, nil
	case code := <-f.peerClose:
		return 0, nil, &websocket.CloseError{Code: code}
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	blocked, deadline := f.blocked, f.writeDeadline
	f.mu.Unlock()

	if blocked {
		select {
		case <-f.unblock:
		case <-f.closed:
			return errors.New("use of closed connection")
		case <-time.After(time.Until(deadline)):
			return errWriteTimeout
		}
	}

	if messageType != websocket.TextMessage {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType != websocket.CloseMessage {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(data) >= 2 {
		f.closeCode = int(data[0])<<8 | int(data[1])
		f.closeText = string(data[2:])
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) SetWriteDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeDeadline = t
	return nil
}

func (f *fakeConn) SetReadLimit(int64) {}

func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = true
}

func (f *fakeConn) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeConn) code() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}
