package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/HMasataka/chathub/pkg/errors"
	"github.com/HMasataka/chathub/pkg/transport/protocol"
)

// echoServer answers every inbound frame with a frame of the given type
// carrying reply_to, and reports the token it was dialed with.
func echoServer(t *testing.T, reply protocol.Type) (*url.URL, <-chan string) {
	t.Helper()

	tokens := make(chan string, 1)
	upgrader := gorillaws.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			in, err := protocol.Unmarshal(data)
			if err != nil {
				return
			}
			if in.Type == protocol.TypeLeave {
				conn.WriteMessage(gorillaws.CloseMessage, gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "bye"))
				return
			}
			out, err := protocol.Encode(reply, in.RoomID, in.ID, nil)
			if err != nil {
				return
			}
			conn.WriteMessage(gorillaws.TextMessage, out)
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	return u, tokens
}

func TestClientDispatchesByType(t *testing.T) {
	u, tokens := echoServer(t, protocol.TypeJoined)

	c := New(*u, Options{Token: "secret"})
	t.Cleanup(func() { c.Close() })

	got := make(chan *protocol.Frame, 1)
	c.OnFrame(protocol.TypeJoined, func(_ context.Context, f *protocol.Frame) error {
		got <- f
		return nil
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "secret", <-tokens)

	id, err := c.Join("room-1")
	require.NoError(t, err)

	select {
	case f := <-got:
		assert.Equal(t, id, f.ReplyTo)
		assert.Equal(t, "room-1", f.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("joined frame not dispatched")
	}
}

func TestClientFallbackHandler(t *testing.T) {
	u, _ := echoServer(t, protocol.TypeError)

	c := New(*u, Options{})
	t.Cleanup(func() { c.Close() })

	got := make(chan protocol.Type, 1)
	c.OnUnhandled(func(_ context.Context, f *protocol.Frame) error {
		got <- f.Type
		return nil
	})

	require.NoError(t, c.Connect(context.Background()))
	_, err := c.SendMessage("room-1", "hello")
	require.NoError(t, err)

	select {
	case typ := <-got:
		assert.Equal(t, protocol.TypeError, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("fallback not called")
	}
}

func TestClientDoneOnServerClose(t *testing.T) {
	u, _ := echoServer(t, protocol.TypeLeft)

	c := New(*u, Options{})
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	_, err := c.Leave("room-1")
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}

	var closeErr *gorillaws.CloseError
	require.ErrorAs(t, c.Err(), &closeErr)
	assert.Equal(t, gorillaws.CloseNormalClosure, closeErr.Code)
}

func TestClientRequiresConnection(t *testing.T) {
	c := New(url.URL{Scheme: "ws", Host: "127.0.0.1:1"}, Options{})

	_, err := c.Typing("room-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeConnectionClosed, apperrors.From(err).Type)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, "DIAL_ERROR", apperrors.From(err).Code)
}
