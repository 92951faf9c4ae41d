package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HMasataka/chathub/internal/auth"
	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/internal/store"
	"github.com/HMasataka/chathub/pkg/chat"
	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
	"github.com/HMasataka/chathub/pkg/transport/protocol"
	"github.com/HMasataka/chathub/pkg/transport/websocket"
)

type testServer struct {
	*httptest.Server
	hub *chat.Hub
	jwt *auth.JWTManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st := store.NewMemoryStore()
	logger := logging.Discard()
	hub := chat.NewHub(st, st, nil, logger, chat.Options{})
	jwt := auth.NewJWTManager(auth.JWTConfig{SecretKey: "test-secret", Issuer: "chathub"})

	ws := websocket.NewServer(
		websocket.WithHub(hub),
		websocket.WithAuth(jwt),
		websocket.WithLogger(logger),
	)

	srv := httptest.NewServer(NewRouter(RouterOptions{
		Hub:       hub,
		Auth:      jwt,
		WebSocket: ws,
		Logger:    logger,
	}))
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})

	return &testServer{Server: srv, hub: hub, jwt: jwt}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.jwt.GenerateToken(userID)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (s *testServer) dial(t *testing.T, path, userID string) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + path + "?token=" + s.token(t, userID)
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of type want arrives.
func readUntil(t *testing.T, conn *gorilla.Conn, want protocol.Type) *protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		f, err := protocol.Unmarshal(data)
		require.NoError(t, err)
		if f.Type == want {
			return f
		}
	}
}

func writeFrame(t *testing.T, conn *gorilla.Conn, id string, frameType protocol.Type, roomID string, data any) {
	t.Helper()
	f := protocol.Frame{ID: id, Type: frameType, RoomID: roomID}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		f.Data = raw
	}
	raw, err := f.Marshal()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, raw))
}

func TestHealthAndStats(t *testing.T) {
	srv := newTestServer(t)

	resp, body := srv.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = srv.do(t, http.MethodGet, "/stats", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var stats domain.HubStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Zero(t, stats.ConnectedClients)

	resp, _ = srv.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoomEndpointsRequireAuth(t *testing.T) {
	srv := newTestServer(t)

	resp, body := srv.do(t, http.MethodPost, "/api/rooms/group", "", CreateGroupRequest{Name: "x"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, apperrors.CodeUnauthorized, e.Code)
}

func TestGroupLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp, body := srv.do(t, http.MethodPost, "/api/rooms/group", "alice", CreateGroupRequest{Name: "team", Members: []string{"bob"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var room chat.Snapshot
	require.NoError(t, json.Unmarshal(body, &room))
	assert.Equal(t, domain.RoomTypeGroup, room.Type)
	assert.Equal(t, []string{"alice", "bob"}, room.Members)

	resp, _ = srv.do(t, http.MethodGet, "/api/rooms/"+room.ID, "carol", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = srv.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/members", "bob", AddMemberRequest{UserID: "carol"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &room))
	assert.Equal(t, []string{"alice", "bob", "carol"}, room.Members)

	resp, _ = srv.do(t, http.MethodDelete, "/api/rooms/"+room.ID+"/members/bob", "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = srv.do(t, http.MethodGet, "/api/rooms/"+room.ID, "carol", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &room))
	assert.Equal(t, []string{"alice", "carol"}, room.Members)

	resp, _ = srv.do(t, http.MethodGet, "/api/rooms/unknown", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateDirectConflict(t *testing.T) {
	srv := newTestServer(t)

	resp, body := srv.do(t, http.MethodPost, "/api/rooms/direct", "alice", CreateDirectRequest{UserID: "bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var room chat.Snapshot
	require.NoError(t, json.Unmarshal(body, &room))

	resp, body = srv.do(t, http.MethodPost, "/api/rooms/direct", "bob", CreateDirectRequest{UserID: "alice"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), room.ID)

	resp, _ = srv.do(t, http.MethodPost, "/api/rooms/direct", "alice", CreateDirectRequest{UserID: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodDelete, "/api/rooms/"+room.ID+"/members/bob", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketChat(t *testing.T) {
	srv := newTestServer(t)

	room, err := srv.hub.CreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)

	alice := srv.dial(t, "/ws", "alice")
	bob := srv.dial(t, "/ws/chat/"+room.ID(), "bob")
	readUntil(t, bob, protocol.TypeHistory)

	writeFrame(t, alice, "j1", protocol.TypeJoin, room.ID(), nil)
	joined := readUntil(t, alice, protocol.TypeJoined)
	assert.Equal(t, "j1", joined.ReplyTo)

	writeFrame(t, alice, "m1", protocol.TypeMessage, room.ID(), protocol.MessageRequest{Content: "hello"})

	for _, conn := range []*gorilla.Conn{alice, bob} {
		f := readUntil(t, conn, protocol.TypeMessage)
		var msg protocol.MessageData
		require.NoError(t, json.Unmarshal(f.Data, &msg))
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, int64(1), msg.Sequence)
	}

	writeFrame(t, alice, "x1", "shout", room.ID(), nil)
	f := readUntil(t, alice, protocol.TypeError)
	assert.Equal(t, "x1", f.ReplyTo)
}

func TestWebSocketRoomRouteRejectsNonMember(t *testing.T) {
	srv := newTestServer(t)

	room, err := srv.hub.CreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)

	mallory := srv.dial(t, "/ws/chat/"+room.ID(), "mallory")
	require.NoError(t, mallory.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = mallory.ReadMessage()

	var closeErr *gorilla.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, domain.CloseNotAMember, closeErr.Code)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	srv := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=garbage"
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()

	var closeErr *gorilla.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, domain.CloseUnauthorized, closeErr.Code)
}
