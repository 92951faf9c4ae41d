package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/HMasataka/chathub/internal/eventbus"
	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/internal/metrics"
	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
	"github.com/HMasataka/chathub/pkg/transport/protocol"
)

var reasonInternal = domain.CloseReason{Code: websocket.CloseInternalServerErr, Text: "internal error"}

// Server upgrades authenticated HTTP requests to chat connections
type Server struct {
	upgrader websocket.Upgrader
	hub      domain.Hub
	auth     domain.AuthResolver
	logger   *logging.Logger
	eventBus eventbus.Publisher
	options  ServerOptions
}

// NewServer creates a new WebSocket server
func NewServer(opts ...ServerOption) *Server {
	options := ServerOptions{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Client:          DefaultClientOptions(),
		Logger:          logging.Discard(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			CheckOrigin:     options.CheckOrigin,
		},
		hub:      options.Hub,
		auth:     options.Auth,
		logger:   options.Logger,
		eventBus: options.EventBus,
		options:  options,
	}
}

// ServeHTTP implements http.Handler. The connection joins no room until
// the client asks.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, "")
}

// RoomHandler serves connections bound to a single room. The join is
// issued on the client's behalf; if it is refused the connection is closed
// with the not-a-member close code.
func (s *Server) RoomHandler(roomID func(r *http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serve(w, r, roomID(r))
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, roomID string) {
	userID, authErr := s.auth.Authenticate(r.Context(), tokenFromRequest(r))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade error",
			"error", err,
			"remote_addr", r.RemoteAddr,
		)
		return
	}

	if authErr != nil {
		s.logger.Info("rejecting unauthenticated connection",
			"remote_addr", r.RemoteAddr,
			"error", authErr,
		)
		msg := websocket.FormatCloseMessage(domain.CloseUnauthorized, domain.ReasonUnauthorized.Text)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.options.Client.WriteTimeout))
		conn.Close()
		return
	}

	clientOptions := s.options.Client
	clientOptions.ID = xid.New().String()
	clientOptions.UserID = userID

	client := NewClient(conn, s.logger, clientOptions)
	client.Receive(func(ctx context.Context, frame []byte) error {
		return s.hub.RouteInbound(ctx, client, frame)
	})

	if err := s.hub.Accept(r.Context(), client); err != nil {
		s.logger.Error("failed to accept client",
			"error", err,
			"client_id", client.ID(),
			"user_id", userID,
		)
		client.Close(reasonInternal)
		return
	}

	metrics.ConnectionsActive.Inc()
	s.publish(eventbus.EventConnectionOpened, eventbus.ConnectionData{ConnectionID: client.ID(), UserID: userID})

	client.OnClose(func(domain.Client) {
		reason := client.CloseReason()
		metrics.ConnectionClosed(reason.Code)
		s.publish(eventbus.EventConnectionClosed, eventbus.ConnectionData{
			ConnectionID: client.ID(),
			UserID:       userID,
			CloseCode:    reason.Code,
		})
		s.logger.Info("client disconnected",
			"client_id", client.ID(),
			"user_id", userID,
			"code", reason.Code,
		)
	})

	if roomID != "" {
		if err := s.hub.Join(r.Context(), client, roomID); err != nil {
			if errors.Is(err, apperrors.ErrNotAMember) || errors.Is(err, apperrors.ErrRoomNotFound) {
				client.Close(domain.ReasonNotAMember)
				return
			}
			client.Send(r.Context(), protocol.EncodeError("", roomID, err))
		}
	}

	client.Start()

	s.logger.Info("client connected",
		"client_id", client.ID(),
		"user_id", userID,
		"remote_addr", r.RemoteAddr,
	)

	<-client.Context().Done()
}

func (s *Server) publish(eventType eventbus.EventType, data eventbus.ConnectionData) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.PublishAsync(eventbus.NewEvent(eventType, "websocket-server", data))
}

// tokenFromRequest reads the token from the query string or an
// Authorization bearer header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
