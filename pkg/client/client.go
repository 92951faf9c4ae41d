package client

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/HMasataka/chathub/internal/logging"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
	"github.com/HMasataka/chathub/pkg/transport/protocol"
)

// HandlerFunc handles one inbound frame.
type HandlerFunc func(ctx context.Context, frame *protocol.Frame) error

// Options represents chat client options
type Options struct {
	Logger       *logging.Logger
	Token        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultOptions returns default client options
func DefaultOptions() Options {
	return Options{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Client is a WebSocket chat client. Frames are dispatched to the handler
// registered for their type; frames with no handler go to the fallback.
type Client struct {
	url     url.URL
	options Options
	logger  *logging.Logger

	conn    *gorillaws.Conn
	writeMu sync.Mutex

	handlers   map[protocol.Type]HandlerFunc
	fallback   HandlerFunc
	handlersMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	mu sync.RWMutex
}

// New creates a chat client for the given server URL. Zero option values
// fall back to DefaultOptions.
func New(serverURL url.URL, options Options) *Client {
	defaults := DefaultOptions()
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = defaults.DialTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = defaults.WriteTimeout
	}

	if options.Token != "" {
		q := serverURL.Query()
		q.Set("token", options.Token)
		serverURL.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:      serverURL,
		options:  options,
		logger:   options.Logger,
		handlers: make(map[protocol.Type]HandlerFunc),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Connect dials the server and starts reading frames.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return apperrors.New(apperrors.ErrorTypeValidation, "ALREADY_CONNECTED", "client is already connected")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.options.DialTimeout)
	defer cancel()

	c.logger.Debug("connecting to chat server", "host", c.url.Host, "path", c.url.Path)

	conn, resp, err := gorillaws.DefaultDialer.DialContext(dialCtx, c.url.String(), http.Header{})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return apperrors.ErrUnauthorized.WithCause(err)
		}
		return apperrors.Wrap(err, apperrors.ErrorTypeConnectionClosed, "DIAL_ERROR", "failed to connect to server")
	}

	c.conn = conn
	go c.readLoop(conn)

	c.logger.Info("connected to chat server", "host", c.url.Host)
	return nil
}

// Close sends a normal close frame and tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return conn.Close()
}

// Done is closed once the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the read loop exited. It is only meaningful after Done
// is closed.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// OnFrame registers a handler for a frame type
func (c *Client) OnFrame(frameType protocol.Type, handler HandlerFunc) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[frameType] = handler
}

// OnUnhandled registers a handler for frame types with no handler.
func (c *Client) OnUnhandled(handler HandlerFunc) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.fallback = handler
}

// Join subscribes to a room. It returns the ID of the sent frame, which the
// server echoes as reply_to.
func (c *Client) Join(roomID string) (string, error) {
	return c.send(protocol.TypeJoin, roomID, nil)
}

func (c *Client) Leave(roomID string) (string, error) {
	return c.send(protocol.TypeLeave, roomID, nil)
}

// SendMessage posts content to a joined room.
func (c *Client) SendMessage(roomID, content string) (string, error) {
	return c.send(protocol.TypeMessage, roomID, protocol.MessageRequest{Content: content})
}

// React adds or removes an emoji on a message.
func (c *Client) React(roomID, messageID, emoji string, adding bool) (string, error) {
	action := protocol.ActionAdd
	if !adding {
		action = protocol.ActionRemove
	}
	return c.send(protocol.TypeReactionUpdate, roomID, protocol.ReactionRequest{
		MessageID: messageID,
		Emoji:     emoji,
		Action:    action,
	})
}

func (c *Client) MarkRead(roomID string, upto int64) (string, error) {
	return c.send(protocol.TypeMessagesRead, roomID, protocol.ReadRequest{UptoSequence: upto})
}

func (c *Client) Typing(roomID string) (string, error) {
	return c.send(protocol.TypeTyping, roomID, nil)
}

func (c *Client) send(frameType protocol.Type, roomID string, data any) (string, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return "", apperrors.New(apperrors.ErrorTypeConnectionClosed, "NOT_CONNECTED", "not connected to server")
	}

	frame, err := protocol.NewFrame(frameType, roomID, data)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "MARSHAL_ERROR", "failed to marshal frame data")
	}
	raw, err := frame.Marshal()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "MARSHAL_ERROR", "failed to marshal frame")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	if err := conn.WriteMessage(gorillaws.TextMessage, raw); err != nil {
		return "", apperrors.ErrConnectionClosed.WithCause(err)
	}

	return frame.ID, nil
}

func (c *Client) readLoop(conn *gorillaws.Conn) {
	defer close(c.done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.cancel()
			return
		}

		frame, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.Warn("unreadable frame", "error", err)
			continue
		}

		if err := c.dispatch(frame); err != nil {
			c.logger.Error("frame handler failed", "type", frame.Type, "error", err)
		}
	}
}

func (c *Client) dispatch(frame *protocol.Frame) error {
	c.handlersMu.RLock()
	handler, exists := c.handlers[frame.Type]
	if !exists {
		handler = c.fallback
	}
	c.handlersMu.RUnlock()

	if handler == nil {
		c.logger.Debug("no handler for frame type", "type", frame.Type)
		return nil
	}

	return handler(c.ctx, frame)
}
