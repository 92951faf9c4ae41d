package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
	"github.com/HMasataka/chathub/pkg/transport/protocol"
)

// Conn is the part of *websocket.Conn a Client drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// ClientOptions represents websocket client options
type ClientOptions struct {
	ID                string
	UserID            string
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	PingInterval      time.Duration
	IdleTimeout       time.Duration
	MaxMessageSize    int64
	SendBufferSize    int
	MaxQueuedFrames   int
	SlowConsumerGrace time.Duration
	RateLimit         rate.Limit
	RateBurst         int
}

// DefaultClientOptions returns default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		PingInterval:      30 * time.Second,
		IdleTimeout:       10 * time.Minute,
		MaxMessageSize:    64 * 1024,
		SendBufferSize:    256,
		SlowConsumerGrace: 5 * time.Second,
		RateLimit:         rate.Inf,
	}
}

// Client implements domain.Client over a WebSocket connection.
//
// Outbound frames are queued without blocking. Once the queue grows past
// SendBufferSize a grace timer starts; if the queue is still at or above
// SendBufferSize when it fires, or MaxQueuedFrames is reached first, the
// connection is closed as a slow consumer.
type Client struct {
	id      string
	userID  string
	conn    Conn
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logging.Logger
	options ClientOptions
	limiter *rate.Limiter

	mu         sync.Mutex
	state      domain.ConnectionState
	reason     domain.CloseReason
	flush      bool
	queue      [][]byte
	stallTimer *time.Timer
	handler    domain.MessageHandler
	onClose    []func(domain.Client)
	started    bool

	lastActivity atomic.Int64
	notify       chan struct{}
	closing      chan struct{}
	done         chan struct{}
	wg           sync.WaitGroup
}

var _ domain.Client = (*Client)(nil)

// NewClient creates a new WebSocket client. Start must be called to run
// its pumps.
func NewClient(conn Conn, logger *logging.Logger, options ClientOptions) *Client {
	defaults := DefaultClientOptions()
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = defaults.WriteTimeout
	}
	if options.ReadTimeout <= 0 {
		options.ReadTimeout = defaults.ReadTimeout
	}
	if options.PingInterval <= 0 {
		options.PingInterval = defaults.PingInterval
	}
	if options.MaxMessageSize <= 0 {
		options.MaxMessageSize = defaults.MaxMessageSize
	}
	if options.SendBufferSize <= 0 {
		options.SendBufferSize = defaults.SendBufferSize
	}
	if options.MaxQueuedFrames < options.SendBufferSize {
		options.MaxQueuedFrames = options.SendBufferSize * 4
	}
	if options.SlowConsumerGrace <= 0 {
		options.SlowConsumerGrace = defaults.SlowConsumerGrace
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		id:      options.ID,
		userID:  options.UserID,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.WithFields(map[string]any{"client_id": options.ID, "user_id": options.UserID}),
		options: options,
		state:   domain.StateOpen,
		notify:  make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if options.RateLimit > 0 && options.RateLimit != rate.Inf {
		c.limiter = rate.NewLimiter(options.RateLimit, max(options.RateBurst, 1))
	}

	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// ID implements domain.Client
func (c *Client) ID() string {
	return c.id
}

// UserID implements domain.Client
func (c *Client) UserID() string {
	return c.userID
}

// Context implements domain.Client
func (c *Client) Context() context.Context {
	return c.ctx
}

// State implements domain.Client
func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActivity implements domain.Client
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// CloseReason returns the reason the connection closed with, or the zero
// value while it is open.
func (c *Client) CloseReason() domain.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Pending returns the number of queued outbound frames.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Send implements domain.Client
func (c *Client) Send(_ context.Context, frame []byte) error {
	c.mu.Lock()
	if c.state != domain.StateOpen {
		c.mu.Unlock()
		return apperrors.ErrConnectionClosed
	}

	if len(c.queue) >= c.options.MaxQueuedFrames {
		c.mu.Unlock()
		c.logger.Warn("outbound queue limit reached", "pending", c.options.MaxQueuedFrames)
		c.beginClose(domain.ReasonSlowConsumer, false)
		return apperrors.ErrConnectionClosed
	}

	c.queue = append(c.queue, frame)
	if len(c.queue) > c.options.SendBufferSize && c.stallTimer == nil {
		c.stallTimer = time.AfterFunc(c.options.SlowConsumerGrace, c.checkStalled)
	}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Client) checkStalled() {
	c.mu.Lock()
	c.stallTimer = nil
	stalled := c.state == domain.StateOpen && len(c.queue) >= c.options.SendBufferSize
	pending := len(c.queue)
	c.mu.Unlock()

	if stalled {
		c.logger.Warn("slow consumer", "pending", pending, "grace", c.options.SlowConsumerGrace)
		c.beginClose(domain.ReasonSlowConsumer, false)
	}
}

// Receive implements domain.Client
func (c *Client) Receive(handler domain.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// OnClose implements domain.Client. A callback registered after the
// connection closed runs immediately.
func (c *Client) OnClose(fn func(domain.Client)) {
	c.mu.Lock()
	if c.state != domain.StateClosed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(c)
}

// Close implements domain.Client. It flushes what is queued within the
// write timeout, sends a close frame carrying reason and waits until the
// transport is released.
func (c *Client) Close(reason domain.CloseReason) error {
	c.mu.Lock()
	started := c.started
	c.started = true
	c.mu.Unlock()

	c.beginClose(reason, true)

	if !started {
		c.shutdown()
		c.finish()
		return nil
	}

	<-c.done
	return nil
}

// beginClose moves an open connection to closing. It never blocks.
func (c *Client) beginClose(reason domain.CloseReason, flush bool) bool {
	c.mu.Lock()
	if c.state != domain.StateOpen {
		c.mu.Unlock()
		return false
	}
	c.state = domain.StateClosing
	c.reason = reason
	c.flush = flush
	if !flush {
		c.queue = nil
	}
	if c.stallTimer != nil {
		c.stallTimer.Stop()
		c.stallTimer = nil
	}
	c.mu.Unlock()

	c.logger.Debug("closing connection", "code", reason.Code, "reason", reason.Text)
	close(c.closing)
	return true
}

// finish releases the transport and fires close callbacks exactly once.
func (c *Client) finish() {
	c.mu.Lock()
	if c.state == domain.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = domain.StateClosed
	c.queue = nil
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	if err := c.conn.Close(); err != nil {
		c.logger.Debug("error closing websocket connection", "error", err)
	}
	c.cancel()
	close(c.done)

	for _, fn := range callbacks {
		fn(c)
	}
}

// Start starts the client read and write pumps
func (c *Client) Start() {
	c.mu.Lock()
	if c.started || c.state != domain.StateOpen {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
}

// Wait blocks until both pumps have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// readPump hands inbound frames to the handler in arrival order
func (c *Client) readPump() {
	defer c.wg.Done()
	defer c.logger.Debug("read pump stopped")

	c.conn.SetReadLimit(c.options.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			c.beginClose(closeReasonFromError(err), false)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))

		if messageType != websocket.TextMessage {
			continue
		}

		c.lastActivity.Store(time.Now().UnixNano())

		if c.limiter != nil && !c.limiter.Allow() {
			c.rejectRateLimited(message)
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()

		if handler != nil {
			if err := handler(c.ctx, message); err != nil {
				c.logger.Debug("message handler error", "error", err)
			}
		}
	}
}

func (c *Client) rejectRateLimited(message []byte) {
	var replyTo, roomID string
	if f, err := protocol.Unmarshal(message); err == nil {
		replyTo, roomID = f.ID, f.RoomID
	}
	_ = c.Send(c.ctx, protocol.EncodeError(replyTo, roomID, apperrors.ErrRateLimited))
}

// writePump is the only goroutine writing to the connection
func (c *Client) writePump() {
	defer c.wg.Done()
	defer c.finish()

	ping := time.NewTicker(c.options.PingInterval)
	defer ping.Stop()

	var idle <-chan time.Time
	if c.options.IdleTimeout > 0 {
		t := time.NewTicker(max(c.options.IdleTimeout/4, 10*time.Millisecond))
		defer t.Stop()
		idle = t.C
	}

	for {
		select {
		case <-c.closing:
			c.shutdown()
			return

		case <-c.notify:
			for {
				frame, ok := c.next()
				if !ok {
					break
				}
				if err := c.write(websocket.TextMessage, frame); err != nil {
					c.logger.Debug("websocket write error", "error", err)
					c.beginClose(domain.ReasonTransport, false)
					break
				}
			}

		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping error", "error", err)
				c.beginClose(domain.ReasonTransport, false)
			}

		case <-idle:
			if time.Since(c.LastActivity()) > c.options.IdleTimeout {
				c.logger.Info("closing idle connection", "idle_timeout", c.options.IdleTimeout)
				c.beginClose(domain.ReasonIdleTimeout, true)
			}
		}
	}
}

// next pops the oldest queued frame while the connection is open.
func (c *Client) next() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.StateOpen || len(c.queue) == 0 {
		return nil, false
	}
	frame := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return frame, true
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// shutdown flushes the queue if requested and sends the close frame.
func (c *Client) shutdown() {
	c.mu.Lock()
	reason := c.reason
	var pending [][]byte
	if c.flush {
		pending = c.queue
	}
	c.queue = nil
	c.mu.Unlock()

	deadline := time.Now().Add(c.options.WriteTimeout)
	c.conn.SetWriteDeadline(deadline)
	for _, frame := range pending {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.logger.Debug("flush on close failed", "error", err, "dropped", len(pending))
			return
		}
	}

	if reason.Code == domain.CloseAbnormal {
		return
	}

	msg := websocket.FormatCloseMessage(reason.Code, reason.Text)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("close frame failed", "error", err)
	}
}

func closeReasonFromError(err error) domain.CloseReason {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseNoStatusReceived:
			return domain.ReasonNormal
		case websocket.CloseGoingAway:
			return domain.CloseReason{Code: domain.CloseGoingAway, Text: "client going away"}
		}
	}
	return domain.ReasonTransport
}
