package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/chathub/internal/config"
	"github.com/HMasataka/chathub/internal/eventbus"
	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/internal/metrics"
	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
	"github.com/HMasataka/chathub/pkg/transport/protocol"
)

// Options tunes rooms and the registry.
type Options struct {
	HistoryLimit      int
	MaxContentLength  int
	StoreTimeout      time.Duration
	RoomIdleThreshold time.Duration
	EvictionInterval  time.Duration
}

func DefaultOptions() Options {
	return Options{
		HistoryLimit:      100,
		MaxContentLength:  4000,
		StoreTimeout:      5 * time.Second,
		RoomIdleThreshold: 5 * time.Minute,
		EvictionInterval:  time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	if o.MaxContentLength <= 0 {
		o.MaxContentLength = d.MaxContentLength
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = d.StoreTimeout
	}
	if o.RoomIdleThreshold <= 0 {
		o.RoomIdleThreshold = d.RoomIdleThreshold
	}
	if o.EvictionInterval <= 0 {
		o.EvictionInterval = d.EvictionInterval
	}
	return o
}

// OptionsFromConfig maps the hub section of the configuration.
func OptionsFromConfig(cfg config.HubConfig) Options {
	return Options{
		HistoryLimit:      cfg.HistoryLimit,
		MaxContentLength:  cfg.MaxContentLength,
		StoreTimeout:      cfg.StoreTimeout,
		RoomIdleThreshold: cfg.RoomIdleThreshold,
		EvictionInterval:  cfg.EvictionInterval,
	}
}

type session struct {
	client domain.Client
	view   *MembershipView
}

// Hub binds authenticated connections to rooms and routes their frames.
type Hub struct {
	registry   *Registry
	membership domain.MembershipStore
	bus        eventbus.Publisher
	logger     *logging.Logger
	handlers   *protocol.DefaultHandlerRegistry
	opts       Options

	mu       sync.RWMutex
	sessions map[string]*session
	users    map[string]int

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	startTime        time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ domain.Hub = (*Hub)(nil)

// NewHub creates a hub. bus may be nil.
func NewHub(membership domain.MembershipStore, messages domain.MessageStore, bus eventbus.Publisher, logger *logging.Logger, opts Options) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	opts = opts.withDefaults()

	h := &Hub{
		registry:   NewRegistry(membership, messages, bus, logger, opts),
		membership: membership,
		bus:        bus,
		logger:     logger,
		handlers:   protocol.NewHandlerRegistry(),
		opts:       opts,
		sessions:   make(map[string]*session),
		users:      make(map[string]int),
		startTime:  time.Now(),
	}
	h.registry.deps.onDetach = h.detach
	h.registerHandlers()

	return h
}

// Registry exposes the hydrated rooms.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Start runs the idle room sweep until Stop is called or ctx is done.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.registry.Run(ctx, h.opts.EvictionInterval)
	}()

	h.logger.Info("hub started")
}

// Stop closes every connection and unloads every room.
func (h *Hub) Stop() {
	h.logger.Info("stopping hub")
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	h.mu.RLock()
	clients := make([]domain.Client, 0, len(h.sessions))
	for _, s := range h.sessions {
		clients = append(clients, s.client)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close(domain.ReasonShutdown)
		}()
	}
	wg.Wait()

	h.registry.Close()
	h.logger.Info("hub stopped")
}

// Accept registers client and loads the rooms its user belongs to. The
// user is announced online when this is their first connection.
func (h *Hub) Accept(ctx context.Context, client domain.Client) error {
	storeCtx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	rooms, err := h.membership.ListRoomsForUser(storeCtx, client.UserID())
	if err != nil {
		return apperrors.ErrPersistenceFailure.WithDetails("rooms not loaded").WithCause(err)
	}

	h.mu.Lock()
	h.sessions[client.ID()] = &session{client: client, view: NewMembershipView(rooms)}
	h.users[client.UserID()]++
	first := h.users[client.UserID()] == 1
	h.mu.Unlock()

	client.OnClose(h.onClose)

	if first {
		h.announcePresence(client.UserID(), true, rooms)
	}

	return nil
}

func (h *Hub) onClose(client domain.Client) {
	h.mu.Lock()
	s, ok := h.sessions[client.ID()]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, client.ID())
	h.users[client.UserID()]--
	last := h.users[client.UserID()] <= 0
	if last {
		delete(h.users, client.UserID())
	}
	h.mu.Unlock()

	ctx := context.Background()
	for _, roomID := range s.view.Subscribed() {
		if r, ok := h.registry.Get(roomID); ok {
			if err := r.Leave(ctx, client); err != nil {
				h.logger.Warn("failed to leave room on close", "room_id", roomID, "client_id", client.ID(), "error", err)
			}
		}
	}

	if last {
		h.announcePresence(client.UserID(), false, s.view.MemberOf())
	}
}

// announcePresence queues a presence frame on every hydrated room of
// userID and returns without waiting for delivery.
func (h *Hub) announcePresence(userID string, online bool, rooms []string) {
	for _, roomID := range rooms {
		if r, ok := h.registry.Get(roomID); ok {
			r.Presence(userID, online)
		}
	}

	if h.bus != nil {
		h.bus.PublishAsync(eventbus.NewEvent(eventbus.EventPresenceChanged, "hub", eventbus.PresenceData{
			UserID: userID,
			Online: online,
			Rooms:  rooms,
		}))
	}
}

func (h *Hub) session(client domain.Client) (*session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[client.ID()]
	return s, ok
}

func (h *Hub) sessionsOf(userID string) []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*session
	for _, s := range h.sessions {
		if s.client.UserID() == userID {
			out = append(out, s)
		}
	}
	return out
}

// Join subscribes client to roomID on its behalf.
func (h *Hub) Join(ctx context.Context, client domain.Client, roomID string) error {
	return h.join(ctx, client, roomID, "")
}

func (h *Hub) join(ctx context.Context, client domain.Client, roomID, replyTo string) error {
	s, ok := h.session(client)
	if !ok {
		return apperrors.ErrConnectionClosed
	}

	rejoin := s.view.IsSubscribed(roomID)
	s.view.Subscribe(roomID)

	var err error
	for range 2 {
		var r *Room
		if r, err = h.registry.GetOrLoad(ctx, roomID); err != nil {
			break
		}
		if err = r.Join(ctx, client, replyTo); !errors.Is(err, errRoomRetired) {
			break
		}
	}
	if err != nil {
		if !rejoin {
			s.view.Unsubscribe(roomID)
		}
		return err
	}

	s.view.SetMember(roomID, true)

	// The connection may have closed while the join was queued; its close
	// handler could then have run before the room saw the join.
	if client.State() != domain.StateOpen {
		if r, ok := h.registry.Get(roomID); ok {
			r.Leave(ctx, client)
		}
	}

	return nil
}

func (h *Hub) leave(ctx context.Context, client domain.Client, roomID string) error {
	s, ok := h.session(client)
	if !ok {
		return apperrors.ErrConnectionClosed
	}

	if s.view.Unsubscribe(roomID) {
		if r, ok := h.registry.Get(roomID); ok {
			if err := r.Leave(ctx, client); err != nil {
				return err
			}
		}
	}

	return nil
}

// joinedRoom returns the room client has joined under roomID.
func (h *Hub) joinedRoom(ctx context.Context, client domain.Client, roomID string) (*Room, error) {
	s, ok := h.session(client)
	if !ok {
		return nil, apperrors.ErrConnectionClosed
	}
	if !s.view.IsSubscribed(roomID) {
		return nil, apperrors.ErrProtocol.WithDetails("room not joined")
	}

	return h.registry.GetOrLoad(ctx, roomID)
}

// detach runs on the room goroutine when a member is removed while joined.
func (h *Hub) detach(client domain.Client, roomID string) {
	if s, ok := h.session(client); ok {
		s.view.Unsubscribe(roomID)
	}
}

// RouteInbound decodes one frame from client and dispatches it. Failures
// are reported to the client as error frames and never close the
// connection.
func (h *Hub) RouteInbound(ctx context.Context, client domain.Client, data []byte) error {
	h.messagesReceived.Add(1)

	frame, err := protocol.Unmarshal(data)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("invalid").Inc()
		h.reportError(ctx, client, "", "", err)
		return nil
	}

	label := string(frame.Type)
	if _, ok := h.handlers.Get(frame.Type); !ok {
		label = "unknown"
	}
	metrics.FramesReceived.WithLabelValues(label).Inc()

	if err := h.handlers.Handle(ctx, client, frame); err != nil {
		h.reportError(ctx, client, frame.ID, frame.RoomID, err)
	}

	return nil
}

func (h *Hub) reportError(ctx context.Context, client domain.Client, replyTo, roomID string, err error) {
	logger := h.logger.WithFields(map[string]any{
		"client_id": client.ID(),
		"user_id":   client.UserID(),
		"room_id":   roomID,
	})
	apperrors.Log(ctx, logger.Logger, err)

	metrics.InboundErrors.WithLabelValues(apperrors.From(err).Code).Inc()

	if sendErr := client.Send(ctx, protocol.EncodeError(replyTo, roomID, err)); sendErr != nil {
		logger.Debug("failed to send error frame", "error", sendErr)
	}
}

// CreateDirect creates the DIRECT room between a and b.
func (h *Hub) CreateDirect(ctx context.Context, a, b string) (*Room, error) {
	r, err := h.registry.CreateDirect(ctx, a, b)
	if err != nil {
		return nil, err
	}
	h.markMembers(r.ID(), true, a, b)
	return r, nil
}

// CreateGroup creates a GROUP room.
func (h *Hub) CreateGroup(ctx context.Context, name string, members []string) (*Room, error) {
	r, err := h.registry.CreateGroup(ctx, name, members)
	if err != nil {
		return nil, err
	}
	h.markMembers(r.ID(), true, members...)
	return r, nil
}

// AddMember adds userID to the group room roomID.
func (h *Hub) AddMember(ctx context.Context, roomID, userID string) error {
	if userID == "" {
		return apperrors.ErrValidation.WithDetails("user id is required")
	}

	r, err := h.registry.GetOrLoad(ctx, roomID)
	if err != nil {
		return err
	}
	if err := r.AddMember(ctx, userID); err != nil {
		return err
	}

	h.markMembers(roomID, true, userID)
	return nil
}

// RemoveMember removes userID from the group room roomID. Connections of
// the user joined to the room stop receiving its frames.
func (h *Hub) RemoveMember(ctx context.Context, roomID, userID string) error {
	r, err := h.registry.GetOrLoad(ctx, roomID)
	if err != nil {
		return err
	}
	if err := r.RemoveMember(ctx, userID); err != nil {
		return err
	}

	h.markMembers(roomID, false, userID)
	return nil
}

// Room returns a snapshot of roomID, loading the room when needed.
func (h *Hub) Room(ctx context.Context, roomID string) (Snapshot, error) {
	for {
		r, err := h.registry.GetOrLoad(ctx, roomID)
		if err != nil {
			return Snapshot{}, err
		}
		snap, err := r.Snapshot(ctx)
		if errors.Is(err, errRoomRetired) {
			continue
		}
		return snap, err
	}
}

func (h *Hub) markMembers(roomID string, member bool, users ...string) {
	for _, u := range users {
		for _, s := range h.sessionsOf(u) {
			s.view.SetMember(roomID, member)
			if !member {
				s.view.Unsubscribe(roomID)
			}
		}
	}
}

// Online reports whether userID has at least one open connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.users[userID] > 0
}

// Stats implements domain.Hub.
func (h *Hub) Stats() domain.HubStats {
	h.mu.RLock()
	clients := len(h.sessions)
	users := len(h.users)
	h.mu.RUnlock()

	return domain.HubStats{
		ConnectedClients: clients,
		ConnectedUsers:   users,
		HydratedRooms:    h.registry.Len(),
		MessagesSent:     h.messagesSent.Load(),
		MessagesReceived: h.messagesReceived.Load(),
		Uptime:           time.Since(h.startTime).Seconds(),
	}
}
