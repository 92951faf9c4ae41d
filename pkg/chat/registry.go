package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/HMasataka/chathub/internal/eventbus"
	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/internal/metrics"
	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
)

// Registry owns the hydrated rooms. A room is loaded from the store on
// first use and unloaded after it has had no joined connection for a
// while.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	group    singleflight.Group
	createMu sync.Mutex

	deps roomDeps
}

// NewRegistry creates an empty registry.
func NewRegistry(membership domain.MembershipStore, messages domain.MessageStore, bus eventbus.Publisher, logger *logging.Logger, opts Options) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		rooms: make(map[string]*Room),
		deps: roomDeps{
			membership: membership,
			messages:   messages,
			bus:        bus,
			logger:     logger,
			opts:       opts.withDefaults(),
		},
	}
}

// Get returns the room if it is hydrated.
func (g *Registry) Get(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	if !ok || r.retired.Load() {
		return nil, false
	}
	return r, true
}

// GetOrLoad returns the hydrated room, loading it when needed. Concurrent
// loads of the same room share one store round trip.
func (g *Registry) GetOrLoad(ctx context.Context, roomID string) (*Room, error) {
	if r, ok := g.Get(roomID); ok {
		return r, nil
	}

	ch := g.group.DoChan(roomID, func() (any, error) {
		if r, ok := g.Get(roomID); ok {
			return r, nil
		}

		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.deps.opts.StoreTimeout)
		defer cancel()

		start := time.Now()
		info, err := g.deps.membership.GetRoom(loadCtx, roomID)
		if err != nil {
			if errors.Is(err, apperrors.ErrRoomNotFound) {
				return nil, err
			}
			return nil, apperrors.ErrPersistenceFailure.WithDetails("room not loaded").WithCause(err)
		}

		recent, err := g.deps.messages.ListRecent(loadCtx, roomID, g.deps.opts.HistoryLimit)
		if err != nil {
			return nil, apperrors.ErrPersistenceFailure.WithDetails("history not loaded").WithCause(err)
		}

		r := g.insert(info, recent)
		g.deps.logger.Debug("room hydrated",
			"room_id", roomID,
			"messages", len(recent),
			"duration", time.Since(start),
		)
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Registry) insert(info *domain.RoomInfo, recent []domain.Message) *Room {
	g.mu.Lock()
	if r, ok := g.rooms[info.ID]; ok && !r.retired.Load() {
		g.mu.Unlock()
		return r
	}
	r := newRoom(info, recent, g.deps)
	g.rooms[info.ID] = r
	n := len(g.rooms)
	g.mu.Unlock()

	metrics.RoomsHydrated.Set(float64(n))
	g.publish(eventbus.EventRoomHydrated, info.ID)
	return r
}

// CreateDirect creates the DIRECT room between a and b. If the pair already
// has one, ErrAlreadyExists is returned with the existing room ID as
// details.
func (g *Registry) CreateDirect(ctx context.Context, a, b string) (*Room, error) {
	if a == "" || b == "" {
		return nil, apperrors.ErrValidation.WithDetails("both users are required")
	}
	if a == b {
		return nil, apperrors.ErrValidation.WithDetails("a direct room needs two different users")
	}

	g.createMu.Lock()
	defer g.createMu.Unlock()

	storeCtx, cancel := context.WithTimeout(ctx, g.deps.opts.StoreTimeout)
	defer cancel()

	if id, ok, err := g.deps.membership.FindDirectRoom(storeCtx, a, b); err != nil {
		return nil, apperrors.ErrPersistenceFailure.WithDetails("direct room lookup failed").WithCause(err)
	} else if ok {
		return nil, apperrors.ErrAlreadyExists.WithDetails(id)
	}

	members := []string{a, b}
	id, err := g.deps.membership.CreateRoom(storeCtx, domain.RoomTypeDirect, "", members)
	if err != nil {
		return nil, apperrors.ErrPersistenceFailure.WithDetails("room not created").WithCause(err)
	}

	return g.insert(&domain.RoomInfo{
		ID:        id,
		Type:      domain.RoomTypeDirect,
		Members:   members,
		CreatedAt: time.Now(),
	}, nil), nil
}

// CreateGroup creates a GROUP room. Duplicate members are ignored.
func (g *Registry) CreateGroup(ctx context.Context, name string, members []string) (*Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.ErrValidation.WithDetails("group name is required")
	}

	unique := make([]string, 0, len(members))
	for _, m := range members {
		if m == "" {
			return nil, apperrors.ErrValidation.WithDetails("member id is empty")
		}
		if !slices.Contains(unique, m) {
			unique = append(unique, m)
		}
	}
	if len(unique) == 0 {
		return nil, apperrors.ErrValidation.WithDetails("a group needs at least one member")
	}

	storeCtx, cancel := context.WithTimeout(ctx, g.deps.opts.StoreTimeout)
	defer cancel()

	id, err := g.deps.membership.CreateRoom(storeCtx, domain.RoomTypeGroup, name, unique)
	if err != nil {
		return nil, apperrors.ErrPersistenceFailure.WithDetails("room not created").WithCause(err)
	}

	return g.insert(&domain.RoomInfo{
		ID:        id,
		Type:      domain.RoomTypeGroup,
		Name:      name,
		Members:   unique,
		CreatedAt: time.Now(),
	}, nil), nil
}

// EvictIdle unloads every room that has had no joined connection for
// longer than the idle threshold. It returns the number of rooms unloaded.
func (g *Registry) EvictIdle(ctx context.Context, now time.Time) int {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	evicted := 0
	for _, r := range rooms {
		if !r.retireIfIdle(ctx, g.deps.opts.RoomIdleThreshold, now) {
			continue
		}

		g.mu.Lock()
		if g.rooms[r.id] == r {
			delete(g.rooms, r.id)
		}
		n := len(g.rooms)
		g.mu.Unlock()

		r.stop()
		evicted++

		metrics.RoomsHydrated.Set(float64(n))
		metrics.RoomsEvicted.Inc()
		g.publish(eventbus.EventRoomEvicted, r.id)
		g.deps.logger.Debug("room evicted", "room_id", r.id)
	}

	return evicted
}

// Run sweeps idle rooms every interval until ctx is done.
func (g *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := g.EvictIdle(ctx, now); n > 0 {
				g.deps.logger.Info("evicted idle rooms", "count", n)
			}
		}
	}
}

// Len returns the number of hydrated rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Close stops every room.
func (g *Registry) Close() {
	g.mu.Lock()
	rooms := g.rooms
	g.rooms = make(map[string]*Room)
	g.mu.Unlock()

	for _, r := range rooms {
		r.stop()
	}
	metrics.RoomsHydrated.Set(0)
}

func (g *Registry) publish(eventType eventbus.EventType, roomID string) {
	if g.deps.bus == nil {
		return
	}
	g.deps.bus.PublishAsync(eventbus.NewEvent(eventType, "registry", eventbus.RoomData{RoomID: roomID}))
}
