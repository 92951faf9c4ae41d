package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HMasataka/chathub/internal/eventbus"
	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/internal/store"
	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
	"github.com/HMasataka/chathub/pkg/transport/protocol"
)

// slowMembership counts room loads and makes them slow enough to overlap.
type slowMembership struct {
	*store.MemoryStore
	loads atomic.Int32
}

func (s *slowMembership) GetRoom(ctx context.Context, roomID string) (*domain.RoomInfo, error) {
	s.loads.Add(1)
	time.Sleep(20 * time.Millisecond)
	return s.MemoryStore.GetRoom(ctx, roomID)
}

func TestGetOrLoadSharesConcurrentLoads(t *testing.T) {
	st := store.NewMemoryStore()
	roomID, err := st.CreateRoom(context.Background(), domain.RoomTypeGroup, "general", []string{"alice"})
	require.NoError(t, err)

	membership := &slowMembership{MemoryStore: st}
	reg := NewRegistry(membership, st, nil, logging.Discard(), Options{})
	t.Cleanup(reg.Close)

	const callers = 10
	rooms := make([]*Room, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := reg.GetOrLoad(context.Background(), roomID)
			assert.NoError(t, err)
			rooms[i] = r
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), membership.loads.Load())
	for _, r := range rooms {
		assert.Same(t, rooms[0], r)
	}
	assert.Equal(t, 1, reg.Len())
}

func TestGetOrLoadUnknownRoom(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewRegistry(st, st, nil, nil, Options{})

	_, err := reg.GetOrLoad(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)
	assert.Zero(t, reg.Len())
}

func TestHydrationRestoresHistory(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	roomID, err := st.CreateRoom(ctx, domain.RoomTypeGroup, "general", []string{"alice", "bob"})
	require.NoError(t, err)

	var ids []string
	for i := range 5 {
		m, err := st.Append(ctx, domain.NewMessage{RoomID: roomID, SenderID: "bob", Content: fmt.Sprintf("m%d", i), Sequence: int64(i + 1)})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	require.NoError(t, st.React(ctx, ids[4], "alice", "🔥"))

	h := NewHub(st, st, nil, nil, Options{HistoryLimit: 3})
	t.Cleanup(h.Stop)

	alice := newFakeClient("a1", "alice")
	require.NoError(t, h.Accept(ctx, alice))
	require.NoError(t, h.Join(ctx, alice, roomID))

	history := decode[protocol.HistoryData](t, alice.last(t, protocol.TypeHistory))
	require.Len(t, history.Messages, 3)
	assert.Equal(t, int64(3), history.Messages[0].Sequence)
	assert.Equal(t, int64(5), history.Sequence)
	assert.Equal(t, []domain.ReactionSummary{{Emoji: "🔥", Count: 1, Users: []string{"alice"}}}, history.Messages[2].Reactions)
	assert.Equal(t, "general", history.Name)

	require.NoError(t, h.RouteInbound(ctx, alice, inbound(t, "m", protocol.TypeMessage, roomID, protocol.MessageRequest{Content: "next"})))
	msg := decode[protocol.MessageData](t, alice.last(t, protocol.TypeMessage))
	assert.Equal(t, int64(6), msg.Sequence)

	// Messages that fell out of the window cannot be reacted to.
	require.NoError(t, h.RouteInbound(ctx, alice, inbound(t, "r", protocol.TypeReactionUpdate, roomID, protocol.ReactionRequest{
		MessageID: ids[0], Emoji: "👍", Action: protocol.ActionAdd,
	})))
	assert.Equal(t, apperrors.CodeMessageNotFound, errorCode(t, alice))
}

func TestEvictIdleAndReload(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	bus := eventbus.NewInMemoryBus(16, nil)

	var mu sync.Mutex
	var events []eventbus.EventType
	bus.Subscribe(func(e *eventbus.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})
	bus.Start(ctx)

	h := NewHub(st, st, bus, nil, Options{RoomIdleThreshold: time.Minute})
	t.Cleanup(h.Stop)

	roomID := func() string {
		r, err := h.CreateGroup(ctx, "general", []string{"alice"})
		require.NoError(t, err)
		return r.ID()
	}()

	alice := newFakeClient("a1", "alice")
	require.NoError(t, h.Accept(ctx, alice))
	require.NoError(t, h.Join(ctx, alice, roomID))
	require.NoError(t, h.RouteInbound(ctx, alice, inbound(t, "m", protocol.TypeMessage, roomID, protocol.MessageRequest{Content: "keep me"})))

	later := time.Now().Add(time.Hour)
	assert.Zero(t, h.Registry().EvictIdle(ctx, later), "a room with a joined connection stays")

	alice.Close(domain.ReasonNormal)
	assert.Zero(t, h.Registry().EvictIdle(ctx, time.Now()), "the room is not idle long enough yet")
	assert.Equal(t, 1, h.Registry().EvictIdle(ctx, later))
	assert.Zero(t, h.Registry().Len())

	_, ok := h.Registry().Get(roomID)
	assert.False(t, ok)

	bob := newFakeClient("a2", "alice")
	require.NoError(t, h.Accept(ctx, bob))
	require.NoError(t, h.Join(ctx, bob, roomID))

	history := decode[protocol.HistoryData](t, bob.last(t, protocol.TypeHistory))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "keep me", history.Messages[0].Content)
	assert.Equal(t, 1, h.Registry().Len())

	bus.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, eventbus.EventRoomEvicted)
	assert.Contains(t, events, eventbus.EventRoomHydrated)
	assert.Contains(t, events, eventbus.EventMessagePosted)
	assert.Contains(t, events, eventbus.EventPresenceChanged)
}

func TestRetiredRoomRejectsOperations(t *testing.T) {
	st := store.NewMemoryStore()
	roomID, err := st.CreateRoom(context.Background(), domain.RoomTypeGroup, "general", []string{"alice"})
	require.NoError(t, err)

	reg := NewRegistry(st, st, nil, nil, Options{})
	r, err := reg.GetOrLoad(context.Background(), roomID)
	require.NoError(t, err)

	reg.Close()

	alice := newFakeClient("a1", "alice")
	assert.ErrorIs(t, r.Join(context.Background(), alice, ""), errRoomRetired)
	assert.NoError(t, r.Leave(context.Background(), alice))
}
