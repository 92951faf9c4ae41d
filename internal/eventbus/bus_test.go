package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect runs events through a started bus and stops it, so every queued
// event has been delivered when it returns.
func collect(t *testing.T, bus *InMemoryBus, events ...*Event) {
	t.Helper()
	bus.Start(context.Background())
	for _, e := range events {
		bus.PublishAsync(e)
	}
	bus.Stop()
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewInMemoryBus(8, nil)

	var presence, all []EventType
	bus.Subscribe(func(e *Event) { presence = append(presence, e.Type) }, EventPresenceChanged)
	bus.Subscribe(func(e *Event) { all = append(all, e.Type) })

	collect(t, bus,
		NewEvent(EventPresenceChanged, "hub", PresenceData{UserID: "u1", Online: true}),
		NewEvent(EventRoomHydrated, "registry", RoomData{RoomID: "r1"}),
	)

	assert.Equal(t, []EventType{EventPresenceChanged}, presence)
	assert.Equal(t, []EventType{EventPresenceChanged, EventRoomHydrated}, all)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus(8, nil)

	calls := 0
	var unsubscribe func()
	unsubscribe = bus.Subscribe(func(*Event) {
		calls++
		unsubscribe()
	}, EventMessagePosted)

	collect(t, bus,
		NewEvent(EventMessagePosted, "room", nil),
		NewEvent(EventMessagePosted, "room", nil),
	)

	assert.Equal(t, 1, calls)
}

func TestHandlerMaySubscribeDuringDelivery(t *testing.T) {
	bus := NewInMemoryBus(8, nil)

	var late []EventType
	bus.Subscribe(func(*Event) {
		bus.Subscribe(func(e *Event) { late = append(late, e.Type) }, EventConnectionClosed)
	}, EventConnectionOpened)

	done := make(chan struct{})
	go func() {
		collect(t, bus,
			NewEvent(EventConnectionOpened, "websocket-server", nil),
			NewEvent(EventConnectionClosed, "websocket-server", nil),
		)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery deadlocked")
	}
	assert.Equal(t, []EventType{EventConnectionClosed}, late)
}

func TestStopDrainsInOrder(t *testing.T) {
	bus := NewInMemoryBus(16, nil)

	var mu sync.Mutex
	var got []string
	bus.Subscribe(func(e *Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Data.(PresenceData).UserID)
	}, EventPresenceChanged)

	collect(t, bus,
		NewEvent(EventPresenceChanged, "hub", PresenceData{UserID: "a"}),
		NewEvent(EventPresenceChanged, "hub", PresenceData{UserID: "b"}),
		NewEvent(EventPresenceChanged, "hub", PresenceData{UserID: "c"}),
	)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewInMemoryBus(8, nil)

	calls := 0
	bus.Subscribe(func(*Event) { panic("boom") })
	bus.Subscribe(func(*Event) { calls++ })

	collect(t, bus,
		NewEvent(EventRoomEvicted, "registry", RoomData{RoomID: "r1"}),
		NewEvent(EventRoomEvicted, "registry", RoomData{RoomID: "r2"}),
	)

	assert.Equal(t, 2, calls)
}

func TestPublishAsyncDropsOnOverflow(t *testing.T) {
	bus := NewInMemoryBus(1, nil)

	bus.PublishAsync(NewEvent(EventRoomEvicted, "registry", nil))
	bus.PublishAsync(NewEvent(EventRoomEvicted, "registry", nil))

	assert.EqualValues(t, 1, bus.Dropped())
}

func TestEventRoomID(t *testing.T) {
	a := NewEvent(EventRoomHydrated, "registry", RoomData{RoomID: "r1"})
	b := NewEvent(EventMessagePosted, "room", MessageData{RoomID: "r2", Sequence: 1})
	c := NewEvent(EventPresenceChanged, "hub", PresenceData{UserID: "u1"})

	require.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "r1", a.RoomID())
	assert.Equal(t, "r2", b.RoomID())
	assert.Empty(t, c.RoomID())
}
