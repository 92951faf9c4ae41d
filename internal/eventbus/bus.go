package eventbus

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/internal/metrics"
)

// Handler receives one event. Handlers run on the bus goroutine and must
// not block.
type Handler func(event *Event)

// Publisher is the side of the bus the chat core sees. Publishing never
// blocks the caller.
type Publisher interface {
	PublishAsync(event *Event)
}

type subscription struct {
	id      uint64
	types   []EventType
	handler Handler
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// InMemoryBus fans events out to subscribers from a single goroutine.
// The subscriber list is copy-on-write so handlers may subscribe or
// unsubscribe while an event is being delivered.
type InMemoryBus struct {
	subs   atomic.Pointer[[]*subscription]
	nextID atomic.Uint64
	mu     sync.Mutex

	queue   chan *Event
	dropped atomic.Int64
	logger  *logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Publisher = (*InMemoryBus)(nil)

// NewInMemoryBus creates a bus whose queue holds bufferSize events.
func NewInMemoryBus(bufferSize int, logger *logging.Logger) *InMemoryBus {
	if logger == nil {
		logger = logging.Discard()
	}
	if bufferSize < 1 {
		bufferSize = 1
	}

	b := &InMemoryBus{
		queue:  make(chan *Event, bufferSize),
		logger: logger.WithField("component", "eventbus"),
	}
	b.subs.Store(&[]*subscription{})
	return b
}

// Subscribe registers handler for the given event types, or for every
// event when none are given. The returned func removes the subscription.
func (b *InMemoryBus) Subscribe(handler Handler, types ...EventType) (unsubscribe func()) {
	sub := &subscription{
		id:      b.nextID.Add(1),
		types:   types,
		handler: handler,
	}

	b.mu.Lock()
	next := append(slices.Clone(*b.subs.Load()), sub)
	b.subs.Store(&next)
	b.mu.Unlock()

	return func() { b.remove(sub.id) }
}

func (b *InMemoryBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := slices.DeleteFunc(slices.Clone(*b.subs.Load()), func(s *subscription) bool {
		return s.id == id
	})
	b.subs.Store(&next)
}

// PublishAsync queues an event. When the queue is full the event is
// dropped and counted.
func (b *InMemoryBus) PublishAsync(event *Event) {
	select {
	case b.queue <- event:
	default:
		b.dropped.Add(1)
		metrics.EventsDropped.Inc()
	}
}

// Dropped returns how many events were discarded on overflow.
func (b *InMemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Start runs the delivery goroutine until ctx is done or Stop is called.
func (b *InMemoryBus) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop ends delivery after flushing whatever is still queued.
func (b *InMemoryBus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *InMemoryBus) run(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case event := <-b.queue:
					b.deliver(event)
				default:
					return
				}
			}
		case event := <-b.queue:
			b.deliver(event)
		}
	}
}

func (b *InMemoryBus) deliver(event *Event) {
	if event == nil {
		return
	}

	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	for _, sub := range *b.subs.Load() {
		if sub.wants(event.Type) {
			b.call(sub, event)
		}
	}
}

func (b *InMemoryBus) call(sub *subscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	sub.handler(event)
}
