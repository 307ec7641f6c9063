package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus fans published events out to subscriptions.
//
// A reliable subscription applies backpressure: Publish waits until the
// event is buffered, the subscription closes or ctx ends. A lossy one drops
// the event when its buffer is full.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscription receives the events of the kinds it asked for.
type Subscription struct {
	bus      *Bus
	id       uint64
	ch       chan Event
	kinds    map[Kind]bool
	reliable bool
	done     chan struct{}
	once     sync.Once
	dropped  atomic.Int64
}

// Subscribe registers a subscription. No kinds means every kind.
func (b *Bus) Subscribe(buffer int, reliable bool, kinds ...Kind) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{
		bus:      b,
		ch:       make(chan Event, buffer),
		reliable: reliable,
		done:     make(chan struct{}),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Publish delivers e to every matching subscription.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if s.kinds != nil && !s.kinds[e.Kind()] {
			continue
		}
		if s.reliable {
			select {
			case s.ch <- e:
			case <-s.done:
			case <-ctx.Done():
			}
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events a lossy subscription discarded.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		// Release publishers blocked on this subscription before taking
		// the write lock they hold a read lock against.
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
