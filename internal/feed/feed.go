// Package feed delivers price ticks for the instruments currently in play.
package feed

import (
	"context"
	"sort"
	"sync"

	"github.com/papertrade/risk-engine/internal/model"
)

// Feed is a subscription-based tick source. Only subscribed tokens are
// delivered on Ticks.
type Feed interface {
	Ticks() <-chan model.Tick
	Subscribe(ctx context.Context, tokens ...string) error
	Unsubscribe(ctx context.Context, tokens ...string) error
	Close() error
}

// MemoryFeed is an in-process Feed for tests and development.
type MemoryFeed struct {
	mu     sync.Mutex
	ticks  chan model.Tick
	subs   map[string]bool
	closed bool
}

// NewMemoryFeed creates a feed with the given tick buffer.
func NewMemoryFeed(buffer int) *MemoryFeed {
	return &MemoryFeed{ticks: make(chan model.Tick, buffer), subs: make(map[string]bool)}
}

func (f *MemoryFeed) Ticks() <-chan model.Tick { return f.ticks }

func (f *MemoryFeed) Subscribe(_ context.Context, tokens ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tokens {
		f.subs[t] = true
	}
	return nil
}

func (f *MemoryFeed) Unsubscribe(_ context.Context, tokens ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tokens {
		delete(f.subs, t)
	}
	return nil
}

// Push delivers tick if its instrument is subscribed. It reports whether
// the tick was queued; a full buffer drops it.
func (f *MemoryFeed) Push(tick model.Tick) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.subs[tick.InstrumentKey] {
		return false
	}
	select {
	case f.ticks <- tick:
		return true
	default:
		return false
	}
}

// Subscribed returns the subscribed tokens, sorted.
func (f *MemoryFeed) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for t := range f.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ticks)
	}
	return nil
}
