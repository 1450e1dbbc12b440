package notify

import (
	"context"
	"sync"

	"github.com/orchcmd/orchcmd/workflow"
)

// Bus is an in-memory fan-out of lifecycle events to subscribers.
// Delivery per subscriber preserves publish order. Sends never block
// the publisher: a subscriber whose channel is full misses events
// rather than stalling the engine.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	mask workflow.EventFlag
	ch   chan *workflow.Event
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers interest in the event types in mask (bitwise OR
// of flags; use workflow.EventAll for everything). The returned cancel
// function unsubscribes and closes the channel.
func (b *Bus) Subscribe(mask workflow.EventFlag, buffer int) (<-chan *workflow.Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	sub := &subscription{
		mask: mask,
		ch:   make(chan *workflow.Event, buffer),
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish implements the Notifier interface method.
func (b *Bus) Publish(_ context.Context, ev *workflow.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.mask&ev.EventFlag == 0 {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// subscriber is not keeping up; drop rather than block
		}
	}
	return nil
}
