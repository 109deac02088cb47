package events

import (
	"sync"
	"sync/atomic"

	"meshsfu/internal/core/domain"
)

type subscriber struct {
	deliver func(domain.Event) bool
	close   func()
}

// Bus is an in-process publish/subscribe hub for domain events. Publish never
// blocks: a subscriber whose buffer is full misses the event and the drop is
// counted.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]subscriber
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Publish delivers e to every subscriber interested in its type.
func (b *Bus) Publish(e domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !s.deliver(e) {
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) add(s subscriber) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.close()
		})
	}
}

// Subscribe returns a channel receiving only events of type E, and a function
// that unsubscribes and closes the channel.
func Subscribe[E domain.Event](b *Bus, buffer int) (<-chan E, func()) {
	ch := make(chan E, buffer)
	cancel := b.add(subscriber{
		deliver: func(e domain.Event) bool {
			typed, ok := e.(E)
			if !ok {
				return true
			}
			select {
			case ch <- typed:
				return true
			default:
				return false
			}
		},
		close: func() { close(ch) },
	})
	return ch, cancel
}

// SubscribeAll returns a channel receiving every event.
func SubscribeAll(b *Bus, buffer int) (<-chan domain.Event, func()) {
	return Subscribe[domain.Event](b, buffer)
}
