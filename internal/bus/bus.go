// Package bus is the daemon's in-process event bus. Delivery never blocks
// the publisher: an event a subscriber has no room for is dropped and
// counted against that subscription.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus fans events out to subscribers by kind prefix.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// Subscription is one subscriber's filter and channel.
type Subscription struct {
	prefixes []string
	ch       chan Event
	dropped  atomic.Uint64
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many matching events did not fit the buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) matches(kind string) bool {
	for _, p := range s.prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Publish delivers evt to every subscription with a matching prefix.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(evt.Kind) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Emit publishes an event of the given kind stamped with the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe returns a channel of events whose kind starts with namespace,
// and the function that ends the subscription. An empty namespace matches
// everything.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	sub, unsub := b.SubscribeAll(bufSize, namespace)
	return sub.C(), unsub
}

// SubscribeAll subscribes to events matching any of the prefixes.
func (b *Bus) SubscribeAll(bufSize int, prefixes ...string) (*Subscription, func()) {
	sub := &Subscription{prefixes: prefixes, ch: make(chan Event, bufSize)}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}
