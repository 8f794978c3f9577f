// Package bus is the in-process broadcast fabric that fans domain events
// out to WS subscribers. Delivery is best-effort with a bounded queue per
// subscriber; a subscriber that overflows its queue is evicted so one slow
// reader cannot stall the rest.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 256

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription represents an active subscription.
type Subscription struct {
	id       int
	prefixes []string
	ch       chan Event

	// onEvict fires once when the subscription is dropped for overflowing
	// its queue. Set via Bus.Subscribe options.
	onEvict func()
	evicted bool
}

// Ch returns the channel to receive events on. The channel closes when the
// subscription is evicted or unsubscribed.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// matches reports whether topic falls under any subscribed prefix. An
// empty prefix list matches everything.
func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if p == "" || strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus is the process-singleton pub/sub hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	buffer int
}

// New creates a Bus with the default per-subscriber buffer.
func New() *Bus {
	return NewBuffered(defaultBufferSize)
}

// NewBuffered creates a Bus with an explicit per-subscriber buffer size.
func NewBuffered(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	return &Bus{
		subs:   make(map[int]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers for events matching any of the given topic prefixes.
// No prefixes means all topics. onEvict, if non-nil, is called (once, off
// the publisher's lock) when the subscriber is dropped as a slow consumer.
func (b *Bus) Subscribe(onEvict func(), topicPrefixes ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: topicPrefixes,
		ch:       make(chan Event, b.buffer),
		onEvict:  onEvict,
	}
	b.subs[sub.id] = sub
	return sub
}

// SetTopics replaces a live subscription's prefix filter.
func (b *Bus) SetTopics(sub *Subscription, topicPrefixes ...string) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		sub.prefixes = topicPrefixes
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscription) {
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers in enqueue order.
// A subscriber whose queue is full is evicted: its channel closes and its
// onEvict hook fires so the owning connection can be closed with
// SlowConsumer.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	var evicted []*Subscription
	b.mu.Lock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.evicted = true
			b.removeLocked(sub)
			evicted = append(evicted, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range evicted {
		if sub.onEvict != nil {
			sub.onEvict()
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
