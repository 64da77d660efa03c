// Package bus is the in-process pub/sub backbone connecting the engine,
// the persistence layer, the file watcher, and the websocket stream.
// Topics are matched by prefix; delivery is best-effort and never blocks
// a publisher.
package bus

import (
	"strings"
	"sync"
)

// subscriberBuffer is the per-subscription channel depth. A consumer that
// falls further behind than this loses events rather than stalling the bus.
const subscriberBuffer = 100

// Event is one published message.
type Event struct {
	Topic   string
	Payload interface{}
}

// Subscription is a live prefix subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel events arrive on. It is closed on Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers interest in every topic starting with the prefix.
// An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// with nil or an already-removed subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscriber. A subscriber
// whose buffer is full misses this event.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount reports active subscriptions, surfaced in /metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
