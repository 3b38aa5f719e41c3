package bus

import (
	"sync"

	"github.com/khunter/autotrader/internal/observ"
)

// Handler receives messages for one topic. Handlers run synchronously on the
// publishing goroutine and must not block indefinitely.
type Handler func(Message)

type subscription struct {
	id int
	fn Handler
}

// Bus is an in-process publish/subscribe router. Delivery is synchronous and
// in subscription order within a topic; no ordering holds across topics.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic][]subscription
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]subscription)}
}

// Subscribe registers fn for topic and returns an id usable with Unsubscribe.
func (b *Bus) Subscribe(topic Topic, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscription{id: b.nextID, fn: fn})
	return b.nextID
}

// Unsubscribe removes a prior subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(topic Topic, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			b.subs[topic] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers msg to every current subscriber of its topic. A panicking
// subscriber is logged and skipped; it never stops delivery to the rest or
// propagates to the publisher.
func (b *Bus) Publish(msg Message) {
	topic := msg.MessageTopic()

	b.mu.RLock()
	list := make([]subscription, len(b.subs[topic]))
	copy(list, b.subs[topic])
	b.mu.RUnlock()

	for _, s := range list {
		b.deliver(topic, s, msg)
	}
}

func (b *Bus) deliver(topic Topic, s subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			observ.IncCounter("bus_handler_panics_total", map[string]string{"topic": string(topic)})
			observ.Log("bus_handler_panic", map[string]any{
				"topic": string(topic),
				"panic": r,
			})
		}
	}()
	s.fn(msg)
}

// SubscriberCount reports current subscribers for a topic, for status display.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
