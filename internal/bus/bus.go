// Package bus implements the internal publish/subscribe bus that links
// HTTP/socket ingress to agent workers. It is in-process, in-memory, and
// makes no ordering guarantee across topics — only within one topic's
// subscriber list, delivered synchronously in registration order.
package bus

import (
	"sync"

	"github.com/wiremesh/chatcore/core"
)

// Topic names the bus carries. Every component that publishes or
// subscribes references one of these constants rather than a literal
// string.
type Topic string

const (
	TopicNewMessage         Topic = "new_message"
	TopicMessageStreamChunk Topic = "message_stream_chunk"
	TopicMessageStreamError Topic = "message_stream_error"
	TopicServerAgentUpdate  Topic = "server_agent_update"
	TopicMessageDeleted     Topic = "message_deleted"
	TopicChannelCleared     Topic = "channel_cleared"
)

// handler is the type-erased form every subscription is stored as;
// Subscribe[T] wraps a typed callback in one of these.
type handler func(payload interface{})

// Bus is the module's in-process event bus. Zero value is not usable;
// construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]handler

	logger core.Logger
}

// New constructs an empty Bus. logger may be nil.
func New(logger core.Logger) *Bus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Bus{subs: make(map[Topic][]handler), logger: logger}
}

// Subscribe registers a typed handler on topic. Subscriptions accumulate
// for the lifetime of the Bus; there is no Unsubscribe because every
// subscriber in this module (agent connector, socket router) lives for
// the process's lifetime and is torn down with the whole Bus.
func Subscribe[T any](b *Bus, topic Topic, fn func(payload T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], func(payload interface{}) {
		typed, ok := payload.(T)
		if !ok {
			b.logger.Error("bus: subscriber type mismatch", map[string]interface{}{
				"topic": string(topic),
			})
			return
		}
		fn(typed)
	})
}

// Publish delivers payload synchronously to every subscriber currently
// registered on topic, in registration order. A subscriber that panics
// or whose handler is otherwise broken must never prevent delivery to
// the subscribers after it — this is the single invariant the rest of
// the module depends on the bus to uphold.
func Publish[T any](b *Bus, topic Topic, payload T) {
	b.mu.RLock()
	subs := make([]handler, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	for _, h := range subs {
		b.safeInvoke(topic, h, payload)
	}
}

func (b *Bus) safeInvoke(topic Topic, h handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: subscriber panicked", map[string]interface{}{
				"topic": string(topic),
				"panic": r,
			})
		}
	}()
	h(payload)
}

// SubscriberCount reports how many handlers are registered on topic,
// for tests and health reporting.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
