package relay

import (
	"context"
	"sync"
)

// MemoryRelay is an in-process Relay for tests and single-node
// development. Delivery is synchronous and duplicate suppression matches
// the Redis implementation.
type MemoryRelay struct {
	mu   sync.RWMutex
	subs map[string][]*memorySub
}

type memorySub struct {
	event   string
	handler Handler
	seen    *dedupe

	mu   sync.Mutex
	gone bool
}

// alive reports whether the subscription still accepts delivery. A
// Publish may hold a slice copy taken before Dispose removed the sub.
func (s *memorySub) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.gone
}

func (s *memorySub) stop() {
	s.mu.Lock()
	s.gone = true
	s.mu.Unlock()
}

// NewMemoryRelay creates an empty in-process relay
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[string][]*memorySub)}
}

func (m *MemoryRelay) Publish(_ context.Context, topic, event string, env Envelope) error {
	env.Event = event

	m.mu.RLock()
	subs := append([]*memorySub(nil), m.subs[topic]...)
	m.mu.RUnlock()

	for _, sub := range subs {
		if !sub.alive() || (sub.event != "" && sub.event != event) {
			continue
		}
		if sub.seen.observed(env.ID) {
			continue
		}
		sub.handler(env)
	}
	return nil
}

func (m *MemoryRelay) Subscribe(_ context.Context, topic, event string, handler Handler) (*Subscription, error) {
	sub := &memorySub{event: event, handler: handler, seen: newDedupe(seenLimit)}

	m.mu.Lock()
	m.subs[topic] = append(m.subs[topic], sub)
	m.mu.Unlock()

	return NewSubscription(topic, event, func() {
		sub.stop()
		m.mu.Lock()
		defer m.mu.Unlock()
		kept := m.subs[topic][:0]
		for _, s := range m.subs[topic] {
			if s != sub {
				kept = append(kept, s)
			}
		}
		m.subs[topic] = kept
	}), nil
}

// SubscriberCount reports live subscriptions on a topic. Test helper.
func (m *MemoryRelay) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[topic])
}
