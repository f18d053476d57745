package realtime

import (
	"context"
	"sync"
)

const memoryBuffer = 64

// MemoryTransport is an in-process Transport. Reconnect simulates a dropped
// connection so invalidation after reconnect can be exercised without a
// broker.
type MemoryTransport struct {
	mu   sync.Mutex
	subs map[string][]*memorySubscription
}

// NewMemoryTransport creates an empty transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string][]*memorySubscription)}
}

type memorySubscription struct {
	transport *MemoryTransport
	entity    string
	ops       []Operation
	ch        chan Notification
	once      sync.Once
}

func (s *memorySubscription) Notifications() <-chan Notification { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.transport.remove(s)
		close(s.ch)
	})
	return nil
}

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(ctx context.Context, entity string, ops ...Operation) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		transport: t,
		entity:    entity,
		ops:       append([]Operation(nil), ops...),
		ch:        make(chan Notification, memoryBuffer),
	}

	t.mu.Lock()
	t.subs[entity] = append(t.subs[entity], sub)
	t.mu.Unlock()
	return sub, nil
}

func (t *MemoryTransport) remove(sub *memorySubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subs[sub.entity]
	for i, s := range subs {
		if s == sub {
			t.subs[sub.entity] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(t.subs[sub.entity]) == 0 {
		delete(t.subs, sub.entity)
	}
}

// Publish implements Publisher.
func (t *MemoryTransport) Publish(ctx context.Context, event ChangeEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subs[event.Entity] {
		if !event.Matches(sub.ops) {
			continue
		}
		select {
		case sub.ch <- Notification{Kind: KindEvent, Event: event}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Reconnect reports a disconnect followed by a reconnect to every
// subscription of entity. Events published in between are not replayed. When
// a buffer is full the oldest pending notifications are dropped to make room,
// since the reconnect invalidates the whole entity anyway.
func (t *MemoryTransport) Reconnect(entity string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subs[entity] {
		sub.offer(Notification{Kind: KindDisconnected})
		sub.offer(Notification{Kind: KindReconnected})
	}
}

// offer sends n without blocking. Callers hold the transport lock, so the
// channel cannot be closed underneath.
func (s *memorySubscription) offer(n Notification) {
	for {
		select {
		case s.ch <- n:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Subscribers returns the open subscriptions for entity.
func (t *MemoryTransport) Subscribers(entity string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[entity])
}

var (
	_ Transport = (*MemoryTransport)(nil)
	_ Publisher = (*MemoryTransport)(nil)
)
