package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemChannel is an in-process Channel. It mirrors the broker's observable
// behavior, including delivering publishes back to the publisher's own
// subscriptions, so code written against it behaves identically on NATS.
type MemChannel struct {
	mu     sync.Mutex
	nextID int
	subs   map[uuid.UUID]map[int]Handler
}

var _ Channel = (*MemChannel)(nil)

func NewMemChannel() *MemChannel {
	return &MemChannel{subs: make(map[uuid.UUID]map[int]Handler)}
}

// Publish round-trips ev through the wire codec and delivers it to every
// subscription on the session, synchronously.
func (c *MemChannel) Publish(ctx context.Context, sessionID uuid.UUID, ev Event) error {
	data, err := Marshal(ev)
	if err != nil {
		return err
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[sessionID]))
	for _, h := range c.subs[sessionID] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(decoded)
	}
	return nil
}

func (c *MemChannel) Subscribe(sessionID uuid.UUID, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[sessionID] == nil {
		c.subs[sessionID] = make(map[int]Handler)
	}
	id := c.nextID
	c.nextID++
	c.subs[sessionID][id] = h
	return &memSubscription{c: c, sessionID: sessionID, id: id}, nil
}

type memSubscription struct {
	once      sync.Once
	c         *MemChannel
	sessionID uuid.UUID
	id        int
}

func (s *memSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.c.mu.Lock()
		defer s.c.mu.Unlock()
		delete(s.c.subs[s.sessionID], s.id)
	})
	return nil
}
