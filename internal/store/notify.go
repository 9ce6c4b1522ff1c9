package store

import (
	"sync"

	"github.com/weft-sync/weft/internal/schema"
)

// Notification is emitted after every successful Append/Apply.
type Notification struct {
	// Record is the accepted change.
	Record *schema.ChangeRecord

	// Version is the entity version the change produced.
	Version int64
}

// subscribers fans change notifications out to registered channels.
// Slow subscribers drop notifications rather than blocking the store;
// consumers that need a complete view catch up through History.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscription
	closed bool
}

type subscription struct {
	ch       chan Notification
	entityID string // empty = all entities
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]subscription)}
}

// Subscribe returns a live stream of change notifications.
//
// entityID filters to a single entity; pass "" for all changes. The
// returned cancel function unregisters the subscriber and closes the
// channel. The stream is infinite until cancelled.
func (s *Store) Subscribe(entityID string) (<-chan Notification, func()) {
	return s.subs.add(entityID)
}

func (p *subscribers) add(entityID string) (<-chan Notification, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Notification, 64)
	if p.closed {
		close(ch)
		return ch, func() {}
	}

	id := p.nextID
	p.nextID++
	p.subs[id] = subscription{ch: ch, entityID: entityID}

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

func (p *subscribers) publish(n Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sub := range p.subs {
		if sub.entityID != "" && sub.entityID != n.Record.EntityID {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			// Subscriber is not keeping up; drop rather than block the
			// store's write path.
		}
	}
}

func (p *subscribers) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, sub := range p.subs {
		delete(p.subs, id)
		close(sub.ch)
	}
}
