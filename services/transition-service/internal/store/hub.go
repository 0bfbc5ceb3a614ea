package store

import (
	"sync"
)

// Hub fans document events out to path subscribers. Store implementations
// embed it and call Publish after a change is durable.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*hubSub
}

type hubSub struct {
	hub      *Hub
	id       uint64
	path     Path
	onChange func(Event)
	once     sync.Once
}

func (h *Hub) Add(path Path, onChange func(Event)) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[uint64]*hubSub)
	}
	h.nextID++
	s := &hubSub{hub: h, id: h.nextID, path: path, onChange: onChange}
	h.subs[s.id] = s
	return s
}

// Publish invokes matching callbacks on the caller's goroutine, outside the
// hub lock so callbacks may subscribe or close.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	var matched []func(Event)
	for _, s := range h.subs {
		if s.path.Contains(ev.Path) {
			matched = append(matched, s.onChange)
		}
	}
	h.mu.RUnlock()

	for _, fn := range matched {
		fn(ev)
	}
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *hubSub) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
	})
	return nil
}
