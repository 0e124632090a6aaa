package ws

import (
	"encoding/json"
	"sync"
)

// Handler receives the raw payload of an inbound event.
// connect and disconnect handlers receive nil.
type Handler func(data json.RawMessage)

type listener struct {
	id uint64
	fn Handler
}

// Listeners is a registry of event handlers. Handlers of the same event
// run in registration order.
type Listeners struct {
	mu      sync.RWMutex
	nextID  uint64
	byEvent map[string][]listener
}

func NewListeners() *Listeners {
	return &Listeners{
		byEvent: make(map[string][]listener),
	}
}

// On registers fn for event. The returned subscription removes exactly
// this registration and nothing else.
func (l *Listeners) On(event string, fn Handler) *Subscription {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.byEvent[event] = append(l.byEvent[event], listener{id: id, fn: fn})
	l.mu.Unlock()

	return &Subscription{
		event:   event,
		release: func() { l.remove(event, id) },
	}
}

// Off is the same as sub.Release().
func (l *Listeners) Off(sub *Subscription) {
	sub.Release()
}

func (l *Listeners) remove(event string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.byEvent[event]
	// Copy on write: Dispatch may be iterating over the old slice.
	kept := make([]listener, 0, len(current))
	for _, ln := range current {
		if ln.id != id {
			kept = append(kept, ln)
		}
	}
	if len(kept) == 0 {
		delete(l.byEvent, event)
		return
	}
	l.byEvent[event] = kept
}

// Dispatch calls every handler registered for event and returns how many ran.
func (l *Listeners) Dispatch(event string, data json.RawMessage) int {
	l.mu.RLock()
	handlers := l.byEvent[event]
	l.mu.RUnlock()

	for _, ln := range handlers {
		ln.fn(data)
	}
	return len(handlers)
}

// Count returns the number of handlers registered for event.
func (l *Listeners) Count(event string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byEvent[event])
}

// Subscription is a single handler registration.
type Subscription struct {
	event   string
	once    sync.Once
	release func()
}

func (s *Subscription) Event() string {
	return s.event
}

// Release unregisters the handler. Safe to call more than once.
func (s *Subscription) Release() {
	if s == nil || s.release == nil {
		return
	}
	s.once.Do(s.release)
}

// Scope collects the subscriptions of one owner so they can be
// released together on teardown.
type Scope struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (s *Scope) Add(sub *Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// Release releases every collected subscription. The scope is empty afterwards
// and may be reused.
func (s *Scope) Release() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Release()
	}
}

func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
