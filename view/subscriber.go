package view

import "sync"

// Subscriber is the client-facing handle bound to a View or SummaryView: it
// carries an offset/limit window (meaningless for a SummaryView) and emits
// change/error/destroy events.
type Subscriber struct {
	ID     string
	Offset int
	Limit  int

	mu        sync.Mutex
	listeners map[string][]func(interface{})

	onChangeOptions func(offset, limit int)
	onUnsubscribe   func()
}

func newSubscriber(id string, offset, limit int) *Subscriber {
	s := &Subscriber{
		ID:        id,
		Offset:    offset,
		Limit:     limit,
		listeners: make(map[string][]func(interface{})),
	}
	// An unhandled error must never crash the host process.
	s.On("error", func(interface{}) {})
	return s
}

// On attaches a listener for event ("change", "error", or "destroy").
func (s *Subscriber) On(event string, fn func(interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[event] = append(s.listeners[event], fn)
}

// emit delivers payload to every listener attached to event.
func (s *Subscriber) emit(event string, payload interface{}) {
	s.mu.Lock()
	fns := append([]func(interface{}){}, s.listeners[event]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

// ChangeOptions mutates the subscriber's window and triggers a local
// recomputation of its slice from the view's current sort_pairs; it never
// calls back into the IndexEngine. Sort parameters are immutable after
// subscribe. A no-op on a SummaryView subscriber, which has no window.
func (s *Subscriber) ChangeOptions(offset, limit int) {
	s.mu.Lock()
	s.Offset, s.Limit = offset, limit
	fn := s.onChangeOptions
	s.mu.Unlock()
	if fn != nil {
		fn(offset, limit)
	}
}

// Unsubscribe removes this subscriber from its view; if the view's
// subscriber set becomes empty, the view destroys itself.
func (s *Subscriber) Unsubscribe() {
	s.mu.Lock()
	fn := s.onUnsubscribe
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
