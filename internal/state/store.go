package state

import "sync"

// Listener observes every snapshot produced by Dispatch. Listeners run
// one at a time in dispatch order and must not call Dispatch themselves.
type Listener func(Snapshot)

// Store owns the current Snapshot. Dispatch serializes actions so each one
// is applied atomically.
type Store struct {
	mu        sync.RWMutex
	notify    sync.Mutex // held while listeners run; taken before mu is released
	state     Snapshot
	listeners map[int]Listener
	nextID    int
}

func NewStore(initial Snapshot) *Store {
	return &Store{
		state:     initial,
		listeners: make(map[int]Listener),
	}
}

// Dispatch applies a and notifies listeners with the new snapshot.
func (s *Store) Dispatch(a Action) Snapshot {
	s.mu.Lock()
	s.state = Reduce(s.state, a)
	next := s.state
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.notify.Lock()
	s.mu.Unlock()
	defer s.notify.Unlock()

	for _, l := range listeners {
		l(next)
	}
	return next
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
