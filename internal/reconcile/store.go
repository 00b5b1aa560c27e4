package reconcile

import (
	"context"
	"sync"
)

// Store serializes actions on one State and fans the result out to
// subscribers.
type Store struct {
	mu    sync.Mutex
	state State
	subs  map[chan State]struct{}
}

func NewStore(initial State) *Store {
	return &Store{state: initial.clone(), subs: map[chan State]struct{}{}}
}

// Dispatch applies a and returns the resulting state.
func (s *Store) Dispatch(a Action) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Reduce(s.state, a)
	for ch := range s.subs {
		offer(ch, s.state)
	}
	return s.state
}

// Apply is Dispatch that also reports whether the action took effect. The
// check and the transition happen under one lock.
func (s *Store) Apply(a Action) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := apply(s.state, a)
	if !ok {
		return s.state, false
	}
	s.state = next
	for ch := range s.subs {
		offer(ch, s.state)
	}
	return s.state, true
}

// State returns the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe delivers the latest state after every action until ctx is
// done. A slow subscriber only misses intermediate states.
func (s *Store) Subscribe(ctx context.Context) <-chan State {
	ch := make(chan State, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	offer(ch, s.state)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

func offer(ch chan State, st State) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}
