// Package auth resolves credentials to identities and tracks which identity
// a client is signed in as.
package auth

import (
	"sync"
)

// Identity is the opaque key that scopes a user's data.
type Identity struct {
	ID   string
	Name string
}

func (i Identity) IsZero() bool {
	return i.ID == ""
}

// Provider exposes the current identity and notifies on change.
type Provider interface {
	// Current returns the signed-in identity, if any.
	Current() (Identity, bool)
	// Watch calls fn after every change with the new identity. The
	// returned func stops notifications.
	Watch(fn func(id Identity, signedIn bool)) (cancel func())
}

// State is a Provider driven by explicit SignIn and SignOut calls.
type State struct {
	mu       sync.Mutex
	current  Identity
	watchers map[int]func(Identity, bool)
	nextID   int

	// Serialises notifications so watchers observe changes in order.
	notifyMu sync.Mutex
}

func NewState() *State {
	return &State{watchers: make(map[int]func(Identity, bool))}
}

func (s *State) Current() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, !s.current.IsZero()
}

// SignIn switches to id. Signing in as the current identity does nothing.
func (s *State) SignIn(id Identity) {
	s.set(id)
}

func (s *State) SignOut() {
	s.set(Identity{})
}

func (s *State) Watch(fn func(Identity, bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *State) set(id Identity) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.current == id {
		s.mu.Unlock()
		return
	}
	s.current = id
	watchers := make([]func(Identity, bool), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(id, !id.IsZero())
	}
}
