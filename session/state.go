package session

import (
	"maps"
	"slices"
	"sync"
)

// User is the identity returned by the "me" endpoint.
type User struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	Username  string   `json:"username"`
	Roles     []string `json:"roles,omitempty"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
}

// SessionState is the read-only view of the session offered to UIs.
type SessionState struct {
	IsAuthenticated bool
	IsLoading       bool
	LastError       string
	User            *User
}

// State derives SessionState from the token store and the known user.
// IsAuthenticated holds only while a pair is stored and a user is known.
type State struct {
	mu        sync.Mutex
	hasTokens bool
	user      *User
	loading   bool
	lastError string

	subs    map[int]func(SessionState)
	nextSub int
}

// NewState returns a State in its initial loading state.
func NewState() *State {
	return &State{
		loading: true,
		subs:    make(map[int]func(SessionState)),
	}
}

// Snapshot returns the current state.
func (s *State) Snapshot() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() SessionState {
	st := SessionState{
		IsAuthenticated: s.hasTokens && s.user != nil,
		IsLoading:       s.loading,
		LastError:       s.lastError,
	}
	if s.user != nil {
		u := *s.user
		u.Roles = slices.Clone(s.user.Roles)
		st.User = &u
	}
	return st
}

// Subscribe registers fn to receive every new state. The returned func unregisters it.
func (s *State) Subscribe(fn func(SessionState)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// update applies mutate under the lock and publishes the result.
func (s *State) update(mutate func()) {
	s.mu.Lock()
	mutate()
	st := s.snapshotLocked()
	ids := slices.Sorted(maps.Keys(s.subs))
	fns := make([]func(SessionState), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// TokensChanged is wired to Store.Subscribe.
func (s *State) TokensChanged(pair *TokenPair) {
	s.update(func() {
		s.hasTokens = pair != nil && pair.AccessToken != ""
	})
}

// SetUser records the authenticated user and ends loading.
func (s *State) SetUser(u *User) {
	s.update(func() {
		s.user = u
		s.loading = false
		s.lastError = ""
	})
}

func (s *State) SetLoading(loading bool) {
	s.update(func() { s.loading = loading })
}

// SetError records msg and ends loading.
func (s *State) SetError(msg string) {
	s.update(func() {
		s.lastError = msg
		s.loading = false
	})
}

func (s *State) ClearError() {
	s.update(func() { s.lastError = "" })
}

// Reset tears the state down to logged-out. lastError is kept so a UI can
// explain why the session ended; pass "" on a voluntary logout.
func (s *State) Reset(lastError string) {
	s.update(func() {
		s.hasTokens = false
		s.user = nil
		s.loading = false
		s.lastError = lastError
	})
}
