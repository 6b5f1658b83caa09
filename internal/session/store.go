package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a session ID is unknown to the store.
var ErrNotFound = errors.New("session: not found")

// ErrExists is returned by [Store.Create] when the ID is already registered.
var ErrExists = errors.New("session: already exists")

// Store is the registry of active call sessions — the only shared mutable
// structure in the engine. Each session is guarded by its own mutex, so
// mutations of different sessions proceed fully in parallel while mutations
// of the same session serialise.
//
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// entry pairs a session with its per-session mutation lock.
type entry struct {
	mu      sync.Mutex
	session *CallSession
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*entry)}
}

// Create registers a new session under id and returns a snapshot of it.
// The session starts in [StateGreeting]. Returns [ErrExists] when id is
// already registered.
func (st *Store) Create(id string, channel Channel, metadata map[string]string) (*CallSession, error) {
	if id == "" {
		return nil, fmt.Errorf("session: create: id must not be empty")
	}
	if !channel.IsValid() {
		return nil, fmt.Errorf("session: create %q: invalid channel %q", id, channel)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[id]; ok {
		return nil, fmt.Errorf("session: create %q: %w", id, ErrExists)
	}

	s := &CallSession{
		ID:        id,
		Channel:   channel,
		State:     StateGreeting,
		StartedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	st.sessions[id] = &entry{session: s}
	return s.Clone(), nil
}

// Get returns a read-only snapshot of the session registered under id,
// or [ErrNotFound].
func (st *Store) Get(id string) (*CallSession, error) {
	e, err := st.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// Mutate applies fn to the session registered under id with exclusive access
// to that single session. fn receives a working copy; the copy is committed
// only when fn returns nil, so a failing fn leaves the session at its
// pre-mutation state. The committed (or, on error, unchanged) snapshot is
// returned.
//
// Concurrent Mutate calls for the same id serialise in arrival order; calls
// for different ids never block each other.
func (st *Store) Mutate(id string, fn func(*CallSession) error) (*CallSession, error) {
	e, err := st.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.session.Clone()
	if err := fn(work); err != nil {
		return e.session.Clone(), err
	}
	e.session = work
	return work.Clone(), nil
}

// Remove evicts the session registered under id. Removing an unknown id
// returns [ErrNotFound].
func (st *Store) Remove(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[id]; !ok {
		return fmt.Errorf("session: remove %q: %w", id, ErrNotFound)
	}
	delete(st.sessions, id)
	return nil
}

// Len returns the number of registered sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// lookup finds the entry for id under the registry read lock.
func (st *Store) lookup(id string) (*entry, error) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session: %q: %w", id, ErrNotFound)
	}
	return e, nil
}
