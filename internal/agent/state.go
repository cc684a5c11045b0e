// Package agent holds the worker-agent runtime: a generic run loop with
// event wakeup and poll fallback, per-agent idempotency state, and the
// two built-in workers (inference and validation).
package agent

import (
	"sync"
	"time"
)

// DefaultLockTTL bounds how long a named lock can be held before other
// instances may steal it.
const DefaultLockTTL = 300 * time.Second

// State is the per-agent idempotency store: sets of already-processed
// ids keyed by a logical name, plus named single-owner locks with TTL
// expiry. Durability is deliberately absent; duplicates are cheap.
type State struct {
	mu        sync.Mutex
	processed map[string]map[string]struct{}
	locks     map[string]lockEntry
	now       func() time.Time
}

type lockEntry struct {
	owner   string
	expires time.Time
}

// NewState returns an empty idempotency store.
func NewState() *State {
	return &State{
		processed: make(map[string]map[string]struct{}),
		locks:     make(map[string]lockEntry),
		now:       time.Now,
	}
}

// IsProcessed reports whether id was already marked under key.
func (s *State) IsProcessed(key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[key][id]
	return ok
}

// MarkProcessed records id under key.
func (s *State) MarkProcessed(key, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.processed[key]
	if !ok {
		set = make(map[string]struct{})
		s.processed[key] = set
	}
	set[id] = struct{}{}
}

// TryAcquire takes the named lock for owner with the given TTL.
// Reentrant for the current owner; expired locks are stolen.
func (s *State) TryAcquire(name, owner string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if entry, ok := s.locks[name]; ok && entry.owner != owner && now.Before(entry.expires) {
		return false
	}
	s.locks[name] = lockEntry{owner: owner, expires: now.Add(ttl)}
	return true
}

// Release drops the named lock if owner holds it.
func (s *State) Release(name, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.locks[name]; ok && entry.owner == owner {
		delete(s.locks, name)
	}
}
