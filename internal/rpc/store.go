// Package rpc implements the symmetric peer-to-peer message protocol the
// broker routes between plugins: tagged value envelopes, per-plugin
// reference stores for callables crossing the wire, promise pairing, and
// the per-peer state machine.
package rpc

import (
	"sync"

	"github.com/hivegate/hivegate/internal/errors"
)

// Callable is a local function that can be sent across the wire and
// invoked by the remote side.
type Callable func(args []any) (any, error)

// ReferenceStore maps short numeric ids to live local callables passed
// across the wire. Ids are dense and recycled on release.
//
// Two kinds of entries exist:
//   - one-shot callbacks (Put/PutPair): fetched at most once
//   - pinned references (Pin): fetched many times, freed by Release
//
// The store is touched by both the peer's reader and the event loop, so
// every operation serialises on the mutex.
type ReferenceStore struct {
	mu     sync.Mutex
	items  map[int]*entry
	free   []int
	next   int
	closed bool
}

type entry struct {
	fn     Callable
	pinned bool
	pair   int // id of the paired entry, -1 if none
}

// NewReferenceStore creates an empty store.
func NewReferenceStore() *ReferenceStore {
	return &ReferenceStore{items: make(map[int]*entry)}
}

func (s *ReferenceStore) allocate() int {
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		return id
	}
	id := s.next
	s.next++
	return id
}

func (s *ReferenceStore) release(id int) {
	delete(s.items, id)
	s.free = append(s.free, id)
}

// Put stores a one-shot callback and returns its id.
func (s *ReferenceStore) Put(fn Callable) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.allocate()
	s.items[id] = &entry{fn: fn, pair: -1}
	return id
}

// PutPair stores two linked one-shot callbacks (a resolve/reject pair).
// Fetching either one releases both.
func (s *ReferenceStore) PutPair(first, second Callable) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.allocate()
	b := s.allocate()
	s.items[a] = &entry{fn: first, pair: b}
	s.items[b] = &entry{fn: second, pair: a}
	return a, b
}

// Pin stores a long-lived reference that survives fetches until released.
func (s *ReferenceStore) Pin(fn Callable) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.allocate()
	s.items[id] = &entry{fn: fn, pinned: true, pair: -1}
	return id
}

// Fetch returns the callable stored under id. One-shot entries are removed
// together with their pair; a second fetch fails.
func (s *ReferenceStore) Fetch(id int) (Callable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.items[id]
	if !ok {
		return nil, errors.BadRequest("callback can only be called once")
	}
	if !ent.pinned {
		s.release(id)
		if ent.pair >= 0 {
			if _, ok := s.items[ent.pair]; ok {
				s.release(ent.pair)
			}
		}
	}
	return ent.fn, nil
}

// Release frees a pinned reference. Used by providers to dispose
// long-lived interface references (e.g. after an HTTP mount call).
func (s *ReferenceStore) Release(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	s.release(id)
	return true
}

// Len returns the number of live entries.
func (s *ReferenceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close drops every entry. Further fetches fail.
func (s *ReferenceStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[int]*entry)
	s.free = nil
	s.next = 0
	s.closed = true
}
