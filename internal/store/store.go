// Package store holds the authoritative id to record mapping. The queue and
// lease table reference items only by id; payload content lives here alone.
package store

import "github.com/webqx/triage-engine/models"

// Store is the sole container of item records. Not safe for concurrent use;
// the engine serializes all access.
type Store struct {
	items map[string]*models.Item
}

func New() *Store {
	return &Store{items: make(map[string]*models.Item)}
}

func (s *Store) Len() int { return len(s.items) }

func (s *Store) Get(id string) (*models.Item, bool) {
	it, ok := s.items[id]
	return it, ok
}

func (s *Store) Contains(id string) bool {
	_, ok := s.items[id]
	return ok
}

// Put records an item. Overwriting an existing id is a caller bug guarded at
// the admission boundary.
func (s *Store) Put(it *models.Item) {
	s.items[it.ID] = it
}

// Delete removes a record. Only garbage collection removes items.
func (s *Store) Delete(id string) bool {
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	return true
}

// Each visits every record in unspecified order; return false to stop.
// Callers must not add or delete records during iteration.
func (s *Store) Each(fn func(*models.Item) bool) {
	for _, it := range s.items {
		if !fn(it) {
			return
		}
	}
}

// CountByState tallies records per lifecycle state.
func (s *Store) CountByState() map[models.State]int {
	counts := make(map[models.State]int, 4)
	for _, it := range s.items {
		counts[it.State]++
	}
	return counts
}
