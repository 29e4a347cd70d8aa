// ABOUTME: Generic in-memory record storage with named collections
// ABOUTME: Map-keyed-by-id lookup, insertion order preserved, offset pagination

package records

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record or collection does not exist.
var ErrNotFound = errors.New("record not found")

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Record is a schemaless stored object. The "id" field is managed by the
// store.
type Record map[string]any

// Page is one page of a collection listing.
type Page struct {
	Items []Record `json:"items"`
	Total int      `json:"total"`
	Page  int      `json:"page"`
	Limit int      `json:"limit"`
	Pages int      `json:"pages"`
}

type collection struct {
	byID  map[string]Record
	order []string
}

// Store holds named collections of records. Safe for concurrent use; all
// accessors return copies.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) collectionLocked(name string) *collection {
	col, ok := s.collections[name]
	if !ok {
		col = &collection{byID: make(map[string]Record)}
		s.collections[name] = col
	}
	return col
}

func copyRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// Create inserts a record into the named collection. A missing id is
// assigned; a colliding one is rejected.
func (s *Store) Create(name string, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyRecord(rec)
	id, _ := stored["id"].(string)
	if id == "" {
		id = uuid.New().String()
		stored["id"] = id
	}

	col := s.collectionLocked(name)
	if _, exists := col.byID[id]; exists {
		return nil, fmt.Errorf("record %s already exists in %s", id, name)
	}
	col.byID[id] = stored
	col.order = append(col.order, id)
	return copyRecord(stored), nil
}

// Get returns the record with the given id.
func (s *Store) Get(name, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[name]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := col.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Update replaces the record's fields, keeping its id and position.
func (s *Store) Update(name, id string, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[name]
	if !ok {
		return nil, ErrNotFound
	}
	if _, ok := col.byID[id]; !ok {
		return nil, ErrNotFound
	}

	stored := copyRecord(rec)
	stored["id"] = id
	col.byID[id] = stored
	return copyRecord(stored), nil
}

// Delete removes the record with the given id.
func (s *Store) Delete(name, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[name]
	if !ok {
		return ErrNotFound
	}
	if _, ok := col.byID[id]; !ok {
		return ErrNotFound
	}
	delete(col.byID, id)
	for i, existing := range col.order {
		if existing == id {
			col.order = append(col.order[:i], col.order[i+1:]...)
			break
		}
	}
	return nil
}

// List returns one page of the collection in insertion order. Page numbers
// start at 1; out-of-range pages return an empty item list with metadata.
func (s *Store) List(name string, page, limit int) Page {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Page{Items: []Record{}, Page: page, Limit: limit}
	col, ok := s.collections[name]
	if !ok {
		return out
	}

	out.Total = len(col.order)
	out.Pages = (out.Total + limit - 1) / limit

	start := (page - 1) * limit
	if start >= len(col.order) {
		return out
	}
	end := min(start+limit, len(col.order))
	for _, id := range col.order[start:end] {
		out.Items = append(out.Items, copyRecord(col.byID[id]))
	}
	return out
}
