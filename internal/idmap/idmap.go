// Package idmap implements the identity mapper: deterministic association of
// legacy Synapse identifiers to MAS identifiers. Identifiers are UUIDv7
// (time-ordered, lexicographically sortable). Stability across resumed runs
// comes from persisting every mapping alongside the data batch that first uses
// it, never from re-derivation: the in-memory cache is preloaded from the
// durable mapping table at startup, and newly allocated entries are flushed
// inside the same transaction as the rows that reference them.
package idmap

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Entry is one durable mapping row.
type Entry struct {
	EntityType string
	LegacyID   string
	MASID      uuid.UUID
}

func key(entityType, legacyID string) string {
	return entityType + "\x1f" + legacyID
}

// Mapper caches (entity type, legacy id) -> MAS id associations. Safe for
// concurrent use; reads dominate, allocation is serialized.
type Mapper struct {
	mu    sync.RWMutex
	ids   map[string]uuid.UUID
	newID func() (uuid.UUID, error)
}

// New creates an empty mapper allocating UUIDv7 identifiers.
func New() *Mapper {
	return &Mapper{
		ids:   make(map[string]uuid.UUID),
		newID: uuid.NewV7,
	}
}

// NewWithGenerator creates a mapper with a custom identifier generator.
// Used by tests that need predictable identifiers.
func NewWithGenerator(gen func() (uuid.UUID, error)) *Mapper {
	return &Mapper{
		ids:   make(map[string]uuid.UUID),
		newID: gen,
	}
}

// Preload seeds the cache from durable mapping rows.
func (m *Mapper) Preload(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.ids[key(e.EntityType, e.LegacyID)] = e.MASID
	}
}

// Lookup returns an existing mapping without allocating.
func (m *Mapper) Lookup(entityType, legacyID string) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.ids[key(entityType, legacyID)]
	return id, ok
}

// Len returns the number of cached mappings.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Session scopes pending (allocated but not yet durable) entries to one
// entity pipeline, so the pipeline's batch writer can flush exactly the
// mappings its own transforms created.
type Session struct {
	m       *Mapper
	mu      sync.Mutex
	pending []Entry
}

// Session opens an allocation session against the mapper.
func (m *Mapper) Session() *Session {
	return &Session{m: m}
}

// Resolve returns the mapping for the given legacy identifier, allocating a
// new identifier on first sight. Allocations are recorded as pending until
// the session's TakePending output is durably committed.
func (s *Session) Resolve(entityType, legacyID string) (uuid.UUID, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	k := key(entityType, legacyID)
	if id, ok := s.m.ids[k]; ok {
		return id, nil
	}

	id, err := s.m.newID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("allocating identifier for %s %s: %w", entityType, legacyID, err)
	}
	s.m.ids[k] = id

	s.mu.Lock()
	s.pending = append(s.pending, Entry{EntityType: entityType, LegacyID: legacyID, MASID: id})
	s.mu.Unlock()

	return id, nil
}

// Lookup returns an existing mapping without allocating. Absence signals a
// referential-integrity problem for child entities.
func (s *Session) Lookup(entityType, legacyID string) (uuid.UUID, bool) {
	return s.m.Lookup(entityType, legacyID)
}

// TakePending drains the entries allocated since the previous call. Commits
// are serialized per entity in checkpoint order, so every entry taken here
// becomes durable no later than the first row that references it.
func (s *Session) TakePending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}
