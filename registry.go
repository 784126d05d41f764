package unbase

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jhuckaby/pixl-server-unbase/internal/store"
	"github.com/jhuckaby/pixl-server-unbase/schema"
)

// indexesHashKey is the single JSON hash holding every index's schema,
// mirroring the teacher's one-file-per-catalog MetadataManager.
const indexesHashKey = "indexes"

// indexRegistry is the in-memory catalog of index schemas, persisted as one
// hash under <base>/indexes. Reads are served from the in-memory copy;
// writes go through the Store hash so a restart can reload the catalog.
type indexRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*schema.Schema
	store   store.Store
}

func newIndexRegistry(st store.Store) (*indexRegistry, error) {
	r := &indexRegistry{schemas: make(map[string]*schema.Schema), store: st}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *indexRegistry) load() error {
	fields, err := r.store.HashGetAll(indexesHashKey)
	if err != nil {
		return fmt.Errorf("%w: loading index catalog: %v", ErrStorage, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, raw := range fields {
		var s schema.Schema
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: decoding schema %q: %v", ErrStorage, id, err)
		}
		if err := s.Validate(); err != nil {
			return err
		}
		r.schemas[id] = &s
	}
	return nil
}

// get returns a clone of the schema so admin callers can mutate it freely
// before calling put to persist the change.
func (r *indexRegistry) get(id string) (*schema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (r *indexRegistry) has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[id]
	return ok
}

func (r *indexRegistry) list() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		out = append(out, id)
	}
	return out
}

// put validates, persists, and installs s as the current schema for its id.
func (r *indexRegistry) put(s *schema.Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: encoding schema %q: %v", ErrStorage, s.ID, err)
	}
	if err := r.store.HashPut(indexesHashKey, s.ID, raw); err != nil {
		return fmt.Errorf("%w: persisting schema %q: %v", ErrStorage, s.ID, err)
	}
	r.mu.Lock()
	r.schemas[s.ID] = s.Clone()
	r.mu.Unlock()
	return nil
}

func (r *indexRegistry) remove(id string) error {
	if err := r.store.HashDelete(indexesHashKey, id); err != nil {
		return fmt.Errorf("%w: deleting schema %q: %v", ErrStorage, id, err)
	}
	r.mu.Lock()
	delete(r.schemas, id)
	r.mu.Unlock()
	return nil
}
