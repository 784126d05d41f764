package view

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/jhuckaby/pixl-server-unbase/internal/indexengine"
	"github.com/jhuckaby/pixl-server-unbase/schema"
)

// entry is one de-duplicated View or SummaryView registered under a
// (index_id, search_id) key.
type entry struct {
	indexID string
	full    *View        // set for a normal query view
	summary *SummaryView // set for a #summary view
}

// Manager de-duplicates views by canonical search key and routes post-write
// change states to affected views via a serial background queue.
type Manager struct {
	mu      sync.Mutex
	byKey   map[string]*entry
	byIndex map[string]map[string]*entry

	engine indexengine.Engine
	store  RecordFetcher
	queue  Queue
	keyFn  KeyFunc
}

// NewManager wires a ViewManager to its IndexEngine, RecordStore (for
// bulk body fetches), single-consumer queue, and record-key function.
func NewManager(engine indexengine.Engine, store RecordFetcher, queue Queue, keyFn KeyFunc) *Manager {
	return &Manager{
		byKey:   make(map[string]*entry),
		byIndex: make(map[string]map[string]*entry),
		engine:  engine,
		store:   store,
		queue:   queue,
		keyFn:   keyFn,
	}
}

// ComputeSearchID hashes the canonical query/sort signature, per
// search_id = hash(query_signature | sort_by | sort_dir), where
// query_signature = hash(stable_json(parsed_query)).
func ComputeSearchID(query, sortBy string, sortDir int) string {
	sig, err := indexengine.QuerySignature(query)
	if err != nil {
		// The caller already validated query via a trial SearchRecords
		// call before reaching here; fall back to the raw string so a
		// view can still be keyed even if that invariant is ever broken.
		sig = query
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", hashString(sig), sortBy, sortDir)
	return fmt.Sprintf("%x", h.Sum64())
}

func hashString(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum64())
}

func cacheKey(indexID, searchID string) string {
	return indexID + "|" + searchID
}

// Subscribe parses nothing itself (the caller already validated the query
// via a trial SearchRecords call); it computes the canonical search id,
// reuses or creates the backing View, attaches a new Subscriber, and
// returns it synchronously. sortType only takes effect the first time it
// creates the View for this canonical key (it disambiguates "_id"/""
// ordering, since the schema carries no type of its own for those); later
// callers sharing the same (query, sort_by, sort_dir) reuse whatever
// sort_type the view was first created with.
func (m *Manager) Subscribe(indexID, query, sortBy string, sortDir, offset, limit int, sortType string, s *schema.Schema) (*Subscriber, error) {
	searchID := ComputeSearchID(query, sortBy, sortDir)
	key := cacheKey(indexID, searchID)

	m.mu.Lock()
	e, ok := m.byKey[key]
	if !ok {
		v, err := New(indexID, searchID, query, sortBy, sortDir, sortType, s, m.engine, m.store, func(id string) string { return m.keyFn(indexID, id) })
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		e = &entry{indexID: indexID, full: v}
		m.register(indexID, key, e)
		v.OnEmpty(func() { m.deregister(indexID, key) })
	}
	m.mu.Unlock()

	return e.full.Subscribe(uuid.NewString(), offset, limit), nil
}

// SubscribeSummary is the #summary:field shortcut: it dedups/creates a
// SummaryView instead of a full View. search_id = hash("#summary:" +
// field_id), per the SummaryView identity rule.
func (m *Manager) SubscribeSummary(indexID, fieldID string, s *schema.Schema) (*Subscriber, error) {
	searchID := hashString("#summary:" + fieldID)
	key := cacheKey(indexID, searchID)

	m.mu.Lock()
	e, ok := m.byKey[key]
	if !ok {
		sv, err := NewSummaryView(indexID, searchID, fieldID, s, m.engine)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		e = &entry{indexID: indexID, summary: sv}
		m.register(indexID, key, e)
		sv.OnEmpty(func() { m.deregister(indexID, key) })
	}
	m.mu.Unlock()

	return e.summary.Subscribe(uuid.NewString()), nil
}

func (m *Manager) register(indexID, key string, e *entry) {
	m.byKey[key] = e
	set, ok := m.byIndex[indexID]
	if !ok {
		set = make(map[string]*entry)
		m.byIndex[indexID] = set
	}
	set[key] = e
}

func (m *Manager) deregister(indexID, key string) {
	m.mu.Lock()
	delete(m.byKey, key)
	if set, ok := m.byIndex[indexID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(m.byIndex, indexID)
		}
	}
	m.mu.Unlock()
}

// Notify enqueues a task onto the single-consumer background queue that
// iterates every view registered for index and calls its Update, so the
// writer returns to its caller promptly and all view updates for a given
// write happen in order relative to other enqueued work.
func (m *Manager) Notify(indexID string, state ChangeState) {
	m.queue.Enqueue("view-update:"+indexID, func() {
		m.mu.Lock()
		set := m.byIndex[indexID]
		entries := make([]*entry, 0, len(set))
		for _, e := range set {
			entries = append(entries, e)
		}
		m.mu.Unlock()

		for _, e := range entries {
			if e.full != nil {
				e.full.Update(state)
			}
			if e.summary != nil {
				e.summary.Update(state)
			}
		}
	})
}

// DestroyIndex destroys every view registered for indexID, used by
// deleteIndex before it iterates records; ongoing subscribers receive a
// destroy event.
func (m *Manager) DestroyIndex(indexID string) {
	m.mu.Lock()
	set := m.byIndex[indexID]
	entries := make([]*entry, 0, len(set))
	for key, e := range set {
		entries = append(entries, e)
		delete(m.byKey, key)
	}
	delete(m.byIndex, indexID)
	m.mu.Unlock()

	for _, e := range entries {
		if e.full != nil {
			e.full.Destroy()
		}
		if e.summary != nil {
			e.summary.Destroy()
		}
	}
}

// DestroyAll destroys every view across every index, used at shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.byKey))
	for _, e := range m.byKey {
		entries = append(entries, e)
	}
	m.byKey = make(map[string]*entry)
	m.byIndex = make(map[string]map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		if e.full != nil {
			e.full.Destroy()
		}
		if e.summary != nil {
			e.summary.Destroy()
		}
	}
}
