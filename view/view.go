package view

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jhuckaby/pixl-server-unbase/internal/indexengine"
	"github.com/jhuckaby/pixl-server-unbase/schema"
)

// Page is the materialized result a Subscriber receives: its visible slice
// of records plus the view's total size.
type Page struct {
	Records []map[string]interface{}
	Total   int
}

// View holds the full sorted result set for one canonical
// (index, query, sort_by, sort_dir) key and incrementally updates it from
// write-path change states.
type View struct {
	mu sync.Mutex

	indexID  string
	searchID string
	query    string
	sortBy   string
	sortDir  int
	sortType string
	schema   *schema.Schema

	engine indexengine.Engine
	store  RecordFetcher
	keyFn  func(id string) string

	results   map[string]int // id -> position in sortPairs
	sortPairs []indexengine.SortPair

	subs      map[string]*Subscriber
	destroyed bool

	onEmpty func() // called once the last subscriber leaves
}

// New runs the initial search for (query, sortBy, sortDir) and returns a
// ready View, or an error if the query/sort failed. sortType disambiguates
// the "_id"/"" sort (where the schema carries no type of its own) between
// numeric and lexical id ordering, established once by the subscriber that
// creates the view; a named sorter's type always comes from the schema
// instead, regardless of what's passed here.
func New(indexID, searchID, query, sortBy string, sortDir int, sortType string, s *schema.Schema, engine indexengine.Engine, store RecordFetcher, keyFn func(id string) string) (*View, error) {
	v := &View{
		indexID:  indexID,
		searchID: searchID,
		query:    query,
		sortBy:   sortBy,
		sortDir:  sortDir,
		schema:   s,
		engine:   engine,
		store:    store,
		keyFn:    keyFn,
		results:  make(map[string]int),
		subs:     make(map[string]*Subscriber),
	}
	if so, ok := s.SorterByID(sortBy); ok {
		v.sortType = so.Type
	} else {
		v.sortType = sortType
	}

	hits, err := engine.SearchRecords(query, s)
	if err != nil {
		return nil, fmt.Errorf("view: initial search: %w", err)
	}
	pairs, err := engine.SortRecords(hits, sortBy, sortDir, s)
	if err != nil {
		return nil, fmt.Errorf("view: initial sort: %w", err)
	}
	v.sortPairs = pairs
	for i, p := range pairs {
		v.results[p.ID] = i
	}
	// engine.SortRecords always treats "_id" as a lexical value; re-sort
	// locally so a numeric sort_type matches what Search/sortIDsLocally
	// would produce for the same query.
	v.resort()
	return v, nil
}

// OnEmpty registers the callback invoked once the subscriber set drops to
// zero (the ViewManager uses it to deregister the view).
func (v *View) OnEmpty(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onEmpty = fn
}

// Subscribe attaches a new Subscriber with the given window.
func (v *View) Subscribe(id string, offset, limit int) *Subscriber {
	v.mu.Lock()
	sub := newSubscriber(id, offset, limit)
	sub.onChangeOptions = func(int, int) { v.refreshOne(sub) }
	sub.onUnsubscribe = func() { v.removeSubscriber(sub) }
	v.subs[id] = sub
	v.mu.Unlock()
	v.refreshOne(sub)
	return sub
}

func (v *View) removeSubscriber(s *Subscriber) {
	v.mu.Lock()
	delete(v.subs, s.ID)
	empty := len(v.subs) == 0
	onEmpty := v.onEmpty
	v.mu.Unlock()
	if empty && onEmpty != nil {
		onEmpty()
	}
}

// SubscriberCount returns the number of attached subscribers.
func (v *View) SubscriberCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

// Destroy broadcasts destroy to every subscriber and marks the view dead.
// Triggered when the last subscriber leaves, the index is deleted, or at
// shutdown.
func (v *View) Destroy() {
	v.mu.Lock()
	v.destroyed = true
	subs := make([]*Subscriber, 0, len(v.subs))
	for _, s := range v.subs {
		subs = append(subs, s)
	}
	v.mu.Unlock()
	for _, s := range subs {
		s.emit("destroy", nil)
	}
}

func (v *View) resort() {
	dir := v.sortDir
	if dir == 0 {
		dir = 1
	}
	sort.SliceStable(v.sortPairs, func(i, j int) bool {
		c := indexengine.CompareSortValues(v.sortPairs[i].Value, v.sortPairs[j].Value, v.sortType) * dir
		if c != 0 {
			return c < 0
		}
		return v.sortPairs[i].Ordinal < v.sortPairs[j].Ordinal
	})
	for i, p := range v.sortPairs {
		v.results[p.ID] = i
	}
}

// Update applies one write-path change state to the view, following the
// add/remove/sort-changed/sort-unchanged branches, then notifies the
// appropriately-scoped set of subscribers.
func (v *View) Update(state ChangeState) {
	v.mu.Lock()

	if state.Action == "delete" {
		pos, had := v.results[state.ID]
		if !had {
			v.mu.Unlock()
			return
		}
		v.spliceOut(pos)
		v.mu.Unlock()
		v.notifyAll()
		return
	}

	_, oldHit := v.results[state.ID]
	newHit, err := v.engine.SearchSingle(v.query, state.ID, state.IdxData, v.schema)
	if err != nil {
		v.mu.Unlock()
		v.broadcastError(err)
		return
	}

	switch {
	case !oldHit && newHit:
		v.sortPairs = append(v.sortPairs, indexengine.SortPair{
			ID:      state.ID,
			Value:   v.sortValueFor(state),
			Ordinal: state.Ordinal,
		})
		v.resort()
		v.mu.Unlock()
		v.notifyAll()

	case oldHit && !newHit:
		pos := v.results[state.ID]
		v.spliceOut(pos)
		v.mu.Unlock()
		v.notifyAll()

	case oldHit && newHit && v.sortBy != "_id":
		pos := v.results[state.ID]
		newVal := v.sortValueFor(state)
		oldVal := v.sortPairs[pos].Value
		if fmt.Sprint(oldVal) != fmt.Sprint(newVal) {
			v.sortPairs[pos].Value = newVal
			v.resort()
			v.mu.Unlock()
			v.notifyAll()
		} else {
			v.mu.Unlock()
			v.notifyVisible(pos)
		}

	case oldHit && newHit: // sortBy == "_id": sort value can't change
		pos := v.results[state.ID]
		v.mu.Unlock()
		v.notifyVisible(pos)

	default: // !oldHit && !newHit
		v.mu.Unlock()
	}
}

func (v *View) sortValueFor(state ChangeState) interface{} {
	if v.sortBy == "_id" || v.sortBy == "" {
		return state.ID
	}
	return state.IdxData.Sorters[v.sortBy]
}

// spliceOut removes the entry at pos from sortPairs/results and shifts
// positions of everything after it. Caller holds v.mu.
func (v *View) spliceOut(pos int) {
	id := v.sortPairs[pos].ID
	v.sortPairs = append(v.sortPairs[:pos], v.sortPairs[pos+1:]...)
	delete(v.results, id)
	for i := pos; i < len(v.sortPairs); i++ {
		v.results[v.sortPairs[i].ID] = i
	}
}

func (v *View) broadcastError(err error) {
	v.mu.Lock()
	subs := v.snapshotSubs()
	v.mu.Unlock()
	for _, s := range subs {
		s.emit("error", err)
	}
}

func (v *View) snapshotSubs() []*Subscriber {
	out := make([]*Subscriber, 0, len(v.subs))
	for _, s := range v.subs {
		out = append(out, s)
	}
	return out
}

// notifyAll recomputes and pushes a page to every subscriber, batch-loading
// the union of record bodies referenced by their visible windows via a
// single RecordStore.getMulti.
func (v *View) notifyAll() {
	v.mu.Lock()
	subs := v.snapshotSubs()
	total := len(v.sortPairs)
	windows := make(map[string][]string, len(subs))
	keySet := make(map[string]bool)
	for _, s := range subs {
		ids := v.windowIDs(s.Offset, s.Limit)
		windows[s.ID] = ids
		for _, id := range ids {
			keySet[v.keyFn(id)] = true
		}
	}
	v.mu.Unlock()

	bodies := v.fetchBodies(keySet)
	for _, s := range subs {
		v.deliver(s, windows[s.ID], bodies, total)
	}
}

// notifyVisible notifies only subscribers whose visible window includes
// pos.
func (v *View) notifyVisible(pos int) {
	v.mu.Lock()
	var subs []*Subscriber
	total := len(v.sortPairs)
	windows := make(map[string][]string)
	keySet := make(map[string]bool)
	for _, s := range v.subs {
		if pos >= s.Offset && (s.Limit <= 0 || pos < s.Offset+s.Limit) {
			subs = append(subs, s)
			ids := v.windowIDs(s.Offset, s.Limit)
			windows[s.ID] = ids
			for _, id := range ids {
				keySet[v.keyFn(id)] = true
			}
		}
	}
	v.mu.Unlock()

	bodies := v.fetchBodies(keySet)
	for _, s := range subs {
		v.deliver(s, windows[s.ID], bodies, total)
	}
}

// refreshOne notifies a single subscriber, used on initial subscribe and on
// ChangeOptions (a local recomputation, no IndexEngine call).
func (v *View) refreshOne(s *Subscriber) {
	v.mu.Lock()
	total := len(v.sortPairs)
	ids := v.windowIDs(s.Offset, s.Limit)
	keySet := make(map[string]bool, len(ids))
	for _, id := range ids {
		keySet[v.keyFn(id)] = true
	}
	v.mu.Unlock()

	bodies := v.fetchBodies(keySet)
	v.deliver(s, ids, bodies, total)
}

// windowIDs returns the ids in sortPairs[offset : min(offset+limit, len)].
// Caller holds v.mu.
func (v *View) windowIDs(offset, limit int) []string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(v.sortPairs) {
		return nil
	}
	end := len(v.sortPairs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	ids := make([]string, 0, end-offset)
	for _, p := range v.sortPairs[offset:end] {
		ids = append(ids, p.ID)
	}
	return ids
}

func (v *View) fetchBodies(keySet map[string]bool) map[string][]byte {
	if len(keySet) == 0 {
		return nil
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	bodies, err := v.store.GetMulti(keys)
	if err != nil {
		return nil
	}
	return bodies
}

func (v *View) deliver(s *Subscriber, ids []string, bodies map[string][]byte, total int) {
	records := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		raw, ok := bodies[v.keyFn(id)]
		if !ok {
			continue
		}
		var rec map[string]interface{}
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	s.emit("change", Page{Records: records, Total: total})
}
