package indexengine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jhuckaby/pixl-server-unbase/internal/expr"
	"github.com/jhuckaby/pixl-server-unbase/schema"
)

// ErrUnknownSorter/ErrUnknownField are wrapped into the caller's
// ErrInvalidQuery / ErrInvalidSchema by the parent package; this package
// only needs to signal the failure, not name the parent sentinel.
var (
	ErrUnknownSorter = errors.New("indexengine: unknown sorter")
	ErrUnknownField  = errors.New("indexengine: unknown field")
	ErrNotMasterList = errors.New("indexengine: field is not a master_list field")
)

// indexState holds the live inverted-index state for one index id. All
// fields are guarded by mu.
type indexState struct {
	mu sync.RWMutex

	// postings[fieldID][term] = set of record ids containing that term.
	postings map[string]map[string]map[string]bool

	// values[recordID][fieldID] = raw extracted field value, used by
	// SearchSingle's touch-free predicate check and by reindex diffing.
	values map[string]map[string]interface{}

	// sorters[recordID][sorterID] = computed sort value.
	sorters map[string]map[string]interface{}

	// masterList[fieldID][canonicalValue] = record count, maintained only
	// for fields with MasterList set.
	masterList map[string]map[string]int

	// ordinal[recordID] is the insertion order, used as the stable
	// tie-break for every sort.
	ordinal map[string]int64

	nextOrdinal int64
}

func newIndexState() *indexState {
	return &indexState{
		postings:   make(map[string]map[string]map[string]bool),
		values:     make(map[string]map[string]interface{}),
		sorters:    make(map[string]map[string]interface{}),
		masterList: make(map[string]map[string]int),
		ordinal:    make(map[string]int64),
	}
}

type engine struct {
	mu      sync.Mutex
	indexes map[string]*indexState
	eval    *expr.Evaluator
}

// New returns an Engine backed by an in-memory inverted index, with a CEL
// evaluator wired in for "=<cel-expr>" computed field/sorter sources.
func New() (Engine, error) {
	ev, err := expr.New()
	if err != nil {
		return nil, fmt.Errorf("indexengine: %w", err)
	}
	return &engine{indexes: make(map[string]*indexState), eval: ev}, nil
}

func (e *engine) stateFor(indexID string) *indexState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.indexes[indexID]
	if !ok {
		st = newIndexState()
		e.indexes[indexID] = st
	}
	return st
}

func (e *engine) DropIndex(indexID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.indexes, indexID)
}

// extractValue resolves a field/sorter Source against the record: a CEL
// expression if it starts with "=", otherwise a JSON-pointer-ish path
// ("/a/b" or "a.b"); "_id" resolves to the record's own id.
func (e *engine) extractValue(source, id string, record map[string]interface{}) (interface{}, error) {
	if source == "_id" {
		return id, nil
	}
	if expr.IsComputed(source) {
		return e.eval.Eval(source, id, record)
	}
	return extractPath(source, record), nil
}

func extractPath(source string, record map[string]interface{}) interface{} {
	if source == "" {
		return nil
	}
	path := strings.TrimPrefix(source, "/")
	var parts []string
	if strings.Contains(path, "/") {
		parts = strings.Split(path, "/")
	} else {
		parts = strings.Split(path, ".")
	}
	var cur interface{} = record
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		v, ok := m[part]
		if !ok {
			return nil
		}
		cur = v
	}
	return cur
}

func (st *indexState) removePostingsForField(id, fieldID string) {
	terms, ok := st.postings[fieldID]
	if !ok {
		return
	}
	for term, ids := range terms {
		if ids[id] {
			delete(ids, id)
			if len(ids) == 0 {
				delete(terms, term)
			}
		}
	}
}

func (st *indexState) removeMasterListForField(fieldID string, value interface{}, had bool) {
	if !had {
		return
	}
	counts, ok := st.masterList[fieldID]
	if !ok {
		return
	}
	key := canonicalValue(value)
	if n, ok := counts[key]; ok {
		if n <= 1 {
			delete(counts, key)
		} else {
			counts[key] = n - 1
		}
	}
}

func (st *indexState) addPosting(fieldID, term, id string) {
	terms, ok := st.postings[fieldID]
	if !ok {
		terms = make(map[string]map[string]bool)
		st.postings[fieldID] = terms
	}
	ids, ok := terms[term]
	if !ok {
		ids = make(map[string]bool)
		terms[term] = ids
	}
	ids[id] = true
}

func (st *indexState) addMasterListEntry(fieldID string, value interface{}) {
	counts, ok := st.masterList[fieldID]
	if !ok {
		counts = make(map[string]int)
		st.masterList[fieldID] = counts
	}
	counts[canonicalValue(value)]++
}

// IndexRecord extracts every non-deleted field/sorter of s from record,
// replacing whatever was previously indexed for id under those fields;
// stored values of fields that s does not list are kept, while the record's
// sorter values are replaced as a whole. Fields marked Delete are scrubbed
// (postings and master-list entries removed) and not re-added, matching the
// two-pass reindex sequencing used by admin field/sorter removal.
func (e *engine) IndexRecord(id string, record map[string]interface{}, s *schema.Schema) (State, error) {
	st := e.stateFor(s.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	oldValues, existed := st.values[id]
	newRecord := !existed

	changed := make(map[string]bool)
	// Start from the previous values so fields absent from s keep theirs.
	newValues := make(map[string]interface{}, len(oldValues)+len(s.Fields))
	for fid, v := range oldValues {
		newValues[fid] = v
	}

	for _, f := range s.Fields {
		oldVal, hadOld := oldValues[f.ID]
		st.removePostingsForField(id, f.ID)
		if f.MasterList && hadOld {
			st.removeMasterListForField(f.ID, oldVal, true)
		}

		if f.Delete {
			delete(newValues, f.ID)
			continue
		}

		val, err := e.extractValue(f.Source, id, record)
		if err != nil {
			return State{}, fmt.Errorf("indexengine: field %q: %w", f.ID, err)
		}
		if val == nil && f.DefaultValue != nil {
			val = f.DefaultValue
		}
		newValues[f.ID] = val

		if !hadOld || !valuesEqual(oldVal, val) {
			changed[f.ID] = true
		}

		for _, term := range fieldTerms(val, f, s.RemoveWords) {
			st.addPosting(f.ID, term, id)
		}
		if f.MasterList {
			st.addMasterListEntry(f.ID, val)
		}
	}
	st.values[id] = newValues

	newSorters := make(map[string]interface{}, len(s.Sorters))
	for _, so := range s.Sorters {
		if so.Delete {
			continue
		}
		val, err := e.extractValue(so.Source, id, record)
		if err != nil {
			return State{}, fmt.Errorf("indexengine: sorter %q: %w", so.ID, err)
		}
		newSorters[so.ID] = val
	}
	st.sorters[id] = newSorters

	if newRecord {
		st.ordinal[id] = st.nextOrdinal
		st.nextOrdinal++
	}

	return State{
		ID:        id,
		IdxData:   IdxData{Values: newValues, Sorters: newSorters},
		NewRecord: newRecord,
		Changed:   changed,
		Ordinal:   st.ordinal[id],
	}, nil
}

// UnindexRecord removes every posting, master-list entry, and sorter value
// belonging to id, returning the idx_data it had just before removal.
func (e *engine) UnindexRecord(id string, s *schema.Schema) (State, error) {
	st := e.stateFor(s.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	oldValues := st.values[id]
	oldSorters := st.sorters[id]

	for _, f := range s.Fields {
		if oldVal, had := oldValues[f.ID]; had {
			st.removePostingsForField(id, f.ID)
			if f.MasterList {
				st.removeMasterListForField(f.ID, oldVal, true)
			}
		}
	}
	delete(st.values, id)
	delete(st.sorters, id)
	delete(st.ordinal, id)

	return State{
		ID:      id,
		IdxData: IdxData{Values: oldValues, Sorters: oldSorters},
	}, nil
}

func fieldTerms(val interface{}, f schema.Field, removeWords []string) []string {
	if val == nil {
		return nil
	}
	str := toDisplayString(val)
	if f.Filter != "" {
		str = applyFilter(str, f.Filter)
	}
	if f.Type == "number" || f.Type == "date" {
		return []string{canonicalValue(val)}
	}
	return tokenize(str, f, removeWords)
}

func valuesEqual(a, b interface{}) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// SearchRecords evaluates query against every record currently indexed
// under s, returning a score per matching record id. Scoring is a simple
// count of satisfied leaf clauses, floored at 1 for any match.
func (e *engine) SearchRecords(query string, s *schema.Schema) (map[string]float64, error) {
	st := e.stateFor(s.ID)
	st.mu.RLock()
	defer st.mu.RUnlock()

	node, err := parseQuery(query)
	if err != nil {
		return nil, err
	}

	results := make(map[string]float64)
	for id := range st.values {
		matched := 0
		has := func(field, term string) bool {
			if recordHasTerm(st, id, field, term) {
				matched++
				return true
			}
			return false
		}
		if node.eval(has) {
			if matched == 0 {
				matched = 1
			}
			results[id] = float64(matched)
		}
	}
	return results, nil
}

func recordHasTerm(st *indexState, id, field, term string) bool {
	if field == "" {
		for _, terms := range st.postings {
			if ids, ok := terms[term]; ok && ids[id] {
				return true
			}
		}
		return false
	}
	terms, ok := st.postings[field]
	if !ok {
		return false
	}
	ids, ok := terms[term]
	return ok && ids[id]
}

// SearchSingle evaluates query against one record's already-extracted
// idx_data without consulting the inverted index, per the engine's
// predicate-style single-record contract.
func (e *engine) SearchSingle(query string, id string, idxData IdxData, s *schema.Schema) (bool, error) {
	node, err := parseQuery(query)
	if err != nil {
		return false, err
	}

	has := func(field, term string) bool {
		if field == "" {
			for fid, v := range idxData.Values {
				f, _ := s.FieldByID(fid)
				if valueHasTerm(v, f, term, s.RemoveWords) {
					return true
				}
			}
			return false
		}
		v, ok := idxData.Values[field]
		if !ok {
			return false
		}
		f, _ := s.FieldByID(field)
		return valueHasTerm(v, f, term, s.RemoveWords)
	}
	return node.eval(has), nil
}

func valueHasTerm(v interface{}, f schema.Field, term string, removeWords []string) bool {
	if v == nil {
		return false
	}
	if f.Type == "number" || f.Type == "date" {
		return canonicalValue(v) == term
	}
	needle := term
	if f.UseStemmer {
		needle = stem(needle)
	}
	for _, t := range fieldTerms(v, f, removeWords) {
		if t == needle {
			return true
		}
	}
	return false
}

// SortRecords materializes a stable sort order over results. sortBy=="" or
// "_id" sorts by record id; sortBy=="_score" sorts by the relevance score
// already present in results; otherwise sortBy must name a sorter.
func (e *engine) SortRecords(results map[string]float64, sortBy string, sortDir int, s *schema.Schema) ([]SortPair, error) {
	st := e.stateFor(s.ID)
	st.mu.RLock()
	defer st.mu.RUnlock()

	if sortDir == 0 {
		sortDir = 1
	}

	pairs := make([]SortPair, 0, len(results))
	var sorterType string
	var sorter schema.Sorter
	var haveSorter bool

	switch sortBy {
	case "", "_id":
		for id := range results {
			pairs = append(pairs, SortPair{ID: id, Value: id, Ordinal: st.ordinal[id]})
		}
	case "_score":
		for id, score := range results {
			pairs = append(pairs, SortPair{ID: id, Value: score, Ordinal: st.ordinal[id]})
		}
		sorterType = "number"
	default:
		sorter, haveSorter = s.SorterByID(sortBy)
		if !haveSorter {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSorter, sortBy)
		}
		sorterType = sorter.Type
		for id := range results {
			pairs = append(pairs, SortPair{ID: id, Value: st.sorters[id][sortBy], Ordinal: st.ordinal[id]})
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		c := sortTypeCompare(pairs[i].Value, pairs[j].Value, sorterType) * sortDir
		if c != 0 {
			return c < 0
		}
		return pairs[i].Ordinal < pairs[j].Ordinal
	})

	return pairs, nil
}

// GetFieldSummary returns the value histogram for a master_list field.
func (e *engine) GetFieldSummary(fieldID string, s *schema.Schema) (map[string]int, error) {
	f, ok := s.FieldByID(fieldID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, fieldID)
	}
	if !f.MasterList {
		return nil, fmt.Errorf("%w: %q", ErrNotMasterList, fieldID)
	}

	st := e.stateFor(s.ID)
	st.mu.RLock()
	defer st.mu.RUnlock()

	counts, ok := st.masterList[fieldID]
	if !ok {
		return map[string]int{}, nil
	}
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out, nil
}
