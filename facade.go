package unbase

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/panjf2000/ants/v2"

	"github.com/jhuckaby/pixl-server-unbase/internal/indexengine"
	"github.com/jhuckaby/pixl-server-unbase/internal/job"
	"github.com/jhuckaby/pixl-server-unbase/internal/store"
	"github.com/jhuckaby/pixl-server-unbase/view"
)

// Database is the public facade: a thin surface over the Mutator, admin
// lifecycle operations, and the live-query ViewManager.
type Database struct {
	opts *Options

	store   store.Store
	engine  indexengine.Engine
	jobs    *job.Manager
	views   *view.Manager
	pool    *ants.Pool
	mutator *mutator
	admin   *admin

	closed bool
}

// Open creates (or reopens) a Database rooted at opts.BasePath. Reopening
// reloads the index catalog from the persisted hash.
func Open(opts *Options) (*Database, error) {
	opts = opts.withDefaults()

	st, err := store.NewFSStore(opts.BasePath, opts.ViewQueueSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	engine, err := indexengine.New()
	if err != nil {
		st.Close()
		return nil, err
	}

	registry, err := newIndexRegistry(st)
	if err != nil {
		st.Close()
		return nil, err
	}

	pool, err := ants.NewPool(opts.AdminConcurrency)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: building admin pool: %v", ErrStorage, err)
	}

	jobs := job.New(opts.Logger)
	views := view.NewManager(engine, st, st, func(index, id string) string { return recordKey(index, id) })

	m := &mutator{store: st, engine: engine, registry: registry, views: views, logger: opts.Logger}

	db := &Database{
		opts:    opts,
		store:   st,
		engine:  engine,
		jobs:    jobs,
		views:   views,
		pool:    pool,
		mutator: m,
		admin:   &admin{mutator: m, jobs: jobs, views: views, pool: pool, logger: opts.Logger},
	}
	return db, nil
}

func (db *Database) checkOpen() error {
	if db.closed {
		return ErrClosed
	}
	return nil
}

// --- Admin ---

func (db *Database) CreateIndex(s *Schema) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.admin.createIndex(s)
}

func (db *Database) GetIndex(id string) (*Schema, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.admin.getIndex(id)
}

func (db *Database) UpdateIndex(index string, removeWords []string, recordSchema string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.admin.updateIndex(index, removeWords, recordSchema)
}

func (db *Database) DeleteIndex(index string) (string, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	return db.admin.deleteIndex(index)
}

func (db *Database) Reindex(index string, fieldIDs []string) (string, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	return db.admin.reindex(index, fieldIDs)
}

func (db *Database) AddField(index string, f Field) (string, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	return db.admin.addField(index, f)
}

func (db *Database) UpdateField(index string, f Field) (string, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	return db.admin.updateField(index, f)
}

func (db *Database) DeleteField(index, fieldID string) (string, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	return db.admin.deleteField(index, fieldID)
}

func (db *Database) AddSorter(index string, s Sorter) (string, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	return db.admin.addSorter(index, s)
}

func (db *Database) UpdateSorter(index string, s Sorter) (string, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	return db.admin.updateSorter(index, s)
}

func (db *Database) DeleteSorter(index, sorterID string) (string, error) {
	if err := db.checkOpen(); err != nil {
		return "", err
	}
	return db.admin.deleteSorter(index, sorterID)
}

// --- Records ---

func (db *Database) Insert(index, id string, record map[string]interface{}) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.mutator.insert(index, id, record)
}

func (db *Database) Update(index, id string, patch map[string]interface{}) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.mutator.update(index, id, patch)
}

// TransformUpdate is the caller-supplied-transform variant of Update.
func (db *Database) TransformUpdate(index, id string, fn func(current map[string]interface{}) (map[string]interface{}, error)) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.mutator.transformUpdate(index, id, fn)
}

func (db *Database) Delete(index, id string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.mutator.delete(index, id)
}

func (db *Database) Get(index, id string) (map[string]interface{}, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.mutator.get(index, id)
}

// GetMulti is the id-list form of Get, skipping ids that don't exist.
func (db *Database) GetMulti(index string, ids []string) (map[string]map[string]interface{}, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[string]map[string]interface{}, len(ids))
	for _, id := range ids {
		rec, err := db.mutator.get(index, id)
		if err != nil {
			if errIsNotFound(err) {
				continue
			}
			return nil, err
		}
		out[id] = rec
	}
	return out, nil
}

func errIsNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), ErrNotFound.Error())
}

// BulkRecord is one entry of a BulkInsert call.
type BulkRecord struct {
	ID   string
	Data map[string]interface{}
}

// BulkInsert inserts every record, aborting at the first failure; already
// inserted records are not rolled back.
func (db *Database) BulkInsert(index string, records []BulkRecord) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("%w: bulk record missing id", ErrInvalidUpdate)
		}
		if err := db.mutator.insert(index, r.ID, r.Data); err != nil {
			return err
		}
	}
	return nil
}

// BulkUpdate applies patch to every id, aborting at the first failure.
func (db *Database) BulkUpdate(index string, ids []string, patch map[string]interface{}) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := db.mutator.update(index, id, patch); err != nil {
			return err
		}
	}
	return nil
}

// BulkDelete deletes every id, aborting at the first failure.
func (db *Database) BulkDelete(index string, ids []string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := db.mutator.delete(index, id); err != nil {
			return err
		}
	}
	return nil
}

// --- Search ---

// SearchOpts carries the optional pagination/sort parameters to Search.
type SearchOpts struct {
	Offset   int
	Limit    int // 0 means unlimited
	SortBy   string
	SortDir  int // -1 or +1; 0 defaults to +1
	SortType string
}

// SearchResult is returned by Search: either a record page or (for a
// #summary query) a value histogram.
type SearchResult struct {
	Records []map[string]interface{}
	Total   int
	Summary map[string]int
}

// Search runs query against index and paginates the result, or (for a
// "#summary:field" query) returns the field's value histogram.
func (db *Database) Search(index, query string, opts SearchOpts) (SearchResult, error) {
	if err := db.checkOpen(); err != nil {
		return SearchResult{}, err
	}
	s, err := db.admin.getIndex(index)
	if err != nil {
		return SearchResult{}, err
	}

	if fieldID, ok := indexengine.ParseSummaryField(query); ok {
		values, err := db.engine.GetFieldSummary(fieldID, s)
		if err != nil {
			return SearchResult{}, err
		}
		return SearchResult{Summary: values}, nil
	}

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = "_id"
	}
	sortDir := opts.SortDir
	if sortDir == 0 {
		sortDir = 1
	}

	hits, err := db.engine.SearchRecords(query, s)
	if err != nil {
		return SearchResult{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	var ids []string
	if sortBy == "_id" {
		ids = sortIDsLocally(hits, opts.SortType, sortDir)
	} else {
		pairs, err := db.engine.SortRecords(hits, sortBy, sortDir, s)
		if err != nil {
			return SearchResult{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		ids = make([]string, len(pairs))
		for i, p := range pairs {
			ids[i] = p.ID
		}
	}

	total := len(ids)
	page := paginate(ids, opts.Offset, opts.Limit)

	keys := make([]string, len(page))
	for i, id := range page {
		keys[i] = recordKey(index, id)
	}
	bodies, err := db.store.GetMulti(keys)
	if err != nil {
		return SearchResult{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	records := make([]map[string]interface{}, 0, len(page))
	for i, id := range page {
		raw, ok := bodies[keys[i]]
		if !ok {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}

	return SearchResult{Records: records, Total: total}, nil
}

func sortIDsLocally(hits map[string]float64, sortType string, sortDir int) []string {
	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		var c int
		if sortType == "number" {
			ni, erri := strconv.ParseFloat(ids[i], 64)
			nj, errj := strconv.ParseFloat(ids[j], 64)
			if erri == nil && errj == nil {
				switch {
				case ni < nj:
					c = -1
				case ni > nj:
					c = 1
				}
			} else {
				c = strings.Compare(ids[i], ids[j])
			}
		} else {
			c = strings.Compare(ids[i], ids[j])
		}
		return c*sortDir < 0
	})
	return ids
}

func paginate(ids []string, offset, limit int) []string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(ids) {
		return nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return ids[offset:end]
}

// Subscribe parses and validates the query synchronously (raising an error
// immediately for a bad query or missing index), then returns a Subscriber
// bound to the shared View for (index, query, sort_by, sort_dir).
func (db *Database) Subscribe(index, query string, opts SearchOpts) (*view.Subscriber, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	s, err := db.admin.getIndex(index)
	if err != nil {
		return nil, err
	}

	if fieldID, ok := indexengine.ParseSummaryField(query); ok {
		return db.views.SubscribeSummary(index, fieldID, s)
	}

	if _, err := db.engine.SearchRecords(query, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = "_id"
	}
	sortDir := opts.SortDir
	if sortDir == 0 {
		sortDir = 1
	}
	return db.views.Subscribe(index, query, sortBy, sortDir, opts.Offset, opts.Limit, opts.SortType, s)
}

// --- Ops ---

// Stats is returned by GetStats: a snapshot of storage and job activity.
type Stats struct {
	Indexes    []string
	ActiveJobs int
}

func (db *Database) GetStats() Stats {
	return Stats{Indexes: db.mutator.registry.list(), ActiveJobs: db.jobs.Count()}
}

func (db *Database) WaitForAllJobs() {
	db.jobs.WaitForAll()
}

// Shutdown destroys every live view, waits for in-flight jobs, and releases
// storage resources.
func (db *Database) Shutdown() error {
	if db.closed {
		return nil
	}
	db.closed = true
	db.views.DestroyAll()
	db.jobs.WaitForAll()
	db.pool.Release()
	return db.store.Close()
}
