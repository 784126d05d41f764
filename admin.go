package unbase

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/jhuckaby/pixl-server-unbase/internal/job"
	"github.com/jhuckaby/pixl-server-unbase/internal/store"
	"github.com/jhuckaby/pixl-server-unbase/schema"
	"github.com/jhuckaby/pixl-server-unbase/view"
)

// admin implements the index/field/sorter lifecycle operations. All
// mutating calls share the same busy-gate/job/pager/reindex-loop shape.
type admin struct {
	mutator *mutator
	jobs    *job.Manager
	views   *view.Manager
	pool    *ants.Pool
	logger  *zap.Logger
}

// createIndex installs a brand-new schema; rejects if index already exists.
func (a *admin) createIndex(s *schema.Schema) error {
	if a.mutator.registry.has(s.ID) {
		return fmt.Errorf("%w: index %q", ErrAlreadyExists, s.ID)
	}
	return a.mutator.registry.put(s)
}

func (a *admin) getIndex(id string) (*schema.Schema, error) {
	s, ok := a.mutator.registry.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: index %q", ErrNotFound, id)
	}
	return s, nil
}

// gate enforces steps 1-2 of the admin contract: index must exist, and no
// job may already be running against it.
func (a *admin) gate(index string) (*schema.Schema, error) {
	s, ok := a.mutator.registry.get(index)
	if !ok {
		return nil, fmt.Errorf("%w: index %q", ErrNotFound, index)
	}
	if a.jobs.CountFor(index) > 0 {
		return nil, fmt.Errorf("%w: index %q", ErrBusy, index)
	}
	return s, nil
}

// allIDs snapshots the record id set for index via a single pager pass over
// the id hash (a pass, not held across the whole reindex, since the hash
// pager only share-locks while it loads its snapshot).
func (a *admin) allIDs(index string) ([]string, error) {
	var ids []string
	err := a.mutator.store.HashEachPage(idsHashKey(index), 256, func(p store.Page) bool {
		for id := range p.Items {
			ids = append(ids, id)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return ids, nil
}

// reindexPass runs IndexRecord for every id in index against s across a
// bounded goroutine pool, reporting progress from loPct to hiPct. It aborts
// at the first per-record error (already-processed records are not rolled
// back, per the admin op's non-transactional contract).
func (a *admin) reindexPass(j *job.Job, index string, s *schema.Schema, ids []string, loPct, hiPct float64) error {
	if len(ids) == 0 {
		a.jobs.Update(j.ID, hiPct)
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	var done int

	total := len(ids)
	for _, id := range ids {
		id := id
		wg.Add(1)
		work := func() {
			defer wg.Done()
			raw, err := a.mutator.store.Get(recordKey(index, id))
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: fetching %s/%s: %v", ErrStorage, index, id, err)
				}
				mu.Unlock()
				return
			}
			record, err := decodeRecord(raw)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			if _, err := a.mutator.engine.IndexRecord(id, record, s); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: %v", ErrStorage, err)
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			done++
			a.jobs.Update(j.ID, loPct+(hiPct-loPct)*float64(done)/float64(total))
			mu.Unlock()
		}
		if err := a.pool.Submit(work); err != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %v", ErrStorage, err)
			}
			mu.Unlock()
		}
	}
	wg.Wait()

	return firstErr
}

// runAdminJob wraps the gate -> job-create -> work -> job-finish sequence
// shared by every mutating admin op. work receives the created job so it
// can report progress.
func (a *admin) runAdminJob(index, title string, work func(j *job.Job) error) (string, error) {
	if _, err := a.gate(index); err != nil {
		return "", err
	}
	j := a.jobs.Create(index, title)
	go func() {
		defer a.jobs.Finish(j.ID)
		if err := work(j); err != nil {
			a.logger.Error("admin job failed", zap.String("job_id", j.ID), zap.String("index", index), zap.Error(err))
		}
	}()
	return j.ID, nil
}

// reindex re-derives the inverted index for a subset of fields (or all
// fields when fieldIDs is empty) without changing the schema.
func (a *admin) reindex(index string, fieldIDs []string) (string, error) {
	s, err := a.gate(index)
	if err != nil {
		return "", err
	}
	return a.runAdminJob(index, "reindex", func(j *job.Job) error {
		ids, err := a.allIDs(index)
		if err != nil {
			return err
		}

		// target carries only the fields being reindexed: IndexEngine.IndexRecord
		// only touches fields present in the schema it's given, so narrowing the
		// field list here is what leaves untargeted fields' postings untouched.
		target := s.Clone()
		if len(fieldIDs) > 0 {
			want := make(map[string]bool, len(fieldIDs))
			for _, id := range fieldIDs {
				want[id] = true
			}
			filtered := target.Fields[:0]
			for _, f := range target.Fields {
				if want[f.ID] {
					filtered = append(filtered, f)
				}
			}
			target.Fields = filtered
		}

		scrub := target.Clone()
		for i := range scrub.Fields {
			scrub.Fields[i].Delete = true
		}
		if err := a.reindexPass(j, index, scrub, ids, 0, 0.5); err != nil {
			return err
		}

		return a.reindexPass(j, index, target, ids, 0.5, 1.0)
	})
}

// addField persists the schema with the new field, then indexes once.
func (a *admin) addField(index string, f schema.Field) (string, error) {
	s, err := a.gate(index)
	if err != nil {
		return "", err
	}
	for _, existing := range s.Fields {
		if existing.ID == f.ID {
			return "", fmt.Errorf("%w: field %q", ErrAlreadyExists, f.ID)
		}
	}
	s.Fields = append(s.Fields, f)
	if err := s.Validate(); err != nil {
		return "", err
	}
	if err := a.mutator.registry.put(s); err != nil {
		return "", err
	}
	return a.runAdminJob(index, "addField:"+f.ID, func(j *job.Job) error {
		ids, err := a.allIDs(index)
		if err != nil {
			return err
		}
		return a.reindexPass(j, index, s, ids, 0, 1.0)
	})
}

// updateField runs the two-pass scrub-then-reindex sequence: old definition
// marked delete=true (progress 0->0.5), then the new definition in place
// (0.5->1.0), then persists the schema.
func (a *admin) updateField(index string, f schema.Field) (string, error) {
	s, err := a.gate(index)
	if err != nil {
		return "", err
	}
	idx := -1
	for i, existing := range s.Fields {
		if existing.ID == f.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("%w: field %q", ErrNotFound, f.ID)
	}

	scrub := s.Clone()
	scrub.Fields[idx].Delete = true

	updated := s.Clone()
	updated.Fields[idx] = f
	if err := updated.Validate(); err != nil {
		return "", err
	}

	return a.runAdminJob(index, "updateField:"+f.ID, func(j *job.Job) error {
		ids, err := a.allIDs(index)
		if err != nil {
			return err
		}
		if err := a.reindexPass(j, index, scrub, ids, 0, 0.5); err != nil {
			return err
		}
		if err := a.reindexPass(j, index, updated, ids, 0.5, 1.0); err != nil {
			return err
		}
		return a.mutator.registry.put(updated)
	})
}

// deleteField scrubs the field from the inverted index for every record,
// then removes its definition from the schema.
func (a *admin) deleteField(index, fieldID string) (string, error) {
	s, err := a.gate(index)
	if err != nil {
		return "", err
	}
	idx := -1
	for i, f := range s.Fields {
		if f.ID == fieldID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("%w: field %q", ErrNotFound, fieldID)
	}

	scrub := s.Clone()
	scrub.Fields[idx].Delete = true

	return a.runAdminJob(index, "deleteField:"+fieldID, func(j *job.Job) error {
		ids, err := a.allIDs(index)
		if err != nil {
			return err
		}
		if err := a.reindexPass(j, index, scrub, ids, 0, 1.0); err != nil {
			return err
		}
		final := s.Clone()
		final.Fields = append(final.Fields[:idx], final.Fields[idx+1:]...)
		return a.mutator.registry.put(final)
	})
}

func (a *admin) addSorter(index string, so schema.Sorter) (string, error) {
	s, err := a.gate(index)
	if err != nil {
		return "", err
	}
	for _, existing := range s.Sorters {
		if existing.ID == so.ID {
			return "", fmt.Errorf("%w: sorter %q", ErrAlreadyExists, so.ID)
		}
	}
	s.Sorters = append(s.Sorters, so)
	if err := s.Validate(); err != nil {
		return "", err
	}
	if err := a.mutator.registry.put(s); err != nil {
		return "", err
	}
	return a.runAdminJob(index, "addSorter:"+so.ID, func(j *job.Job) error {
		ids, err := a.allIDs(index)
		if err != nil {
			return err
		}
		return a.reindexPass(j, index, s, ids, 0, 1.0)
	})
}

func (a *admin) updateSorter(index string, so schema.Sorter) (string, error) {
	s, err := a.gate(index)
	if err != nil {
		return "", err
	}
	idx := -1
	for i, existing := range s.Sorters {
		if existing.ID == so.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("%w: sorter %q", ErrNotFound, so.ID)
	}

	scrub := s.Clone()
	scrub.Sorters[idx].Delete = true

	updated := s.Clone()
	updated.Sorters[idx] = so
	if err := updated.Validate(); err != nil {
		return "", err
	}

	return a.runAdminJob(index, "updateSorter:"+so.ID, func(j *job.Job) error {
		ids, err := a.allIDs(index)
		if err != nil {
			return err
		}
		if err := a.reindexPass(j, index, scrub, ids, 0, 0.5); err != nil {
			return err
		}
		if err := a.reindexPass(j, index, updated, ids, 0.5, 1.0); err != nil {
			return err
		}
		return a.mutator.registry.put(updated)
	})
}

func (a *admin) deleteSorter(index, sorterID string) (string, error) {
	s, err := a.gate(index)
	if err != nil {
		return "", err
	}
	idx := -1
	for i, so := range s.Sorters {
		if so.ID == sorterID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("%w: sorter %q", ErrNotFound, sorterID)
	}

	scrub := s.Clone()
	scrub.Sorters[idx].Delete = true

	return a.runAdminJob(index, "deleteSorter:"+sorterID, func(j *job.Job) error {
		ids, err := a.allIDs(index)
		if err != nil {
			return err
		}
		if err := a.reindexPass(j, index, scrub, ids, 0, 1.0); err != nil {
			return err
		}
		final := s.Clone()
		final.Sorters = append(final.Sorters[:idx], final.Sorters[idx+1:]...)
		return a.mutator.registry.put(final)
	})
}

// updateIndex mutates schema-level properties other than fields/sorters,
// which must go through add/update/deleteField and add/update/deleteSorter
// instead.
func (a *admin) updateIndex(index string, removeWords []string, recordSchema string) error {
	s, err := a.gate(index)
	if err != nil {
		return err
	}
	updated := s.Clone()
	updated.RemoveWords = removeWords
	updated.RecordSchema = recordSchema
	if err := updated.Validate(); err != nil {
		return err
	}
	return a.mutator.registry.put(updated)
}

// deleteIndex destroys every view registered for the index, then deletes
// every record body and id-hash entry, drops the engine's in-memory state,
// and removes the schema. It stops at the first storage error; records
// already deleted by then are not restored.
func (a *admin) deleteIndex(index string) (string, error) {
	if _, err := a.gate(index); err != nil {
		return "", err
	}
	return a.runAdminJob(index, "deleteIndex", func(j *job.Job) error {
		a.views.DestroyIndex(index)
		ids, err := a.allIDs(index)
		if err != nil {
			return err
		}
		total := float64(len(ids))
		for i, id := range ids {
			if err := a.mutator.store.Delete(recordKey(index, id)); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			if err := a.mutator.store.HashDelete(idsHashKey(index), id); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			if total > 0 {
				a.jobs.Update(j.ID, float64(i+1)/total)
			}
		}
		a.mutator.engine.DropIndex(index)
		return a.mutator.registry.remove(index)
	})
}
