package unbase

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jhuckaby/pixl-server-unbase/internal/indexengine"
	"github.com/jhuckaby/pixl-server-unbase/internal/store"
	"github.com/jhuckaby/pixl-server-unbase/schema"
	"github.com/jhuckaby/pixl-server-unbase/view"
	"go.uber.org/zap"
)

// notifier is the subset of ViewManager the Mutator depends on, so tests can
// substitute a stub without standing up a full ViewManager.
type notifier interface {
	Notify(indexID string, state view.ChangeState)
}

// mutator orchestrates insert/update/delete: lock -> put/get -> (re)index ->
// notify ViewManager -> unlock -> callback, per the write-path contract.
type mutator struct {
	store    store.Store
	engine   indexengine.Engine
	registry *indexRegistry
	views    notifier
	logger   *zap.Logger
}

func recordKey(index, id string) string {
	return fmt.Sprintf("records/%s/%s", index, id)
}

// idsHashKey names the per-index hash of record ids that admin operations
// page over to snapshot the record set without walking the filesystem,
// per the persisted layout's "<base>/index/<id>/_id" id-enumeration hash.
func idsHashKey(index string) string {
	return fmt.Sprintf("index/%s/_id", index)
}

func (m *mutator) schemaFor(index string) (*schema.Schema, error) {
	s, ok := m.registry.get(index)
	if !ok {
		return nil, fmt.Errorf("%w: index %q", ErrNotFound, index)
	}
	return s, nil
}

// insert performs an unconditional write of record under id.
func (m *mutator) insert(index, id string, record map[string]interface{}) error {
	s, err := m.schemaFor(index)
	if err != nil {
		return err
	}
	if err := s.ValidateRecord(record); err != nil {
		return err
	}

	lockName := recordKey(index, id)
	m.store.Lock(lockName)
	defer m.store.Unlock(lockName)

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: encoding record %s/%s: %v", ErrStorage, index, id, err)
	}
	if err := m.store.Put(lockName, body); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := m.store.HashPut(idsHashKey(index), id, []byte("1")); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	st, err := m.engine.IndexRecord(id, record, s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	m.views.Notify(index, view.ChangeState{
		Action:    "insert",
		ID:        id,
		IdxData:   st.IdxData,
		NewRecord: st.NewRecord,
		Changed:   st.Changed,
		Ordinal:   st.Ordinal,
	})
	return nil
}

// updateFn is the caller-supplied transformation variant of update; it may
// return errAbortUpdate to cancel the write.
type updateFn func(current map[string]interface{}) (map[string]interface{}, error)

// errAbortUpdate is the sentinel an updateFn returns to abort a transform
// update; it maps to ErrAborted.
var errAbortUpdate = fmt.Errorf("unbase: abort update")

// AbortUpdate is the sentinel value a caller-supplied update transform
// returns (wrapped or bare) to cancel a transformUpdate call.
var AbortUpdate = errAbortUpdate

// decodeRecord unmarshals a record body, wrapping a decode failure as a
// storage error so callers can treat it uniformly with other storage
// failures.
func decodeRecord(raw []byte) (map[string]interface{}, error) {
	var record map[string]interface{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: decoding record: %v", ErrStorage, err)
	}
	return record, nil
}

func (m *mutator) get(index, id string) (map[string]interface{}, error) {
	raw, err := m.store.Get(recordKey(index, id))
	if err != nil {
		if err == store.ErrKeyNotFound {
			return nil, fmt.Errorf("%w: record %s/%s", ErrNotFound, index, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var record map[string]interface{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: decoding record %s/%s: %v", ErrStorage, index, id, err)
	}
	return record, nil
}

// update sparse-merges patch into the existing record under the same lock
// as the read, applying the sugared +N/-N and ±tag forms where applicable.
func (m *mutator) update(index, id string, patch map[string]interface{}) error {
	return m.transformUpdate(index, id, func(current map[string]interface{}) (map[string]interface{}, error) {
		return mergePatch(current, patch), nil
	})
}

// transformUpdate is the caller-supplied-transform variant: lock, fetch
// current, run fn, put new body, reindex, notify, unlock.
func (m *mutator) transformUpdate(index, id string, fn updateFn) error {
	s, err := m.schemaFor(index)
	if err != nil {
		return err
	}

	lockName := recordKey(index, id)
	m.store.Lock(lockName)
	defer m.store.Unlock(lockName)

	current, err := m.get(index, id)
	if err != nil {
		return err
	}

	updated, err := fn(current)
	if err != nil {
		if errors.Is(err, errAbortUpdate) {
			return fmt.Errorf("%w", ErrAborted)
		}
		return err
	}

	if err := s.ValidateRecord(updated); err != nil {
		return err
	}

	body, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("%w: encoding record %s/%s: %v", ErrStorage, index, id, err)
	}
	if err := m.store.Put(lockName, body); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	st, err := m.engine.IndexRecord(id, updated, s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	m.views.Notify(index, view.ChangeState{
		Action:    "insert",
		ID:        id,
		IdxData:   st.IdxData,
		NewRecord: st.NewRecord,
		Changed:   st.Changed,
		Ordinal:   st.Ordinal,
	})
	return nil
}

// delete removes the record and its index projections.
func (m *mutator) delete(index, id string) error {
	s, err := m.schemaFor(index)
	if err != nil {
		return err
	}

	lockName := recordKey(index, id)
	m.store.Lock(lockName)
	defer m.store.Unlock(lockName)

	st, err := m.engine.UnindexRecord(id, s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := m.store.Delete(lockName); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := m.store.HashDelete(idsHashKey(index), id); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	m.views.Notify(index, view.ChangeState{
		Action:  "delete",
		ID:      id,
		IdxData: st.IdxData,
	})
	return nil
}

// mergePatch applies patch's keys over current, interpreting the +N/-N and
// ±tag sugared string forms against the existing value, and replacing
// everything else outright.
func mergePatch(current, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(current)+len(patch))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range patch {
		str, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		if delta, ok := parseDelta(str); ok {
			out[k] = applyDelta(out[k], delta)
			continue
		}
		if isTagExpr(str) {
			out[k] = applyTagExpr(out[k], str)
			continue
		}
		out[k] = v
	}
	return out
}

// parseDelta recognizes "+N"/"-N" sugared numeric increments.
func parseDelta(s string) (float64, bool) {
	if len(s) < 2 || (s[0] != '+' && s[0] != '-') {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func applyDelta(current interface{}, delta float64) float64 {
	base, _ := toNumber(current)
	return base + delta
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// isTagExpr reports whether s is composed entirely of whitespace-separated
// ±word tokens, e.g. "+urgent -stale".
func isTagExpr(s string) bool {
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if len(tok) < 2 || (tok[0] != '+' && tok[0] != '-') {
			return false
		}
	}
	return true
}

// applyTagExpr treats current as a comma-separated tag list and applies
// each ±word token left-to-right, returning the deduplicated set re-joined
// by ", ".
func applyTagExpr(current interface{}, expr string) string {
	tags := splitTags(current)
	set := make(map[string]bool, len(tags))
	order := make([]string, 0, len(tags))
	for _, t := range tags {
		if !set[t] {
			set[t] = true
			order = append(order, t)
		}
	}

	for _, tok := range strings.Fields(expr) {
		word := tok[1:]
		switch tok[0] {
		case '+':
			if !set[word] {
				set[word] = true
				order = append(order, word)
			}
		case '-':
			if set[word] {
				delete(set, word)
				filtered := order[:0]
				for _, t := range order {
					if t != word {
						filtered = append(filtered, t)
					}
				}
				order = filtered
			}
		}
	}

	sort.Strings(order)
	return strings.Join(order, ", ")
}

func splitTags(current interface{}) []string {
	str, ok := current.(string)
	if !ok || str == "" {
		return nil
	}
	parts := strings.Split(str, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
