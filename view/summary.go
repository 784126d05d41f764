package view

import (
	"fmt"
	"sync"

	"github.com/jhuckaby/pixl-server-unbase/internal/indexengine"
	"github.com/jhuckaby/pixl-server-unbase/schema"
)

// SummaryPage is what a SummaryView subscriber receives: the field's value
// histogram.
type SummaryPage struct {
	Values map[string]int
}

// SummaryView tracks a field-value histogram rather than a sorted result
// set, recomputed whenever a write could plausibly have changed it.
type SummaryView struct {
	mu sync.Mutex

	indexID  string
	searchID string
	fieldID  string
	schema   *schema.Schema
	engine   indexengine.Engine

	values  map[string]int
	subs    map[string]*Subscriber
	onEmpty func()
}

// NewSummaryView computes the initial histogram for fieldID.
func NewSummaryView(indexID, searchID, fieldID string, s *schema.Schema, engine indexengine.Engine) (*SummaryView, error) {
	sv := &SummaryView{
		indexID:  indexID,
		searchID: searchID,
		fieldID:  fieldID,
		schema:   s,
		engine:   engine,
		subs:     make(map[string]*Subscriber),
	}
	values, err := engine.GetFieldSummary(fieldID, s)
	if err != nil {
		return nil, fmt.Errorf("view: initial field summary: %w", err)
	}
	sv.values = values
	return sv, nil
}

func (sv *SummaryView) OnEmpty(fn func()) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.onEmpty = fn
}

// Subscribe attaches a subscriber and synchronously delivers the cached
// values, even if they were computed before this subscriber existed.
func (sv *SummaryView) Subscribe(id string) *Subscriber {
	sv.mu.Lock()
	sub := newSubscriber(id, 0, 0)
	sub.onUnsubscribe = func() { sv.unsubscribe(id) }
	sv.subs[id] = sub
	values := sv.values
	sv.mu.Unlock()

	sub.emit("change", SummaryPage{Values: values})
	return sub
}

// unsubscribe detaches the subscriber named by id; if the subscriber set
// becomes empty the caller (ViewManager) is notified via onEmpty.
func (sv *SummaryView) unsubscribe(id string) {
	sv.mu.Lock()
	delete(sv.subs, id)
	empty := len(sv.subs) == 0
	onEmpty := sv.onEmpty
	sv.mu.Unlock()
	if empty && onEmpty != nil {
		onEmpty()
	}
}

func (sv *SummaryView) SubscriberCount() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.subs)
}

func (sv *SummaryView) Destroy() {
	sv.mu.Lock()
	subs := make([]*Subscriber, 0, len(sv.subs))
	for _, s := range sv.subs {
		subs = append(subs, s)
	}
	sv.mu.Unlock()
	for _, s := range subs {
		s.emit("destroy", nil)
	}
}

// Update recomputes the histogram whenever the write could have changed it:
// a delete, a brand new record, or a change to fieldID specifically.
func (sv *SummaryView) Update(state ChangeState) {
	if state.Action != "delete" && !state.NewRecord && !state.Changed[sv.fieldID] {
		return
	}

	values, err := sv.engine.GetFieldSummary(sv.fieldID, sv.schema)
	if err != nil {
		sv.broadcastError(err)
		return
	}

	sv.mu.Lock()
	sv.values = values
	subs := make([]*Subscriber, 0, len(sv.subs))
	for _, s := range sv.subs {
		subs = append(subs, s)
	}
	sv.mu.Unlock()

	for _, s := range subs {
		s.emit("change", SummaryPage{Values: values})
	}
}

func (sv *SummaryView) broadcastError(err error) {
	sv.mu.Lock()
	subs := make([]*Subscriber, 0, len(sv.subs))
	for _, s := range sv.subs {
		subs = append(subs, s)
	}
	sv.mu.Unlock()
	for _, s := range subs {
		s.emit("error", err)
	}
}
