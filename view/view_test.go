package view

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhuckaby/pixl-server-unbase/internal/indexengine"
	"github.com/jhuckaby/pixl-server-unbase/schema"
)

// memStore is a minimal in-memory RecordFetcher for view tests.
type memStore struct {
	bodies map[string][]byte
}

func newMemStore() *memStore { return &memStore{bodies: make(map[string][]byte)} }

func (m *memStore) put(key string, record map[string]interface{}) {
	raw, _ := json.Marshal(record)
	m.bodies[key] = raw
}

func (m *memStore) GetMulti(keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.bodies[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func testKeyFn(index string) func(id string) string {
	return func(id string) string { return index + "/" + id }
}

func ticketSchema() *schema.Schema {
	return &schema.Schema{
		ID: "tickets",
		Fields: []schema.Field{
			{ID: "status", Source: "/status"},
		},
		Sorters: []schema.Sorter{
			{ID: "modified", Source: "/modified", Type: "number"},
		},
	}
}

func TestView_InitialSearch(t *testing.T) {
	eng, err := indexengine.New()
	require.NoError(t, err)
	s := ticketSchema()
	st := newMemStore()

	rec := map[string]interface{}{"status": "Open", "modified": 1.0}
	st.put("tickets/1", rec)
	_, err = eng.IndexRecord("1", rec, s)
	require.NoError(t, err)

	v, err := New("tickets", "sid", "status:open", "_id", 1, "", s, eng, st, testKeyFn("tickets"))
	require.NoError(t, err)
	assert.Equal(t, 0, v.SubscriberCount())
	sub := v.Subscribe("sub-1", 0, 10)
	assert.Equal(t, 1, v.SubscriberCount())

	var received Page
	sub.On("change", func(payload interface{}) { received = payload.(Page) })
	v.refreshOne(sub)
	assert.Equal(t, 1, received.Total)
	require.Len(t, received.Records, 1)
	assert.Equal(t, "Open", received.Records[0]["status"])
}

func TestView_Update_AddBranch(t *testing.T) {
	eng, err := indexengine.New()
	require.NoError(t, err)
	s := ticketSchema()
	st := newMemStore()

	v, err := New("tickets", "sid", "status:open", "_id", 1, "", s, eng, st, testKeyFn("tickets"))
	require.NoError(t, err)

	var events []Page
	sub := v.Subscribe("sub-1", 0, 10)
	sub.On("change", func(payload interface{}) { events = append(events, payload.(Page)) })

	rec := map[string]interface{}{"status": "Open", "modified": 1.0}
	st.put("tickets/1", rec)
	idxState, err := eng.IndexRecord("1", rec, s)
	require.NoError(t, err)

	v.Update(ChangeState{Action: "insert", ID: "1", IdxData: idxState.IdxData, NewRecord: true, Changed: idxState.Changed, Ordinal: idxState.Ordinal})

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, 1, last.Total)
	assert.Contains(t, v.results, "1")
	assert.Equal(t, idxState.Ordinal, v.sortPairs[v.results["1"]].Ordinal)
}

func TestView_Update_RemoveBranch(t *testing.T) {
	eng, err := indexengine.New()
	require.NoError(t, err)
	s := ticketSchema()
	st := newMemStore()

	rec := map[string]interface{}{"status": "Open", "modified": 1.0}
	st.put("tickets/1", rec)
	_, err = eng.IndexRecord("1", rec, s)
	require.NoError(t, err)

	v, err := New("tickets", "sid", "status:open", "_id", 1, "", s, eng, st, testKeyFn("tickets"))
	require.NoError(t, err)
	require.Contains(t, v.results, "1")

	sub := v.Subscribe("sub-1", 0, 10)
	var last Page
	sub.On("change", func(payload interface{}) { last = payload.(Page) })

	idxState, err := eng.UnindexRecord("1", s)
	require.NoError(t, err)
	v.Update(ChangeState{Action: "delete", ID: "1", IdxData: idxState.IdxData})

	assert.NotContains(t, v.results, "1")
	assert.Equal(t, 0, last.Total)
}

func TestView_Update_NoOpWhenNeverInView(t *testing.T) {
	eng, err := indexengine.New()
	require.NoError(t, err)
	s := ticketSchema()
	st := newMemStore()

	v, err := New("tickets", "sid", "status:open", "_id", 1, "", s, eng, st, testKeyFn("tickets"))
	require.NoError(t, err)

	sub := v.Subscribe("sub-1", 0, 10)
	fired := false
	sub.On("change", func(interface{}) { fired = true })

	rec := map[string]interface{}{"status": "Closed", "modified": 1.0}
	st.put("tickets/2", rec)
	idxState, err := eng.IndexRecord("2", rec, s)
	require.NoError(t, err)
	v.Update(ChangeState{Action: "insert", ID: "2", IdxData: idxState.IdxData, NewRecord: true, Changed: idxState.Changed})

	assert.False(t, fired)
}

func TestView_Destroy_BroadcastsToSubscribers(t *testing.T) {
	eng, err := indexengine.New()
	require.NoError(t, err)
	s := ticketSchema()
	st := newMemStore()

	v, err := New("tickets", "sid", "status:open", "_id", 1, "", s, eng, st, testKeyFn("tickets"))
	require.NoError(t, err)

	sub := v.Subscribe("sub-1", 0, 10)
	destroyed := false
	sub.On("destroy", func(interface{}) { destroyed = true })

	v.Destroy()
	assert.True(t, destroyed)
}

func TestSubscriber_Unsubscribe_DestroysEmptyView(t *testing.T) {
	eng, err := indexengine.New()
	require.NoError(t, err)
	s := ticketSchema()
	st := newMemStore()

	v, err := New("tickets", "sid", "status:open", "_id", 1, "", s, eng, st, testKeyFn("tickets"))
	require.NoError(t, err)

	emptied := false
	v.OnEmpty(func() { emptied = true })

	sub := v.Subscribe("sub-1", 0, 10)
	sub.Unsubscribe()

	assert.True(t, emptied)
	assert.Equal(t, 0, v.SubscriberCount())
}

func TestSummaryView_RecomputesOnChange(t *testing.T) {
	eng, err := indexengine.New()
	require.NoError(t, err)
	s := &schema.Schema{
		ID: "tickets",
		Fields: []schema.Field{
			{ID: "status", Source: "/status", MasterList: true},
		},
	}

	_, err = eng.IndexRecord("1", map[string]interface{}{"status": "Open"}, s)
	require.NoError(t, err)

	sv, err := NewSummaryView("tickets", "summary:status", "status", s, eng)
	require.NoError(t, err)

	sub := sv.Subscribe("sub-1")
	var last SummaryPage
	sub.On("change", func(payload interface{}) { last = payload.(SummaryPage) })
	assert.Equal(t, 1, last.Values["open"])

	idxState, err := eng.IndexRecord("2", map[string]interface{}{"status": "Open"}, s)
	require.NoError(t, err)
	sv.Update(ChangeState{Action: "insert", ID: "2", NewRecord: true, IdxData: idxState.IdxData, Changed: idxState.Changed})

	assert.Equal(t, 2, last.Values["open"])
}
