package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhuckaby/pixl-server-unbase/internal/indexengine"
)

// syncQueue runs enqueued work immediately, inline, for deterministic tests.
type syncQueue struct{}

func (syncQueue) Enqueue(_ string, handler func()) { handler() }

func TestManager_Subscribe_DedupsByCanonicalKey(t *testing.T) {
	eng, err := indexengine.New()
	require.NoError(t, err)
	s := ticketSchema()
	st := newMemStore()

	m := NewManager(eng, st, syncQueue{}, func(index, id string) string { return index + "/" + id })

	sub1, err := m.Subscribe("tickets", "status:open", "_id", 1, 0, 10, "", s)
	require.NoError(t, err)
	sub2, err := m.Subscribe("tickets", "status:open", "_id", 1, 0, 10, "", s)
	require.NoError(t, err)

	assert.Len(t, m.byIndex["tickets"], 1)
	assert.NotEqual(t, sub1.ID, sub2.ID)
}

func TestManager_Notify_RoutesToAffectedView(t *testing.T) {
	eng, err := indexengine.New()
	require.NoError(t, err)
	s := ticketSchema()
	st := newMemStore()

	m := NewManager(eng, st, syncQueue{}, func(index, id string) string { return index + "/" + id })
	sub, err := m.Subscribe("tickets", "status:open", "_id", 1, 0, 10, "", s)
	require.NoError(t, err)

	var last Page
	sub.On("change", func(payload interface{}) { last = payload.(Page) })

	rec := map[string]interface{}{"status": "Open"}
	st.put("tickets/1", rec)
	idxState, err := eng.IndexRecord("1", rec, s)
	require.NoError(t, err)

	m.Notify("tickets", ChangeState{Action: "insert", ID: "1", IdxData: idxState.IdxData, NewRecord: true, Changed: idxState.Changed})

	assert.Equal(t, 1, last.Total)
}

func TestManager_DestroyIndex_EmitsDestroyAndDeregisters(t *testing.T) {
	eng, err := indexengine.New()
	require.NoError(t, err)
	s := ticketSchema()
	st := newMemStore()

	m := NewManager(eng, st, syncQueue{}, func(index, id string) string { return index + "/" + id })
	sub, err := m.Subscribe("tickets", "status:open", "_id", 1, 0, 10, "", s)
	require.NoError(t, err)

	destroyed := false
	sub.On("destroy", func(interface{}) { destroyed = true })

	m.DestroyIndex("tickets")

	assert.True(t, destroyed)
	assert.Len(t, m.byIndex, 0)
}
