package unbase_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	unbase "github.com/jhuckaby/pixl-server-unbase"
)

func ticketsSchema() *unbase.Schema {
	return &unbase.Schema{
		ID: "tickets",
		Fields: []unbase.Field{
			{ID: "status", Source: "/status", MasterList: true},
			{ID: "title", Source: "/title"},
		},
		Sorters: []unbase.Sorter{
			{ID: "modified", Source: "/modified", Type: "number"},
		},
	}
}

func openDB(t *testing.T) *unbase.Database {
	t.Helper()
	db, err := unbase.Open(unbase.DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Shutdown() })
	return db
}

func TestDatabase_InsertSearchUpdateDelete(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.CreateIndex(ticketsSchema()))

	require.NoError(t, db.Insert("tickets", "1", map[string]interface{}{
		"status": "Open", "title": "disk nearly full", "modified": 1.0,
	}))
	require.NoError(t, db.Insert("tickets", "2", map[string]interface{}{
		"status": "Closed", "title": "printer offline", "modified": 2.0,
	}))

	res, err := db.Search("tickets", "status:open", unbase.SearchOpts{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "Open", res.Records[0]["status"])

	require.NoError(t, db.Update("tickets", "1", map[string]interface{}{"status": "Closed"}))
	res, err = db.Search("tickets", "status:closed", unbase.SearchOpts{SortBy: "modified", SortDir: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	require.NoError(t, db.Delete("tickets", "1"))
	res, err = db.Search("tickets", "status:closed", unbase.SearchOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}

func TestDatabase_SugaredNumericUpdate(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.CreateIndex(ticketsSchema()))
	require.NoError(t, db.Insert("tickets", "1", map[string]interface{}{
		"status": "Open", "title": "x", "modified": 10.0,
	}))
	require.NoError(t, db.Update("tickets", "1", map[string]interface{}{"modified": "+5"}))

	rec, err := db.Get("tickets", "1")
	require.NoError(t, err)
	assert.Equal(t, 15.0, rec["modified"])
}

func TestDatabase_SummaryQuery(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.CreateIndex(ticketsSchema()))
	require.NoError(t, db.Insert("tickets", "1", map[string]interface{}{"status": "Open", "title": "a"}))
	require.NoError(t, db.Insert("tickets", "2", map[string]interface{}{"status": "Open", "title": "b"}))
	require.NoError(t, db.Insert("tickets", "3", map[string]interface{}{"status": "Closed", "title": "c"}))

	res, err := db.Search("tickets", "#summary:status", unbase.SearchOpts{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary["open"])
	assert.Equal(t, 1, res.Summary["closed"])
}

func TestDatabase_Subscribe_ReceivesLiveUpdates(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.CreateIndex(ticketsSchema()))
	require.NoError(t, db.Insert("tickets", "1", map[string]interface{}{"status": "Open", "title": "a", "modified": 1.0}))

	sub, err := db.Subscribe("tickets", "status:open", unbase.SearchOpts{Limit: 10})
	require.NoError(t, err)

	received := make(chan interface{}, 4)
	sub.On("change", func(payload interface{}) { received <- payload })

	require.NoError(t, db.Insert("tickets", "2", map[string]interface{}{"status": "Open", "title": "b", "modified": 2.0}))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive an update after insert")
	}
}

func TestDatabase_BulkInsert_RejectsMissingID(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.CreateIndex(ticketsSchema()))

	err := db.BulkInsert("tickets", []unbase.BulkRecord{
		{ID: "1", Data: map[string]interface{}{"status": "Open", "title": "a"}},
		{ID: "", Data: map[string]interface{}{"status": "Open", "title": "b"}},
	})
	require.Error(t, err)
}

func TestDatabase_AddField_AppearsInSchema(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.CreateIndex(ticketsSchema()))
	require.NoError(t, db.Insert("tickets", "1", map[string]interface{}{"status": "Open", "title": "a"}))

	jobID, err := db.AddField("tickets", unbase.Field{ID: "priority", Source: "/priority"})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	db.WaitForAllJobs()

	s, err := db.GetIndex("tickets")
	require.NoError(t, err)
	_, ok := s.FieldByID("priority")
	assert.True(t, ok)
}

func TestDatabase_CreateIndex_RejectsDuplicate(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.CreateIndex(ticketsSchema()))
	err := db.CreateIndex(ticketsSchema())
	require.Error(t, err)
}

func TestDatabase_Shutdown_ClosesAndRejectsFurtherCalls(t *testing.T) {
	dir := t.TempDir()
	db, err := unbase.Open(unbase.DefaultOptions(dir))
	require.NoError(t, err)
	require.NoError(t, db.Shutdown())

	err = db.Insert("tickets", "1", map[string]interface{}{"status": "Open"})
	require.Error(t, err)
}
