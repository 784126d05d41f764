// Command unbase-example demonstrates opening a Database, creating an
// index, inserting a few records, subscribing to a live query, and
// watching the subscription receive a change event as new records arrive.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/jhuckaby/pixl-server-unbase"
	"github.com/jhuckaby/pixl-server-unbase/view"
)

func main() {
	dir, err := os.MkdirTemp("", "unbase-example-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	logger, _ := zap.NewDevelopment()
	opts := unbase.DefaultOptions(dir)
	opts.Logger = logger

	db, err := unbase.Open(opts)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer db.Shutdown()

	err = db.CreateIndex(&unbase.Schema{
		ID: "tickets",
		Fields: []unbase.Field{
			{ID: "status", Source: "/status", UseStemmer: true, MasterList: true},
			{ID: "title", Source: "/title", UseStemmer: true},
		},
		Sorters: []unbase.Sorter{
			{ID: "modified", Source: "/modified", Type: "number"},
		},
	})
	if err != nil {
		log.Fatalf("create index: %v", err)
	}

	sub, err := db.Subscribe("tickets", "status:open", unbase.SearchOpts{SortBy: "modified", SortDir: -1, Limit: 10})
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	sub.On("change", func(payload interface{}) {
		page := payload.(view.Page)
		fmt.Printf("live view now has %d open tickets (total %d)\n", len(page.Records), page.Total)
	})

	if err := db.Insert("tickets", "1001", map[string]interface{}{
		"status":   "Open",
		"title":    "Disk nearly full",
		"modified": float64(time.Now().Unix()),
	}); err != nil {
		log.Fatalf("insert: %v", err)
	}

	if err := db.Insert("tickets", "1002", map[string]interface{}{
		"status":   "Closed",
		"title":    "Printer offline",
		"modified": float64(time.Now().Unix()),
	}); err != nil {
		log.Fatalf("insert: %v", err)
	}

	db.WaitForAllJobs()

	result, err := db.Search("tickets", "status:open", unbase.SearchOpts{})
	if err != nil {
		log.Fatalf("search: %v", err)
	}
	fmt.Printf("search returned %d of %d open tickets\n", len(result.Records), result.Total)
}
