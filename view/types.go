// Package view implements the live-query engine: View (a materialized
// sorted result set for one canonical query/sort pair), SummaryView (a
// field-value histogram view), Subscriber (a client-facing window onto a
// View), and ViewManager (dedup + serialized dispatch of write-path change
// states to every affected view).
package view

import (
	"github.com/jhuckaby/pixl-server-unbase/internal/indexengine"
)

// ChangeState is what the Mutator hands to the ViewManager after a write:
// the record's id, its freshly computed idx_data, and enough metadata for
// View.update to classify the change without re-deriving it.
type ChangeState struct {
	Action    string // "insert" or "delete"
	ID        string
	IdxData   indexengine.IdxData
	NewRecord bool
	Changed   map[string]bool

	// Ordinal is the record's insertion order in the IndexEngine, carried
	// through so a View adding a record via a live write gets the same
	// stable tie-break SortRecords would have assigned it, instead of
	// defaulting to 0.
	Ordinal int64
}

// RecordFetcher is the subset of the RecordStore that View/Subscriber need:
// bulk body lookups for reconstituting a visible page.
type RecordFetcher interface {
	GetMulti(keys []string) (map[string][]byte, error)
}

// Queue is the single-consumer background queue the ViewManager dispatches
// onto, so updateViews never runs inline with the Mutator's critical
// section.
type Queue interface {
	Enqueue(label string, handler func())
}

// KeyFunc maps a record id to the RecordStore key holding its body.
type KeyFunc func(indexID, id string) string
