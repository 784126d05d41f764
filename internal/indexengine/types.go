// Package indexengine implements the IndexEngine contract that unbase's
// spec treats as an external collaborator: tokenization, a field-value
// histogram ("master list") for #summary queries, a simple field:term
// query syntax plus a parenthesized boolean grammar (PxQL), and sort-key
// materialization.
//
// It is intentionally simple — an in-memory inverted index, not a
// tokenizer/stemmer/ranking research project — since the point of this
// package is to give the live-query engine in the parent module a real
// collaborator to drive against, not to re-derive search-engine theory.
package indexengine

import "github.com/jhuckaby/pixl-server-unbase/schema"

// IdxData is the per-record state the engine hands back from IndexRecord/
// UnindexRecord: the extracted field values (used by SearchSingle's
// touch-free predicate check) and the computed sorter values (used by
// View for the non-_id sort-changed comparison).
type IdxData struct {
	// Values holds each field's raw extracted value (before any filter or
	// tokenization), keyed by field id.
	Values map[string]interface{} `json:"values"`

	// Sorters holds each sorter's computed value, keyed by sorter id.
	Sorters map[string]interface{} `json:"sorters"`
}

// State is returned by IndexRecord/UnindexRecord.
type State struct {
	ID        string
	IdxData   IdxData
	NewRecord bool
	Changed   map[string]bool

	// Ordinal is the record's insertion-order tie-break, the same value
	// SortRecords uses; callers that incrementally splice a record into an
	// already-materialized sort order (View.Update's add branch) need it
	// to match the order a full SortRecords call would produce.
	Ordinal int64
}

// SortPair is one entry of a materialized sort order.
type SortPair struct {
	ID      string
	Value   interface{}
	Ordinal int64
}

// Engine is the IndexEngine contract consumed by the Mutator, View, and
// Facade.
type Engine interface {
	IndexRecord(id string, record map[string]interface{}, s *schema.Schema) (State, error)
	UnindexRecord(id string, s *schema.Schema) (State, error)
	SearchRecords(query string, s *schema.Schema) (map[string]float64, error)
	SearchSingle(query string, id string, idxData IdxData, s *schema.Schema) (bool, error)
	SortRecords(results map[string]float64, sortBy string, sortDir int, s *schema.Schema) ([]SortPair, error)
	GetFieldSummary(fieldID string, s *schema.Schema) (map[string]int, error)
	DropIndex(indexID string)
}
