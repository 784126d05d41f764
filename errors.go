package unbase

import (
	"errors"

	"github.com/jhuckaby/pixl-server-unbase/schema"
)

// Sentinel error kinds. Component errors wrap one of these with fmt.Errorf's
// %w verb plus identifying detail, so callers can branch with errors.Is
// regardless of which layer raised the error.
var (
	// ErrNotFound covers a missing index, field, sorter, or record.
	ErrNotFound = errors.New("unbase: not found")

	// ErrAlreadyExists covers an index/field/sorter that already exists.
	ErrAlreadyExists = errors.New("unbase: already exists")

	// ErrBusy is returned when a mutating admin call is attempted while a
	// job is already running against the index.
	ErrBusy = errors.New("unbase: index busy")

	// ErrInvalidSchema covers a malformed schema: bad id, reserved id,
	// unknown type/filter, or a record rejected by an optional JSON schema.
	ErrInvalidSchema = schema.ErrInvalidSchema

	// ErrInvalidQuery covers a query parse failure or a query referencing
	// an unknown field.
	ErrInvalidQuery = errors.New("unbase: invalid query")

	// ErrInvalidUpdate covers forbidden keys in updateIndex or a malformed
	// bulk record.
	ErrInvalidUpdate = errors.New("unbase: invalid update")

	// ErrAborted is returned when a caller-supplied update transform
	// returns the abort sentinel.
	ErrAborted = errors.New("unbase: update aborted")

	// ErrStorage wraps underlying RecordStore/IndexEngine failures.
	ErrStorage = errors.New("unbase: storage failure")

	// ErrClosed is returned by any operation on a closed Database.
	ErrClosed = errors.New("unbase: database is closed")
)
