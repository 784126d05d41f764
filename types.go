package unbase

import "github.com/jhuckaby/pixl-server-unbase/schema"

// Public re-exports of the schema package's types, so callers write
// unbase.Field / unbase.Sorter / unbase.Schema instead of reaching into the
// schema subpackage directly.
type (
	Field  = schema.Field
	Sorter = schema.Sorter
	Schema = schema.Schema
)
