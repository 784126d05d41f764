package schema

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidSchema is the root cause wrapped by every validation failure in
// this package; the parent unbase package re-exports it as
// unbase.ErrInvalidSchema so callers only need one sentinel to check.
var ErrInvalidSchema = errors.New("unbase: invalid schema")

var idPattern = regexp.MustCompile(`^\w+$`)

var reservedFieldIDs = map[string]bool{"_id": true, "_data": true, "_sorters": true}
var reservedSorterIDs = map[string]bool{"_id": true, "_data": true}

// Field is the configured projection of record data into the inverted
// index for one field of an index's schema.
type Field struct {
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type,omitempty"`
	Filter          string      `json:"filter,omitempty"`
	MinWordLength   int         `json:"min_word_length,omitempty"`
	MaxWordLength   int         `json:"max_word_length,omitempty"`
	UseRemoveWords  bool        `json:"use_remove_words,omitempty"`
	UseStemmer      bool        `json:"use_stemmer,omitempty"`
	MasterList      bool        `json:"master_list,omitempty"`
	DefaultValue    interface{} `json:"default_value,omitempty"`

	// Delete marks this field for removal from the physical index. It is
	// only ever set for the duration of a reindex pass that scrubs a
	// field/sorter before re-adding it or dropping it; never persisted.
	Delete bool `json:"-"`
}

// Sorter is the configured projection of record data into a sort key.
type Sorter struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Type   string `json:"type,omitempty"`

	Delete bool `json:"-"`
}

// Schema is the persistent definition of one named index: its fields,
// sorters, stop-word list, and optional record-shape contract.
type Schema struct {
	ID      string `json:"id"`
	Fields  []Field  `json:"fields"`
	Sorters []Sorter `json:"sorters"`

	// RemoveWords is an optional stop-word list consulted by fields with
	// UseRemoveWords set.
	RemoveWords []string `json:"remove_words,omitempty"`

	// RecordSchema is an optional JSON-schema document validated against
	// every inserted/updated record before indexing. Empty disables
	// validation.
	RecordSchema string `json:"record_schema,omitempty"`

	compiledSchema *gojsonschema.Schema
}

// KnownTypes/KnownFilters name the capabilities the bundled IndexEngine
// advertises; a Field/Sorter naming anything else is InvalidSchema.
var KnownTypes = map[string]bool{"": true, "string": true, "number": true, "date": true}
var KnownFilters = map[string]bool{"": true, "alpha": true, "alphanumeric": true, "numeric": true}

// Validate checks the invariants from the data model: field/sorter id shape,
// reserved ids, duplicate ids, non-empty field list, and known type/filter
// names. It also compiles RecordSchema if present.
func (s *Schema) Validate() error {
	if !idPattern.MatchString(s.ID) {
		return fmt.Errorf("%w: index id %q must match /^\\w+$/", ErrInvalidSchema, s.ID)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: index %q must declare at least one field", ErrInvalidSchema, s.ID)
	}

	seenField := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if err := validateFieldID(f.ID, reservedFieldIDs); err != nil {
			return err
		}
		if seenField[f.ID] {
			return fmt.Errorf("%w: duplicate field id %q", ErrInvalidSchema, f.ID)
		}
		seenField[f.ID] = true
		if !KnownTypes[f.Type] {
			return fmt.Errorf("%w: field %q has unknown type %q", ErrInvalidSchema, f.ID, f.Type)
		}
		if !KnownFilters[f.Filter] {
			return fmt.Errorf("%w: field %q has unknown filter %q", ErrInvalidSchema, f.ID, f.Filter)
		}
	}

	seenSorter := make(map[string]bool, len(s.Sorters))
	for _, sorter := range s.Sorters {
		if err := validateFieldID(sorter.ID, reservedSorterIDs); err != nil {
			return err
		}
		if seenSorter[sorter.ID] {
			return fmt.Errorf("%w: duplicate sorter id %q", ErrInvalidSchema, sorter.ID)
		}
		seenSorter[sorter.ID] = true
		if !KnownTypes[sorter.Type] {
			return fmt.Errorf("%w: sorter %q has unknown type %q", ErrInvalidSchema, sorter.ID, sorter.Type)
		}
	}

	return s.compileRecordSchema()
}

func validateFieldID(id string, reserved map[string]bool) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: id %q must match /^\\w+$/", ErrInvalidSchema, id)
	}
	if reserved[id] {
		return fmt.Errorf("%w: id %q is reserved", ErrInvalidSchema, id)
	}
	return nil
}

func (s *Schema) compileRecordSchema() error {
	if s.RecordSchema == "" {
		s.compiledSchema = nil
		return nil
	}
	loader := gojsonschema.NewStringLoader(s.RecordSchema)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("%w: record_schema for index %q: %v", ErrInvalidSchema, s.ID, err)
	}
	s.compiledSchema = schema
	return nil
}

// ValidateRecord checks a record against RecordSchema, if one is set.
func (s *Schema) ValidateRecord(record map[string]interface{}) error {
	if s.compiledSchema == nil {
		return nil
	}
	result, err := s.compiledSchema.Validate(gojsonschema.NewGoLoader(record))
	if err != nil {
		return fmt.Errorf("%w: record_schema validation: %v", ErrInvalidSchema, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: record rejected by record_schema: %v", ErrInvalidSchema, msgs)
	}
	return nil
}

// FieldByID returns the field with the given id, if any.
func (s *Schema) FieldByID(id string) (Field, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// SorterByID returns the sorter with the given id, if any.
func (s *Schema) SorterByID(id string) (Sorter, bool) {
	for _, so := range s.Sorters {
		if so.ID == id {
			return so, true
		}
	}
	return Sorter{}, false
}

// Clone returns a deep-enough copy of the schema for safe mutation by admin
// operations (field/sorter lists are copied; RemoveWords is copied).
func (s *Schema) Clone() *Schema {
	clone := &Schema{
		ID:           s.ID,
		Fields:       append([]Field(nil), s.Fields...),
		Sorters:      append([]Sorter(nil), s.Sorters...),
		RemoveWords:  append([]string(nil), s.RemoveWords...),
		RecordSchema: s.RecordSchema,
	}
	clone.compiledSchema = s.compiledSchema
	return clone
}
