package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSchema() *Schema {
	return &Schema{
		ID: "tickets",
		Fields: []Field{
			{ID: "status", Source: "/status"},
			{ID: "title", Source: "/title"},
		},
		Sorters: []Sorter{
			{ID: "modified", Source: "/modified", Type: "number"},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	s := validSchema()
	require.NoError(t, s.Validate())
}

func TestValidate_RejectsBadID(t *testing.T) {
	s := validSchema()
	s.ID = "bad id with spaces"
	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSchema))
}

func TestValidate_RejectsEmptyFields(t *testing.T) {
	s := validSchema()
	s.Fields = nil
	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSchema))
}

func TestValidate_RejectsReservedFieldID(t *testing.T) {
	s := validSchema()
	s.Fields = append(s.Fields, Field{ID: "_id"})
	err := s.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsDuplicateFieldID(t *testing.T) {
	s := validSchema()
	s.Fields = append(s.Fields, Field{ID: "status"})
	err := s.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsUnknownType(t *testing.T) {
	s := validSchema()
	s.Fields[0].Type = "blob"
	err := s.Validate()
	require.Error(t, err)
}

func TestValidateRecord_AgainstRecordSchema(t *testing.T) {
	s := validSchema()
	s.RecordSchema = `{"type":"object","required":["status"]}`
	require.NoError(t, s.Validate())

	require.NoError(t, s.ValidateRecord(map[string]interface{}{"status": "open"}))
	err := s.ValidateRecord(map[string]interface{}{"title": "no status"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSchema))
}

func TestFieldByID_SorterByID(t *testing.T) {
	s := validSchema()
	require.NoError(t, s.Validate())

	f, ok := s.FieldByID("status")
	require.True(t, ok)
	assert.Equal(t, "status", f.ID)

	_, ok = s.FieldByID("missing")
	assert.False(t, ok)

	so, ok := s.SorterByID("modified")
	require.True(t, ok)
	assert.Equal(t, "number", so.Type)
}

func TestClone_IsIndependent(t *testing.T) {
	s := validSchema()
	require.NoError(t, s.Validate())

	clone := s.Clone()
	clone.Fields[0].ID = "changed"
	assert.Equal(t, "status", s.Fields[0].ID)
}
