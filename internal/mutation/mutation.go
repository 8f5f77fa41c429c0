// Package mutation describes proposed writes to a base, validates them
// against the current tree and translates them into the changes a host
// delivers once it accepts them.
package mutation

import (
	"encoding/json"
	"fmt"

	"github.com/zot/basekit/internal/fieldtype"
)

// Kind names a mutation on the wire.
type Kind string

const (
	KindSetCellValues   Kind = "setMultipleRecordsCellValues"
	KindCreateRecords   Kind = "createMultipleRecords"
	KindDeleteRecords   Kind = "deleteMultipleRecords"
	KindCreateField     Kind = "createSingleField"
	KindDeleteField     Kind = "deleteSingleField"
	KindUpdateFieldName Kind = "updateSingleFieldName"
)

// Mutation is one of the concrete mutation types in this package.
type Mutation interface {
	Kind() Kind
	TableID() string
	isMutation()
}

// RecordUpdate holds new cell values for one record. A nil value clears the cell.
type RecordUpdate struct {
	ID         string         `json:"id" validate:"required"`
	CellValues map[string]any `json:"cellValuesByFieldId"`
}

// SetCellValues writes cell values of existing records.
type SetCellValues struct {
	Table   string         `json:"tableId" validate:"required"`
	Records []RecordUpdate `json:"records" validate:"required,min=1,dive"`
}

// RecordCreate describes a new record. The id is generated by the caller.
type RecordCreate struct {
	ID          string         `json:"id" validate:"required"`
	CreatedTime string         `json:"createdTime,omitempty"`
	CellValues  map[string]any `json:"cellValuesByFieldId"`
}

// CreateRecords adds records to a table.
type CreateRecords struct {
	Table   string         `json:"tableId" validate:"required"`
	Records []RecordCreate `json:"records" validate:"required,min=1,dive"`
}

// DeleteRecords removes records.
type DeleteRecords struct {
	Table     string   `json:"tableId" validate:"required"`
	RecordIDs []string `json:"recordIds" validate:"required,min=1,dive,required"`
}

// CreateField adds a field to a table.
type CreateField struct {
	Table       string         `json:"tableId" validate:"required"`
	ID          string         `json:"id" validate:"required"`
	Name        string         `json:"name" validate:"required"`
	Type        fieldtype.Type `json:"type" validate:"required"`
	Options     map[string]any `json:"options,omitempty"`
	Description string         `json:"description,omitempty"`
}

// DeleteField removes a non-primary field.
type DeleteField struct {
	Table   string `json:"tableId" validate:"required"`
	FieldID string `json:"fieldId" validate:"required"`
}

// UpdateFieldName renames a field.
type UpdateFieldName struct {
	Table   string `json:"tableId" validate:"required"`
	FieldID string `json:"fieldId" validate:"required"`
	Name    string `json:"name" validate:"required"`
}

func (SetCellValues) Kind() Kind   { return KindSetCellValues }
func (CreateRecords) Kind() Kind   { return KindCreateRecords }
func (DeleteRecords) Kind() Kind   { return KindDeleteRecords }
func (CreateField) Kind() Kind     { return KindCreateField }
func (DeleteField) Kind() Kind     { return KindDeleteField }
func (UpdateFieldName) Kind() Kind { return KindUpdateFieldName }

func (m SetCellValues) TableID() string   { return m.Table }
func (m CreateRecords) TableID() string   { return m.Table }
func (m DeleteRecords) TableID() string   { return m.Table }
func (m CreateField) TableID() string     { return m.Table }
func (m DeleteField) TableID() string     { return m.Table }
func (m UpdateFieldName) TableID() string { return m.Table }

func (SetCellValues) isMutation()   {}
func (CreateRecords) isMutation()   {}
func (DeleteRecords) isMutation()   {}
func (CreateField) isMutation()     {}
func (DeleteField) isMutation()     {}
func (UpdateFieldName) isMutation() {}

// Envelope is the wire form of a mutation.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps a mutation in an envelope.
func Encode(m Mutation) (*Envelope, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return &Envelope{Type: m.Kind(), Data: data}, nil
}

// Decode unwraps an envelope.
func Decode(env *Envelope) (Mutation, error) {
	var m Mutation
	var err error
	switch env.Type {
	case KindSetCellValues:
		var v SetCellValues
		err = json.Unmarshal(env.Data, &v)
		m = v
	case KindCreateRecords:
		var v CreateRecords
		err = json.Unmarshal(env.Data, &v)
		m = v
	case KindDeleteRecords:
		var v DeleteRecords
		err = json.Unmarshal(env.Data, &v)
		m = v
	case KindCreateField:
		var v CreateField
		err = json.Unmarshal(env.Data, &v)
		m = v
	case KindDeleteField:
		var v DeleteField
		err = json.Unmarshal(env.Data, &v)
		m = v
	case KindUpdateFieldName:
		var v UpdateFieldName
		err = json.Unmarshal(env.Data, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown mutation type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return m, nil
}
