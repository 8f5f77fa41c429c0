package mutation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/fieldtype"
	"github.com/zot/basekit/internal/path"
)

// Reason codes for ValidationError that are not field type codes.
const (
	CodeMalformed        = "malformedMutation"
	CodeTableNotFound    = "tableNotFound"
	CodeRecordNotFound   = "recordNotFound"
	CodeFieldNotFound    = "fieldNotFound"
	CodeDuplicateID      = "duplicateId"
	CodeTooManyRecords   = "tooManyRecordsInMutation"
	CodeTableFull        = "tableRecordLimitReached"
	CodePrimaryField     = "cannotDeletePrimaryField"
	CodeDuplicateName    = "duplicateFieldName"
	CodeEmptyName        = "emptyFieldName"
	CodeUnsupportedField = "unsupportedMutation"
)

// Limits bound the size of mutations and tables.
type Limits struct {
	MaxRecordsPerMutation int
	MaxRecordsPerTable    int
}

// DefaultLimits are the limits a host enforces unless configured otherwise.
var DefaultLimits = Limits{MaxRecordsPerMutation: 50, MaxRecordsPerTable: 50000}

// ValidationError reports which table, record or field made a mutation
// invalid. Code is machine-checkable.
type ValidationError struct {
	Code     string
	Reason   string
	TableID  string
	RecordID string
	FieldID  string
}

func (e *ValidationError) Error() string {
	var where []string
	if e.TableID != "" {
		where = append(where, "table "+e.TableID)
	}
	if e.RecordID != "" {
		where = append(where, "record "+e.RecordID)
	}
	if e.FieldID != "" {
		where = append(where, "field "+e.FieldID)
	}
	if len(where) == 0 {
		return fmt.Sprintf("invalid mutation (%s): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("invalid mutation at %s (%s): %s", strings.Join(where, ", "), e.Code, e.Reason)
}

var structValidator = validator.New()

// Validate checks m against the tree. Nothing is written. The tree must hold
// every record and field the mutation references.
func Validate(tree *datatree.Tree, m Mutation, limits Limits) error {
	if m == nil {
		return &ValidationError{Code: CodeMalformed, Reason: "nil mutation"}
	}
	if err := structValidator.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Code: CodeMalformed, Reason: fmt.Sprintf("%s failed %q", verrs[0].Namespace(), verrs[0].Tag()), TableID: m.TableID()}
		}
		return &ValidationError{Code: CodeMalformed, Reason: err.Error(), TableID: m.TableID()}
	}

	table := m.TableID()
	if !tree.Exists(path.Table(table)) {
		return &ValidationError{Code: CodeTableNotFound, Reason: "no such table", TableID: table}
	}

	switch v := m.(type) {
	case SetCellValues:
		if len(v.Records) > limits.MaxRecordsPerMutation {
			return tooMany(table, len(v.Records), limits)
		}
		for _, rec := range v.Records {
			if !tree.Exists(path.Record(table, rec.ID)) {
				return &ValidationError{Code: CodeRecordNotFound, Reason: "no such record", TableID: table, RecordID: rec.ID}
			}
			if _, err := normalizeCells(tree, table, rec.ID, rec.CellValues); err != nil {
				return err
			}
		}

	case CreateRecords:
		if len(v.Records) > limits.MaxRecordsPerMutation {
			return tooMany(table, len(v.Records), limits)
		}
		existing := len(tree.Keys(path.Records(table)))
		if limits.MaxRecordsPerTable > 0 && existing+len(v.Records) > limits.MaxRecordsPerTable {
			return &ValidationError{
				Code:    CodeTableFull,
				Reason:  fmt.Sprintf("table holds %d records; adding %d exceeds the limit of %d", existing, len(v.Records), limits.MaxRecordsPerTable),
				TableID: table,
			}
		}
		seen := make(map[string]bool, len(v.Records))
		for _, rec := range v.Records {
			if seen[rec.ID] || tree.Exists(path.Record(table, rec.ID)) {
				return &ValidationError{Code: CodeDuplicateID, Reason: "record id already in use", TableID: table, RecordID: rec.ID}
			}
			seen[rec.ID] = true
			if _, err := normalizeCells(tree, table, rec.ID, rec.CellValues); err != nil {
				return err
			}
		}

	case DeleteRecords:
		if len(v.RecordIDs) > limits.MaxRecordsPerMutation {
			return tooMany(table, len(v.RecordIDs), limits)
		}
		for _, id := range v.RecordIDs {
			if !tree.Exists(path.Record(table, id)) {
				return &ValidationError{Code: CodeRecordNotFound, Reason: "no such record", TableID: table, RecordID: id}
			}
		}

	case CreateField:
		if tree.Exists(path.Field(table, v.ID)) {
			return &ValidationError{Code: CodeDuplicateID, Reason: "field id already in use", TableID: table, FieldID: v.ID}
		}
		if err := checkFieldName(tree, table, "", v.Name); err != nil {
			return err
		}
		if err := fieldtype.ValidateOptions(v.Type, v.Options); err != nil {
			return fieldError(err, table, "", v.ID)
		}

	case DeleteField:
		if !tree.Exists(path.Field(table, v.FieldID)) {
			return &ValidationError{Code: CodeFieldNotFound, Reason: "no such field", TableID: table, FieldID: v.FieldID}
		}
		if tree.String(path.Table(table).Child(path.KeyPrimaryField)) == v.FieldID {
			return &ValidationError{Code: CodePrimaryField, Reason: "the primary field cannot be deleted", TableID: table, FieldID: v.FieldID}
		}

	case UpdateFieldName:
		if !tree.Exists(path.Field(table, v.FieldID)) {
			return &ValidationError{Code: CodeFieldNotFound, Reason: "no such field", TableID: table, FieldID: v.FieldID}
		}
		if err := checkFieldName(tree, table, v.FieldID, v.Name); err != nil {
			return err
		}

	default:
		return &ValidationError{Code: CodeUnsupportedField, Reason: fmt.Sprintf("unsupported mutation %T", m), TableID: table}
	}
	return nil
}

func tooMany(table string, n int, limits Limits) error {
	return &ValidationError{
		Code:    CodeTooManyRecords,
		Reason:  fmt.Sprintf("%d records given; at most %d per mutation", n, limits.MaxRecordsPerMutation),
		TableID: table,
	}
}

// normalizeCells converts every value to its stored form.
func normalizeCells(tree *datatree.Tree, table, recordID string, cells map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(cells))
	for fieldID, value := range cells {
		field := tree.Map(path.Field(table, fieldID))
		if field == nil {
			return nil, &ValidationError{Code: CodeFieldNotFound, Reason: "no such field", TableID: table, RecordID: recordID, FieldID: fieldID}
		}
		typ, _ := field[path.KeyType].(string)
		options, _ := field[path.KeyOptions].(map[string]any)
		normalized, err := fieldtype.NormalizeCellValue(fieldtype.Type(typ), options, datatree.Normalize(value))
		if err != nil {
			return nil, fieldError(err, table, recordID, fieldID)
		}
		result[fieldID] = normalized
	}
	return result, nil
}

func fieldError(err error, table, recordID, fieldID string) error {
	var ive *fieldtype.InvalidValueError
	if errors.As(err, &ive) {
		return &ValidationError{Code: ive.Code, Reason: ive.Reason, TableID: table, RecordID: recordID, FieldID: fieldID}
	}
	return &ValidationError{Code: CodeMalformed, Reason: err.Error(), TableID: table, RecordID: recordID, FieldID: fieldID}
}

func checkFieldName(tree *datatree.Tree, table, self, name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return &ValidationError{Code: CodeEmptyName, Reason: "field name is empty", TableID: table, FieldID: self}
	}
	fields := tree.Map(path.Table(table).Child(path.KeyFields))
	for id, raw := range fields {
		if id == self {
			continue
		}
		f, _ := raw.(map[string]any)
		other, _ := f[path.KeyName].(string)
		if strings.EqualFold(strings.TrimSpace(other), trimmed) {
			return &ValidationError{Code: CodeDuplicateName, Reason: fmt.Sprintf("field %q already exists", other), TableID: table, FieldID: self}
		}
	}
	return nil
}
