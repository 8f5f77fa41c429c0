package mutation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
)

func testTree() *datatree.Tree {
	return datatree.New(map[string]any{
		"tableOrder": []any{"tbl1"},
		"tablesById": map[string]any{
			"tbl1": map[string]any{
				"id":             "tbl1",
				"name":           "Tasks",
				"primaryFieldId": "fldA",
				"fieldsById": map[string]any{
					"fldA": map[string]any{"id": "fldA", "name": "A", "type": "singleLineText"},
					"fldB": map[string]any{"id": "fldB", "name": "B", "type": "number"},
					"fldC": map[string]any{"id": "fldC", "name": "C", "type": "checkbox"},
				},
				"viewsById": map[string]any{
					"viw1": map[string]any{
						"id": "viw1",
						"fieldOrder": map[string]any{
							"fieldIds":          []any{"fldA", "fldB", "fldC"},
							"visibleFieldCount": 2,
						},
						"visibleRecordIds": []any{"rec1", "rec2"},
					},
				},
				"recordsById": map[string]any{
					"rec1": map[string]any{"id": "rec1", "cellValuesByFieldId": map[string]any{"fldA": "one", "fldB": 1}},
					"rec2": map[string]any{"id": "rec2", "cellValuesByFieldId": map[string]any{"fldA": "two"}},
				},
			},
		},
	})
}

func apply(t *testing.T, tree *datatree.Tree, m Mutation) {
	t.Helper()
	require.NoError(t, Validate(tree, m, DefaultLimits))
	changes, err := Changes(tree, m)
	require.NoError(t, err)
	_, err = tree.Apply(changes)
	require.NoError(t, err)
}

func fieldOrderOf(tree *datatree.Tree) ([]string, float64) {
	p := path.FieldOrder("tbl1", "viw1")
	return tree.Strings(p.Child(path.KeyFieldIDs)), tree.Number(p.Child(path.KeyVisibleCount))
}

func TestDeleteFieldInsideVisibleRange(t *testing.T) {
	tree := testTree()
	apply(t, tree, DeleteField{Table: "tbl1", FieldID: "fldB"})

	ids, visible := fieldOrderOf(tree)
	assert.Equal(t, []string{"fldA", "fldC"}, ids)
	assert.Equal(t, 2.0, visible)
	assert.False(t, tree.Exists(path.CellValue("tbl1", "rec1", "fldB")), "cell values of the field are removed")
	assert.True(t, tree.Exists(path.CellValue("tbl1", "rec1", "fldA")))
}

func TestDeleteFirstFieldShrinksVisibleRange(t *testing.T) {
	tree := testTree()
	// make fldB primary so fldA can be deleted
	_, err := tree.Apply([]delta.Change{delta.Set(path.Table("tbl1").Child(path.KeyPrimaryField), "fldB")})
	require.NoError(t, err)

	apply(t, tree, DeleteField{Table: "tbl1", FieldID: "fldA"})

	ids, visible := fieldOrderOf(tree)
	assert.Equal(t, []string{"fldB", "fldC"}, ids)
	assert.Equal(t, 1.0, visible)
}

func TestPrimaryFieldCannotBeDeleted(t *testing.T) {
	tree := testTree()
	err := Validate(tree, DeleteField{Table: "tbl1", FieldID: "fldA"}, DefaultLimits)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodePrimaryField, verr.Code)
	assert.Equal(t, "fldA", verr.FieldID)
}

func TestSetCellValuesValidation(t *testing.T) {
	tree := testTree()

	err := Validate(tree, SetCellValues{Table: "tbl1", Records: []RecordUpdate{
		{ID: "rec1", CellValues: map[string]any{"fldB": 2}},
		{ID: "rec2", CellValues: map[string]any{"fldB": "not a number"}},
	}}, DefaultLimits)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "rec2", verr.RecordID)
	assert.Equal(t, "fldB", verr.FieldID)

	err = Validate(tree, SetCellValues{Table: "tbl1", Records: []RecordUpdate{
		{ID: "recX", CellValues: map[string]any{"fldB": 2}},
	}}, DefaultLimits)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeRecordNotFound, verr.Code)

	apply(t, tree, SetCellValues{Table: "tbl1", Records: []RecordUpdate{
		{ID: "rec1", CellValues: map[string]any{"fldB": 2, "fldA": nil}},
	}})
	assert.Equal(t, 2.0, tree.Number(path.CellValue("tbl1", "rec1", "fldB")))
	assert.False(t, tree.Exists(path.CellValue("tbl1", "rec1", "fldA")))
}

func TestCreateAndDeleteRecordsMaintainViews(t *testing.T) {
	tree := testTree()
	apply(t, tree, CreateRecords{Table: "tbl1", Records: []RecordCreate{{ID: "rec3"}}})

	assert.True(t, tree.Exists(path.Record("tbl1", "rec3")))
	assert.Equal(t, []string{"rec1", "rec2", "rec3"}, tree.Strings(path.VisibleRecordIDs("tbl1", "viw1")))
	assert.NotEmpty(t, tree.String(path.Record("tbl1", "rec3").Child(path.KeyCreatedTime)))

	apply(t, tree, DeleteRecords{Table: "tbl1", RecordIDs: []string{"rec1"}})
	assert.False(t, tree.Exists(path.Record("tbl1", "rec1")))
	assert.Equal(t, []string{"rec2", "rec3"}, tree.Strings(path.VisibleRecordIDs("tbl1", "viw1")))
}

func TestRecordLimits(t *testing.T) {
	tree := testTree()
	limits := Limits{MaxRecordsPerMutation: 1, MaxRecordsPerTable: 3}
	var verr *ValidationError

	err := Validate(tree, CreateRecords{Table: "tbl1", Records: []RecordCreate{{ID: "a"}, {ID: "b"}}}, limits)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeTooManyRecords, verr.Code)

	require.NoError(t, Validate(tree, CreateRecords{Table: "tbl1", Records: []RecordCreate{{ID: "a"}}}, limits))
	apply(t, tree, CreateRecords{Table: "tbl1", Records: []RecordCreate{{ID: "a"}}})

	err = Validate(tree, CreateRecords{Table: "tbl1", Records: []RecordCreate{{ID: "b"}}}, limits)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeTableFull, verr.Code)

	err = Validate(tree, CreateRecords{Table: "tbl1", Records: []RecordCreate{{ID: "rec1"}}}, DefaultLimits)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeDuplicateID, verr.Code)
}

func TestFieldCreateAndRename(t *testing.T) {
	tree := testTree()
	var verr *ValidationError

	err := Validate(tree, CreateField{Table: "tbl1", ID: "fldD", Name: " a ", Type: "singleLineText"}, DefaultLimits)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeDuplicateName, verr.Code)

	apply(t, tree, CreateField{Table: "tbl1", ID: "fldD", Name: "D", Type: "email"})
	ids, visible := fieldOrderOf(tree)
	assert.Equal(t, []string{"fldA", "fldB", "fldC", "fldD"}, ids)
	assert.Equal(t, 2.0, visible, "a new field stays hidden when the view hides fields")

	apply(t, tree, UpdateFieldName{Table: "tbl1", FieldID: "fldD", Name: "Contact"})
	assert.Equal(t, "Contact", tree.String(path.Field("tbl1", "fldD").Child(path.KeyName)))

	err = Validate(tree, UpdateFieldName{Table: "tbl1", FieldID: "fldD", Name: ""}, DefaultLimits)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeMalformed, verr.Code)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := Encode(DeleteRecords{Table: "tbl1", RecordIDs: []string{"rec1"}})
	require.NoError(t, err)
	assert.Equal(t, KindDeleteRecords, env.Type)

	m, err := Decode(env)
	require.NoError(t, err)
	assert.Equal(t, DeleteRecords{Table: "tbl1", RecordIDs: []string{"rec1"}}, m)

	_, err = Decode(&Envelope{Type: "dropTable"})
	assert.Error(t, err)
}
