package sdk

import (
	"strings"

	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/query"
)

// RecordKey is a watchable key of Record. Besides the constants,
// CellValueInField(fieldID) watches a single cell.
type RecordKey string

const (
	RecordKeyName         RecordKey = "name"
	RecordKeyCellValues   RecordKey = "cellValues"
	RecordKeyCommentCount RecordKey = "commentCount"

	cellValueInFieldPrefix = "cellValueInField:"
)

// CellValueInField returns the key that watches one field's cell.
func CellValueInField(fieldID string) RecordKey {
	return RecordKey(cellValueInFieldPrefix + fieldID)
}

// Record is a row of a table. Its values are readable while the table's
// record data is loaded.
type Record struct {
	model[RecordKey]
	table *Table
}

func newRecord(t *Table, id string) *Record {
	r := &Record{table: t}
	r.model = newModel(t.session, "record", id, r.validKey)
	return r
}

func (r *Record) validKey(k RecordKey) bool {
	switch k {
	case RecordKeyName, RecordKeyCellValues, RecordKeyCommentCount:
		return true
	}
	fieldID, ok := strings.CutPrefix(string(k), cellValueInFieldPrefix)
	if !ok || fieldID == "" {
		return false
	}
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	return r.table.fieldLocked(fieldID) != nil
}

func (r *Record) path() path.Path {
	return path.Record(r.table.id, r.id)
}

// Table returns the table the record belongs to.
func (r *Record) Table() *Table {
	return r.table
}

func (r *Record) readable() {
	r.assertLive()
	r.table.records.assertLoaded()
}

// Name returns the primary cell as text.
func (r *Record) Name() string {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	r.readable()
	return query.Text(r.cellLocked(r.table.primaryFieldIDLocked()))
}

// GetCellValue returns the value in the field with the given id or name.
// It panics for a field the table does not have.
func (r *Record) GetCellValue(idOrName string) any {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	r.readable()
	f := r.table.resolveFieldLocked(idOrName)
	if f == nil {
		invariant(r.kind, r.id, "no field %q in table %s", idOrName, r.table.id)
	}
	return datatree.Normalize(r.cellLocked(f.id))
}

// GetCellValueAsString returns the cell as display text.
func (r *Record) GetCellValueAsString(idOrName string) string {
	return query.Text(r.GetCellValue(idOrName))
}

// CellValues returns a copy of every cell by field id.
func (r *Record) CellValues() map[string]any {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	r.readable()
	cells, _ := datatree.Normalize(r.session.tree.Map(r.path().Child(path.KeyCellValues))).(map[string]any)
	return cells
}

// CommentCount returns the number of comments on the record.
func (r *Record) CommentCount() int {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	r.readable()
	return int(r.session.tree.Number(r.path().Child(path.KeyCommentCount)))
}

// CreatedTime returns the creation time as stored by the host.
func (r *Record) CreatedTime() string {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	r.readable()
	return r.session.tree.String(r.path().Child(path.KeyCreatedTime))
}

func (r *Record) cellLocked(fieldID string) any {
	v, _ := r.session.tree.Get(path.CellValue(r.table.id, r.id, fieldID))
	return v
}

// process emits the record's changes and returns the changed fields.
func (r *Record) process(node *delta.DirtyNode) []string {
	if node.Changed(path.KeyCommentCount) {
		r.emit(RecordKeyCommentCount, nil)
	}
	fields := changedCells(node, r.table)
	if len(fields) == 0 {
		return nil
	}
	r.emit(RecordKeyCellValues, fields)
	primary := r.table.primaryFieldIDLocked()
	for _, id := range fields {
		r.emit(CellValueInField(id), nil)
		if id == primary {
			r.emit(RecordKeyName, nil)
		}
	}
	return fields
}

func (r *Record) emitAll() {
	r.emit(RecordKeyName, nil)
	r.emit(RecordKeyCommentCount, nil)
	fields := allFieldIDs(r.table)
	r.emit(RecordKeyCellValues, fields)
	for _, id := range fields {
		r.emit(CellValueInField(id), nil)
	}
}
