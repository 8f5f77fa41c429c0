package sdk

import (
	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/fieldtype"
	"github.com/zot/basekit/internal/path"
)

// FieldKey is a watchable key of Field.
type FieldKey string

const (
	FieldKeyName        FieldKey = "name"
	FieldKeyType        FieldKey = "type"
	FieldKeyOptions     FieldKey = "options"
	FieldKeyDescription FieldKey = "description"
)

func validFieldKey(k FieldKey) bool {
	switch k {
	case FieldKeyName, FieldKeyType, FieldKeyOptions, FieldKeyDescription:
		return true
	}
	return false
}

// Field is a column of a table.
type Field struct {
	model[FieldKey]
	table *Table
}

func newField(t *Table, id string) *Field {
	return &Field{model: newModel(t.session, "field", id, validFieldKey), table: t}
}

func (f *Field) path() path.Path {
	return path.Field(f.table.id, f.id)
}

// Table returns the table the field belongs to.
func (f *Field) Table() *Table {
	return f.table
}

// Name returns the field name.
func (f *Field) Name() string {
	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	f.assertLive()
	return f.nameLocked()
}

func (f *Field) nameLocked() string {
	return f.session.tree.String(f.path().Child(path.KeyName))
}

// Type returns the field type.
func (f *Field) Type() fieldtype.Type {
	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	f.assertLive()
	return f.typeLocked()
}

func (f *Field) typeLocked() fieldtype.Type {
	return fieldtype.Type(f.session.tree.String(f.path().Child(path.KeyType)))
}

// Options returns a copy of the type options, or nil.
func (f *Field) Options() map[string]any {
	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	f.assertLive()
	v, ok := f.session.tree.Get(f.path().Child(path.KeyOptions))
	if !ok {
		return nil
	}
	opts, _ := datatree.Normalize(v).(map[string]any)
	return opts
}

// Description returns the field description.
func (f *Field) Description() string {
	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	f.assertLive()
	return f.session.tree.String(f.path().Child(path.KeyDescription))
}

// IsPrimaryField reports whether the field is its table's primary field.
func (f *Field) IsPrimaryField() bool {
	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	f.assertLive()
	return f.table.primaryFieldIDLocked() == f.id
}

// IsComputed reports whether the host computes the field's values.
func (f *Field) IsComputed() bool {
	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	f.assertLive()
	return f.typeLocked().Computed()
}

func (f *Field) process(node *delta.DirtyNode) {
	if node.Changed(path.KeyName) {
		f.emit(FieldKeyName, nil)
	}
	if node.Changed(path.KeyType) {
		f.emit(FieldKeyType, nil)
	}
	if node.Changed(path.KeyOptions) {
		f.emit(FieldKeyOptions, nil)
	}
	if node.Changed(path.KeyDescription) {
		f.emit(FieldKeyDescription, nil)
	}
}
