package sdk

import (
	"context"
	"fmt"

	"github.com/zot/basekit/internal/bridge"
	"github.com/zot/basekit/internal/fieldtype"
	"github.com/zot/basekit/internal/mutation"
)

// RecordUpdate holds new cell values for one record, keyed by field id or
// name.
type RecordUpdate struct {
	ID     string
	Fields map[string]any
}

// resolveCellsLocked rekeys cells by field id. Keys that match no field are
// kept so that validation reports them.
func (t *Table) resolveCellsLocked(cells map[string]any) map[string]any {
	out := make(map[string]any, len(cells))
	for key, value := range cells {
		if f := t.resolveFieldLocked(key); f != nil {
			out[f.id] = value
		} else {
			out[key] = value
		}
	}
	return out
}

func (t *Table) setCellValuesLocked(updates []RecordUpdate) mutation.Mutation {
	m := mutation.SetCellValues{Table: t.id, Records: make([]mutation.RecordUpdate, 0, len(updates))}
	for _, u := range updates {
		m.Records = append(m.Records, mutation.RecordUpdate{ID: u.ID, CellValues: t.resolveCellsLocked(u.Fields)})
	}
	return m
}

// UpdateRecords writes cell values of several records. Record data must be
// loaded.
func (t *Table) UpdateRecords(ctx context.Context, updates []RecordUpdate) (*Completion, error) {
	return t.session.mutate(ctx, t.records.data, func() (mutation.Mutation, error) {
		t.assertLive()
		return t.setCellValuesLocked(updates), nil
	})
}

// UpdateRecord writes cell values of one record.
func (t *Table) UpdateRecord(ctx context.Context, recordID string, fields map[string]any) (*Completion, error) {
	return t.UpdateRecords(ctx, []RecordUpdate{{ID: recordID, Fields: fields}})
}

// CheckPermissionsForUpdateRecords reports whether UpdateRecords would be
// allowed. Nil updates ask about updating records in general.
func (t *Table) CheckPermissionsForUpdateRecords(updates []RecordUpdate) bridge.PermissionCheckResult {
	return t.session.permissionFor(func() mutation.Mutation { return t.setCellValuesLocked(updates) })
}

// HasPermissionToUpdateRecords is CheckPermissionsForUpdateRecords as a bool.
func (t *Table) HasPermissionToUpdateRecords(updates []RecordUpdate) bool {
	return t.CheckPermissionsForUpdateRecords(updates).HasPermission
}

func (t *Table) createRecordsLocked(records []map[string]any, ids []string) mutation.Mutation {
	created := nowCreatedTime()
	m := mutation.CreateRecords{Table: t.id, Records: make([]mutation.RecordCreate, 0, len(records))}
	for i, fields := range records {
		m.Records = append(m.Records, mutation.RecordCreate{
			ID:          ids[i],
			CreatedTime: created,
			CellValues:  t.resolveCellsLocked(fields),
		})
	}
	return m
}

// CreateRecords adds records with the given cell values and returns their
// ids. The records are readable right away.
func (t *Table) CreateRecords(ctx context.Context, records []map[string]any) ([]string, *Completion, error) {
	ids := make([]string, len(records))
	for i := range ids {
		ids[i] = t.session.opts.ids.New(RecordIDPrefix)
	}
	done, err := t.session.mutate(ctx, t.records.data, func() (mutation.Mutation, error) {
		t.assertLive()
		return t.createRecordsLocked(records, ids), nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ids, done, nil
}

// CreateRecord adds one record.
func (t *Table) CreateRecord(ctx context.Context, fields map[string]any) (string, *Completion, error) {
	ids, done, err := t.CreateRecords(ctx, []map[string]any{fields})
	if err != nil {
		return "", nil, err
	}
	return ids[0], done, nil
}

// CheckPermissionsForCreateRecords reports whether CreateRecords would be
// allowed.
func (t *Table) CheckPermissionsForCreateRecords(records []map[string]any) bridge.PermissionCheckResult {
	ids := make([]string, len(records))
	return t.session.permissionFor(func() mutation.Mutation { return t.createRecordsLocked(records, ids) })
}

// HasPermissionToCreateRecords is CheckPermissionsForCreateRecords as a bool.
func (t *Table) HasPermissionToCreateRecords(records []map[string]any) bool {
	return t.CheckPermissionsForCreateRecords(records).HasPermission
}

// DeleteRecords removes records. Record data must be loaded.
func (t *Table) DeleteRecords(ctx context.Context, recordIDs []string) (*Completion, error) {
	return t.session.mutate(ctx, t.records.data, func() (mutation.Mutation, error) {
		t.assertLive()
		return mutation.DeleteRecords{Table: t.id, RecordIDs: recordIDs}, nil
	})
}

// DeleteRecord removes one record.
func (t *Table) DeleteRecord(ctx context.Context, recordID string) (*Completion, error) {
	return t.DeleteRecords(ctx, []string{recordID})
}

// CheckPermissionsForDeleteRecords reports whether DeleteRecords would be
// allowed.
func (t *Table) CheckPermissionsForDeleteRecords(recordIDs []string) bridge.PermissionCheckResult {
	return t.session.permissionFor(func() mutation.Mutation {
		return mutation.DeleteRecords{Table: t.id, RecordIDs: recordIDs}
	})
}

// HasPermissionToDeleteRecords is CheckPermissionsForDeleteRecords as a bool.
func (t *Table) HasPermissionToDeleteRecords(recordIDs []string) bool {
	return t.CheckPermissionsForDeleteRecords(recordIDs).HasPermission
}

// CreateField adds a field to the table and returns its model.
func (t *Table) CreateField(ctx context.Context, name string, typ fieldtype.Type, options map[string]any, description string) (*Field, *Completion, error) {
	id := t.session.opts.ids.New(FieldIDPrefix)
	done, err := t.session.mutate(ctx, nil, func() (mutation.Mutation, error) {
		t.assertLive()
		return mutation.CreateField{Table: t.id, ID: id, Name: name, Type: typ, Options: options, Description: description}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	t.session.mu.Lock()
	f := t.fieldLocked(id)
	t.session.mu.Unlock()
	if f == nil {
		return nil, done, fmt.Errorf("field %s: %w", id, ErrNotFound)
	}
	return f, done, nil
}

// CheckPermissionsForCreateField reports whether CreateField would be
// allowed.
func (t *Table) CheckPermissionsForCreateField(name string, typ fieldtype.Type) bridge.PermissionCheckResult {
	return t.session.permissionFor(func() mutation.Mutation {
		return mutation.CreateField{Table: t.id, Name: name, Type: typ}
	})
}

// HasPermissionToCreateField is CheckPermissionsForCreateField as a bool.
func (t *Table) HasPermissionToCreateField(name string, typ fieldtype.Type) bool {
	return t.CheckPermissionsForCreateField(name, typ).HasPermission
}

// UpdateName renames the field.
func (f *Field) UpdateName(ctx context.Context, name string) (*Completion, error) {
	return f.session.mutate(ctx, nil, func() (mutation.Mutation, error) {
		f.assertLive()
		return mutation.UpdateFieldName{Table: f.table.id, FieldID: f.id, Name: name}, nil
	})
}

// CheckPermissionsForUpdateName reports whether UpdateName would be allowed.
func (f *Field) CheckPermissionsForUpdateName(name string) bridge.PermissionCheckResult {
	return f.session.permissionFor(func() mutation.Mutation {
		return mutation.UpdateFieldName{Table: f.table.id, FieldID: f.id, Name: name}
	})
}

// HasPermissionToUpdateName is CheckPermissionsForUpdateName as a bool.
func (f *Field) HasPermissionToUpdateName(name string) bool {
	return f.CheckPermissionsForUpdateName(name).HasPermission
}

// Delete removes the field. The primary field cannot be deleted.
func (f *Field) Delete(ctx context.Context) (*Completion, error) {
	return f.session.mutate(ctx, nil, func() (mutation.Mutation, error) {
		f.assertLive()
		return mutation.DeleteField{Table: f.table.id, FieldID: f.id}, nil
	})
}

// CheckPermissionsForDelete reports whether Delete would be allowed.
func (f *Field) CheckPermissionsForDelete() bridge.PermissionCheckResult {
	return f.session.permissionFor(func() mutation.Mutation {
		return mutation.DeleteField{Table: f.table.id, FieldID: f.id}
	})
}

// HasPermissionToDelete is CheckPermissionsForDelete as a bool.
func (f *Field) HasPermissionToDelete() bool {
	return f.CheckPermissionsForDelete().HasPermission
}
