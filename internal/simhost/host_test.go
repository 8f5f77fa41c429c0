package simhost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/mutation"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/permission"
	"github.com/zot/basekit/internal/storage"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]delta.Change
}

func (r *recorder) handle(changes []delta.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, changes)
}

func (r *recorder) all() [][]delta.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]delta.Change(nil), r.batches...)
}

func newHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	h, err := New(SampleBase(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestFetchBaseDataOmitsOnDemandData(t *testing.T) {
	h := newHost(t)
	base, err := h.FetchBaseData(context.Background())
	require.NoError(t, err)

	tree := datatree.New(base)
	assert.Equal(t, "Project Tracker", tree.String(path.Path{path.KeyName}))
	assert.True(t, tree.Exists(path.Field("tblTasks", "fldStatus")))
	assert.False(t, tree.Exists(path.Records("tblTasks")))
	assert.False(t, tree.Exists(path.FieldOrder("tblTasks", "viwAll")))
	assert.False(t, tree.Exists(path.Cursor()))
}

func TestSubscriptionCounters(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()

	records, err := h.FetchAndSubscribeToTableData(ctx, "tblTasks")
	require.NoError(t, err)
	assert.Len(t, records, 4)
	assert.True(t, h.IsSubscribed(TableDataKey("tblTasks")))

	h.UnsubscribeFromTableData("tblTasks")
	assert.False(t, h.IsSubscribed(TableDataKey("tblTasks")))
	assert.Equal(t, 1, h.Subscribes(TableDataKey("tblTasks")))
	assert.Equal(t, 1, h.Unsubscribes(TableDataKey("tblTasks")))

	_, err = h.FetchAndSubscribeToTableData(ctx, "tblMissing")
	assert.Error(t, err)
}

func TestDeliveryIsFilteredBySubscription(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()
	var rec recorder
	h.SubscribeToModelUpdates(rec.handle)

	update := mutation.SetCellValues{Table: "tblTasks", Records: []mutation.RecordUpdate{
		{ID: "recShip", CellValues: map[string]any{"fldEstimate": 2}},
	}}
	require.NoError(t, h.ApplyMutation(ctx, update))
	assert.Empty(t, rec.all(), "record changes go only to record subscribers")

	_, err := h.FetchAndSubscribeToTableData(ctx, "tblTasks")
	require.NoError(t, err)
	update.Records[0].CellValues["fldEstimate"] = 3
	require.NoError(t, h.ApplyMutation(ctx, update))

	batches := rec.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, path.CellValue("tblTasks", "recShip", "fldEstimate"), batches[0][0].Path)
	assert.Equal(t, 3.0, batches[0][0].Value)
}

func TestBatchesArriveInOrder(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()
	var rec recorder
	h.SubscribeToModelUpdates(rec.handle)

	for _, name := range []string{"One", "Two", "Three"} {
		require.NoError(t, h.ApplyExternal([]delta.Change{delta.Set(path.Path{path.KeyName}, name)}))
	}
	require.NoError(t, h.Flush(ctx))

	var names []any
	for _, b := range rec.all() {
		names = append(names, b[0].Value)
	}
	assert.Equal(t, []any{"One", "Two", "Three"}, names)
}

func TestDeleteFieldCascades(t *testing.T) {
	h := newHost(t)
	ctx := context.Background()

	require.NoError(t, h.ApplyMutation(ctx, mutation.DeleteField{Table: "tblTasks", FieldID: "fldStatus"}))
	tree := datatree.New(h.Snapshot())

	assert.False(t, tree.Exists(path.Field("tblTasks", "fldStatus")))
	assert.False(t, tree.Exists(path.CellValue("tblTasks", "recBuild", "fldStatus")))
	order := tree.Map(path.FieldOrder("tblTasks", "viwAll"))
	assert.Equal(t, []string{"fldName", "fldEstimate", "fldNotes"}, datatree.StringList(order[path.KeyFieldIDs]))
	assert.Equal(t, 2.0, order[path.KeyVisibleCount])

	err := h.ApplyMutation(ctx, mutation.DeleteField{Table: "tblTasks", FieldID: "fldName"})
	var verr *mutation.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, mutation.CodePrimaryField, verr.Code)
}

func TestPermissions(t *testing.T) {
	h := newHost(t, WithPermission(permission.Comment))
	m := mutation.DeleteRecords{Table: "tblTasks", RecordIDs: []string{"recShip"}}

	res := h.CheckPermissionsForMutation(m)
	assert.False(t, res.HasPermission)
	assert.NotEmpty(t, res.ReasonDisplayString)
	assert.Error(t, h.ApplyMutation(context.Background(), m))

	h.SetPermission(permission.Edit)
	assert.True(t, h.CheckPermissionsForMutation(m).HasPermission)
	assert.Equal(t, "edit", datatree.New(h.Snapshot()).String(path.Path{path.KeyPermission}))
}

func TestFailNext(t *testing.T) {
	h := newHost(t)
	boom := errors.New("offline")
	h.FailNext(boom)
	m := mutation.UpdateFieldName{Table: "tblTasks", FieldID: "fldNotes", Name: "Details"}

	assert.ErrorIs(t, h.ApplyMutation(context.Background(), m), boom)
	assert.Equal(t, "Notes", datatree.New(h.Snapshot()).String(path.Field("tblTasks", "fldNotes").Child(path.KeyName)))
	assert.NoError(t, h.ApplyMutation(context.Background(), m))
}

func TestFetchHookHoldsFetch(t *testing.T) {
	release := make(chan struct{})
	h := newHost(t, WithFetchHook(func(ctx context.Context, key string) {
		if key == CursorDataKey {
			<-release
		}
	}))

	done := make(chan error, 1)
	go func() {
		_, err := h.FetchAndSubscribeToCursorData(context.Background())
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("fetch returned before the hook released it")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
}

func TestContractViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(base map[string]any)
	}{
		{"missing primary field", func(base map[string]any) {
			table(base, "tblTasks")["primaryFieldId"] = "fldNope"
		}},
		{"unknown field type", func(base map[string]any) {
			field(base, "tblTasks", "fldNotes")["type"] = "hologram"
		}},
		{"id mismatch", func(base map[string]any) {
			field(base, "tblTasks", "fldNotes")["id"] = "fldOther"
		}},
		{"field order references unknown field", func(base map[string]any) {
			view(base, "tblTasks", "viwAll")["fieldOrder"] = map[string]any{"fieldIds": []any{"fldName", "fldGhost"}, "visibleFieldCount": 1}
		}},
		{"visible record missing", func(base map[string]any) {
			view(base, "tblTasks", "viwAll")["visibleRecordIds"] = []any{"recGhost"}
		}},
		{"bad permission", func(base map[string]any) {
			base["permissionLevel"] = "emperor"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := SampleBase()
			tt.mutate(base)
			_, err := New(base)
			var cerr *HostContractError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestFixtureFormats(t *testing.T) {
	yamlBase, err := LoadFixture("testdata/base.yaml")
	require.NoError(t, err)
	h, err := New(yamlBase)
	require.NoError(t, err)
	tree := datatree.New(h.Snapshot())
	assert.Equal(t, 412.0, tree.Number(path.CellValue("tblBooks", "recDune", "fldPages")))
	assert.Equal(t, []string{"recDune", "recEmma"}, tree.Strings(path.VisibleRecordIDs("tblBooks", "viwGrid")))
	assert.Equal(t, []string{"fldTitle", "fldPages"}, datatree.StringList(tree.Map(path.FieldOrder("tblBooks", "viwGrid"))[path.KeyFieldIDs]))

	tomlBase, err := LoadFixture("testdata/base.toml")
	require.NoError(t, err)
	_, err = New(tomlBase)
	require.NoError(t, err)

	_, err = ParseFixture([]byte("{}"), "ini")
	assert.Error(t, err)
}

func TestReplaceBaseDeliversDiff(t *testing.T) {
	h := newHost(t)
	var rec recorder
	h.SubscribeToModelUpdates(rec.handle)

	next := SampleBase()
	next["name"] = "Renamed Tracker"
	require.NoError(t, h.ReplaceBase(next))
	require.NoError(t, h.Flush(context.Background()))

	batches := rec.all()
	require.Len(t, batches, 1)
	assert.Equal(t, []delta.Change{delta.Set(path.Path{path.KeyName}, "Renamed Tracker")}, batches[0])
}

func TestPersistence(t *testing.T) {
	store := storage.NewMemoryStorage()
	h := newHost(t, WithStorage(store))
	ctx := context.Background()

	require.NoError(t, h.ApplyMutation(ctx, mutation.CreateRecords{Table: "tblPeople", Records: []mutation.RecordCreate{
		{ID: "recGrace", CreatedTime: "2024-05-01T00:00:00.000Z", CellValues: map[string]any{"fldPerson": "Grace"}},
	}}))
	require.NoError(t, h.ApplyMutation(ctx, mutation.DeleteRecords{Table: "tblTasks", RecordIDs: []string{"recShip"}}))

	loaded, err := LoadBase(store, "appTracker")
	require.NoError(t, err)
	assert.Equal(t, h.Snapshot(), datatree.Normalize(loaded))
}

func TestRestore(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	first, err := Restore(store, SampleBase())
	require.NoError(t, err)
	require.NoError(t, first.ApplyMutation(ctx, mutation.DeleteRecords{Table: "tblTasks", RecordIDs: []string{"recShip"}}))
	want := first.Snapshot()
	first.Close()

	second, err := Restore(store, SampleBase())
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, want, second.Snapshot())
}

func table(base map[string]any, id string) map[string]any {
	return base["tablesById"].(map[string]any)[id].(map[string]any)
}

func field(base map[string]any, tid, fid string) map[string]any {
	return table(base, tid)["fieldsById"].(map[string]any)[fid].(map[string]any)
}

func view(base map[string]any, tid, vid string) map[string]any {
	return table(base, tid)["viewsById"].(map[string]any)[vid].(map[string]any)
}
