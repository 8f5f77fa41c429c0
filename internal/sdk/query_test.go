package sdk_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/query"
	"github.com/zot/basekit/internal/sdk"
	"github.com/zot/basekit/internal/watch"
)

func selectLoaded(t *testing.T, sel func(query.Options) (*sdk.QueryResult, error), opts query.Options) *sdk.QueryResult {
	t.Helper()
	q, err := sel(opts)
	require.NoError(t, err)
	_, err = q.LoadData(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		q.UnloadData()
		q.Release()
	})
	return q
}

func TestEquivalentQueriesShareOneResult(t *testing.T) {
	h, s := newSession(t, nil)
	tbl := tasks(t, s)

	a, err := tbl.SelectRecords(query.Options{
		Sorts:  []query.Sort{{Field: "Estimate"}},
		Fields: []string{"Name", "fldEstimate"},
	})
	require.NoError(t, err)
	b, err := tbl.SelectRecords(query.Options{
		Sorts:  []query.Sort{{Field: "fldEstimate", Direction: "asc"}},
		Fields: []string{"Estimate", "Name", "Name"},
	})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, s.Queries().Len())
	assert.Same(t, a, s.Queries().Get(a.Fingerprint()))

	ctx := context.Background()
	_, err = a.LoadData(ctx)
	require.NoError(t, err)
	_, err = b.LoadData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Subscribes(tasksKey), "both consumers share one host subscription")
	assert.Equal(t, []string{"recShip", "recDesign", "recTest", "recBuild"}, a.RecordIDs())
	assert.Equal(t, a.RecordIDs(), b.RecordIDs())
	a.UnloadData()
	b.UnloadData()
	assert.Equal(t, 1, h.Unsubscribes(tasksKey))

	c, err := tbl.SelectRecords(query.Options{Sorts: []query.Sort{{Field: "Estimate", Direction: "desc"}}})
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	c.Release()

	v, err := tbl.GetViewByIDIfExists("viwAll").SelectRecords(queryAll)
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), v.Fingerprint())
	assert.Same(t, tbl.GetViewByIDIfExists("viwAll"), v.View())
	v.Release()

	a.Release()
	assert.False(t, b.IsDeleted(), "one holder left")
	b.Release()
	assert.True(t, b.IsDeleted())
	assert.Equal(t, 0, s.Queries().Len())

	d, err := tbl.SelectRecords(query.Options{Sorts: []query.Sort{{Field: "Estimate"}}})
	require.NoError(t, err)
	defer d.Release()
	assert.NotSame(t, a, d, "a released result is never handed out again")
}

func TestQueryOptionErrors(t *testing.T) {
	_, s := newSession(t, nil)
	tbl := tasks(t, s)

	_, err := tbl.SelectRecords(query.Options{Sorts: []query.Sort{{Field: "Nope"}}})
	assert.ErrorIs(t, err, query.ErrUnknownField)
	_, err = tbl.SelectRecords(query.Options{Sorts: []query.Sort{{Field: "Name", Direction: "sideways"}}})
	assert.Error(t, err)
	_, err = tbl.SelectRecords(query.Options{Filter: "fields["})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Queries().Len())
}

func TestTableQueryOrder(t *testing.T) {
	_, s := newSession(t, nil)
	tbl := tasks(t, s)

	all := selectLoaded(t, tbl.SelectRecords, queryAll)
	assert.Equal(t, []string{"recDesign", "recBuild", "recTest", "recShip"}, all.RecordIDs())

	desc := selectLoaded(t, tbl.SelectRecords, query.Options{Sorts: []query.Sort{{Field: "Estimate", Direction: "desc"}}})
	assert.Equal(t, []string{"recBuild", "recTest", "recDesign", "recShip"}, desc.RecordIDs())

	byName := selectLoaded(t, tbl.SelectRecords, query.Options{Sorts: []query.Sort{{Field: "Name"}}})
	assert.Equal(t, []string{"recBuild", "recDesign", "recShip", "recTest"}, byName.RecordIDs())

	big := selectLoaded(t, tbl.SelectRecords, query.Options{Filter: `fields["Estimate"] > 2`})
	assert.Equal(t, []string{"recDesign", "recBuild", "recTest"}, big.RecordIDs())
	assert.True(t, big.HasRecord("recTest"))
	assert.False(t, big.HasRecord("recShip"))
	assert.Nil(t, big.GetRecordByIDIfExists("recShip"))

	records := desc.Records()
	require.Len(t, records, 4)
	assert.Equal(t, "Build", records[0].Name())
}

func TestSortIsStableForTies(t *testing.T) {
	h, s := newSession(t, nil)
	tbl := tasks(t, s)
	q := selectLoaded(t, tbl.SelectRecords, query.Options{Sorts: []query.Sort{{Field: "Estimate"}}})
	assert.Equal(t, []string{"recShip", "recDesign", "recTest", "recBuild"}, q.RecordIDs())

	var mu sync.Mutex
	var fired []sdk.QueryResultKey
	_, err := q.Watch([]sdk.QueryResultKey{sdk.QueryResultKeyRecordIDs}, func(e watch.Event[sdk.QueryResultKey]) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, e.Key)
	})
	require.NoError(t, err)

	// recTest ties with recDesign and keeps its place after it
	require.NoError(t, h.ApplyExternal([]delta.Change{delta.Set(path.CellValue("tblTasks", "recTest", "fldEstimate"), 3.0)}))
	flush(t, h)
	assert.Equal(t, []string{"recShip", "recDesign", "recTest", "recBuild"}, q.RecordIDs())
	mu.Lock()
	assert.Empty(t, fired, "order did not change")
	mu.Unlock()

	require.NoError(t, h.ApplyExternal([]delta.Change{delta.Set(path.CellValue("tblTasks", "recDesign", "fldEstimate"), 9.0)}))
	flush(t, h)
	assert.Equal(t, []string{"recShip", "recTest", "recBuild", "recDesign"}, q.RecordIDs())
	mu.Lock()
	assert.Equal(t, []sdk.QueryResultKey{sdk.QueryResultKeyRecordIDs}, fired)
	mu.Unlock()
}

func TestViewQueryFollowsVisibleRecords(t *testing.T) {
	h, s := newSession(t, nil)
	open := tasks(t, s).GetViewByIDIfExists("viwOpen")
	q := selectLoaded(t, open.SelectRecords, queryAll)
	assert.Equal(t, []string{"recBuild", "recTest", "recShip"}, q.RecordIDs())

	require.NoError(t, h.ApplyExternal([]delta.Change{
		delta.Set(path.VisibleRecordIDs("tblTasks", "viwOpen"), []any{"recShip", "recBuild"}),
	}))
	flush(t, h)
	assert.Equal(t, []string{"recShip", "recBuild"}, q.RecordIDs())

	sorted := selectLoaded(t, open.SelectRecords, query.Options{Sorts: []query.Sort{{Field: "Name", Direction: "desc"}}})
	assert.Equal(t, []string{"recShip", "recBuild"}, sorted.RecordIDs())
}

func TestCellValueEvents(t *testing.T) {
	h, s := newSession(t, nil)
	q := selectLoaded(t, tasks(t, s).SelectRecords, query.Options{Fields: []string{"Name", "Estimate"}})

	var mu sync.Mutex
	var changes []sdk.CellValuesChange
	_, err := q.Watch([]sdk.QueryResultKey{sdk.CellValuesInField("fldEstimate")}, func(e watch.Event[sdk.QueryResultKey]) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, e.Details.(sdk.CellValuesChange))
	})
	require.NoError(t, err)
	_, err = q.Watch([]sdk.QueryResultKey{sdk.CellValuesInField("fldNotes")}, func(watch.Event[sdk.QueryResultKey]) {})
	assert.ErrorIs(t, err, sdk.ErrUnknownWatchKey, "notes are not part of the result")

	require.NoError(t, h.ApplyExternal([]delta.Change{
		delta.Set(path.CellValue("tblTasks", "recBuild", "fldEstimate"), 2.0),
		delta.Set(path.CellValue("tblTasks", "recBuild", "fldNotes"), "ignored"),
	}))
	flush(t, h)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []sdk.CellValuesChange{{RecordIDs: []string{"recBuild"}, FieldIDs: []string{"fldEstimate"}}}, changes)
}

func TestQueryDiesWithItsView(t *testing.T) {
	h, s := newSession(t, nil)
	open := tasks(t, s).GetViewByIDIfExists("viwOpen")
	q, err := open.SelectRecords(queryAll)
	require.NoError(t, err)
	_, err = q.LoadData(context.Background())
	require.NoError(t, err)
	fp := q.Fingerprint()

	require.NoError(t, h.ApplyExternal([]delta.Change{
		delta.Remove(path.View("tblTasks", "viwOpen")),
		delta.Set(path.Table("tblTasks").Child(path.KeyViewOrder), []any{"viwAll"}),
	}))
	flush(t, h)

	assert.True(t, open.IsDeleted())
	assert.True(t, q.IsDeleted())
	assert.Nil(t, s.Queries().Get(fp))
	require.Eventually(t, func() bool {
		return h.Unsubscribes(tasksKey) == 1
	}, eventually, 5*time.Millisecond)
	requireInvariant(t, func() { q.RecordIDs() })
	q.Release()
}
