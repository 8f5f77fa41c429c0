package sdk_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/mutation"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/query"
	"github.com/zot/basekit/internal/sdk"
	"github.com/zot/basekit/internal/simhost"
	"github.com/zot/basekit/internal/watch"
)

var (
	tasksKey   = simhost.TableDataKey("tblTasks")
	deleteShip = mutation.DeleteRecords{Table: "tblTasks", RecordIDs: []string{"recShip"}}
)

func TestLoadsAreRefCounted(t *testing.T) {
	h, s := newSession(t, nil)
	q, err := tasks(t, s).SelectRecords(queryAll)
	require.NoError(t, err)
	defer q.Release()
	ctx := context.Background()

	keys, err := q.LoadData(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, sdk.QueryResultKeyRecordIDs)
	for i := 0; i < 2; i++ {
		keys, err := q.LoadData(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys, "already loaded")
	}
	assert.Equal(t, 1, h.Subscribes(tasksKey))

	q.UnloadData()
	q.UnloadData()
	assert.True(t, q.IsDataLoaded())
	assert.Equal(t, 0, h.Unsubscribes(tasksKey))

	q.UnloadData()
	assert.False(t, q.IsDataLoaded())
	assert.Equal(t, 1, h.Unsubscribes(tasksKey))
	assert.False(t, h.IsSubscribed(tasksKey))
	requireInvariant(t, func() { q.RecordIDs() })

	// extra unloads are ignored
	q.UnloadData()
	assert.Equal(t, 1, h.Unsubscribes(tasksKey))
}

func TestConcurrentLoadsCoalesce(t *testing.T) {
	release := make(chan struct{})
	var fetches atomic.Int32
	h, s := newSession(t, []simhost.Option{simhost.WithFetchHook(func(ctx context.Context, key string) {
		if key == tasksKey {
			fetches.Add(1)
			<-release
		}
	})})
	q, err := tasks(t, s).SelectRecords(queryAll)
	require.NoError(t, err)
	defer q.Release()

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := q.LoadData(context.Background())
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, 1, h.Subscribes(tasksKey))
	assert.Len(t, q.RecordIDs(), 4)

	for i := 0; i < 3; i++ {
		q.UnloadData()
	}
	assert.Equal(t, 1, h.Unsubscribes(tasksKey))
}

func TestAbandonedLoadUnsubscribes(t *testing.T) {
	release := make(chan struct{})
	h, s := newSession(t, []simhost.Option{simhost.WithFetchHook(func(ctx context.Context, key string) {
		if key == tasksKey {
			<-release
		}
	})})
	q, err := tasks(t, s).SelectRecords(queryAll)
	require.NoError(t, err)
	defer q.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := q.LoadData(ctx)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return h.Unsubscribes(tasksKey) == 1 }, eventually, 5*time.Millisecond)
	assert.Equal(t, 1, h.Subscribes(tasksKey))
	assert.False(t, h.IsSubscribed(tasksKey))
	assert.False(t, q.IsDataLoaded())
}

func TestChangesDuringLoadKeepCreationOrder(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	_, s := newSession(t, []simhost.Option{simhost.WithFetchHook(func(ctx context.Context, key string) {
		if key == tasksKey {
			close(entered)
			<-release
		}
	})})
	q, err := tasks(t, s).SelectRecords(queryAll)
	require.NoError(t, err)
	defer q.Release()

	errs := make(chan error, 1)
	go func() {
		_, err := q.LoadData(context.Background())
		errs <- err
	}()
	<-entered
	s.ApplyChanges([]delta.Change{delta.Set(path.CellValue("tblTasks", "recShip", "fldNotes"), "late")})
	close(release)
	require.NoError(t, <-errs)
	defer q.UnloadData()

	assert.Equal(t, []string{"recDesign", "recBuild", "recTest", "recShip"}, q.RecordIDs())
	notes, err := q.GetCellValue("recShip", "fldNotes")
	require.NoError(t, err)
	assert.Equal(t, "late", notes, "the held back change applies over the snapshot")
}

func TestUnloadDelay(t *testing.T) {
	h, s := newSession(t, nil, sdk.WithUnloadDelay(30*time.Millisecond))
	q, err := tasks(t, s).SelectRecords(queryAll)
	require.NoError(t, err)
	defer q.Release()
	ctx := context.Background()

	_, err = q.LoadData(ctx)
	require.NoError(t, err)
	q.UnloadData()
	assert.True(t, q.IsDataLoaded(), "data outlives its last reference for the delay")

	// a load within the delay reuses the subscription
	_, err = q.LoadData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Subscribes(tasksKey))
	q.UnloadData()

	require.Eventually(t, func() bool { return !q.IsDataLoaded() }, eventually, 5*time.Millisecond)
	assert.Equal(t, 1, h.Unsubscribes(tasksKey))
}

func TestWatchingLoadsData(t *testing.T) {
	h, s := newSession(t, nil)
	q, err := tasks(t, s).SelectRecords(queryAll)
	require.NoError(t, err)
	defer q.Release()

	loaded := make(chan struct{}, 1)
	loadedSub, err := q.Watch([]sdk.QueryResultKey{sdk.QueryResultKeyIsDataLoaded}, func(watch.Event[sdk.QueryResultKey]) {
		select {
		case loaded <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	assert.False(t, q.IsDataLoaded(), "watching isDataLoaded does not load")

	sub, err := q.Watch([]sdk.QueryResultKey{sdk.QueryResultKeyRecordIDs, sdk.QueryResultKeyRecords}, func(watch.Event[sdk.QueryResultKey]) {})
	require.NoError(t, err)
	select {
	case <-loaded:
	case <-time.After(eventually):
		t.Fatal("watching recordIds did not load the data")
	}
	assert.True(t, q.IsDataLoaded())
	assert.Len(t, q.RecordIDs(), 4)

	require.NoError(t, q.Unwatch(sub))
	require.Eventually(t, func() bool { return h.Unsubscribes(tasksKey) == 1 }, eventually, 5*time.Millisecond)
	assert.False(t, q.IsDataLoaded())
	require.NoError(t, q.Unwatch(loadedSub))
}

func TestUnloadKeepsRecordIdentity(t *testing.T) {
	_, s := newSession(t, nil)
	tbl := tasks(t, s)
	q, err := tbl.SelectRecords(queryAll)
	require.NoError(t, err)
	defer q.Release()
	ctx := context.Background()

	_, err = q.LoadData(ctx)
	require.NoError(t, err)
	rec := tbl.GetRecordByIDIfExists("recDesign")
	require.NotNil(t, rec)
	q.UnloadData()
	assert.False(t, tbl.IsRecordDataLoaded())
	assert.False(t, rec.IsDeleted())
	requireInvariant(t, func() { rec.Name() })

	_, err = q.LoadData(ctx)
	require.NoError(t, err)
	defer q.UnloadData()
	assert.Same(t, rec, tbl.GetRecordByIDIfExists("recDesign"))
	assert.Equal(t, "Design", rec.Name())
}

func TestChangesForUnloadedDataAreDropped(t *testing.T) {
	h, s := newSession(t, nil)
	require.NoError(t, h.ApplyMutation(context.Background(), mutation.SetCellValues{Table: "tblTasks", Records: []mutation.RecordUpdate{
		{ID: "recShip", CellValues: map[string]any{"fldEstimate": 21}},
	}}))
	flush(t, h)

	q := loadedTasks(t, s)
	v, err := q.GetCellValue("recShip", "Estimate")
	require.NoError(t, err)
	assert.Equal(t, 21.0, v, "the fetch returns the host's current state")

	q2, err := tasks(t, s).SelectRecords(query.Options{Fields: []string{"Name"}})
	require.NoError(t, err)
	defer q2.Release()
	assert.True(t, q2.IsDataLoaded(), "a query over loaded data is loaded")
	_, err = q2.GetCellValue("recShip", "Estimate")
	assert.ErrorIs(t, err, sdk.ErrDataNotLoaded)
	name, err := q2.GetCellValue("recShip", "fldName")
	require.NoError(t, err)
	assert.Equal(t, "Ship", name)
}
