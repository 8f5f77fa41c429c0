package wsbridge_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/basekit/internal/config"
	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/mutation"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/permission"
	"github.com/zot/basekit/internal/protocol"
	"github.com/zot/basekit/internal/query"
	"github.com/zot/basekit/internal/sdk"
	"github.com/zot/basekit/internal/server"
	"github.com/zot/basekit/internal/simhost"
	"github.com/zot/basekit/internal/wsbridge"
)

const eventually = 2 * time.Second

func startServer(t *testing.T, opts ...simhost.Option) (*simhost.Host, string) {
	t.Helper()
	host, err := simhost.New(simhost.SampleBase(), opts...)
	require.NoError(t, err)
	srv := server.New(config.DefaultConfig(), host)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), eventually)
		defer cancel()
		_ = srv.Shutdown(ctx)
		host.Close()
	})
	return host, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, opts ...wsbridge.Option) *wsbridge.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	c, err := wsbridge.Dial(ctx, url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSessionOverWebSocket(t *testing.T) {
	host, url := startServer(t, simhost.WithPermission(permission.Edit))
	client := dial(t, url)
	ctx := context.Background()

	s, err := sdk.NewSession(ctx, client, sdk.WithUnloadDelay(0))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "Project Tracker", s.Base().Name())
	assert.Equal(t, permission.Edit, s.Base().PermissionLevel())

	tbl, err := s.Base().GetTable("Tasks")
	require.NoError(t, err)
	q, err := tbl.SelectRecords(query.Options{})
	require.NoError(t, err)
	defer q.Release()
	_, err = q.LoadData(ctx)
	require.NoError(t, err)
	assert.Len(t, q.RecordIDs(), 4)
	assert.True(t, host.IsSubscribed(simhost.TableDataKey("tblTasks")))

	done, err := tbl.UpdateRecord(ctx, "recBuild", map[string]any{"Estimate": 21})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, eventually)
	defer cancel()
	require.NoError(t, done.Wait(waitCtx))
	v, _ := q.GetCellValue("recBuild", "Estimate")
	assert.EqualValues(t, 21, v)
	stored, ok := datatree.New(host.Snapshot()).Get(path.CellValue("tblTasks", "recBuild", "fldEstimate"))
	require.True(t, ok)
	assert.EqualValues(t, 21, stored)

	// a collaborator's change arrives as a push
	require.NoError(t, host.ApplyExternal([]delta.Change{
		delta.Set(path.CellValue("tblTasks", "recTest", "fldNotes"), "from elsewhere"),
	}))
	require.Eventually(t, func() bool {
		v, _ := q.GetCellValue("recTest", "fldNotes")
		return v == "from elsewhere"
	}, eventually, 5*time.Millisecond)

	q.UnloadData()
	require.Eventually(t, func() bool {
		return !host.IsSubscribed(simhost.TableDataKey("tblTasks"))
	}, eventually, 5*time.Millisecond)
}

func TestPermissionIsCachedAndTracked(t *testing.T) {
	host, url := startServer(t, simhost.WithPermission(permission.Read))
	client := dial(t, url)
	_, err := client.FetchBaseData(context.Background())
	require.NoError(t, err)

	update := mutation.SetCellValues{
		Table:   "tblTasks",
		Records: []mutation.RecordUpdate{{ID: "recBuild", CellValues: map[string]any{"fldNotes": "x"}}},
	}
	check := client.CheckPermissionsForMutation(update)
	assert.False(t, check.HasPermission)
	assert.NotEmpty(t, check.ReasonDisplayString)

	host.SetPermission(permission.Edit)
	require.Eventually(t, func() bool {
		return client.CheckPermissionsForMutation(update).HasPermission
	}, eventually, 5*time.Millisecond)
	assert.False(t, client.CheckPermissionsForMutation(mutation.DeleteField{Table: "tblTasks", FieldID: "fldNotes"}).HasPermission)
}

func TestRequestErrors(t *testing.T) {
	_, url := startServer(t, simhost.WithPermission(permission.Owner))
	client := dial(t, url)
	ctx := context.Background()

	err := client.ApplyMutation(ctx, mutation.DeleteRecords{Table: "tblTasks", RecordIDs: []string{"recNope"}})
	var verr *mutation.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, mutation.CodeRecordNotFound, verr.Code)
	assert.Equal(t, "recNope", verr.RecordID)

	_, err = client.FetchAndSubscribeToViewData(ctx, "tblTasks", "viwNope")
	var remote *protocol.RemoteError
	assert.True(t, errors.As(err, &remote), "got %v", err)
}

func TestCloseFailsRequests(t *testing.T) {
	_, url := startServer(t)
	client := dial(t, url, wsbridge.WithRequestTimeout(time.Second))
	require.NoError(t, client.Close())

	select {
	case <-client.Done():
	case <-time.After(eventually):
		t.Fatal("Done was not closed")
	}
	_, err := client.FetchBaseData(context.Background())
	assert.ErrorIs(t, err, wsbridge.ErrClosed)
	assert.ErrorIs(t, client.Err(), wsbridge.ErrClosed)
}
