package sdk_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zot/basekit/internal/query"
	"github.com/zot/basekit/internal/sdk"
	"github.com/zot/basekit/internal/simhost"
)

const eventually = 2 * time.Second

var queryAll = query.Options{}

func newSession(t *testing.T, hostOpts []simhost.Option, opts ...sdk.Option) (*simhost.Host, *sdk.Session) {
	t.Helper()
	h, err := simhost.New(simhost.SampleBase(), hostOpts...)
	require.NoError(t, err)
	opts = append([]sdk.Option{sdk.WithUnloadDelay(0)}, opts...)
	s, err := sdk.NewSession(context.Background(), h, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		h.Close()
	})
	return h, s
}

func tasks(t *testing.T, s *sdk.Session) *sdk.Table {
	t.Helper()
	tbl, err := s.Base().GetTable("Tasks")
	require.NoError(t, err)
	return tbl
}

// loadedTasks returns a table query over Tasks with its data loaded.
func loadedTasks(t *testing.T, s *sdk.Session) *sdk.QueryResult {
	t.Helper()
	q, err := tasks(t, s).SelectRecords(queryAll)
	require.NoError(t, err)
	_, err = q.LoadData(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		q.UnloadData()
		q.Release()
	})
	return q
}

func flush(t *testing.T, h *simhost.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, h.Flush(ctx))
}

func wait(t *testing.T, done *sdk.Completion) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	return done.Wait(ctx)
}

func requireInvariant(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		var inv *sdk.InvariantError
		require.True(t, errors.As(err, &inv), "panic value %v is not an InvariantError", r)
	}()
	fn()
}
