package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/simhost"
)

func newTestHost(t *testing.T, opts ...simhost.Option) *simhost.Host {
	t.Helper()
	host, err := simhost.New(simhost.SampleBase(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { host.Close() })
	return host
}

type sink struct {
	mu      sync.Mutex
	batches [][]delta.Change
}

func (s *sink) handle(changes []delta.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, changes)
}

func (s *sink) changes() []delta.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []delta.Change
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func flushHost(t *testing.T, host *simhost.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := host.Flush(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestRelayRefCountsHostSubscriptions verifies the host subscription lives
// while any session holds the data
func TestRelayRefCountsHostSubscriptions(t *testing.T) {
	host := newTestHost(t)
	relay := NewRelay(host)
	defer relay.Close()
	a, b := relay.For("a"), relay.For("b")
	ctx := context.Background()
	key := simhost.TableDataKey("tblTasks")

	if _, err := a.FetchAndSubscribeToTableData(ctx, "tblTasks"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.FetchAndSubscribeToTableData(ctx, "tblTasks"); err != nil {
		t.Fatal(err)
	}
	if relay.Holders(key) != 2 {
		t.Errorf("Expected 2 holders, got %d", relay.Holders(key))
	}

	a.UnsubscribeFromTableData("tblTasks")
	a.UnsubscribeFromTableData("tblTasks")
	if !host.IsSubscribed(key) || host.Unsubscribes(key) != 0 {
		t.Error("Host subscription should survive while b holds it")
	}
	b.UnsubscribeFromTableData("tblTasks")
	if host.IsSubscribed(key) || host.Unsubscribes(key) != 1 {
		t.Errorf("Last release should unsubscribe once, got %d", host.Unsubscribes(key))
	}
}

// TestRelayFailedFetchHoldsNothing verifies a failed subscribe is rolled back
func TestRelayFailedFetchHoldsNothing(t *testing.T) {
	host := newTestHost(t)
	relay := NewRelay(host)
	defer relay.Close()

	if _, err := relay.For("a").FetchAndSubscribeToViewData(context.Background(), "tblTasks", "viwNope"); err == nil {
		t.Fatal("Expected an error for a missing view")
	}
	if len(relay.Subscriptions("a")) != 0 {
		t.Errorf("Subscriptions = %v", relay.Subscriptions("a"))
	}
}

// TestRelayFiltersPerSession verifies sessions only see data they hold
func TestRelayFiltersPerSession(t *testing.T) {
	host := newTestHost(t)
	relay := NewRelay(host)
	defer relay.Close()
	a, b := relay.For("a"), relay.For("b")
	var sa, sb sink
	a.SubscribeToModelUpdates(sa.handle)
	b.SubscribeToModelUpdates(sb.handle)

	if _, err := a.FetchAndSubscribeToTableData(context.Background(), "tblTasks"); err != nil {
		t.Fatal(err)
	}
	err := host.ApplyExternal([]delta.Change{
		delta.Set(path.CellValue("tblTasks", "recShip", "fldEstimate"), 2.0),
		delta.Set(path.Table("tblTasks").Child(path.KeyName), "Work"),
	})
	if err != nil {
		t.Fatal(err)
	}
	flushHost(t, host)

	if got := len(sa.changes()); got != 2 {
		t.Errorf("Session a should see both changes, got %d", got)
	}
	got := sb.changes()
	if len(got) != 1 || got[0].Path.String() != path.Table("tblTasks").Child(path.KeyName).String() {
		t.Errorf("Session b should only see the rename, got %v", got)
	}
}

// TestRelayDrop verifies a dropped session releases everything
func TestRelayDrop(t *testing.T) {
	host := newTestHost(t)
	relay := NewRelay(host)
	defer relay.Close()
	a := relay.For("a")
	ctx := context.Background()
	var sa sink
	a.SubscribeToModelUpdates(sa.handle)

	if _, err := a.FetchAndSubscribeToCursorData(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.FetchAndSubscribeToViewData(ctx, "tblTasks", "viwAll"); err != nil {
		t.Fatal(err)
	}
	want := []string{simhost.CursorDataKey, simhost.ViewDataKey("tblTasks", "viwAll")}
	if got := relay.Subscriptions("a"); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Subscriptions = %v, want %v", got, want)
	}

	relay.Drop("a")
	if host.IsSubscribed(simhost.CursorDataKey) || host.IsSubscribed(want[1]) {
		t.Error("Drop should release host subscriptions")
	}
	if err := host.SetCursor("tblTasks", "viwOpen", nil); err != nil {
		t.Fatal(err)
	}
	flushHost(t, host)
	if len(sa.changes()) != 0 {
		t.Error("A dropped session should receive nothing")
	}
}
