// Package sdk presents a host-owned base as identity-stable, watchable
// models kept in sync with the host's change batches.
package sdk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/zot/basekit/internal/bridge"
	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/mutation"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/svc"
)

// DefaultUnloadDelay is how long loaded data outlives its last reference.
const DefaultUnloadDelay = time.Second

type options struct {
	unloadDelay   time.Duration
	limits        mutation.Limits
	mutationRate  rate.Limit
	mutationBurst int
	ids           *IDGenerator
}

// Option configures a Session.
type Option func(*options)

// WithUnloadDelay sets how long data stays loaded after its last reference
// is released. Zero unloads immediately.
func WithUnloadDelay(d time.Duration) Option {
	return func(o *options) { o.unloadDelay = d }
}

// WithLimits sets the record limits checked before a mutation is applied.
func WithLimits(l mutation.Limits) Option {
	return func(o *options) { o.limits = l }
}

// WithMutationRate limits how fast mutations are sent to the host.
// Optimistic application is never delayed.
func WithMutationRate(perSecond float64, burst int) Option {
	return func(o *options) {
		o.mutationRate = rate.Limit(perSecond)
		o.mutationBurst = burst
	}
}

// WithIDGenerator replaces the generator used for optimistic ids.
func WithIDGenerator(g *IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// Session owns the base data tree of one base and every model over it.
// All model state is guarded by mu; watch callbacks run without it.
type Session struct {
	host bridge.Host
	opts options

	mu      sync.Mutex
	tree    *datatree.Tree
	base    *Base
	cursor  *Cursor
	queries *QueryCache
	pending []func()
	loading map[*asyncData]struct{}
	seq     int64
	closed  bool

	notifier    notifier
	outbox      svc.Queue // mutations sent to the host, in submission order
	loads       singleflight.Group
	limiter     *rate.Limiter
	unsubscribe func()
}

// NewSession fetches the base snapshot from host and subscribes to its
// change batches.
func NewSession(ctx context.Context, host bridge.Host, opts ...Option) (*Session, error) {
	o := options{
		unloadDelay:   DefaultUnloadDelay,
		limits:        mutation.DefaultLimits,
		mutationRate:  rate.Inf,
		mutationBurst: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ids == nil {
		o.ids = NewIDGenerator()
	}

	ctx, span := startHostSpan(ctx, "fetchBaseData", "base")
	snapshot, err := host.FetchBaseData(ctx)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("fetch base data: %w", err)
	}

	s := &Session{
		host:    host,
		opts:    o,
		tree:    datatree.New(snapshot),
		loading: make(map[*asyncData]struct{}),
		limiter: rate.NewLimiter(o.mutationRate, o.mutationBurst),
	}
	s.base = newBase(s)
	s.cursor = newCursor(s)
	s.queries = newQueryCache(s)
	s.unsubscribe = host.SubscribeToModelUpdates(s.handleUpdates)

	glog.V(1).Infof("session opened for base %s", s.base.id)
	return s, nil
}

// Base returns the base model.
func (s *Session) Base() *Base {
	return s.base
}

// Cursor returns the cursor model.
func (s *Session) Cursor() *Cursor {
	return s.cursor
}

// Queries returns the query result cache.
func (s *Session) Queries() *QueryCache {
	return s.queries
}

// Host returns the host bridge the session was created with.
func (s *Session) Host() bridge.Host {
	return s.host
}

// Snapshot returns a copy of the base data tree.
func (s *Session) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Snapshot()
}

// Close stops receiving change batches. Models keep their last state.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// mutations already queued are still sent
	s.outbox.Close()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	glog.V(1).Infof("session closed for base %s", s.base.id)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// handleUpdates applies one batch from the host. Every change of the batch
// is in the tree before any callback runs.
func (s *Session) handleUpdates(changes []delta.Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	accepted := changes[:0:0]
	for _, c := range changes {
		if s.acceptLocked(c) {
			accepted = append(accepted, c)
		}
	}
	if len(accepted) < len(changes) {
		glog.V(2).Infof("held back %d changes for data not loaded", len(changes)-len(accepted))
	}
	if err := s.applyLocked(accepted, "host"); err != nil {
		glog.Errorf("host batch rejected: %v", err)
	}
	events := s.takePending()
	s.mu.Unlock()

	s.notifier.dispatch(events)
}

// acceptLocked filters changes for data that is not loaded. Changes that race
// with a load are held until the snapshot is applied, so they never create
// partial nodes ahead of it.
func (s *Session) acceptLocked(c delta.Change) bool {
	d, async := s.dataForLocked(c.Path)
	if !async {
		return true
	}
	if d == nil {
		return c.IsRemove()
	}
	if d.loading {
		d.buffered = append(d.buffered, c)
		return false
	}
	return d.loaded || c.IsRemove()
}

// dataForLocked finds the async data holding p. async is false when p is
// part of the always-present base data.
func (s *Session) dataForLocked(p path.Path) (*asyncData, bool) {
	if len(p) == 0 {
		return nil, false
	}
	if p[0] == path.KeyCursor {
		return s.cursor.data, true
	}
	if p[0] != path.KeyTables || len(p) < 3 {
		return nil, false
	}
	table := s.base.tables[p[1]]
	switch {
	case p[2] == path.KeyRecords:
		if table == nil {
			return nil, true
		}
		return table.records.data, true
	case p[2] == path.KeyViews && len(p) >= 5 && (p[4] == path.KeyFieldOrder || p[4] == path.KeyVisibleRecords):
		if table == nil {
			return nil, true
		}
		view := table.views[p[3]]
		if view == nil {
			return nil, true
		}
		return view.data, true
	}
	return nil, false
}

// applyLocked writes a batch to the tree and lets every live model process
// its part of the dirty-path index.
func (s *Session) applyLocked(changes []delta.Change, source string) error {
	if len(changes) == 0 {
		return nil
	}
	index, err := s.tree.Apply(changes)
	if err != nil {
		return err
	}
	recordBatch(source, len(changes))
	if glog.V(4) {
		for _, c := range changes {
			glog.Infof("[%s] %s", source, c)
		}
	} else {
		glog.V(2).Infof("[%s] applied %d changes", source, len(changes))
	}
	s.base.process(index)
	s.cursor.process(index.Child(path.KeyCursor))
	return nil
}

func (s *Session) takePending() []func() {
	events := s.pending
	s.pending = nil
	return events
}

func (s *Session) nextSeq() int64 {
	s.seq++
	return s.seq
}

// ApplyChanges applies a batch as if the host had delivered it.
func (s *Session) ApplyChanges(changes []delta.Change) {
	s.handleUpdates(changes)
}
