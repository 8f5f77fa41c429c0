package sdk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
)

var errLoadAbandoned = errors.New("load abandoned")

// asyncData is the fetch/subscribe lifecycle of one subtree the host only
// sends on request: a table's records, a view's data or the cursor.
//
// refCount, loaded and buffered are guarded by the session lock. hostMu
// serializes subscribe and unsubscribe calls for this subtree; it is always
// taken before the session lock.
type asyncData struct {
	session *Session
	key     string
	paths   []path.Path

	fetch       func(ctx context.Context) ([]delta.Change, error)
	unsubscribe func()
	onChange    func(loaded bool)

	hostMu     sync.Mutex
	refCount   int
	loaded     bool
	loading    bool
	subscribed bool
	buffered   []delta.Change
	unloadTmr  *time.Timer
}

func newAsyncData(s *Session, key string, paths []path.Path) *asyncData {
	return &asyncData{session: s, key: key, paths: paths}
}

// load takes a reference and waits for the data. It returns true if this
// call's flight installed the data.
func (d *asyncData) load(ctx context.Context) (bool, error) {
	ch, done := d.acquire()
	if done {
		return false, nil
	}
	installed, err := d.wait(ctx, ch)
	if err != nil {
		d.release()
	}
	return installed, err
}

// acquire takes a reference and starts (or joins) the flight. done is true
// when the data is already loaded.
func (d *asyncData) acquire() (<-chan singleflight.Result, bool) {
	s := d.session
	s.mu.Lock()
	d.refCount++
	if d.unloadTmr != nil {
		d.unloadTmr.Stop()
		d.unloadTmr = nil
	}
	loaded := d.loaded
	s.mu.Unlock()

	if loaded {
		return nil, true
	}
	return d.flight(), false
}

func (d *asyncData) flight() <-chan singleflight.Result {
	return d.session.loads.DoChan(d.key, func() (any, error) {
		installed, err := d.run()
		return installed, err
	})
}

// wait waits for a flight. A flight abandoned before this caller joined is
// restarted as long as a reference is still held.
func (d *asyncData) wait(ctx context.Context, ch <-chan singleflight.Result) (bool, error) {
	for {
		select {
		case r := <-ch:
			if errors.Is(r.Err, errLoadAbandoned) {
				if d.session.isClosed() {
					return false, ErrSessionClosed
				}
				if d.wanted() {
					ch = d.flight()
					continue
				}
			}
			if r.Err != nil {
				return false, r.Err
			}
			installed, _ := r.Val.(bool)
			return installed, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (d *asyncData) wanted() bool {
	d.session.mu.Lock()
	defer d.session.mu.Unlock()
	return d.refCount > 0
}

// run fetches and installs the data. Concurrent callers share one run.
func (d *asyncData) run() (bool, error) {
	s := d.session
	d.hostMu.Lock()
	defer d.hostMu.Unlock()

	s.mu.Lock()
	if d.loaded {
		s.mu.Unlock()
		return false, nil
	}
	if d.refCount == 0 || s.closed {
		s.mu.Unlock()
		return false, errLoadAbandoned
	}
	d.loading = true
	s.loading[d] = struct{}{}
	s.mu.Unlock()

	ctx, span := startHostSpan(context.Background(), "fetchAndSubscribe", d.key)
	recordHostFetch(ctx, d.key)
	changes, err := d.fetch(ctx)
	span.End()

	s.mu.Lock()
	d.loading = false
	delete(s.loading, d)
	buffered := d.buffered
	d.buffered = nil
	if err != nil {
		s.mu.Unlock()
		glog.Warningf("load %s: %v", d.key, err)
		return false, err
	}
	d.subscribed = true
	if d.refCount == 0 || s.closed {
		// every consumer left while the fetch was in flight
		d.subscribed = false
		s.mu.Unlock()
		glog.V(1).Infof("load %s abandoned, unsubscribing", d.key)
		d.unsubscribe()
		return false, errLoadAbandoned
	}
	// changes delivered during the fetch are newer than the snapshot
	if err := s.applyLocked(append(changes, buffered...), "load"); err != nil {
		s.mu.Unlock()
		return false, err
	}
	d.loaded = true
	if d.onChange != nil {
		d.onChange(true)
	}
	events := s.takePending()
	s.mu.Unlock()

	glog.V(1).Infof("loaded %s", d.key)
	s.notifier.dispatch(events)
	return true, nil
}

// release drops a reference. The last release schedules the unload.
func (d *asyncData) release() {
	s := d.session
	s.mu.Lock()
	if d.refCount == 0 {
		s.mu.Unlock()
		glog.V(1).Infof("unload %s: no load reference held", d.key)
		return
	}
	d.refCount--
	if d.refCount > 0 {
		s.mu.Unlock()
		return
	}
	if !d.loaded && !d.subscribed {
		// an in-flight load notices the missing reference itself
		s.mu.Unlock()
		return
	}
	delay := s.opts.unloadDelay
	if delay > 0 && d.loaded {
		if d.unloadTmr != nil {
			d.unloadTmr.Stop()
		}
		d.unloadTmr = time.AfterFunc(delay, d.unload)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	d.unload()
}

// unload removes the data and unsubscribes when no reference is held.
func (d *asyncData) unload() {
	s := d.session
	d.hostMu.Lock()
	defer d.hostMu.Unlock()

	s.mu.Lock()
	d.unloadTmr = nil
	if d.refCount > 0 || !d.subscribed {
		s.mu.Unlock()
		return
	}
	d.subscribed = false
	var events []func()
	if d.loaded {
		d.loaded = false
		removals := make([]delta.Change, 0, len(d.paths))
		for _, p := range d.paths {
			if s.tree.Exists(p) {
				removals = append(removals, delta.Remove(p))
			}
		}
		if err := s.applyLocked(removals, "unload"); err != nil {
			glog.Errorf("unload %s: %v", d.key, err)
		}
		if d.onChange != nil {
			d.onChange(false)
		}
		events = s.takePending()
	}
	s.mu.Unlock()

	glog.V(1).Infof("unloaded %s", d.key)
	d.unsubscribe()
	s.notifier.dispatch(events)
}

// drop forgets the data after its owner was deleted. Caller holds the
// session lock.
func (d *asyncData) drop() {
	d.refCount = 0
	d.loaded = false
	d.buffered = nil
	if d.unloadTmr != nil {
		d.unloadTmr.Stop()
		d.unloadTmr = nil
	}
	if d.subscribed {
		d.subscribed = false
		go func() {
			d.hostMu.Lock()
			defer d.hostMu.Unlock()
			d.unsubscribe()
		}()
	}
}

// isLoaded is read with the session lock held.
func (d *asyncData) isLoaded() bool {
	return d.loaded
}
