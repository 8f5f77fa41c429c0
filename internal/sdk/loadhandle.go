package sdk

import (
	"context"

	"github.com/golang/glog"
)

// loadHandle tracks the load references one model holds on the async data
// it reads. Explicit LoadData calls and watching any data key each hold
// references. Fields are guarded by the session lock.
type loadHandle struct {
	session   *Session
	deps      []*asyncData
	dead      *bool
	loadRefs  int
	watchKeys int
	watchHeld bool
}

// loaded reports whether every dependency is loaded. Caller holds the lock.
func (h *loadHandle) loaded() bool {
	for _, d := range h.deps {
		if !d.isLoaded() {
			return false
		}
	}
	return true
}

// loadData takes one reference on every dependency and waits for them. It
// reports whether the data became available through this call.
func (h *loadHandle) loadData(ctx context.Context) (bool, error) {
	s := h.session
	s.mu.Lock()
	was := h.loaded()
	s.mu.Unlock()

	for i, d := range h.deps {
		if _, err := d.load(ctx); err != nil {
			for _, prev := range h.deps[:i] {
				prev.release()
			}
			return false, err
		}
	}

	s.mu.Lock()
	if *h.dead {
		s.mu.Unlock()
		h.releaseDeps(1)
		return false, nil
	}
	h.loadRefs++
	now := h.loaded()
	s.mu.Unlock()
	return !was && now, nil
}

// unloadData gives back one reference taken by loadData.
func (h *loadHandle) unloadData() {
	s := h.session
	s.mu.Lock()
	if h.loadRefs == 0 {
		s.mu.Unlock()
		glog.V(1).Infof("unload without a matching load")
		return
	}
	h.loadRefs--
	s.mu.Unlock()
	h.releaseDeps(1)
}

// watchChanged follows the number of watched data keys: the first one
// loads the data, the last one releases it.
func (h *loadHandle) watchChanged(active bool) {
	s := h.session
	s.mu.Lock()
	if active {
		h.watchKeys++
		if h.watchKeys != 1 || h.watchHeld || *h.dead {
			s.mu.Unlock()
			return
		}
		h.watchHeld = true
	} else {
		if h.watchKeys > 0 {
			h.watchKeys--
		}
		if h.watchKeys != 0 || !h.watchHeld {
			s.mu.Unlock()
			return
		}
		h.watchHeld = false
	}
	s.mu.Unlock()

	if !active {
		h.releaseDeps(1)
		return
	}
	for _, d := range h.deps {
		ch, done := d.acquire()
		if done {
			continue
		}
		go func(d *asyncData) {
			if _, err := d.wait(context.Background(), ch); err != nil {
				glog.Warningf("load %s for watcher: %v", d.key, err)
			}
		}(d)
	}
}

// takeAll hands over every held reference for release after unlock.
// Caller holds the lock.
func (h *loadHandle) takeAll() int {
	n := h.loadRefs
	if h.watchHeld {
		n++
	}
	h.loadRefs = 0
	h.watchHeld = false
	return n
}

// releaseDeps releases n references on every dependency. Call without the lock.
func (h *loadHandle) releaseDeps(n int) {
	for i := 0; i < n; i++ {
		for _, d := range h.deps {
			d.release()
		}
	}
}
