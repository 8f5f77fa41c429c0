package server

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zot/basekit/internal/config"
	"github.com/zot/basekit/internal/simhost"
)

// FixtureWatcher reloads the host's base when its fixture file changes. The
// difference to the current base reaches sessions as one change batch.
type FixtureWatcher struct {
	config  *config.Config
	file    string
	host    *simhost.Host
	watcher *fsnotify.Watcher
	metrics *Metrics

	// Debouncing
	debounceDelay time.Duration
	timer         *time.Timer
	mu            sync.Mutex

	reloaded chan error
	done     chan struct{}
}

// NewFixtureWatcher creates a watcher for file. The metrics may be nil.
func NewFixtureWatcher(cfg *config.Config, file string, host *simhost.Host, metrics *Metrics) (*FixtureWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	return &FixtureWatcher{
		config:        cfg,
		file:          abs,
		host:          host,
		watcher:       watcher,
		metrics:       metrics,
		debounceDelay: 100 * time.Millisecond,
		reloaded:      make(chan error, 16),
		done:          make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file are followed.
func (w *FixtureWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.file)); err != nil {
		return err
	}
	go w.eventLoop()
	w.config.Log(1, "FixtureWatcher: watching %s for changes", w.file)
	return nil
}

// Stop stops watching.
func (w *FixtureWatcher) Stop() error {
	close(w.done)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// Reloaded delivers the outcome of every reload. Outcomes are dropped when
// nobody reads them.
func (w *FixtureWatcher) Reloaded() <-chan error {
	return w.reloaded
}

func (w *FixtureWatcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Log(1, "FixtureWatcher: watcher error: %v", err)
		}
	}
}

func (w *FixtureWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.file {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, func() {
		err := w.Reload()
		select {
		case w.reloaded <- err:
		default:
		}
	})
}

// Reload reads the fixture and replaces the host's base with it. A fixture
// that breaks the host contract leaves the base untouched.
func (w *FixtureWatcher) Reload() error {
	base, err := simhost.LoadFixture(w.file)
	if err == nil {
		err = w.host.ReplaceBase(base)
	}
	if w.metrics != nil {
		w.metrics.reload(err)
	}
	if err != nil {
		w.config.Log(0, "FixtureWatcher: reload %s: %v", w.file, err)
		return err
	}
	w.config.Log(1, "FixtureWatcher: reloaded %s", w.file)
	return nil
}
