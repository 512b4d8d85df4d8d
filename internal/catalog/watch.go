package catalog

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDelay = 200 * time.Millisecond

// Watcher reloads a Catalog's base table when its override file changes.
// Runtime overrides stay on top of the reloaded table. The directory is
// watched rather than the file so editors that replace the file atomically are
// still picked up.
type Watcher struct {
	path     string
	catalog  *Catalog
	delay    time.Duration
	onReload func(Table, error)

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewWatcher creates a watcher for path feeding cat. onReload receives the
// table served after the reload and may be nil.
func NewWatcher(path string, cat *Catalog, onReload func(Table, error)) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("catalog watcher: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if onReload == nil {
		onReload = func(Table, error) {}
	}
	return &Watcher{path: abs, catalog: cat, delay: defaultReloadDelay, onReload: onReload}, nil
}

// Start begins watching until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("catalog watcher already started")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.started = true
	go w.loop(ctx)
	slog.Info("catalog watcher started", "path", w.path)
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.cancel()
	done := w.done
	w.started = false
	w.mu.Unlock()
	<-done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer func() { _ = w.fsw.Close() }()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("catalog watcher error", "path", w.path, "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	t, err := FromFile(w.path)
	if err != nil {
		slog.Warn("catalog reload failed, keeping previous table", "path", w.path, "error", err)
		w.onReload(Table{}, err)
		return
	}
	served := w.catalog.SetBase(t)
	ov := w.catalog.Overrides()
	slog.Info("catalog reloaded", "path", w.path,
		"sources", len(served.sources), "exchanges", len(served.exchanges),
		"runtime_overrides", len(ov.Sources)+len(ov.Exchanges))
	w.onReload(served, nil)
}
