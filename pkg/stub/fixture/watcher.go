package fixture

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	pkglog "github.com/fixturelab/stub_server/pkg/log"
)

const defaultDebounce = 200 * time.Millisecond

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides how long the watcher waits after the last filesystem
// event before inspecting the document.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger overrides the watcher's logger.
func WithWatcherLogger(logger pkglog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher notices edits made to the fixture document by something other than
// the owning Store (a developer hand-editing staged data mid-run) and
// re-publishes them as change notifications. It watches the document's parent
// directory because editors replace files rather than writing in place, and
// suppresses events caused by the store's own writes.
type Watcher struct {
	store    *Store
	notify   func(Change)
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   pkglog.Logger
	done     chan struct{}
}

// NewWatcher starts watching the store's document. The notify callback runs
// on the watcher goroutine after each debounced external edit.
func NewWatcher(store *Store, notify func(Change), opts ...WatcherOption) (*Watcher, error) {
	if store == nil {
		return nil, errors.New("fixture: watcher requires a store")
	}
	if notify == nil {
		return nil, errors.New("fixture: watcher requires a notify callback")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		store:    store,
		notify:   notify,
		fsw:      fsw,
		debounce: defaultDebounce,
		logger:   pkglog.Shared(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	dir := filepath.Dir(store.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	target := filepath.Clean(w.store.Path())
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, w.inspect)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("fixture watcher error", "error", err)
		}
	}
}

func (w *Watcher) inspect() {
	data, err := os.ReadFile(w.store.Path())
	if err != nil {
		w.logger.Warnw("fixture watcher read failed", "path", w.store.Path(), "error", err)
		return
	}
	if w.store.ownWrite(data) {
		return
	}

	w.logger.Infow("fixture document edited externally", "path", w.store.Path())
	w.notify(Change{Op: OpExternal})
}
