// Package confwatch watches the example CLI's optional config file for
// changes and calls back on each one, so a running `keepalive-session`
// process can re-read it and pick up a new wakeup cadence without a
// restart. It has no bearing on the C1-C6 library itself (spec §6: "no
// persisted state, no on-disk files" for the library proper) — this is
// strictly a cmd/keepalive-session development convenience.
package confwatch

import (
	"github.com/fsnotify/fsnotify"

	"github.com/sailfishos/nemo-keepalive/internal/logging"
)

// Watcher watches a single file path and invokes onChange (on its own
// goroutine) after every write or rename-back-into-place, which is how
// most editors and config-management tools replace a file atomically.
type Watcher struct {
	fsw *fsnotify.Watcher
}

// Watch starts watching path. onChange is never called concurrently with
// itself; callers needing to touch shared state from it must synchronize
// separately.
func Watch(path string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{fsw: fsw}
	go w.run(onChange)
	return w, nil
}

func (w *Watcher) run(onChange func()) {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) {
				onChange()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.L().Warn().Err(err).Msg("confwatch: watch error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
