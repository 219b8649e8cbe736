package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of fsnotify events a single editor
// save produces (write + chmod + rename-based atomic replace) into one
// reload, mirroring the debounce timer in the teacher's `bd show --watch`.
const reloadDebounce = 250 * time.Millisecond

// Watcher hot-reloads liveframe.yaml: on every debounced write to the file,
// it reloads and recompiles configuration and invokes onReload with the
// fresh Config, so callers can atomically swap their schema.Registry and
// queryengine.Router without a restart.
type Watcher struct {
	configDir string
	fsw       *fsnotify.Watcher
	onReload  func(*Config, error)
	done      chan struct{}
}

// Watch starts watching configDir for changes to liveframe.yaml. onReload
// is invoked (from a background goroutine) after every debounced change,
// with either the newly loaded Config or the error that occurred loading
// it — a failed reload calls onReload with a nil Config and the error, so
// the caller can keep its previous configuration.
func Watch(configDir string, onReload func(*Config, error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(configDir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{configDir: configDir, fsw: fsw, onReload: onReload, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	target := filepath.Join(w.configDir, "liveframe.yaml")

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				cfg, err := Initialize(context.Background(), w.configDir)
				if err != nil {
					slog.Error("config: hot-reload failed, keeping previous configuration", "error", err)
				}
				w.onReload(cfg, err)
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("config: watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
