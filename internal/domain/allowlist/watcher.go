package allowlist

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Notifier receives hot-reload notifications. Implemented by the dashboard
// collaborator; a nil Notifier disables notification.
type Notifier interface {
	NotifyConfigReloaded(entryCount int)
}

// debounceWindow coalesces the burst of fsnotify events editors produce on
// a single save. Well inside the 1s reload budget.
const debounceWindow = 100 * time.Millisecond

// Watcher hot-reloads the allowlist when its file changes.
type Watcher struct {
	store    *Store
	path     string
	notifier Notifier
	logger   *slog.Logger
}

// NewWatcher builds a watcher for the given store and file path.
func NewWatcher(store *Store, path string, notifier Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{store: store, path: path, notifier: notifier, logger: logger}
}

// Run watches the allowlist file until the context is cancelled, reloading
// on every change. The parent directory is watched rather than the file
// itself so atomic-replace saves (rename over the original) keep working.
// Reload failures keep the prior entry set active and the watcher alive.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.logger.Info("allowlist watcher started", "path", w.path)

	target := filepath.Clean(w.path)
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("allowlist watcher stopped", "path", w.path)
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceWindow)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("allowlist watcher error", "error", err)
		}
	}
}

// reload re-reads the file. On success the dashboard is notified with the
// new entry count; on failure the prior entries stay active.
func (w *Watcher) reload() {
	count, err := w.store.Load(w.path)
	if err != nil {
		w.logger.Error("allowlist reload failed, keeping prior entries",
			"path", w.path,
			"error", err,
		)
		return
	}
	w.logger.Info("allowlist hot-reloaded", "count", count, "path", w.path)
	if w.notifier != nil {
		w.notifier.NotifyConfigReloaded(count)
	}
}
