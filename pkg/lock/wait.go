package lock

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// waiter sleeps between acquisition attempts and wakes early when the
// lock file disappears. Without a working watch it degrades to a timer.
type waiter struct {
	path    string
	watcher *fsnotify.Watcher
}

func newWaiter(path string) *waiter {
	w := &waiter{path: filepath.Clean(path)}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return w
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return w
	}
	w.watcher = watcher
	return w
}

// Wait blocks for up to d. It returns nil when d elapses or the lock file
// is removed, and ctx.Err() when ctx is done.
func (w *waiter) Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
		// Removed before the watch was in place
		if _, err := os.Lstat(w.path); os.IsNotExist(err) {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == w.path && ev.Has(fsnotify.Remove|fsnotify.Rename) {
				return nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		}
	}
}

func (w *waiter) Close() {
	if w.watcher != nil {
		w.watcher.Close()
	}
}
