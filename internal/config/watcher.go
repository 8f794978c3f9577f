package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces editor write bursts into one reload.
const debounceWindow = 500 * time.Millisecond

// Watcher reloads the manager when the config file changes on disk.
type Watcher struct {
	manager *Manager
	logger  *slog.Logger
}

func NewWatcher(manager *Manager, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{manager: manager, logger: logger}
}

// Start watches the config file's directory (atomic renames replace the
// inode, so watching the file itself would go stale) and triggers a
// debounced reload.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.manager.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Base(w.manager.path)

	go func() {
		defer fsw.Close()
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounceWindow)
					timerC = timer.C
				} else {
					timer.Reset(debounceWindow)
				}
			case <-timerC:
				timer = nil
				timerC = nil
				if _, err := w.manager.Reload(); err != nil {
					w.logger.Error("config reload failed; keeping previous snapshot", "error", err)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
