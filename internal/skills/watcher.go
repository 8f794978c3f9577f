package skills

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// Watcher hot-reloads plugin binaries: a write or create under the
// install dir reloads that plugin, a remove unloads it. Events are
// debounced per file because installers produce bursts.
type Watcher struct {
	installDir string
	loader     *Loader
	logger     *slog.Logger
	// Reloaded receives the plugin id after each successful reload;
	// nil disables notification.
	Reloaded chan<- string
}

func NewWatcher(installDir string, loader *Loader, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{installDir: installDir, loader: loader, logger: logger}
}

// Start watches until the context ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.installDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.installDir, err)
	}

	pending := map[string]time.Time{}
	ticker := time.NewTicker(watchDebounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".wasm") {
				continue
			}
			name := strings.TrimSuffix(filepath.Base(ev.Name), ".wasm")
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				pending[ev.Name] = time.Now()
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, ev.Name)
				w.loader.Unload(ctx, name)
				w.logger.Info("skills: plugin unloaded", "plugin", name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("skills watcher error", "error", err)
		case <-ticker.C:
			now := time.Now()
			for path, at := range pending {
				if now.Sub(at) < watchDebounce {
					continue
				}
				delete(pending, path)
				m, err := w.loader.LoadOne(ctx, path)
				if err != nil {
					w.logger.Warn("skills: reload failed", "file", filepath.Base(path), "error", err)
					continue
				}
				w.logger.Info("skills: plugin reloaded", "plugin", m.PluginID, "version", m.Version)
				if w.Reloaded != nil {
					select {
					case w.Reloaded <- m.PluginID:
					default:
					}
				}
			}
		}
	}
}
