package skills

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/crpc/internal/sandbox/wasm"
	"github.com/basket/crpc/internal/tools"
)

// Loader connects installed binaries to the sandbox host and the tool
// catalog: tool plugins become wasm_plugin catalog entries, channel
// plugins are surfaced for the delivery layer, hooks just load.
type Loader struct {
	installDir string
	host       *wasm.Host
	catalog    *tools.Catalog
	logger     *slog.Logger
}

func NewLoader(installDir string, host *wasm.Host, catalog *tools.Catalog, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{installDir: installDir, host: host, catalog: catalog, logger: logger}
}

// LoadAll scans the install dir and loads every .wasm binary. A plugin
// that fails to load is skipped with a warning; the rest still load.
func (l *Loader) LoadAll(ctx context.Context) []wasm.Manifest {
	entries, err := os.ReadDir(l.installDir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("skills: read install dir failed", "dir", l.installDir, "error", err)
		}
		return nil
	}
	var loaded []wasm.Manifest
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".wasm") {
			continue
		}
		m, err := l.LoadOne(ctx, filepath.Join(l.installDir, ent.Name()))
		if err != nil {
			l.logger.Warn("skills: plugin rejected", "file", ent.Name(), "error", err)
			continue
		}
		loaded = append(loaded, m)
	}
	return loaded
}

// LoadOne loads (or reloads) one binary and refreshes its catalog entry.
func (l *Loader) LoadOne(ctx context.Context, path string) (wasm.Manifest, error) {
	manifest, err := l.host.LoadFile(ctx, path)
	if err != nil {
		return wasm.Manifest{}, err
	}
	if manifest.Kind == wasm.KindTool {
		if err := l.registerTool(manifest); err != nil {
			return wasm.Manifest{}, err
		}
	}
	return manifest, nil
}

// Unload drops a plugin and its catalog entries.
func (l *Loader) Unload(ctx context.Context, pluginID string) {
	l.catalog.UnregisterPlugin(pluginID)
	l.host.Unload(ctx, pluginID)
}

// registerTool exposes a tool plugin through the catalog. Arguments are
// passed to the guest as a JSON object; the guest's reply is surfaced
// verbatim when it is JSON, as text otherwise.
func (l *Loader) registerTool(m wasm.Manifest) error {
	host := l.host
	pluginID := m.PluginID
	return l.catalog.Register(tools.Tool{
		Name:        pluginID,
		Description: "Plugin tool " + pluginID + " v" + m.Version,
		Schema:      map[string]any{"type": "object"},
		Impl:        tools.ImplWASMPlugin,
		PluginID:    pluginID,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			input, err := json.Marshal(args)
			if err != nil {
				return nil, err
			}
			out, err := host.InvokeTool(ctx, pluginID, input)
			if err != nil {
				return nil, err
			}
			var decoded any
			if json.Unmarshal(out, &decoded) == nil {
				return decoded, nil
			}
			return string(out), nil
		},
	})
}
