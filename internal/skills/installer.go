// Package skills manages the plugin lifecycle on disk: installing .wasm
// binaries under skills/installed/, loading them into the sandbox host,
// and hot-reloading on file changes.
package skills

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/store"
)

var safeNameRe = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)

// Installer copies plugin binaries into the installed directory. Sources
// are local files or https URLs; the binary lands as <name>.wasm via an
// atomic replace so the watcher never observes a partial file.
type Installer struct {
	installDir string
	logger     *slog.Logger
	client     *http.Client

	updateMu sync.Map // per-skill serialisation
}

func NewInstaller(installDir string, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		installDir: installDir,
		logger:     logger,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
}

// InstalledInfo is one installed plugin binary.
type InstalledInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	SHA256   string    `json:"sha256"`
	Modified time.Time `json:"modified"`
}

func (i *Installer) validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !safeNameRe.MatchString(name) || strings.Contains(name, "..") {
		return "", shared.Ef(shared.KindSchemaInvalid, "invalid skill name %q", name)
	}
	return name, nil
}

func (i *Installer) destPath(name string) string {
	return filepath.Join(i.installDir, name+".wasm")
}

// Install fetches a plugin binary and places it under the install dir.
// Installing over an existing name fails; Update replaces.
func (i *Installer) Install(ctx context.Context, name, source string) (InstalledInfo, error) {
	name, err := i.validateName(name)
	if err != nil {
		return InstalledInfo{}, err
	}
	if _, err := os.Stat(i.destPath(name)); err == nil {
		return InstalledInfo{}, shared.Ef(shared.KindConflict, "skill %s already installed", name)
	}
	return i.place(ctx, name, source)
}

// Update replaces an installed plugin binary. Concurrent updates of the
// same skill serialise; the file swap itself is atomic.
func (i *Installer) Update(ctx context.Context, name, source string) (InstalledInfo, error) {
	name, err := i.validateName(name)
	if err != nil {
		return InstalledInfo{}, err
	}
	muAny, _ := i.updateMu.LoadOrStore(name, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	if _, err := os.Stat(i.destPath(name)); err != nil {
		return InstalledInfo{}, shared.Ef(shared.KindNotFound, "skill %s not installed", name)
	}
	return i.place(ctx, name, source)
}

func (i *Installer) place(ctx context.Context, name, source string) (InstalledInfo, error) {
	data, err := i.fetch(ctx, source)
	if err != nil {
		return InstalledInfo{}, err
	}
	if len(data) < 8 || string(data[:4]) != "\x00asm" {
		return InstalledInfo{}, shared.Ef(shared.KindSchemaInvalid, "source %s is not a wasm binary", source)
	}
	dest := i.destPath(name)
	if err := store.WriteFileAtomic(dest, data, 0o600); err != nil {
		return InstalledInfo{}, err
	}
	sum := sha256.Sum256(data)
	info := InstalledInfo{
		Name:     name,
		Path:     dest,
		Size:     int64(len(data)),
		SHA256:   hex.EncodeToString(sum[:]),
		Modified: time.Now(),
	}
	i.logger.Info("skill installed", "name", name, "source", source, "bytes", info.Size)
	return info, nil
}

func (i *Installer) fetch(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, shared.Wrap(shared.KindSchemaInvalid, "build download request", err)
		}
		resp, err := i.client.Do(req)
		if err != nil {
			return nil, shared.Wrap(shared.KindTransient, "download skill", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, shared.Ef(shared.KindTransient, "download skill: status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	}
	if strings.Contains(source, "://") {
		return nil, shared.Ef(shared.KindSchemaInvalid, "unsupported source scheme in %q", source)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("read skill source: %w", err)
	}
	return data, nil
}

// Remove deletes an installed plugin binary.
func (i *Installer) Remove(name string) error {
	name, err := i.validateName(name)
	if err != nil {
		return err
	}
	dest := i.destPath(name)
	if _, err := os.Stat(dest); err != nil {
		if os.IsNotExist(err) {
			return shared.Ef(shared.KindNotFound, "skill %s not installed", name)
		}
		return fmt.Errorf("stat skill: %w", err)
	}
	if err := os.Remove(dest); err != nil {
		return fmt.Errorf("remove skill: %w", err)
	}
	i.logger.Info("skill removed", "name", name)
	return nil
}

// List enumerates the installed plugin binaries.
func (i *Installer) List() ([]InstalledInfo, error) {
	entries, err := os.ReadDir(i.installDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read install dir: %w", err)
	}
	var out []InstalledInfo
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".wasm") {
			continue
		}
		path := filepath.Join(i.installDir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			continue
		}
		sum := sha256.Sum256(data)
		out = append(out, InstalledInfo{
			Name:     strings.TrimSuffix(ent.Name(), ".wasm"),
			Path:     path,
			Size:     fi.Size(),
			SHA256:   hex.EncodeToString(sum[:]),
			Modified: fi.ModTime(),
		})
	}
	return out, nil
}
