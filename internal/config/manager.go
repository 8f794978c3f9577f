package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"

	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/store"
)

// Class tags how a changed section takes effect.
type Class string

const (
	ClassHot     Class = "hot"     // applied live
	ClassHybrid  Class = "hybrid"  // owning subsystem restarts in place
	ClassRestart Class = "restart" // full process restart required
)

// sectionClass is the reload classification per section.
var sectionClass = map[string]Class{
	SectionServer:   ClassRestart,
	SectionAuth:     ClassRestart,
	SectionAgents:   ClassHot,
	SectionSessions: ClassHot,
	SectionCron:     ClassHot,
	SectionChannels: ClassHybrid,
	SectionPlugins:  ClassHybrid,
}

// ChangeEvent describes one applied reload.
type ChangeEvent struct {
	Sections map[string]Class `json:"sections"`
	Digest   string           `json:"digest"`
}

// Manager owns the authoritative config snapshot. Readers get a consistent
// *Config pointer; writers swap the snapshot atomically under the lock.
type Manager struct {
	path       string
	passphrase string
	logger     *slog.Logger

	mu      sync.RWMutex
	current *Config
	raw     map[string]any // user file document, secrets unresolved
	digest  string         // SHA-256 of the file bytes

	changes chan ChangeEvent
}

// NewManager loads the config from path and returns a ready manager.
func NewManager(path, passphrase string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		path:       path,
		passphrase: passphrase,
		logger:     logger,
		changes:    make(chan ChangeEvent, 16),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the active snapshot. The returned pointer is immutable;
// a reload produces a new one.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Get returns the user document (secrets left encrypted) and the file digest.
func (m *Manager) Get() (map[string]any, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.raw, m.digest
}

// Digest returns the SHA-256 of the current config file bytes.
func (m *Manager) Digest() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.digest
}

// Changes delivers one event per applied reload, carrying the changed
// sections and their classification.
func (m *Manager) Changes() <-chan ChangeEvent {
	return m.changes
}

// load reads the file and swaps the snapshot. Used at startup and by Reload.
func (m *Manager) load() error {
	raw, err := LoadRaw(m.path)
	if err != nil {
		return err
	}
	cfg, err := m.decode(raw)
	if err != nil {
		return err
	}
	digest := m.fileDigest()

	m.mu.Lock()
	m.current, m.raw, m.digest = cfg, raw, digest
	m.mu.Unlock()
	return nil
}

// decode resolves secrets and produces the typed snapshot from a raw user
// document merged over defaults.
func (m *Manager) decode(raw map[string]any) (*Config, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	resolved, err := resolveSecrets(raw, m.passphrase)
	if err != nil {
		return nil, err
	}
	merged := Merge(rawDefaults(), resolved.(map[string]any))

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, shared.Wrap(shared.KindSchemaInvalid, "decode config", err)
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return &cfg, nil
}

func (m *Manager) fileDigest() string {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return store.Digest(nil)
	}
	return store.Digest(data)
}

// Set replaces the user document wholesale.
func (m *Manager) Set(doc map[string]any, baseDigest string) (string, error) {
	return m.write(baseDigest, func(map[string]any) map[string]any { return doc })
}

// Apply deep-merges doc onto the user document, doc-wins.
func (m *Manager) Apply(doc map[string]any, baseDigest string) (string, error) {
	return m.write(baseDigest, func(cur map[string]any) map[string]any {
		return Merge(cur, doc)
	})
}

// Patch applies an RFC 7386 merge patch to the user document.
func (m *Manager) Patch(patch map[string]any, baseDigest string) (string, error) {
	return m.write(baseDigest, func(cur map[string]any) map[string]any {
		return MergePatch(cur, patch).(map[string]any)
	})
}

// write validates and atomically replaces the file, guarded by the file
// digest; on success it reloads the snapshot and emits the change event.
func (m *Manager) write(baseDigest string, transform func(map[string]any) map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current := m.fileDigest(); current != baseDigest {
		return "", shared.E(shared.KindConflict, "config changed since read").WithData("current_digest", current)
	}

	next := transform(m.raw)
	if err := Validate(next); err != nil {
		return "", err
	}
	// Prove the document decodes before committing it to disk.
	cfg, err := m.decode(next)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	data = append(data, '\n')
	if err := store.WriteFileAtomic(m.path, data, 0o600); err != nil {
		return "", err
	}

	changed := diffSections(m.raw, next)
	prev := m.current
	m.current, m.raw, m.digest = cfg, next, store.Digest(data)
	m.notifyLocked(changed, prev)
	return m.digest, nil
}

// Reload re-reads the file (signal, watcher, or RPC trigger) and emits the
// classified diff.
func (m *Manager) Reload() (ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := LoadRaw(m.path)
	if err != nil {
		return ChangeEvent{}, err
	}
	cfg, err := m.decode(raw)
	if err != nil {
		return ChangeEvent{}, err
	}

	changed := diffSections(m.raw, raw)
	prev := m.current
	m.current, m.raw, m.digest = cfg, raw, m.fileDigest()
	ev := m.notifyLocked(changed, prev)
	return ev, nil
}

func (m *Manager) notifyLocked(changed []string, prev *Config) ChangeEvent {
	ev := ChangeEvent{Sections: map[string]Class{}, Digest: m.digest}
	for _, s := range changed {
		ev.Sections[s] = sectionClass[s]
	}
	if len(ev.Sections) == 0 {
		return ev
	}
	_ = prev
	m.logger.Info("config changed", "sections", changed, "digest", m.digest)
	select {
	case m.changes <- ev:
	default:
		m.logger.Warn("config change listener lagging; event dropped")
	}
	return ev
}

// diffSections reports which of the seven sections differ between two raw
// documents, comparing the effective (defaults-merged) section bodies.
func diffSections(before, after map[string]any) []string {
	defaults := rawDefaults()
	effBefore := Merge(defaults, before)
	effAfter := Merge(defaults, after)
	var changed []string
	for _, s := range Sections {
		if !reflect.DeepEqual(effBefore[s], effAfter[s]) {
			changed = append(changed, s)
		}
	}
	return changed
}

// rawDefaults renders the built-in defaults as a raw document so user
// values merge over them leaf-by-leaf.
func rawDefaults() map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(mustJSON(Default())), &out); err != nil {
		panic(fmt.Sprintf("defaults do not round-trip: %v", err))
	}
	return out
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal: %v", err))
	}
	return string(data)
}
