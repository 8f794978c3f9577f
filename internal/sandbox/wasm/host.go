// Package wasm executes hosted plugin code under wazero. Every
// invocation gets a fresh module instance with private linear memory and
// a wall-clock bound; the host exposes a closed set of capability
// functions, each gated by the grant policy, per-plugin quotas, and the
// SSRF guard.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/crpc/internal/audit"
	"github.com/basket/crpc/internal/credentials"
	"github.com/basket/crpc/internal/policy"
	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/store"
	"github.com/oklog/ulid/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultMemoryLimitPages caps each instance at 160 pages (10 MB).
const DefaultMemoryLimitPages = 160

type Config struct {
	Policy      policy.Checker
	Credentials *credentials.Store
	Logger      *slog.Logger
	// MediaDir receives media_store payloads.
	MediaDir string
	// KVDir holds the per-plugin kv documents.
	KVDir string

	Quotas           *Quotas
	Guard            *Guard
	MemoryLimitPages uint32
	InvokeTimeout    time.Duration
}

// plugin is one loaded module: compiled code plus its derived manifest.
type plugin struct {
	manifest Manifest
	compiled wazero.CompiledModule
	source   string
}

// Host owns the wazero runtime and the loaded plugin table.
type Host struct {
	policy        policy.Checker
	creds         *credentials.Store
	logger        *slog.Logger
	quotas        *Quotas
	guard         *Guard
	mediaDir      string
	kvDir         string
	invokeTimeout time.Duration

	runtime wazero.Runtime

	mu      sync.Mutex
	plugins map[string]*plugin
	kvLocks map[string]*sync.Mutex
}

func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.NewLive(policy.Default())
	}
	if cfg.Quotas == nil {
		cfg.Quotas = NewQuotas(0, 0, 0)
	}
	if cfg.Guard == nil {
		cfg.Guard = NewGuard()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout <= 0 {
		invokeTimeout = 30 * time.Second
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		policy:        cfg.Policy,
		creds:         cfg.Credentials,
		logger:        cfg.Logger,
		quotas:        cfg.Quotas,
		guard:         cfg.Guard,
		mediaDir:      cfg.MediaDir,
		kvDir:         cfg.KVDir,
		invokeTimeout: invokeTimeout,
		runtime:       wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		plugins:       map[string]*plugin{},
		kvLocks:       map[string]*sync.Mutex{},
	}

	builder := h.runtime.NewHostModuleBuilder(HostModule)
	builder.NewFunctionBuilder().WithFunc(h.hostCredentialGet).Export("credential_get")
	builder.NewFunctionBuilder().WithFunc(h.hostHTTPFetch).Export("http_fetch")
	builder.NewFunctionBuilder().WithFunc(h.hostMediaStore).Export("media_store")
	builder.NewFunctionBuilder().WithFunc(h.hostLogEmit).Export("log_emit")
	builder.NewFunctionBuilder().WithFunc(h.hostKVRead).Export("kv_read")
	builder.NewFunctionBuilder().WithFunc(h.hostKVWrite).Export("kv_write")
	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	for id, p := range h.plugins {
		_ = p.compiled.Close(ctx)
		delete(h.plugins, id)
	}
	h.mu.Unlock()
	return h.runtime.Close(ctx)
}

// Load compiles a plugin, derives its manifest, and admits it to the
// table. Admission fails for unknown capability imports or a missing
// entry point; nothing is instantiated yet.
func (h *Host) Load(ctx context.Context, pluginID string, wasmBytes []byte, source string) (Manifest, error) {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return Manifest{}, shared.Wrap(shared.KindSchemaInvalid, fmt.Sprintf("compile plugin %s", pluginID), err)
	}

	var exports []string
	for name := range compiled.ExportedFunctions() {
		exports = append(exports, name)
	}
	var hostImports []string
	for _, def := range compiled.ImportedFunctions() {
		module, name, ok := def.Import()
		if !ok || module != HostModule {
			continue
		}
		hostImports = append(hostImports, name)
	}

	manifest, err := DeriveManifest(pluginID, exports, hostImports)
	if err != nil {
		_ = compiled.Close(ctx)
		return Manifest{}, err
	}

	h.mu.Lock()
	if old, ok := h.plugins[pluginID]; ok {
		_ = old.compiled.Close(ctx)
	}
	h.plugins[pluginID] = &plugin{manifest: manifest, compiled: compiled, source: source}
	h.mu.Unlock()

	h.logger.Info("plugin loaded",
		"plugin", pluginID, "kind", manifest.Kind,
		"version", manifest.Version, "capabilities", manifest.Capabilities, "source", source)
	return manifest, nil
}

// LoadFile reads and loads a plugin from disk; the plugin id is the file
// name without extension.
func (h *Host) LoadFile(ctx context.Context, path string) (Manifest, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read plugin: %w", err)
	}
	base := filepath.Base(path)
	id := base[:len(base)-len(filepath.Ext(base))]
	return h.Load(ctx, id, wasmBytes, path)
}

// Unload drops a plugin from the table.
func (h *Host) Unload(ctx context.Context, pluginID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.plugins[pluginID]
	if !ok {
		return false
	}
	_ = p.compiled.Close(ctx)
	delete(h.plugins, pluginID)
	return true
}

// ManifestOf returns a loaded plugin's manifest.
func (h *Host) ManifestOf(pluginID string) (Manifest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.plugins[pluginID]
	if !ok {
		return Manifest{}, false
	}
	return p.manifest, true
}

// Manifests lists every loaded plugin.
func (h *Host) Manifests() []Manifest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Manifest, 0, len(h.plugins))
	for _, p := range h.plugins {
		out = append(out, p.manifest)
	}
	return out
}

// InvokeTool runs a tool plugin's tool_invoke export with the given
// payload and returns its response bytes.
func (h *Host) InvokeTool(ctx context.Context, pluginID string, input []byte) ([]byte, error) {
	return h.invoke(ctx, pluginID, ExportToolInvoke, input)
}

// InvokeChannel runs a channel plugin's channel_send export.
func (h *Host) InvokeChannel(ctx context.Context, pluginID string, input []byte) ([]byte, error) {
	return h.invoke(ctx, pluginID, ExportChannelSend, input)
}

// FireHook runs a hook plugin's hook_fire export, discarding output.
func (h *Host) FireHook(ctx context.Context, pluginID string, input []byte) error {
	_, err := h.invoke(ctx, pluginID, ExportHookFire, input)
	return err
}

// invoke instantiates a fresh, anonymous instance (private linear
// memory), writes the payload through the guest allocator, calls the
// entry point, and reads back the packed ptr/len result.
func (h *Host) invoke(ctx context.Context, pluginID, entry string, input []byte) ([]byte, error) {
	h.mu.Lock()
	p, ok := h.plugins[pluginID]
	h.mu.Unlock()
	if !ok {
		return nil, shared.Ef(shared.KindNotFound, "plugin %q not loaded", pluginID)
	}

	ctx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()
	ctx = shared.WithPluginID(ctx, pluginID)

	instance, err := h.runtime.InstantiateModule(ctx, p.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, classifyWASMError(pluginID, err)
	}
	defer instance.Close(ctx)

	fn := instance.ExportedFunction(entry)
	if fn == nil {
		return nil, shared.Ef(shared.KindSchemaInvalid, "plugin %s does not export %s", pluginID, entry)
	}

	ptr, err := writeGuestBytes(ctx, instance, input)
	if err != nil {
		return nil, err
	}
	results, err := fn.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, classifyWASMError(pluginID, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	outPtr, outLen := unpack(results[0])
	if outLen == 0 {
		return nil, nil
	}
	data, ok := instance.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, shared.Ef(shared.KindInternal, "plugin %s returned an out-of-range result", pluginID)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// classifyWASMError maps wazero failures onto the error taxonomy.
// Wall-clock expiry surfaces as Timeout; guest traps stay isolated as
// Internal so a broken plugin never crashes the host.
func classifyWASMError(pluginID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return shared.Wrap(shared.KindTimeout, fmt.Sprintf("plugin %s exceeded its wall-clock budget", pluginID), err)
	}
	if errors.Is(err, context.Canceled) {
		return shared.Wrap(shared.KindCancelled, fmt.Sprintf("plugin %s invocation cancelled", pluginID), err)
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return shared.Wrap(shared.KindTimeout, fmt.Sprintf("plugin %s terminated", pluginID), err)
	}
	return shared.Wrap(shared.KindInternal, fmt.Sprintf("plugin %s trapped", pluginID), err)
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// writeGuestBytes allocates guest memory via the exported allocator and
// copies data in.
func writeGuestBytes(ctx context.Context, m api.Module, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	allocFn := m.ExportedFunction(ExportAlloc)
	if allocFn == nil {
		return 0, shared.E(shared.KindSchemaInvalid, "plugin does not export alloc")
	}
	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0, shared.Wrap(shared.KindInternal, "guest alloc failed", err)
	}
	ptr := uint32(results[0])
	if !m.Memory().Write(ptr, data) {
		return 0, shared.E(shared.KindInternal, "guest alloc returned an out-of-range pointer")
	}
	return ptr, nil
}

func readGuestString(m api.Module, ptr, length uint32) (string, bool) {
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// reply packs a capability result into guest memory. Errors travel back
// to the plugin as a regular JSON payload, never as a trap.
func (h *Host) reply(ctx context.Context, m api.Module, payload any, err error) uint64 {
	var body []byte
	if err != nil {
		body, _ = json.Marshal(map[string]any{
			"error":   string(shared.KindOf(err)),
			"message": shared.Redact(err.Error()),
		})
	} else {
		var mErr error
		body, mErr = json.Marshal(payload)
		if mErr != nil {
			body = []byte(`{"error":"Internal"}`)
		}
	}
	ptr, wErr := writeGuestBytes(ctx, m, body)
	if wErr != nil {
		return 0
	}
	return pack(ptr, uint32(len(body)))
}

// capability guard shared by every host function.
func (h *Host) allow(ctx context.Context, cap, detail string) (string, error) {
	pluginID := shared.PluginID(ctx)
	if pluginID == "" {
		return "", shared.E(shared.KindForbidden, "no plugin identity on invocation")
	}
	if !h.policy.AllowCapability(pluginID, cap) {
		audit.Record("plugin.capability", "deny", pluginID, cap)
		return "", shared.Ef(shared.KindForbidden, "capability %s not granted", cap)
	}
	audit.Record("plugin.capability", "allow", pluginID, cap+" "+detail)
	return pluginID, nil
}

func (h *Host) hostCredentialGet(ctx context.Context, m api.Module, namePtr, nameLen uint32) uint64 {
	name, ok := readGuestString(m, namePtr, nameLen)
	if !ok {
		return h.reply(ctx, m, nil, shared.E(shared.KindSchemaInvalid, "bad credential name pointer"))
	}
	pluginID, err := h.allow(ctx, policy.CapCredentialRead, name)
	if err != nil {
		return h.reply(ctx, m, nil, err)
	}
	if h.creds == nil {
		return h.reply(ctx, m, nil, shared.E(shared.KindDependencyUnavailable, "credential store not configured"))
	}
	value, err := h.creds.Get(pluginID, name)
	if err != nil {
		return h.reply(ctx, m, nil, err)
	}
	return h.reply(ctx, m, map[string]any{"value": value}, nil)
}

func (h *Host) hostHTTPFetch(ctx context.Context, m api.Module, urlPtr, urlLen uint32) uint64 {
	rawURL, ok := readGuestString(m, urlPtr, urlLen)
	if !ok {
		return h.reply(ctx, m, nil, shared.E(shared.KindSchemaInvalid, "bad url pointer"))
	}
	pluginID, err := h.allow(ctx, policy.CapHTTPFetch, rawURL)
	if err != nil {
		return h.reply(ctx, m, nil, err)
	}
	if err := h.quotas.TakeHTTP(pluginID); err != nil {
		return h.reply(ctx, m, nil, err)
	}
	u, _, err := h.guard.CheckURL(ctx, rawURL)
	if err != nil {
		audit.RecordTraced("connector.http_error", "deny", pluginID, rawURL, shared.TraceID(ctx))
		return h.reply(ctx, m, nil, err)
	}
	if !h.policy.AllowDomain(pluginID, u.Hostname()) {
		audit.RecordTraced("connector.http_error", "deny", pluginID, rawURL, shared.TraceID(ctx))
		return h.reply(ctx, m, nil, shared.Ef(shared.KindForbidden, "domain %s not in plugin allowlist", u.Hostname()))
	}
	status, body, err := h.guard.Fetch(ctx, rawURL)
	if err != nil {
		audit.RecordTraced("connector.http_error", "deny", pluginID, rawURL, shared.TraceID(ctx))
		return h.reply(ctx, m, nil, err)
	}
	return h.reply(ctx, m, map[string]any{"status": status, "body": string(body)}, nil)
}

func (h *Host) hostMediaStore(ctx context.Context, m api.Module, dataPtr, dataLen, ctPtr, ctLen uint32) uint64 {
	pluginID, err := h.allow(ctx, policy.CapMediaStore, "")
	if err != nil {
		return h.reply(ctx, m, nil, err)
	}
	if err := h.quotas.CheckMedia(pluginID, int64(dataLen)); err != nil {
		return h.reply(ctx, m, nil, err)
	}
	data, ok := m.Memory().Read(dataPtr, dataLen)
	if !ok {
		return h.reply(ctx, m, nil, shared.E(shared.KindSchemaInvalid, "bad media pointer"))
	}
	contentType, _ := readGuestString(m, ctPtr, ctLen)

	handle := ulid.Make().String() + extensionFor(contentType)
	path := filepath.Join(h.mediaDir, handle)
	if err := store.WriteFileAtomic(path, data, 0o600); err != nil {
		return h.reply(ctx, m, nil, shared.Wrap(shared.KindInternal, "store media", err))
	}
	return h.reply(ctx, m, map[string]any{"handle": handle}, nil)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".bin"
	}
}

func (h *Host) hostLogEmit(ctx context.Context, m api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	pluginID, err := h.allow(ctx, policy.CapLogEmit, "")
	if err != nil {
		return
	}
	if err := h.quotas.TakeLog(pluginID); err != nil {
		return
	}
	level, _ := readGuestString(m, levelPtr, levelLen)
	msg, ok := readGuestString(m, msgPtr, msgLen)
	if !ok {
		return
	}
	msg = shared.Redact(msg)
	switch level {
	case "error":
		h.logger.Error("plugin log", "plugin", pluginID, "msg", msg)
	case "warn":
		h.logger.Warn("plugin log", "plugin", pluginID, "msg", msg)
	case "debug":
		h.logger.Debug("plugin log", "plugin", pluginID, "msg", msg)
	default:
		h.logger.Info("plugin log", "plugin", pluginID, "msg", msg)
	}
}

func (h *Host) kvLock(pluginID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.kvLocks[pluginID]
	if !ok {
		l = &sync.Mutex{}
		h.kvLocks[pluginID] = l
	}
	return l
}

func (h *Host) kvDoc(pluginID string) store.Doc {
	return store.Doc{Path: filepath.Join(h.kvDir, pluginID+".json")}
}

func (h *Host) hostKVRead(ctx context.Context, m api.Module, keyPtr, keyLen uint32) uint64 {
	key, ok := readGuestString(m, keyPtr, keyLen)
	if !ok {
		return h.reply(ctx, m, nil, shared.E(shared.KindSchemaInvalid, "bad key pointer"))
	}
	pluginID, err := h.allow(ctx, policy.CapKVRead, key)
	if err != nil {
		return h.reply(ctx, m, nil, err)
	}
	lock := h.kvLock(pluginID)
	lock.Lock()
	defer lock.Unlock()
	kv := map[string]string{}
	if _, err := h.kvDoc(pluginID).Load(&kv); err != nil && !shared.IsKind(err, shared.KindNotFound) {
		return h.reply(ctx, m, nil, err)
	}
	value, found := kv[key]
	return h.reply(ctx, m, map[string]any{"value": value, "found": found}, nil)
}

func (h *Host) hostKVWrite(ctx context.Context, m api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint64 {
	key, ok := readGuestString(m, keyPtr, keyLen)
	if !ok {
		return h.reply(ctx, m, nil, shared.E(shared.KindSchemaInvalid, "bad key pointer"))
	}
	value, ok := readGuestString(m, valPtr, valLen)
	if !ok {
		return h.reply(ctx, m, nil, shared.E(shared.KindSchemaInvalid, "bad value pointer"))
	}
	pluginID, err := h.allow(ctx, policy.CapKVWrite, key)
	if err != nil {
		return h.reply(ctx, m, nil, err)
	}
	lock := h.kvLock(pluginID)
	lock.Lock()
	defer lock.Unlock()
	doc := h.kvDoc(pluginID)
	kv := map[string]string{}
	if _, err := doc.Load(&kv); err != nil && !shared.IsKind(err, shared.KindNotFound) {
		return h.reply(ctx, m, nil, err)
	}
	kv[key] = value
	if _, err := doc.Save(kv); err != nil {
		return h.reply(ctx, m, nil, err)
	}
	return h.reply(ctx, m, map[string]any{"ok": true}, nil)
}
