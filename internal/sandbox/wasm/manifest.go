package wasm

import (
	"strings"

	"github.com/basket/crpc/internal/policy"
	"github.com/basket/crpc/internal/shared"
)

// Plugin kinds, decided by which entry points the module exports.
const (
	KindTool    = "tool"
	KindChannel = "channel"
	KindHook    = "hook"
)

// Guest ABI export names.
const (
	ExportAlloc       = "alloc"
	ExportToolInvoke  = "tool_invoke"
	ExportChannelSend = "channel_send"
	ExportHookFire    = "hook_fire"

	// versionExportPrefix marks the version metadata export, e.g. an
	// export named "version:1.2.0".
	versionExportPrefix = "version:"

	// HostModule is the import namespace the capability functions live in.
	HostModule = "crpc"
)

// Manifest describes a plugin, derived statically from its exports and
// imports before the first instantiation.
type Manifest struct {
	PluginID     string   `json:"plugin_id"`
	Kind         string   `json:"kind"`
	Capabilities []string `json:"capabilities_requested"`
	Version      string   `json:"version"`
}

// DeriveManifest inspects a compiled module's export and import names.
// The kind comes from the required entry-point export; capability names
// come from the host-module imports. An import of anything outside the
// closed capability set rejects the plugin at load.
func DeriveManifest(pluginID string, exports []string, hostImports []string) (Manifest, error) {
	m := Manifest{PluginID: pluginID, Version: "0.0.0"}

	hasAlloc := false
	for _, name := range exports {
		switch {
		case name == ExportToolInvoke:
			m.Kind = KindTool
		case name == ExportChannelSend && m.Kind == "":
			m.Kind = KindChannel
		case name == ExportHookFire && m.Kind == "":
			m.Kind = KindHook
		case name == ExportAlloc:
			hasAlloc = true
		case strings.HasPrefix(name, versionExportPrefix):
			if v := strings.TrimPrefix(name, versionExportPrefix); v != "" {
				m.Version = v
			}
		}
	}
	if m.Kind == "" {
		return Manifest{}, shared.Ef(shared.KindSchemaInvalid,
			"plugin %s exports none of %s/%s/%s", pluginID, ExportToolInvoke, ExportChannelSend, ExportHookFire)
	}
	if !hasAlloc {
		return Manifest{}, shared.Ef(shared.KindSchemaInvalid, "plugin %s does not export %s", pluginID, ExportAlloc)
	}

	seen := map[string]struct{}{}
	for _, name := range hostImports {
		cap := importCapability(name)
		if cap == "" {
			return Manifest{}, shared.Ef(shared.KindSchemaInvalid, "plugin %s imports unknown capability %q", pluginID, name)
		}
		if _, dup := seen[cap]; dup {
			continue
		}
		seen[cap] = struct{}{}
		m.Capabilities = append(m.Capabilities, cap)
	}
	return m, nil
}

// importCapability maps a host import name to its capability; empty for
// unknown names.
func importCapability(name string) string {
	switch name {
	case "credential_get":
		return policy.CapCredentialRead
	case "http_fetch":
		return policy.CapHTTPFetch
	case "media_store":
		return policy.CapMediaStore
	case "log_emit":
		return policy.CapLogEmit
	case "kv_read":
		return policy.CapKVRead
	case "kv_write":
		return policy.CapKVWrite
	default:
		return ""
	}
}

// Granted intersects the manifest's requested capabilities with the
// checker's grants for the plugin.
func (m Manifest) Granted(checker policy.Checker) []string {
	var out []string
	for _, cap := range m.Capabilities {
		if checker.AllowCapability(m.PluginID, cap) {
			out = append(out, cap)
		}
	}
	return out
}
