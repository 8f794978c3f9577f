// Package policy decides what hosted plugin code may do. Grants are
// loaded from policy.yaml and merged with the plugins section of the
// config; the sandbox consults the checker before every capability call.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Capability names form a closed set. A plugin requesting anything
// outside this set is rejected at load time.
const (
	CapCredentialRead = "credential:read"
	CapHTTPFetch      = "http:fetch"
	CapMediaStore     = "media:store"
	CapLogEmit        = "log:emit"
	CapKVRead         = "kv:read"
	CapKVWrite        = "kv:write"
)

var knownCapabilities = map[string]struct{}{
	CapCredentialRead: {},
	CapHTTPFetch:      {},
	CapMediaStore:     {},
	CapLogEmit:        {},
	CapKVRead:         {},
	CapKVWrite:        {},
}

// Known reports whether name is a member of the closed capability set.
// credential:read may carry a parenthesised prefix argument.
func Known(name string) bool {
	_, ok := knownCapabilities[normalizeCap(name)]
	return ok
}

// Checker is the interface the sandbox and gateway use to gate plugin
// capability calls.
type Checker interface {
	AllowCapability(pluginID, capability string) bool
	AllowDomain(pluginID, host string) bool
	// DomainsRestricted reports whether the plugin carries an
	// allowed-domains list; unrestricted plugins still pass the SSRF guard.
	DomainsRestricted(pluginID string) bool
	Version() string
}

// Policy is the serialisable grant table: plugin id to granted
// capabilities, plus optional per-plugin domain allowlists. "*" grants
// apply to every plugin.
type Policy struct {
	Grants         map[string][]string `yaml:"grants"`
	AllowedDomains map[string][]string `yaml:"allowed_domains"`
}

// Default denies everything.
func Default() Policy {
	return Policy{}
}

// Load reads policy.yaml. A missing or empty file yields the default
// deny-all policy; an unknown capability name fails the load.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for plugin, caps := range p.Grants {
		for _, c := range caps {
			if !Known(c) {
				return fmt.Errorf("policy: plugin %q grants unknown capability %q", plugin, c)
			}
		}
	}
	return nil
}

// Merge overlays extra grants (typically from the plugins config section)
// onto the file policy. Grants accumulate; domain lists from the overlay
// replace the file's list for the same plugin.
func (p Policy) Merge(grants, domains map[string][]string) Policy {
	out := Policy{
		Grants:         map[string][]string{},
		AllowedDomains: map[string][]string{},
	}
	for k, v := range p.Grants {
		out.Grants[k] = append([]string(nil), v...)
	}
	for k, v := range grants {
		out.Grants[k] = append(out.Grants[k], v...)
	}
	for k, v := range p.AllowedDomains {
		out.AllowedDomains[k] = append([]string(nil), v...)
	}
	for k, v := range domains {
		out.AllowedDomains[k] = append([]string(nil), v...)
	}
	return out
}

// AllowCapability reports whether pluginID holds capability. Arguments in
// the grant (the credential:read prefix) are ignored for the membership
// check; prefix scoping is enforced by the credential store itself.
func (p Policy) AllowCapability(pluginID, capability string) bool {
	capability = normalizeCap(capability)
	if capability == "" {
		return false
	}
	for _, scope := range []string{pluginID, "*"} {
		for _, granted := range p.Grants[scope] {
			if normalizeCap(granted) == capability {
				return true
			}
		}
	}
	return false
}

func normalizeCap(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if idx := strings.IndexByte(c, '('); idx > 0 && strings.HasSuffix(c, ")") {
		c = c[:idx]
	}
	return c
}

// DomainsRestricted reports whether the plugin carries an allowlist.
func (p Policy) DomainsRestricted(pluginID string) bool {
	return len(p.AllowedDomains[pluginID]) > 0
}

// AllowDomain checks host against the plugin's allowlist. Plugins with no
// list may reach any public host; the SSRF guard still applies either way.
func (p Policy) AllowDomain(pluginID, host string) bool {
	domains := p.AllowedDomains[pluginID]
	if len(domains) == 0 {
		return true
	}
	host = strings.ToLower(strings.TrimSpace(host))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Version returns a stable fingerprint of the grant table, recorded in
// audit entries so a decision can be traced to the policy that made it.
func (p Policy) Version() string {
	h := fnv.New64a()
	plugins := make([]string, 0, len(p.Grants))
	for k := range p.Grants {
		plugins = append(plugins, k)
	}
	sort.Strings(plugins)
	for _, plugin := range plugins {
		h.Write([]byte(plugin))
		caps := append([]string(nil), p.Grants[plugin]...)
		sort.Strings(caps)
		for _, c := range caps {
			h.Write([]byte(c))
		}
	}
	domainPlugins := make([]string, 0, len(p.AllowedDomains))
	for k := range p.AllowedDomains {
		domainPlugins = append(domainPlugins, k)
	}
	sort.Strings(domainPlugins)
	for _, plugin := range domainPlugins {
		h.Write([]byte("d:" + plugin))
		ds := append([]string(nil), p.AllowedDomains[plugin]...)
		sort.Strings(ds)
		for _, d := range ds {
			h.Write([]byte(d))
		}
	}
	return "v" + strconv.FormatUint(h.Sum64(), 16)
}

// Live wraps a Policy behind a lock so config reloads can swap the grant
// table without restarting plugin hosts.
type Live struct {
	mu sync.RWMutex
	p  Policy
}

func NewLive(p Policy) *Live {
	return &Live{p: p}
}

func (l *Live) Swap(p Policy) {
	l.mu.Lock()
	l.p = p
	l.mu.Unlock()
}

func (l *Live) Current() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.p
}

func (l *Live) AllowCapability(pluginID, capability string) bool {
	return l.Current().AllowCapability(pluginID, capability)
}

func (l *Live) AllowDomain(pluginID, host string) bool {
	return l.Current().AllowDomain(pluginID, host)
}

func (l *Live) DomainsRestricted(pluginID string) bool {
	return l.Current().DomainsRestricted(pluginID)
}

func (l *Live) Version() string {
	return l.Current().Version()
}
