// Package agent resolves agent definitions from the live config: model
// reference, system prompt, tool policy, and optional channel binding.
package agent

import (
	"sort"
	"strings"

	"github.com/basket/crpc/internal/config"
	"github.com/basket/crpc/internal/shared"
)

// DefaultAgentID is the agent used when a caller names none.
const DefaultAgentID = "default"

// Tool policy modes.
const (
	PolicyAllowAll  = "allow_all"
	PolicyAllowList = "allow_list"
	PolicyDenyList  = "deny_list"
)

// ToolPolicy gates which tools an agent may call. It is enforced twice:
// when building the tool definitions sent to the model, and again at
// dispatch time.
type ToolPolicy struct {
	mode string
	set  map[string]struct{}
}

// PolicyFromConfig builds a ToolPolicy from its config form. Unknown
// modes fall back to allow-all, matching the defaults pipeline.
func PolicyFromConfig(cfg config.ToolPolicyConfig) ToolPolicy {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case PolicyAllowList, PolicyDenyList:
	default:
		mode = PolicyAllowAll
	}
	set := make(map[string]struct{}, len(cfg.Tools))
	for _, t := range cfg.Tools {
		t = strings.TrimSpace(t)
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return ToolPolicy{mode: mode, set: set}
}

// AllowAll is the permissive policy.
func AllowAll() ToolPolicy {
	return ToolPolicy{mode: PolicyAllowAll}
}

// AllowList permits exactly the named tools.
func AllowList(tools ...string) ToolPolicy {
	return PolicyFromConfig(config.ToolPolicyConfig{Mode: PolicyAllowList, Tools: tools})
}

// DenyList permits everything except the named tools.
func DenyList(tools ...string) ToolPolicy {
	return PolicyFromConfig(config.ToolPolicyConfig{Mode: PolicyDenyList, Tools: tools})
}

// Mode returns the policy mode string.
func (p ToolPolicy) Mode() string {
	if p.mode == "" {
		return PolicyAllowAll
	}
	return p.mode
}

// Allows reports whether the policy permits the named tool.
func (p ToolPolicy) Allows(tool string) bool {
	switch p.Mode() {
	case PolicyAllowList:
		_, ok := p.set[tool]
		return ok
	case PolicyDenyList:
		_, ok := p.set[tool]
		return !ok
	default:
		return true
	}
}

// Tools returns the policy's tool set in sorted order.
func (p ToolPolicy) Tools() []string {
	out := make([]string, 0, len(p.set))
	for t := range p.set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Agent is a resolved agent definition.
type Agent struct {
	ID           string
	Model        string
	SystemPrompt string
	Policy       ToolPolicy
	// Channel binds the agent to one channel id; empty means unbound.
	// channel_gated tools require the active session's channel to match.
	Channel string
}

// Registry resolves agents against the current config snapshot, so a hot
// reload of the agents section is visible on the next lookup.
type Registry struct {
	current func() *config.Config
}

// NewRegistry builds a registry over a config snapshot accessor.
func NewRegistry(current func() *config.Config) *Registry {
	return &Registry{current: current}
}

func fromEntry(e config.AgentEntry) Agent {
	return Agent{
		ID:           e.AgentID,
		Model:        e.Model,
		SystemPrompt: e.SystemPrompt,
		Policy:       PolicyFromConfig(e.ToolPolicy),
		Channel:      e.Channel,
	}
}

// Get resolves an agent by id; missing ids yield NotFound.
func (r *Registry) Get(id string) (Agent, error) {
	if id == "" {
		id = DefaultAgentID
	}
	cfg := r.current()
	entry, ok := cfg.AgentByID(id)
	if !ok {
		return Agent{}, shared.Ef(shared.KindNotFound, "agent %q not configured", id)
	}
	return fromEntry(entry), nil
}

// List returns every configured agent, the implicit default included.
func (r *Registry) List() []Agent {
	cfg := r.current()
	seen := map[string]struct{}{}
	var out []Agent
	for _, e := range cfg.Agents.List {
		if resolved, ok := cfg.AgentByID(e.AgentID); ok {
			out = append(out, fromEntry(resolved))
			seen[e.AgentID] = struct{}{}
		}
	}
	if _, ok := seen[DefaultAgentID]; !ok {
		if d, ok := cfg.AgentByID(DefaultAgentID); ok {
			out = append(out, fromEntry(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Models returns the distinct model references across all agents.
func (r *Registry) Models() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, a := range r.List() {
		if _, ok := seen[a.Model]; ok || a.Model == "" {
			continue
		}
		seen[a.Model] = struct{}{}
		out = append(out, a.Model)
	}
	sort.Strings(out)
	return out
}
