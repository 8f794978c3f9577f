// Package tools holds the tool catalog: named, schema-carrying
// operations an agent may invoke. Implementations are built-in Go
// functions, WASM plugin exports, or channel-gated actions; the engine's
// tool loop decides policy, approval, and gating before dispatching.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/basket/crpc/internal/agent"
	"github.com/basket/crpc/internal/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Implementation kinds.
const (
	ImplBuiltin      = "builtin"
	ImplWASMPlugin   = "wasm_plugin"
	ImplChannelGated = "channel_gated"
)

// Handler executes a tool call with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one catalog entry.
type Tool struct {
	Name        string
	Description string
	// Schema is the JSON schema for the arguments object.
	Schema map[string]any
	Impl   string
	// PluginID is set for wasm_plugin tools; used to unregister a
	// plugin's tools when it is removed or replaced.
	PluginID string
	// ChannelTag is required for channel_gated tools; dispatch fails when
	// the active session's channel does not match.
	ChannelTag string
	// ParallelSafe tools may run concurrently when the model requests
	// several calls in one chunk. Everything else runs sequentially.
	ParallelSafe bool
	// RequiresApproval parks the call on an approval ticket before
	// execution.
	RequiresApproval bool
	Handler          Handler
}

// Definition is the wire form sent to providers as a tool declaration.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"input_schema"`
}

// Definition renders the provider-facing declaration.
func (t Tool) Definition() Definition {
	schema := t.Schema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return Definition{Name: t.Name, Description: t.Description, Schema: schema}
}

// Catalog is the registered tool set. Registration happens at startup
// and on plugin (re)load; lookups are concurrent.
type Catalog struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

func NewCatalog() *Catalog {
	return &Catalog{
		tools:    map[string]Tool{},
		compiled: map[string]*jsonschema.Schema{},
	}
}

// Register adds or replaces a tool. The schema is compiled eagerly so a
// bad plugin manifest fails at load, not at first call.
func (c *Catalog) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return shared.E(shared.KindSchemaInvalid, "tool name must be non-empty")
	}
	if t.Handler == nil {
		return shared.Ef(shared.KindSchemaInvalid, "tool %q has no handler", t.Name)
	}
	switch t.Impl {
	case ImplBuiltin, ImplWASMPlugin:
	case ImplChannelGated:
		if t.ChannelTag == "" {
			return shared.Ef(shared.KindSchemaInvalid, "channel_gated tool %q needs a channel tag", t.Name)
		}
	default:
		return shared.Ef(shared.KindSchemaInvalid, "tool %q has unknown implementation kind %q", t.Name, t.Impl)
	}

	var sch *jsonschema.Schema
	if t.Schema != nil {
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			return fmt.Errorf("encode schema for tool %s: %w", t.Name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			return shared.Wrap(shared.KindSchemaInvalid, fmt.Sprintf("parse schema for tool %s", t.Name), err)
		}
		compiler := jsonschema.NewCompiler()
		resource := t.Name + ".schema.json"
		if err := compiler.AddResource(resource, doc); err != nil {
			return shared.Wrap(shared.KindSchemaInvalid, fmt.Sprintf("add schema for tool %s", t.Name), err)
		}
		sch, err = compiler.Compile(resource)
		if err != nil {
			return shared.Wrap(shared.KindSchemaInvalid, fmt.Sprintf("compile schema for tool %s", t.Name), err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[t.Name] = t
	if sch != nil {
		c.compiled[t.Name] = sch
	} else {
		delete(c.compiled, t.Name)
	}
	return nil
}

// Unregister removes a tool by name.
func (c *Catalog) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tools, name)
	delete(c.compiled, name)
}

// UnregisterPlugin removes every tool a plugin registered. Returns the
// number removed.
func (c *Catalog) UnregisterPlugin(pluginID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for name, t := range c.tools {
		if t.Impl == ImplWASMPlugin && t.PluginID == pluginID {
			delete(c.tools, name)
			delete(c.compiled, name)
			n++
		}
	}
	return n
}

// Get looks a tool up by name.
func (c *Catalog) Get(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

// List returns every registered tool sorted by name.
func (c *Catalog) List() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForAgent returns the tool definitions visible to an agent: the tool
// policy filter plus channel gating against the session's channel. This
// is the definition-time half of enforcement; Resolve repeats it at
// dispatch.
func (c *Catalog) ForAgent(pol agent.ToolPolicy, sessionChannel string) []Definition {
	var defs []Definition
	for _, t := range c.List() {
		if !pol.Allows(t.Name) {
			continue
		}
		if t.Impl == ImplChannelGated && t.ChannelTag != sessionChannel {
			continue
		}
		defs = append(defs, t.Definition())
	}
	return defs
}

// Resolve re-checks a concrete dispatch: existence, tool policy, and
// channel gating, in that order. Policy failures come back Forbidden so
// the engine can synthesise a policy-denial tool result.
func (c *Catalog) Resolve(name string, pol agent.ToolPolicy, sessionChannel string) (Tool, error) {
	t, ok := c.Get(name)
	if !ok {
		return Tool{}, shared.Ef(shared.KindNotFound, "tool %q is not registered", name)
	}
	if !pol.Allows(name) {
		return Tool{}, shared.Ef(shared.KindForbidden, "tool %q denied by policy", name)
	}
	if t.Impl == ImplChannelGated && t.ChannelTag != sessionChannel {
		return Tool{}, shared.Ef(shared.KindForbidden, "tool %q requires channel %q", name, t.ChannelTag)
	}
	return t, nil
}

// ValidateArgs checks a call's arguments against the tool's schema.
// Tools without a schema accept anything.
func (c *Catalog) ValidateArgs(name string, args map[string]any) error {
	c.mu.RLock()
	sch := c.compiled[name]
	c.mu.RUnlock()
	if sch == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return shared.Wrap(shared.KindSchemaInvalid, "encode tool arguments", err)
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return shared.Wrap(shared.KindSchemaInvalid, "decode tool arguments", err)
	}
	if err := sch.Validate(value); err != nil {
		return shared.Wrap(shared.KindSchemaInvalid, fmt.Sprintf("arguments for tool %s", name), err)
	}
	return nil
}
