// Package engine runs agent turns: it builds the model context from the
// session history, streams the provider response, drives the tool loop
// under the agent's policy, and surfaces every step as events to the
// caller. Providers are hand-rolled HTTP SSE clients multiplexed by
// model-reference prefix.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/tools"
)

// Message roles on the provider wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one context entry sent to a provider.
type Message struct {
	Role    string
	Content string
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// ToolCall is a completed tool invocation request from the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Chunk is one streamed increment from a provider: text, completed tool
// calls, or the stop marker with usage.
type Chunk struct {
	Text       string
	ToolCalls  []ToolCall
	Stop       bool
	StopReason string
	TokensIn   int
	TokensOut  int
}

// Request is a provider-neutral streaming call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []tools.Definition
	MaxTokens int
}

// Stream yields chunks until Stop or error. Recv blocks at most until
// the next chunk; the engine layers the per-chunk watchdog on top.
type Stream interface {
	Recv(ctx context.Context) (Chunk, error)
	Close() error
}

// Provider opens streams for one model family.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// MultiProvider routes by the model reference's prefix, e.g.
// "anthropic/claude-sonnet-4-5" or "ollama/llama3.3".
type MultiProvider struct {
	providers map[string]Provider
}

func NewMultiProvider() *MultiProvider {
	return &MultiProvider{providers: map[string]Provider{}}
}

// Register binds a prefix (without the slash) to a provider.
func (m *MultiProvider) Register(prefix string, p Provider) {
	m.providers[prefix] = p
}

// Resolve splits a model reference into its provider and bare model.
func (m *MultiProvider) Resolve(modelRef string) (Provider, string, error) {
	prefix, model, ok := strings.Cut(modelRef, "/")
	if !ok || model == "" {
		return nil, "", shared.Ef(shared.KindSchemaInvalid, "model reference %q needs a provider/ prefix", modelRef)
	}
	p, ok := m.providers[prefix]
	if !ok {
		return nil, "", shared.Ef(shared.KindNotFound, "no provider configured for prefix %q", prefix)
	}
	return p, model, nil
}

// Prefixes lists the registered provider prefixes.
func (m *MultiProvider) Prefixes() []string {
	out := make([]string, 0, len(m.providers))
	for p := range m.providers {
		out = append(out, p)
	}
	return out
}

// watchdogStream fails Recv with StreamStalled when no chunk arrives
// within the per-chunk timeout.
type watchdogStream struct {
	inner   Stream
	timeout time.Duration
}

// WithWatchdog wraps a stream in the per-chunk timeout.
func WithWatchdog(s Stream, timeout time.Duration) Stream {
	if timeout <= 0 {
		return s
	}
	return &watchdogStream{inner: s, timeout: timeout}
}

type recvResult struct {
	chunk Chunk
	err   error
}

func (w *watchdogStream) Recv(ctx context.Context) (Chunk, error) {
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan recvResult, 1)
	go func() {
		chunk, err := w.inner.Recv(recvCtx)
		ch <- recvResult{chunk, err}
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.chunk, r.err
	case <-timer.C:
		cancel()
		_ = w.inner.Close()
		return Chunk{}, shared.Ef(shared.KindStreamStalled, "no chunk within %s", w.timeout)
	case <-ctx.Done():
		return Chunk{}, shared.Wrap(shared.KindCancelled, "stream read", ctx.Err())
	}
}

func (w *watchdogStream) Close() error { return w.inner.Close() }

// ContextWindowFor returns the token window for a model reference,
// falling back to conservative defaults for unknown models.
func ContextWindowFor(modelRef string) int {
	prefix, model, _ := strings.Cut(strings.ToLower(modelRef), "/")
	switch {
	case strings.HasPrefix(model, "claude-"):
		return 200_000
	case strings.HasPrefix(model, "gemini-"):
		return 1_048_576
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return 128_000
	}
	switch prefix {
	case "anthropic", "bedrock":
		return 200_000
	case "gemini":
		return 1_048_576
	case "ollama":
		return 32_768
	default:
		return 128_000
	}
}
