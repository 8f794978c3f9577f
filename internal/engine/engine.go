package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/crpc/internal/agent"
	"github.com/basket/crpc/internal/approvals"
	"github.com/basket/crpc/internal/bus"
	"github.com/basket/crpc/internal/config"
	"github.com/basket/crpc/internal/session"
	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/tokenutil"
	"github.com/basket/crpc/internal/tools"
)

// Event kinds surfaced to the caller during a run.
const (
	EventToken           = "token"
	EventToolCallRequest = "tool_call_request"
	EventToolCallResult  = "tool_call_result"
	EventStop            = "stop"
	EventError           = "error"
)

// Event is one streamed step of an agent turn.
type Event struct {
	Kind       string      `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Call       *ToolCall   `json:"call,omitempty"`
	Result     any         `json:"result,omitempty"`
	StopReason string      `json:"stop_reason,omitempty"`
	Code       shared.Kind `json:"code,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// Emit receives events in order; it must not block indefinitely.
type Emit func(Event)

// RunInput names one agent turn.
type RunInput struct {
	SessionID   string
	AgentID     string
	UserMessage string
	Attachments []string
}

// maxToolRounds bounds provider round-trips within one turn so a model
// that never stops calling tools cannot spin forever.
const maxToolRounds = 16

type Config struct {
	Registry  *agent.Registry
	Catalog   *tools.Catalog
	Sessions  *session.Store
	Approvals *approvals.Store
	Providers *MultiProvider
	Bus       *bus.Bus
	Logger    *slog.Logger
	// Current yields the live config for chunk timeout and max tokens.
	Current func() *config.Config
}

// Engine runs agent turns.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) chunkTimeout() time.Duration {
	if e.cfg.Current == nil {
		return time.Minute
	}
	return time.Duration(e.cfg.Current().Agents.ChunkTimeoutSeconds) * time.Second
}

// Run executes one agent turn. It appends the user message, streams the
// provider, drives the tool loop, and persists the assistant and tool
// turns. The final event is always stop or error.
func (e *Engine) Run(ctx context.Context, in RunInput, emit Emit) error {
	err := e.run(ctx, in, emit)
	if err != nil {
		kind := shared.KindOf(err)
		msg := shared.Redact(err.Error())
		if kind == shared.KindInternal {
			// Internal detail stays in the log, correlated by trace id.
			e.cfg.Logger.Error("agent turn failed", "trace_id", shared.TraceID(ctx), "error", err)
			msg = "internal error"
		}
		emit(Event{Kind: EventError, Code: kind, Message: msg})
	}
	return err
}

func (e *Engine) run(ctx context.Context, in RunInput, emit Emit) error {
	ag, err := e.cfg.Registry.Get(in.AgentID)
	if err != nil {
		return err
	}
	meta, err := e.cfg.Sessions.Get(in.SessionID)
	if err != nil {
		return err
	}
	provider, model, err := e.cfg.Providers.Resolve(ag.Model)
	if err != nil {
		return err
	}

	if _, err := e.cfg.Sessions.Append(in.SessionID, session.Turn{
		Role:    session.RoleUser,
		Content: in.UserMessage,
	}); err != nil {
		return err
	}

	history, err := e.cfg.Sessions.History(in.SessionID)
	if err != nil {
		return err
	}
	messages := buildContext(ag, history, in.Attachments)

	defs := e.cfg.Catalog.ForAgent(ag.Policy, meta.Channel)
	var totalIn, totalOut int64

	for round := 0; round < maxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			return shared.Wrap(shared.KindCancelled, "agent turn", err)
		}
		req := Request{
			Model:    model,
			System:   systemPrompt(ag),
			Messages: messages,
			Tools:    defs,
		}
		stream, err := provider.Stream(ctx, req)
		if err != nil {
			return err
		}
		assistantText, calls, usageIn, usageOut, err := e.consume(ctx, stream, emit)
		_ = stream.Close()
		if err != nil {
			return err
		}
		totalIn += int64(usageIn)
		totalOut += int64(usageOut)

		if assistantText != "" || len(calls) > 0 {
			if _, err := e.cfg.Sessions.Append(in.SessionID, session.Turn{
				Role:      session.RoleAssistant,
				Content:   assistantText,
				TokensOut: usageOut,
			}); err != nil {
				return err
			}
		}
		messages = append(messages, Message{Role: RoleAssistant, Content: assistantText, ToolCalls: calls})

		if len(calls) == 0 {
			e.cfg.Sessions.RecordUsage(in.SessionID, totalIn, totalOut)
			emit(Event{Kind: EventStop, StopReason: "end_turn"})
			return nil
		}

		results, err := e.dispatchCalls(ctx, ag, meta, calls, emit)
		if err != nil {
			return err
		}
		for i, call := range calls {
			content := encodeResult(results[i])
			if _, err := e.cfg.Sessions.Append(in.SessionID, session.Turn{
				Role:        session.RoleTool,
				Content:     content,
				ToolCallRef: call.Name,
			}); err != nil {
				return err
			}
			messages = append(messages, Message{Role: RoleTool, Content: content, ToolCallID: call.ID})
		}
	}
	e.cfg.Sessions.RecordUsage(in.SessionID, totalIn, totalOut)
	emit(Event{Kind: EventStop, StopReason: "max_tool_rounds"})
	return nil
}

// consume drains one provider stream under the watchdog, forwarding
// token events and collecting completed tool calls.
func (e *Engine) consume(ctx context.Context, stream Stream, emit Emit) (text string, calls []ToolCall, tokensIn, tokensOut int, err error) {
	guarded := WithWatchdog(stream, e.chunkTimeout())
	for {
		chunk, err := guarded.Recv(ctx)
		if err != nil {
			return "", nil, 0, 0, err
		}
		if chunk.Text != "" {
			text += chunk.Text
			emit(Event{Kind: EventToken, Text: chunk.Text})
		}
		calls = append(calls, chunk.ToolCalls...)
		if chunk.Stop {
			return text, calls, chunk.TokensIn, chunk.TokensOut, nil
		}
	}
}

// dispatchCalls executes a batch of tool calls. Calls run sequentially
// in arrival order unless every call in the batch is parallel-safe.
// Denials and tool failures become tool results so the model can
// recover; only cancellation aborts the turn.
func (e *Engine) dispatchCalls(ctx context.Context, ag agent.Agent, meta session.Meta, calls []ToolCall, emit Emit) ([]any, error) {
	for _, call := range calls {
		c := call
		emit(Event{Kind: EventToolCallRequest, Call: &c})
	}

	parallel := len(calls) > 1
	for _, call := range calls {
		t, err := e.cfg.Catalog.Resolve(call.Name, ag.Policy, meta.Channel)
		if err != nil || !t.ParallelSafe {
			parallel = false
			break
		}
	}

	results := make([]any, len(calls))
	if parallel {
		var wg sync.WaitGroup
		errs := make([]error, len(calls))
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call ToolCall) {
				defer wg.Done()
				results[i], errs[i] = e.dispatchOne(ctx, ag, meta, call, emit)
			}(i, call)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	for i, call := range calls {
		result, err := e.dispatchOne(ctx, ag, meta, call, emit)
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}

// dispatchOne resolves and executes a single call. The returned value is
// always a tool result; the error return is reserved for cancellation.
func (e *Engine) dispatchOne(ctx context.Context, ag agent.Agent, meta session.Meta, call ToolCall, emit Emit) (any, error) {
	result := e.executeCall(ctx, ag, meta, call)
	if err, ok := result.(error); ok {
		if shared.IsKind(err, shared.KindCancelled) {
			return nil, err
		}
		result = map[string]any{"error": string(shared.KindOf(err)), "message": shared.Redact(err.Error())}
	}
	c := call
	emit(Event{Kind: EventToolCallResult, Call: &c, Result: result})
	return result, nil
}

func (e *Engine) executeCall(ctx context.Context, ag agent.Agent, meta session.Meta, call ToolCall) any {
	t, err := e.cfg.Catalog.Resolve(call.Name, ag.Policy, meta.Channel)
	if err != nil {
		if shared.IsKind(err, shared.KindForbidden) {
			// Synthetic denial the model can read and route around.
			return map[string]any{"error": "policy"}
		}
		return map[string]any{"error": "unknown_tool"}
	}
	if err := e.cfg.Catalog.ValidateArgs(call.Name, call.Args); err != nil {
		return map[string]any{"error": "invalid_arguments", "message": shared.Redact(err.Error())}
	}

	if t.RequiresApproval && e.cfg.Approvals != nil {
		ticket, err := e.cfg.Approvals.Open(call.Name, call.Args)
		if err != nil {
			return err
		}
		decision, err := e.cfg.Approvals.Wait(ctx, ticket.TicketID)
		if err != nil {
			if shared.IsKind(err, shared.KindTimeout) {
				return map[string]any{"error": "approval_timeout"}
			}
			return err
		}
		if !decision.Approved {
			return map[string]any{"error": "approval_denied"}
		}
	}

	out, err := t.Handler(ctx, call.Args)
	if err != nil {
		return err
	}
	return out
}

func encodeResult(result any) string {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(raw)
}

func systemPrompt(ag agent.Agent) string {
	return ag.SystemPrompt
}

// buildContext assembles the provider message list: compacted history
// plus the fresh user turn, trimmed to the model's window. Pinned turns
// (system summaries and the latest user message) are never dropped.
func buildContext(ag agent.Agent, history []session.Turn, attachments []string) []Message {
	budget := ContextWindowFor(ag.Model) - reservedTokens
	kept := trimToBudget(history, budget)

	messages := make([]Message, 0, len(kept)+1)
	for _, turn := range kept {
		switch turn.Role {
		case session.RoleSystem:
			// Compaction summaries ride along as user-visible context.
			messages = append(messages, Message{Role: RoleUser, Content: "[conversation summary] " + turn.Content})
		case session.RoleAssistant:
			messages = append(messages, Message{Role: RoleAssistant, Content: turn.Content})
		case session.RoleTool:
			messages = append(messages, Message{Role: RoleUser, Content: fmt.Sprintf("[tool result %s] %s", turn.ToolCallRef, turn.Content)})
		default:
			messages = append(messages, Message{Role: RoleUser, Content: turn.Content})
		}
	}
	for _, att := range attachments {
		messages = append(messages, Message{Role: RoleUser, Content: "[attachment] " + att})
	}
	return messages
}

// reservedTokens leaves room for the system prompt, tool schemas, and
// the response.
const reservedTokens = 10_000

// trimToBudget drops the oldest non-pinned turns until the estimate
// fits. The latest user turn and system turns always survive.
func trimToBudget(history []session.Turn, budget int) []session.Turn {
	if budget <= 0 {
		budget = 1
	}
	lastUser := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			lastUser = i
			break
		}
	}
	pinned := func(i int) bool {
		return i == lastUser || history[i].Role == session.RoleSystem || history[i].Pinned
	}

	total := 0
	for _, t := range history {
		total += tokenutil.EstimateTokens(t.Content)
	}

	kept := make([]bool, len(history))
	for i := range kept {
		kept[i] = true
	}
	for i := 0; i < len(history) && total > budget; i++ {
		if pinned(i) {
			continue
		}
		kept[i] = false
		total -= tokenutil.EstimateTokens(history[i].Content)
	}

	out := make([]session.Turn, 0, len(history))
	for i, t := range history {
		if kept[i] {
			out = append(out, t)
		}
	}
	return out
}
