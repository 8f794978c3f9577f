package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/crpc/internal/agent"
	"github.com/basket/crpc/internal/approvals"
	"github.com/basket/crpc/internal/config"
	"github.com/basket/crpc/internal/session"
	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/tools"
)

// scriptStream replays a fixed chunk sequence; once exhausted it blocks
// until the context ends, mimicking a stalled provider.
type scriptStream struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (s *scriptStream) Recv(ctx context.Context) (Chunk, error) {
	s.mu.Lock()
	if len(s.chunks) > 0 {
		chunk := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.mu.Unlock()
		return chunk, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return Chunk{}, shared.Wrap(shared.KindCancelled, "stream read", ctx.Err())
}

func (s *scriptStream) Close() error { return nil }

// scriptProvider hands out one scripted stream per round.
type scriptProvider struct {
	mu      sync.Mutex
	scripts [][]Chunk
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.scripts) == 0 {
		return &scriptStream{}, nil
	}
	chunks := p.scripts[0]
	p.scripts = p.scripts[1:]
	return &scriptStream{chunks: chunks}, nil
}

type harness struct {
	engine    *Engine
	sessions  *session.Store
	catalog   *tools.Catalog
	approvals *approvals.Store
	sessionID string
}

func newHarness(t *testing.T, provider Provider, agentEntry config.AgentEntry) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Agents.Defaults.Model = "script/test-model"
	if agentEntry.AgentID != "" {
		cfg.Agents.List = []config.AgentEntry{agentEntry}
	}
	current := func() *config.Config { return &cfg }

	sessions, err := session.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := sessions.Create("op", "global", "telegram")
	if err != nil {
		t.Fatal(err)
	}
	appr, err := approvals.Open(filepath.Join(t.TempDir(), "approvals.json"), time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}

	catalog := tools.NewCatalog()
	providers := NewMultiProvider()
	providers.Register("script", provider)

	return &harness{
		engine: New(Config{
			Registry:  agent.NewRegistry(current),
			Catalog:   catalog,
			Sessions:  sessions,
			Approvals: appr,
			Providers: providers,
			Current:   current,
		}),
		sessions:  sessions,
		catalog:   catalog,
		approvals: appr,
		sessionID: meta.SessionID,
	}
}

func collectEvents(events *[]Event, mu *sync.Mutex) Emit {
	return func(ev Event) {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
	}
}

func TestPlainTextTurn(t *testing.T) {
	provider := &scriptProvider{scripts: [][]Chunk{{
		{Text: "Hello "},
		{Text: "there"},
		{Stop: true, StopReason: "end_turn", TokensIn: 12, TokensOut: 5},
	}}}
	h := newHarness(t, provider, config.AgentEntry{})

	var mu sync.Mutex
	var events []Event
	err := h.engine.Run(t.Context(), RunInput{
		SessionID: h.sessionID, AgentID: "default", UserMessage: "hi",
	}, collectEvents(&events, &mu))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var text string
	for _, ev := range events {
		if ev.Kind == EventToken {
			text += ev.Text
		}
	}
	if text != "Hello there" {
		t.Fatalf("streamed text = %q", text)
	}
	if events[len(events)-1].Kind != EventStop {
		t.Fatalf("final event = %+v, want stop", events[len(events)-1])
	}

	history, err := h.sessions.History(h.sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Role != session.RoleUser || history[1].Role != session.RoleAssistant {
		t.Fatalf("history = %+v", history)
	}
	if history[1].Content != "Hello there" {
		t.Fatalf("assistant turn = %q", history[1].Content)
	}

	meta, _ := h.sessions.Get(h.sessionID)
	if meta.TokensIn != 12 || meta.TokensOut != 5 {
		t.Fatalf("usage = %d/%d, want 12/5", meta.TokensIn, meta.TokensOut)
	}
}

func TestToolLoop(t *testing.T) {
	provider := &scriptProvider{scripts: [][]Chunk{
		{
			{ToolCalls: []ToolCall{{ID: "c1", Name: "echo", Args: map[string]any{"value": "ping"}}}},
			{Stop: true, StopReason: "tool_use"},
		},
		{
			{Text: "pong"},
			{Stop: true, StopReason: "end_turn"},
		},
	}}
	h := newHarness(t, provider, config.AgentEntry{})
	if err := h.catalog.Register(tools.Tool{
		Name: "echo", Impl: tools.ImplBuiltin,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"echoed": args["value"]}, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var events []Event
	if err := h.engine.Run(t.Context(), RunInput{
		SessionID: h.sessionID, AgentID: "default", UserMessage: "use echo",
	}, collectEvents(&events, &mu)); err != nil {
		t.Fatal(err)
	}

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	want := []string{EventToolCallRequest, EventToolCallResult, EventToken, EventStop}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", kinds, want)
		}
	}

	history, _ := h.sessions.History(h.sessionID)
	// user, assistant(tool round), tool, assistant(text)
	if len(history) != 4 || history[2].Role != session.RoleTool || history[2].ToolCallRef != "echo" {
		t.Fatalf("history = %+v", history)
	}
}

func TestPolicyDenialIsSyntheticResult(t *testing.T) {
	provider := &scriptProvider{scripts: [][]Chunk{
		{
			{ToolCalls: []ToolCall{{ID: "c1", Name: "message_send", Args: map[string]any{"to": "1", "body": "x"}}}},
			{Stop: true, StopReason: "tool_use"},
		},
		{
			{Text: "understood"},
			{Stop: true, StopReason: "end_turn"},
		},
	}}
	h := newHarness(t, provider, config.AgentEntry{
		AgentID: "locked", Model: "script/test-model",
		ToolPolicy: config.ToolPolicyConfig{Mode: "allow_list", Tools: []string{"web_fetch"}},
	})
	invoked := false
	if err := h.catalog.Register(tools.Tool{
		Name: "message_send", Impl: tools.ImplChannelGated, ChannelTag: "telegram",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			invoked = true
			return "sent", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var events []Event
	if err := h.engine.Run(t.Context(), RunInput{
		SessionID: h.sessionID, AgentID: "locked", UserMessage: "send it",
	}, collectEvents(&events, &mu)); err != nil {
		t.Fatal(err)
	}
	if invoked {
		t.Fatal("denied tool must not be invoked")
	}
	found := false
	for _, ev := range events {
		if ev.Kind == EventToolCallResult {
			res, ok := ev.Result.(map[string]any)
			if ok && res["error"] == "policy" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("no synthetic policy denial in events: %+v", events)
	}
}

func TestToolFailureIsResultNotTurnFailure(t *testing.T) {
	provider := &scriptProvider{scripts: [][]Chunk{
		{
			{ToolCalls: []ToolCall{{ID: "c1", Name: "flaky", Args: map[string]any{}}}},
			{Stop: true, StopReason: "tool_use"},
		},
		{
			{Text: "recovered"},
			{Stop: true, StopReason: "end_turn"},
		},
	}}
	h := newHarness(t, provider, config.AgentEntry{})
	if err := h.catalog.Register(tools.Tool{
		Name: "flaky", Impl: tools.ImplBuiltin,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, shared.E(shared.KindDependencyUnavailable, "upstream down")
		},
	}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var events []Event
	if err := h.engine.Run(t.Context(), RunInput{
		SessionID: h.sessionID, AgentID: "default", UserMessage: "go",
	}, collectEvents(&events, &mu)); err != nil {
		t.Fatalf("tool failure must not fail the turn: %v", err)
	}
	if events[len(events)-1].Kind != EventStop {
		t.Fatalf("final event = %+v", events[len(events)-1])
	}
}

func TestCancellationMidStream(t *testing.T) {
	// The script yields one token then blocks; cancelling the context
	// must end the run with Cancelled and no further tokens.
	provider := &scriptProvider{scripts: [][]Chunk{{{Text: "first"}}}}
	h := newHarness(t, provider, config.AgentEntry{})

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var events []Event
	gotToken := make(chan struct{}, 1)
	emit := func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if ev.Kind == EventToken {
			select {
			case gotToken <- struct{}{}:
			default:
			}
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- h.engine.Run(ctx, RunInput{SessionID: h.sessionID, AgentID: "default", UserMessage: "hi"}, emit)
	}()
	<-gotToken
	cancel()

	select {
	case err := <-done:
		if !shared.IsKind(err, shared.KindCancelled) {
			t.Fatalf("kind = %v, want Cancelled", shared.KindOf(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	last := events[len(events)-1]
	if last.Kind != EventError || last.Code != shared.KindCancelled {
		t.Fatalf("final event = %+v, want error/Cancelled", last)
	}
}

func TestApprovalDeniedBecomesResult(t *testing.T) {
	provider := &scriptProvider{scripts: [][]Chunk{
		{
			{ToolCalls: []ToolCall{{ID: "c1", Name: "guarded", Args: map[string]any{}}}},
			{Stop: true, StopReason: "tool_use"},
		},
		{
			{Text: "ok"},
			{Stop: true, StopReason: "end_turn"},
		},
	}}
	h := newHarness(t, provider, config.AgentEntry{})
	if err := h.catalog.Register(tools.Tool{
		Name: "guarded", Impl: tools.ImplBuiltin, RequiresApproval: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			t.Error("denied tool must not execute")
			return nil, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	// Deny the ticket as soon as it opens.
	go func() {
		for i := 0; i < 200; i++ {
			list, _ := h.approvals.List()
			if len(list) > 0 {
				_, _ = h.approvals.Resolve(list[0].TicketID, false, "")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	var mu sync.Mutex
	var events []Event
	if err := h.engine.Run(t.Context(), RunInput{
		SessionID: h.sessionID, AgentID: "default", UserMessage: "go",
	}, collectEvents(&events, &mu)); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range events {
		if ev.Kind == EventToolCallResult {
			if res, ok := ev.Result.(map[string]any); ok && res["error"] == "approval_denied" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("no approval_denied result in %+v", events)
	}
}

func TestTrimToBudgetKeepsPinned(t *testing.T) {
	long := make([]byte, 4000)
	for i := range long {
		long[i] = 'x'
	}
	history := []session.Turn{
		{TurnID: 1, Role: session.RoleSystem, Content: "summary"},
		{TurnID: 2, Role: session.RoleUser, Content: string(long)},
		{TurnID: 3, Role: session.RoleAssistant, Content: string(long)},
		{TurnID: 4, Role: session.RoleUser, Content: "latest question"},
	}
	kept := trimToBudget(history, 100)
	if len(kept) != 2 {
		t.Fatalf("kept %d turns, want 2 (system + latest user)", len(kept))
	}
	if kept[0].Role != session.RoleSystem || kept[1].TurnID != 4 {
		t.Fatalf("kept = %+v", kept)
	}
}

func TestMultiProviderResolve(t *testing.T) {
	mp := NewMultiProvider()
	mp.Register("script", &scriptProvider{})

	if _, _, err := mp.Resolve("script/model-x"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := mp.Resolve("unknown/model"); !shared.IsKind(err, shared.KindNotFound) {
		t.Fatalf("kind = %v, want NotFound", shared.KindOf(err))
	}
	if _, _, err := mp.Resolve("noprefix"); !shared.IsKind(err, shared.KindSchemaInvalid) {
		t.Fatalf("kind = %v, want SchemaInvalid", shared.KindOf(err))
	}
}

func TestWatchdogStalls(t *testing.T) {
	stalled := &scriptStream{} // blocks immediately
	guarded := WithWatchdog(stalled, 20*time.Millisecond)
	_, err := guarded.Recv(context.Background())
	if !shared.IsKind(err, shared.KindStreamStalled) {
		t.Fatalf("kind = %v, want StreamStalled", shared.KindOf(err))
	}
}
