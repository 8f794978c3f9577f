package engine

import (
	"context"
	"io"
	"strings"
	"testing"
)

func drain(t *testing.T, s Stream) (text string, calls []ToolCall, last Chunk) {
	t.Helper()
	for {
		chunk, err := s.Recv(context.Background())
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		text += chunk.Text
		calls = append(calls, chunk.ToolCalls...)
		if chunk.Stop {
			return text, calls, chunk
		}
	}
}

func TestAnthropicStreamParsing(t *testing.T) {
	body := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":21}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","content_block":{"type":"text"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop"}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","content_block":{"type":"tool_use","id":"tu_1","name":"web_fetch"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"url\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"\"https://example.com\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop"}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	s := &anthropicStream{reader: newSSEReader(io.NopCloser(strings.NewReader(body)))}
	text, calls, last := drain(t, s)

	if text != "Hello" {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 || calls[0].ID != "tu_1" || calls[0].Name != "web_fetch" {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].Args["url"] != "https://example.com" {
		t.Errorf("args = %+v", calls[0].Args)
	}
	if last.StopReason != "tool_use" || last.TokensIn != 21 || last.TokensOut != 9 {
		t.Errorf("final chunk = %+v", last)
	}
}

func TestOpenAIStreamParsing(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hi "}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"you"}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"echo","arguments":"{\"va"}}]}}]}`,
		``,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"lue\":1}"}}]},"finish_reason":"tool_calls"}]}`,
		``,
		`data: {"choices":[],"usage":{"prompt_tokens":30,"completion_tokens":11}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	s := &openAIStream{reader: newSSEReader(io.NopCloser(strings.NewReader(body))), partial: map[int]*partialCall{}}
	text, calls, last := drain(t, s)

	if text != "Hi you" {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 || calls[0].ID != "call_1" || calls[0].Name != "echo" {
		t.Fatalf("calls = %+v", calls)
	}
	if v, ok := calls[0].Args["value"].(float64); !ok || v != 1 {
		t.Errorf("args = %+v", calls[0].Args)
	}
	if last.StopReason != "tool_calls" || last.TokensIn != 30 || last.TokensOut != 11 {
		t.Errorf("final chunk = %+v", last)
	}
}

func TestGeminiStreamParsing(t *testing.T) {
	body := strings.Join([]string{
		`data: {"candidates":[{"content":{"parts":[{"text":"Sure."}]}}]}`,
		``,
		`data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"echo","args":{"value":"x"}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3}}`,
		``,
	}, "\n")

	s := &geminiStream{reader: newSSEReader(io.NopCloser(strings.NewReader(body)))}
	text, calls, last := drain(t, s)

	if text != "Sure." {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 || calls[0].Name != "echo" || calls[0].Args["value"] != "x" {
		t.Fatalf("calls = %+v", calls)
	}
	if last.TokensIn != 7 || last.TokensOut != 3 {
		t.Errorf("final chunk = %+v", last)
	}
}

func TestBuildAnthropicMessages(t *testing.T) {
	msgs := buildAnthropicMessages([]Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "calling", ToolCalls: []ToolCall{{ID: "t1", Name: "echo", Args: map[string]any{"v": 1}}}},
		{Role: RoleTool, Content: `{"ok":true}`, ToolCallID: "t1"},
	})
	if len(msgs) != 3 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[1].Role != "assistant" || len(msgs[1].Content) != 2 || msgs[1].Content[1].Type != "tool_use" {
		t.Fatalf("assistant = %+v", msgs[1])
	}
	if msgs[2].Role != "user" || msgs[2].Content[0].Type != "tool_result" || msgs[2].Content[0].ToolUseID != "t1" {
		t.Fatalf("tool result = %+v", msgs[2])
	}
}

func TestBuildOpenAIMessages(t *testing.T) {
	msgs := buildOpenAIMessages("sys", []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleTool, Content: "out", ToolCallID: "c9"},
	})
	if len(msgs) != 3 || msgs[0].Role != "system" {
		t.Fatalf("msgs = %+v", msgs)
	}
	if msgs[2].Role != RoleTool || msgs[2].ToolCallID != "c9" {
		t.Fatalf("tool msg = %+v", msgs[2])
	}
}

func TestContextWindowFor(t *testing.T) {
	cases := []struct {
		ref  string
		want int
	}{
		{"anthropic/claude-sonnet-4-5", 200_000},
		{"gemini/gemini-2.5-pro", 1_048_576},
		{"openai/gpt-4o", 128_000},
		{"ollama/llama3.3", 32_768},
		{"openrouter/some-model", 128_000},
	}
	for _, tc := range cases {
		if got := ContextWindowFor(tc.ref); got != tc.want {
			t.Errorf("ContextWindowFor(%q) = %d, want %d", tc.ref, got, tc.want)
		}
	}
}
