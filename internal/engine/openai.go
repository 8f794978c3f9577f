package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/basket/crpc/internal/shared"
)

// OpenAICompat streams the chat-completions wire format. Besides
// api.openai.com it serves every provider speaking the same dialect:
// openrouter, a local Ollama (/v1), and a Bedrock access gateway, each
// registered under its own prefix with its own base URL.
type OpenAICompat struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewOpenAICompat(name, apiKey, baseURL string) *OpenAICompat {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAICompat{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func (o *OpenAICompat) Name() string { return o.name }

type oaiToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

func buildOpenAIMessages(system string, msgs []Message) []oaiMessage {
	var out []oaiMessage
	if system != "" {
		out = append(out, oaiMessage{Role: "system", Content: system})
	}
	for _, m := range msgs {
		entry := oaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			call := oaiToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			entry.ToolCalls = append(entry.ToolCalls, call)
		}
		out = append(out, entry)
	}
	return out
}

func (o *OpenAICompat) Stream(ctx context.Context, req Request) (Stream, error) {
	body := map[string]any{
		"model":    req.Model,
		"stream":   true,
		"messages": buildOpenAIMessages(req.System, req.Messages),
		"stream_options": map[string]any{
			"include_usage": true,
		},
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := t.Schema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			decls = append(decls, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  schema,
				},
			})
		}
		body["tools"] = decls
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, shared.Wrap(shared.KindDependencyUnavailable, o.name+" request", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := shared.KindDependencyUnavailable
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			kind = shared.KindRateLimited
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			kind = shared.KindSchemaInvalid
		}
		return nil, shared.Ef(kind, "%s: status %d: %s", o.name, resp.StatusCode, shared.Redact(string(msg)))
	}
	return &openAIStream{reader: newSSEReader(resp.Body), partial: map[int]*partialCall{}}, nil
}

type partialCall struct {
	id   string
	name string
	args bytes.Buffer
}

// openAIStream accumulates tool-call argument deltas by index and emits
// the completed calls when the model finishes with "tool_calls".
type openAIStream struct {
	reader  *sseReader
	partial map[int]*partialCall

	stopReason string
	tokensIn   int
	tokensOut  int
}

func (s *openAIStream) Recv(ctx context.Context) (Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, shared.Wrap(shared.KindCancelled, "stream read", err)
		}
		_, data, err := s.reader.next()
		if err == io.EOF {
			return s.finish(), nil
		}
		if err != nil {
			return Chunk{}, err
		}
		if data == "[DONE]" {
			return s.finish(), nil
		}

		var payload struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			continue
		}
		if payload.Usage != nil {
			s.tokensIn = payload.Usage.PromptTokens
			s.tokensOut = payload.Usage.CompletionTokens
		}
		if len(payload.Choices) == 0 {
			continue
		}
		choice := payload.Choices[0]
		if choice.FinishReason != "" {
			s.stopReason = choice.FinishReason
		}
		for _, tc := range choice.Delta.ToolCalls {
			p, ok := s.partial[tc.Index]
			if !ok {
				p = &partialCall{}
				s.partial[tc.Index] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
		if choice.Delta.Content != "" {
			return Chunk{Text: choice.Delta.Content}, nil
		}
		if choice.FinishReason == "tool_calls" {
			if calls := s.completedCalls(); len(calls) > 0 {
				return Chunk{ToolCalls: calls}, nil
			}
		}
	}
}

func (s *openAIStream) completedCalls() []ToolCall {
	if len(s.partial) == 0 {
		return nil
	}
	indices := make([]int, 0, len(s.partial))
	for i := range s.partial {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	calls := make([]ToolCall, 0, len(indices))
	for _, i := range indices {
		p := s.partial[i]
		args := map[string]any{}
		if p.args.Len() > 0 {
			_ = json.Unmarshal(p.args.Bytes(), &args)
		}
		calls = append(calls, ToolCall{ID: p.id, Name: p.name, Args: args})
	}
	s.partial = map[int]*partialCall{}
	return calls
}

func (s *openAIStream) finish() Chunk {
	return Chunk{Stop: true, StopReason: s.stopReason, TokensIn: s.tokensIn, TokensOut: s.tokensOut}
}

func (s *openAIStream) Close() error { return s.reader.close() }
