package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basket/crpc/internal/shared"
)

const anthropicVersion = "2023-06-01"

// Anthropic streams the Messages API directly over SSE.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewAnthropic(apiKey, baseURL string) *Anthropic {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Anthropic{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

type anthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

// buildAnthropicMessages maps the neutral context onto Anthropic's
// block structure: tool calls become tool_use blocks on the assistant
// message, tool results become tool_result blocks on a user message.
func buildAnthropicMessages(msgs []Message) []anthropicMessage {
	var out []anthropicMessage
	for _, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			blocks := []anthropicContentBlock{}
			if m.Content != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicContentBlock{
					Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Args,
				})
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: blocks})
		case RoleTool:
			out = append(out, anthropicMessage{Role: "user", Content: []anthropicContentBlock{{
				Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content,
			}}})
		default:
			out = append(out, anthropicMessage{Role: "user", Content: []anthropicContentBlock{{
				Type: "text", Text: m.Content,
			}}})
		}
	}
	return out
}

func (a *Anthropic) Stream(ctx context.Context, req Request) (Stream, error) {
	type toolDecl struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"input_schema"`
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"stream":     true,
		"messages":   buildAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if len(req.Tools) > 0 {
		decls := make([]toolDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := t.Schema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			decls = append(decls, toolDecl{Name: t.Name, Description: t.Description, InputSchema: schema})
		}
		body["tools"] = decls
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, shared.Wrap(shared.KindDependencyUnavailable, "anthropic request", err)
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
		return nil, shared.Ef(kind, "anthropic: status %d: %s", resp.StatusCode, shared.Redact(string(msg)))
	}
	return &anthropicStream{reader: newSSEReader(resp.Body)}, nil
}

// anthropicStream turns the Messages SSE event sequence into Chunks.
// Tool-use input arrives as partial JSON deltas; the call is emitted
// complete on content_block_stop.
type anthropicStream struct {
	reader *sseReader

	blockType string
	toolID    string
	toolName  string
	toolJSON  bytes.Buffer

	stopReason string
	tokensIn   int
	tokensOut  int
}

func (s *anthropicStream) Recv(ctx context.Context) (Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, shared.Wrap(shared.KindCancelled, "stream read", err)
		}
		event, data, err := s.reader.next()
		if err == io.EOF {
			return Chunk{Stop: true, StopReason: s.stopReason, TokensIn: s.tokensIn, TokensOut: s.tokensOut}, nil
		}
		if err != nil {
			return Chunk{}, err
		}

		var payload struct {
			Type    string `json:"type"`
			Message struct {
				Usage struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
				StopReason  string `json:"stop_reason"`
			} `json:"delta"`
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			continue
		}
		if event == "" {
			event = payload.Type
		}

		switch event {
		case "message_start":
			s.tokensIn = payload.Message.Usage.InputTokens
		case "content_block_start":
			s.blockType = payload.ContentBlock.Type
			if s.blockType == "tool_use" {
				s.toolID = payload.ContentBlock.ID
				s.toolName = payload.ContentBlock.Name
				s.toolJSON.Reset()
			}
		case "content_block_delta":
			switch payload.Delta.Type {
			case "text_delta":
				if payload.Delta.Text != "" {
					return Chunk{Text: payload.Delta.Text}, nil
				}
			case "input_json_delta":
				s.toolJSON.WriteString(payload.Delta.PartialJSON)
			}
		case "content_block_stop":
			if s.blockType == "tool_use" {
				args := map[string]any{}
				if s.toolJSON.Len() > 0 {
					_ = json.Unmarshal(s.toolJSON.Bytes(), &args)
				}
				call := ToolCall{ID: s.toolID, Name: s.toolName, Args: args}
				s.blockType = ""
				return Chunk{ToolCalls: []ToolCall{call}}, nil
			}
			s.blockType = ""
		case "message_delta":
			if payload.Delta.StopReason != "" {
				s.stopReason = payload.Delta.StopReason
			}
			if payload.Usage.OutputTokens > 0 {
				s.tokensOut = payload.Usage.OutputTokens
			}
		case "message_stop":
			return Chunk{Stop: true, StopReason: s.stopReason, TokensIn: s.tokensIn, TokensOut: s.tokensOut}, nil
		case "error":
			return Chunk{}, shared.Ef(shared.KindDependencyUnavailable, "anthropic stream error: %s", payload.Error.Message)
		}
	}
}

func (s *anthropicStream) Close() error { return s.reader.close() }
