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

// Gemini streams the generateContent API over SSE.
type Gemini struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewGemini(apiKey, baseURL string) *Gemini {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &Gemini{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func (g *Gemini) Name() string { return "gemini" }

type geminiPart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string         `json:"name"`
		Response map[string]any `json:"response"`
	} `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

// buildGeminiContents maps the neutral context onto Gemini's roles:
// assistant becomes "model", tool results become functionResponse parts.
func buildGeminiContents(msgs []Message) []geminiContent {
	var out []geminiContent
	for _, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			parts := []geminiPart{}
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				call := struct {
					Name string         `json:"name"`
					Args map[string]any `json:"args"`
				}{Name: tc.Name, Args: tc.Args}
				parts = append(parts, geminiPart{FunctionCall: &call})
			}
			out = append(out, geminiContent{Role: "model", Parts: parts})
		case RoleTool:
			response := map[string]any{}
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			fr := struct {
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			}{Name: m.ToolCallID, Response: response}
			out = append(out, geminiContent{Role: "user", Parts: []geminiPart{{FunctionResponse: &fr}}})
		default:
			out = append(out, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return out
}

func (g *Gemini) Stream(ctx context.Context, req Request) (Stream, error) {
	body := map[string]any{
		"contents": buildGeminiContents(req.Messages),
	}
	if req.System != "" {
		body["system_instruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}
	if req.MaxTokens > 0 {
		body["generationConfig"] = map[string]any{"maxOutputTokens": req.MaxTokens}
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := t.Schema
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  schema,
			})
		}
		body["tools"] = []map[string]any{{"function_declarations": decls}}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", g.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, shared.Wrap(shared.KindDependencyUnavailable, "gemini request", err)
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
		return nil, shared.Ef(kind, "gemini: status %d: %s", resp.StatusCode, shared.Redact(string(msg)))
	}
	return &geminiStream{reader: newSSEReader(resp.Body)}, nil
}

type geminiStream struct {
	reader *sseReader

	callSeq    int
	stopReason string
	tokensIn   int
	tokensOut  int
}

func (s *geminiStream) Recv(ctx context.Context) (Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, shared.Wrap(shared.KindCancelled, "stream read", err)
		}
		_, data, err := s.reader.next()
		if err == io.EOF {
			return Chunk{Stop: true, StopReason: s.stopReason, TokensIn: s.tokensIn, TokensOut: s.tokensOut}, nil
		}
		if err != nil {
			return Chunk{}, err
		}

		var payload struct {
			Candidates []struct {
				Content struct {
					Parts []geminiPart `json:"parts"`
				} `json:"content"`
				FinishReason string `json:"finishReason"`
			} `json:"candidates"`
			UsageMetadata *struct {
				PromptTokenCount     int `json:"promptTokenCount"`
				CandidatesTokenCount int `json:"candidatesTokenCount"`
			} `json:"usageMetadata"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			continue
		}
		if payload.UsageMetadata != nil {
			s.tokensIn = payload.UsageMetadata.PromptTokenCount
			s.tokensOut = payload.UsageMetadata.CandidatesTokenCount
		}
		if len(payload.Candidates) == 0 {
			continue
		}
		cand := payload.Candidates[0]
		if cand.FinishReason != "" {
			s.stopReason = cand.FinishReason
		}
		var text string
		var calls []ToolCall
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				text += part.Text
			}
			if part.FunctionCall != nil {
				s.callSeq++
				calls = append(calls, ToolCall{
					ID:   fmt.Sprintf("call_%d", s.callSeq),
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
		if text != "" || len(calls) > 0 {
			return Chunk{Text: text, ToolCalls: calls}, nil
		}
	}
}

func (s *geminiStream) Close() error { return s.reader.close() }
