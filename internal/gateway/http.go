package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/crpc/internal/auth"
	"github.com/basket/crpc/internal/bus"
	"github.com/basket/crpc/internal/engine"
	"github.com/basket/crpc/internal/session"
	"github.com/basket/crpc/internal/shared"
)

// handleConfigPatch is the HTTP twin of config.patch: JSON merge-patch
// body, If-Match carrying the base digest.
func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		httpError(w, http.StatusMethodNotAllowed, "PATCH only")
		return
	}
	if !s.authorizeHTTP(r) {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	baseDigest := strings.Trim(r.Header.Get("If-Match"), `"`)
	if baseDigest == "" {
		httpError(w, http.StatusPreconditionRequired, "If-Match digest required")
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		httpError(w, http.StatusUnprocessableEntity, "malformed patch")
		return
	}
	digest, err := s.cfg.Manager.Patch(patch, baseDigest)
	if err != nil {
		writeKindError(w, err)
		return
	}
	w.Header().Set("ETag", `"`+digest+`"`)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"digest": digest})
}

func writeKindError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch shared.KindOf(err) {
	case shared.KindConflict:
		status = http.StatusPreconditionFailed
	case shared.KindSchemaInvalid:
		status = http.StatusUnprocessableEntity
	case shared.KindNotFound:
		status = http.StatusNotFound
	case shared.KindUnauthenticated:
		status = http.StatusUnauthorized
	case shared.KindForbidden:
		status = http.StatusForbidden
	case shared.KindRateLimited:
		status = http.StatusTooManyRequests
	case shared.KindOverloaded:
		status = http.StatusServiceUnavailable
	}
	msg := shared.Redact(err.Error())
	if shared.KindOf(err) == shared.KindInternal {
		msg = "internal error"
	}
	httpError(w, status, msg)
}

// handleHook ingests webhooks: POST /hooks/<mapping> with the mapping's
// token. Payloads become agent turns or system events per the mapping.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/hooks/")
	if name == "" || strings.Contains(name, "/") {
		httpError(w, http.StatusNotFound, "unknown hook")
		return
	}
	snapshot := s.cfg.Manager.Current()
	mapping, ok := snapshot.Auth.Hooks[name]
	if !ok {
		httpError(w, http.StatusNotFound, "unknown hook")
		return
	}
	presented := r.Header.Get("X-Hook-Token")
	if presented == "" {
		presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if mapping.Token == "" || !auth.DigestEqual(auth.TokenDigest(mapping.Token), presented) {
		httpError(w, http.StatusUnauthorized, "bad hook token")
		return
	}
	if err := s.cfg.Limiter.Allow(remoteIP(r.RemoteAddr), "hooks"); err != nil {
		writeKindError(w, err)
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, http.StatusUnprocessableEntity, "malformed payload")
		return
	}

	switch mapping.Kind {
	case "agent_turn":
		text, _ := payload["message"].(string)
		if text == "" {
			raw, _ := json.Marshal(payload)
			text = string(raw)
		}
		meta, err := s.cfg.Sessions.Resolve("hook:"+name, snapshot.Sessions.Scoping, "hook", name, name, session.ResetPolicy{})
		if err != nil {
			writeKindError(w, err)
			return
		}
		// Webhook turns run detached from the HTTP request lifetime.
		go func() {
			runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			_ = s.cfg.Engine.Run(runCtx, engine.RunInput{
				SessionID:   meta.SessionID,
				AgentID:     mapping.AgentID,
				UserMessage: text,
			}, func(engine.Event) {})
		}()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"session_id": meta.SessionID})
	default:
		s.cfg.Bus.Publish(bus.TopicSystemEvent, map[string]any{
			"source": "hook:" + name, "payload": payload,
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
	}
}

// handlePairHTTP is the HTTP pairing endpoint: nodes and devices can
// file requests without a WS session.
func (s *Server) handlePairHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if err := s.cfg.Limiter.Allow(remoteIP(r.RemoteAddr), "pair"); err != nil {
		writeKindError(w, err)
		return
	}
	var p struct {
		Kind     string   `json:"kind"`
		Identity string   `json:"identity"`
		Caps     []string `json:"caps"`
		Nonce    string   `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		httpError(w, http.StatusUnprocessableEntity, "malformed request")
		return
	}
	reg := s.cfg.Nodes
	if p.Kind == "device" {
		reg = s.cfg.Devices
	}
	req, err := reg.Submit(p.Identity, p.Caps)
	if err != nil {
		writeKindError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"request": req, "nonce": p.Nonce})
}

// --- OpenAI-compatible proxy ---

type oaiChatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	User     string `json:"user"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// handleChatCompletions proxies POST /v1/chat/completions onto the
// agent engine. The last user message becomes the turn input; the
// conversation rides the caller's scoped session.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if !s.authorizeHTTP(r) {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req oaiChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusUnprocessableEntity, "malformed request")
		return
	}
	var input string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			input = req.Messages[i].Content
			break
		}
	}
	if input == "" {
		httpError(w, http.StatusUnprocessableEntity, "no user message")
		return
	}
	owner := req.User
	if owner == "" {
		owner = "openai-proxy"
	}
	snapshot := s.cfg.Manager.Current()
	meta, err := s.cfg.Sessions.Resolve(owner, snapshot.Sessions.Scoping, "openai", owner, owner, session.ResetPolicy{})
	if err != nil {
		writeKindError(w, err)
		return
	}

	completionID := "chatcmpl-" + uuid.NewString()
	if req.Stream {
		s.streamChatCompletion(w, r, completionID, req.Model, meta.SessionID, input)
		return
	}

	var text strings.Builder
	runErr := s.cfg.Engine.Run(r.Context(), engine.RunInput{
		SessionID: meta.SessionID, UserMessage: input,
	}, func(ev engine.Event) {
		if ev.Kind == engine.EventToken {
			text.WriteString(ev.Text)
		}
	})
	if runErr != nil {
		writeKindError(w, runErr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      completionID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text.String()},
			"finish_reason": "stop",
		}},
	})
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, completionID, model, sessionID, input string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	writeChunk := func(delta map[string]any, finish any) {
		payload, _ := json.Marshal(map[string]any{
			"id":      completionID,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	runErr := s.cfg.Engine.Run(r.Context(), engine.RunInput{
		SessionID: sessionID, UserMessage: input,
	}, func(ev engine.Event) {
		if ev.Kind == engine.EventToken {
			writeChunk(map[string]any{"content": ev.Text}, nil)
		}
	})
	if runErr == nil {
		writeChunk(map[string]any{}, "stop")
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// handleResponses is the minimal /v1/responses dialect: {model, input}.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if !s.authorizeHTTP(r) {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Model string `json:"model"`
		Input string `json:"input"`
		User  string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" {
		httpError(w, http.StatusUnprocessableEntity, "malformed request")
		return
	}
	owner := req.User
	if owner == "" {
		owner = "openai-proxy"
	}
	snapshot := s.cfg.Manager.Current()
	meta, err := s.cfg.Sessions.Resolve(owner, snapshot.Sessions.Scoping, "openai", owner, owner, session.ResetPolicy{})
	if err != nil {
		writeKindError(w, err)
		return
	}
	var text strings.Builder
	runErr := s.cfg.Engine.Run(r.Context(), engine.RunInput{
		SessionID: meta.SessionID, UserMessage: req.Input,
	}, func(ev engine.Event) {
		if ev.Kind == engine.EventToken {
			text.WriteString(ev.Text)
		}
	})
	if runErr != nil {
		writeKindError(w, runErr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     "resp-" + uuid.NewString(),
		"object": "response",
		"model":  req.Model,
		"output": []map[string]any{{
			"type":    "message",
			"role":    "assistant",
			"content": []map[string]any{{"type": "output_text", "text": text.String()}},
		}},
	})
}
