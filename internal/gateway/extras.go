package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/crpc/internal/bus"
	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/store"
)

// gatewayState holds the small persisted toggles: voice wake and talk
// mode. Kept in state.json under the base dir.
type gatewayState struct {
	VoiceWakeEnabled bool   `json:"voicewake_enabled"`
	VoiceWakeWord    string `json:"voicewake_word,omitempty"`
	TalkMode         string `json:"talk_mode,omitempty"`
}

func (s *Server) statePath() string {
	return filepath.Join(s.cfg.BaseDir, "state.json")
}

func (s *Server) loadState() {
	doc := store.Doc{Path: s.statePath()}
	var st gatewayState
	if _, err := doc.Load(&st); err == nil {
		s.state = st
	}
	if s.state.TalkMode == "" {
		s.state.TalkMode = "push_to_talk"
	}
}

func (s *Server) saveStateLocked() error {
	_, err := store.Doc{Path: s.statePath()}.Save(s.state)
	return err
}

func (s *Server) methodVoicewakeGet(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return map[string]any{"enabled": s.state.VoiceWakeEnabled, "word": s.state.VoiceWakeWord}, nil
}

func (s *Server) methodVoicewakeSet(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Enabled bool   `json:"enabled"`
		Word    string `json:"word"`
	}](params)
	if err != nil {
		return nil, err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state.VoiceWakeEnabled = p.Enabled
	if p.Word != "" {
		s.state.VoiceWakeWord = p.Word
	}
	if err := s.saveStateLocked(); err != nil {
		return nil, err
	}
	return map[string]any{"enabled": s.state.VoiceWakeEnabled, "word": s.state.VoiceWakeWord}, nil
}

func (s *Server) methodTalkMode(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Mode string `json:"mode"`
	}](params)
	if err != nil {
		return nil, err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if p.Mode != "" {
		switch p.Mode {
		case "push_to_talk", "open_mic", "off":
			s.state.TalkMode = p.Mode
			if err := s.saveStateLocked(); err != nil {
				return nil, err
			}
		default:
			return nil, shared.Ef(shared.KindSchemaInvalid, "unknown talk mode %q", p.Mode)
		}
	}
	return map[string]any{"mode": s.state.TalkMode}, nil
}

// methodWizardStatus reports onboarding completeness: which of the
// setup steps still need operator attention.
func (s *Server) methodWizardStatus(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	snapshot := s.cfg.Manager.Current()
	steps := []map[string]any{
		{"step": "auth", "done": snapshot.Auth.Token != "" || snapshot.Auth.PasswordHash != ""},
		{"step": "provider_key", "done": snapshot.ProviderAPIKey("anthropic") != "" ||
			snapshot.ProviderAPIKey("openai") != "" || snapshot.ProviderAPIKey("gemini") != ""},
		{"step": "channel", "done": snapshot.Channels.Telegram.Enabled},
		{"step": "agent", "done": len(snapshot.Agents.List) > 0},
	}
	done := true
	for _, step := range steps {
		if v, _ := step["done"].(bool); !v {
			done = false
		}
	}
	return map[string]any{"complete": done, "steps": steps}, nil
}

func (s *Server) methodUsageStatus(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Owner string `json:"owner"`
	}](params)
	if err != nil {
		return nil, err
	}
	var tokensIn, tokensOut int64
	sessions := s.cfg.Sessions.List(p.Owner)
	for _, meta := range sessions {
		tokensIn += meta.TokensIn
		tokensOut += meta.TokensOut
	}
	return map[string]any{
		"sessions":   len(sessions),
		"tokens_in":  tokensIn,
		"tokens_out": tokensOut,
	}, nil
}

// per-million-token prices used for the cost estimate.
var modelPrices = map[string]struct{ in, out float64 }{
	"anthropic": {3.0, 15.0},
	"openai":    {2.5, 10.0},
	"gemini":    {1.25, 10.0},
}

func (s *Server) methodUsageCost(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Owner string `json:"owner"`
	}](params)
	if err != nil {
		return nil, err
	}
	var tokensIn, tokensOut int64
	for _, meta := range s.cfg.Sessions.List(p.Owner) {
		tokensIn += meta.TokensIn
		tokensOut += meta.TokensOut
	}
	model := s.cfg.Manager.Current().Agents.Defaults.Model
	prefix, _, _ := strings.Cut(model, "/")
	price, ok := modelPrices[prefix]
	if !ok {
		price = modelPrices["anthropic"]
	}
	cost := float64(tokensIn)/1e6*price.in + float64(tokensOut)/1e6*price.out
	return map[string]any{
		"tokens_in":  tokensIn,
		"tokens_out": tokensOut,
		"model":      model,
		"usd":        cost,
	}, nil
}

func (s *Server) methodLogsTail(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Lines int `json:"lines"`
	}](params)
	if err != nil {
		return nil, err
	}
	if p.Lines <= 0 {
		p.Lines = 100
	}
	path := filepath.Join(s.cfg.BaseDir, "logs", "system.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"lines": []string{}}, nil
		}
		return nil, shared.Wrap(shared.KindInternal, "read log", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > p.Lines {
		lines = lines[len(lines)-p.Lines:]
	}
	return map[string]any{"lines": lines}, nil
}

func (s *Server) methodSystemPresence(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[map[string]any](params)
	if err != nil {
		return nil, err
	}
	s.cfg.Bus.Publish(bus.TopicSystemPresence, map[string]any{
		"subject": c.owner(), "detail": p,
	})
	return map[string]any{"accepted": true}, nil
}

func (s *Server) methodSystemEvent(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[map[string]any](params)
	if err != nil {
		return nil, err
	}
	s.cfg.Bus.Publish(bus.TopicSystemEvent, map[string]any{
		"source": c.owner(), "payload": p,
	})
	return map[string]any{"accepted": true}, nil
}

func (s *Server) methodWake(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Reason string `json:"reason"`
	}](params)
	if err != nil {
		return nil, err
	}
	s.cfg.Bus.Publish(bus.TopicSystemEvent, map[string]any{
		"source": c.owner(), "payload": map[string]any{"kind": "wake", "reason": p.Reason},
	})
	return map[string]any{"woken": true}, nil
}

// methodTTSConvert synthesises speech through the OpenAI-compatible
// audio endpoint when a key is configured. With no key the result is an
// explicit null audio, not an error.
func (s *Server) methodTTSConvert(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	p, err := decodeParams[struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}](params)
	if err != nil {
		return nil, err
	}
	if p.Text == "" {
		return nil, shared.E(shared.KindSchemaInvalid, "text must be non-empty")
	}
	snapshot := s.cfg.Manager.Current()
	key := snapshot.ProviderAPIKey("openai")
	if key == "" {
		return map[string]any{"audio": nil, "warning": "no tts provider key configured"}, nil
	}
	voice := p.Voice
	if voice == "" {
		voice = "alloy"
	}
	baseURL := "https://api.openai.com/v1"
	if pc, ok := snapshot.Agents.Providers["openai"]; ok && pc.BaseURL != "" {
		baseURL = pc.BaseURL
	}
	body, _ := json.Marshal(map[string]any{
		"model": "tts-1", "input": p.Text, "voice": voice, "response_format": "mp3",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, shared.Wrap(shared.KindInternal, "build tts request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	client := &http.Client{Timeout: time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, shared.Wrap(shared.KindDependencyUnavailable, "tts request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, shared.Ef(shared.KindDependencyUnavailable, "tts: status %d: %s", resp.StatusCode, shared.Redact(string(msg)))
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, shared.Wrap(shared.KindTransient, "read tts audio", err)
	}
	return map[string]any{
		"audio":        base64.StdEncoding.EncodeToString(audio),
		"content_type": "audio/mpeg",
	}, nil
}

func (s *Server) methodUpdateCheck(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	// The flow terminates at check; applying an update is out of scope.
	return map[string]any{
		"current":          Version,
		"update_available": false,
	}, nil
}

func (s *Server) methodUpdateRun(ctx context.Context, c *conn, params json.RawMessage) (any, error) {
	return map[string]any{
		"started": false,
		"detail":  "binary replacement is not managed by the gateway",
	}, nil
}
