// Package config owns the layered configuration pipeline: built-in
// defaults, the user's config.json5 (includes + env substitution), and
// inline enc:v1 secret resolution. Writes go through digest-checked
// atomic replacement; reloads classify each changed section as hot,
// hybrid, or restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Section names. Defaults are assembled per section and reload
// classification is decided per section.
const (
	SectionServer   = "server"
	SectionAuth     = "auth"
	SectionAgents   = "agents"
	SectionChannels = "channels"
	SectionSessions = "sessions"
	SectionPlugins  = "plugins"
	SectionCron     = "cron"
)

// Sections lists all seven sections in canonical order.
var Sections = []string{
	SectionServer, SectionAuth, SectionAgents, SectionChannels,
	SectionSessions, SectionPlugins, SectionCron,
}

type TelemetryConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"`
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

type ServerConfig struct {
	BindAddr              string          `json:"bind_addr"`
	BaseDir               string          `json:"base_dir"`
	LogLevel              string          `json:"log_level"`
	AllowOrigins          []string        `json:"allow_origins"`
	HandshakeGraceSeconds int             `json:"handshake_grace_seconds"`
	Telemetry             TelemetryConfig `json:"telemetry"`
}

type RateLimitConfig struct {
	Enabled           bool `json:"enabled"`
	RequestsPerMinute int  `json:"requests_per_minute"`
	BurstSize         int  `json:"burst_size"`
	GlobalPerMinute   int  `json:"global_per_minute"`
}

type HookMapping struct {
	Token   string `json:"token"`
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"` // "agent_turn" or "system_event"
}

type AuthConfig struct {
	// Token is the shared bearer token; may be an enc:v1 value in the file.
	Token string `json:"token"`
	// PasswordHash is "pbkdf2:<iters>:<salt_b64>:<hash_b64>".
	PasswordHash    string                 `json:"password_hash"`
	AllowLoopback   bool                   `json:"allow_loopback"`
	TrustedProxies  []string               `json:"trusted_proxies"`
	PeerIdentityHdr string                 `json:"peer_identity_header"`
	RateLimit       RateLimitConfig        `json:"rate_limit"`
	Hooks           map[string]HookMapping `json:"hooks"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

type ToolPolicyConfig struct {
	// Mode is "allow_all", "allow_list", or "deny_list".
	Mode  string   `json:"mode"`
	Tools []string `json:"tools"`
}

type AgentEntry struct {
	AgentID      string           `json:"agent_id"`
	Model        string           `json:"model"`
	SystemPrompt string           `json:"system_prompt"`
	ToolPolicy   ToolPolicyConfig `json:"tool_policy"`
	// Channel binds the agent to a channel id; empty means unbound.
	Channel string `json:"channel"`
}

type AgentDefaults struct {
	Model        string           `json:"model"`
	SystemPrompt string           `json:"system_prompt"`
	ToolPolicy   ToolPolicyConfig `json:"tool_policy"`
}

type AgentsConfig struct {
	Defaults            AgentDefaults             `json:"defaults"`
	List                []AgentEntry              `json:"list"`
	Providers           map[string]ProviderConfig `json:"providers"`
	ChunkTimeoutSeconds int                       `json:"chunk_timeout_seconds"`
	ApprovalTTLSeconds  int                       `json:"approval_ttl_seconds"`
}

type TelegramConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token"`
	AllowedIDs []int64 `json:"allowed_ids"`
}

type QueueConfig struct {
	Size                int `json:"size"`
	MaxAttempts         int `json:"max_attempts"`
	SendDeadlineSeconds int `json:"send_deadline_seconds"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Queue    QueueConfig    `json:"queue"`
}

type ResetConfig struct {
	// Policy is "manual", "daily", or "idle".
	Policy        string `json:"policy"`
	IdleDays      int    `json:"idle_days"`
	BoundaryLocal string `json:"boundary_local"` // "HH:MM" local time
}

type SessionsConfig struct {
	// Scoping is "global", "per_sender", or "per_channel_peer".
	Scoping              string      `json:"scoping"`
	Reset                ResetConfig `json:"reset"`
	RetentionDays        int         `json:"retention_days"`
	SweepIntervalMinutes int         `json:"sweep_interval_minutes"`
	CompactKeepLast      int         `json:"compact_keep_last"`
}

type QuotaConfig struct {
	HTTPPerMinute        int   `json:"http_per_minute"`
	LogLinesPerMinute    int   `json:"log_lines_per_minute"`
	MediaMaxBytes        int64 `json:"media_max_bytes"`
	InvokeTimeoutSeconds int   `json:"invoke_timeout_seconds"`
}

type PluginsConfig struct {
	Dir string `json:"dir"`
	// Grants maps plugin_id to the capability names the operator allows.
	Grants map[string][]string `json:"grants"`
	// AllowedDomains optionally restricts http_fetch per plugin.
	AllowedDomains map[string][]string `json:"allowed_domains"`
	Quotas         QuotaConfig         `json:"quotas"`
}

type CronConfig struct {
	Enabled       bool `json:"enabled"`
	TickSeconds   int  `json:"tick_seconds"`
	MaxConcurrent int  `json:"max_concurrent"`
	HistoryLimit  int  `json:"history_limit"`
}

type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Agents   AgentsConfig   `json:"agents"`
	Channels ChannelsConfig `json:"channels"`
	Sessions SessionsConfig `json:"sessions"`
	Plugins  PluginsConfig  `json:"plugins"`
	Cron     CronConfig     `json:"cron"`
}

func defaultServer() ServerConfig {
	return ServerConfig{
		BindAddr:              "127.0.0.1:9443",
		LogLevel:              "info",
		HandshakeGraceSeconds: 10,
		Telemetry: TelemetryConfig{
			Exporter:    "stdout",
			ServiceName: "crpcd",
			SampleRate:  1.0,
		},
	}
}

func defaultAuth() AuthConfig {
	return AuthConfig{
		AllowLoopback:   true,
		PeerIdentityHdr: "X-Forwarded-User",
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         30,
			GlobalPerMinute:   600,
		},
	}
}

func defaultAgents() AgentsConfig {
	return AgentsConfig{
		Defaults: AgentDefaults{
			Model:      "anthropic/claude-sonnet-4-5",
			ToolPolicy: ToolPolicyConfig{Mode: "allow_all"},
		},
		ChunkTimeoutSeconds: 60,
		ApprovalTTLSeconds:  120,
	}
}

func defaultChannels() ChannelsConfig {
	return ChannelsConfig{
		Queue: QueueConfig{
			Size:                256,
			MaxAttempts:         5,
			SendDeadlineSeconds: 10,
		},
	}
}

func defaultSessions() SessionsConfig {
	return SessionsConfig{
		Scoping:              "per_sender",
		Reset:                ResetConfig{Policy: "manual", IdleDays: 7, BoundaryLocal: "04:00"},
		RetentionDays:        0, // keep forever
		SweepIntervalMinutes: 60,
		CompactKeepLast:      20,
	}
}

func defaultPlugins() PluginsConfig {
	return PluginsConfig{
		Dir: "skills/installed",
		Quotas: QuotaConfig{
			HTTPPerMinute:        100,
			LogLinesPerMinute:    1000,
			MediaMaxBytes:        50 << 20,
			InvokeTimeoutSeconds: 30,
		},
	}
}

func defaultCron() CronConfig {
	return CronConfig{
		Enabled:       true,
		TickSeconds:   10,
		MaxConcurrent: 4,
		HistoryLimit:  20,
	}
}

// Default assembles the built-in configuration from the seven section
// constructors.
func Default() Config {
	return Config{
		Server:   defaultServer(),
		Auth:     defaultAuth(),
		Agents:   defaultAgents(),
		Channels: defaultChannels(),
		Sessions: defaultSessions(),
		Plugins:  defaultPlugins(),
		Cron:     defaultCron(),
	}
}

// BaseDir resolves the data directory: CRPC_HOME env, then the configured
// server.base_dir, then ~/.crpc.
func BaseDir(cfg *Config) string {
	if override := os.Getenv("CRPC_HOME"); override != "" {
		return override
	}
	if cfg != nil && cfg.Server.BaseDir != "" {
		return cfg.Server.BaseDir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".crpc")
}

// DefaultPath resolves the config file path: CRPC_CONFIG env, else
// config.json5 under the base directory.
func DefaultPath() string {
	if p := os.Getenv("CRPC_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(BaseDir(nil), "config.json5")
}

func normalize(cfg *Config) {
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "127.0.0.1:9443"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.HandshakeGraceSeconds <= 0 {
		cfg.Server.HandshakeGraceSeconds = 10
	}
	if cfg.Agents.ChunkTimeoutSeconds <= 0 {
		cfg.Agents.ChunkTimeoutSeconds = 60
	}
	if cfg.Agents.ApprovalTTLSeconds <= 0 {
		cfg.Agents.ApprovalTTLSeconds = 120
	}
	if cfg.Channels.Queue.Size <= 0 {
		cfg.Channels.Queue.Size = 256
	}
	if cfg.Channels.Queue.MaxAttempts <= 0 {
		cfg.Channels.Queue.MaxAttempts = 5
	}
	if cfg.Channels.Queue.SendDeadlineSeconds <= 0 {
		cfg.Channels.Queue.SendDeadlineSeconds = 10
	}
	if cfg.Sessions.Scoping == "" {
		cfg.Sessions.Scoping = "per_sender"
	}
	if cfg.Sessions.Reset.Policy == "" {
		cfg.Sessions.Reset.Policy = "manual"
	}
	if cfg.Sessions.Reset.BoundaryLocal == "" {
		cfg.Sessions.Reset.BoundaryLocal = "04:00"
	}
	if cfg.Sessions.SweepIntervalMinutes <= 0 {
		cfg.Sessions.SweepIntervalMinutes = 60
	}
	if cfg.Sessions.CompactKeepLast <= 0 {
		cfg.Sessions.CompactKeepLast = 20
	}
	if cfg.Plugins.Dir == "" {
		cfg.Plugins.Dir = "skills/installed"
	}
	if cfg.Plugins.Quotas.HTTPPerMinute <= 0 {
		cfg.Plugins.Quotas.HTTPPerMinute = 100
	}
	if cfg.Plugins.Quotas.LogLinesPerMinute <= 0 {
		cfg.Plugins.Quotas.LogLinesPerMinute = 1000
	}
	if cfg.Plugins.Quotas.MediaMaxBytes <= 0 {
		cfg.Plugins.Quotas.MediaMaxBytes = 50 << 20
	}
	if cfg.Plugins.Quotas.InvokeTimeoutSeconds <= 0 {
		cfg.Plugins.Quotas.InvokeTimeoutSeconds = 30
	}
	if cfg.Cron.TickSeconds <= 0 {
		cfg.Cron.TickSeconds = 10
	}
	if cfg.Cron.MaxConcurrent <= 0 {
		cfg.Cron.MaxConcurrent = 4
	}
	if cfg.Cron.HistoryLimit <= 0 {
		cfg.Cron.HistoryLimit = 20
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CRPC_BIND_ADDR"); raw != "" {
		cfg.Server.BindAddr = raw
	}
	if raw := os.Getenv("CRPC_LOG_LEVEL"); raw != "" {
		cfg.Server.LogLevel = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	for provider, envVar := range providerKeyEnv {
		if raw := os.Getenv(envVar); raw != "" {
			if cfg.Agents.Providers == nil {
				cfg.Agents.Providers = map[string]ProviderConfig{}
			}
			p := cfg.Agents.Providers[provider]
			p.APIKey = raw
			cfg.Agents.Providers[provider] = p
		}
	}
}

var providerKeyEnv = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"bedrock":    "BEDROCK_API_KEY",
}

// ProviderAPIKey returns the API key for the given provider, env overrides
// first.
func (c Config) ProviderAPIKey(provider string) string {
	if envVar, ok := providerKeyEnv[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Agents.Providers != nil {
		return c.Agents.Providers[provider].APIKey
	}
	return ""
}

// AgentByID resolves an agent entry, applying defaults for unset fields.
// Unknown ids resolve to a defaults-only agent when id is "default".
func (c Config) AgentByID(id string) (AgentEntry, bool) {
	for _, a := range c.Agents.List {
		if a.AgentID != id {
			continue
		}
		if a.Model == "" {
			a.Model = c.Agents.Defaults.Model
		}
		if a.SystemPrompt == "" {
			a.SystemPrompt = c.Agents.Defaults.SystemPrompt
		}
		if a.ToolPolicy.Mode == "" {
			a.ToolPolicy = c.Agents.Defaults.ToolPolicy
		}
		return a, true
	}
	if id == "default" {
		return AgentEntry{
			AgentID:      "default",
			Model:        c.Agents.Defaults.Model,
			SystemPrompt: c.Agents.Defaults.SystemPrompt,
			ToolPolicy:   c.Agents.Defaults.ToolPolicy,
		}, true
	}
	return AgentEntry{}, false
}

// BoundaryClock parses a "HH:MM" local boundary into hour and minute.
func (r ResetConfig) BoundaryClock() (hour, minute int, err error) {
	parts := strings.SplitN(r.BoundaryLocal, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad boundary %q", r.BoundaryLocal)
	}
	if _, err := fmt.Sscanf(r.BoundaryLocal, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("bad boundary %q: %w", r.BoundaryLocal, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("boundary %q out of range", r.BoundaryLocal)
	}
	return hour, minute, nil
}

// IdleWindow returns the idle-reset duration.
func (r ResetConfig) IdleWindow() time.Duration {
	d := r.IdleDays
	if d <= 0 {
		d = 7
	}
	return time.Duration(d) * 24 * time.Hour
}
