// Package gateway is the WS JSON-RPC dispatch plane and the HTTP
// surface. Connections authenticate during a handshake grace window,
// methods dispatch through an explicit table, long-running methods
// register cancellation tokens, and domain events fan out from the
// broadcast bus to subscribed connections.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/basket/crpc/internal/agent"
	"github.com/basket/crpc/internal/approvals"
	"github.com/basket/crpc/internal/audit"
	"github.com/basket/crpc/internal/auth"
	"github.com/basket/crpc/internal/bus"
	"github.com/basket/crpc/internal/config"
	"github.com/basket/crpc/internal/cron"
	"github.com/basket/crpc/internal/delivery"
	"github.com/basket/crpc/internal/engine"
	"github.com/basket/crpc/internal/pairing"
	"github.com/basket/crpc/internal/sandbox/wasm"
	"github.com/basket/crpc/internal/session"
	"github.com/basket/crpc/internal/skills"
	"github.com/basket/crpc/internal/tools"
)

// Version is stamped by the build.
var Version = "v0.1-dev"

type Config struct {
	Manager   *config.Manager
	Auth      *auth.Authenticator
	Limiter   *auth.Limiter
	Bus       *bus.Bus
	Sessions  *session.Store
	Engine    *engine.Engine
	Agents    *agent.Registry
	Catalog   *tools.Catalog
	Delivery  *delivery.Manager
	Cron      *cron.Scheduler
	Approvals *approvals.Store
	Nodes     *pairing.Registry
	Devices   *pairing.Registry
	Installer *skills.Installer
	Loader    *skills.Loader
	Host      *wasm.Host
	Logger    *slog.Logger
	BaseDir   string
}

// Server is the gateway process surface.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time

	methods map[string]methodHandler

	connsMu sync.Mutex
	conns   map[*conn]struct{}

	runsMu sync.Mutex
	runs   map[string]*runState

	stateMu sync.Mutex
	state   gatewayState
}

// runState tracks one agent run for agent.wait and chat.abort.
type runState struct {
	done   chan struct{}
	cancel context.CancelFunc
	result map[string]any
	err    error
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		started: time.Now(),
		methods: map[string]methodHandler{},
		conns:   map[*conn]struct{}{},
		runs:    map[string]*runState{},
	}
	s.loadState()
	s.registerMethods()
	return s
}

// Handler builds the HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/responses", s.handleResponses)
	mux.HandleFunc("/config", s.handleConfigPatch)
	mux.HandleFunc("/hooks/", s.handleHook)
	mux.HandleFunc("/pair", s.handlePairHTTP)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":        true,
		"version":        Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

// handleMetrics writes the text exposition format by hand, the same way
// the counters are few enough not to warrant a client library.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHTTP(r) {
		httpError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	s.connsMu.Lock()
	connCount := len(s.conns)
	s.connsMu.Unlock()
	s.runsMu.Lock()
	runCount := len(s.runs)
	s.runsMu.Unlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP crpc_ws_connections Connected WebSocket clients.\n")
	fmt.Fprintf(w, "# TYPE crpc_ws_connections gauge\n")
	fmt.Fprintf(w, "crpc_ws_connections %d\n", connCount)
	fmt.Fprintf(w, "# HELP crpc_agent_runs_active Agent runs in flight.\n")
	fmt.Fprintf(w, "# TYPE crpc_agent_runs_active gauge\n")
	fmt.Fprintf(w, "crpc_agent_runs_active %d\n", runCount)
	fmt.Fprintf(w, "# HELP crpc_bus_subscribers Broadcast bus subscriptions.\n")
	fmt.Fprintf(w, "# TYPE crpc_bus_subscribers gauge\n")
	fmt.Fprintf(w, "crpc_bus_subscribers %d\n", s.cfg.Bus.SubscriberCount())
	fmt.Fprintf(w, "# HELP crpc_sessions_total Known sessions.\n")
	fmt.Fprintf(w, "# TYPE crpc_sessions_total gauge\n")
	fmt.Fprintf(w, "crpc_sessions_total %d\n", len(s.cfg.Sessions.List("")))
	fmt.Fprintf(w, "# HELP crpc_policy_deny_total Audit deny decisions.\n")
	fmt.Fprintf(w, "# TYPE crpc_policy_deny_total counter\n")
	fmt.Fprintf(w, "crpc_policy_deny_total %d\n", audit.DenyCount())
	fmt.Fprintf(w, "# HELP crpc_alloc_bytes Allocated heap bytes.\n")
	fmt.Fprintf(w, "# TYPE crpc_alloc_bytes gauge\n")
	fmt.Fprintf(w, "crpc_alloc_bytes %d\n", mem.Alloc)
	fmt.Fprintf(w, "# HELP crpc_goroutines Running goroutines.\n")
	fmt.Fprintf(w, "# TYPE crpc_goroutines gauge\n")
	fmt.Fprintf(w, "crpc_goroutines %d\n", runtime.NumGoroutine())
}

// authorizeHTTP accepts the same credential kinds as the WS handshake.
func (s *Server) authorizeHTTP(r *http.Request) bool {
	_, err := s.cfg.Auth.Authenticate(r.RemoteAddr, r.Header, auth.Credentials{})
	return err == nil
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}

// Shutdown drains: stop accepting is the caller's job (http.Server),
// here every open connection closes, which cancels owned tokens and
// wakes approval waiters.
func (s *Server) Shutdown() {
	s.connsMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		c.close("shutting down")
	}
}
