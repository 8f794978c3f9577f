// crpcd is the gateway daemon: WS JSON-RPC plane, agent engine,
// outbound delivery, plugin sandbox, cron, and pairing, wired over a
// file-backed base directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/crpc/internal/agent"
	"github.com/basket/crpc/internal/approvals"
	"github.com/basket/crpc/internal/audit"
	"github.com/basket/crpc/internal/auth"
	"github.com/basket/crpc/internal/bus"
	"github.com/basket/crpc/internal/channels"
	"github.com/basket/crpc/internal/config"
	"github.com/basket/crpc/internal/credentials"
	"github.com/basket/crpc/internal/cron"
	"github.com/basket/crpc/internal/delivery"
	"github.com/basket/crpc/internal/engine"
	"github.com/basket/crpc/internal/gateway"
	otelPkg "github.com/basket/crpc/internal/otel"
	"github.com/basket/crpc/internal/pairing"
	"github.com/basket/crpc/internal/policy"
	"github.com/basket/crpc/internal/sandbox/wasm"
	"github.com/basket/crpc/internal/session"
	"github.com/basket/crpc/internal/shared"
	"github.com/basket/crpc/internal/skills"
	"github.com/basket/crpc/internal/telemetry"
	"github.com/basket/crpc/internal/tools"
)

// Version is set via ldflags at build time.
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON:
  %s                          Run the gateway daemon

SUBCOMMANDS:
  %s status                   Query a running daemon's /healthz
  %s hash-password            Hash a password for the auth section
  %s encrypt-value <plain>    Produce an enc:v1 config value

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT:
  CRPC_HOME          Data directory (default: ~/.crpc)
  CRPC_CONFIG        Config file path (default: $CRPC_HOME/config.json5)
  CRPC_PASSPHRASE    Master passphrase for enc:v1 values
  CRPC_LOG_LEVEL     Log level override
`)
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatus(os.Args[2:])
			return
		case "hash-password":
			runHashPassword()
			return
		case "encrypt-value":
			runEncryptValue(os.Args[2:])
			return
		}
	}

	configPath := flag.String("config", config.DefaultPath(), "config file path")
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	passphrase := os.Getenv(config.PassphraseEnv)
	manager, err := config.NewManager(*configPath, passphrase, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crpcd: load config: %v\n", err)
		os.Exit(1)
	}
	snapshot := manager.Current()
	baseDir := config.BaseDir(snapshot)

	quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(baseDir, snapshot.Server.LogLevel, quietLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crpcd: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(manager, passphrase, baseDir, logger); err != nil {
		logger.Error("crpcd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(manager *config.Manager, passphrase, baseDir string, logger *slog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	snapshot := manager.Current()

	if err := audit.Init(baseDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer audit.Close()

	otelProvider, err := otelPkg.Init(rootCtx, snapshot.Server.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	// Policy: policy.yaml under the base dir plus config grants.
	filePolicy, err := policy.Load(filepath.Join(baseDir, "policy.yaml"))
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	livePolicy := policy.NewLive(filePolicy.Merge(snapshot.Plugins.Grants, snapshot.Plugins.AllowedDomains))

	creds, err := credentials.Open(filepath.Join(baseDir, "credentials", "credentials.json"), passphrase)
	if err != nil {
		return fmt.Errorf("open credentials: %w", err)
	}

	b := bus.New()
	sessions, err := session.Open(baseDir, logger)
	if err != nil {
		return fmt.Errorf("open sessions: %w", err)
	}
	if days := snapshot.Sessions.RetentionDays; days > 0 {
		sessions.StartSweeper(rootCtx,
			time.Duration(snapshot.Sessions.SweepIntervalMinutes)*time.Minute,
			time.Duration(days)*24*time.Hour)
	}

	appr, err := approvals.Open(filepath.Join(baseDir, "approvals.json"),
		time.Duration(snapshot.Agents.ApprovalTTLSeconds)*time.Second, b)
	if err != nil {
		return fmt.Errorf("open approvals: %w", err)
	}
	nodes, err := pairing.Open(pairing.KindNode, filepath.Join(baseDir, "nodes.json"), b)
	if err != nil {
		return fmt.Errorf("open nodes: %w", err)
	}
	devices, err := pairing.Open(pairing.KindDevice, filepath.Join(baseDir, "devices.json"), b)
	if err != nil {
		return fmt.Errorf("open devices: %w", err)
	}

	authenticator := auth.New(snapshot.Auth, pairedVerifier{nodes: nodes, devices: devices})
	limiter := auth.NewLimiter(snapshot.Auth.RateLimit)
	limiter.StartEviction(rootCtx, 5*time.Minute, 30*time.Minute)

	// Plugin sandbox.
	quotas := wasm.NewQuotas(
		snapshot.Plugins.Quotas.HTTPPerMinute,
		snapshot.Plugins.Quotas.LogLinesPerMinute,
		snapshot.Plugins.Quotas.MediaMaxBytes,
	)
	host, err := wasm.NewHost(rootCtx, wasm.Config{
		Policy:        livePolicy,
		Credentials:   creds,
		Logger:        logger,
		MediaDir:      filepath.Join(baseDir, "media"),
		KVDir:         filepath.Join(baseDir, "plugins", "kv"),
		Quotas:        quotas,
		InvokeTimeout: time.Duration(snapshot.Plugins.Quotas.InvokeTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init sandbox: %w", err)
	}
	defer host.Close(context.Background())

	// Tool catalog: builtins plus whatever the loader registers.
	catalog := tools.NewCatalog()
	guard := wasm.NewGuard()
	if err := catalog.Register(tools.NewWebFetch(guard.Fetch)); err != nil {
		return err
	}
	if err := catalog.Register(tools.NewCurrentTime(nil)); err != nil {
		return err
	}

	// Delivery plane.
	dm := delivery.NewManager(delivery.Config{
		QueueSize:    snapshot.Channels.Queue.Size,
		MaxAttempts:  snapshot.Channels.Queue.MaxAttempts,
		SendDeadline: time.Duration(snapshot.Channels.Queue.SendDeadlineSeconds) * time.Second,
		OverflowDir:  filepath.Join(baseDir, "outbox"),
	}, b, logger)
	dm.Start(rootCtx)

	registry := agent.NewRegistry(manager.Current)
	eng := engine.New(engine.Config{
		Registry:  registry,
		Catalog:   catalog,
		Sessions:  sessions,
		Approvals: appr,
		Providers: buildProviders(manager.Current()),
		Bus:       b,
		Logger:    logger,
		Current:   manager.Current,
	})

	// Channel startup is config-driven and restartable on hybrid reload.
	channelCtx, stopChannels := context.WithCancel(rootCtx)
	startChannels(channelCtx, manager.Current(), dm, catalog, eng, sessions, manager, logger)

	// Skills: install dir, loader, hot reload.
	installDir := filepath.Join(baseDir, snapshot.Plugins.Dir)
	installer := skills.NewInstaller(installDir, logger)
	loader := skills.NewLoader(installDir, host, catalog, logger)
	loader.LoadAll(rootCtx)
	watcher := skills.NewWatcher(installDir, loader, logger)
	go func() {
		if err := watcher.Start(rootCtx); err != nil {
			logger.Warn("skills watcher stopped", "error", err)
		}
	}()

	// Cron.
	sched, err := cron.NewScheduler(cron.Config{
		Path:          filepath.Join(baseDir, "cron.json"),
		TickInterval:  time.Duration(snapshot.Cron.TickSeconds) * time.Second,
		MaxConcurrent: snapshot.Cron.MaxConcurrent,
		HistoryLimit:  snapshot.Cron.HistoryLimit,
		Bus:           b,
		Logger:        logger,
	})
	if err != nil {
		stopChannels()
		return fmt.Errorf("open cron: %w", err)
	}
	registerCronHandlers(sched, eng, sessions, manager, b)
	if snapshot.Cron.Enabled {
		go sched.Start(rootCtx)
	}

	gateway.Version = Version
	gw := gateway.New(gateway.Config{
		Manager:   manager,
		Auth:      authenticator,
		Limiter:   limiter,
		Bus:       b,
		Sessions:  sessions,
		Engine:    eng,
		Agents:    registry,
		Catalog:   catalog,
		Delivery:  dm,
		Cron:      sched,
		Approvals: appr,
		Nodes:     nodes,
		Devices:   devices,
		Installer: installer,
		Loader:    loader,
		Host:      host,
		Logger:    logger,
		BaseDir:   baseDir,
	})

	// Config reload triggers: SIGHUP, fsnotify, RPC. Every applied
	// change flows through the manager's event channel.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-hup:
				if _, err := manager.Reload(); err != nil {
					logger.Error("config reload failed", "error", err)
				}
			}
		}
	}()
	cfgWatcher := config.NewWatcher(manager, logger)
	go func() {
		if err := cfgWatcher.Start(rootCtx); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				return
			case ev := <-manager.Changes():
				b.Publish(bus.TopicConfigChanged, ev)
				applyReload(rootCtx, ev, manager, livePolicy, dm, catalog, eng, sessions, &stopChannels, logger)
			}
		}
	}()

	httpServer := &http.Server{
		Addr:              snapshot.Server.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	listener, err := net.Listen("tcp", snapshot.Server.BindAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", snapshot.Server.BindAddr, err)
	}
	logger.Info("crpcd listening", "addr", snapshot.Server.BindAddr, "version", Version, "base_dir", baseDir)

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-rootCtx.Done():
	}

	// Drain: stop accepting, cancel tokens, flush the outbound queue,
	// sync the audit log.
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	gw.Shutdown()
	dm.Drain(5 * time.Second)
	if err := audit.Sync(); err != nil {
		logger.Warn("audit sync failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// pairedVerifier adapts the pairing registries to the auth interface.
type pairedVerifier struct {
	nodes   *pairing.Registry
	devices *pairing.Registry
}

func (v pairedVerifier) VerifyPairingToken(raw string) (string, string, []string, bool) {
	if subject, ok := v.nodes.Verify(raw); ok {
		return subject, string(auth.CredNode), capsFor(v.nodes, subject), true
	}
	if subject, ok := v.devices.Verify(raw); ok {
		return subject, string(auth.CredDevice), capsFor(v.devices, subject), true
	}
	return "", "", nil, false
}

func capsFor(reg *pairing.Registry, identity string) []string {
	for _, req := range reg.List() {
		if req.Identity == identity && req.State == pairing.StateApproved {
			return req.Caps
		}
	}
	return nil
}

// buildProviders wires every configured model-prefix to its client.
func buildProviders(cfg *config.Config) *engine.MultiProvider {
	mp := engine.NewMultiProvider()
	baseURL := func(name string) string {
		if pc, ok := cfg.Agents.Providers[name]; ok {
			return pc.BaseURL
		}
		return ""
	}
	mp.Register("anthropic", engine.NewAnthropic(cfg.ProviderAPIKey("anthropic"), baseURL("anthropic")))
	mp.Register("openai", engine.NewOpenAICompat("openai", cfg.ProviderAPIKey("openai"), baseURL("openai")))
	mp.Register("gemini", engine.NewGemini(cfg.ProviderAPIKey("gemini"), baseURL("gemini")))

	openrouterURL := baseURL("openrouter")
	if openrouterURL == "" {
		openrouterURL = "https://openrouter.ai/api/v1"
	}
	mp.Register("openrouter", engine.NewOpenAICompat("openrouter", cfg.ProviderAPIKey("openrouter"), openrouterURL))

	ollamaURL := baseURL("ollama")
	if ollamaURL == "" {
		ollamaURL = "http://127.0.0.1:11434/v1"
	}
	mp.Register("ollama", engine.NewOpenAICompat("ollama", "", ollamaURL))

	// Bedrock rides an OpenAI-compatible access gateway; native SigV4
	// eventstream framing is not implemented.
	mp.Register("bedrock", engine.NewOpenAICompat("bedrock", cfg.ProviderAPIKey("bedrock"), baseURL("bedrock")))
	return mp
}

// startChannels registers the configured channel implementations with
// the delivery manager and starts their inbound listeners.
func startChannels(ctx context.Context, cfg *config.Config, dm *delivery.Manager,
	catalog *tools.Catalog, eng *engine.Engine, sessions *session.Store,
	manager *config.Manager, logger *slog.Logger) {

	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token == "" {
		return
	}
	tg := channels.NewTelegram(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, logger)
	dm.Register(tg)
	if err := catalog.Register(tools.NewMessageSend(tg.ID(), func(ctx context.Context, channelID, to, body string) (string, error) {
		return dm.Send(ctx, channelID, to, body, nil)
	})); err != nil {
		logger.Error("register message_send", "error", err)
	}

	handler := inboundHandler(dm, eng, sessions, manager, logger)
	go func() {
		if err := tg.Listen(ctx, handler); err != nil {
			logger.Error("telegram listener stopped", "error", err)
		}
	}()
}

// inboundHandler routes a channel message into an agent turn and sends
// the reply back out through the delivery queue.
func inboundHandler(dm *delivery.Manager, eng *engine.Engine, sessions *session.Store,
	manager *config.Manager, logger *slog.Logger) channels.InboundHandler {

	return func(ctx context.Context, in channels.Inbound) {
		snapshot := manager.Current()
		meta, err := sessions.Resolve(in.Sender, snapshot.Sessions.Scoping,
			in.ChannelID, in.Sender, in.Peer, session.ResetFromConfig(snapshot.Sessions.Reset))
		if err != nil {
			logger.Error("inbound: session resolve failed", "channel", in.ChannelID, "error", err)
			return
		}
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		runCtx = shared.WithTraceID(runCtx, shared.NewTraceID())

		var reply string
		err = eng.Run(runCtx, engine.RunInput{
			SessionID:   meta.SessionID,
			UserMessage: in.Text,
		}, func(ev engine.Event) {
			if ev.Kind == engine.EventToken {
				reply += ev.Text
			}
		})
		if err != nil {
			logger.Warn("inbound: agent turn failed", "channel", in.ChannelID, "error", err)
			return
		}
		if reply == "" {
			return
		}
		if _, err := dm.Send(ctx, in.ChannelID, in.Peer, reply, nil); err != nil {
			logger.Warn("inbound: reply enqueue failed", "channel", in.ChannelID, "error", err)
		}
	}
}

// registerCronHandlers binds the payload kinds jobs may carry.
func registerCronHandlers(sched *cron.Scheduler, eng *engine.Engine,
	sessions *session.Store, manager *config.Manager, b *bus.Bus) {

	sched.RegisterHandler("system_event", func(ctx context.Context, job cron.Job) (string, error) {
		b.Publish(bus.TopicSystemEvent, map[string]any{
			"source": "cron:" + job.JobID, "payload": job.Payload.Message,
		})
		return "event published", nil
	})
	sched.RegisterHandler("agent_turn", func(ctx context.Context, job cron.Job) (string, error) {
		snapshot := manager.Current()
		meta, err := sessions.Resolve("cron:"+job.JobID, snapshot.Sessions.Scoping,
			"cron", job.JobID, job.JobID, session.ResetPolicy{})
		if err != nil {
			return "", err
		}
		var reply string
		err = eng.Run(ctx, engine.RunInput{
			SessionID:   meta.SessionID,
			AgentID:     job.Payload.AgentID,
			UserMessage: job.Payload.Message,
		}, func(ev engine.Event) {
			if ev.Kind == engine.EventToken {
				reply += ev.Text
			}
		})
		if err != nil {
			return "", err
		}
		if len(reply) > 200 {
			reply = reply[:200]
		}
		return reply, nil
	})
}

// applyReload acts on a classified config change: hot sections are live
// already (readers go through the manager), hybrid sections restart
// their subsystem, restart sections are reported.
func applyReload(ctx context.Context, ev config.ChangeEvent, manager *config.Manager,
	livePolicy *policy.Live, dm *delivery.Manager, catalog *tools.Catalog,
	eng *engine.Engine, sessions *session.Store, stopChannels *context.CancelFunc,
	logger *slog.Logger) {

	for section, class := range ev.Sections {
		switch class {
		case config.ClassRestart:
			logger.Warn("config: section requires a process restart", "section", section)
		case config.ClassHybrid:
			snapshot := manager.Current()
			switch section {
			case config.SectionPlugins:
				filePolicy, err := policy.Load(filepath.Join(config.BaseDir(snapshot), "policy.yaml"))
				if err != nil {
					logger.Error("config: policy reload failed", "error", err)
					continue
				}
				livePolicy.Swap(filePolicy.Merge(snapshot.Plugins.Grants, snapshot.Plugins.AllowedDomains))
				logger.Info("config: plugin grants reloaded")
			case config.SectionChannels:
				(*stopChannels)()
				channelCtx, cancel := context.WithCancel(ctx)
				*stopChannels = cancel
				startChannels(channelCtx, snapshot, dm, catalog, eng, sessions, manager, logger)
				logger.Info("config: channel plane restarted")
			}
		default:
			logger.Info("config: section applied hot", "section", section)
		}
	}
}
