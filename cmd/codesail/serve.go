package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codesail/codesail/internal/assist"
	"github.com/codesail/codesail/internal/assist/anthropic"
	"github.com/codesail/codesail/internal/assist/openai"
	"github.com/codesail/codesail/internal/config"
	"github.com/codesail/codesail/internal/fileops"
	"github.com/codesail/codesail/internal/gateway"
	"github.com/codesail/codesail/internal/gateway/httpapi"
	mcpgw "github.com/codesail/codesail/internal/gateway/mcp"
	"github.com/codesail/codesail/internal/gateway/ws"
	"github.com/codesail/codesail/internal/janitor"
	"github.com/codesail/codesail/internal/observability"
	"github.com/codesail/codesail/internal/ratelimit"
	"github.com/codesail/codesail/internal/sandbox"
	"github.com/codesail/codesail/internal/sandbox/kube"
	"github.com/codesail/codesail/internal/sandbox/local"
	"github.com/codesail/codesail/internal/session"
	"github.com/codesail/codesail/internal/storage"
	pgstore "github.com/codesail/codesail/internal/storage/postgres"
	sqlitestore "github.com/codesail/codesail/internal/storage/sqlite"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session manager (HTTP API, WebSocket, MCP)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `codesail --config path` and `codesail serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe wires the session manager together and runs all enabled gateways
// until a signal arrives or one of them fails.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("CODESAIL_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	logger.Info("starting codesail", slog.String("config", serveConfigPath))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability (nil when not configured).
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	if obs != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}()
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Activity store (SQLite default, PostgreSQL optional).
	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening activity store: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating activity store: %w", err)
	}

	// Sandbox executor. The kube executor is kept around for the cluster
	// health check; the instrumented wrapper hides it.
	var execBackend sandbox.Executor
	var kubeExec *kube.Executor
	switch cfg.ExecutorName() {
	case "local":
		execBackend, err = local.New(local.Config{
			BaseDir:        cfg.SandboxBaseDir(),
			DefaultTimeout: cfg.Session.TerminalTimeout(),
			OutputCap:      cfg.Session.OutputCap(),
		}, logger)
	default:
		kubeExec, err = kube.New(kube.Config{
			Kubeconfig:     cfg.Kubernetes.Kubeconfig,
			DefaultTimeout: cfg.Session.TerminalTimeout(),
			OutputCap:      cfg.Session.OutputCap(),
		}, logger)
		execBackend = kubeExec
	}
	if err != nil {
		return fmt.Errorf("initializing %s executor: %w", cfg.ExecutorName(), err)
	}
	logger.Info("sandbox executor initialized", slog.String("executor", cfg.ExecutorName()))

	if obs != nil && obs.Metrics != nil {
		execBackend = observability.NewInstrumentedExecutor(execBackend, cfg.ExecutorName(), obs.Metrics, obs.TracerOrNil())
	}

	// Readiness checks.
	if obs != nil && obs.Health != nil && cfg.Observability != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB {
			obs.Health.AddDatabase(store)
		}
		if cfg.Observability.Health.IncludeCluster && kubeExec != nil {
			obs.Health.AddCluster(kubeExec)
		}
	}

	// Workspace plumbing.
	files := fileops.New(execBackend, fileops.Config{
		FileTimeout:     cfg.Session.FileTimeout(),
		TerminalTimeout: cfg.Session.TerminalTimeout(),
		MaxOutputBytes:  cfg.Session.OutputCap(),
		MaxFileBytes:    cfg.Session.FileCap(),
		MaxCommandLen:   cfg.Session.CommandCap(),
	}, logger)
	locator := sandbox.NewLocator(
		cfg.Kubernetes.PodNamespace(),
		cfg.Kubernetes.ContainerName(),
		cfg.Kubernetes.Prefix(),
	)
	sessions := session.New(locator, files, store, session.Config{
		MaxConcurrentExecs: cfg.Session.Concurrency(),
	}, logger)

	// Code assist provider (optional).
	suggester, err := buildAssist(cfg.Assist, logger)
	if err != nil {
		return fmt.Errorf("initializing assist provider: %w", err)
	}
	if suggester != nil && obs != nil && obs.Metrics != nil {
		suggester = observability.NewInstrumentedAssist(suggester, obs.Metrics, obs.TracerOrNil())
	}

	// Per-user rate limiter, shared by the HTTP and SSE surfaces.
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})

	// Janitor: idle terminal cleanup and activity retention.
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		jan := janitor.New(sessions, store, limiter, cfg.Janitor, logger)
		if err := jan.Start(); err != nil {
			return fmt.Errorf("starting janitor: %w", err)
		}
		defer jan.Stop()
		logger.Debug("janitor started", slog.String("schedule", cfg.Janitor.CronSchedule()))
	}

	gateways := buildGateways(cfg, sessions, suggester, limiter, obs, logger)
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// openStore opens the configured activity store backend.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		sqliteCfg := sqlitestore.Config{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				sqliteCfg.Path = cfg.Storage.SQLite.Path
			}
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqliteCfg, logger)
	}
}

// buildAssist creates the suggestion provider chain from config: the default
// provider first, then any fallbacks in order. Nil config disables assist.
func buildAssist(cfg *config.AssistConfig, logger *slog.Logger) (assist.Provider, error) {
	if cfg == nil {
		return nil, nil
	}

	names := append([]string{cfg.DefaultProvider()}, cfg.Fallback...)
	providers := make([]assist.Provider, 0, len(names))
	for _, name := range names {
		switch name {
		case "anthropic":
			providers = append(providers, anthropic.NewClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model, logger))
		case "openai":
			var opts []openai.Option
			if cfg.OpenAI.BaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
			}
			providers = append(providers, openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model, logger, opts...))
		default:
			return nil, fmt.Errorf("unknown assist provider %q", name)
		}
	}

	if len(providers) == 1 {
		return providers[0], nil
	}
	return assist.NewFallbackProvider(providers, logger), nil
}

// buildGateways creates the enabled gateways from config. The HTTP gateway is
// always on; the WebSocket endpoint mounts on it when enabled.
func buildGateways(cfg *config.Config, sessions *session.Coordinator, suggester assist.Provider, limiter *ratelimit.Limiter, obs *observability.Observability, logger *slog.Logger) []gateway.Gateway {
	// Build API key → user ID mapping from config + env override.
	apiKeys := cfg.Server.APIKeyUserMapping
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("CODESAIL_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.Server.MaxRequestSize(),
	}
	if obs != nil {
		httpCfg.Metrics = obs.Metrics
		httpCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			httpCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			httpCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	httpGW := httpapi.NewGateway(httpCfg, sessions, limiter, logger)
	if suggester != nil {
		httpGW.WithAssist(suggester)
		logger.Debug("assist endpoint enabled")
	}
	if cfg.Server.SSE {
		httpGW.WithSSE(true)
		logger.Debug("SSE events endpoint enabled")
	}

	// Mount the WebSocket session endpoint on the HTTP gateway.
	if cfg.WebSocket != nil && cfg.WebSocket.Enabled {
		wsServer := ws.NewServer(sessions, apiKeys, cfg.WebSocket, logger)
		if obs != nil && obs.Metrics != nil {
			wsServer.WithMetrics(obs.Metrics)
		}
		httpGW.WithHandler(cfg.WebSocket.WSPath(), wsServer.Handler())
		logger.Debug("websocket session endpoint mounted",
			slog.String("path", cfg.WebSocket.WSPath()),
		)
	}

	gws := []gateway.Gateway{httpGW}
	logger.Debug("gateway enabled",
		slog.String("type", "http"),
		slog.String("addr", cfg.Server.Addr()),
		slog.Bool("assist", suggester != nil),
		slog.Bool("sse", cfg.Server.SSE),
		slog.Bool("websocket", cfg.WebSocket != nil && cfg.WebSocket.Enabled),
	)

	// MCP stdio server for external AI assistants.
	if cfg.MCP != nil && cfg.MCP.Enabled {
		gws = append(gws, mcpgw.NewServer(sessions, cfg.MCP, logger))
		logger.Debug("gateway enabled",
			slog.String("type", "mcp"),
			slog.String("user_id", cfg.MCP.UserID),
			slog.String("project_id", cfg.MCP.Project),
		)
	}

	return gws
}
