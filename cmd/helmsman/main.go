package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	hhttp "github.com/ironhelm/helmsman/internal/adapter/http"
	"github.com/ironhelm/helmsman/internal/adapter/mcp"
	hotel "github.com/ironhelm/helmsman/internal/adapter/otel"
	"github.com/ironhelm/helmsman/internal/adapter/postgres"
	"github.com/ironhelm/helmsman/internal/adapter/ristretto"
	"github.com/ironhelm/helmsman/internal/config"
	"github.com/ironhelm/helmsman/internal/httpfetch"
	"github.com/ironhelm/helmsman/internal/logger"
	"github.com/ironhelm/helmsman/internal/middleware"
	"github.com/ironhelm/helmsman/internal/registry"
	"github.com/ironhelm/helmsman/internal/secrets"
	"github.com/ironhelm/helmsman/internal/service"
	"github.com/ironhelm/helmsman/internal/store"
	"github.com/ironhelm/helmsman/internal/urlguard"
)

const version = "0.1.0"

func main() {
	// Temporary bootstrap logger until config is loaded.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			slog.Error("admin command failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}

	cfg, yamlPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	holder := config.NewHolder(cfg, yamlPath)

	// Replace bootstrap logger with configured one.
	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"mcp_port", cfg.MCP.ServerPort,
		"registry_path", cfg.Registry.Path,
	)

	otelShutdown, err := hotel.InitTracer(cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}

	ctx := context.Background()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}

	graphStore := postgres.NewGraphStore(pool)
	sessions := store.New(l1, graphStore, store.Options{
		InitialEffectiveness: cfg.Reasoning.Initial,
		EvictAfter:           cfg.Session.EvictAfter,
		SweepInterval:        cfg.Session.SweepInterval,
		Logger:               log,
	})
	stopSweep := sessions.StartSweep(ctx)

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("endpoint registry: %w", err)
	}
	slog.Info("endpoint registry loaded", "endpoints", reg.Len())

	// --- Services ---

	guard := urlguard.New(net.DefaultResolver, cfg.URLGuard.EnableSSRFProtection, cfg.URLGuard.AllowedHosts)
	fetcher := httpfetch.New(guard, cfg.Fetch.UserAgent,
		cfg.RateLimit.RequestsPerMinute, int64(cfg.RateLimit.WindowMS),
		cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	knowledge := service.NewKnowledge(reg, fetcher, service.KnowledgeConfig{
		MaxConcurrency:      cfg.Knowledge.MaxConcurrency,
		TimeoutMS:           cfg.Knowledge.TimeoutMS,
		ConfidenceThreshold: cfg.Knowledge.ConfidenceThreshold,
		MaxResponseSize:     cfg.Knowledge.MaxResponseSize,
		MaxContentLength:    int64(cfg.Content.MaxLength),
	})

	if keys := reg.AuthKeys(); len(keys) > 0 {
		vault, err := secrets.NewVault(secrets.EnvLoader(keys...))
		if err != nil {
			return fmt.Errorf("secrets: %w", err)
		}
		knowledge.SetTokenSource(vault.BearerFor)
		slog.Info("endpoint auth secrets loaded", "keys", len(vault.Keys()))
	}

	controller := service.NewController(sessions, knowledge, service.ControllerConfig{
		CompletionThreshold:   cfg.Verification.CompletionThreshold,
		SuccessRateThreshold:  cfg.Execution.SuccessRateThreshold,
		EffectivenessMin:      cfg.Reasoning.Min,
		EffectivenessMax:      cfg.Reasoning.Max,
		AutoConnectionEnabled: cfg.Knowledge.AutoConnectionEnabled,
	}, log)

	// --- MCP transport ---

	var mcpServer *mcp.Server
	if cfg.MCP.Enabled {
		mcpServer = mcp.NewServer(mcp.ServerConfig{
			Addr:    fmt.Sprintf(":%d", cfg.MCP.ServerPort),
			Name:    "helmsman",
			Version: version,
		}, mcp.ServerDeps{Stepper: controller})
		if err := mcpServer.Start(); err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
	}

	// --- Operational HTTP ---

	limiter := middleware.NewRateLimiter(float64(cfg.RateLimit.RequestsPerMinute)/60.0, cfg.RateLimit.RequestsPerMinute)
	stopLimiterCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)

	handlers := &hhttp.Handlers{
		Sessions: sessions,
		Registry: reg,
		Config:   holder,
		Version:  version,
		Started:  time.Now(),
	}
	router := hhttp.NewRouter(handlers, cfg.Server.CORSOrigin, limiter, l1)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting operational http server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	<-done

	// --- Ordered graceful shutdown ---

	slog.Info("shutdown: stopping transports")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if mcpServer != nil {
		if err := mcpServer.Stop(shutdownCtx); err != nil {
			slog.Error("mcp shutdown error", "error", err)
		}
	}

	slog.Info("shutdown: draining session store")
	stopSweep()
	stopLimiterCleanup()
	sessions.Close()

	slog.Info("shutdown: closing infrastructure")
	l1.Close()
	pool.Close()
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Error("otel shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
