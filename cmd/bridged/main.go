// Command bridged runs the agent bridge daemon: an HTTP gateway in front of
// the task execution engine, context store, and file sync registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/sandrasocial/agent-bridge/internal/audit"
	"github.com/sandrasocial/agent-bridge/internal/bus"
	"github.com/sandrasocial/agent-bridge/internal/config"
	"github.com/sandrasocial/agent-bridge/internal/engine"
	"github.com/sandrasocial/agent-bridge/internal/filesync"
	"github.com/sandrasocial/agent-bridge/internal/gateway"
	"github.com/sandrasocial/agent-bridge/internal/memory"
	otelPkg "github.com/sandrasocial/agent-bridge/internal/otel"
	"github.com/sandrasocial/agent-bridge/internal/persistence"
	"github.com/sandrasocial/agent-bridge/internal/telemetry"
	"github.com/sandrasocial/agent-bridge/internal/validator"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	quietFlag := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Parse()

	// File-only logs when stdout is not a terminal (piped or service unit).
	quiet := *quietFlag || !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(cfg.DBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath())

	workspaceDir := cfg.Engine.WorkspaceDir
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_CREATE", err)
	}

	eng := engine.New(engine.Options{
		Store:            store,
		Bus:              eventBus,
		Validator:        validator.New(workspaceDir, logger),
		Implementer:      engine.NewSimulatedImplementer(workspaceDir),
		Logger:           logger,
		Tracer:           otelProvider.Tracer,
		Metrics:          metrics,
		PlanningDelay:    time.Duration(cfg.Engine.PlanningDelayMs) * time.Millisecond,
		ExecutionTimeout: time.Duration(cfg.Engine.ExecutionTimeoutSeconds) * time.Second,
	})

	contexts := memory.NewStore(store, logger, cfg.Memory.HistoryCap)

	registry := filesync.NewRegistry(logger, eventBus, metrics)
	watchPaths := cfg.FileSync.WatchPaths
	if len(watchPaths) == 0 {
		watchPaths = []string{workspaceDir}
	}
	watcher := filesync.NewWatcher(watchPaths, registry, eventBus, logger, metrics)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_WATCHER_START", err)
	}
	defer watcher.Stop()

	rescans := filesync.NewScheduler(watcher, logger)
	if err := rescans.Start(ctx, cfg.FileSync.RescanCron); err != nil {
		fatalStartup(logger, "E_RESCAN_SCHEDULE", err)
	}
	defer rescans.Stop()

	gw := gateway.New(gateway.Options{
		Store:             store,
		Engine:            eng,
		Memory:            contexts,
		Registry:          registry,
		Bus:               eventBus,
		Logger:            logger,
		AuthToken:         cfg.AuthToken,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Routes(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		fatalStartup(logger, "E_LISTENER_SERVE", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := eng.Drain(shutdownCtx); err != nil {
		logger.Error("engine drain", "error", err)
	}
	logger.Info("bridged stopped")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "", "runtime", reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"bridge","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
