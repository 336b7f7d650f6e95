// Command server runs the opswatch scheduling and alerting server.
//
// # Usage
//
//	server --config /etc/opswatch/config.yaml
//
// # Configuration
//
// The server can be configured via:
// - Config file (YAML)
// - Environment variables (OPSWATCH_*)
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

	"github.com/google/uuid"

	"github.com/seaward-sec/opswatch/db/migrate"
	"github.com/seaward-sec/opswatch/internal/api"
	"github.com/seaward-sec/opswatch/internal/broadcast"
	"github.com/seaward-sec/opswatch/internal/cache"
	"github.com/seaward-sec/opswatch/internal/config"
	"github.com/seaward-sec/opswatch/internal/dispatch"
	"github.com/seaward-sec/opswatch/internal/harness"
	"github.com/seaward-sec/opswatch/internal/notify"
	"github.com/seaward-sec/opswatch/internal/plugin"
	"github.com/seaward-sec/opswatch/internal/reconcile"
	"github.com/seaward-sec/opswatch/internal/scheduler"
	"github.com/seaward-sec/opswatch/internal/secrets"
	"github.com/seaward-sec/opswatch/internal/store"
	"github.com/seaward-sec/opswatch/internal/worker"
	"github.com/seaward-sec/opswatch/pkg/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("opswatch-server v0.1.0")
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)

	// Connect to database and apply migrations
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := store.NewStoreFromURL(ctx, cfg.Database.URL)
	if err != nil {
		cancel()
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		cancel()
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	cancel()
	logger.Info("connected to database")

	// Optional redis-backed response cache
	var responseCache *cache.Cache
	if cfg.Redis.URL != "" {
		responseCache, err = cache.New(cfg.Redis.URL, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to redis")
	}

	// Credential backend
	credStore, err := secrets.NewCredentialStore(secrets.ConfigFromEnv(), logger)
	if err != nil {
		logger.Error("failed to initialize credential store", "error", err)
		os.Exit(1)
	}
	if credStore != nil {
		defer credStore.Close()
	}

	// Plugin registry and catalog persistence
	registry := plugin.NewRegistry()
	httpClient := &http.Client{Timeout: 30 * time.Second}
	builtins := []plugin.Plugin{
		plugin.NewHostInventory(),
		plugin.NewHTTPAssetSync(httpClient),
		plugin.NewHTTPAlarm(httpClient),
		plugin.NewRiskScan(db),
	}
	for _, p := range builtins {
		if err := registry.Register(p); err != nil {
			logger.Error("plugin registration failed", "plugin", p.Name(), "error", err)
			os.Exit(1)
		}
		info := &types.PluginInfo{
			ID:         uuid.New().String(),
			Name:       p.Name(),
			Kind:       p.Kind(),
			Entrypoint: "builtin:" + p.Name(),
			Active:     true,
		}
		regCtx, regCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := db.RegisterPlugin(regCtx, info)
		regCancel()
		if err != nil {
			logger.Error("plugin catalog sync failed", "plugin", p.Name(), "error", err)
			os.Exit(1)
		}
	}
	logger.Info("registered plugins", "count", len(builtins))

	// Execution pipeline
	hub := broadcast.NewHub(logger, 0)
	defer hub.Close()

	notifier := notify.NewWebhook(httpClient, notify.Config{
		SendTimeout:   cfg.Notify.SendTimeout,
		RatePerSecond: cfg.Notify.RatePerSecond,
		Burst:         cfg.Notify.Burst,
	})
	dispatcher := dispatch.NewDispatcher(db, notifier, logger)
	engine := reconcile.NewEngine(db, logger)

	var creds harness.Credentials
	if credStore != nil {
		creds = credStore
	}
	runner := harness.NewHarness(db, registry, engine, dispatcher, creds, hub, harness.Config{
		RunTimeout:    cfg.Harness.RunTimeout,
		CancelGrace:   cfg.Harness.CancelGrace,
		FailOnPartial: cfg.Harness.FailOnPartial,
	}, logger)

	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sched := scheduler.NewScheduler(db, runner, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		Workers:      cfg.Scheduler.Workers,
		QueueSize:    cfg.Scheduler.QueueSize,
	}, logger)
	sched.Start(runCtx)

	sweeper := worker.NewSweepWorker(db, hub, worker.SweepConfig{
		Interval:   cfg.Sweep.Interval,
		StaleAfter: cfg.Sweep.StaleAfter,
	}, logger)
	sweeper.Start(runCtx)

	// HTTP surface
	apiServer := api.NewServer(db, responseCache, sched, registry, hub, credStore, logger)
	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	sweeper.Stop()
	sched.Stop()
	stopWorkers()

	logger.Info("shutdown complete")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
