package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/noetl/noetl/pkg/api"
	"github.com/noetl/noetl/pkg/cache"
	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/cleanup"
	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/database"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/queue"
	"github.com/noetl/noetl/pkg/scheduler"
	"github.com/noetl/noetl/pkg/service"
	"github.com/noetl/noetl/pkg/stream"
)

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Control plane commands",
	}
	pidFile := defaultPIDFile("noetl-server.pid")

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the API server and orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := writePIDFile(pidFile); err != nil {
				return systemErr(err)
			}
			defer removePIDFile(pidFile)
			return runServer(cfg)
		},
	}
	start.Flags().StringVar(&pidFile, "pid-file", pidFile, "file recording the server process id")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running server by signalling its pid file",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := stopProcess(pidFile)
			if err != nil {
				return systemErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent stop signal to server (pid %d)\n", pid)
			return nil
		},
	}
	stop.Flags().StringVar(&pidFile, "pid-file", pidFile, "file recording the server process id")

	cmd.AddCommand(start, stop)
	return cmd
}

func runServer(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instance := instanceID(cfg)
	logger := slog.Default()
	logger.Info("Starting NoETL server",
		"instance_id", instance,
		"http_port", cfg.Server.Port)

	ids, err := newIDGen(instance)
	if err != nil {
		return systemErr(fmt.Errorf("id generator: %w", err))
	}

	// 1. Backend: PostgreSQL when configured, in-memory otherwise.
	var (
		store    eventlog.Store
		q        queue.Queue
		cat      catalog.Catalog
		db       *database.Client
		listener *stream.Listener
		sse      *stream.SSEHub
	)
	if cfg.Database.Enabled() {
		db, err = database.NewClient(ctx, cfg.Database.ToClientConfig())
		if err != nil {
			return systemErr(fmt.Errorf("connect database: %w", err))
		}
		defer db.Close()
		store = eventlog.NewPGStore(db.Pool())
		q = queue.NewPGQueue(db.Pool())
		cat = catalog.NewPGCatalog(db.Pool())
		logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)

		listener = stream.NewListener(db.DSN(), logger)
		go func() {
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Listener exited", "error", err)
			}
		}()
		sse = stream.NewSSEHub(store, listener, logger)
	} else {
		store = eventlog.NewMemoryStore()
		q = queue.NewMemoryQueue()
		cat = catalog.NewMemoryCatalog()
		logger.Warn("No database configured, using in-memory backend")
	}

	// 2. Optional Redis credential cache.
	var creds *cache.CredentialCache
	if cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return systemErr(fmt.Errorf("parse redis url: %w", err))
		}
		creds = cache.NewCredentialCache(cat, redis.NewClient(opts), cfg.Cache.CredentialTTL, logger)
		logger.Info("Credential cache enabled", "ttl", cfg.Cache.CredentialTTL)
	}

	// 3. Orchestrator drive loop.
	orch := scheduler.NewOrchestrator(store, q, cat, ids, scheduler.OrchestratorConfig{
		InstanceID:    instance,
		PollInterval:  cfg.Orchestrator.PollInterval,
		PollJitter:    cfg.Orchestrator.PollJitter,
		ReapInterval:  cfg.Queue.ReapInterval,
		MaxQueueDepth: cfg.Queue.MaxDepth,
		Engine: scheduler.Config{
			DefaultPool:        cfg.Orchestrator.DefaultPool,
			DefaultMaxAttempts: cfg.Orchestrator.DefaultMaxAttempts,
		},
	}, logger)
	go func() {
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Orchestrator exited", "error", err)
		}
	}()

	// Wake the orchestrator on every event notification instead of waiting
	// for the poll tick.
	if listener != nil {
		notifications, cancelSub := listener.Subscribe(eventlog.GlobalChannel)
		defer cancelSub()
		go func() {
			for range notifications {
				orch.Notify()
			}
		}()
	}

	// 4. Services and HTTP surface.
	catalogSvc := service.NewCatalogService(cat, creds)
	runSvc := service.NewRunService(cat, store, ids, instance, orch)
	execSvc := service.NewExecutionService(store, ids)

	srv := api.NewServer(catalogSvc, runSvc, execSvc, q, ids, sse, db, logger)

	// 5. Retention cleanup (durable backend only).
	if db != nil {
		cleaner := cleanup.NewService(cfg.Retention, db.Pool())
		cleaner.Start(ctx)
		defer cleaner.Stop()
	}

	// 6. Serve until a shutdown signal arrives.
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := srv.Start(addr); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		cancel()
		return systemErr(fmt.Errorf("http server: %w", err))
	}

	// 7. Graceful shutdown: drain HTTP first so no new work arrives, then
	// stop the background loops via ctx.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	cancel()

	// Give the orchestrator a beat to finish its current cycle.
	time.Sleep(100 * time.Millisecond)
	logger.Info("Shutdown complete")
	return nil
}
