package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/masking"
	"github.com/noetl/noetl/pkg/tool"
	"github.com/noetl/noetl/pkg/worker"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker fleet commands",
	}
	pidFile := defaultPIDFile("noetl-worker.pid")

	start := &cobra.Command{
		Use:   "start",
		Short: "Start a worker pool against a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := writePIDFile(pidFile); err != nil {
				return systemErr(err)
			}
			defer removePIDFile(pidFile)
			return runWorker(cfg)
		},
	}
	start.Flags().StringVar(&pidFile, "pid-file", pidFile, "file recording the worker process id")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running worker by signalling its pid file",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := stopProcess(pidFile)
			if err != nil {
				return systemErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent stop signal to worker (pid %d)\n", pid)
			return nil
		},
	}
	stop.Flags().StringVar(&pidFile, "pid-file", pidFile, "file recording the worker process id")

	cmd.AddCommand(start, stop)
	return cmd
}

func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instance := instanceID(cfg)
	logger := slog.Default()
	logger.Info("Starting NoETL worker",
		"server_url", cfg.Worker.ServerURL,
		"pool", cfg.Worker.Pool,
		"runtime", cfg.Worker.Runtime,
		"capacity", cfg.Worker.Capacity)

	ids, err := newIDGen(instance + "-worker")
	if err != nil {
		return systemErr(fmt.Errorf("id generator: %w", err))
	}

	client := worker.NewClient(cfg.Worker.ServerURL, 30*time.Second)

	// Tool plugins. External tools register here too; the built-ins cover the
	// core step vocabulary.
	tools := tool.NewRegistry()
	for _, t := range []tool.Tool{
		tool.NewHTTPTool(nil),
		tool.NewPostgresTool(),
		tool.NewShellTool(),
		tool.NewPythonTool(),
		tool.NewPlaybookTool(client, 2*time.Second),
	} {
		if err := tools.Register(t); err != nil {
			return systemErr(fmt.Errorf("register tool: %w", err))
		}
	}

	masker := masking.NewService(logger)
	runner := worker.NewRunner(client, tools, masker, ids, worker.RunnerConfig{
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		LeaseExtend:       cfg.Worker.Lease,
	}, logger)

	pool := worker.NewPool(client, runner, worker.PoolConfig{
		WorkerIDPrefix: instance,
		Capabilities: worker.Capabilities{
			Pool:     cfg.Worker.Pool,
			Runtime:  cfg.Worker.Runtime,
			Capacity: cfg.Worker.Capacity,
		},
		PollInterval: cfg.Worker.PollInterval,
		PollJitter:   cfg.Worker.PollJitter,
		Lease:        cfg.Worker.Lease,
	}, logger)

	if err := pool.Start(ctx); err != nil {
		return systemErr(fmt.Errorf("start worker pool: %w", err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("Shutdown signal received", "signal", sig.String())

	// Workers finish their in-flight command before exiting.
	cancel()
	pool.Wait()
	logger.Info("Shutdown complete")
	return nil
}
