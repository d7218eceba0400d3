package main

import (
	"hash/fnv"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/version"
)

var (
	flagConfig string
	flagDebug  bool
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "noetl",
		Short:         "NoETL workflow runtime",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(); err == nil {
				slog.Info("Loaded environment from .env")
			}
			level := slog.LevelInfo
			if flagDebug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to noetl.yaml")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	cmd.AddCommand(serverCmd())
	cmd.AddCommand(workerCmd())
	cmd.AddCommand(registerCmd())
	cmd.AddCommand(runCmd())
	cmd.AddCommand(executeCmd())
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, systemErr(err)
	}
	return cfg, nil
}

// instanceID resolves this process's identity for execution ownership and
// worker id prefixes. Priority: configured id > HOSTNAME > "local".
func instanceID(cfg *config.Config) string {
	if cfg.Orchestrator.InstanceID != "" {
		return cfg.Orchestrator.InstanceID
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// newIDGen derives the snowflake node (0..1023) from the instance identity so
// replicas generate disjoint id streams.
func newIDGen(instance string) (*eventlog.IDGen, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instance))
	return eventlog.NewIDGen(int64(h.Sum32() % 1024))
}
