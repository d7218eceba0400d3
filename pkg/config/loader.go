package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration: built-in defaults, overlaid by noetl.yaml
// when path names one, overlaid by environment variables. A missing file at
// the default path is fine; an explicitly named file must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = "noetl.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fileCfg Config
		if err := yaml.Unmarshal(ExpandEnv(data), &fileCfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge %s: %w", path, err)
		}
		slog.Info("Loaded configuration file", "path", path)
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// Defaults plus environment only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values with environment variables. Only the
// settings that differ per deployment get env names.
func applyEnv(cfg *Config) {
	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.Database, "DB_NAME")
	setString(&cfg.Database.SSLMode, "DB_SSLMODE")

	setInt(&cfg.Server.Port, "HTTP_PORT")
	setString(&cfg.Server.Host, "HTTP_HOST")

	setString(&cfg.Cache.RedisURL, "REDIS_URL")

	setString(&cfg.Orchestrator.InstanceID, "NOETL_INSTANCE_ID")

	setString(&cfg.Worker.ServerURL, "NOETL_SERVER_URL")
	setString(&cfg.Worker.Pool, "NOETL_WORKER_POOL")
	setString(&cfg.Worker.Runtime, "NOETL_WORKER_RUNTIME")
	setInt(&cfg.Worker.Capacity, "NOETL_WORKER_CAPACITY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
