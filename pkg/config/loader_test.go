package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "noetl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8082, cfg.Server.Port)
	assert.Equal(t, "default", cfg.Worker.Pool)
	assert.Equal(t, 4, cfg.Worker.Capacity)
	assert.Equal(t, 60*time.Second, cfg.Queue.DefaultLease)
	assert.Equal(t, "default", cfg.Orchestrator.DefaultPool)
	assert.Equal(t, 1, cfg.Orchestrator.DefaultMaxAttempts)
	assert.False(t, cfg.Database.Enabled())
	assert.Empty(t, cfg.Cache.RedisURL)
}

func TestLoad_MissingDefaultFileIsFine(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8082, cfg.Server.Port)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  host: db.internal
worker:
  pool: gpu
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.True(t, cfg.Database.Enabled())
	assert.Equal(t, "gpu", cfg.Worker.Pool)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 60*time.Second, cfg.Queue.DefaultLease)
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	path := writeConfig(t, "server: [")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
`)
	t.Setenv("HTTP_PORT", "7070")
	t.Setenv("DB_HOST", "env-db")
	t.Setenv("NOETL_WORKER_POOL", "batch")
	t.Setenv("NOETL_WORKER_CAPACITY", "16")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "env-db", cfg.Database.Host)
	assert.Equal(t, "batch", cfg.Worker.Pool)
	assert.Equal(t, 16, cfg.Worker.Capacity)
}

func TestLoad_IgnoresUnparsableEnvInt(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-port")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8082, cfg.Server.Port)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("NOETL_TEST_HOST", "expanded-host")

	out := ExpandEnv([]byte("host: {{.NOETL_TEST_HOST}}\npass: $literal\n"))
	assert.Equal(t, "host: expanded-host\npass: $literal\n", string(out))

	// Missing variables expand to empty.
	out = ExpandEnv([]byte("host: {{.NOETL_TEST_ABSENT}}"))
	assert.Equal(t, "host: ", string(out))

	// Content without template syntax passes through.
	raw := []byte("plain: value")
	assert.Equal(t, raw, ExpandEnv(raw))
}

func TestLoad_FileWithEnvExpansion(t *testing.T) {
	t.Setenv("NOETL_TEST_DB", "templated-db")
	path := writeConfig(t, "database:\n  host: \"{{.NOETL_TEST_DB}}\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "templated-db", cfg.Database.Host)
}
