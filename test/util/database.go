// Package util provides shared database fixtures for integration tests.
package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/noetl/noetl/pkg/database"
)

var (
	baseCfg  database.Config
	baseOnce sync.Once
	baseErr  error
)

// SetupDatabase provisions an isolated database on the shared postgres
// server and returns a migrated client. In CI the server comes from
// CI_DATABASE_URL; locally a testcontainer is started once per package.
func SetupDatabase(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()
	base := baseConfig(t)

	name := uniqueDatabaseName(t)
	admin, err := pgx.Connect(ctx, base.DSN())
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err)
	require.NoError(t, admin.Close(ctx))

	cfg := base
	cfg.Database = name
	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func baseConfig(t *testing.T) database.Config {
	t.Helper()
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		cc, err := pgx.ParseConfig(url)
		require.NoError(t, err)
		return database.Config{
			Host:     cc.Host,
			Port:     int(cc.Port),
			User:     cc.User,
			Password: cc.Password,
			Database: cc.Database,
		}
	}

	baseOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer")
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			baseErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		host, err := pgContainer.Host(ctx)
		if err != nil {
			baseErr = fmt.Errorf("container host: %w", err)
			return
		}
		port, err := pgContainer.MappedPort(ctx, "5432/tcp")
		if err != nil {
			baseErr = fmt.Errorf("container port: %w", err)
			return
		}
		baseCfg = database.Config{
			Host:     host,
			Port:     port.Int(),
			User:     "test",
			Password: "test",
			Database: "test",
		}
	})
	require.NoError(t, baseErr, "failed to set up shared test container")
	return baseCfg
}

// uniqueDatabaseName derives a postgres-safe database name from the test
// name plus a random suffix, within the 63 byte identifier limit.
func uniqueDatabaseName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		t.Fatalf("generate database name suffix: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}
