// Package config provides configuration for the server, orchestrator, and
// worker processes: defaults, optional noetl.yaml overlay, and environment
// variable overrides.
package config

import (
	"time"

	"github.com/noetl/noetl/pkg/database"
)

// Config is the complete process configuration.
type Config struct {
	Server       *ServerConfig       `yaml:"server"`
	Database     *DatabaseConfig     `yaml:"database"`
	Cache        *CacheConfig        `yaml:"cache"`
	Queue        *QueueConfig        `yaml:"queue"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator"`
	Worker       *WorkerConfig       `yaml:"worker"`
	Retention    *RetentionConfig    `yaml:"retention"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// Host is the bind address; empty binds all interfaces.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// GracefulShutdownTimeout is the max drain time on shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:                    8082,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// DatabaseConfig holds PostgreSQL connection settings. Empty Host selects the
// in-memory backend, for development and tests.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`

	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DefaultDatabaseConfig returns the built-in database defaults.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Port:            5432,
		User:            "noetl",
		Database:        "noetl",
		SSLMode:         "disable",
		MaxConns:        20,
		MinConns:        2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

// Enabled reports whether a PostgreSQL backend is configured.
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// ToClientConfig converts to the database package's config.
func (c *DatabaseConfig) ToClientConfig() database.Config {
	return database.Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Database:        c.Database,
		SSLMode:         c.SSLMode,
		MaxConns:        c.MaxConns,
		MinConns:        c.MinConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
	}
}

// CacheConfig holds the optional Redis credential cache settings.
type CacheConfig struct {
	// RedisURL enables the cache when non-empty, e.g. redis://localhost:6379/0.
	RedisURL string `yaml:"redis_url"`
	// CredentialTTL bounds staleness after a credential update.
	CredentialTTL time.Duration `yaml:"credential_ttl"`
}

// DefaultCacheConfig returns the built-in cache defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		CredentialTTL: 5 * time.Minute,
	}
}

// QueueConfig contains command queue tuning.
type QueueConfig struct {
	// DefaultLease is the ownership window granted per claim.
	DefaultLease time.Duration `yaml:"default_lease"`
	// ReapInterval is how often expired leases are swept back to claimable.
	ReapInterval time.Duration `yaml:"reap_interval"`
	// MaxDepth is the per-pool backpressure threshold; 0 disables it.
	MaxDepth int `yaml:"max_depth"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		DefaultLease: 60 * time.Second,
		ReapInterval: 15 * time.Second,
		MaxDepth:     0,
	}
}

// OrchestratorConfig contains scheduler loop tuning.
type OrchestratorConfig struct {
	// InstanceID identifies this orchestrator for execution ownership.
	// Defaults to the hostname.
	InstanceID string `yaml:"instance_id"`
	// PollInterval is the fallback advance cadence when notifications are
	// missed.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollJitter spreads concurrent instances: interval ± jitter.
	PollJitter time.Duration `yaml:"poll_jitter"`
	// DefaultPool routes commands whose step declares none.
	DefaultPool string `yaml:"default_pool"`
	// DefaultMaxAttempts applies to steps without a retry block.
	DefaultMaxAttempts int `yaml:"default_max_attempts"`
}

// DefaultOrchestratorConfig returns the built-in orchestrator defaults.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		PollInterval:       2 * time.Second,
		PollJitter:         500 * time.Millisecond,
		DefaultPool:        "default",
		DefaultMaxAttempts: 1,
	}
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	// ServerURL is the control-plane base URL.
	ServerURL string `yaml:"server_url"`
	// Pool is the routing pool this fleet serves.
	Pool string `yaml:"pool"`
	// Runtime is an optional capability label (e.g. "python").
	Runtime string `yaml:"runtime"`
	// Capacity is the number of concurrent worker goroutines.
	Capacity int `yaml:"capacity"`
	// PollInterval is the claim cadence on an empty queue.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollJitter spreads a fleet's polling: interval ± jitter.
	PollJitter time.Duration `yaml:"poll_jitter"`
	// Lease requested per claim.
	Lease time.Duration `yaml:"lease"`
	// HeartbeatInterval extends leases on long-running commands.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// MaxItems caps commands taken per claim call.
	MaxItems int `yaml:"max_items"`
}

// DefaultWorkerConfig returns the built-in worker defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		ServerURL:         "http://localhost:8082",
		Pool:              "default",
		Capacity:          4,
		PollInterval:      1 * time.Second,
		PollJitter:        500 * time.Millisecond,
		Lease:             60 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		MaxItems:          1,
	}
}

// RetentionConfig controls event log cleanup behavior.
type RetentionConfig struct {
	// ExecutionRetention is how long terminal executions keep their events.
	ExecutionRetention time.Duration `yaml:"execution_retention"`
	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		ExecutionRetention: 30 * 24 * time.Hour,
		CleanupInterval:    12 * time.Hour,
	}
}

// Default returns the complete built-in configuration.
func Default() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Database:     DefaultDatabaseConfig(),
		Cache:        DefaultCacheConfig(),
		Queue:        DefaultQueueConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Worker:       DefaultWorkerConfig(),
		Retention:    DefaultRetentionConfig(),
	}
}
