// Package config holds all configuration types and loading logic for svcbus.
// Fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/svcbus/internal/envelope"
)

// Config is the root configuration for a svcbus daemon.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Bus         BusConfig         `yaml:"bus"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Registry    RegistryConfig    `yaml:"registry"`
	Producers   ProducerConfig    `yaml:"producers"`
	Auth        AuthConfig        `yaml:"auth"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// NodeConfig holds identity and network settings for this process.
type NodeConfig struct {
	// Name is the source name used by the built-in services (registry,
	// operator API). Use "auto" to derive it from the persisted instance id.
	Name    string `yaml:"name"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig holds the per-tier retry constants. LOW never retries and has
// no section.
type RetryConfig struct {
	Normal   FixedRetry       `yaml:"normal"`
	High     ExponentialRetry `yaml:"high"`
	Critical ExponentialRetry `yaml:"critical"`
	// Jitter is the backoff randomization factor in [0, 1] applied to the
	// exponential tiers.
	Jitter float64 `yaml:"jitter"`
}

// FixedRetry retries a bounded number of times with a constant delay.
type FixedRetry struct {
	MaxRetries int `yaml:"max_retries"`
	DelayMs    int `yaml:"delay_ms"`
}

// ExponentialRetry retries with capped exponential backoff. MaxRetries is
// ignored for the critical tier, which never gives up.
type ExponentialRetry struct {
	MaxRetries int     `yaml:"max_retries"`
	InitialMs  int     `yaml:"initial_ms"`
	MaxMs      int     `yaml:"max_ms"`
	Multiplier float64 `yaml:"multiplier"`
}

// Backend names a persistence store implementation.
type Backend string

const (
	BackendBolt     Backend = "bolt"     // embedded file, default
	BackendRedis    Backend = "redis"    // shared, multi-process
	BackendPostgres Backend = "postgres" // shared, multi-process
	BackendMemory   Backend = "memory"   // tests and throwaway runs only
)

// PersistenceConfig selects where HIGH and CRITICAL envelopes are kept while
// they await delivery.
type PersistenceConfig struct {
	Backend Backend `yaml:"backend"`
	// Path is the bolt file. Empty means <data_dir>/pending.db.
	Path     string         `yaml:"path"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Key is the hash holding one field per pending envelope.
	Key string `yaml:"key"`
}

type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// RegistryConfig controls liveness tracking and address resolution.
type RegistryConfig struct {
	InactivityWindow   time.Duration  `yaml:"inactivity_window"`
	SweepInterval      time.Duration  `yaml:"sweep_interval"`
	HealthCheckTimeout time.Duration  `yaml:"health_check_timeout"`
	Fallback           FallbackConfig `yaml:"fallback"`
}

// FallbackConfig controls how unknown or inactive services resolve.
// With Enabled false, resolution fails instead of guessing.
type FallbackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	BasePort int    `yaml:"base_port"`
	// Defaults maps a service name to a static "host:port" address.
	Defaults map[string]string `yaml:"defaults"`
	// Order is the known service ordering used to synthesise a port as
	// BasePort + index.
	Order []string `yaml:"order"`
}

// ProducerConfig sets rate limiting applied per communicator.
type ProducerConfig struct {
	// MaxRate is envelopes per second per producer. Zero disables the limit.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// AuthConfig controls API key authentication on the operator HTTP surface.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig controls the daemon's slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name:    "svcbus",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Bus: BusConfig{
			Retry: RetryConfig{
				Normal: FixedRetry{MaxRetries: 3, DelayMs: 500},
				High: ExponentialRetry{
					MaxRetries: 5,
					InitialMs:  200,
					MaxMs:      30_000,
					Multiplier: 2,
				},
				Critical: ExponentialRetry{
					InitialMs:  500,
					MaxMs:      60_000,
					Multiplier: 2,
				},
			},
		},
		Persistence: PersistenceConfig{
			Backend: BackendBolt,
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  "svcbus:pending",
			},
			Postgres: PostgresConfig{
				Table: "svcbus_pending",
			},
		},
		Registry: RegistryConfig{
			InactivityWindow:   5 * time.Minute,
			SweepInterval:      30 * time.Second,
			HealthCheckTimeout: 2 * time.Second,
			Fallback: FallbackConfig{
				Enabled:  true,
				Host:     "localhost",
				BasePort: 5000,
				Defaults: map[string]string{},
				Order:    []string{},
			},
		},
		Producers: ProducerConfig{
			MaxRate: 0,
			Burst:   0,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	SVCBUS_DATA_DIR             sets node.data_dir
//	SVCBUS_PORT                 sets node.port
//	SVCBUS_PERSISTENCE_BACKEND  sets persistence.backend
//	SVCBUS_REDIS_ADDR           sets persistence.redis.addr
//	SVCBUS_POSTGRES_DSN         sets persistence.postgres.dsn
//	SVCBUS_LOG_LEVEL            sets log.level
//	SVCBUS_AUTH_API_KEY         sets auth.api_key and enables auth
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SVCBUS_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("SVCBUS_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("SVCBUS_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("SVCBUS_PERSISTENCE_BACKEND"); v != "" {
		cfg.Persistence.Backend = Backend(strings.ToLower(v))
	}
	if v := os.Getenv("SVCBUS_REDIS_ADDR"); v != "" {
		cfg.Persistence.Redis.Addr = v
	}
	if v := os.Getenv("SVCBUS_POSTGRES_DSN"); v != "" {
		cfg.Persistence.Postgres.DSN = v
	}
	if v := os.Getenv("SVCBUS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Node.Name == "" {
		return errors.New("node.name must not be empty")
	}

	r := c.Bus.Retry
	if r.Normal.MaxRetries < 0 {
		return errors.New("bus.retry.normal.max_retries must be >= 0")
	}
	if r.Normal.MaxRetries > 0 && r.Normal.DelayMs < 1 {
		return errors.New("bus.retry.normal.delay_ms must be at least 1")
	}
	if r.High.MaxRetries < 0 {
		return errors.New("bus.retry.high.max_retries must be >= 0")
	}
	for name, e := range map[string]ExponentialRetry{"high": r.High, "critical": r.Critical} {
		if e.InitialMs < 1 {
			return fmt.Errorf("bus.retry.%s.initial_ms must be at least 1", name)
		}
		if e.MaxMs < e.InitialMs {
			return fmt.Errorf("bus.retry.%s.max_ms must not be below initial_ms", name)
		}
		if e.Multiplier < 1 {
			return fmt.Errorf("bus.retry.%s.multiplier must be at least 1", name)
		}
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return errors.New("bus.retry.jitter must be between 0 and 1")
	}

	switch c.Persistence.Backend {
	case BackendBolt, BackendMemory:
	case BackendRedis:
		if c.Persistence.Redis.Addr == "" {
			return errors.New("persistence.redis.addr must not be empty")
		}
		if c.Persistence.Redis.Key == "" {
			return errors.New("persistence.redis.key must not be empty")
		}
	case BackendPostgres:
		if c.Persistence.Postgres.DSN == "" {
			return errors.New("persistence.postgres.dsn must not be empty")
		}
		if !validIdent(c.Persistence.Postgres.Table) {
			return errors.New("persistence.postgres.table must be a plain SQL identifier")
		}
	default:
		return errors.New(`persistence.backend must be one of "bolt", "redis", "postgres", "memory"`)
	}

	if c.Registry.InactivityWindow <= 0 {
		return errors.New("registry.inactivity_window must be positive")
	}
	if c.Registry.SweepInterval <= 0 {
		return errors.New("registry.sweep_interval must be positive")
	}
	if c.Registry.HealthCheckTimeout <= 0 {
		return errors.New("registry.health_check_timeout must be positive")
	}
	if c.Registry.Fallback.Enabled && (c.Registry.Fallback.BasePort < 1 || c.Registry.Fallback.BasePort > 65535) {
		return errors.New("registry.fallback.base_port must be between 1 and 65535")
	}

	if c.Producers.MaxRate < 0 || c.Producers.Burst < 0 {
		return errors.New("producers.max_rate and producers.burst must be >= 0")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.New(`log.format must be "json" or "text"`)
	}
	return nil
}

// Policies builds the bus retry table from the bus.retry section.
func (c *Config) Policies() envelope.Policies {
	r := c.Bus.Retry
	ps := envelope.DefaultPolicies()
	ps[envelope.Normal] = envelope.Policy{
		MaxRetries: r.Normal.MaxRetries,
		Delay:      ms(r.Normal.DelayMs),
	}
	ps[envelope.High] = envelope.Policy{
		MaxRetries:      r.High.MaxRetries,
		Persist:         true,
		InitialInterval: ms(r.High.InitialMs),
		MaxInterval:     ms(r.High.MaxMs),
		Multiplier:      r.High.Multiplier,
		Jitter:          r.Jitter,
	}
	ps[envelope.Critical] = envelope.Policy{
		MaxRetries:      envelope.Unbounded,
		Persist:         true,
		InitialInterval: ms(r.Critical.InitialMs),
		MaxInterval:     ms(r.Critical.MaxMs),
		Multiplier:      r.Critical.Multiplier,
		Jitter:          r.Jitter,
	}
	return ps
}

// BoltPath returns the bolt file location.
func (c *Config) BoltPath() string {
	if c.Persistence.Path != "" {
		return c.Persistence.Path
	}
	return filepath.Join(c.Node.DataDir, "pending.db")
}

// ParseLevel maps a log.level string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
