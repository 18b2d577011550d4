// Package config loads service configuration from an optional YAML file
// overlaid with FORGELINE_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "FORGELINE_"

// Config is the full service configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	KV           KVConfig           `koanf:"kv"`
	Schema       SchemaConfig       `koanf:"schema"`
	Sequence     SequenceConfig     `koanf:"sequence"`
	RateLimit    RateLimitConfig    `koanf:"ratelimit"`
	Dispatcher   DispatcherConfig   `koanf:"dispatcher"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Log          LogConfig          `koanf:"log"`
}

// ServerConfig tunes the HTTP ingress.
type ServerConfig struct {
	Host          string        `koanf:"host"`
	Port          int           `koanf:"port"`
	ReadTimeout   time.Duration `koanf:"read_timeout"`
	WriteTimeout  time.Duration `koanf:"write_timeout"`
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`
	MaxBodyBytes  int64         `koanf:"max_body_bytes"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KVConfig selects and configures the shared key-value store.
type KVConfig struct {
	// Backend is "redis" or "memory". Memory is single-process only and
	// meant for local development.
	Backend  string `koanf:"backend"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// SchemaConfig locates the on-disk schema definitions.
type SchemaConfig struct {
	Dir string `koanf:"dir"`
}

// SequenceConfig tunes the sequence and idempotency guard.
type SequenceConfig struct {
	IdempotencyTTL time.Duration `koanf:"idempotency_ttl"`
	StreamTTL      time.Duration `koanf:"stream_ttl"`
	Strict         bool          `koanf:"strict"`
	FailOpen       bool          `koanf:"fail_open"`
}

// BucketConfig is one token bucket: sustained events/sec and burst size.
type BucketConfig struct {
	Rate  float64 `koanf:"rate"`
	Burst int     `koanf:"burst"`
}

// RateLimitConfig holds the three admission scopes.
type RateLimitConfig struct {
	Global BucketConfig `koanf:"global"`
	Route  BucketConfig `koanf:"route"`
	Tenant BucketConfig `koanf:"tenant"`
}

// DispatcherConfig sizes the async worker pool.
type DispatcherConfig struct {
	Workers         int           `koanf:"workers"`
	QueueSize       int           `koanf:"queue_size"`
	QueueRetryAfter time.Duration `koanf:"queue_retry_after"`
	ShutdownGrace   time.Duration `koanf:"shutdown_grace"`
}

// OrchestratorConfig tunes job lifecycle policy.
type OrchestratorConfig struct {
	MaxConcurrent    int           `koanf:"max_concurrent"`
	BackoffWindow    time.Duration `koanf:"backoff_window"`
	SuccessRetention time.Duration `koanf:"success_retention"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
	SyncInterval     time.Duration `koanf:"sync_interval"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			ShutdownGrace: 30 * time.Second,
			MaxBodyBytes:  1 << 20,
		},
		KV: KVConfig{
			Backend: "memory",
			Addr:    "localhost:6379",
		},
		Schema: SchemaConfig{
			Dir: "schemas",
		},
		Sequence: SequenceConfig{
			IdempotencyTTL: 24 * time.Hour,
			StreamTTL:      24 * time.Hour,
			Strict:         false,
			FailOpen:       true,
		},
		RateLimit: RateLimitConfig{
			Global: BucketConfig{Rate: 100, Burst: 200},
			Route:  BucketConfig{Rate: 50, Burst: 100},
			Tenant: BucketConfig{Rate: 10, Burst: 20},
		},
		Dispatcher: DispatcherConfig{
			Workers:         4,
			QueueSize:       100,
			QueueRetryAfter: 5 * time.Second,
			ShutdownGrace:   30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:    20,
			BackoffWindow:    5 * time.Minute,
			SuccessRetention: time.Hour,
			SweepInterval:    time.Minute,
			SyncInterval:     30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from path (optional; missing file is fine when
// path is empty) and overlays FORGELINE_ environment variables. Nested keys
// use underscores doubled in the environment: FORGELINE_SERVER__PORT=9090.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("failed to load config file %q: %w", path, err)
			}
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load environment config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.KV.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("kv.backend must be \"memory\" or \"redis\", got %q", c.KV.Backend)
	}
	if c.KV.Backend == "redis" && c.KV.Addr == "" {
		return fmt.Errorf("kv.addr is required for the redis backend")
	}
	if c.RateLimit.Global.Rate <= 0 || c.RateLimit.Route.Rate <= 0 || c.RateLimit.Tenant.Rate <= 0 {
		return fmt.Errorf("ratelimit rates must be positive")
	}
	if c.RateLimit.Global.Burst <= 0 || c.RateLimit.Route.Burst <= 0 || c.RateLimit.Tenant.Burst <= 0 {
		return fmt.Errorf("ratelimit bursts must be positive")
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive, got %d", c.Dispatcher.Workers)
	}
	if c.Dispatcher.QueueSize <= 0 {
		return fmt.Errorf("dispatcher.queue_size must be positive, got %d", c.Dispatcher.QueueSize)
	}
	if c.Orchestrator.MaxConcurrent <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent must be positive, got %d", c.Orchestrator.MaxConcurrent)
	}
	// Both intervals feed tickers at startup; zero would panic there.
	if c.Orchestrator.SweepInterval <= 0 {
		return fmt.Errorf("orchestrator.sweep_interval must be positive, got %s", c.Orchestrator.SweepInterval)
	}
	if c.Orchestrator.SyncInterval <= 0 {
		return fmt.Errorf("orchestrator.sync_interval must be positive, got %s", c.Orchestrator.SyncInterval)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	return nil
}
