// Package config loads daemon configuration from a YAML file with
// environment variable overrides. Every interval, TTL, and backend
// choice the core consumes comes from here; nothing is hardcoded at the
// call sites.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	NodeID   string `yaml:"node_id"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Lease      LeaseConfig      `yaml:"lease"`
	Mesh       MeshConfig       `yaml:"mesh"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// LeaseConfig selects and tunes the leadership backend.
type LeaseConfig struct {
	// Backend is one of "file", "redis", "postgres", "memory".
	Backend     string        `yaml:"backend"`
	FilePath    string        `yaml:"file_path,omitempty"`
	RedisAddr   string        `yaml:"redis_addr,omitempty"`
	PostgresURL string        `yaml:"postgres_url,omitempty"`
	Key         string        `yaml:"key"`
	TTL         time.Duration `yaml:"ttl"`
	Grace       time.Duration `yaml:"grace"`
	PollEvery   time.Duration `yaml:"poll_every"`
	RenewEvery  time.Duration `yaml:"renew_every"`
}

// MeshConfig tunes local publish/dispatch.
type MeshConfig struct {
	DispatchEvery  time.Duration `yaml:"dispatch_every"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	BatchSize      int           `yaml:"batch_size"`
	// CyclesPerSecond caps dispatch cycle frequency; 0 disables the cap.
	CyclesPerSecond float64 `yaml:"cycles_per_second"`
	MaxSeenEvents   int     `yaml:"max_seen_events"`
}

// BridgeConfig selects and tunes the shared-storage event exchange.
type BridgeConfig struct {
	// Store is "dir" or "s3".
	Store       string        `yaml:"store"`
	Dir         string        `yaml:"dir,omitempty"`
	S3Bucket    string        `yaml:"s3_bucket,omitempty"`
	SyncEvery   time.Duration `yaml:"sync_every"`
	CoreVersion string        `yaml:"core_version"`
}

// SchedulerConfig tunes DAG retry and reclaim behavior.
type SchedulerConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	ReclaimGrace time.Duration `yaml:"reclaim_grace"`
}

// SupervisorConfig tunes the liveness watchdog.
type SupervisorConfig struct {
	HeartbeatEvery time.Duration `yaml:"heartbeat_every"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	PollEvery      time.Duration `yaml:"poll_every"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// TelemetryConfig tunes the OTLP exporters.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	Environment  string  `yaml:"environment"`
	InsecureGRPC bool    `yaml:"insecure_grpc"`
}

// Default returns a single-node development configuration.
func Default() *Config {
	return &Config{
		NodeID:   "node-1",
		DataDir:  "./data",
		LogLevel: "info",
		Lease: LeaseConfig{
			Backend:    "file",
			Key:        "convoy-leader",
			TTL:        15 * time.Second,
			Grace:      5 * time.Second,
			PollEvery:  2 * time.Second,
			RenewEvery: 5 * time.Second,
		},
		Mesh: MeshConfig{
			DispatchEvery:  time.Second,
			HandlerTimeout: 30 * time.Second,
			BatchSize:      256,
			MaxSeenEvents:  100_000,
		},
		Bridge: BridgeConfig{
			Store:       "dir",
			SyncEvery:   30 * time.Second,
			CoreVersion: "0.1.0",
		},
		Scheduler: SchedulerConfig{
			MaxAttempts:  3,
			ReclaimGrace: 30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			HeartbeatEvery: 5 * time.Second,
			StaleAfter:     30 * time.Second,
			PollEvery:      5 * time.Second,
			BackoffBase:    time.Second,
			BackoffMax:     60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			Environment: "development",
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv maps CONVOY_* environment variables onto the config. Only
// deployment-identity and backend-address fields are overridable; tuning
// stays in the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CONVOY_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("CONVOY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CONVOY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONVOY_LEASE_BACKEND"); v != "" {
		cfg.Lease.Backend = v
	}
	if v := os.Getenv("CONVOY_REDIS_ADDR"); v != "" {
		cfg.Lease.RedisAddr = v
	}
	if v := os.Getenv("CONVOY_POSTGRES_URL"); v != "" {
		cfg.Lease.PostgresURL = v
	}
	if v := os.Getenv("CONVOY_BRIDGE_DIR"); v != "" {
		cfg.Bridge.Dir = v
	}
	if v := os.Getenv("CONVOY_BRIDGE_S3_BUCKET"); v != "" {
		cfg.Bridge.S3Bucket = v
		cfg.Bridge.Store = "s3"
	}
	if v := os.Getenv("CONVOY_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := os.Getenv("CONVOY_TELEMETRY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Telemetry.Enabled = b
		}
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}

	switch c.Lease.Backend {
	case "file", "memory":
	case "redis":
		if c.Lease.RedisAddr == "" {
			return fmt.Errorf("config: lease.redis_addr is required for the redis backend")
		}
	case "postgres":
		if c.Lease.PostgresURL == "" {
			return fmt.Errorf("config: lease.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown lease backend %q", c.Lease.Backend)
	}
	if c.Lease.TTL <= 0 || c.Lease.Grace < 0 {
		return fmt.Errorf("config: lease ttl must be positive and grace non-negative")
	}
	if c.Lease.RenewEvery >= c.Lease.TTL {
		return fmt.Errorf("config: lease renew_every (%s) must be below ttl (%s)",
			c.Lease.RenewEvery, c.Lease.TTL)
	}

	switch c.Bridge.Store {
	case "dir", "":
	case "s3":
		if c.Bridge.S3Bucket == "" {
			return fmt.Errorf("config: bridge.s3_bucket is required for the s3 store")
		}
	default:
		return fmt.Errorf("config: unknown bridge store %q", c.Bridge.Store)
	}

	if c.Supervisor.StaleAfter <= c.Supervisor.HeartbeatEvery {
		return fmt.Errorf("config: supervisor stale_after (%s) must exceed heartbeat_every (%s)",
			c.Supervisor.StaleAfter, c.Supervisor.HeartbeatEvery)
	}
	return nil
}
