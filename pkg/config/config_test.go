package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convoy.yaml")
	body := `
node_id: depot-west-2
lease:
  backend: redis
  redis_addr: redis.internal:6379
  ttl: 20s
  renew_every: 6s
mesh:
  dispatch_every: 500ms
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "depot-west-2", cfg.NodeID)
	require.Equal(t, "redis", cfg.Lease.Backend)
	require.Equal(t, 20*time.Second, cfg.Lease.TTL)
	require.Equal(t, 500*time.Millisecond, cfg.Mesh.DispatchEvery)
	// Untouched fields keep their defaults.
	require.Equal(t, 3, cfg.Scheduler.MaxAttempts)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CONVOY_NODE_ID", "depot-env")
	t.Setenv("CONVOY_LEASE_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "depot-env", cfg.NodeID)
	require.Equal(t, "memory", cfg.Lease.Backend)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.NodeID = "" }},
		{"unknown lease backend", func(c *Config) { c.Lease.Backend = "zookeeper" }},
		{"redis without addr", func(c *Config) { c.Lease.Backend = "redis" }},
		{"postgres without url", func(c *Config) { c.Lease.Backend = "postgres" }},
		{"renew slower than ttl", func(c *Config) { c.Lease.RenewEvery = c.Lease.TTL }},
		{"s3 without bucket", func(c *Config) { c.Bridge.Store = "s3" }},
		{"stale threshold below heartbeat", func(c *Config) {
			c.Supervisor.StaleAfter = c.Supervisor.HeartbeatEvery
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
