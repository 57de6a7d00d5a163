package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Reconciliation.PendingTTL)
	assert.Equal(t, "memory", cfg.Lock.Backend)
	assert.Equal(t, "log", cfg.Notify.Backend)
	assert.Empty(t, cfg.Gateways.Enabled())
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	// GIVEN: a YAML file enabling paystack with a short TTL
	path := filepath.Join(t.TempDir(), "reconciler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
server:
  port: 9090
database:
  path: /var/lib/reconciler/data.db
gateways:
  paystack:
    enabled: true
    timeout: 5s
reconciliation:
  pending_ttl: 10m
  poll_concurrency: 2
`), 0o600))

	// AND: the secret arrives through the environment
	t.Setenv("RECONCILER_GATEWAYS_PAYSTACK_SECRET_KEY", "sk_test_123")
	t.Setenv("RECONCILER_SERVER_PORT", "9191")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9191, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, "/var/lib/reconciler/data.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Minute, cfg.Reconciliation.PendingTTL)
	assert.Equal(t, 2, cfg.Reconciliation.PollConcurrency)
	assert.Equal(t, 2*time.Minute, cfg.Reconciliation.MinPollAge, "untouched keys keep defaults")

	enabled := cfg.Gateways.Enabled()
	require.Contains(t, enabled, "paystack")
	assert.Equal(t, "sk_test_123", enabled["paystack"].SecretKey)
	assert.Equal(t, 5*time.Second, enabled["paystack"].Timeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown lock backend", func(c *Config) { c.Lock.Backend = "etcd" }, "lock.backend"},
		{"redis without addr", func(c *Config) { c.Lock.Backend = "redis"; c.Lock.RedisAddr = "" }, "lock.redis_addr"},
		{"sqs without queue", func(c *Config) { c.Notify.Backend = "sqs" }, "notify.queue_url"},
		{"gateway without credentials", func(c *Config) { c.Gateways.Monnify.Enabled = true }, "gateways.monnify"},
		{"zero ttl", func(c *Config) { c.Reconciliation.PendingTTL = 0 }, "pending_ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
