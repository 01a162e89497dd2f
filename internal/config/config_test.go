package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "vigil.yaml", `
server:
  http_addr: ":9090"
storage:
  backend: sqlite
  dsn: "file:vigil.db"
escalation:
  sweep_interval: 10s
notify:
  channels:
    - name: ops
      type: webhook
      url: https://hooks.example.com/ops
      headers:
        Authorization: Bearer abc
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.HTTPAddr)
	assert.Equal(t, config.BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, 10*time.Second, cfg.Escalation.SweepInterval)
	require.Len(t, cfg.Notify.Channels, 1)
	assert.Equal(t, "Bearer abc", cfg.Notify.Channels[0].Headers["Authorization"])

	// untouched sections keep their defaults
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.Equal(t, 3, cfg.Storage.Retry.Attempts)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "vigil.toml", `
[log]
level = "debug"
format = "console"

[ingest]
workers = 8
lookback = "30m"

[[notify.channels]]
name = "audit-log"
type = "log"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Ingest.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Ingest.Lookback)
	require.Len(t, cfg.Notify.Channels, 1)
	assert.Equal(t, config.ChannelLog, cfg.Notify.Channels[0].Type)
}

func TestLoadRejectsUnknownTOMLKeys(t *testing.T) {
	path := writeFile(t, "vigil.toml", "[server]\nhttp_port = 80\n")
	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.http_port")
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := writeFile(t, "vigil.ini", "x=1")
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VIGIL_HTTP_ADDR", ":7070")
	t.Setenv("VIGIL_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("VIGIL_REDIS_ADDR", "redis:6379")
	t.Setenv("VIGIL_JWT_SECRET", "s3cret")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.HTTPAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestEnvOverrideBadNumber(t *testing.T) {
	t.Setenv("VIGIL_INGEST_WORKERS", "many")
	_, err := config.Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"sql backend without dsn", func(c *config.Config) { c.Storage.Backend = config.BackendPostgres }, "storage.dsn"},
		{"unknown backend", func(c *config.Config) { c.Storage.Backend = "clickhouse" }, "storage.backend"},
		{"no workers", func(c *config.Config) { c.Ingest.Workers = 0 }, "ingest.workers"},
		{"zero sweep", func(c *config.Config) { c.Escalation.SweepInterval = 0 }, "escalation.sweep_interval"},
		{"webhook without url", func(c *config.Config) {
			c.Notify.Channels = []config.ChannelConfig{{Name: "hook", Type: config.ChannelWebhook}}
		}, "url is required"},
		{"kafka channel without kafka", func(c *config.Config) {
			c.Notify.Channels = []config.ChannelConfig{{Name: "bus", Type: config.ChannelKafka}}
		}, "kafka.enabled"},
		{"shadowing in-app", func(c *config.Config) {
			c.Notify.Channels = []config.ChannelConfig{{Name: "in-app", Type: config.ChannelLog}}
		}, "duplicate channel"},
		{"bad log format", func(c *config.Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
