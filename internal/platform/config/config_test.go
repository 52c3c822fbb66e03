package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LIVEWIRE_URL", "ws://localhost:9000/socket")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:9000/socket", cfg.URL)
	assert.True(t, cfg.ReconnectEnabled)
	assert.Equal(t, time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatTimeout)
	assert.True(t, cfg.RejectPendingOnDisconnect)
	assert.Equal(t, 1000, cfg.QueueMaxSize)
	assert.Equal(t, 3, cfg.QueueConcurrency)
	assert.Equal(t, 3, cfg.DefaultMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.ProcessingTimeout)
	assert.Equal(t, 100, cfg.DiagnosticBufferSize)
	assert.Equal(t, BackendNone, cfg.PersistenceBackend)
	assert.Equal(t, "livewire:queue", cfg.PersistenceKey)
	assert.Equal(t, 1, cfg.BatchSize)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.InDelta(t, 20.0, cfg.APIRateLimit, 0.001)
	assert.Equal(t, 40, cfg.APIRateBurst)
	assert.Zero(t, cfg.RedisSnapshotTTL)
}

func TestLoad_Protocols(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LIVEWIRE_PROTOCOLS", "v2.json,v1.json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"v2.json", "v1.json"}, cfg.Protocols)
}

func TestLoad_MissingURL(t *testing.T) {
	t.Setenv("LIVEWIRE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, "LIVEWIRE_URL is required", err.Error())
}

func TestLoad_RejectsHTTPURL(t *testing.T) {
	t.Setenv("LIVEWIRE_URL", "http://localhost")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws://")
}

func TestLoad_BackendRequirements(t *testing.T) {
	tests := []struct {
		backend string
		wantErr string
	}{
		{BackendFile, "PERSISTENCE_DIR is required for the file backend"},
		{BackendRedis, "REDIS_URL is required for the redis backend"},
		{BackendPostgres, "DATABASE_URL is required for the postgres backend"},
		{"etcd", `unknown PERSISTENCE_BACKEND "etcd"`},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv("PERSISTENCE_BACKEND", tt.backend)

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestLoad_NonPositiveSizes(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("QUEUE_MAX_SIZE", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, "QUEUE_MAX_SIZE must be at least 1", err.Error())
}

func TestLoad_RetryDelayOrder(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RETRY_BASE_DELAY", "10s")
	t.Setenv("RETRY_MAX_DELAY", "5s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RETRY_MAX_DELAY")
}

func TestLoad_YAMLOverlay(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OVERLAY_REDIS", "redis://cache:6379/0")

	path := filepath.Join(t.TempDir(), "livewire.yaml")
	content := `
persistence_backend: redis
redis_url: ${OVERLAY_REDIS}
heartbeat_interval: 15s
queue_max_size: 50
protocols: [v3]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.PersistenceBackend)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 50, cfg.QueueMaxSize)
	assert.Equal(t, []string{"v3"}, cfg.Protocols)
	assert.Equal(t, "ws://localhost:9000/socket", cfg.URL)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
