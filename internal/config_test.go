package internal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-room-state-sync/internal"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestLoadConfig 配置檔案載入與預設值
func TestLoadConfig(t *testing.T) {
	t.Run("full config", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  port: 9090
  read_timeout: 5s
  write_timeout: 10s

redis:
  addr: "localhost:6379"
  db: 1
  pool_size: 20
  max_retries: 5
  read_timeout: 2s
  write_timeout: 2s

state:
  history_limit: 100
  op_timeout: 1s
  cas_retries: 5

log:
  level: "debug"
  format: "text"
`)

		cfg, err := internal.LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
		assert.Equal(t, 1, cfg.Redis.DB)
		assert.Equal(t, 20, cfg.Redis.PoolSize)
		assert.Equal(t, 100, cfg.State.HistoryLimit)
		assert.Equal(t, time.Second, cfg.State.OpTimeout)
		assert.Equal(t, 5, cfg.State.CASRetries)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("defaults applied for missing fields", func(t *testing.T) {
		path := writeConfigFile(t, `
redis:
  addr: "localhost:6379"
`)

		cfg, err := internal.LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, internal.DefaultHistoryLimit, cfg.State.HistoryLimit)
		assert.Equal(t, internal.DefaultOpTimeout, cfg.State.OpTimeout)
		assert.Equal(t, internal.DefaultCASRetries, cfg.State.CASRetries)
	})

	t.Run("env override takes precedence", func(t *testing.T) {
		path := writeConfigFile(t, `
redis:
  addr: "localhost:6379"
`)

		t.Setenv("REDIS_ADDR", "redis.internal:6380")

		cfg, err := internal.LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := internal.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeConfigFile(t, "server: [not a map")
		_, err := internal.LoadConfig(path)
		assert.Error(t, err)
	})
}
