package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CHAT_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("CHAT_STORE_DRIVER", "memory")
	t.Setenv("CHAT_WS_IDLE_TIMEOUT", "90s")
	t.Setenv("CHAT_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "chat-core", cfg.App.Name)
	assert.Equal(t, ":8083", cfg.App.HTTPAddr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 90*time.Second, cfg.WS.IdleTimeout)
	assert.Equal(t, 25*time.Second, cfg.WS.PingInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.NotEmpty(t, cfg.App.NodeID)
}

func TestLoadFileAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CHAT_AUTH_JWT_SECRET=from-dotenv\n"), 0o600))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  node_id: node-7
store:
  driver: postgres
  dsn: postgres://chat@db/chat?sslmode=disable
redis:
  addr: redis:6379
`), 0o600))
	t.Cleanup(func() { os.Unsetenv("CHAT_AUTH_JWT_SECRET") })

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.App.NodeID)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://chat@db/chat?sslmode=disable", cfg.Store.DSN)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "from-dotenv", cfg.Auth.JWTSecret)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CHAT_AUTH_JWT_SECRET", "x")

	t.Setenv("CHAT_STORE_DRIVER", "cassandra")
	_, err := Load("")
	assert.ErrorContains(t, err, "store.driver")

	t.Setenv("CHAT_STORE_DRIVER", "memory")
	t.Setenv("CHAT_WS_IDLE_TIMEOUT", "10s")
	_, err = Load("")
	assert.ErrorContains(t, err, "ws.idle_timeout")

	t.Setenv("CHAT_WS_IDLE_TIMEOUT", "60s")
	t.Setenv("CHAT_AUTH_JWT_SECRET", "")
	_, err = Load("")
	assert.ErrorContains(t, err, "jwt_secret")
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
