package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutFile(t *testing.T) {
	t.Setenv("EPHEMERAL_SECRET", "test-secret")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.PingPeriod)
	assert.Equal(t, 5*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 600, cfg.Rooms.DefaultExpiry)
	assert.Equal(t, 20, cfg.Rooms.DefaultMaxUsers)
	assert.Equal(t, 500*time.Millisecond, cfg.Bridge.PollInterval)
	assert.Equal(t, 20, cfg.RateLimit.Limit)
	assert.False(t, cfg.Security.HashPasswords)
	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, "test-secret", cfg.Secret)
}

func TestFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: debug
port: 9090
node_id: node-7
redis:
  addr: redis:6380
  db: 2
rooms:
  default_expiry_seconds: 120
  default_max_users: 4
bridge:
  poll_interval: 250ms
security:
  hash_passwords: true
`), 0o600))
	t.Setenv("EPHEMERAL_REDIS_ADDR", "override:6379")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, "override:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 120, cfg.Rooms.DefaultExpiry)
	assert.Equal(t, 4, cfg.Rooms.DefaultMaxUsers)
	assert.Equal(t, 250*time.Millisecond, cfg.Bridge.PollInterval)
	assert.True(t, cfg.Security.HashPasswords)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Config{
		Mode:  "release",
		Port:  0,
		Redis: RedisConfig{},
		Rooms: RoomsConfig{DefaultExpiry: 600, MaxExpiry: 60, DefaultMaxUsers: 20, MaxUsersLimit: 20},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "redis.addr")
	assert.Contains(t, err.Error(), "max_expiry")
	assert.Contains(t, err.Error(), "secret")
}
