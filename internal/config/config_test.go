package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "poller", cfg.Coordinator.LockName)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.TTL)
	assert.Equal(t, 10*time.Second, cfg.Coordinator.HeartbeatInterval())
	assert.Equal(t, 2*time.Second, cfg.Business.PollBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Business.PollMaxDelay)
	assert.Equal(t, 24*time.Hour, cfg.Business.IdempotencyTTL)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
database:
  driver: sqlite
  name: ":memory:"
coordinator:
  ttl: 9s
business:
  poll_base_delay: 1s
  poll_max_delay: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("GENPAY_SERVER_PORT", "9191")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3*time.Second, cfg.Coordinator.HeartbeatInterval())
	assert.Equal(t, 10*time.Second, cfg.Business.PollMaxDelay)
}

func TestValidateRejectsBadDriver(t *testing.T) {
	t.Setenv("GENPAY_DATABASE_DRIVER", "oracle")
	_, err := LoadConfig("")
	assert.Error(t, err)
}
