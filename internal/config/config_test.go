package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9000
  shutdown_timeout: 5s
scheduler:
  escalation_spec: "@every 5m"
  lock_backend: redis
redis:
  addr: localhost:6379
rbac:
  user_roles:
    alice: [back_office]
`), 0o600))

	t.Setenv("APP_HTTP_PORT", "9100")
	t.Setenv("APP_SCHEDULER_ENABLED", "false")
	t.Setenv("APP_RBAC_CACHE_TTL", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.HTTPPort)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "@every 5m", cfg.Scheduler.EscalationSpec)
	assert.Equal(t, "@every 10m", cfg.Scheduler.ReminderSpec)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 30*time.Second, cfg.RBAC.CacheTTL)
	assert.Equal(t, []string{"back_office"}, cfg.RBAC.UserRoles["alice"])
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.LockBackend = "postgres"
	assert.ErrorContains(t, cfg.Validate(), "requires database.dsn")

	cfg.Database.DSN = "postgres://localhost/approvals"
	assert.NoError(t, cfg.Validate())

	cfg.Scheduler.LockBackend = "zookeeper"
	assert.ErrorContains(t, cfg.Validate(), "zookeeper")
}

func TestDefault_FailureRetryIsSlowerThanSweeps(t *testing.T) {
	s := Default().Scheduler
	assert.Equal(t, 30*time.Minute, s.FailureRetry)
	assert.Equal(t, 2*time.Hour, s.MaxBackoff)
	assert.Greater(t, s.FailureRetry, 15*time.Minute)
	assert.Greater(t, s.MaxBackoff, s.FailureRetry)
}
