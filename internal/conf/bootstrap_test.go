package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(configPath, []byte(content), 0644)
	require.NoError(t, err)
	return configPath
}

func TestNewBootstrap_Defaults(t *testing.T) {
	configPath := writeConfig(t, `server:
  http:
    addr: :8080
data:
  redis:
    addr: 127.0.0.1:6379
`)

	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	require.NotNil(t, bc)

	// Verify server defaults
	assert.Equal(t, ":8080", bc.Server.Http.Addr)
	assert.Equal(t, "tcp", bc.Server.Http.Network)
	assert.Equal(t, 10*time.Minute, bc.Server.Http.Timeout.AsDuration())

	// Verify data defaults
	assert.Equal(t, "mysql", bc.Data.Database.Driver)
	assert.Equal(t, "user:pass@tcp(localhost:3306)/testdb", bc.Data.Database.Source)
	assert.Equal(t, "127.0.0.1:6379", bc.Data.Redis.Addr)
	assert.Equal(t, 200*time.Millisecond, bc.Data.Redis.ReadTimeout.AsDuration())

	// Verify gateway defaults
	assert.Equal(t, 5*time.Minute, bc.Gateway.Admission.SessionTtl.AsDuration())
	assert.Equal(t, int32(0), bc.Gateway.Admission.GlobalLimit)
	assert.Equal(t, 5*time.Minute, bc.Gateway.Breaker.ConfigTtl.AsDuration())
	assert.Equal(t, 24*time.Hour, bc.Gateway.Breaker.StateTtl.AsDuration())
	assert.Equal(t, "relayguard:breaker:invalidate", bc.Gateway.Breaker.InvalidationChannel)
	assert.Equal(t, int32(5), bc.Gateway.Breaker.DefaultFailureThreshold)
	assert.Equal(t, 10*time.Second, bc.Gateway.Lease.RefreshInterval.AsDuration())
	assert.Equal(t, 0.05, bc.Gateway.Lease.Percent)
	assert.Equal(t, 30*time.Second, bc.Gateway.Prober.Interval.AsDuration())
	assert.Equal(t, int32(10), bc.Gateway.Prober.BatchSize)
	assert.Equal(t, 5*time.Second, bc.Gateway.Prober.Timeout.AsDuration())
	assert.Equal(t, 7*24*time.Hour, bc.Gateway.Prober.LogRetention.AsDuration())

	// Verify log defaults
	assert.Equal(t, "info", bc.Log.Level)
	assert.Equal(t, "json", bc.Log.Format)
}

func TestNewBootstrap_EnvOverrides(t *testing.T) {
	configPath := writeConfig(t, `server:
  http:
    addr: :8080
`)

	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")
	t.Setenv("RELAYGUARD_SERVER_HTTP_ADDR", ":9999")
	t.Setenv("REDIS_ADDR", "redis.example.com:6379")
	t.Setenv("RELAYGUARD_LOG_LEVEL", "debug")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":9999", bc.Server.Http.Addr)
	assert.Equal(t, "redis.example.com:6379", bc.Data.Redis.Addr)
	assert.Equal(t, "debug", bc.Log.Level)
}

func TestNewBootstrap_GatewayOverridesFromFile(t *testing.T) {
	configPath := writeConfig(t, `gateway:
  admission:
    session_ttl: 2m
    global_limit: 500
  breaker:
    default_failure_threshold: 3
    default_open_duration: 30s
  lease:
    refresh_interval: 5s
    percent: 0.1
    cap_usd: 3
  prober:
    batch_size: 25
`)

	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, bc.Gateway.Admission.SessionTtl.AsDuration())
	assert.Equal(t, int32(500), bc.Gateway.Admission.GlobalLimit)
	assert.Equal(t, int32(3), bc.Gateway.Breaker.DefaultFailureThreshold)
	assert.Equal(t, 30*time.Second, bc.Gateway.Breaker.DefaultOpenDuration.AsDuration())
	assert.Equal(t, 5*time.Second, bc.Gateway.Lease.RefreshInterval.AsDuration())
	assert.Equal(t, 0.1, bc.Gateway.Lease.Percent)
	assert.Equal(t, 3.0, bc.Gateway.Lease.CapUsd)
	assert.Equal(t, int32(25), bc.Gateway.Prober.BatchSize)
}

func TestNewBootstrap_MissingDatabaseSource(t *testing.T) {
	configPath := writeConfig(t, `server:
  http:
    addr: :8080
`)

	// Ensure DSN is absent
	t.Setenv("MYSQL_DSN", "")

	_, err := NewBootstrap(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data.database.source")
}

func TestNewBootstrap_InvalidLeasePercent(t *testing.T) {
	configPath := writeConfig(t, `gateway:
  lease:
    percent: 1.5
`)

	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	_, err := NewBootstrap(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease.percent")
}

func TestNewBootstrap_MissingConfigFile(t *testing.T) {
	_, err := NewBootstrap("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
