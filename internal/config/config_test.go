package config

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WORKER_ID", "")
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", c.AppEnv)
	assert.Equal(t, ":3000", c.APIAddr)
	assert.Equal(t, DriverPostgres, c.StoreDriver)
	assert.Equal(t, 30*time.Second, c.LeaseDuration)
	assert.Equal(t, 10*time.Second, c.HeartbeatInterval)
	assert.Equal(t, time.Second, c.IdleInterval)
	assert.Equal(t, 5*time.Minute, c.BackoffMax)
	assert.Equal(t, 1, c.WorkerConcurrency)
	assert.Regexp(t, regexp.MustCompile(`^worker-[0-9a-f]{8}$`), c.WorkerID)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/q.db")
	t.Setenv("WORKER_ID", "box-7")
	t.Setenv("LEASE_DURATION", "2m")
	t.Setenv("HEARTBEAT_INTERVAL", "0")
	t.Setenv("PRIORITY_ORDERING", "true")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, c.StoreDriver)
	assert.Equal(t, "box-7", c.WorkerID)
	assert.Equal(t, 2*time.Minute, c.LeaseDuration)
	assert.Zero(t, c.HeartbeatInterval)
	assert.True(t, c.PriorityOrdering)
}

func TestLoadRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"LEASE_DURATION": "soon"}},
		{"zero lease", map[string]string{"LEASE_DURATION": "0s"}},
		{"heartbeat too slow", map[string]string{"LEASE_DURATION": "10s", "HEARTBEAT_INTERVAL": "10s"}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "mongo"}},
		{"zero idle", map[string]string{"IDLE_INTERVAL": "0s"}},
		{"no concurrency", map[string]string{"WORKER_CONCURRENCY": "0"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadUnknownDriverMessage(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `STORE_DRIVER must be one of postgres, sqlite, memory; got "mongo"`)
}
