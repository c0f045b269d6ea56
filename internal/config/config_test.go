package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  url: https://backend.example.com
  api_key: secret
device_id: dev-42
heartbeat:
  interval: 5m
lock:
  soft_lock_throttle: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://backend.example.com", cfg.Server.URL)
	assert.Equal(t, "dev-42", cfg.DeviceID)
	assert.Equal(t, 5*time.Minute, cfg.Heartbeat.Interval.Std())
	assert.Equal(t, time.Hour, cfg.Lock.SoftLockThrottle.Std())
	// Untouched settings keep their defaults.
	assert.Equal(t, 3, cfg.Heartbeat.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Lock.BusyTimeout.Std())
	assert.Equal(t, 100, cfg.SyncLogCap)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval.Std())
	assert.Equal(t, 4*time.Hour, cfg.Lock.SoftLockThrottle.Std())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat:\n  interval: sometimes\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.Error(t, cfg.Validate())

	cfg.Server.URL = "https://backend.example.com"
	require.NoError(t, cfg.Validate())

	cfg.Heartbeat.Interval = 0
	require.Error(t, cfg.Validate())
}
