package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	assert.Equal(t, transportTCP, cfg.Server.Transport)
	assert.Equal(t, "/nibble", cfg.Server.Path)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, cfg.Engine.HeartbeatTimeout)
	assert.True(t, cfg.RateLimit.Enabled)

	engine := cfg.EngineConfig()
	assert.Equal(t, 10*time.Millisecond, engine.TickInterval)
	assert.Equal(t, rate.Limit(100), engine.RateLimit.FramesPerSecond)
	assert.Equal(t, 200, engine.RateLimit.Burst)
}

func TestLoadConfigFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nibble.yaml")
	err := os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  transport: ws
  capacity: 8
engine:
  heartbeat_timeout: 10s
rate_limit:
  enabled: false
`), 0o600)
	require.NoError(t, err)

	t.Setenv("NIBBLE_SERVER_ADDR", ":9100")
	t.Setenv("NIBBLE_ENGINE_HEARTBEAT_INTERVAL", "250ms")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// The environment wins over the file.
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, transportWebSocket, cfg.Server.Transport)
	assert.Equal(t, 8, cfg.Server.Capacity)
	assert.Equal(t, 10*time.Second, cfg.Engine.HeartbeatTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.HeartbeatInterval)
	assert.False(t, cfg.EngineConfig().RateLimit.Enabled)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("NIBBLE_SERVER_TRANSPORT", "udp")
	_, err = LoadConfig("")
	assert.ErrorContains(t, err, "unknown transport")
}
