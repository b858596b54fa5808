package devhost

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/stack"
)

func TestLoadConfigDefaults(t *testing.T) {
	home := t.TempDir()

	cfg, err := LoadConfig(home)
	require.NoError(t, err)

	assert.Equal(t, home, cfg.Home)
	assert.Equal(t, "devhost-net", cfg.Engine.Network)
	assert.Equal(t, "172.28.0.0/16", cfg.Engine.Subnet)
	assert.Equal(t, 3, cfg.Engine.PingRetries)
	assert.Equal(t, stack.DefaultRanges(), cfg.Ports)
	assert.Equal(t, 60*time.Second, cfg.Lifecycle.StartupTimeout)
	assert.Equal(t, "127.0.0.1:2602", cfg.Serve.Addr)
}

func TestLoadConfigFile(t *testing.T) {
	home := t.TempDir()
	data := `
log_level: debug
engine:
  network: custom-net
ports:
  node:
    start: 3100
    end: 3199
images:
  python: python:3.12-slim
lifecycle:
  startup_timeout: 5s
serve:
  stop_on_exit: true
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(data), 0o644))

	cfg, err := LoadConfig(home)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "custom-net", cfg.Engine.Network)
	assert.Equal(t, "172.28.0.0/16", cfg.Engine.Subnet, "unset fields keep defaults")
	assert.Equal(t, stack.Range{Start: 3100, End: 3199}, cfg.Ports[stack.Node])
	assert.Equal(t, stack.DefaultRanges()[stack.Python], cfg.Ports[stack.Python], "unlisted types keep default ranges")
	assert.Equal(t, "python:3.12-slim", cfg.Images[stack.Python])
	assert.Equal(t, stack.DefaultImages()[stack.Node], cfg.Images[stack.Node])
	assert.Equal(t, 5*time.Second, cfg.Lifecycle.StartupTimeout)
	assert.True(t, cfg.Serve.StopOnExit)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DEVHOST_NETWORK", "env-net")
	t.Setenv("DEVHOST_STARTUP_TIMEOUT", "90s")
	t.Setenv("DEVHOST_STOP_ON_EXIT", "true")
	t.Setenv("DEVHOST_ADDR", "127.0.0.1:2650")

	cfg, err := LoadConfig(home)
	require.NoError(t, err)

	assert.Equal(t, "env-net", cfg.Engine.Network)
	assert.Equal(t, 90*time.Second, cfg.Lifecycle.StartupTimeout)
	assert.True(t, cfg.Serve.StopOnExit)
	assert.Equal(t, "127.0.0.1:2650", cfg.Serve.Addr)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"syntax", "engine: [unclosed"},
		{"unknown type", "ports:\n  ruby:\n    start: 6000\n    end: 6099\n"},
		{"overlapping ranges", "ports:\n  node:\n    start: 8000\n    end: 8050\n"},
		{"bad log level", "log_level: loud\n"},
		{"bad path style", "engine:\n  path_style: cygwin\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(tt.data), 0o644))

			_, err := LoadConfig(home)
			require.Error(t, err)
		})
	}
}

func TestWriteConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	cfg := DefaultConfig(home)
	cfg.Engine.Host = "tcp://127.0.0.1:2375"
	cfg.Lifecycle.StopTimeout = 3 * time.Second
	require.NoError(t, WriteConfig(cfg))

	got, err := LoadConfig(home)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLogLevel("verbose")
	assert.True(t, errdefs.Is(err, errdefs.InvalidConfig))
}
