package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.Equal(t, 30*time.Second, cfg.ControlTimeout)
	assert.Equal(t, 5*time.Second, cfg.KillGrace)
	assert.Equal(t, 30, cfg.DiscoveryAttempts)
	assert.True(t, cfg.ScopeRunsToSession)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
agent_binary: /opt/claude
control_timeout: 5s
discovery_attempts: 4
scope_runs_to_session: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, "/opt/claude", cfg.AgentBinary)
	assert.Equal(t, 5*time.Second, cfg.ControlTimeout)
	assert.Equal(t, 4, cfg.DiscoveryAttempts)
	assert.False(t, cfg.ScopeRunsToSession)
	// Unset keys keep their defaults.
	assert.Equal(t, "127.0.0.1:8766", cfg.IngressAddr)
	assert.Equal(t, 5*time.Second, cfg.KillGrace)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent_id: fromfile\n"), 0o644))

	t.Setenv("BRIDGE_AGENT_ID", "fromenv")
	t.Setenv("BRIDGE_KILL_GRACE", "2s")
	t.Setenv("BRIDGE_SCOPE_RUNS", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.AgentID)
	assert.Equal(t, 2*time.Second, cfg.KillGrace)
	assert.False(t, cfg.ScopeRunsToSession)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("http_addr: [\n"), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "failed to parse config")
	})

	t.Run("bad env duration", func(t *testing.T) {
		t.Setenv("BRIDGE_CONTROL_TIMEOUT", "soon")
		_, err := Load("")
		assert.ErrorContains(t, err, "BRIDGE_CONTROL_TIMEOUT")
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BRIDGE_INGRESS_ADDR":       ":7000",
		"BRIDGE_DISCOVERY_ATTEMPTS": "3",
		"BRIDGE_DISCOVERY_INTERVAL": "10ms",
		"BRIDGE_WATCH_WORKDIRS":     "0",
		"BRIDGE_DESCRIPTION":        "",
	}
	cfg := Defaults()
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.IngressAddr)
	assert.Equal(t, 3, cfg.DiscoveryAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.DiscoveryInterval)
	assert.False(t, cfg.WatchWorkDirs)
	// Empty values are ignored.
	assert.Equal(t, Defaults().Description, cfg.Description)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty http addr", func(c *Config) { c.HTTPAddr = " " }, "http_addr"},
		{"empty ingress addr", func(c *Config) { c.IngressAddr = "" }, "ingress_addr"},
		{"zero control timeout", func(c *Config) { c.ControlTimeout = 0 }, "control_timeout"},
		{"negative grace", func(c *Config) { c.KillGrace = -time.Second }, "kill_grace"},
		{"zero attempts", func(c *Config) { c.DiscoveryAttempts = 0 }, "discovery_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	assert.NoError(t, Defaults().Validate())
}

func TestCallbackHost(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "127.0.0.1:8766", cfg.CallbackHost())

	cfg.IngressAddr = ":9999"
	assert.Equal(t, "127.0.0.1:9999", cfg.CallbackHost())

	cfg.PublicIngressHost = "bridge.internal:443"
	assert.Equal(t, "bridge.internal:443", cfg.CallbackHost())
}
