package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "/run/hostpulse/hostpulsed.sock", cfg.Daemon.SocketPath)
	assert.Equal(t, 100, cfg.Daemon.MaxRequestsPerSec)
	assert.Equal(t, 300, cfg.Monitor.IntervalSec)
	assert.Equal(t, 0.95, cfg.Thresholds.DiskCrit)
	assert.True(t, cfg.Monitor.EnableAptMonitor)
	assert.Equal(t, "none", cfg.LLM.Runtime)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, cfg.postProcess())
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Alerts.DedupD)
	assert.Equal(t, 168*time.Hour, cfg.Alerts.RetentionD)
	assert.Equal(t, 5*time.Minute, cfg.Interval())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostpulsed.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
[daemon]
socket_path = "/tmp/hp-test.sock"
max_requests_per_sec = 10

[monitor]
interval_sec = 60
enable_apt_monitor = false

[thresholds]
disk_warn = 0.8
disk_crit = 0.9
mem_warn = 0.7
mem_crit = 0.85

[llm]
runtime = "ollama"
ollama_addr = "http://localhost:11434"
enable_ai_alerts = false

[alerts]
db_path = "/tmp/hp-alerts.db"
dedup_window = "2m"
retention = "24h"

[logging]
level = "debug"
format = "text"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/hp-test.sock", cfg.Daemon.SocketPath)
	assert.Equal(t, 10, cfg.Daemon.MaxRequestsPerSec)
	assert.Equal(t, time.Minute, cfg.Interval())
	assert.False(t, cfg.Monitor.EnableAptMonitor)
	assert.Equal(t, 0.9, cfg.Thresholds.DiskCrit)
	assert.Equal(t, "ollama", cfg.LLM.Runtime)
	assert.False(t, cfg.LLM.EnableAIAlerts)
	assert.Equal(t, 2*time.Minute, cfg.Alerts.DedupD)
	assert.Equal(t, 24*time.Hour, cfg.Alerts.RetentionD)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "warn"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 300, cfg.Monitor.IntervalSec)
	assert.Equal(t, 0.85, cfg.Thresholds.DiskWarn)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/hostpulsed.toml")
	assert.Error(t, err)
}

func TestLoad_BadTOML(t *testing.T) {
	path := writeConfig(t, `not [valid toml`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Thresholds.DiskCrit = 1.5 }},
		{"negative threshold", func(c *Config) { c.Thresholds.MemWarn = -0.1 }},
		{"warn above crit", func(c *Config) { c.Thresholds.DiskWarn = 0.99; c.Thresholds.DiskCrit = 0.9 }},
		{"zero interval", func(c *Config) { c.Monitor.IntervalSec = 0 }},
		{"zero rate limit", func(c *Config) { c.Daemon.MaxRequestsPerSec = 0 }},
		{"empty socket path", func(c *Config) { c.Daemon.SocketPath = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad llm runtime", func(c *Config) { c.LLM.Runtime = "gpu-farm" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("HOSTPULSE_SOCKET_PATH", "/tmp/env.sock")
	t.Setenv("HOSTPULSE_LOG_LEVEL", "debug")
	t.Setenv("HOSTPULSE_MONITOR_INTERVAL_SEC", "30")
	t.Setenv("HOSTPULSE_APT_MONITOR", "false")

	cfg := Default()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "/tmp/env.sock", cfg.Daemon.SocketPath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 30, cfg.Monitor.IntervalSec)
	assert.False(t, cfg.Monitor.EnableAptMonitor)
}

func TestSnapshot(t *testing.T) {
	cfg := Default()
	snap := cfg.Snapshot()

	assert.Equal(t, cfg.Daemon.SocketPath, snap["socket_path"])
	assert.Equal(t, cfg.Monitor.IntervalSec, snap["monitor_interval_sec"])
	assert.Equal(t, cfg.Logging.Level, snap["log_level"])

	thresholds, ok := snap["thresholds"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, cfg.Thresholds.DiskCrit, thresholds["disk_crit"])
}

func TestWatcher_FiresOnWrite(t *testing.T) {
	path := writeConfig(t, "[logging]\nlevel = \"info\"\n")

	changed := make(chan struct{}, 1)
	w, err := NewWatcher(path, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"debug\"\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not fire after write")
	}
}
