// Package config loads and validates the daemon's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Daemon     DaemonConfig     `toml:"daemon"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Thresholds ThresholdConfig  `toml:"thresholds"`
	LLM        LLMConfig        `toml:"llm"`
	Alerts     AlertsConfig     `toml:"alerts"`
	Logging    LoggingConfig    `toml:"logging"`
}

type DaemonConfig struct {
	SocketPath        string `toml:"socket_path"`
	MaxRequestsPerSec int    `toml:"max_requests_per_sec"`
}

type MonitorConfig struct {
	IntervalSec      int  `toml:"interval_sec"`
	EnableAptMonitor bool `toml:"enable_apt_monitor"`
}

// ThresholdConfig holds usage fractions in [0,1].
type ThresholdConfig struct {
	DiskWarn float64 `toml:"disk_warn"`
	DiskCrit float64 `toml:"disk_crit"`
	MemWarn  float64 `toml:"mem_warn"`
	MemCrit  float64 `toml:"mem_crit"`
}

type LLMConfig struct {
	// Runtime selects the engine implementation: "ollama" or "none".
	Runtime        string `toml:"runtime"`
	OllamaAddr     string `toml:"ollama_addr"`
	ModelPath      string `toml:"model_path"`
	ContextLength  int    `toml:"context_length"`
	Threads        int    `toml:"threads"`
	EnableAIAlerts bool   `toml:"enable_ai_alerts"`
}

type AlertsConfig struct {
	DBPath      string        `toml:"db_path"`
	DedupWindow string        `toml:"dedup_window"`
	Retention   string        `toml:"retention"`
	DedupD      time.Duration `toml:"-"`
	RetentionD  time.Duration `toml:"-"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			SocketPath:        "/run/hostpulse/hostpulsed.sock",
			MaxRequestsPerSec: 100,
		},
		Monitor: MonitorConfig{
			IntervalSec:      300,
			EnableAptMonitor: true,
		},
		Thresholds: ThresholdConfig{
			DiskWarn: 0.85,
			DiskCrit: 0.95,
			MemWarn:  0.85,
			MemCrit:  0.95,
		},
		LLM: LLMConfig{
			Runtime:        "none",
			OllamaAddr:     "http://localhost:11434",
			ModelPath:      "",
			ContextLength:  4096,
			Threads:        4,
			EnableAIAlerts: true,
		},
		Alerts: AlertsConfig{
			DBPath:      "~/.local/state/hostpulse/alerts.db",
			DedupWindow: "5m",
			Retention:   "168h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	expandedPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	return cfg, nil
}

// Load reads the file at configPath (defaults when empty), applies
// environment overrides, and validates.
func Load(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) postProcess() error {
	var err error

	if c.Alerts.DedupD, err = time.ParseDuration(c.Alerts.DedupWindow); err != nil {
		return fmt.Errorf("parse alerts.dedup_window: %w", err)
	}

	if c.Alerts.RetentionD, err = time.ParseDuration(c.Alerts.Retention); err != nil {
		return fmt.Errorf("parse alerts.retention: %w", err)
	}

	c.Alerts.DBPath, err = expandPath(c.Alerts.DBPath)
	if err != nil {
		return fmt.Errorf("expand alerts.db_path: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Daemon.SocketPath == "" {
		return fmt.Errorf("daemon.socket_path is required")
	}

	if c.Daemon.MaxRequestsPerSec < 1 {
		return fmt.Errorf("daemon.max_requests_per_sec must be at least 1, got %d", c.Daemon.MaxRequestsPerSec)
	}

	if c.Monitor.IntervalSec < 1 {
		return fmt.Errorf("monitor.interval_sec must be at least 1, got %d", c.Monitor.IntervalSec)
	}

	for name, v := range map[string]float64{
		"thresholds.disk_warn": c.Thresholds.DiskWarn,
		"thresholds.disk_crit": c.Thresholds.DiskCrit,
		"thresholds.mem_warn":  c.Thresholds.MemWarn,
		"thresholds.mem_crit":  c.Thresholds.MemCrit,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %.2f", name, v)
		}
	}

	if c.Thresholds.DiskWarn > c.Thresholds.DiskCrit {
		return fmt.Errorf("thresholds.disk_warn (%.2f) exceeds disk_crit (%.2f)", c.Thresholds.DiskWarn, c.Thresholds.DiskCrit)
	}
	if c.Thresholds.MemWarn > c.Thresholds.MemCrit {
		return fmt.Errorf("thresholds.mem_warn (%.2f) exceeds mem_crit (%.2f)", c.Thresholds.MemWarn, c.Thresholds.MemCrit)
	}

	switch c.LLM.Runtime {
	case "none", "ollama":
	default:
		return fmt.Errorf("invalid llm.runtime: %s (valid: none, ollama)", c.LLM.Runtime)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOSTPULSE_SOCKET_PATH"); v != "" {
		cfg.Daemon.SocketPath = v
	}
	if v := os.Getenv("HOSTPULSE_ALERT_DB"); v != "" {
		cfg.Alerts.DBPath = v
	}
	if v := os.Getenv("HOSTPULSE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HOSTPULSE_MONITOR_INTERVAL_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.IntervalSec = sec
		}
	}
	if v := os.Getenv("HOSTPULSE_OLLAMA_ADDR"); v != "" {
		cfg.LLM.OllamaAddr = v
	}
	if v := os.Getenv("HOSTPULSE_LLM_RUNTIME"); v != "" {
		cfg.LLM.Runtime = v
	}
	if v := os.Getenv("HOSTPULSE_APT_MONITOR"); v != "" {
		cfg.Monitor.EnableAptMonitor = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("HOSTPULSE_AI_ALERTS"); v != "" {
		cfg.LLM.EnableAIAlerts = strings.ToLower(v) == "true" || v == "1"
	}
}

// Snapshot renders the consumed fields for the config.get method.
func (c *Config) Snapshot() map[string]any {
	return map[string]any{
		"socket_path":          c.Daemon.SocketPath,
		"max_requests_per_sec": c.Daemon.MaxRequestsPerSec,
		"monitor_interval_sec": c.Monitor.IntervalSec,
		"enable_apt_monitor":   c.Monitor.EnableAptMonitor,
		"model_path":           c.LLM.ModelPath,
		"llm_runtime":          c.LLM.Runtime,
		"llm_context_length":   c.LLM.ContextLength,
		"llm_threads":          c.LLM.Threads,
		"enable_ai_alerts":     c.LLM.EnableAIAlerts,
		"log_level":            c.Logging.Level,
		"alert_db_path":        c.Alerts.DBPath,
		"thresholds": map[string]any{
			"disk_warn": c.Thresholds.DiskWarn,
			"disk_crit": c.Thresholds.DiskCrit,
			"mem_warn":  c.Thresholds.MemWarn,
			"mem_crit":  c.Thresholds.MemCrit,
		},
	}
}

// Interval returns the monitor sample interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Monitor.IntervalSec) * time.Second
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	return path, nil
}
