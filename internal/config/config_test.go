package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWithDatabaseURL(t *testing.T) {
	t.Setenv("OPSWATCH_DATABASE_URL", "postgres://localhost/opswatch")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Scheduler.TickInterval != 10*time.Second {
		t.Errorf("tick interval = %v", cfg.Scheduler.TickInterval)
	}
	if cfg.Harness.RunTimeout != 10*time.Minute {
		t.Errorf("run timeout = %v", cfg.Harness.RunTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://db.internal/opswatch
server:
  listen_addr: :9090
scheduler:
  tick_interval: 30s
  workers: 8
  queue_size: 128
harness:
  run_timeout: 5m
  fail_on_partial: true
sweep:
  stale_after: 45m
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.URL != "postgres://db.internal/opswatch" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Errorf("workers = %d", cfg.Scheduler.Workers)
	}
	if !cfg.Harness.FailOnPartial {
		t.Error("fail_on_partial not set")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log format = %q", cfg.Log.Format)
	}
	// Untouched sections keep defaults.
	if cfg.Notify.SendTimeout != 10*time.Second {
		t.Errorf("notify timeout = %v", cfg.Notify.SendTimeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://db.internal/opswatch
server:
  listen_addr: :9090
`)
	t.Setenv("OPSWATCH_LISTEN_ADDR", ":7070")
	t.Setenv("OPSWATCH_WORKERS", "16")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Errorf("listen addr = %q, env must win", cfg.Server.ListenAddr)
	}
	if cfg.Scheduler.Workers != 16 {
		t.Errorf("workers = %d, env must win", cfg.Scheduler.Workers)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Database.URL = "postgres://localhost/opswatch"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.Database.URL = "" }},
		{"missing listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"zero tick interval", func(c *Config) { c.Scheduler.TickInterval = 0 }},
		{"zero workers", func(c *Config) { c.Scheduler.Workers = 0 }},
		{"zero run timeout", func(c *Config) { c.Harness.RunTimeout = 0 }},
		{"stale before timeout", func(c *Config) { c.Sweep.StaleAfter = c.Harness.RunTimeout / 2 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "logfmt" }},
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
