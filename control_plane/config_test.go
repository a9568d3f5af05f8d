package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetroll.yaml")
	yamlDoc := `
listen_addr: ":9090"
store: memory
monitor_interval: 10s
auto_advance: true
dispatch:
  workers: 3
  agent_port: 7000
cors_origins:
  - https://ops.example.com
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FLEETROLL_MONITORING_PERIOD_HOURS", "6")
	t.Setenv("FLEETROLL_DISPATCH_WORKERS", "5")
	t.Setenv("FLEETROLL_LOG_FORMAT", "console")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.ListenAddr != ":9090" || !cfg.AutoAdvance || cfg.MonitorInterval != 10*time.Second {
		t.Errorf("yaml values not applied: %+v", cfg)
	}
	if cfg.Dispatch.AgentPort != 7000 {
		t.Errorf("agent port %d, want 7000", cfg.Dispatch.AgentPort)
	}
	if cfg.Dispatch.Workers != 5 {
		t.Errorf("env should override yaml: workers %d, want 5", cfg.Dispatch.Workers)
	}
	if cfg.MonitoringPeriodHours != 6 || cfg.LogFormat != "console" {
		t.Errorf("env values not applied: %+v", cfg)
	}
	// nested defaults survive a partial dispatch block
	if cfg.Dispatch.Burst != DefaultConfig().Dispatch.Burst {
		t.Errorf("dispatch burst %d, want default", cfg.Dispatch.Burst)
	}
	if len(cfg.CORSOrigins) != 1 {
		t.Errorf("cors origins %v", cfg.CORSOrigins)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Store = "sqlite" }},
		{"postgres without url", func(c *Config) { c.Store = "postgres" }},
		{"zero monitoring period", func(c *Config) { c.MonitoringPeriodHours = 0 }},
		{"zero workers", func(c *Config) { c.Dispatch.Workers = 0 }},
		{"zero burst", func(c *Config) { c.ResultBurst = 0 }},
		{"zero breaker threshold", func(c *Config) { c.Dispatch.BreakerThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	lookup := func(k string) (string, bool) {
		if k == "FLEETROLL_MONITOR_INTERVAL" {
			return "soon", true
		}
		return "", false
	}
	if err := applyEnv(&cfg, lookup); err == nil {
		t.Fatal("expected a parse error")
	}

	cfg = DefaultConfig()
	lookup = func(k string) (string, bool) {
		if k == "FLEETROLL_CORS_ORIGINS" {
			return "https://a.example, ,https://b.example", true
		}
		return "", false
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		t.Fatal(err)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("cors origins %v, want 2 entries", cfg.CORSOrigins)
	}
}
