package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Session.TTL != 24*time.Hour {
		t.Errorf("TTL = %s, want 24h", cfg.Session.TTL)
	}
	if cfg.Market.UpdateInterval != 30*time.Second {
		t.Errorf("UpdateInterval = %s, want 30s", cfg.Market.UpdateInterval)
	}
	if cfg.Analysis.DelayMin != 2*time.Second || cfg.Analysis.DelayMax != 5*time.Second {
		t.Errorf("delay range = [%s, %s], want [2s, 5s]", cfg.Analysis.DelayMin, cfg.Analysis.DelayMax)
	}
	if len(cfg.Analysis.Metrics) != 5 {
		t.Errorf("metrics = %v, want 5 names", cfg.Analysis.Metrics)
	}
	if cfg.Session.DefaultHoldings["AAPL"] != 100 {
		t.Errorf("default holdings = %v", cfg.Session.DefaultHoldings)
	}
	if cfg.Session.InitialTotalValue != 125000.00 {
		t.Errorf("initial total = %v", cfg.Session.InitialTotalValue)
	}
	if cfg.Market.BasePrices["NVDA"] != 650.0 {
		t.Errorf("base prices = %v", cfg.Market.BasePrices)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 9090
session:
  idle_timeout: 5m
analysis:
  delay_min: 10ms
  delay_max: 50ms
market:
  update_interval: 2s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Session.IdleTimeout != 5*time.Minute {
		t.Errorf("idle timeout = %s", cfg.Session.IdleTimeout)
	}
	if cfg.Analysis.DelayMax != 50*time.Millisecond {
		t.Errorf("delay max = %s", cfg.Analysis.DelayMax)
	}
	// Unset fields keep defaults.
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("redis url = %q", cfg.Redis.URL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"empty redis url", func(c *Config) { c.Redis.URL = "" }},
		{"zero ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"zero idle timeout", func(c *Config) { c.Session.IdleTimeout = 0 }},
		{"negative shares", func(c *Config) { c.Session.DefaultHoldings["AAPL"] = -1 }},
		{"no metrics", func(c *Config) { c.Analysis.Metrics = nil }},
		{"inverted delays", func(c *Config) { c.Analysis.DelayMin = time.Second; c.Analysis.DelayMax = 0 }},
		{"sub-second interval", func(c *Config) { c.Market.UpdateInterval = 100 * time.Millisecond }},
		{"volatility out of range", func(c *Config) { c.Market.Volatility = 1.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
