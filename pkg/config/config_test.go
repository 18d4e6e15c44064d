package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid, got: %v", err)
	}

	if cfg.Load.Concurrency != 50 {
		t.Errorf("Expected default concurrency 50, got %d", cfg.Load.Concurrency)
	}
	if cfg.Load.RequestsPerUser != 20 {
		t.Errorf("Expected default requests per user 20, got %d", cfg.Load.RequestsPerUser)
	}
	if cfg.Load.RequestTimeout != 10*time.Second {
		t.Errorf("Expected default request timeout 10s, got %v", cfg.Load.RequestTimeout)
	}
	if cfg.Load.RampUp != 5*time.Second {
		t.Errorf("Expected default ramp-up 5s, got %v", cfg.Load.RampUp)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty gateway URL", func(c *Config) { c.Targets.Gateway.BaseURL = "" }},
		{"non-http URL", func(c *Config) { c.Targets.UserService.BaseURL = "ftp://x" }},
		{"empty health path", func(c *Config) { c.Targets.OrderService.HealthPath = "" }},
		{"empty infra binary", func(c *Config) { c.Infra.Binary = "" }},
		{"zero command timeout", func(c *Config) { c.Infra.CommandTimeout = 0 }},
		{"zero concurrency", func(c *Config) { c.Load.Concurrency = 0 }},
		{"zero requests per user", func(c *Config) { c.Load.RequestsPerUser = 0 }},
		{"negative ramp-up", func(c *Config) { c.Load.RampUp = -1 }},
		{"threshold above one", func(c *Config) { c.Load.SingleServiceThreshold = 1.5 }},
		{"zero health attempts", func(c *Config) { c.Scenario.HealthAttempts = 0 }},
		{"empty marker resource", func(c *Config) { c.Scenario.MarkerResource = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad tracing exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error for %s, got nil", tt.name)
			}
		})
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "faultline.yaml")

	cfg := DefaultConfig()
	cfg.Load.Concurrency = 10
	cfg.Targets.Gateway.BaseURL = "http://gateway.test:9000"

	if err := cfg.SaveConfig(path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.Load.Concurrency != 10 {
		t.Errorf("Expected concurrency 10 after reload, got %d", loaded.Load.Concurrency)
	}
	if loaded.Targets.Gateway.BaseURL != "http://gateway.test:9000" {
		t.Errorf("Expected gateway URL to round-trip, got %s", loaded.Targets.Gateway.BaseURL)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	// Point the search away from any real config file.
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	os.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Expected defaults when no config file present, got: %v", err)
	}
	if cfg.Load.Concurrency != 50 {
		t.Errorf("Expected default concurrency, got %d", cfg.Load.Concurrency)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte("load:\n  concurrency: 0\n"), 0644)

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for invalid config values, got nil")
	}
}
