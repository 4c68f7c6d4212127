package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ServerURL != "http://localhost:8080" {
		t.Errorf("server_url = %q", cfg.ServerURL)
	}
	if cfg.DrainInterval != 5*time.Second {
		t.Errorf("drain_interval = %v", cfg.DrainInterval)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("batch_size = %d", cfg.BatchSize)
	}
	if cfg.RetryCeiling != 8 {
		t.Errorf("retry_ceiling = %d", cfg.RetryCeiling)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	content := `server_url: http://sync.internal:9090
drain_interval: 30s
batch_size: 10
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ServerURL != "http://sync.internal:9090" {
		t.Errorf("server_url = %q", cfg.ServerURL)
	}
	if cfg.DrainInterval != 30*time.Second {
		t.Errorf("drain_interval = %v", cfg.DrainInterval)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("batch_size = %d", cfg.BatchSize)
	}
	// Keys absent from the file keep their defaults.
	if cfg.RetryCeiling != 8 {
		t.Errorf("retry_ceiling = %d, want default", cfg.RetryCeiling)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	if err := os.WriteFile(path, []byte("batch_size: 10\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("FIELDSYNC_BATCH_SIZE", "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BatchSize != 25 {
		t.Errorf("batch_size = %d, want env override 25", cfg.BatchSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	if err := os.WriteFile(path, []byte("batch_size: 0\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted batch_size 0")
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero drain interval", func(c *Config) { c.DrainInterval = 0 }},
		{"negative coalesce window", func(c *Config) { c.CoalesceWindow = -time.Second }},
		{"zero retry ceiling", func(c *Config) { c.RetryCeiling = 0 }},
		{"zero attempt timeout", func(c *Config) { c.AttemptTimeout = 0 }},
		{"zero stuck timeout", func(c *Config) { c.StuckTimeout = 0 }},
		{"zero send buffer", func(c *Config) { c.SendBuffer = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an unusable configuration")
			}
		})
	}
}

func TestSessionValidate(t *testing.T) {
	ok := Session{OwnerID: "emp-1", DeviceID: "laptop"}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid session rejected: %v", err)
	}
	if err := (Session{DeviceID: "laptop"}).Validate(); err == nil {
		t.Error("session without owner accepted")
	}
	if err := (Session{OwnerID: "emp-1"}).Validate(); err == nil {
		t.Error("session without device accepted")
	}
}
