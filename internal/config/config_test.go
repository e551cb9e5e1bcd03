package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Outbox.BaseDelay = D(3 * time.Second)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Outbox.BaseDelay.Duration != 3*time.Second {
		t.Errorf("BaseDelay = %v, want 3s", loaded.Outbox.BaseDelay)
	}
}

func TestLoadOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
default_profile = "phone"

[outbox]
max_attempts = 3
drain_interval = "1m"

[receipts]
skew_tolerance = "500ms"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Outbox.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Outbox.MaxAttempts)
	}
	if cfg.Outbox.DrainInterval.Duration != time.Minute {
		t.Errorf("DrainInterval = %v, want 1m", cfg.Outbox.DrainInterval)
	}
	if cfg.Receipts.SkewTolerance.Duration != 500*time.Millisecond {
		t.Errorf("SkewTolerance = %v, want 500ms", cfg.Receipts.SkewTolerance)
	}
	// Untouched values keep their defaults.
	if cfg.Outbox.WriteTimeout.Duration != 15*time.Second {
		t.Errorf("WriteTimeout = %v, want 15s", cfg.Outbox.WriteTimeout)
	}
	if cfg.Outbox.UploadTimeout.Duration != 5*time.Minute {
		t.Errorf("UploadTimeout = %v, want 5m", cfg.Outbox.UploadTimeout)
	}
	if cfg.Sync.InitialLimit != 50 {
		t.Errorf("InitialLimit = %d, want 50", cfg.Sync.InitialLimit)
	}
	if cfg.Backend.Kind != BackendMemory {
		t.Errorf("Backend.Kind = %q, want memory", cfg.Backend.Kind)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := map[string]string{
		"bad duration":   "[outbox]\nbase_delay = \"soon\"\n",
		"unknown kind":   "[backend]\nkind = \"carrier-pigeon\"\n",
		"remote no dsn":  "[backend]\nkind = \"remote\"\n",
		"zero attempts":  "[outbox]\nmax_attempts = 0\n",
		"max below base": "[outbox]\nbase_delay = \"10m\"\nmax_delay = \"1m\"\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(data), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Outbox.MaxAttempts != Default().Outbox.MaxAttempts {
		t.Error("LoadOrDefault() did not return defaults")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
