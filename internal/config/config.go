// Package config reads and writes ~/.chatsync/config.toml.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string         `toml:"default_profile"`
	Auth           AuthConfig     `toml:"auth"`
	Backend        BackendConfig  `toml:"backend"`
	Outbox         OutboxConfig   `toml:"outbox"`
	Sync           SyncConfig     `toml:"sync"`
	Receipts       ReceiptsConfig `toml:"receipts"`
	Uploads        UploadsConfig  `toml:"uploads"`
	Log            LogConfig      `toml:"log"`
}

// AuthConfig holds the session token and the key it is verified with.
type AuthConfig struct {
	Token      string `toml:"token"`
	SigningKey string `toml:"signing_key"`
}

// Backend kinds.
const (
	BackendMemory = "memory"
	BackendRemote = "remote"
)

type BackendConfig struct {
	Kind        string `toml:"kind"`
	PostgresDSN string `toml:"postgres_dsn"`
	NATSURL     string `toml:"nats_url"`
	Stream      string `toml:"stream"`
}

type OutboxConfig struct {
	BaseDelay        Duration `toml:"base_delay"`
	MaxDelay         Duration `toml:"max_delay"`
	MaxAttempts      int      `toml:"max_attempts"`
	WriteTimeout     Duration `toml:"write_timeout"`
	UploadTimeout    Duration `toml:"upload_timeout"`
	AckTimeout       Duration `toml:"ack_timeout"`
	DrainInterval    Duration `toml:"drain_interval"`
	MinDrainInterval Duration `toml:"min_drain_interval"`
	Concurrency      int      `toml:"concurrency"`
}

type SyncConfig struct {
	InitialLimit      int      `toml:"initial_limit"`
	PageSize          int      `toml:"page_size"`
	LoadOlderDebounce Duration `toml:"load_older_debounce"`
}

type ReceiptsConfig struct {
	AutoMarkRead      bool     `toml:"auto_mark_read"`
	SkewTolerance     Duration `toml:"skew_tolerance"`
	SettingsCacheSize int      `toml:"settings_cache_size"`
	SettingsCacheTTL  Duration `toml:"settings_cache_ttl"`
}

// UploadsConfig configures attachment storage. An empty Dir means the
// profile's blobs directory.
type UploadsConfig struct {
	Dir          string   `toml:"dir"`
	MaxSize      int64    `toml:"max_size"`
	AllowedKinds []string `toml:"allowed_kinds"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a config with every value set.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Kind:   BackendMemory,
			Stream: "CHATSYNC",
		},
		Outbox: OutboxConfig{
			BaseDelay:        D(2 * time.Second),
			MaxDelay:         D(5 * time.Minute),
			MaxAttempts:      8,
			WriteTimeout:     D(15 * time.Second),
			UploadTimeout:    D(5 * time.Minute),
			AckTimeout:       D(time.Minute),
			DrainInterval:    D(30 * time.Second),
			MinDrainInterval: D(5 * time.Second),
			Concurrency:      4,
		},
		Sync: SyncConfig{
			InitialLimit:      50,
			PageSize:          50,
			LoadOlderDebounce: D(500 * time.Millisecond),
		},
		Receipts: ReceiptsConfig{
			AutoMarkRead:      true,
			SkewTolerance:     D(2 * time.Second),
			SettingsCacheSize: 256,
			SettingsCacheTTL:  D(5 * time.Minute),
		},
		Uploads: UploadsConfig{
			MaxSize:      25 << 20,
			AllowedKinds: []string{"media", "voice", "file"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path over the defaults. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendMemory:
	case BackendRemote:
		if c.Backend.PostgresDSN == "" {
			return errors.New("backend.postgres_dsn is required for the remote backend")
		}
	default:
		return fmt.Errorf("backend.kind %q: must be %q or %q", c.Backend.Kind, BackendMemory, BackendRemote)
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox.max_attempts must be positive, got %d", c.Outbox.MaxAttempts)
	}
	if c.Outbox.MaxDelay.Duration < c.Outbox.BaseDelay.Duration {
		return errors.New("outbox.max_delay must not be below outbox.base_delay")
	}
	if c.Sync.InitialLimit < 1 {
		return fmt.Errorf("sync.initial_limit must be positive, got %d", c.Sync.InitialLimit)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := Write(f, cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Write encodes cfg as TOML.
func Write(w io.Writer, cfg *Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}
