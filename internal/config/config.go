package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.wpp/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	HTTP   HTTPConfig   `toml:"http"`
	Backup BackupConfig `toml:"backup"`
	Outbox OutboxConfig `toml:"outbox"`
	Relay  RelayConfig  `toml:"relay"`
	Log    LogConfig    `toml:"log"`
}

// HTTPConfig controls the local dashboard API listener.
type HTTPConfig struct {
	Addr string `toml:"addr"`
	// RateLimit is the number of mutating requests allowed per minute per client.
	RateLimit int `toml:"rate_limit"`
}

// BackupConfig controls the backup engine and the nightly scheduler.
type BackupConfig struct {
	// Dir overrides the per-session backups directory.
	Dir              string `toml:"dir"`
	SchedulerEnabled bool   `toml:"scheduler_enabled"`
}

// OutboxConfig controls outgoing message pacing.
type OutboxConfig struct {
	PollInterval   Duration `toml:"poll_interval"`
	MessagesPerMin int      `toml:"messages_per_minute"`
}

// RelayConfig enables the Redis-backed multi-device relay queue.
type RelayConfig struct {
	RedisURL string `toml:"redis_url"`
}

// LogConfig controls logger verbosity.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration that decodes from TOML strings such as "500ms".
type Duration struct {
	time.Duration
}

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

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:      "127.0.0.1:8787",
			RateLimit: 60,
		},
		Backup: BackupConfig{
			SchedulerEnabled: true,
		},
		Outbox: OutboxConfig{
			PollInterval:   Duration{500 * time.Millisecond},
			MessagesPerMin: 20,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads config from path on top of Default, tolerating a missing
// file, then applies environment overrides.
func LoadOrDefault(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	ApplyEnv(cfg)
	return cfg, nil
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
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
