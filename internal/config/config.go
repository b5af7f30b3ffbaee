package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig points mpdeck at a backend instance.
type ServerConfig struct {
	URL string `toml:"url"`
}

// AuthConfig holds the stored session.
type AuthConfig struct {
	Username string `toml:"username"`
	Token    string `toml:"token"`
}

// PollConfig tunes QR login polling. Zero values mean "use the default".
type PollConfig struct {
	QRIntervalMS      int `toml:"qr_interval_ms"`
	QRMaxAttempts     int `toml:"qr_max_attempts"`
	StatusIntervalMS  int `toml:"status_interval_ms"`
	StatusMaxAttempts int `toml:"status_max_attempts"`
	StatusMaxErrors   int `toml:"status_max_errors"`
}

// Config holds all mpdeck configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Auth   AuthConfig   `toml:"auth"`
	Poll   PollConfig   `toml:"poll"`
}

const (
	defaultQRInterval     = time.Second
	defaultQRMaxAttempts  = 60
	defaultStatusInterval = 3 * time.Second
)

// QRIntervalOrDefault returns the QR confirmation tick period.
func (p PollConfig) QRIntervalOrDefault() time.Duration {
	if p.QRIntervalMS > 0 {
		return time.Duration(p.QRIntervalMS) * time.Millisecond
	}
	return defaultQRInterval
}

// QRMaxAttemptsOrDefault returns the QR confirmation attempt budget.
func (p PollConfig) QRMaxAttemptsOrDefault() int {
	if p.QRMaxAttempts > 0 {
		return p.QRMaxAttempts
	}
	return defaultQRMaxAttempts
}

// StatusIntervalOrDefault returns the login status tick period.
func (p PollConfig) StatusIntervalOrDefault() time.Duration {
	if p.StatusIntervalMS > 0 {
		return time.Duration(p.StatusIntervalMS) * time.Millisecond
	}
	return defaultStatusInterval
}

// StatusMaxAttemptsOrDefault returns the status attempt budget; 0 means unbounded.
func (p PollConfig) StatusMaxAttemptsOrDefault() int {
	if p.StatusMaxAttempts > 0 {
		return p.StatusMaxAttempts
	}
	return 0
}

// StatusMaxErrorsOrDefault returns the consecutive status error budget; 0 means unbounded.
func (p PollConfig) StatusMaxErrorsOrDefault() int {
	if p.StatusMaxErrors > 0 {
		return p.StatusMaxErrors
	}
	return 0
}

// LoadFrom reads configuration from the given TOML file path.
// If the file does not exist, it returns an empty config without error.
// Environment variables always take precedence over file values:
//   - MPDECK_URL      overrides server.url
//   - MPDECK_TOKEN    overrides auth.token
//   - MPDECK_USERNAME overrides auth.username
func LoadFrom(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decoding %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// DefaultConfigPath returns the default path for the mpdeck config file.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mpdeck", "config.toml")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MPDECK_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("MPDECK_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("MPDECK_USERNAME"); v != "" {
		cfg.Auth.Username = v
	}
}

// Save writes cfg to the given TOML file path, creating parent directories as needed.
// Existing file contents are overwritten. Permissions on the written file are 0600.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	if encErr := toml.NewEncoder(f).Encode(cfg); encErr != nil {
		f.Close()
		return encErr
	}
	return f.Close()
}
