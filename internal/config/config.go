// Package config loads the myme configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Vault backends.
const (
	VaultKeyring = "keyring"
	VaultFile    = "file"
	VaultMemory  = "memory"
)

// Config is the process-wide configuration, loaded once when the service
// registry is built.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	Listen   string `yaml:"listen"`

	PollIntervalMS     int `yaml:"poll_interval_ms"`
	RetryMax           int `yaml:"retry_max"`
	RetryBackoffBaseMS int `yaml:"retry_backoff_base_ms"`
	RetryBackoffMaxMS  int `yaml:"retry_backoff_max_ms"`
	OperationTimeoutMS int `yaml:"operation_timeout_ms"`
	MaxWorkers         int `yaml:"max_workers"`
	// ByKind caps concurrent operations of one kind across all owners.
	ByKind          map[string]int `yaml:"by_kind"`
	ShutdownGraceMS int            `yaml:"shutdown_grace_ms"`

	SyncIntervalMinutes int  `yaml:"sync_interval_minutes"`
	AutoCreateLabels    bool `yaml:"auto_create_labels"`

	Vault     string                    `yaml:"vault"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds the OAuth client and API endpoint of one provider.
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	APIURL       string   `yaml:"api_url"`
	Scopes       []string `yaml:"scopes"`
}

// DefaultConfig returns a Config with defaults for everything but DataDir.
func DefaultConfig() Config {
	return Config{
		LogLevel:           "info",
		Listen:             "127.0.0.1:7477",
		PollIntervalMS:     100,
		RetryMax:           3,
		RetryBackoffBaseMS: 500,
		RetryBackoffMaxMS:  5000,
		OperationTimeoutMS: 30000,
		MaxWorkers:         4,
		ByKind: map[string]int{
			"sync": 2,
			"pull": 1,
		},
		ShutdownGraceMS:  5000,
		AutoCreateLabels: true,
		Vault:            VaultKeyring,
		Providers: map[string]ProviderConfig{
			"github": {
				AuthURL:  "https://github.com/login/oauth/authorize",
				TokenURL: "https://github.com/login/oauth/access_token",
				APIURL:   "https://api.github.com",
				Scopes:   []string{"repo", "read:user", "user:email"},
			},
			"calendar": {
				AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
				APIURL:   "https://www.googleapis.com/calendar/v3",
				Scopes:   []string{"https://www.googleapis.com/auth/calendar"},
			},
			"mail": {
				AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
				APIURL:   "https://gmail.googleapis.com/gmail/v1",
				Scopes:   []string{"https://www.googleapis.com/auth/gmail.readonly"},
			},
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/myme/config.yaml, falling back to
// ~/.config/myme/config.yaml.
func DefaultPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "myme", "config.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "myme", "config.yaml"), nil
}

// DefaultDataDir returns ~/.myme.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".myme"), nil
}

// Load reads configuration from configPath. A missing file yields defaults.
// dataDir, when non-empty, overrides the file's data_dir.
func Load(configPath, dataDir string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills zero values, including provider endpoints the user
// left out when only setting a client id.
func (c *Config) applyDefaults() error {
	defaults := DefaultConfig()
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.Listen == "" {
		c.Listen = defaults.Listen
	}
	if c.Vault == "" {
		c.Vault = defaults.Vault
	}
	if c.ByKind == nil {
		c.ByKind = defaults.ByKind
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	for name, def := range defaults.Providers {
		p := c.Providers[name]
		if p.AuthURL == "" {
			p.AuthURL = def.AuthURL
		}
		if p.TokenURL == "" {
			p.TokenURL = def.TokenURL
		}
		if p.APIURL == "" {
			p.APIURL = def.APIURL
		}
		if len(p.Scopes) == 0 {
			p.Scopes = def.Scopes
		}
		c.Providers[name] = p
	}
	return nil
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "myme.db")
}

// LogFile returns the daemon log location.
func (c *Config) LogFile() string {
	return filepath.Join(c.DataDir, "myme.log")
}

// CredentialsDir returns the directory used by the file vault.
func (c *Config) CredentialsDir() string {
	return filepath.Join(c.DataDir, "credentials")
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutMS) * time.Millisecond
}

func (c *Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMS) * time.Millisecond
}

func (c *Config) RetryBackoffMax() time.Duration {
	return time.Duration(c.RetryBackoffMaxMS) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}
