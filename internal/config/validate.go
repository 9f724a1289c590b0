package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"
)

// Validate checks structural constraints of the configuration.
func (c *Config) Validate() error {
	return criterio.ValidateStruct(
		criterio.Run("data_dir", c.DataDir, isDirectoryOrNotExist),
		criterio.Run("log_level", c.LogLevel, validLogLevel),
		criterio.Run("vault", c.Vault, validVault),
		c.validateTiming(),
		c.validateProviders(),
	)
}

func (c *Config) validateTiming() error {
	var errs criterio.FieldErrorsBuilder

	if c.PollIntervalMS < 1 {
		errs = errs.Append("poll_interval_ms", fmt.Errorf("must be at least 1, got %d", c.PollIntervalMS))
	}
	if c.RetryMax < 0 {
		errs = errs.Append("retry_max", fmt.Errorf("must not be negative, got %d", c.RetryMax))
	}
	if c.RetryBackoffBaseMS < 1 {
		errs = errs.Append("retry_backoff_base_ms", fmt.Errorf("must be at least 1, got %d", c.RetryBackoffBaseMS))
	}
	if c.RetryBackoffMaxMS < c.RetryBackoffBaseMS {
		errs = errs.Append("retry_backoff_max_ms", fmt.Errorf("must be at least retry_backoff_base_ms (%d)", c.RetryBackoffBaseMS))
	}
	if c.OperationTimeoutMS < 1 {
		errs = errs.Append("operation_timeout_ms", fmt.Errorf("must be at least 1, got %d", c.OperationTimeoutMS))
	}
	if c.MaxWorkers < 1 {
		errs = errs.Append("max_workers", fmt.Errorf("must be at least 1, got %d", c.MaxWorkers))
	}
	if c.ShutdownGraceMS < 0 {
		errs = errs.Append("shutdown_grace_ms", fmt.Errorf("must not be negative, got %d", c.ShutdownGraceMS))
	}
	if c.SyncIntervalMinutes < 0 {
		errs = errs.Append("sync_interval_minutes", fmt.Errorf("must not be negative, got %d", c.SyncIntervalMinutes))
	}

	kinds := make([]string, 0, len(c.ByKind))
	for kind := range c.ByKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		if c.ByKind[kind] < 1 {
			errs = errs.Append(fmt.Sprintf("by_kind[%q]", kind), fmt.Errorf("must be at least 1, got %d", c.ByKind[kind]))
		}
	}

	return errs.ToError()
}

func (c *Config) validateProviders() error {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs criterio.FieldErrorsBuilder
	for _, name := range names {
		p := c.Providers[name]
		field := fmt.Sprintf("providers[%q]", name)
		if p.APIURL == "" {
			errs = errs.Append(field+".api_url", fmt.Errorf("cannot be empty"))
		}
		if p.ClientID != "" && (p.AuthURL == "" || p.TokenURL == "") {
			errs = errs.Append(field, fmt.Errorf("client_id requires auth_url and token_url"))
		}
	}
	return errs.ToError()
}

func validLogLevel(level string) error {
	if _, err := zerolog.ParseLevel(level); err != nil {
		return fmt.Errorf("unknown level %q", level)
	}
	return nil
}

func validVault(v string) error {
	switch v {
	case VaultKeyring, VaultFile, VaultMemory:
		return nil
	}
	return fmt.Errorf("must be one of %s, %s, %s", VaultKeyring, VaultFile, VaultMemory)
}

// isDirectoryOrNotExist validates that a path is a directory or doesn't exist.
func isDirectoryOrNotExist(path string) error {
	if path == "" {
		return fmt.Errorf("cannot be empty")
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil // created on first use
	}
	if err != nil {
		return fmt.Errorf("cannot access: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("exists but is not a directory")
	}
	return nil
}
