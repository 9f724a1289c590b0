package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hay-kot/criterio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), dataDir)
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, 100, cfg.PollIntervalMS)
	assert.Equal(t, 3, cfg.RetryMax)
	assert.Equal(t, 500, cfg.RetryBackoffBaseMS)
	assert.Equal(t, 30000, cfg.OperationTimeoutMS)
	assert.Equal(t, VaultKeyring, cfg.Vault)
	assert.Equal(t, "https://api.github.com", cfg.Providers["github"].APIURL)
	assert.Equal(t, filepath.Join(dataDir, "myme.db"), cfg.DBPath())
}

func TestLoad_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
poll_interval_ms: 250
retry_max: 5
max_workers: 8
vault: file
providers:
  github:
    client_id: abc123
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.PollIntervalMS)
	assert.Equal(t, 5, cfg.RetryMax)
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, VaultFile, cfg.Vault)

	gh := cfg.Providers["github"]
	assert.Equal(t, "abc123", gh.ClientID)
	assert.Equal(t, "https://github.com/login/oauth/access_token", gh.TokenURL, "endpoint defaults kept")
	assert.NotEmpty(t, gh.Scopes)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval_ms: [oops"), 0o644))

	_, err := Load(path, t.TempDir())
	assert.ErrorContains(t, err, "parse config file")
}

func TestValidate_FieldErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.PollIntervalMS = 0
	cfg.MaxWorkers = 0
	cfg.Vault = "cloud"

	err := cfg.Validate()

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, err, &fieldErrs)
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field)
	}
	assert.Contains(t, fields, "poll_interval_ms")
	assert.Contains(t, fields, "max_workers")
	assert.Contains(t, fields, "vault")
}

func TestValidate_DataDirIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	cfg := DefaultConfig()
	cfg.DataDir = file

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, cfg.Validate(), &fieldErrs)
	assert.Equal(t, "data_dir", fieldErrs[0].Field)
}

func TestValidate_BackoffMaxBelowBase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.RetryBackoffMaxMS = 100

	var fieldErrs criterio.FieldErrors
	require.ErrorAs(t, cfg.Validate(), &fieldErrs)
	assert.Equal(t, "retry_backoff_max_ms", fieldErrs[0].Field)
}
