package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forkdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// clearEnv blanks every variable Load reads so the ambient environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FORKDB_DATA_DIR", "FORKDB_DIALECT", "FORKDB_LOG_LEVEL", "FORKDB_LOG_FORMAT",
		"FORKDB_ORACLE", "FORKDB_PLAN_FILE", "FORKDB_OPENAI_MODEL", "FORKDB_OPENAI_BASE_URL",
		"FORKDB_SERVER_ADDR", "FORKDB_METRICS_ADDR", "FORKDB_JWT_SECRET",
		"FORKDB_S3_ACCESS_KEY", "FORKDB_S3_SECRET_KEY", "FORKDB_S3_REGION", "FORKDB_S3_ENDPOINT",
		"OPENAI_API_KEY", "FORKDB_OPENAI_API_KEY", "FORKDB_MAX_RETRIES", "FORKDB_REPAIR_TIMEOUT",
		"FORKDB_AUTO_COMMIT",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Execution.MaxRetries)
	assert.Equal(t, "main.db", cfg.Mainline)
}

func TestLoadWithoutFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "forkdb", cfg.DataDir)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
data_dir: /var/lib/forkdb
dialect: duckdb
execution:
  statement_timeout: 30s
  repair_timeout: 5s
  max_retries: 3
oracle:
  provider: openai
  api_key: sk-test
  branches: 4
logging:
  level: debug
  format: json
s3:
  region: eu-west-1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/forkdb", cfg.DataDir)
	assert.Equal(t, "duckdb", cfg.Dialect)
	assert.Equal(t, 30*time.Second, cfg.Execution.StatementTimeout)
	assert.Equal(t, 5*time.Second, cfg.Execution.RepairTimeout)
	assert.Equal(t, 3, cfg.Execution.MaxRetries)
	assert.Equal(t, 5, cfg.Execution.SampleRows, "unset fields keep their defaults")
	assert.Equal(t, 4, cfg.Oracle.Branches)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "eu-west-1", cfg.S3.Region)
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)

	tests := map[string]string{
		"dialect":        "dialect: postgres",
		"log level":      "logging:\n  level: loud",
		"retries":        "execution:\n  max_retries: 0",
		"openai key":     "oracle:\n  provider: openai",
		"identity email": "identity:\n  email: nobody",
		"base url":       "oracle:\n  base_url: not a url",
		"not yaml":       "data_dir: [",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)

	t.Setenv("FORKDB_DATA_DIR", "/tmp/env")
	t.Setenv("FORKDB_LOG_LEVEL", "warn")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("FORKDB_ORACLE", "openai")
	t.Setenv("FORKDB_MAX_RETRIES", "2")
	t.Setenv("FORKDB_REPAIR_TIMEOUT", "250ms")
	t.Setenv("FORKDB_AUTO_COMMIT", "true")

	cfg, err := Load(writeConfig(t, "data_dir: /from/file\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env", cfg.DataDir)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "openai", cfg.Oracle.Provider)
	assert.Equal(t, "sk-env", cfg.Oracle.APIKey)
	assert.Equal(t, 2, cfg.Execution.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Execution.RepairTimeout)
	assert.True(t, cfg.Execution.AutoCommit)
}

func TestEnvOverrideParseErrors(t *testing.T) {
	clearEnv(t)

	t.Run("retries", func(t *testing.T) {
		t.Setenv("FORKDB_MAX_RETRIES", "many")
		_, err := Load("")
		assert.Error(t, err)
	})
	t.Run("timeout", func(t *testing.T) {
		t.Setenv("FORKDB_REPAIR_TIMEOUT", "soon")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)

	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	cfg.Execution.StatementTimeout = 10 * time.Second

	path := filepath.Join(t.TempDir(), "nested", "forkdb.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
