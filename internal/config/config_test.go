package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"CMSDB_CONFIG", "CMSDB_PROVIDER", "CMSDB_DSN", "DB_PATH", "CMSDB_MIGRATIONS_DIR",
	"CMSDB_LOG_LEVEL", "CMSDB_LOG_FORMAT", "CMSDB_HTTP_ADDR", "CMSDB_ADMIN_TOKEN", "CMSDB_COMPARE_EXCLUDE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cmsdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Provider)
	assert.Equal(t, DefaultDBPath, cfg.Database.DSN)
	assert.Equal(t, "id", cfg.Compare.KeyColumn)
	assert.Equal(t, []string{"migration_history"}, cfg.Compare.ExcludeTables)
	assert.Equal(t, DefaultReportPath, cfg.Compare.ReportPath)
	assert.False(t, cfg.HasCompare())
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
database:
  provider: sqlite
  dsn: ./from-file.db
log_level: debug
compare:
  source:
    dsn: ./server.db
  target:
    dsn: ./local.db
  key_column: uuid
`)
	t.Setenv("DB_PATH", "/data/cms.db")
	t.Setenv("CMSDB_COMPARE_EXCLUDE", "migration_history, sessions ,")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/cms.db", cfg.Database.DSN, "env wins over file")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "uuid", cfg.Compare.KeyColumn)
	assert.Equal(t, []string{"migration_history", "sessions"}, cfg.Compare.ExcludeTables)
	assert.Equal(t, "sqlite", cfg.Compare.Source.Provider)
	assert.True(t, cfg.HasCompare())
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "http_addr: \":9090\"\n")
	t.Setenv("CMSDB_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddress)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "database: [not, a, map]\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "database:\n  provider: oracle\n  dsn: x\n"))
	assert.ErrorContains(t, err, "unsupported provider")

	_, err = Load(writeFile(t, "database:\n  provider: postgres\n  dsn: \"\"\n"))
	assert.ErrorContains(t, err, "dsn is required")
}

func TestSampleParses(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, Sample("./cms.db")))
	require.NoError(t, err)
	assert.Equal(t, "./cms.db", cfg.Database.DSN)
	assert.Equal(t, "./cms-server1.db", cfg.Compare.Source.DSN)
	assert.True(t, cfg.HasCompare())
}
