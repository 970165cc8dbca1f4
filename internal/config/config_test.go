package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trapline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultCacheRoot, cfg.CacheRoot)
	require.Equal(t, DefaultWorkers, cfg.Workers)
	require.Equal(t, 100.0, cfg.Whois.Rate)
	require.False(t, cfg.Scanner.Enabled, "reputation lookups are opt-in")
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
database_url: postgres://file/db
cache_root: /tmp/cache
workers: 3
cleanup_interval: 1h
scanner:
  enabled: true
  api_key: env:SCANNER_KEY
  daily_quota: 5000
whois:
  rate: 50
  burst: 25
`)
	t.Setenv("TRAPLINE_DATABASE_URL", "postgres://env/db")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://env/db", cfg.DatabaseURL, "env beats file")
	require.Equal(t, "/tmp/cache", cfg.CacheRoot)
	require.Equal(t, 3, cfg.Workers)
	require.Equal(t, time.Hour, cfg.CleanupInterval)
	require.Equal(t, "env:SCANNER_KEY", cfg.Scanner.APIKeyURI)
	require.Equal(t, 5000, cfg.Scanner.DailyQuota)
	require.Equal(t, 50.0, cfg.Whois.Rate)
	require.Equal(t, 25, cfg.Whois.Burst)
	require.Equal(t, DefaultScannerAPIURL, cfg.Scanner.BaseURL, "unset fields keep defaults")
}

func TestLoad_ScannerEnabledNeedsKey(t *testing.T) {
	path := writeConfig(t, `
scanner:
  enabled: true
`)
	_, err := Load(path)
	require.Error(t, err)

	t.Setenv("TRAPLINE_SCANNER_API_KEY_URI", "env:KEY")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env:KEY", cfg.Scanner.APIKeyURI)

	t.Setenv("TRAPLINE_SCANNER_ENABLED", "false")
	cfg, err = Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.False(t, cfg.Scanner.Enabled)
}

func TestLoad_FileIntelValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
scanner:
  enabled: false
file_intel:
  enabled: true
`))
	require.Error(t, err)

	cfg, err := Load(writeConfig(t, `
scanner:
  enabled: false
file_intel:
  enabled: true
  base_url: https://intel.example
  api_key: file:/etc/trapline/vt.key
`))
	require.NoError(t, err)
	require.Equal(t, "file:/etc/trapline/vt.key", cfg.FileIntel.APIKeyURI)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
