// Package config loads the service configuration from an optional YAML file
// with environment overrides. Secret-valued fields hold resolver URIs
// (env:NAME, file:/path), never the secrets themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCacheRoot     = "/var/lib/trapline/cache"
	DefaultGeoIPDir      = "/var/lib/trapline/geoip"
	DefaultMetricsAddr   = ":8080"
	DefaultWorkers       = 8
	DefaultScannerAPIURL = "https://api.greynoise.io/v3/community"
)

type ScannerConfig struct {
	Enabled    bool    `yaml:"enabled"`
	BaseURL    string  `yaml:"base_url"`
	APIKeyURI  string  `yaml:"api_key"`
	DailyQuota int     `yaml:"daily_quota"`
	Rate       float64 `yaml:"rate"`
	Burst      int     `yaml:"burst"`
}

type WhoisConfig struct {
	Rate     float64 `yaml:"rate"`
	Burst    int     `yaml:"burst"`
	BulkAddr string  `yaml:"bulk_addr"`
}

type GeoIPConfig struct {
	Dir           string `yaml:"dir"`
	LicenseKeyURI string `yaml:"license_key"`
}

type FileIntelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BaseURL   string `yaml:"base_url"`
	APIKeyURI string `yaml:"api_key"`
}

type PasswordsConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

type Config struct {
	DatabaseURL string `yaml:"database_url"`
	CacheRoot   string `yaml:"cache_root"`
	MetricsAddr string `yaml:"metrics_addr"`
	Workers     int    `yaml:"workers"`
	Verbose     bool   `yaml:"verbose"`

	// CleanupInterval drives the background blob-cache sweep in serve mode.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	GeoIP     GeoIPConfig     `yaml:"geoip"`
	Whois     WhoisConfig     `yaml:"whois"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	FileIntel FileIntelConfig `yaml:"file_intel"`
	Passwords PasswordsConfig `yaml:"passwords"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CacheRoot:       DefaultCacheRoot,
		MetricsAddr:     DefaultMetricsAddr,
		Workers:         DefaultWorkers,
		CleanupInterval: 6 * time.Hour,
		GeoIP:           GeoIPConfig{Dir: DefaultGeoIPDir},
		Whois:           WhoisConfig{Rate: 100, Burst: 100},
		// Scanner reputation is opt-in: it needs an API key and a daily
		// quota budget.
		Scanner: ScannerConfig{
			BaseURL: DefaultScannerAPIURL,
			Rate:    10,
			Burst:   10,
		},
		Passwords: PasswordsConfig{Enabled: true},
	}
}

// Load builds the configuration: defaults, then the YAML file (when path is
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.DatabaseURL, "TRAPLINE_DATABASE_URL")
	setString(&c.CacheRoot, "TRAPLINE_CACHE_ROOT")
	setString(&c.MetricsAddr, "TRAPLINE_METRICS_ADDR")
	setString(&c.GeoIP.Dir, "TRAPLINE_GEOIP_DIR")
	setString(&c.GeoIP.LicenseKeyURI, "TRAPLINE_MAXMIND_LICENSE_KEY_URI")
	setString(&c.Scanner.APIKeyURI, "TRAPLINE_SCANNER_API_KEY_URI")
	setString(&c.FileIntel.APIKeyURI, "TRAPLINE_FILE_INTEL_API_KEY_URI")

	if v := os.Getenv("TRAPLINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v := os.Getenv("TRAPLINE_SCANNER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scanner.Enabled = b
		}
	}
}

func (c *Config) Validate() error {
	if c.CacheRoot == "" {
		return errors.New("cache_root is required")
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 6 * time.Hour
	}
	if c.Whois.Rate <= 0 {
		c.Whois.Rate = 100
	}
	if c.Whois.Burst <= 0 {
		c.Whois.Burst = 100
	}
	if c.Scanner.Rate <= 0 {
		c.Scanner.Rate = 10
	}
	if c.Scanner.Burst <= 0 {
		c.Scanner.Burst = 10
	}
	if c.Scanner.BaseURL == "" {
		c.Scanner.BaseURL = DefaultScannerAPIURL
	}
	if c.Scanner.Enabled && c.Scanner.APIKeyURI == "" {
		return errors.New("scanner.api_key is required when the scanner is enabled")
	}
	if c.FileIntel.Enabled && c.FileIntel.APIKeyURI == "" {
		return errors.New("file_intel.api_key is required when file intel is enabled")
	}
	if c.FileIntel.Enabled && c.FileIntel.BaseURL == "" {
		return errors.New("file_intel.base_url is required when file intel is enabled")
	}
	return nil
}
