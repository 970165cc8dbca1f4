// Package geoip wraps the offline MaxMind City and ASN databases. Readers are
// opened lazily on first lookup and rotated atomically when the databases are
// refreshed, so long-running enrichment loops never hold a stale handle.
package geoip

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oschwald/geoip2-golang"
)

const (
	CityDBFile = "GeoLite2-City.mmdb"
	ASNDBFile  = "GeoLite2-ASN.mmdb"

	// Databases older than this should be refreshed (strictly greater).
	MaxDatabaseAge = 7 * 24 * time.Hour
)

// Result is one offline lookup. ASN of zero means the ASN database had no
// answer for the address.
type Result struct {
	CountryCode    string  `json:"country_code"`
	CountryName    string  `json:"country_name"`
	City           string  `json:"city,omitempty"`
	Latitude       float64 `json:"latitude,omitempty"`
	Longitude      float64 `json:"longitude,omitempty"`
	AccuracyRadius int     `json:"accuracy_radius,omitempty"`
	ASN            uint    `json:"asn,omitempty"`
	ASNOrg         string  `json:"asn_org,omitempty"`
}

// Stats are cumulative client counters.
type Stats struct {
	Lookups uint64
	Hits    uint64
	Misses  uint64
	Errors  uint64
}

type Config struct {
	Logger *slog.Logger
	// Dir holds the two .mmdb files.
	Dir   string
	Clock clockwork.Clock

	// LicenseKey enables Update; empty disables it.
	LicenseKey string
	// DownloadURL is the permalink template for database archives. The one
	// %s verb receives the edition id.
	DownloadURL string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Dir == "" {
		return errors.New("database dir is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.DownloadURL == "" {
		c.DownloadURL = "https://download.maxmind.com/app/geoip_download?edition_id=%s&suffix=tar.gz"
	}
	return nil
}

type Client struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	mu     sync.Mutex
	cityDB *geoip2.Reader
	asnDB  *geoip2.Reader
	closed bool

	lookups atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64
	errs    atomic.Uint64
}

func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
	}, nil
}

// Lookup resolves ip against the City and ASN databases. A nil result with a
// nil error means the address is not covered.
func (c *Client) Lookup(ip string) (*Result, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		c.errs.Add(1)
		return nil, fmt.Errorf("invalid IP %q", ip)
	}
	c.lookups.Add(1)

	cityDB, asnDB, err := c.readers()
	if err != nil {
		c.errs.Add(1)
		return nil, err
	}

	var result Result

	cityRec, err := cityDB.City(parsed)
	if err != nil {
		c.log.Debug("geoip: city lookup failed", "ip", ip, "error", err)
	} else {
		result.CountryCode = cityRec.Country.IsoCode
		result.CountryName = cityRec.Country.Names["en"]
		result.City = cityRec.City.Names["en"]
		result.Latitude = cityRec.Location.Latitude
		result.Longitude = cityRec.Location.Longitude
		result.AccuracyRadius = int(cityRec.Location.AccuracyRadius)
	}

	asnRec, err := asnDB.ASN(parsed)
	if err != nil {
		c.log.Debug("geoip: asn lookup failed", "ip", ip, "error", err)
	} else {
		result.ASN = asnRec.AutonomousSystemNumber
		result.ASNOrg = asnRec.AutonomousSystemOrganization
	}

	if result.CountryCode == "" && result.ASN == 0 {
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	return &result, nil
}

// readers opens the database files on first use and caches the handles.
func (c *Client) readers() (*geoip2.Reader, *geoip2.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, errors.New("geoip client is closed")
	}
	if c.cityDB != nil && c.asnDB != nil {
		return c.cityDB, c.asnDB, nil
	}

	cityDB, err := geoip2.Open(filepath.Join(c.cfg.Dir, CityDBFile))
	if err != nil {
		return nil, nil, fmt.Errorf("open city database: %w", err)
	}
	asnDB, err := geoip2.Open(filepath.Join(c.cfg.Dir, ASNDBFile))
	if err != nil {
		cityDB.Close()
		return nil, nil, fmt.Errorf("open asn database: %w", err)
	}
	c.cityDB = cityDB
	c.asnDB = asnDB
	return c.cityDB, c.asnDB, nil
}

// DatabaseAge returns the age of the oldest database file.
func (c *Client) DatabaseAge() (time.Duration, error) {
	var oldest time.Time
	for _, name := range []string{CityDBFile, ASNDBFile} {
		info, err := os.Stat(filepath.Join(c.cfg.Dir, name))
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", name, err)
		}
		if oldest.IsZero() || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
		}
	}
	return c.clock.Since(oldest), nil
}

// ShouldUpdate reports whether the databases are older than MaxDatabaseAge.
// Exactly at the boundary counts as current.
func (c *Client) ShouldUpdate() bool {
	age, err := c.DatabaseAge()
	if err != nil {
		// Missing files: an update is the only way forward.
		return true
	}
	return age > MaxDatabaseAge
}

// rotate swaps in freshly extracted databases, closing the old readers. The
// next lookup reopens lazily.
func (c *Client) rotate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cityDB != nil {
		c.cityDB.Close()
		c.cityDB = nil
	}
	if c.asnDB != nil {
		c.asnDB.Close()
		c.asnDB = nil
	}
}

// Close releases the cached readers. The client cannot be used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var errs []error
	if c.cityDB != nil {
		errs = append(errs, c.cityDB.Close())
		c.cityDB = nil
	}
	if c.asnDB != nil {
		errs = append(errs, c.asnDB.Close())
		c.asnDB = nil
	}
	return errors.Join(errs...)
}

func (c *Client) Stats() Stats {
	return Stats{
		Lookups: c.lookups.Load(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Errors:  c.errs.Load(),
	}
}

func (c *Client) ResetStats() {
	c.lookups.Store(0)
	c.hits.Store(0)
	c.misses.Store(0)
	c.errs.Store(0)
}
