// Package whois resolves IP addresses to ASN attributions through the Team
// Cymru IP-to-ASN service. Single lookups go over DNS TXT with a bulk TCP
// whois fallback; batch lookups use the bulk TCP protocol only, which is the
// sole method the upstream permits for volume queries.
package whois

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/trapline-labs/trapline/internal/blobcache"
	"github.com/trapline-labs/trapline/internal/metrics"
	"github.com/trapline-labs/trapline/internal/ratelimit"
)

const (
	// CacheService is the blob cache namespace for parsed results.
	CacheService = "whois-asn"
	// CacheTTL is how long a parsed result stays valid on disk.
	CacheTTL = 90 * 24 * time.Hour

	defaultOriginV4Zone = "origin.asn.cymru.com"
	defaultOriginV6Zone = "origin6.asn.cymru.com"
	defaultASZone       = "asn.cymru.com"
	defaultBulkAddr     = "whois.cymru.com:43"

	dnsRetries     = 3
	dnsBaseDelay   = time.Second
	bulkRetries    = 3
	bulkTimeout    = 30 * time.Second
	bulkChunkLimit = 500
)

// TXTResolver is the DNS surface the client needs; *net.Resolver satisfies it.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Stats are cumulative client counters.
type Stats struct {
	Lookups     uint64
	CacheHits   uint64
	CacheMisses uint64
	DNSSuccess  uint64
	DNSFailure  uint64
	BulkSuccess uint64
	BulkFailure uint64
	Errors      uint64
}

type Config struct {
	Logger  *slog.Logger
	Cache   *blobcache.Cache
	Limiter ratelimit.Limiter

	// Resolver overrides DNS lookups in tests.
	Resolver TXTResolver
	// DialContext overrides the bulk TCP dialer in tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	OriginV4Zone string
	OriginV6Zone string
	ASZone       string
	BulkAddr     string

	// RetryBaseDelay is the first retry delay (doubles per attempt).
	// Overridden in tests to keep them fast.
	RetryBaseDelay time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Cache == nil {
		return errors.New("blob cache is required")
	}
	if c.Limiter == nil {
		l, err := ratelimit.New(100, 100)
		if err != nil {
			return err
		}
		c.Limiter = l
	}
	if c.Resolver == nil {
		c.Resolver = net.DefaultResolver
	}
	if c.DialContext == nil {
		dialer := &net.Dialer{Timeout: bulkTimeout}
		c.DialContext = dialer.DialContext
	}
	if c.OriginV4Zone == "" {
		c.OriginV4Zone = defaultOriginV4Zone
	}
	if c.OriginV6Zone == "" {
		c.OriginV6Zone = defaultOriginV6Zone
	}
	if c.ASZone == "" {
		c.ASZone = defaultASZone
	}
	if c.BulkAddr == "" {
		c.BulkAddr = defaultBulkAddr
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = dnsBaseDelay
	}
	return nil
}

type Client struct {
	log *slog.Logger
	cfg *Config

	lookups     atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
	dnsSuccess  atomic.Uint64
	dnsFailure  atomic.Uint64
	bulkSuccess atomic.Uint64
	bulkFailure atomic.Uint64
	errs        atomic.Uint64
}

func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Cache.RegisterService(CacheService, blobcache.ServiceConfig{
		TTL:         CacheTTL,
		LegacyPaths: []blobcache.PathBuilder{blobcache.FlatLegacyPath},
	})
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// Lookup resolves one IP. A nil result with nil error is a valid negative
// answer (unallocated address). DNS is the primary path; on transport failure
// the client falls back to a single-address bulk query.
func (c *Client) Lookup(ctx context.Context, ip string) (*Result, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		c.errs.Add(1)
		return nil, fmt.Errorf("invalid IP %q", ip)
	}
	c.lookups.Add(1)

	var cached Result
	if c.cfg.Cache.LoadJSON(CacheService, ip, &cached) {
		c.cacheHits.Add(1)
		return &cached, nil
	}
	c.cacheMisses.Add(1)

	if err := c.cfg.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	result, err := c.lookupDNS(ctx, parsed)
	if err != nil {
		c.dnsFailure.Add(1)
		c.log.Debug("whois: dns lookup failed, trying bulk", "ip", ip, "error", err)
		bulkResults, bulkErr := c.bulk(ctx, []string{ip})
		if bulkErr != nil {
			c.errs.Add(1)
			metrics.ProviderLookupsTotal.WithLabelValues("whois", "error").Inc()
			return nil, fmt.Errorf("whois lookup %s: dns: %w, bulk: %w", ip, err, bulkErr)
		}
		result = bulkResults[ip]
	} else {
		c.dnsSuccess.Add(1)
	}

	if result == nil {
		// Unallocated: a valid negative answer, not cached.
		metrics.ProviderLookupsTotal.WithLabelValues("whois", "absent").Inc()
		return nil, nil
	}

	c.cfg.Cache.StoreJSON(CacheService, ip, result)
	metrics.ProviderLookupsTotal.WithLabelValues("whois", "hit").Inc()
	return result, nil
}

// lookupDNS queries the origin TXT zone with retries (1s, 2s, 4s) for
// transient failures. NXDOMAIN and empty answers terminate immediately as a
// negative result.
func (c *Client) lookupDNS(ctx context.Context, ip net.IP) (*Result, error) {
	name, err := reverseForOrigin(ip, c.cfg.OriginV4Zone, c.cfg.OriginV6Zone)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	records, err := backoff.Retry(ctx, func() ([]string, error) {
		records, err := c.cfg.Resolver.LookupTXT(ctx, name)
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				// Unallocated space; no point retrying.
				return nil, backoff.Permanent(errNotFound)
			}
			return nil, err
		}
		return records, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(dnsRetries+1))
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	result, err := parseOriginTXT(records[0])
	if err != nil {
		c.errs.Add(1)
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	// The origin zone has no org name; the AS zone does. Best-effort.
	if org := c.lookupASName(ctx, result.ASN); org != "" {
		result.ASNOrg = org
	}
	return result, nil
}

func (c *Client) lookupASName(ctx context.Context, asn uint) string {
	name := fmt.Sprintf("AS%d.%s", asn, c.cfg.ASZone)
	records, err := c.cfg.Resolver.LookupTXT(ctx, name)
	if err != nil || len(records) == 0 {
		c.log.Debug("whois: as-name lookup failed", "asn", asn, "error", err)
		return ""
	}
	return parseASNameTXT(records[0])
}

var errNotFound = errors.New("whois: not found")

func (c *Client) Stats() Stats {
	return Stats{
		Lookups:     c.lookups.Load(),
		CacheHits:   c.cacheHits.Load(),
		CacheMisses: c.cacheMisses.Load(),
		DNSSuccess:  c.dnsSuccess.Load(),
		DNSFailure:  c.dnsFailure.Load(),
		BulkSuccess: c.bulkSuccess.Load(),
		BulkFailure: c.bulkFailure.Load(),
		Errors:      c.errs.Load(),
	}
}

func (c *Client) ResetStats() {
	c.lookups.Store(0)
	c.cacheHits.Store(0)
	c.cacheMisses.Store(0)
	c.dnsSuccess.Store(0)
	c.dnsFailure.Store(0)
	c.bulkSuccess.Store(0)
	c.bulkFailure.Store(0)
	c.errs.Store(0)
}
