// Package scanner classifies IPs against a community scanner-reputation API
// (noisy internet-wide scanners vs known-benign "RIOT" services). The free
// tier carries a hard daily quota, so the client tracks consumption per UTC
// day in the blob cache and degrades to absent when the cap is reached.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzhttp"

	"github.com/trapline-labs/trapline/internal/blobcache"
	"github.com/trapline-labs/trapline/internal/metrics"
	"github.com/trapline-labs/trapline/internal/ratelimit"
)

const (
	// CacheService is the blob cache namespace for lookup results.
	CacheService = "scanner-reputation"
	// CacheTTL is the on-disk result lifetime.
	CacheTTL = 7 * 24 * time.Hour

	// QuotaService holds the per-day remaining-quota counters.
	QuotaService = "quota"
	quotaTTL     = 48 * time.Hour

	// DefaultDailyQuota is the free-tier daily lookup cap.
	DefaultDailyQuota = 10_000

	defaultBaseURL = "https://api.greynoise.io/v3/community"

	httpRetries = 3
)

// ErrUnauthorized latches the client off after an HTTP 401.
var ErrUnauthorized = errors.New("scanner-reputation: credentials rejected")

// Result is one reputation classification. An HTTP 404 maps to the "unknown"
// classification, which is a successful lookup, not an absent one.
type Result struct {
	Noise          bool   `json:"noise"`
	Riot           bool   `json:"riot"`
	Classification string `json:"classification"`
	Name           string `json:"name,omitempty"`
	LastSeen       string `json:"last_seen,omitempty"`
}

// Stats are cumulative client counters.
type Stats struct {
	Lookups       uint64
	CacheHits     uint64
	CacheMisses   uint64
	APISuccess    uint64
	APIFailure    uint64
	QuotaExceeded uint64
}

// Client is the lookup surface the cascade depends on. Lookup returning
// (nil, nil) means the provider declined (quota, disabled, retries
// exhausted) — a soft absence the cascade tolerates.
type Client interface {
	Lookup(ctx context.Context, ip string) (*Result, error)
	RemainingQuota() int
	Stats() Stats
	ResetStats()
}

type Config struct {
	Logger  *slog.Logger
	Cache   *blobcache.Cache
	Limiter ratelimit.Limiter
	Clock   clockwork.Clock

	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	DailyQuota int

	// RetryBaseDelay is the first retry delay for 429/5xx responses.
	RetryBaseDelay time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Cache == nil {
		return errors.New("blob cache is required")
	}
	if c.APIKey == "" {
		return errors.New("api key is required")
	}
	if c.Limiter == nil {
		l, err := ratelimit.New(10, 10)
		if err != nil {
			return err
		}
		c.Limiter = l
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: gzhttp.Transport(http.DefaultTransport.(*http.Transport).Clone()),
		}
	}
	if c.DailyQuota == 0 {
		c.DailyQuota = DefaultDailyQuota
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = time.Second
	}
	return nil
}

type client struct {
	log *slog.Logger
	cfg *Config

	unauthorized atomic.Bool

	// quotaMu serializes the read-decrement-store on the daily counter so
	// concurrent lookups cannot overrun the cap.
	quotaMu sync.Mutex

	lookups       atomic.Uint64
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64
	apiSuccess    atomic.Uint64
	apiFailure    atomic.Uint64
	quotaExceeded atomic.Uint64
}

func New(cfg *Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Cache.RegisterService(CacheService, blobcache.ServiceConfig{
		TTL:  CacheTTL,
		Path: blobcache.IPv4OctetPath,
	})
	cfg.Cache.RegisterService(QuotaService, blobcache.ServiceConfig{TTL: quotaTTL})
	return &client{log: cfg.Logger, cfg: cfg}, nil
}

func (c *client) Lookup(ctx context.Context, ip string) (*Result, error) {
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("invalid IP %q", ip)
	}
	c.lookups.Add(1)

	if c.unauthorized.Load() {
		return nil, nil
	}

	var cached Result
	if c.cfg.Cache.LoadJSON(CacheService, ip, &cached) {
		c.cacheHits.Add(1)
		return &cached, nil
	}
	c.cacheMisses.Add(1)

	if !c.reserveQuota() {
		c.quotaExceeded.Add(1)
		c.log.Debug("scanner: daily quota exhausted", "ip", ip)
		return nil, nil
	}

	if err := c.cfg.Limiter.Acquire(ctx); err != nil {
		c.refundQuota()
		return nil, err
	}

	result, err := c.fetch(ctx, ip)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.unauthorized.Store(true)
			c.log.Error("scanner: API key rejected, disabling client for process lifetime")
		}
		c.refundQuota()
		c.apiFailure.Add(1)
		metrics.ProviderLookupsTotal.WithLabelValues("scanner-reputation", "error").Inc()
		c.log.Debug("scanner: lookup failed", "ip", ip, "error", err)
		return nil, nil
	}
	c.apiSuccess.Add(1)
	metrics.ProviderLookupsTotal.WithLabelValues("scanner-reputation", "hit").Inc()

	c.cfg.Cache.StoreJSON(CacheService, ip, result)
	return result, nil
}

func (c *client) fetch(ctx context.Context, ip string) (*Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	return backoff.Retry(ctx, func() (*Result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/"+ip, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("key", c.cfg.APIKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			var result Result
			if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
				return nil, backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
			return &result, nil
		case resp.StatusCode == http.StatusNotFound:
			// Never observed by the provider: a successful negative.
			return &Result{Classification: "unknown"}, nil
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, backoff.Permanent(ErrUnauthorized)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(httpRetries))
}

// RemainingQuota reports the remaining lookups for the current UTC day.
func (c *client) RemainingQuota() int {
	c.quotaMu.Lock()
	defer c.quotaMu.Unlock()
	return c.remainingLocked()
}

func (c *client) remainingLocked() int {
	var remaining int
	if c.cfg.Cache.LoadJSON(QuotaService, c.quotaKey(), &remaining) {
		return remaining
	}
	return c.cfg.DailyQuota
}

// reserveQuota claims one lookup from today's budget before the API call.
func (c *client) reserveQuota() bool {
	c.quotaMu.Lock()
	defer c.quotaMu.Unlock()
	remaining := c.remainingLocked()
	if remaining <= 0 {
		return false
	}
	c.storeQuotaLocked(remaining - 1)
	return true
}

// refundQuota returns a reservation whose API call never counted.
func (c *client) refundQuota() {
	c.quotaMu.Lock()
	defer c.quotaMu.Unlock()
	c.storeQuotaLocked(c.remainingLocked() + 1)
}

func (c *client) storeQuotaLocked(remaining int) {
	c.cfg.Cache.StoreJSON(QuotaService, c.quotaKey(), remaining)
	metrics.QuotaRemaining.WithLabelValues("scanner-reputation").Set(float64(remaining))
}

// quotaKey rolls over at UTC midnight: the next day simply reads a new key.
func (c *client) quotaKey() string {
	return "scanner-reputation:quota:" + c.cfg.Clock.Now().UTC().Format("2006-01-02")
}

func (c *client) Stats() Stats {
	return Stats{
		Lookups:       c.lookups.Load(),
		CacheHits:     c.cacheHits.Load(),
		CacheMisses:   c.cacheMisses.Load(),
		APISuccess:    c.apiSuccess.Load(),
		APIFailure:    c.apiFailure.Load(),
		QuotaExceeded: c.quotaExceeded.Load(),
	}
}

func (c *client) ResetStats() {
	c.lookups.Store(0)
	c.cacheHits.Store(0)
	c.cacheMisses.Store(0)
	c.apiSuccess.Store(0)
	c.apiFailure.Store(0)
	c.quotaExceeded.Store(0)
}
