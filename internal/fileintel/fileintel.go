// Package fileintel resolves reputation for files dropped on the honeypot,
// keyed by sha256. Known verdicts cache long, unknown hashes cache short so
// fresh malware gets re-checked once vendors catch up.
package fileintel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
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
	// CacheService holds verdicts for hashes the provider knows.
	CacheService = "file-intel"
	// UnknownCacheService holds short-lived negative results.
	UnknownCacheService = "file-intel-unknown"

	// KnownTTL and UnknownTTL are the two cache horizons.
	KnownTTL   = 30 * 24 * time.Hour
	UnknownTTL = 12 * time.Hour

	httpRetries = 3
)

// ErrUnauthorized latches the client off after an HTTP 401.
var ErrUnauthorized = errors.New("file-intel: credentials rejected")

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Result is the cached verdict for one file hash.
type Result struct {
	SHA256         string    `json:"sha256"`
	Known          bool      `json:"known"`
	Classification string    `json:"classification"`
	Positives      int       `json:"positives"`
	Total          int       `json:"total"`
	FirstSeen      time.Time `json:"first_seen,omitzero"`
}

// Malicious reports whether any engine flagged the file.
func (r *Result) Malicious() bool { return r.Known && r.Positives > 0 }

type Stats struct {
	Lookups     uint64
	CacheHits   uint64
	CacheMisses uint64
	APISuccess  uint64
	APIFailure  uint64
}

// Client is the file-reputation capability. NewDisabled returns the no-op
// substitute used when no API key resolves.
type Client interface {
	Lookup(ctx context.Context, sha256 string) (*Result, error)
	Stats() Stats
	ResetStats()
}

type Config struct {
	Logger     *slog.Logger
	Cache      *blobcache.Cache
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Limiter    ratelimit.Limiter
	Clock      clockwork.Clock

	// RetryBaseDelay is the first retry interval. Tests shrink it.
	RetryBaseDelay time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Cache == nil {
		return errors.New("blob cache is required")
	}
	if c.BaseURL == "" {
		return errors.New("base url is required")
	}
	if c.APIKey == "" {
		return errors.New("api key is required")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Transport: gzhttp.Transport(http.DefaultTransport),
			Timeout:   15 * time.Second,
		}
	}
	if c.Limiter == nil {
		limiter, err := ratelimit.New(4, 4)
		if err != nil {
			return err
		}
		c.Limiter = limiter
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = time.Second
	}
	return nil
}

type client struct {
	log     *slog.Logger
	cache   *blobcache.Cache
	baseURL string
	apiKey  string
	http    *http.Client
	limiter ratelimit.Limiter
	clock   clockwork.Clock
	delay   time.Duration

	unauthorized atomic.Bool

	lookups   atomic.Uint64
	cacheHits atomic.Uint64
	cacheMiss atomic.Uint64
	apiOK     atomic.Uint64
	apiFail   atomic.Uint64
}

func New(cfg *Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Cache.RegisterService(CacheService, blobcache.ServiceConfig{TTL: KnownTTL})
	cfg.Cache.RegisterService(UnknownCacheService, blobcache.ServiceConfig{TTL: UnknownTTL})
	return &client{
		log:     cfg.Logger,
		cache:   cfg.Cache,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    cfg.HTTPClient,
		limiter: cfg.Limiter,
		clock:   cfg.Clock,
		delay:   cfg.RetryBaseDelay,
	}, nil
}

// Lookup resolves one hash, preferring the cache. nil means the provider is
// unreachable or latched off; an unknown hash is a non-nil Result with
// Known=false.
func (c *client) Lookup(ctx context.Context, sha256 string) (*Result, error) {
	c.lookups.Add(1)
	hash := strings.ToLower(strings.TrimSpace(sha256))
	if !sha256Pattern.MatchString(hash) {
		return nil, fmt.Errorf("file-intel: %q is not a sha256 digest", sha256)
	}
	if c.unauthorized.Load() {
		return nil, nil
	}

	for _, service := range []string{CacheService, UnknownCacheService} {
		var cached Result
		if c.cache.LoadJSON(service, hash, &cached) {
			c.cacheHits.Add(1)
			return &cached, nil
		}
	}
	c.cacheMiss.Add(1)

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	res, err := c.fetch(ctx, hash)
	if err != nil {
		c.apiFail.Add(1)
		metrics.ProviderLookupsTotal.WithLabelValues("file-intel", "error").Inc()
		if errors.Is(err, ErrUnauthorized) {
			c.unauthorized.Store(true)
			c.log.Error("file-intel: credentials rejected, client disabled")
			return nil, err
		}
		c.log.Warn("file-intel: lookup failed", "sha256", hash, "error", err)
		return nil, nil
	}
	c.apiOK.Add(1)
	metrics.ProviderLookupsTotal.WithLabelValues("file-intel", "hit").Inc()

	service := CacheService
	if !res.Known {
		service = UnknownCacheService
	}
	c.cache.StoreJSON(service, hash, res)
	return res, nil
}

// fetch calls the provider's v3-style file endpoint.
func (c *client) fetch(ctx context.Context, hash string) (*Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.delay

	return backoff.Retry(ctx, func() (*Result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/files/"+hash, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("x-apikey", c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return parseVerdict(hash, resp.Body)
		case http.StatusNotFound:
			return &Result{SHA256: hash, Known: false, Classification: "unknown"}, nil
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, backoff.Permanent(ErrUnauthorized)
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("file-intel: http 429")
		default:
			if resp.StatusCode >= 500 {
				return nil, fmt.Errorf("file-intel: http %d", resp.StatusCode)
			}
			return nil, backoff.Permanent(fmt.Errorf("file-intel: http %d", resp.StatusCode))
		}
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(httpRetries))
}

func parseVerdict(hash string, r io.Reader) (*Result, error) {
	var body struct {
		Data struct {
			Attributes struct {
				Stats struct {
					Malicious  int `json:"malicious"`
					Suspicious int `json:"suspicious"`
					Harmless   int `json:"harmless"`
					Undetected int `json:"undetected"`
				} `json:"last_analysis_stats"`
				FirstSubmission int64 `json:"first_submission_date"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode verdict: %w", err))
	}

	stats := body.Data.Attributes.Stats
	res := &Result{
		SHA256:    hash,
		Known:     true,
		Positives: stats.Malicious + stats.Suspicious,
		Total:     stats.Malicious + stats.Suspicious + stats.Harmless + stats.Undetected,
	}
	switch {
	case stats.Malicious > 0:
		res.Classification = "malicious"
	case stats.Suspicious > 0:
		res.Classification = "suspicious"
	default:
		res.Classification = "clean"
	}
	if body.Data.Attributes.FirstSubmission > 0 {
		res.FirstSeen = time.Unix(body.Data.Attributes.FirstSubmission, 0).UTC()
	}
	return res, nil
}

func (c *client) Stats() Stats {
	return Stats{
		Lookups:     c.lookups.Load(),
		CacheHits:   c.cacheHits.Load(),
		CacheMisses: c.cacheMiss.Load(),
		APISuccess:  c.apiOK.Load(),
		APIFailure:  c.apiFail.Load(),
	}
}

func (c *client) ResetStats() {
	c.lookups.Store(0)
	c.cacheHits.Store(0)
	c.cacheMiss.Store(0)
	c.apiOK.Store(0)
	c.apiFail.Store(0)
}

// disabled is the no-op substitute wired in when no API key resolves.
type disabled struct {
	failures atomic.Uint64
}

// NewDisabled returns a client whose every lookup is an absent answer.
func NewDisabled(log *slog.Logger) Client {
	log.Warn("file-intel: no credentials, lookups disabled")
	return &disabled{}
}

func (d *disabled) Lookup(context.Context, string) (*Result, error) {
	d.failures.Add(1)
	return nil, nil
}

func (d *disabled) Stats() Stats { return Stats{APIFailure: d.failures.Load()} }
func (d *disabled) ResetStats()  { d.failures.Store(0) }
