// Package passwords queries a k-anonymity hash-prefix service for credential
// prevalence: only the first five hex characters of the SHA-1 digest leave
// the process, and the returned bucket is cached whole.
package passwords

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzhttp"

	"github.com/trapline-labs/trapline/internal/ratelimit"
)

const (
	// DefaultBaseURL is the range endpoint of the public HIBP-compatible
	// service.
	DefaultBaseURL = "https://api.pwnedpasswords.com"

	prefixLen = 5

	// BucketTTL caches successfully fetched buckets.
	BucketTTL = 7 * 24 * time.Hour
	// MissTTL caches failed fetches so one dead prefix is not re-queried
	// on every session.
	MissTTL = 12 * time.Hour

	httpRetries = 3
)

// ErrInvalidDigest rejects inputs that are not 40 hex characters.
var ErrInvalidDigest = errors.New("passwords: digest must be 40 hex characters")

// bucket maps uppercase 35-character suffixes to prevalence counts. A nil map
// marks a cached fetch failure.
type bucket map[string]int64

type Stats struct {
	Lookups     uint64
	BucketHits  uint64
	BucketLoads uint64
	Failures    uint64
}

type Config struct {
	Logger     *slog.Logger
	BaseURL    string
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
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Transport: gzhttp.Transport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		}
	}
	if c.Limiter == nil {
		limiter, err := ratelimit.New(10, 10)
		if err != nil {
			return err
		}
		c.Limiter = limiter
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	return nil
}

// Client resolves password prevalence by digest prefix.
type Client struct {
	log     *slog.Logger
	baseURL string
	http    *http.Client
	limiter ratelimit.Limiter
	clock   clockwork.Clock
	delay   time.Duration

	buckets *ttlcache.Cache[string, bucket]

	lookups     atomic.Uint64
	bucketHits  atomic.Uint64
	bucketLoads atomic.Uint64
	failures    atomic.Uint64
}

func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	buckets := ttlcache.New(
		ttlcache.WithTTL[string, bucket](BucketTTL),
		ttlcache.WithDisableTouchOnHit[string, bucket](),
	)
	go buckets.Start()
	return &Client{
		log:     cfg.Logger,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		limiter: cfg.Limiter,
		clock:   cfg.Clock,
		delay:   cfg.RetryBaseDelay,
		buckets: buckets,
	}, nil
}

func (c *Client) Close() { c.buckets.Stop() }

// Prevalence returns how often the password behind the given SHA-1 digest has
// been observed in breach corpora. Zero means unknown to the service.
func (c *Client) Prevalence(ctx context.Context, sha1hex string) (int64, error) {
	c.lookups.Add(1)
	digest := strings.ToUpper(strings.TrimSpace(sha1hex))
	if len(digest) != 40 || !isHex(digest) {
		return 0, ErrInvalidDigest
	}
	prefix, suffix := digest[:prefixLen], digest[prefixLen:]

	if item := c.buckets.Get(prefix); item != nil {
		c.bucketHits.Add(1)
		b := item.Value()
		if b == nil {
			// Cached fetch failure.
			return 0, nil
		}
		return b[suffix], nil
	}

	b, err := c.fetchBucket(ctx, prefix)
	if err != nil {
		c.failures.Add(1)
		c.log.Warn("passwords: range query failed", "prefix", prefix, "error", err)
		c.buckets.Set(prefix, nil, MissTTL)
		return 0, nil
	}
	c.bucketLoads.Add(1)
	c.buckets.Set(prefix, b, ttlcache.DefaultTTL)
	return b[suffix], nil
}

func (c *Client) fetchBucket(ctx context.Context, prefix string) (bucket, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.delay
	return backoff.Retry(ctx, func() (bucket, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/range/"+prefix, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return parseBucket(resp.Body)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("range %s: http %d", prefix, resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("range %s: http %d", prefix, resp.StatusCode))
		}
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(httpRetries))
}

// parseBucket reads "SUFFIX:COUNT" lines. Unparseable lines are skipped.
func parseBucket(r io.Reader) (bucket, error) {
	out := bucket{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		suffix, countStr, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok {
			continue
		}
		count, err := strconv.ParseInt(strings.TrimSpace(countStr), 10, 64)
		if err != nil {
			continue
		}
		out[strings.ToUpper(suffix)] = count
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}

func (c *Client) Stats() Stats {
	return Stats{
		Lookups:     c.lookups.Load(),
		BucketHits:  c.bucketHits.Load(),
		BucketLoads: c.bucketLoads.Load(),
		Failures:    c.failures.Load(),
	}
}

func (c *Client) ResetStats() {
	c.lookups.Store(0)
	c.bucketHits.Store(0)
	c.bucketLoads.Store(0)
	c.failures.Store(0)
}
