package whois

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/trapline-labs/trapline/internal/blobcache"
	"github.com/trapline-labs/trapline/internal/ratelimit"
)

type fakeResolver struct {
	mu      sync.Mutex
	answers map[string][]string
	errs    map[string]error
	calls   map[string]int
}

func (f *fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	if records, ok := f.answers[name]; ok {
		return records, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

// fakeBulkServer answers the begin/verbose/end dialogue over net.Pipe and
// records how many lines each request carried.
type fakeBulkServer struct {
	responses map[string]string // ip -> verbose line
	dials     atomic.Int64
	maxLines  atomic.Int64
}

func (s *fakeBulkServer) dial(_ context.Context, _, _ string) (net.Conn, error) {
	s.dials.Add(1)
	client, server := net.Pipe()
	go s.serve(server)
	return client, nil
}

func (s *fakeBulkServer) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	var ips []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "begin", "verbose":
			continue
		case "end":
			if int64(len(ips)) > s.maxLines.Load() {
				s.maxLines.Store(int64(len(ips)))
			}
			fmt.Fprintf(conn, "Bulk mode; whois.cymru.com [2026-08-25 00:00:00 +0000]\n")
			for _, ip := range ips {
				if resp, ok := s.responses[ip]; ok {
					fmt.Fprintln(conn, resp)
				} else {
					fmt.Fprintf(conn, "NA | %s | NA | | NA | | NA\n", ip)
				}
			}
			return
		default:
			ips = append(ips, line)
		}
	}
}

func newTestCache(t *testing.T) *blobcache.Cache {
	t.Helper()
	cache, err := blobcache.New(&blobcache.Config{
		Logger: slog.Default(),
		Root:   t.TempDir(),
		Clock:  clockwork.NewFakeClockAt(time.Now()),
	})
	require.NoError(t, err)
	return cache
}

func newTestClient(t *testing.T, resolver *fakeResolver, bulk *fakeBulkServer) *Client {
	t.Helper()
	cfg := &Config{
		Logger:         slog.Default(),
		Cache:          newTestCache(t),
		Limiter:        ratelimit.Unlimited(),
		Resolver:       resolver,
		RetryBaseDelay: time.Millisecond,
	}
	if bulk != nil {
		cfg.DialContext = bulk.dial
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestWhois_LookupDNS(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{
		answers: map[string][]string{
			"1.113.0.203.origin.asn.cymru.com": {"4134 | 203.0.113.0/24 | CN | apnic | 2011-05-23"},
			"AS4134.asn.cymru.com":             {"4134 | CN | apnic | 2011-05-23 | CHINANET-BACKBONE"},
		},
	}
	c := newTestClient(t, resolver, nil)

	got, err := c.Lookup(context.Background(), "203.0.113.1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint(4134), got.ASN)
	require.Equal(t, "CHINANET-BACKBONE", got.ASNOrg)
	require.Equal(t, "CN", got.CountryCode)
	require.Equal(t, "APNIC", got.Registry)
	require.Equal(t, "203.0.113.0/24", got.Prefix)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.DNSSuccess)
	require.Equal(t, uint64(1), stats.CacheMisses)
}

func TestWhois_LookupCachedSecondCall(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{
		answers: map[string][]string{
			"8.8.8.8.origin.asn.cymru.com": {"15169 | 8.8.8.0/24 | US | arin | 2000-03-30"},
		},
	}
	c := newTestClient(t, resolver, nil)

	_, err := c.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)

	got, err := c.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, uint(15169), got.ASN)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.CacheHits)
	require.Equal(t, uint64(1), stats.DNSSuccess)
	require.Equal(t, 1, resolver.calls["8.8.8.8.origin.asn.cymru.com"])
}

func TestWhois_UnallocatedIsAbsent(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{
		answers: map[string][]string{
			"1.2.0.192.origin.asn.cymru.com": {"NA | 192.0.2.0/24 | ZZ | iana | "},
		},
	}
	c := newTestClient(t, resolver, nil)

	got, err := c.Lookup(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestWhois_NXDOMAINTerminatesWithoutRetry(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{} // every name resolves to NXDOMAIN
	c := newTestClient(t, resolver, nil)

	got, err := c.Lookup(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, 1, resolver.calls["7.100.51.198.origin.asn.cymru.com"])
}

func TestWhois_DNSFailureFallsBackToBulk(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{
		errs: map[string]error{
			"1.113.0.203.origin.asn.cymru.com": &net.DNSError{Err: "timeout", IsTimeout: true, IsTemporary: true},
		},
	}
	bulk := &fakeBulkServer{
		responses: map[string]string{
			"203.0.113.1": "4134    | 203.0.113.1     | 203.0.113.0/24     | CN | apnic  | 2011-05-23 | CHINANET-BACKBONE",
		},
	}
	c := newTestClient(t, resolver, bulk)

	got, err := c.Lookup(context.Background(), "203.0.113.1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint(4134), got.ASN)
	require.Equal(t, "CHINANET-BACKBONE", got.ASNOrg)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.DNSFailure)
	require.Equal(t, uint64(1), stats.BulkSuccess)
}

func TestWhois_BulkLookupChunksAt500(t *testing.T) {
	t.Parallel()

	responses := make(map[string]string, 750)
	ips := make([]string, 0, 750)
	for i := range 750 {
		ip := fmt.Sprintf("10.%d.%d.%d", i/65536, (i/256)%256, i%256)
		ips = append(ips, ip)
		responses[ip] = fmt.Sprintf("64500   | %s | 10.0.0.0/8 | US | arin | 2000-01-01 | EXAMPLE-NET", ip)
	}
	bulk := &fakeBulkServer{responses: responses}
	c := newTestClient(t, &fakeResolver{}, bulk)

	results, err := c.BulkLookup(context.Background(), ips)
	require.NoError(t, err)
	require.Len(t, results, 750)
	require.EqualValues(t, 2, bulk.dials.Load())
	require.LessOrEqual(t, bulk.maxLines.Load(), int64(500))
}

func TestWhois_BulkSurvivesTransientDialFailures(t *testing.T) {
	t.Parallel()

	inner := &fakeBulkServer{responses: map[string]string{
		"203.0.113.1": "4134    | 203.0.113.1     | 203.0.113.0/24     | CN | apnic  | 2011-05-23 | CHINANET-BACKBONE",
	}}
	var dials atomic.Int64
	c, err := New(&Config{
		Logger:         slog.Default(),
		Cache:          newTestCache(t),
		Limiter:        ratelimit.Unlimited(),
		Resolver:       &fakeResolver{},
		RetryBaseDelay: time.Millisecond,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			// The full retry budget of transient failures, then recovery.
			if dials.Add(1) <= bulkRetries {
				return nil, errors.New("connection refused")
			}
			return inner.dial(ctx, network, addr)
		},
	})
	require.NoError(t, err)

	results, err := c.BulkLookup(context.Background(), []string{"203.0.113.1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, uint(4134), results["203.0.113.1"].ASN)
	require.EqualValues(t, bulkRetries+1, dials.Load())
}

func TestWhois_BulkLookupExactly500IsOneQuery(t *testing.T) {
	t.Parallel()

	responses := make(map[string]string, 500)
	ips := make([]string, 0, 500)
	for i := range 500 {
		ip := fmt.Sprintf("10.1.%d.%d", (i/256)%256, i%256)
		ips = append(ips, ip)
		responses[ip] = fmt.Sprintf("64500   | %s | 10.0.0.0/8 | US | arin | 2000-01-01 | EXAMPLE-NET", ip)
	}
	bulk := &fakeBulkServer{responses: responses}
	c := newTestClient(t, &fakeResolver{}, bulk)

	results, err := c.BulkLookup(context.Background(), ips)
	require.NoError(t, err)
	require.Len(t, results, 500)
	require.EqualValues(t, 1, bulk.dials.Load())
}

func TestWhois_InvalidIPRejected(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, &fakeResolver{}, nil)
	_, err := c.Lookup(context.Background(), "not-an-ip")
	require.Error(t, err)
}

func TestWhois_ParseOriginMultiOrigin(t *testing.T) {
	t.Parallel()

	got, err := parseOriginTXT("64500 64501 | 192.0.2.0/24 | US | arin | 2001-01-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint(64500), got.ASN)
}

func TestWhois_ReverseForOrigin(t *testing.T) {
	t.Parallel()

	name, err := reverseForOrigin(net.ParseIP("1.2.3.4"), "origin.asn.cymru.com", "origin6.asn.cymru.com")
	require.NoError(t, err)
	require.Equal(t, "4.3.2.1.origin.asn.cymru.com", name)

	name, err = reverseForOrigin(net.ParseIP("2001:db8::1"), "origin.asn.cymru.com", "origin6.asn.cymru.com")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(name, ".origin6.asn.cymru.com"))
	require.True(t, strings.HasPrefix(name, "1.0.0.0."))
}
