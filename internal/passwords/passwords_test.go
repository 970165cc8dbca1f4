package passwords

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trapline-labs/trapline/internal/ratelimit"
)

// SHA-1("123456") = 7C4A8D09CA3762AF61E59520943DC26494F8941B.
const digest123456 = "7C4A8D09CA3762AF61E59520943DC26494F8941B"

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(&Config{
		Logger:         slog.New(slog.DiscardHandler),
		BaseURL:        baseURL,
		Limiter:        ratelimit.Unlimited(),
		RetryBaseDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestPrevalence_BucketCached(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.Equal(t, "/range/7C4A8", r.URL.Path)
		_, _ = w.Write([]byte(
			"0018A45C4D1DEF81644B54AB7F969B88D65:1\r\n" +
				"D09CA3762AF61E59520943DC26494F8941B:42000000\r\n" +
				"garbage line without separator\r\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	count, err := c.Prevalence(context.Background(), digest123456)
	require.NoError(t, err)
	require.EqualValues(t, 42000000, count)

	// Different suffix, same prefix: served from the cached bucket.
	count, err = c.Prevalence(context.Background(), "7C4A80018A45C4D1DEF81644B54AB7F969B88D65")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	// Absent suffix is a valid zero.
	count, err = c.Prevalence(context.Background(), "7C4A8FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF")
	require.NoError(t, err)
	require.Zero(t, count)

	require.EqualValues(t, 1, requests.Load(), "one bucket fetch serves the whole prefix")
	stats := c.Stats()
	require.EqualValues(t, 3, stats.Lookups)
	require.EqualValues(t, 1, stats.BucketLoads)
	require.EqualValues(t, 2, stats.BucketHits)
}

func TestPrevalence_LowercaseDigestAccepted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("D09CA3762AF61E59520943DC26494F8941B:7\r\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	count, err := c.Prevalence(context.Background(), "7c4a8d09ca3762af61e59520943dc26494f8941b")
	require.NoError(t, err)
	require.EqualValues(t, 7, count)
}

func TestPrevalence_InvalidDigest(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "http://127.0.0.1:0")
	_, err := c.Prevalence(context.Background(), "zz")
	require.ErrorIs(t, err, ErrInvalidDigest)
	_, err = c.Prevalence(context.Background(), "nothexnothexnothexnothexnothexnothexnoth")
	require.ErrorIs(t, err, ErrInvalidDigest)
}

func TestPrevalence_FetchFailureCachedAsMiss(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	count, err := c.Prevalence(context.Background(), digest123456)
	require.NoError(t, err)
	require.Zero(t, count)

	// The dead prefix is not re-queried.
	_, err = c.Prevalence(context.Background(), digest123456)
	require.NoError(t, err)
	require.EqualValues(t, 1, requests.Load())
	require.EqualValues(t, 1, c.Stats().Failures)
}

func TestPrevalence_RetriesOn5xx(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("D09CA3762AF61E59520943DC26494F8941B:5\r\n"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	count, err := c.Prevalence(context.Background(), digest123456)
	require.NoError(t, err)
	require.EqualValues(t, 5, count)
	require.EqualValues(t, 3, requests.Load())
}
