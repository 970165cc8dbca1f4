package whois

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BulkLookup resolves many IPs over the bulk TCP whois protocol. Inputs
// larger than 500 addresses are chunked across connections; within a chunk
// one connection carries the whole begin/verbose/end dialogue. Unallocated
// addresses are omitted from the returned map.
func (c *Client) BulkLookup(ctx context.Context, ips []string) (map[string]*Result, error) {
	results := make(map[string]*Result, len(ips))

	for start := 0; start < len(ips); start += bulkChunkLimit {
		end := min(start+bulkChunkLimit, len(ips))
		chunk := ips[start:end]

		if err := c.cfg.Limiter.AcquireN(ctx, 1); err != nil {
			return results, err
		}

		chunkResults, err := c.bulk(ctx, chunk)
		if err != nil {
			return results, fmt.Errorf("bulk chunk %d-%d: %w", start, end, err)
		}
		for ip, r := range chunkResults {
			results[ip] = r
		}
	}
	return results, nil
}

// bulk runs one bulk whois dialogue with retries.
func (c *Client) bulk(ctx context.Context, ips []string) (map[string]*Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	results, err := backoff.Retry(ctx, func() (map[string]*Result, error) {
		return c.bulkOnce(ctx, ips)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(bulkRetries+1))
	if err != nil {
		c.bulkFailure.Add(1)
		return nil, err
	}
	c.bulkSuccess.Add(1)

	for ip, r := range results {
		if r != nil {
			c.cfg.Cache.StoreJSON(CacheService, ip, r)
		}
	}
	return results, nil
}

func (c *Client) bulkOnce(ctx context.Context, ips []string) (map[string]*Result, error) {
	dialCtx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	conn, err := c.cfg.DialContext(dialCtx, "tcp", c.cfg.BulkAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.BulkAddr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(bulkTimeout))
	}

	var query strings.Builder
	query.WriteString("begin\nverbose\n")
	for _, ip := range ips {
		query.WriteString(ip)
		query.WriteByte('\n')
	}
	query.WriteString("end\n")

	if _, err := conn.Write([]byte(query.String())); err != nil {
		return nil, fmt.Errorf("write query: %w", err)
	}

	results := make(map[string]*Result, len(ips))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "Bulk mode;") || strings.HasPrefix(line, "Error:") {
			continue
		}
		ip, result, err := parseBulkLine(line)
		if err != nil {
			c.errs.Add(1)
			c.log.Debug("whois: unparseable bulk line", "line", line, "error", err)
			continue
		}
		if result != nil {
			results[ip] = result
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return results, nil
}
