// Package enrich runs the multi-source enrichment cascade for honeypot
// source IPs: offline geo/ASN first, whois as ASN fallback, scanner
// reputation as an independent track. Results merge into one enrichment
// document per IP and persist through the inventory store.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/trapline-labs/trapline/internal/geoip"
	"github.com/trapline-labs/trapline/internal/metrics"
	"github.com/trapline-labs/trapline/internal/scanner"
	"github.com/trapline-labs/trapline/internal/store"
	"github.com/trapline-labs/trapline/internal/whois"
)

const (
	// OfflineMaxAge is how old the offline databases may be before their
	// sub-objects stop counting as fresh.
	OfflineMaxAge = 7 * 24 * time.Hour
	// WhoisMaxAge bounds the whois sub-object.
	WhoisMaxAge = 90 * 24 * time.Hour
	// ScannerMaxAge bounds the scanner-reputation sub-object.
	ScannerMaxAge = 7 * 24 * time.Hour

	defaultWorkers = 8
)

// ErrInvalidIP marks inputs that failed address validation and were routed to
// the dead-letter sink.
var ErrInvalidIP = errors.New("enrich: invalid ip address")

// GeoProvider is the offline geo/ASN capability the cascade depends on.
type GeoProvider interface {
	Lookup(ip string) (*geoip.Result, error)
	DatabaseAge() (time.Duration, error)
}

// WhoisProvider is the ASN fallback capability.
type WhoisProvider interface {
	Lookup(ctx context.Context, ip string) (*whois.Result, error)
}

// ScannerProvider is the reputation capability.
type ScannerProvider interface {
	Lookup(ctx context.Context, ip string) (*scanner.Result, error)
}

// Stats are the cascade's thread-safe counters.
type Stats struct {
	Processed   uint64
	CacheHits   uint64
	OfflineHits uint64
	WhoisHits   uint64
	ScannerHits uint64
	Bogons      uint64
	DeadLetters uint64
	Errors      uint64
}

type Config struct {
	Logger  *slog.Logger
	Store   store.Store
	Geo     GeoProvider
	Whois   WhoisProvider
	Scanner ScannerProvider
	Clock   clockwork.Clock

	// Version is recorded on every row the cascade writes.
	Version string

	// Workers sizes the batch pool.
	Workers int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Geo == nil {
		return errors.New("geo provider is required")
	}
	if c.Whois == nil {
		return errors.New("whois provider is required")
	}
	if c.Scanner == nil {
		return errors.New("scanner provider is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	return nil
}

// Enricher coordinates the cascade. Safe for concurrent use; the store's
// unique constraints arbitrate racing writers.
type Enricher struct {
	log     *slog.Logger
	store   store.Store
	geo     GeoProvider
	whois   WhoisProvider
	scanner ScannerProvider
	clock   clockwork.Clock
	version string

	pool pond.Pool

	processed   atomic.Uint64
	cacheHits   atomic.Uint64
	offlineHits atomic.Uint64
	whoisHits   atomic.Uint64
	scannerHits atomic.Uint64
	bogons      atomic.Uint64
	deadLetters atomic.Uint64
	errs        atomic.Uint64
}

func New(cfg *Config) (*Enricher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Enricher{
		log:     cfg.Logger,
		store:   cfg.Store,
		geo:     cfg.Geo,
		whois:   cfg.Whois,
		scanner: cfg.Scanner,
		clock:   cfg.Clock,
		version: cfg.Version,
		pool:    pond.NewPool(cfg.Workers),
	}, nil
}

// Close drains the batch pool.
func (e *Enricher) Close() {
	e.pool.StopAndWait()
}

// EnrichIP runs the full cascade for one IP and returns the resulting
// inventory row. Invalid addresses go to the dead-letter sink.
func (e *Enricher) EnrichIP(ctx context.Context, ip string) (*store.IPInventory, error) {
	e.processed.Add(1)
	start := e.clock.Now()

	parsed := net.ParseIP(ip)
	if parsed == nil {
		e.deadLetters.Add(1)
		metrics.EnrichTotal.WithLabelValues("invalid").Inc()
		metrics.DeadLettersTotal.WithLabelValues("invalid-ip").Inc()
		if err := e.store.InsertDeadLetter(ctx, &store.DeadLetterEvent{
			Reason:  "invalid-ip",
			Payload: mustJSON(map[string]string{"ip": ip}),
		}); err != nil {
			e.log.Error("enrich: dead-letter write failed", "ip", ip, "error", err)
		}
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	existing, err := e.store.GetIPInventory(ctx, ip)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.errs.Add(1)
		metrics.EnrichTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("inventory probe for %s: %w", ip, err)
	}
	if existing != nil && e.fresh(existing) {
		// Cache hit: no provider touches; the row still records the
		// visit through its counters.
		e.cacheHits.Add(1)
		metrics.EnrichTotal.WithLabelValues("cache_hit").Inc()
		existing.SessionCount++
		now := e.clock.Now().UTC()
		existing.LastSeen = now
		if err := e.store.UpdateIPInventory(ctx, existing); err != nil {
			return nil, fmt.Errorf("touch inventory for %s: %w", ip, err)
		}
		if existing.CurrentASN != nil {
			e.bumpCounters(ctx, *existing.CurrentASN, 0, 1)
		}
		return existing, nil
	}

	row, err := e.cascade(ctx, ip, parsed, existing)
	if err != nil {
		e.errs.Add(1)
		metrics.EnrichTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EnrichTotal.WithLabelValues("enriched").Inc()
	metrics.EnrichDuration.WithLabelValues("cascade").Observe(e.clock.Since(start).Seconds())
	return row, nil
}

// cascade executes steps offline -> whois? -> scanner, merges, and writes.
func (e *Enricher) cascade(ctx context.Context, ip string, parsed net.IP, existing *store.IPInventory) (*store.IPInventory, error) {
	now := e.clock.Now().UTC()
	buffer := store.Enrichment{}

	if isBogon(parsed) {
		e.bogons.Add(1)
		if err := buffer.Set(store.ProviderValidation, map[string]any{
			"is_bogon": true,
			"reason":   bogonReason(parsed),
		}); err != nil {
			return nil, err
		}
		return e.write(ctx, ip, existing, buffer, nil, false, now)
	}

	var (
		offlineASN uint
		whoisASN   uint
		// Both explicit-absent flags must be set before current_asn may
		// be cleared on an existing row.
		offlineAbsent bool
		whoisAbsent   bool
		whoisCalled   bool
	)

	geoStart := e.clock.Now()
	geoRes, err := e.geo.Lookup(ip)
	metrics.EnrichDuration.WithLabelValues("offline-geo").Observe(e.clock.Since(geoStart).Seconds())
	switch {
	case err != nil:
		metrics.ProviderLookupsTotal.WithLabelValues("offline-geo", "error").Inc()
		e.log.Warn("enrich: offline lookup failed", "ip", ip, "error", err)
	case geoRes == nil:
		metrics.ProviderLookupsTotal.WithLabelValues("offline-geo", "absent").Inc()
		offlineAbsent = true
	default:
		metrics.ProviderLookupsTotal.WithLabelValues("offline-geo", "hit").Inc()
		e.offlineHits.Add(1)
		if err := buffer.Set(store.ProviderOfflineGeo, geoRes); err != nil {
			return nil, err
		}
		offlineASN = geoRes.ASN
		if geoRes.ASN == 0 {
			offlineAbsent = true
		} else if _, err := e.store.EnsureASN(ctx, geoRes.ASN, store.EnsureASNParams{
			OrgName:    geoRes.ASNOrg,
			OrgCountry: geoRes.CountryCode,
		}); err != nil {
			e.log.Error("enrich: asn upsert failed", "ip", ip, "asn", geoRes.ASN, "error", err)
		}
	}

	if offlineASN == 0 {
		whoisCalled = true
		whoisStart := e.clock.Now()
		whoisRes, err := e.whois.Lookup(ctx, ip)
		metrics.EnrichDuration.WithLabelValues("whois").Observe(e.clock.Since(whoisStart).Seconds())
		switch {
		case err != nil:
			metrics.ProviderLookupsTotal.WithLabelValues("whois", "error").Inc()
			e.log.Warn("enrich: whois lookup failed", "ip", ip, "error", err)
		case whoisRes == nil:
			metrics.ProviderLookupsTotal.WithLabelValues("whois", "absent").Inc()
			whoisAbsent = true
		default:
			metrics.ProviderLookupsTotal.WithLabelValues("whois", "hit").Inc()
			e.whoisHits.Add(1)
			if err := buffer.Set(store.ProviderWhois, whoisRes); err != nil {
				return nil, err
			}
			whoisASN = whoisRes.ASN
			if whoisRes.ASN != 0 {
				// Whois carries the RIR registry, which offline lacks.
				if _, err := e.store.EnsureASN(ctx, whoisRes.ASN, store.EnsureASNParams{
					OrgName:    whoisRes.ASNOrg,
					OrgCountry: whoisRes.CountryCode,
					RIR:        whoisRes.Registry,
				}); err != nil {
					e.log.Error("enrich: asn upsert failed", "ip", ip, "asn", whoisRes.ASN, "error", err)
				}
			}
		}
	}

	scanStart := e.clock.Now()
	scanRes, err := e.scanner.Lookup(ctx, ip)
	metrics.EnrichDuration.WithLabelValues("scanner-reputation").Observe(e.clock.Since(scanStart).Seconds())
	switch {
	case err != nil:
		// Quota exhaustion and credential failures degrade, never abort.
		metrics.ProviderLookupsTotal.WithLabelValues("scanner-reputation", "error").Inc()
		e.log.Warn("enrich: reputation lookup failed", "ip", ip, "error", err)
	case scanRes != nil:
		metrics.ProviderLookupsTotal.WithLabelValues("scanner-reputation", "hit").Inc()
		e.scannerHits.Add(1)
		if err := buffer.Set(store.ProviderScanner, scanRes); err != nil {
			return nil, err
		}
	}

	var winner *uint
	switch {
	case offlineASN != 0:
		winner = &offlineASN
	case whoisASN != 0:
		winner = &whoisASN
	}
	clearASN := offlineAbsent && whoisCalled && whoisAbsent

	return e.write(ctx, ip, existing, buffer, winner, clearASN, now)
}

// write merges the buffer into the row and persists it, re-reading on a lost
// insert race.
func (e *Enricher) write(ctx context.Context, ip string, existing *store.IPInventory, buffer store.Enrichment, winnerASN *uint, clearASN bool, now time.Time) (*store.IPInventory, error) {
	if existing != nil {
		row := existing.Clone()
		if row.Enrichment == nil {
			row.Enrichment = store.Enrichment{}
		}
		// Provider sub-objects replace atomically; untouched providers
		// keep their previous block.
		for provider, block := range buffer {
			row.Enrichment[provider] = block
		}
		switch {
		case winnerASN != nil:
			row.CurrentASN = winnerASN
			row.ASNLastVerified = &now
		case clearASN:
			row.CurrentASN = nil
			row.ASNLastVerified = &now
		}
		row.LastSeen = now
		row.SessionCount++
		row.EnrichmentUpdatedAt = &now
		row.EnrichmentVersion = e.version
		if err := e.store.UpdateIPInventory(ctx, row); err != nil {
			return nil, fmt.Errorf("update inventory for %s: %w", ip, err)
		}
		if row.CurrentASN != nil {
			e.bumpCounters(ctx, *row.CurrentASN, 0, 1)
		}
		return row, nil
	}

	row := &store.IPInventory{
		IPAddress:           ip,
		CurrentASN:          winnerASN,
		FirstSeen:           now,
		LastSeen:            now,
		SessionCount:        1,
		Enrichment:          buffer,
		EnrichmentUpdatedAt: &now,
		EnrichmentVersion:   e.version,
	}
	if winnerASN != nil {
		row.ASNLastVerified = &now
	}
	err := e.store.InsertIPInventory(ctx, row)
	if errors.Is(err, store.ErrDuplicate) {
		// Concurrent writer won; their row is the truth.
		return e.store.GetIPInventory(ctx, ip)
	}
	if err != nil {
		return nil, fmt.Errorf("insert inventory for %s: %w", ip, err)
	}
	if winnerASN != nil {
		e.bumpCounters(ctx, *winnerASN, 1, 1)
	}
	return row, nil
}

func (e *Enricher) bumpCounters(ctx context.Context, asn uint, ipDelta, sessionDelta int64) {
	if err := e.store.BumpASNCounters(ctx, asn, ipDelta, sessionDelta); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Error("enrich: asn counter bump failed", "asn", asn, "error", err)
	}
}

// fresh implements the freshness rule: offline data is cheap and required,
// whois and scanner blocks only bound the row's age when present.
func (e *Enricher) fresh(row *store.IPInventory) bool {
	if len(row.Enrichment) == 0 || row.EnrichmentUpdatedAt == nil {
		return false
	}
	if row.Enrichment.IsBogon() {
		return true
	}
	if !row.Enrichment.Has(store.ProviderOfflineGeo) {
		return false
	}
	age, err := e.geo.DatabaseAge()
	if err != nil || age > OfflineMaxAge {
		return false
	}
	updatedAgo := e.clock.Since(row.EnrichmentUpdatedAt.UTC())
	if row.Enrichment.Has(store.ProviderWhois) && updatedAgo > WhoisMaxAge {
		return false
	}
	if row.Enrichment.Has(store.ProviderScanner) && updatedAgo > ScannerMaxAge {
		return false
	}
	return true
}

// EnrichBatch fans a set of IPs across the worker pool. Per-IP failures are
// counted and skipped; the batch never aborts on one bad address.
func (e *Enricher) EnrichBatch(ctx context.Context, ips []string) (succeeded, failed int) {
	group := e.pool.NewGroup()
	var okCount, failCount atomic.Int64
	for _, ip := range ips {
		group.SubmitErr(func() error {
			if _, err := e.EnrichIP(ctx, ip); err != nil {
				failCount.Add(1)
				e.log.Warn("enrich: batch item failed", "ip", ip, "error", err)
				return err
			}
			okCount.Add(1)
			return nil
		})
	}
	_ = group.Wait()
	return int(okCount.Load()), int(failCount.Load())
}

// Stats returns a snapshot of the counters.
func (e *Enricher) Stats() Stats {
	return Stats{
		Processed:   e.processed.Load(),
		CacheHits:   e.cacheHits.Load(),
		OfflineHits: e.offlineHits.Load(),
		WhoisHits:   e.whoisHits.Load(),
		ScannerHits: e.scannerHits.Load(),
		Bogons:      e.bogons.Load(),
		DeadLetters: e.deadLetters.Load(),
		Errors:      e.errs.Load(),
	}
}

// ResetStats zeroes the counters.
func (e *Enricher) ResetStats() {
	e.processed.Store(0)
	e.cacheHits.Store(0)
	e.offlineHits.Store(0)
	e.whoisHits.Store(0)
	e.scannerHits.Store(0)
	e.bogons.Store(0)
	e.deadLetters.Store(0)
	e.errs.Store(0)
}
