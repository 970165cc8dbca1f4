// Package refresh is the staleness and backfill engine: it patches inventory
// rows that miss an ASN and re-pulls provider sub-objects that aged past
// their TTL. Both operations are batch-oriented and safe to rerun.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/trapline-labs/trapline/internal/enrich"
	"github.com/trapline-labs/trapline/internal/metrics"
	"github.com/trapline-labs/trapline/internal/scanner"
	"github.com/trapline-labs/trapline/internal/store"
	"github.com/trapline-labs/trapline/internal/whois"
)

// SourceAll selects every refreshable source.
const SourceAll = "all"

// refreshable sources and their TTLs.
var sourceTTLs = map[string]time.Duration{
	store.ProviderWhois:   enrich.WhoisMaxAge,
	store.ProviderScanner: enrich.ScannerMaxAge,
}

type Config struct {
	Logger  *slog.Logger
	Store   store.Store
	Whois   enrich.WhoisProvider
	Scanner enrich.ScannerProvider
	Clock   clockwork.Clock
	Workers int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
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
	if c.Workers == 0 {
		c.Workers = 4
	}
	return nil
}

type Engine struct {
	log     *slog.Logger
	store   store.Store
	whois   enrich.WhoisProvider
	scanner enrich.ScannerProvider
	clock   clockwork.Clock
	pool    pond.Pool
}

func New(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:     cfg.Logger,
		store:   cfg.Store,
		whois:   cfg.Whois,
		scanner: cfg.Scanner,
		clock:   cfg.Clock,
		pool:    pond.NewPool(cfg.Workers),
	}, nil
}

func (e *Engine) Close() { e.pool.StopAndWait() }

// BackfillMissingASNs patches up to limit rows whose current_asn is null with
// a whois answer. Lookups fan out across the pool; all row writes then land
// in a single transaction so the batch commits or rolls back as a unit.
// Lookup failures and unallocated answers are skipped, not retried inline.
// Returns the number of rows patched.
func (e *Engine) BackfillMissingASNs(ctx context.Context, limit int) (int, error) {
	rows, err := e.store.ListIPsMissingASN(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list rows missing asn: %w", err)
	}

	answers := make([]*whois.Result, len(rows))
	group := e.pool.NewGroup()
	for i, row := range rows {
		group.Submit(func() {
			res, err := e.whois.Lookup(ctx, row.IPAddress)
			if err != nil {
				e.log.Warn("refresh: whois lookup failed", "ip", row.IPAddress, "error", err)
				return
			}
			answers[i] = res
		})
	}
	_ = group.Wait()

	patched := 0
	err = e.store.WithTx(ctx, func(tx store.Store) error {
		for i, row := range rows {
			res := answers[i]
			if res == nil || res.ASN == 0 {
				continue
			}
			if err := e.patchASN(ctx, tx, row, res); err != nil {
				return err
			}
			patched++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("commit backfill batch: %w", err)
	}

	metrics.RefreshRowsTotal.WithLabelValues("backfill", "patched").Add(float64(patched))
	metrics.RefreshRowsTotal.WithLabelValues("backfill", "skipped").Add(float64(len(rows) - patched))
	e.log.Info("refresh: asn backfill done", "candidates", len(rows), "patched", patched)
	return patched, nil
}

func (e *Engine) patchASN(ctx context.Context, tx store.Store, row *store.IPInventory, res *whois.Result) error {
	now := e.clock.Now().UTC()
	if _, err := tx.EnsureASN(ctx, res.ASN, store.EnsureASNParams{
		OrgName:    res.ASNOrg,
		OrgCountry: res.CountryCode,
		RIR:        res.Registry,
	}); err != nil {
		return fmt.Errorf("upsert asn %d: %w", res.ASN, err)
	}

	if row.Enrichment == nil {
		row.Enrichment = store.Enrichment{}
	}
	if err := row.Enrichment.Set(store.ProviderWhois, res); err != nil {
		return fmt.Errorf("encode whois block for %s: %w", row.IPAddress, err)
	}
	asn := res.ASN
	row.CurrentASN = &asn
	row.ASNLastVerified = &now
	row.EnrichmentUpdatedAt = &now
	if err := tx.UpdateIPInventory(ctx, row); err != nil {
		return fmt.Errorf("update inventory %s: %w", row.IPAddress, err)
	}
	return nil
}

// Result holds per-source refresh counts.
type Result map[string]int

// RefreshStale re-pulls aged provider sub-objects. source is a provider name
// or SourceAll. Only rows that already carry the source's block are
// candidates; a changed whois ASN is appended to the assignment history.
// Each source's batch commits in one transaction.
func (e *Engine) RefreshStale(ctx context.Context, source string, limit int) (Result, error) {
	sources := []string{source}
	if source == SourceAll {
		sources = []string{store.ProviderWhois, store.ProviderScanner}
	}

	out := Result{}
	for _, src := range sources {
		ttl, ok := sourceTTLs[src]
		if !ok {
			return nil, fmt.Errorf("unknown refresh source %q", src)
		}
		cutoff := e.clock.Now().UTC().Add(-ttl)
		rows, err := e.store.ListStaleIPs(ctx, src, cutoff, limit)
		if err != nil {
			return nil, fmt.Errorf("list stale rows for %s: %w", src, err)
		}

		refreshed, err := e.refreshSource(ctx, src, rows)
		if err != nil {
			return nil, fmt.Errorf("commit %s refresh batch: %w", src, err)
		}
		out[src] = refreshed
		metrics.RefreshRowsTotal.WithLabelValues("refresh-"+src, "refreshed").Add(float64(refreshed))
		metrics.RefreshRowsTotal.WithLabelValues("refresh-"+src, "skipped").Add(float64(len(rows) - refreshed))
		e.log.Info("refresh: stale pass done", "source", src, "candidates", len(rows), "refreshed", refreshed)
	}
	return out, nil
}

// refreshSource fans provider lookups out across the pool, then writes every
// answered row inside a single transaction.
func (e *Engine) refreshSource(ctx context.Context, source string, rows []*store.IPInventory) (int, error) {
	type answer struct {
		whois   *whois.Result
		scanner *scanner.Result
	}
	answers := make([]answer, len(rows))
	group := e.pool.NewGroup()
	for i, row := range rows {
		group.Submit(func() {
			switch source {
			case store.ProviderWhois:
				res, err := e.whois.Lookup(ctx, row.IPAddress)
				if err != nil {
					e.log.Warn("refresh: whois lookup failed", "ip", row.IPAddress, "error", err)
					return
				}
				answers[i].whois = res
			case store.ProviderScanner:
				res, err := e.scanner.Lookup(ctx, row.IPAddress)
				if err != nil {
					e.log.Warn("refresh: reputation lookup failed", "ip", row.IPAddress, "error", err)
					return
				}
				answers[i].scanner = res
			}
		})
	}
	_ = group.Wait()

	refreshed := 0
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		for i, row := range rows {
			now := e.clock.Now().UTC()
			switch source {
			case store.ProviderWhois:
				if answers[i].whois == nil {
					continue
				}
				if err := e.refreshWhoisRow(ctx, tx, row, answers[i].whois, now); err != nil {
					return err
				}
			case store.ProviderScanner:
				if answers[i].scanner == nil {
					continue
				}
				if err := row.Enrichment.Set(store.ProviderScanner, answers[i].scanner); err != nil {
					return fmt.Errorf("encode reputation block for %s: %w", row.IPAddress, err)
				}
				row.EnrichmentUpdatedAt = &now
				if err := tx.UpdateIPInventory(ctx, row); err != nil {
					return fmt.Errorf("update inventory %s: %w", row.IPAddress, err)
				}
			}
			refreshed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return refreshed, nil
}

func (e *Engine) refreshWhoisRow(ctx context.Context, tx store.Store, row *store.IPInventory, res *whois.Result, now time.Time) error {
	if err := row.Enrichment.Set(store.ProviderWhois, res); err != nil {
		return fmt.Errorf("encode whois block for %s: %w", row.IPAddress, err)
	}
	if res.ASN != 0 {
		if _, err := tx.EnsureASN(ctx, res.ASN, store.EnsureASNParams{
			OrgName:    res.ASNOrg,
			OrgCountry: res.CountryCode,
			RIR:        res.Registry,
		}); err != nil {
			return fmt.Errorf("upsert asn %d: %w", res.ASN, err)
		}
		if row.CurrentASN == nil || *row.CurrentASN != res.ASN {
			// The row is overwritten in place; temporal truth lives in
			// the history table and in past session snapshots.
			if err := tx.AppendASNHistory(ctx, store.IPASNHistoryEntry{
				IPAddress:          row.IPAddress,
				ASNNumber:          res.ASN,
				ObservedAt:         now,
				VerificationSource: "whois",
			}); err != nil {
				return fmt.Errorf("append history for %s: %w", row.IPAddress, err)
			}
		}
		asn := res.ASN
		row.CurrentASN = &asn
	}
	row.ASNLastVerified = &now
	row.EnrichmentUpdatedAt = &now
	if err := tx.UpdateIPInventory(ctx, row); err != nil {
		return fmt.Errorf("update inventory %s: %w", row.IPAddress, err)
	}
	return nil
}
