package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/trapline-labs/trapline/internal/config"
	"github.com/trapline-labs/trapline/internal/metrics"
	"github.com/trapline-labs/trapline/internal/refresh"
)

const defaultBatchLimit = 500

var (
	cfgPath       string
	verbose       bool
	batchLimit    int
	refreshSource string

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "trapline",
	Short: "Honeypot event enrichment service",
	Long: `Trapline ingests SSH/Telnet honeypot events, enriches source IPs through
an offline-geo, whois and scanner-reputation cascade, and maintains the
three-tier ASN/IP/session inventory.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("trapline %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the maintenance loops and the metrics endpoint (service mode)",
	Long: `Serve runs the periodic jobs: blob cache cleanup, ASN backfill, staleness
refresh, session snapshot backfill and GeoIP database updates. Metrics are
exposed on /metrics.`,
	Run: func(cmd *cobra.Command, args []string) {
		log, cfg, ctx, cancel := setup()
		defer cancel()

		a, err := buildApp(ctx, log, cfg)
		if err != nil {
			log.Error("Operation failed: build_app", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		if err := serve(ctx, a); err != nil {
			log.Error("Operation failed: serve", "error", err)
			os.Exit(1)
		}
		log.Info("Operation completed: serve")
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich <ip> [ip...]",
	Short: "Run the enrichment cascade for the given IP addresses",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log, cfg, ctx, cancel := setup()
		defer cancel()

		a, err := buildApp(ctx, log, cfg)
		if err != nil {
			log.Error("Operation failed: build_app", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		log.Info("Operation started: enrich", "ips", len(args))
		succeeded, failed := a.enricher.EnrichBatch(ctx, args)
		printInventoryTable(ctx, a, args)
		printCascadeStats(a)
		if failed > 0 {
			log.Error("Operation failed: enrich", "succeeded", succeeded, "failed", failed)
			os.Exit(1)
		}
		log.Info("Operation completed: enrich", "succeeded", succeeded)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions <logfile> [logfile...]",
	Short: "Ingest honeypot JSON log files into session summaries",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log, cfg, ctx, cancel := setup()
		defer cancel()

		a, err := buildApp(ctx, log, cfg)
		if err != nil {
			log.Error("Operation failed: build_app", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		var ok, failed int
		for _, path := range args {
			log.Info("Operation started: ingest_log", "path", path)
			fileOK, fileFailed, err := ingestFile(ctx, a.sessions, path)
			ok += fileOK
			failed += fileFailed
			if err != nil {
				log.Error("Operation failed: ingest_log", "path", path, "error", err)
				os.Exit(1)
			}
			log.Info("Operation completed: ingest_log", "path", path, "events", fileOK, "rejected", fileFailed)
		}
		log.Info("Operation completed: sessions", "events", ok, "rejected", failed)
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Patch inventory rows missing an ASN and sessions missing a snapshot",
	Run: func(cmd *cobra.Command, args []string) {
		log, cfg, ctx, cancel := setup()
		defer cancel()

		a, err := buildApp(ctx, log, cfg)
		if err != nil {
			log.Error("Operation failed: build_app", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		log.Info("Operation started: backfill", "limit", batchLimit)
		asns, err := a.refresher.BackfillMissingASNs(ctx, batchLimit)
		if err != nil {
			log.Error("Operation failed: backfill_asns", "error", err)
			os.Exit(1)
		}
		snapshots, err := a.sessions.BackfillSnapshots(ctx, batchLimit)
		if err != nil {
			log.Error("Operation failed: backfill_snapshots", "error", err)
			os.Exit(1)
		}
		log.Info("Operation completed: backfill", "asns_patched", asns, "snapshots_patched", snapshots)
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-pull provider data for inventory rows past their TTL",
	Run: func(cmd *cobra.Command, args []string) {
		log, cfg, ctx, cancel := setup()
		defer cancel()

		a, err := buildApp(ctx, log, cfg)
		if err != nil {
			log.Error("Operation failed: build_app", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		log.Info("Operation started: refresh", "source", refreshSource, "limit", batchLimit)
		result, err := a.refresher.RefreshStale(ctx, refreshSource, batchLimit)
		if err != nil {
			log.Error("Operation failed: refresh", "error", err)
			os.Exit(1)
		}
		for source, rows := range result {
			log.Info("Refreshed source", "source", source, "rows", rows)
		}
		log.Info("Operation completed: refresh")
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired blob cache entries",
	Run: func(cmd *cobra.Command, args []string) {
		log, cfg, ctx, cancel := setup()
		defer cancel()

		a, err := buildApp(ctx, log, cfg)
		if err != nil {
			log.Error("Operation failed: build_app", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		res := a.cache.CleanupExpired()
		log.Info("Operation completed: cleanup",
			"scanned", res.Scanned, "deleted", res.Deleted, "errors", res.Errors)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store, database and quota state",
	Run: func(cmd *cobra.Command, args []string) {
		log, cfg, ctx, cancel := setup()
		defer cancel()

		a, err := buildApp(ctx, log, cfg)
		if err != nil {
			log.Error("Operation failed: build_app", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		printStats(ctx, a)
	},
}

func setup() (log *slog.Logger, cfg *config.Config, ctx context.Context, cancel context.CancelFunc) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if verbose {
		cfg.Verbose = true
	}
	log = newLogger(cfg.Verbose)
	ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return log, cfg, ctx, cancel
}

// serve runs the metrics endpoint plus the periodic maintenance jobs until
// the context is cancelled.
func serve(ctx context.Context, a *app) error {
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	listener, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	a.log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, mux); err != nil && ctx.Err() == nil {
			a.log.Error("metrics server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	maybeUpdateGeoIP(ctx, a)

	cleanupTicker := time.NewTicker(a.cfg.CleanupInterval)
	defer cleanupTicker.Stop()
	refreshTicker := time.NewTicker(time.Hour)
	defer refreshTicker.Stop()
	geoipTicker := time.NewTicker(12 * time.Hour)
	defer geoipTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("context cancelled, shutting down")
			return nil
		case <-cleanupTicker.C:
			res := a.cache.CleanupExpired()
			a.log.Info("blob cache cleanup", "scanned", res.Scanned, "deleted", res.Deleted, "errors", res.Errors)
		case <-refreshTicker.C:
			runMaintenance(ctx, a)
		case <-geoipTicker.C:
			maybeUpdateGeoIP(ctx, a)
		}
	}
}

func runMaintenance(ctx context.Context, a *app) {
	if n, err := a.refresher.BackfillMissingASNs(ctx, defaultBatchLimit); err != nil {
		a.log.Warn("asn backfill failed", "error", err)
	} else if n > 0 {
		a.log.Info("asn backfill", "patched", n)
	}
	if result, err := a.refresher.RefreshStale(ctx, refresh.SourceAll, defaultBatchLimit); err != nil {
		a.log.Warn("staleness refresh failed", "error", err)
	} else {
		for source, rows := range result {
			if rows > 0 {
				a.log.Info("staleness refresh", "source", source, "rows", rows)
			}
		}
	}
	if n, err := a.sessions.BackfillSnapshots(ctx, defaultBatchLimit); err != nil {
		a.log.Warn("snapshot backfill failed", "error", err)
	} else if n > 0 {
		a.log.Info("snapshot backfill", "patched", n)
	}
}

func maybeUpdateGeoIP(ctx context.Context, a *app) {
	if !a.geo.ShouldUpdate() {
		return
	}
	if err := a.geo.Update(ctx); err != nil {
		a.log.Warn("geoip update failed", "error", err)
	}
}

func printInventoryTable(ctx context.Context, a *app, ips []string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"IP", "ASN", "Country", "Type", "Scanner", "Bogon"})
	for _, ip := range ips {
		row, err := a.store.GetIPInventory(ctx, ip)
		if err != nil {
			table.Append([]string{ip, "-", "-", "-", "-", "-"})
			continue
		}
		asn := "-"
		if row.CurrentASN != nil {
			asn = strconv.FormatUint(uint64(*row.CurrentASN), 10)
		}
		table.Append([]string{
			row.IPAddress,
			asn,
			row.GeoCountry(),
			row.IPType(),
			strconv.FormatBool(row.Enrichment.IsScanner()),
			strconv.FormatBool(row.Enrichment.IsBogon()),
		})
	}
	table.Render()
}

func printCascadeStats(a *app) {
	stats := a.enricher.Stats()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Processed", "Cache hits", "Offline", "Whois", "Scanner", "Bogons", "Errors"})
	table.Append([]string{
		strconv.FormatUint(stats.Processed, 10),
		strconv.FormatUint(stats.CacheHits, 10),
		strconv.FormatUint(stats.OfflineHits, 10),
		strconv.FormatUint(stats.WhoisHits, 10),
		strconv.FormatUint(stats.ScannerHits, 10),
		strconv.FormatUint(stats.Bogons, 10),
		strconv.FormatUint(stats.Errors, 10),
	})
	table.Render()
}

func printStats(ctx context.Context, a *app) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Property", "Value"})

	schema, err := a.store.SchemaVersion(ctx)
	if err != nil {
		schema = "unknown"
	}
	table.Append([]string{"schema version", schema})

	if age, err := a.geo.DatabaseAge(); err != nil {
		table.Append([]string{"geoip database", "missing"})
	} else {
		table.Append([]string{"geoip database age", age.Truncate(time.Hour).String()})
		table.Append([]string{"geoip update due", strconv.FormatBool(a.geo.ShouldUpdate())})
	}

	table.Append([]string{"scanner quota remaining", strconv.Itoa(a.scanner.RemainingQuota())})

	counters := a.cache.Snapshot()
	table.Append([]string{"cache hits", strconv.FormatUint(counters.Hits, 10)})
	table.Append([]string{"cache misses", strconv.FormatUint(counters.Misses, 10)})
	table.Append([]string{"cache evicted", strconv.FormatUint(counters.Evicted, 10)})

	table.Render()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Show debug logs")
	// Accept snake_case spellings of every flag.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	backfillCmd.Flags().IntVar(&batchLimit, "limit", defaultBatchLimit, "Maximum rows to patch per run")
	refreshCmd.Flags().IntVar(&batchLimit, "limit", defaultBatchLimit, "Maximum rows to refresh per source")
	refreshCmd.Flags().StringVar(&refreshSource, "source", refresh.SourceAll, "Source to refresh (whois, scanner-reputation, all)")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(enrichCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	// Optional .env for local runs; missing files are fine.
	_ = godotenv.Load()

	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
