package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/trapline-labs/trapline/internal/blobcache"
	"github.com/trapline-labs/trapline/internal/config"
	"github.com/trapline-labs/trapline/internal/enrich"
	"github.com/trapline-labs/trapline/internal/fileintel"
	"github.com/trapline-labs/trapline/internal/geoip"
	"github.com/trapline-labs/trapline/internal/passwords"
	"github.com/trapline-labs/trapline/internal/ratelimit"
	"github.com/trapline-labs/trapline/internal/refresh"
	"github.com/trapline-labs/trapline/internal/scanner"
	"github.com/trapline-labs/trapline/internal/secrets"
	"github.com/trapline-labs/trapline/internal/session"
	"github.com/trapline-labs/trapline/internal/sshkeys"
	"github.com/trapline-labs/trapline/internal/store"
	"github.com/trapline-labs/trapline/internal/whois"
)

// app holds every wired component. Commands build one, use what they need and
// Close it on the way out.
type app struct {
	log *slog.Logger
	cfg *config.Config

	cache     *blobcache.Cache
	store     store.Store
	geo       *geoip.Client
	whois     *whois.Client
	scanner   scanner.Client
	fileIntel fileintel.Client
	passwords *passwords.Client

	enricher  *enrich.Enricher
	refresher *refresh.Engine
	sessions  *session.Summarizer
	sshKeys   *sshkeys.Enricher
}

func buildApp(ctx context.Context, log *slog.Logger, cfg *config.Config) (*app, error) {
	a := &app{log: log, cfg: cfg}

	cache, err := blobcache.New(&blobcache.Config{Logger: log, Root: cfg.CacheRoot})
	if err != nil {
		return nil, fmt.Errorf("blob cache: %w", err)
	}
	a.cache = cache

	resolver, err := secrets.NewResolver(log)
	if err != nil {
		return nil, err
	}

	var licenseKey string
	if cfg.GeoIP.LicenseKeyURI != "" {
		licenseKey, err = resolver.Resolve(cfg.GeoIP.LicenseKeyURI)
		if err != nil {
			log.Warn("maxmind license key unavailable, automatic database updates disabled", "error", err)
			licenseKey = ""
		}
	}
	a.geo, err = geoip.New(&geoip.Config{
		Logger:     log,
		Dir:        cfg.GeoIP.Dir,
		LicenseKey: licenseKey,
	})
	if err != nil {
		return nil, fmt.Errorf("geoip: %w", err)
	}

	whoisLimiter, err := ratelimit.New(cfg.Whois.Rate, cfg.Whois.Burst)
	if err != nil {
		return nil, err
	}
	a.whois, err = whois.New(&whois.Config{
		Logger:   log,
		Cache:    cache,
		Limiter:  whoisLimiter,
		BulkAddr: cfg.Whois.BulkAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("whois: %w", err)
	}

	a.scanner = scanner.NewDisabled(log)
	if cfg.Scanner.Enabled {
		key, kerr := resolver.Resolve(cfg.Scanner.APIKeyURI)
		if kerr != nil {
			log.Warn("scanner api key unavailable, reputation lookups disabled", "error", kerr)
		} else {
			limiter, lerr := ratelimit.New(cfg.Scanner.Rate, cfg.Scanner.Burst)
			if lerr != nil {
				return nil, lerr
			}
			a.scanner, err = scanner.New(&scanner.Config{
				Logger:     log,
				Cache:      cache,
				Limiter:    limiter,
				APIKey:     key,
				BaseURL:    cfg.Scanner.BaseURL,
				DailyQuota: cfg.Scanner.DailyQuota,
			})
			if err != nil {
				return nil, fmt.Errorf("scanner: %w", err)
			}
		}
	}

	a.fileIntel = fileintel.NewDisabled(log)
	if cfg.FileIntel.Enabled {
		key, kerr := resolver.Resolve(cfg.FileIntel.APIKeyURI)
		if kerr != nil {
			log.Warn("file-intel api key unavailable, verdict lookups disabled", "error", kerr)
		} else {
			a.fileIntel, err = fileintel.New(&fileintel.Config{
				Logger:  log,
				Cache:   cache,
				BaseURL: cfg.FileIntel.BaseURL,
				APIKey:  key,
			})
			if err != nil {
				return nil, fmt.Errorf("file-intel: %w", err)
			}
		}
	}

	if cfg.Passwords.Enabled {
		a.passwords, err = passwords.New(&passwords.Config{
			Logger:  log,
			BaseURL: cfg.Passwords.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("passwords: %w", err)
		}
	}

	if cfg.DatabaseURL != "" {
		a.store, err = store.NewPostgres(ctx, &store.PostgresConfig{
			Logger:      log,
			DatabaseURL: cfg.DatabaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
	} else {
		log.Warn("no database_url configured, state is in-memory and lost on exit")
		a.store = store.NewMemory(nil)
	}

	a.enricher, err = enrich.New(&enrich.Config{
		Logger:  log,
		Store:   a.store,
		Geo:     a.geo,
		Whois:   a.whois,
		Scanner: a.scanner,
		Version: version,
		Workers: cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	a.refresher, err = refresh.New(&refresh.Config{
		Logger:  log,
		Store:   a.store,
		Whois:   a.whois,
		Scanner: a.scanner,
		Workers: cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	a.sshKeys, err = sshkeys.New(&sshkeys.Config{Logger: log, Store: a.store})
	if err != nil {
		return nil, err
	}

	sessionCfg := &session.Config{
		Logger:    log,
		Store:     a.store,
		Enricher:  a.enricher,
		SSHKeys:   a.sshKeys,
		FileIntel: a.fileIntel,
	}
	if a.passwords != nil {
		sessionCfg.Passwords = a.passwords
	}
	a.sessions, err = session.New(sessionCfg)
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (a *app) Close() {
	a.enricher.Close()
	a.refresher.Close()
	if a.passwords != nil {
		a.passwords.Close()
	}
	if err := a.geo.Close(); err != nil {
		a.log.Warn("geoip close failed", "error", err)
	}
	a.store.Close()
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
