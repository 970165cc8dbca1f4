// Package blobcache implements the sharded on-disk cache shared by the
// enrichment clients. Every (service, key) pair maps to one file under
// <root>/<service>/...; the file mtime carries the TTL, so a cache survives
// restarts without any companion index.
package blobcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/trapline-labs/trapline/internal/metrics"
)

// ServiceConfig describes one cache namespace.
type ServiceConfig struct {
	// TTL after which entries expire. Zero or negative disables expiry.
	TTL time.Duration
	// Path overrides the default sha-256 shard layout.
	Path PathBuilder
	// LegacyPaths are probed on read misses; hits are migrated to the
	// primary layout.
	LegacyPaths []PathBuilder
}

// Counters is an immutable snapshot of cache telemetry.
type Counters struct {
	Hits    uint64
	Misses  uint64
	Stores  uint64
	Errors  uint64
	Evicted uint64

	PerService map[string]ServiceCounters
}

type ServiceCounters struct {
	Hits   uint64
	Misses uint64
	Stores uint64
}

type Cache struct {
	log   *slog.Logger
	root  string
	clock clockwork.Clock

	mu       sync.Mutex
	services map[string]ServiceConfig
	counters Counters
}

type Config struct {
	Logger *slog.Logger
	Root   string
	Clock  clockwork.Clock

	// Services seeds the namespace registry. More can be added later with
	// RegisterService.
	Services map[string]ServiceConfig
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Root == "" {
		return errors.New("cache root is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

func New(cfg *Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		log:      cfg.Logger,
		root:     cfg.Root,
		clock:    cfg.Clock,
		services: make(map[string]ServiceConfig),
	}
	c.counters.PerService = make(map[string]ServiceCounters)
	for name, svc := range cfg.Services {
		c.services[name] = svc
	}
	return c, nil
}

// RegisterService adds or replaces a namespace configuration.
func (c *Cache) RegisterService(name string, svc ServiceConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = svc
}

func (c *Cache) serviceConfig(name string) ServiceConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.services[name]
}

func (c *Cache) path(service, key string) string {
	svc := c.serviceConfig(service)
	builder := svc.Path
	if builder == nil {
		builder = DefaultPath
	}
	return filepath.Join(c.root, service, builder(key))
}

// StoreJSON canonicalizes v (UTF-8, sorted object keys) and writes it to the
// primary path for (service, key). Write failures are logged and swallowed;
// the cache is best-effort.
func (c *Cache) StoreJSON(service, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.bumpError()
		c.log.Debug("blobcache: marshal failed", "service", service, "key", key, "error", err)
		return
	}
	// Round-trip through a generic value so map keys come out sorted
	// regardless of the input type.
	var generic any
	if err := json.Unmarshal(raw, &generic); err == nil {
		if canon, err := json.Marshal(generic); err == nil {
			raw = canon
		}
	}
	c.StoreBytes(service, key, raw)
}

// StoreBytes writes a raw payload (text services, pre-serialized documents).
func (c *Cache) StoreBytes(service, key string, payload []byte) {
	path := c.path(service, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.bumpError()
		c.log.Debug("blobcache: mkdir failed", "path", path, "error", err)
		return
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		c.bumpError()
		c.log.Debug("blobcache: write failed", "path", path, "error", err)
		return
	}
	c.bumpStore(service)
	metrics.BlobCacheOpsTotal.WithLabelValues(service, "store").Inc()
}

// Load returns the payload for (service, key) if present and within the
// service TTL. Expired entries are deleted on access. Legacy layouts are
// probed after a primary miss; a legacy hit migrates the file to the primary
// path.
func (c *Cache) Load(service, key string) ([]byte, bool) {
	svc := c.serviceConfig(service)
	primary := c.path(service, key)

	if payload, ok := c.loadAt(service, primary, svc.TTL); ok {
		c.bumpHit(service)
		metrics.BlobCacheOpsTotal.WithLabelValues(service, "hit").Inc()
		return payload, true
	}

	for _, legacy := range svc.LegacyPaths {
		legacyPath := filepath.Join(c.root, service, legacy(key))
		payload, ok := c.loadAt(service, legacyPath, svc.TTL)
		if !ok {
			continue
		}
		c.migrate(legacyPath, primary)
		c.bumpHit(service)
		metrics.BlobCacheOpsTotal.WithLabelValues(service, "hit").Inc()
		return payload, true
	}

	c.bumpMiss(service)
	metrics.BlobCacheOpsTotal.WithLabelValues(service, "miss").Inc()
	return nil, false
}

// LoadJSON unmarshals a cached JSON payload into v. Corrupt entries count as
// misses and bump the error counter.
func (c *Cache) LoadJSON(service, key string, v any) bool {
	payload, ok := c.Load(service, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(payload, v); err != nil {
		c.bumpError()
		c.log.Debug("blobcache: corrupt entry", "service", service, "key", key, "error", err)
		metrics.BlobCacheOpsTotal.WithLabelValues(service, "error").Inc()
		return false
	}
	return true
}

func (c *Cache) loadAt(service, path string, ttl time.Duration) ([]byte, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if ttl > 0 && c.clock.Since(info.ModTime()) >= ttl {
		// Lazy eviction; a concurrent unlink is fine.
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.log.Debug("blobcache: evict failed", "path", path, "error", err)
		}
		c.bumpEvicted()
		return nil, false
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return payload, true
}

func (c *Cache) migrate(from, to string) {
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		c.log.Debug("blobcache: migrate mkdir failed", "path", to, "error", err)
		return
	}
	if err := os.Rename(from, to); err != nil {
		c.log.Debug("blobcache: migrate failed", "from", from, "to", to, "error", err)
	}
}

// Snapshot returns a copy of the telemetry counters.
func (c *Cache) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.counters
	out.PerService = make(map[string]ServiceCounters, len(c.counters.PerService))
	for name, sc := range c.counters.PerService {
		out.PerService[name] = sc
	}
	return out
}

func (c *Cache) bumpHit(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.Hits++
	sc := c.counters.PerService[service]
	sc.Hits++
	c.counters.PerService[service] = sc
}

func (c *Cache) bumpMiss(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.Misses++
	sc := c.counters.PerService[service]
	sc.Misses++
	c.counters.PerService[service] = sc
}

func (c *Cache) bumpStore(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.Stores++
	sc := c.counters.PerService[service]
	sc.Stores++
	c.counters.PerService[service] = sc
}

func (c *Cache) bumpError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.Errors++
}

func (c *Cache) bumpEvicted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters.Evicted++
}

// String implements fmt.Stringer for debug logging.
func (c *Cache) String() string {
	s := c.Snapshot()
	return fmt.Sprintf("blobcache{root=%s hits=%d misses=%d stores=%d errors=%d}",
		c.root, s.Hits, s.Misses, s.Stores, s.Errors)
}
