package blobcache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// CleanupResult summarizes one eviction sweep.
type CleanupResult struct {
	Scanned int
	Deleted int
	Errors  int
}

// CleanupExpired walks every registered service directory and removes files
// whose age meets or exceeds the service TTL. Services with a non-positive
// TTL are skipped. The sweep is idempotent: a second pass over a quiescent
// cache deletes nothing.
func (c *Cache) CleanupExpired() CleanupResult {
	c.mu.Lock()
	services := make(map[string]ServiceConfig, len(c.services))
	for name, svc := range c.services {
		services[name] = svc
	}
	c.mu.Unlock()

	var result CleanupResult
	now := c.clock.Now()

	for name, svc := range services {
		if svc.TTL <= 0 {
			continue
		}
		dir := filepath.Join(c.root, name)
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				result.Errors++
				return nil
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					result.Errors++
				}
				return nil
			}
			result.Scanned++
			if now.Sub(info.ModTime()) < svc.TTL {
				return nil
			}
			if err := os.Remove(path); err != nil {
				// Lost a race with lazy eviction; not an error.
				if !errors.Is(err, fs.ErrNotExist) {
					result.Errors++
				}
				return nil
			}
			result.Deleted++
			return nil
		})
		if err != nil {
			result.Errors++
		}
	}

	c.mu.Lock()
	c.counters.Evicted += uint64(result.Deleted)
	c.mu.Unlock()

	if result.Deleted > 0 || result.Errors > 0 {
		c.log.Debug("blobcache: cleanup sweep finished",
			"scanned", result.Scanned, "deleted", result.Deleted, "errors", result.Errors)
	}
	return result
}
