package blobcache

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"path/filepath"
	"strings"
)

// PathBuilder maps a cache key to a path relative to the service directory.
type PathBuilder func(key string) string

// DefaultPath shards by the first two characters of the SHA-256 digest of the
// key: <shard>/<digest>.json.
func DefaultPath(key string) string {
	digest := sha256.Sum256([]byte(key))
	hexDigest := hex.EncodeToString(digest[:])
	return filepath.Join(hexDigest[:2], hexDigest+".json")
}

// IPv4OctetPath shards IPv4 keys by their octets (a/b/c/d.json), which keeps
// neighboring addresses in the same directory. Anything that does not parse as
// IPv4 falls back to the default layout.
func IPv4OctetPath(key string) string {
	ip := net.ParseIP(key)
	if ip == nil || ip.To4() == nil {
		return DefaultPath(key)
	}
	parts := strings.Split(ip.To4().String(), ".")
	return filepath.Join(parts[0], parts[1], parts[2], parts[3]+".json")
}

// HexPrefixPath shards already-hex keys (hash digests) by their first two
// characters without re-hashing. Non-hex keys fall back to the default layout.
func HexPrefixPath(key string) string {
	lower := strings.ToLower(key)
	if len(lower) < 2 || !isHex(lower) {
		return DefaultPath(key)
	}
	return filepath.Join(lower[:2], lower+".json")
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// FlatLegacyPath is the pre-sharding layout (<digest>.json directly under the
// service directory). Probed on reads so old caches migrate in place.
func FlatLegacyPath(key string) string {
	digest := sha256.Sum256([]byte(key))
	return hex.EncodeToString(digest[:]) + ".json"
}
