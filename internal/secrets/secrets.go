// Package secrets resolves opaque secret URIs (env:NAME, file:/path) to
// secret strings. Configuration never carries bare secrets; a value without a
// scheme is rejected outright so a leaked config file stays harmless.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	// ErrPlaintextSecret is returned for values with no scheme prefix.
	ErrPlaintextSecret = errors.New("bare secret value rejected: use env: or file: URIs")
	// ErrUnknownScheme is returned for schemes with no registered resolver.
	ErrUnknownScheme = errors.New("unknown secret scheme")
	// ErrEmptySecret is returned when resolution succeeds but yields nothing.
	ErrEmptySecret = errors.New("secret resolved to an empty value")
)

// SchemeFunc resolves the part after the scheme separator.
type SchemeFunc func(rest string) (string, error)

type Resolver struct {
	log *slog.Logger

	mu      sync.RWMutex
	schemes map[string]SchemeFunc
}

func NewResolver(log *slog.Logger) (*Resolver, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	r := &Resolver{
		log:     log,
		schemes: make(map[string]SchemeFunc),
	}
	r.Register("env", resolveEnv)
	r.Register("file", resolveFile)
	return r, nil
}

// Register adds a scheme resolver (vault-style backends plug in here).
func (r *Resolver) Register(scheme string, fn SchemeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[scheme] = fn
}

// Resolve turns a secret URI into the secret string. Failures are logged at
// warning level and returned; callers substitute no-op clients.
func (r *Resolver) Resolve(uri string) (string, error) {
	scheme, rest, found := strings.Cut(uri, ":")
	if !found || scheme == "" {
		r.log.Warn("secrets: plaintext value rejected")
		return "", ErrPlaintextSecret
	}

	r.mu.RLock()
	fn, ok := r.schemes[scheme]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("secrets: unknown scheme", "scheme", scheme)
		return "", fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}

	secret, err := fn(rest)
	if err != nil {
		r.log.Warn("secrets: resolution failed", "scheme", scheme, "error", err)
		return "", err
	}
	if secret == "" {
		r.log.Warn("secrets: empty value", "scheme", scheme)
		return "", ErrEmptySecret
	}
	return secret, nil
}

func resolveEnv(name string) (string, error) {
	if name == "" {
		return "", errors.New("env: requires a variable name")
	}
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", name)
	}
	return value, nil
}

func resolveFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("file: requires a path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
