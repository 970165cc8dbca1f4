// Package sshkeys extracts public keys attackers inject through honeypot
// command input (typically echo >> authorized_keys) and maintains per-key
// intelligence rows plus session links.
package sshkeys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"

	"github.com/trapline-labs/trapline/internal/store"
)

// keyPattern matches an OpenSSH public key embedded anywhere in a command
// line: type, base64 blob, optional comment.
var keyPattern = regexp.MustCompile(
	`(ssh-(?:rsa|dss|ed25519)|ecdsa-sha2-nistp(?:256|384|521))\s+([A-Za-z0-9+/=]{40,})(?:\s+([^\s"';|&>]+))?`)

// Key is one extracted and validated public key.
type Key struct {
	Type        string
	Fingerprint string
	Data        string
	Comment     string
}

// Extract finds every parseable public key in the input. Blobs that match the
// pattern but fail SSH wire-format parsing are dropped.
func Extract(input string) []Key {
	var out []Key
	for _, m := range keyPattern.FindAllStringSubmatch(input, -1) {
		line := m[1] + " " + m[2]
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		out = append(out, Key{
			Type:        pub.Type(),
			Fingerprint: ssh.FingerprintSHA256(pub),
			Data:        m[2],
			Comment:     m[3],
		})
	}
	return out
}

type Stats struct {
	CommandsScanned uint64
	KeysExtracted   uint64
	Errors          uint64
}

type Config struct {
	Logger *slog.Logger
	Store  store.Store
	Clock  clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Enricher records injected keys against sessions.
type Enricher struct {
	log   *slog.Logger
	store store.Store
	clock clockwork.Clock

	scanned   atomic.Uint64
	extracted atomic.Uint64
	errs      atomic.Uint64
}

func New(cfg *Config) (*Enricher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Enricher{log: cfg.Logger, store: cfg.Store, clock: cfg.Clock}, nil
}

// ProcessCommand scans one command input and persists every key found.
// Returns the number of keys recorded.
func (e *Enricher) ProcessCommand(ctx context.Context, sessionID, input string) (int, error) {
	e.scanned.Add(1)
	keys := Extract(input)
	if len(keys) == 0 {
		return 0, nil
	}

	now := e.clock.Now().UTC()
	recorded := 0
	for _, key := range keys {
		if err := e.store.UpsertSSHKeyIntel(ctx, &store.SSHKeyIntel{
			Fingerprint: key.Fingerprint,
			KeyType:     key.Type,
			KeyData:     key.Data,
			Comment:     key.Comment,
			FirstSeen:   now,
			LastSeen:    now,
		}); err != nil {
			e.errs.Add(1)
			return recorded, fmt.Errorf("upsert key %s: %w", key.Fingerprint, err)
		}
		if err := e.store.LinkSessionSSHKey(ctx, store.SessionSSHKey{
			SessionID:   sessionID,
			Fingerprint: key.Fingerprint,
			ObservedAt:  now,
		}); err != nil {
			e.errs.Add(1)
			return recorded, fmt.Errorf("link key %s to %s: %w", key.Fingerprint, sessionID, err)
		}
		recorded++
		e.extracted.Add(1)
	}
	e.log.Debug("sshkeys: recorded injected keys", "session", sessionID, "count", recorded)
	return recorded, nil
}

func (e *Enricher) Stats() Stats {
	return Stats{
		CommandsScanned: e.scanned.Load(),
		KeysExtracted:   e.extracted.Load(),
		Errors:          e.errs.Load(),
	}
}

func (e *Enricher) ResetStats() {
	e.scanned.Store(0)
	e.extracted.Store(0)
	e.errs.Store(0)
}
