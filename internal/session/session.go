// Package session coalesces raw honeypot events into session summaries and
// captures a write-once enrichment snapshot when a summary is first
// materialized. The snapshot freezes inventory state at ingest time; later
// events only advance counters and timestamps.
package session

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/trapline-labs/trapline/internal/fileintel"
	"github.com/trapline-labs/trapline/internal/metrics"
	"github.com/trapline-labs/trapline/internal/store"
)

// Snapshotter is the cascade capability the summarizer depends on.
type Snapshotter interface {
	EnrichIP(ctx context.Context, ip string) (*store.IPInventory, error)
}

// KeyRecorder extracts and persists injected SSH keys from command input.
type KeyRecorder interface {
	ProcessCommand(ctx context.Context, sessionID, input string) (int, error)
}

// FileReputation resolves dropped-file verdicts by sha256.
type FileReputation interface {
	Lookup(ctx context.Context, sha256 string) (*fileintel.Result, error)
}

// PasswordPrevalence resolves breach-corpus prevalence for a SHA-1 digest.
type PasswordPrevalence interface {
	Prevalence(ctx context.Context, sha1hex string) (int64, error)
}

type Config struct {
	Logger   *slog.Logger
	Store    store.Store
	Enricher Snapshotter
	Clock    clockwork.Clock

	// Optional side enrichers; nil disables the corresponding hook.
	SSHKeys   KeyRecorder
	FileIntel FileReputation
	Passwords PasswordPrevalence
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Enricher == nil {
		return errors.New("enricher is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Summarizer struct {
	log      *slog.Logger
	store    store.Store
	enricher Snapshotter
	clock    clockwork.Clock

	keys      KeyRecorder
	files     FileReputation
	passwords PasswordPrevalence

	// seenKeys tracks fingerprints per open session so repeats of any key,
	// not just the first one, stay deduplicated in unique_ssh_keys.
	mu       sync.Mutex
	seenKeys map[string]map[string]struct{}
}

func New(cfg *Config) (*Summarizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Summarizer{
		log:       cfg.Logger,
		store:     cfg.Store,
		enricher:  cfg.Enricher,
		clock:     cfg.Clock,
		keys:      cfg.SSHKeys,
		files:     cfg.FileIntel,
		passwords: cfg.Passwords,
		seenKeys:  make(map[string]map[string]struct{}),
	}, nil
}

// Ingest persists one raw log line and folds it into its session summary.
// Malformed payloads go to the dead-letter sink; duplicate lines (same file
// position) are dropped silently.
func (s *Summarizer) Ingest(ctx context.Context, payload []byte, pos FilePosition) error {
	raw, ev, err := NewRawEvent(payload, pos, s.clock.Now())
	if err != nil {
		metrics.DeadLettersTotal.WithLabelValues("malformed-payload").Inc()
		if dlErr := s.store.InsertDeadLetter(ctx, &store.DeadLetterEvent{
			Reason:     "malformed-payload",
			Payload:    sanitizePayload(payload),
			SourcePath: pos.Path,
		}); dlErr != nil {
			s.log.Error("session: dead-letter write failed", "path", pos.Path, "error", dlErr)
		}
		return err
	}

	err = s.store.InsertRawEvent(ctx, raw)
	if errors.Is(err, store.ErrDuplicate) {
		// Replayed file region; the event was already folded in.
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert raw event: %w", err)
	}

	return s.fold(ctx, raw, ev)
}

// fold applies one event to its summary, creating the summary (and its
// snapshot) on the session's first event.
func (s *Summarizer) fold(ctx context.Context, raw *store.RawEvent, ev *Event) error {
	now := s.clock.Now().UTC()

	summary, err := s.store.GetSessionSummary(ctx, ev.Session)
	switch {
	case errors.Is(err, store.ErrNotFound):
		summary = &store.SessionSummary{
			SessionID:    ev.Session,
			FirstEventAt: raw.EventTimestamp,
			LastEventAt:  raw.EventTimestamp,
			SourceIP:     ev.SrcIP,
			Enrichment:   store.Enrichment{},
			UpdatedAt:    now,
		}
		s.apply(summary, raw, ev)
		s.snapshot(ctx, summary, now)
		s.hooks(ctx, summary, ev)
		err = s.store.InsertSessionSummary(ctx, summary)
		if errors.Is(err, store.ErrDuplicate) {
			// Concurrent first event won; fall through to the update path.
			summary, err = s.store.GetSessionSummary(ctx, ev.Session)
			if err != nil {
				return fmt.Errorf("re-read session %s: %w", ev.Session, err)
			}
			s.apply(summary, raw, ev)
			summary.UpdatedAt = now
			return s.store.UpdateSessionSummary(ctx, summary)
		}
		if err != nil {
			return fmt.Errorf("insert session %s: %w", ev.Session, err)
		}
		metrics.SessionsSummarizedTotal.Inc()
		return nil

	case err != nil:
		return fmt.Errorf("read session %s: %w", ev.Session, err)
	}

	s.apply(summary, raw, ev)
	s.hooks(ctx, summary, ev)
	summary.UpdatedAt = now
	return s.store.UpdateSessionSummary(ctx, summary)
}

// hooks runs the optional side enrichers for one event. All of them degrade
// to log-and-continue; ingest never fails on intel lookups.
func (s *Summarizer) hooks(ctx context.Context, summary *store.SessionSummary, ev *Event) {
	switch ev.EventID {
	case EventCommand:
		if s.keys == nil || ev.Input == "" {
			return
		}
		n, err := s.keys.ProcessCommand(ctx, ev.Session, ev.Input)
		if err != nil {
			s.log.Warn("session: ssh key extraction failed", "session", ev.Session, "error", err)
			return
		}
		if n > 0 {
			summary.SSHKeyInjections += n
			summary.RiskScore += float64(5 * n)
		}

	case EventDownload:
		if s.files == nil || ev.SHASum == "" {
			return
		}
		res, err := s.files.Lookup(ctx, ev.SHASum)
		if err != nil || res == nil {
			return
		}
		if err := summary.Enrichment.Set("file-intel", res); err != nil {
			return
		}
		if res.Malicious() {
			summary.VTFlagged = true
			summary.RiskScore += 10
		}

	case EventLoginOK, EventLoginFailed:
		if s.passwords == nil || ev.Password == "" {
			return
		}
		count, err := s.passwords.Prevalence(ctx, passwordSHA1(ev.Password))
		if err != nil {
			return
		}
		if err := summary.Enrichment.Set("password-intel", map[string]any{
			"prevalence": count,
		}); err != nil {
			return
		}
	}
}

// apply folds one event into the summary counters. Snapshot columns are never
// touched here.
func (s *Summarizer) apply(summary *store.SessionSummary, raw *store.RawEvent, ev *Event) {
	summary.EventCount++
	if raw.EventTimestamp.Before(summary.FirstEventAt) {
		summary.FirstEventAt = raw.EventTimestamp
	}
	if raw.EventTimestamp.After(summary.LastEventAt) {
		summary.LastEventAt = raw.EventTimestamp
	}
	if raw.SourcePath != "" && !slices.Contains(summary.SourceFiles, raw.SourcePath) {
		summary.SourceFiles = append(summary.SourceFiles, raw.SourcePath)
	}

	switch ev.EventID {
	case EventLoginOK, EventLoginFailed:
		summary.LoginAttempts++
		if summary.PasswordHash == nil && ev.Password != "" {
			h := passwordSHA1(ev.Password)
			summary.PasswordHash = &h
		}
		if ev.EventID == EventLoginFailed {
			summary.RiskScore += 1
		}
	case EventCommand:
		summary.CommandCount++
		summary.RiskScore += 2
		sig := chainSignature(summary.CommandSignature, ev.Input)
		summary.CommandSignature = &sig
	case EventDownload:
		summary.DownloadCount++
		summary.RiskScore += 5
	case EventFingerprint:
		summary.SSHKeyInjections++
		if ev.Fingerprint == "" {
			break
		}
		if s.markFingerprint(summary.SessionID, summary.SSHKeyFingerprint, ev.Fingerprint) {
			summary.UniqueSSHKeys++
		}
		if summary.SSHKeyFingerprint == nil {
			fp := ev.Fingerprint
			summary.SSHKeyFingerprint = &fp
		}
	case EventClosed:
		s.mu.Lock()
		delete(s.seenKeys, summary.SessionID)
		s.mu.Unlock()
	}
}

// markFingerprint records fp against the session and reports whether it was
// first seen now. The set is process-local; after a restart it reseeds from
// the session's stored first fingerprint.
func (s *Summarizer) markFingerprint(sessionID string, first *string, fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.seenKeys[sessionID]
	if !ok {
		seen = make(map[string]struct{})
		if first != nil {
			seen[*first] = struct{}{}
		}
		s.seenKeys[sessionID] = seen
	}
	if _, dup := seen[fp]; dup {
		return false
	}
	seen[fp] = struct{}{}
	return true
}

// snapshot invokes the cascade for the session's source IP and freezes the
// result into the write-once columns. Cascade failure leaves the columns null
// for the backfill job; it never blocks ingest.
func (s *Summarizer) snapshot(ctx context.Context, summary *store.SessionSummary, now time.Time) {
	inv, err := s.enricher.EnrichIP(ctx, summary.SourceIP)
	if err != nil {
		s.log.Warn("session: snapshot cascade failed", "session", summary.SessionID, "ip", summary.SourceIP, "error", err)
		return
	}
	applySnapshot(summary, inv, now)
}

func applySnapshot(summary *store.SessionSummary, inv *store.IPInventory, now time.Time) {
	summary.Enrichment = inv.Enrichment.Clone()
	if summary.Enrichment == nil {
		summary.Enrichment = store.Enrichment{}
	}
	if inv.CurrentASN != nil {
		asn := *inv.CurrentASN
		summary.SnapshotASN = &asn
	}
	country := inv.GeoCountry()
	summary.SnapshotCountry = &country
	if ipType := inv.IPType(); ipType != "" {
		summary.SnapshotIPType = &ipType
	}
	summary.EnrichmentAt = &now
}

// BackfillSnapshots copies current inventory state into historical sessions
// that never got a snapshot. Rows with populated snapshot columns are not
// candidates. Returns the number of sessions patched.
func (s *Summarizer) BackfillSnapshots(ctx context.Context, limit int) (int, error) {
	rows, err := s.store.ListSessionsWithoutSnapshot(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list sessions without snapshot: %w", err)
	}

	patched := 0
	for _, summary := range rows {
		now := s.clock.Now().UTC()
		inv, err := s.enricher.EnrichIP(ctx, summary.SourceIP)
		if err != nil {
			s.log.Warn("session: backfill cascade failed", "session", summary.SessionID, "ip", summary.SourceIP, "error", err)
			continue
		}
		applySnapshot(summary, inv, now)
		summary.UpdatedAt = now
		if err := s.store.UpdateSessionSummary(ctx, summary); err != nil {
			s.log.Error("session: backfill update failed", "session", summary.SessionID, "error", err)
			continue
		}
		patched++
	}
	return patched, nil
}

// passwordSHA1 is the uppercase hex SHA-1 digest the password-prefix
// enricher queries with.
func passwordSHA1(password string) string {
	sum := sha1.Sum([]byte(password))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// chainSignature folds command inputs into one order-sensitive digest.
func chainSignature(prev *string, input string) string {
	h := sha256.New()
	if prev != nil {
		h.Write([]byte(*prev))
	}
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil))
}

// sanitizePayload keeps quarantined payloads storable as JSON even when the
// input was not.
func sanitizePayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return json.RawMessage(`null`)
	}
	return json.RawMessage(quoted)
}
