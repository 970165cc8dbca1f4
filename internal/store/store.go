package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for reads of absent rows.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert loses a unique-constraint
	// race; callers roll back and re-read the winning row.
	ErrDuplicate = errors.New("store: duplicate key")
)

// EnsureASNParams carries optional organizational metadata for an ASN upsert.
// Empty strings mean "no value"; existing non-null columns are never
// overwritten.
type EnsureASNParams struct {
	OrgName    string
	OrgCountry string
	RIR        string
}

// Store is the persistence surface of the enrichment subsystem. All writes
// except EnsureASN rely on unique constraints plus re-read; EnsureASN is the
// one row-locked path because the whole row is the identity.
type Store interface {
	// IP inventory.
	GetIPInventory(ctx context.Context, ip string) (*IPInventory, error)
	InsertIPInventory(ctx context.Context, row *IPInventory) error
	UpdateIPInventory(ctx context.Context, row *IPInventory) error
	ListIPsMissingASN(ctx context.Context, limit int) ([]*IPInventory, error)
	// ListStaleIPs returns rows whose enrichment_updated_at is older than
	// cutoff and whose enrichment already contains the source's sub-object.
	ListStaleIPs(ctx context.Context, source string, cutoff time.Time, limit int) ([]*IPInventory, error)

	// ASN inventory.
	EnsureASN(ctx context.Context, asn uint, params EnsureASNParams) (*ASNInventory, error)
	GetASNInventory(ctx context.Context, asn uint) (*ASNInventory, error)
	// BumpASNCounters advances the monotonic counters.
	BumpASNCounters(ctx context.Context, asn uint, uniqueIPDelta, sessionDelta int64) error

	// ASN assignment history (append-only).
	AppendASNHistory(ctx context.Context, entry IPASNHistoryEntry) error
	ListASNHistory(ctx context.Context, ip string) ([]IPASNHistoryEntry, error)

	// Raw events.
	InsertRawEvent(ctx context.Context, ev *RawEvent) error
	ListSessionEvents(ctx context.Context, sessionID string) ([]*RawEvent, error)

	// Session summaries.
	GetSessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error)
	InsertSessionSummary(ctx context.Context, row *SessionSummary) error
	UpdateSessionSummary(ctx context.Context, row *SessionSummary) error
	// ListSessionsWithoutSnapshot feeds the snapshot backfill job.
	ListSessionsWithoutSnapshot(ctx context.Context, limit int) ([]*SessionSummary, error)

	// SSH key intelligence.
	UpsertSSHKeyIntel(ctx context.Context, key *SSHKeyIntel) error
	LinkSessionSSHKey(ctx context.Context, link SessionSSHKey) error
	ListSessionSSHKeys(ctx context.Context, sessionID string) ([]SessionSSHKey, error)

	// Dead-letter sink.
	InsertDeadLetter(ctx context.Context, ev *DeadLetterEvent) error

	// SchemaVersion reads the key/value schema tracking table.
	SchemaVersion(ctx context.Context) (string, error)

	// WithTx runs fn against a transaction-scoped view of the store and
	// commits when fn returns nil; any error rolls the batch back. Stores
	// without transactions apply fn directly.
	WithTx(ctx context.Context, fn func(Store) error) error

	Close()
}
