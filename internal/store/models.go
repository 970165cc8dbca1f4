// Package store holds the three-tier persistence model (ASN -> IP -> session)
// plus raw events, ASN history, SSH key intelligence and the dead-letter
// table. Two implementations share the Store interface: Postgres for
// production and an in-memory store for tests and the enrichment scenarios.
package store

import (
	"encoding/json"
	"time"
)

// Provider keys inside an enrichment document. Each provider owns exactly one
// sub-object; blocks are replaced atomically on refresh, never field-merged.
const (
	ProviderOfflineGeo = "offline-geo"
	ProviderWhois      = "whois"
	ProviderScanner    = "scanner-reputation"
	ProviderValidation = "validation"
	ProviderIntel      = "commercial-intel"
)

// Enrichment aggregates provider payloads keyed by provider name.
type Enrichment map[string]json.RawMessage

// Clone returns a deep copy; sub-objects are immutable raw JSON so copying
// the map suffices.
func (e Enrichment) Clone() Enrichment {
	if e == nil {
		return nil
	}
	out := make(Enrichment, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Set replaces the provider's sub-object with the canonical JSON encoding of v.
func (e Enrichment) Set(provider string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e[provider] = raw
	return nil
}

func (e Enrichment) Has(provider string) bool {
	_, ok := e[provider]
	return ok
}

// GeoCountry derives the country code: offline geo wins, whois second,
// threat feed third, "XX" when nothing answered. Never empty.
func (e Enrichment) GeoCountry() string {
	type countryBlock struct {
		CountryCode string `json:"country_code"`
	}
	for _, provider := range []string{ProviderOfflineGeo, ProviderWhois, ProviderScanner} {
		raw, ok := e[provider]
		if !ok {
			continue
		}
		var block countryBlock
		if err := json.Unmarshal(raw, &block); err == nil && block.CountryCode != "" {
			return block.CountryCode
		}
	}
	return "XX"
}

// IPType derives the address type from the commercial-intel block, when
// present.
func (e Enrichment) IPType() string {
	raw, ok := e[ProviderIntel]
	if !ok {
		return ""
	}
	var block struct {
		IPType string `json:"ip_type"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return ""
	}
	return block.IPType
}

// IsScanner derives the scanner flag from the reputation block.
func (e Enrichment) IsScanner() bool {
	raw, ok := e[ProviderScanner]
	if !ok {
		return false
	}
	var block struct {
		Noise bool `json:"noise"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return false
	}
	return block.Noise
}

// IsBogon derives the bogon flag from the validation block.
func (e Enrichment) IsBogon() bool {
	raw, ok := e[ProviderValidation]
	if !ok {
		return false
	}
	var block struct {
		IsBogon bool `json:"is_bogon"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return false
	}
	return block.IsBogon
}

// RawEvent is one immutable honeypot event as delivered by the loader.
// Uniqueness is (SourcePath, Inode, Generation, ByteOffset).
type RawEvent struct {
	ID             int64
	SourcePath     string
	ByteOffset     int64
	Inode          int64
	Generation     int64
	Payload        json.RawMessage
	PayloadHash    string
	SessionID      string
	EventType      string
	EventTimestamp time.Time
	IngestedAt     time.Time
	RiskScore      float64
	Quarantined    bool
}

// SessionSummary aggregates one honeypot session plus a frozen enrichment
// snapshot. The snapshot columns are write-once: they reflect inventory state
// at the moment of ingest and are never back-updated.
type SessionSummary struct {
	SessionID    string
	FirstEventAt time.Time
	LastEventAt  time.Time

	EventCount       int
	CommandCount     int
	DownloadCount    int
	LoginAttempts    int
	SSHKeyInjections int
	UniqueSSHKeys    int

	VTFlagged      bool
	DShieldFlagged bool
	RiskScore      float64
	SourceFiles    []string

	Enrichment Enrichment

	SourceIP        string
	SnapshotASN     *uint
	SnapshotCountry *string
	SnapshotIPType  *string

	SSHKeyFingerprint *string
	PasswordHash      *string
	CommandSignature  *string

	EnrichmentAt *time.Time
	UpdatedAt    time.Time
}

// HasSnapshot reports whether the write-once snapshot columns are populated.
func (s *SessionSummary) HasSnapshot() bool {
	return s.EnrichmentAt != nil
}

// IPInventory is the current observed state of one IP address. Snapshot
// columns on sessions freeze the past; this row holds the present.
type IPInventory struct {
	IPAddress       string
	CurrentASN      *uint
	ASNLastVerified *time.Time
	FirstSeen       time.Time
	LastSeen        time.Time
	SessionCount    int64

	Enrichment          Enrichment
	EnrichmentUpdatedAt *time.Time
	EnrichmentVersion   string
}

// GeoCountry is the derived country for the row; "XX" when unknown.
func (r *IPInventory) GeoCountry() string { return r.Enrichment.GeoCountry() }

func (r *IPInventory) IPType() string  { return r.Enrichment.IPType() }
func (r *IPInventory) IsScanner() bool { return r.Enrichment.IsScanner() }
func (r *IPInventory) IsBogon() bool   { return r.Enrichment.IsBogon() }

// Clone returns a deep-enough copy for handing rows across goroutines.
func (r *IPInventory) Clone() *IPInventory {
	out := *r
	out.Enrichment = r.Enrichment.Clone()
	if r.CurrentASN != nil {
		asn := *r.CurrentASN
		out.CurrentASN = &asn
	}
	if r.ASNLastVerified != nil {
		ts := *r.ASNLastVerified
		out.ASNLastVerified = &ts
	}
	if r.EnrichmentUpdatedAt != nil {
		ts := *r.EnrichmentUpdatedAt
		out.EnrichmentUpdatedAt = &ts
	}
	return &out
}

// ASNInventory is the organizational attribution of one autonomous system.
// Organization fields fill in blanks but never overwrite; counters only grow.
type ASNInventory struct {
	ASNNumber           uint
	OrganizationName    *string
	OrganizationCountry *string
	RIRRegistry         *string
	ASNType             *string

	IsKnownHosting bool
	IsKnownVPN     bool

	FirstSeen time.Time
	LastSeen  time.Time

	UniqueIPCount     int64
	TotalSessionCount int64

	Enrichment          Enrichment
	EnrichmentUpdatedAt *time.Time
	UpdatedAt           time.Time
}

// IPASNHistoryEntry is one append-only ASN assignment observation.
type IPASNHistoryEntry struct {
	IPAddress          string
	ASNNumber          uint
	ObservedAt         time.Time
	VerificationSource string
}

// SSHKeyIntel is the per-key intelligence row maintained by the SSH-key
// enricher.
type SSHKeyIntel struct {
	Fingerprint string
	KeyType     string
	KeyData     string
	Comment     string
	FirstSeen   time.Time
	LastSeen    time.Time
	TimesSeen   int64
}

// SessionSSHKey links a session to an injected key.
type SessionSSHKey struct {
	SessionID   string
	Fingerprint string
	ObservedAt  time.Time
}

// DeadLetterEvent is a quarantined payload awaiting offline triage.
type DeadLetterEvent struct {
	ID         int64
	Reason     string
	Payload    json.RawMessage
	SourcePath string
	ReceivedAt time.Time
}
