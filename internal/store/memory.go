package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Memory is a fully in-process Store with the same upsert semantics as the
// Postgres implementation. It backs the enrichment scenario tests and small
// single-node deployments.
type Memory struct {
	clock clockwork.Clock

	mu        sync.Mutex
	ips       map[string]*IPInventory
	asns      map[uint]*ASNInventory
	history   []IPASNHistoryEntry
	events    map[string][]*RawEvent
	eventKeys map[rawEventKey]struct{}
	sessions  map[string]*SessionSummary
	sshKeys   map[string]*SSHKeyIntel
	keyLinks  map[string][]SessionSSHKey
	dead      []*DeadLetterEvent
	nextID    int64
}

type rawEventKey struct {
	sourcePath string
	inode      int64
	generation int64
	byteOffset int64
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:     clock,
		ips:       make(map[string]*IPInventory),
		asns:      make(map[uint]*ASNInventory),
		events:    make(map[string][]*RawEvent),
		eventKeys: make(map[rawEventKey]struct{}),
		sessions:  make(map[string]*SessionSummary),
		sshKeys:   make(map[string]*SSHKeyIntel),
		keyLinks:  make(map[string][]SessionSSHKey),
	}
}

func (m *Memory) GetIPInventory(_ context.Context, ip string) (*IPInventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.ips[ip]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

func (m *Memory) InsertIPInventory(_ context.Context, row *IPInventory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ips[row.IPAddress]; exists {
		return ErrDuplicate
	}
	m.ips[row.IPAddress] = row.Clone()
	return nil
}

func (m *Memory) UpdateIPInventory(_ context.Context, row *IPInventory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ips[row.IPAddress]; !exists {
		return ErrNotFound
	}
	m.ips[row.IPAddress] = row.Clone()
	return nil
}

func (m *Memory) ListIPsMissingASN(_ context.Context, limit int) ([]*IPInventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*IPInventory
	for _, row := range m.ips {
		if row.CurrentASN == nil {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IPAddress < out[j].IPAddress })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListStaleIPs(_ context.Context, source string, cutoff time.Time, limit int) ([]*IPInventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*IPInventory
	for _, row := range m.ips {
		if row.EnrichmentUpdatedAt == nil || !row.EnrichmentUpdatedAt.Before(cutoff) {
			continue
		}
		if !row.Enrichment.Has(source) {
			continue
		}
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IPAddress < out[j].IPAddress })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) EnsureASN(_ context.Context, asn uint, params EnsureASNParams) (*ASNInventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now().UTC()

	row, ok := m.asns[asn]
	if !ok {
		row = &ASNInventory{
			ASNNumber:  asn,
			FirstSeen:  now,
			LastSeen:   now,
			UpdatedAt:  now,
			Enrichment: Enrichment{},
		}
		m.asns[asn] = row
	}
	row.LastSeen = now
	row.UpdatedAt = now
	fillIfNull(&row.OrganizationName, params.OrgName)
	fillIfNull(&row.OrganizationCountry, params.OrgCountry)
	fillIfNull(&row.RIRRegistry, params.RIR)

	return cloneASN(row), nil
}

func fillIfNull(dst **string, value string) {
	if value == "" || *dst != nil {
		return
	}
	v := value
	*dst = &v
}

func cloneASN(row *ASNInventory) *ASNInventory {
	out := *row
	out.Enrichment = row.Enrichment.Clone()
	for _, p := range []**string{&out.OrganizationName, &out.OrganizationCountry, &out.RIRRegistry, &out.ASNType} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &out
}

func (m *Memory) GetASNInventory(_ context.Context, asn uint) (*ASNInventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.asns[asn]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneASN(row), nil
}

func (m *Memory) BumpASNCounters(_ context.Context, asn uint, uniqueIPDelta, sessionDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.asns[asn]
	if !ok {
		return ErrNotFound
	}
	if uniqueIPDelta > 0 {
		row.UniqueIPCount += uniqueIPDelta
	}
	if sessionDelta > 0 {
		row.TotalSessionCount += sessionDelta
	}
	return nil
}

func (m *Memory) AppendASNHistory(_ context.Context, entry IPASNHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entry)
	return nil
}

func (m *Memory) ListASNHistory(_ context.Context, ip string) ([]IPASNHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []IPASNHistoryEntry
	for _, e := range m.history {
		if e.IPAddress == ip {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) InsertRawEvent(_ context.Context, ev *RawEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rawEventKey{ev.SourcePath, ev.Inode, ev.Generation, ev.ByteOffset}
	if _, exists := m.eventKeys[key]; exists {
		return ErrDuplicate
	}
	m.eventKeys[key] = struct{}{}
	m.nextID++
	copied := *ev
	copied.ID = m.nextID
	ev.ID = m.nextID
	m.events[ev.SessionID] = append(m.events[ev.SessionID], &copied)
	return nil
}

func (m *Memory) ListSessionEvents(_ context.Context, sessionID string) ([]*RawEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[sessionID]
	out := make([]*RawEvent, len(events))
	for i, ev := range events {
		copied := *ev
		out[i] = &copied
	}
	return out, nil
}

func (m *Memory) GetSessionSummary(_ context.Context, sessionID string) (*SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(row), nil
}

func (m *Memory) InsertSessionSummary(_ context.Context, row *SessionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[row.SessionID]; exists {
		return ErrDuplicate
	}
	m.sessions[row.SessionID] = cloneSession(row)
	return nil
}

func (m *Memory) UpdateSessionSummary(_ context.Context, row *SessionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[row.SessionID]; !exists {
		return ErrNotFound
	}
	m.sessions[row.SessionID] = cloneSession(row)
	return nil
}

func (m *Memory) ListSessionsWithoutSnapshot(_ context.Context, limit int) ([]*SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SessionSummary
	for _, row := range m.sessions {
		if row.EnrichmentAt == nil {
			out = append(out, cloneSession(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneSession(row *SessionSummary) *SessionSummary {
	out := *row
	out.Enrichment = row.Enrichment.Clone()
	out.SourceFiles = append([]string(nil), row.SourceFiles...)
	if row.SnapshotASN != nil {
		v := *row.SnapshotASN
		out.SnapshotASN = &v
	}
	for _, pair := range [][2]**string{
		{&out.SnapshotCountry, &row.SnapshotCountry},
		{&out.SnapshotIPType, &row.SnapshotIPType},
		{&out.SSHKeyFingerprint, &row.SSHKeyFingerprint},
		{&out.PasswordHash, &row.PasswordHash},
		{&out.CommandSignature, &row.CommandSignature},
	} {
		if *pair[1] != nil {
			v := **pair[1]
			*pair[0] = &v
		}
	}
	if row.EnrichmentAt != nil {
		v := *row.EnrichmentAt
		out.EnrichmentAt = &v
	}
	return &out
}

func (m *Memory) UpsertSSHKeyIntel(_ context.Context, key *SSHKeyIntel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now().UTC()
	existing, ok := m.sshKeys[key.Fingerprint]
	if !ok {
		copied := *key
		if copied.FirstSeen.IsZero() {
			copied.FirstSeen = now
		}
		if copied.LastSeen.IsZero() {
			copied.LastSeen = now
		}
		if copied.TimesSeen == 0 {
			copied.TimesSeen = 1
		}
		m.sshKeys[key.Fingerprint] = &copied
		return nil
	}
	existing.LastSeen = now
	existing.TimesSeen++
	if existing.Comment == "" {
		existing.Comment = key.Comment
	}
	return nil
}

func (m *Memory) LinkSessionSSHKey(_ context.Context, link SessionSSHKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.keyLinks[link.SessionID] {
		if existing.Fingerprint == link.Fingerprint {
			return nil
		}
	}
	m.keyLinks[link.SessionID] = append(m.keyLinks[link.SessionID], link)
	return nil
}

func (m *Memory) ListSessionSSHKeys(_ context.Context, sessionID string) ([]SessionSSHKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SessionSSHKey(nil), m.keyLinks[sessionID]...), nil
}

func (m *Memory) InsertDeadLetter(_ context.Context, ev *DeadLetterEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	copied := *ev
	copied.ID = m.nextID
	if copied.ReceivedAt.IsZero() {
		copied.ReceivedAt = m.clock.Now().UTC()
	}
	m.dead = append(m.dead, &copied)
	return nil
}

// DeadLetters returns the quarantined payloads (test helper).
func (m *Memory) DeadLetters() []*DeadLetterEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DeadLetterEvent, len(m.dead))
	copy(out, m.dead)
	return out
}

// GetSSHKeyIntel returns a key row (test helper).
func (m *Memory) GetSSHKeyIntel(fingerprint string) (*SSHKeyIntel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sshKeys[fingerprint]
	if !ok {
		return nil, false
	}
	copied := *row
	return &copied, true
}

func (m *Memory) SchemaVersion(_ context.Context) (string, error) {
	return SchemaVersionValue, nil
}

// WithTx applies fn directly: every Memory call is serialized by the store
// mutex, so a batch is as atomic as its individual writes.
func (m *Memory) WithTx(_ context.Context, fn func(Store) error) error {
	return fn(m)
}

func (m *Memory) Close() {}
