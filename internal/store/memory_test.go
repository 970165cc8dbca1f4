package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestMemory_EnsureASN_FillNeverOverwrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)))

	row, err := m.EnsureASN(ctx, 15169, EnsureASNParams{})
	require.NoError(t, err)
	require.Equal(t, uint(15169), row.ASNNumber)
	require.Nil(t, row.OrganizationName)
	require.Nil(t, row.RIRRegistry)

	// First non-empty value fills the blank.
	row, err = m.EnsureASN(ctx, 15169, EnsureASNParams{OrgName: "GOOGLE", RIR: "arin"})
	require.NoError(t, err)
	require.NotNil(t, row.OrganizationName)
	require.Equal(t, "GOOGLE", *row.OrganizationName)
	require.Equal(t, "arin", *row.RIRRegistry)

	// Later values never overwrite.
	row, err = m.EnsureASN(ctx, 15169, EnsureASNParams{OrgName: "GOOGLE LLC", OrgCountry: "US"})
	require.NoError(t, err)
	require.Equal(t, "GOOGLE", *row.OrganizationName)
	require.NotNil(t, row.OrganizationCountry)
	require.Equal(t, "US", *row.OrganizationCountry)
}

func TestMemory_EnsureASN_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	m := NewMemory(clock)

	first, err := m.EnsureASN(ctx, 4134, EnsureASNParams{OrgName: "CHINANET"})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	second, err := m.EnsureASN(ctx, 4134, EnsureASNParams{OrgName: "CHINANET"})
	require.NoError(t, err)

	require.Equal(t, first.FirstSeen, second.FirstSeen)
	require.True(t, second.LastSeen.After(first.LastSeen))
	require.Equal(t, *first.OrganizationName, *second.OrganizationName)
}

func TestMemory_BumpASNCounters_OnlyGrow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(nil)

	_, err := m.EnsureASN(ctx, 14061, EnsureASNParams{})
	require.NoError(t, err)

	require.NoError(t, m.BumpASNCounters(ctx, 14061, 1, 3))
	require.NoError(t, m.BumpASNCounters(ctx, 14061, -5, -5))

	row, err := m.GetASNInventory(ctx, 14061)
	require.NoError(t, err)
	require.Equal(t, int64(1), row.UniqueIPCount)
	require.Equal(t, int64(3), row.TotalSessionCount)

	require.ErrorIs(t, m.BumpASNCounters(ctx, 999999, 1, 0), ErrNotFound)
}

func TestMemory_IPInventory_CRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(nil)
	now := time.Now().UTC()

	_, err := m.GetIPInventory(ctx, "203.0.113.7")
	require.ErrorIs(t, err, ErrNotFound)

	row := &IPInventory{
		IPAddress:  "203.0.113.7",
		FirstSeen:  now,
		LastSeen:   now,
		Enrichment: Enrichment{},
	}
	require.NoError(t, m.InsertIPInventory(ctx, row))
	require.ErrorIs(t, m.InsertIPInventory(ctx, row), ErrDuplicate)

	asn := uint(64500)
	row.CurrentASN = &asn
	require.NoError(t, row.Enrichment.Set(ProviderWhois, map[string]any{"asn": 64500}))
	require.NoError(t, m.UpdateIPInventory(ctx, row))

	got, err := m.GetIPInventory(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, got.CurrentASN)
	require.Equal(t, uint(64500), *got.CurrentASN)
	require.True(t, got.Enrichment.Has(ProviderWhois))

	// Clones are isolated from later caller mutation.
	*got.CurrentASN = 1
	again, err := m.GetIPInventory(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.Equal(t, uint(64500), *again.CurrentASN)
}

func TestMemory_ListIPsMissingASN(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(nil)
	now := time.Now().UTC()

	asn := uint(15169)
	for _, row := range []*IPInventory{
		{IPAddress: "10.0.0.1", FirstSeen: now, LastSeen: now, Enrichment: Enrichment{}},
		{IPAddress: "10.0.0.2", FirstSeen: now, LastSeen: now, Enrichment: Enrichment{}, CurrentASN: &asn},
		{IPAddress: "10.0.0.3", FirstSeen: now, LastSeen: now, Enrichment: Enrichment{}},
	} {
		require.NoError(t, m.InsertIPInventory(ctx, row))
	}

	missing, err := m.ListIPsMissingASN(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 2)
	require.Equal(t, "10.0.0.1", missing[0].IPAddress)
	require.Equal(t, "10.0.0.3", missing[1].IPAddress)

	limited, err := m.ListIPsMissingASN(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestMemory_ListStaleIPs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(nil)
	now := time.Now().UTC()
	old := now.Add(-30 * 24 * time.Hour)
	cutoff := now.Add(-7 * 24 * time.Hour)

	stale := &IPInventory{IPAddress: "192.0.2.1", FirstSeen: old, LastSeen: old,
		Enrichment: Enrichment{}, EnrichmentUpdatedAt: &old}
	require.NoError(t, stale.Enrichment.Set(ProviderWhois, map[string]any{"asn": 1}))

	fresh := &IPInventory{IPAddress: "192.0.2.2", FirstSeen: now, LastSeen: now,
		Enrichment: Enrichment{}, EnrichmentUpdatedAt: &now}
	require.NoError(t, fresh.Enrichment.Set(ProviderWhois, map[string]any{"asn": 2}))

	// Old row without the whois block does not match a whois refresh.
	staleNoWhois := &IPInventory{IPAddress: "192.0.2.3", FirstSeen: old, LastSeen: old,
		Enrichment: Enrichment{}, EnrichmentUpdatedAt: &old}

	for _, row := range []*IPInventory{stale, fresh, staleNoWhois} {
		require.NoError(t, m.InsertIPInventory(ctx, row))
	}

	got, err := m.ListStaleIPs(ctx, ProviderWhois, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "192.0.2.1", got[0].IPAddress)
}

func TestMemory_RawEvents_Dedup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(nil)

	ev := &RawEvent{
		SourcePath:     "/var/log/cowrie/cowrie.json",
		Inode:          42,
		Generation:     1,
		ByteOffset:     1024,
		Payload:        json.RawMessage(`{"eventid":"cowrie.session.connect"}`),
		SessionID:      "abc123",
		EventType:      "cowrie.session.connect",
		EventTimestamp: time.Now().UTC(),
	}
	require.NoError(t, m.InsertRawEvent(ctx, ev))
	require.NotZero(t, ev.ID)

	dup := *ev
	dup.ID = 0
	require.ErrorIs(t, m.InsertRawEvent(ctx, &dup), ErrDuplicate)

	// Same offset after rotation (new inode) is a distinct event.
	rotated := *ev
	rotated.ID = 0
	rotated.Inode = 43
	require.NoError(t, m.InsertRawEvent(ctx, &rotated))

	events, err := m.ListSessionEvents(ctx, "abc123")
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestMemory_SessionSummary_Snapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(nil)
	now := time.Now().UTC()

	row := &SessionSummary{
		SessionID:    "sess-1",
		FirstEventAt: now,
		LastEventAt:  now,
		SourceIP:     "8.8.8.8",
		Enrichment:   Enrichment{},
		UpdatedAt:    now,
	}
	require.NoError(t, m.InsertSessionSummary(ctx, row))
	require.ErrorIs(t, m.InsertSessionSummary(ctx, row), ErrDuplicate)

	pending, err := m.ListSessionsWithoutSnapshot(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	asn := uint(15169)
	country := "US"
	row.SnapshotASN = &asn
	row.SnapshotCountry = &country
	row.EnrichmentAt = &now
	require.NoError(t, m.UpdateSessionSummary(ctx, row))

	got, err := m.GetSessionSummary(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, got.HasSnapshot())
	require.Equal(t, uint(15169), *got.SnapshotASN)

	pending, err = m.ListSessionsWithoutSnapshot(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMemory_SSHKeyIntel_Upsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemory(clock)

	key := &SSHKeyIntel{
		Fingerprint: "SHA256:abcdef",
		KeyType:     "ssh-ed25519",
		KeyData:     "AAAAC3Nza...",
	}
	require.NoError(t, m.UpsertSSHKeyIntel(ctx, key))

	clock.Advance(time.Hour)
	require.NoError(t, m.UpsertSSHKeyIntel(ctx, &SSHKeyIntel{
		Fingerprint: "SHA256:abcdef",
		KeyType:     "ssh-ed25519",
		KeyData:     "AAAAC3Nza...",
		Comment:     "root@kali",
	}))

	row, ok := m.GetSSHKeyIntel("SHA256:abcdef")
	require.True(t, ok)
	require.Equal(t, int64(2), row.TimesSeen)
	require.Equal(t, "root@kali", row.Comment)
	require.True(t, row.LastSeen.After(row.FirstSeen))

	require.NoError(t, m.LinkSessionSSHKey(ctx, SessionSSHKey{SessionID: "s1", Fingerprint: "SHA256:abcdef", ObservedAt: clock.Now()}))
	require.NoError(t, m.LinkSessionSSHKey(ctx, SessionSSHKey{SessionID: "s1", Fingerprint: "SHA256:abcdef", ObservedAt: clock.Now()}))
	links, err := m.ListSessionSSHKeys(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, links, 1)
}

func TestMemory_ASNHistory_AppendOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(nil)
	now := time.Now().UTC()

	for _, asn := range []uint{15169, 396982} {
		require.NoError(t, m.AppendASNHistory(ctx, IPASNHistoryEntry{
			IPAddress:          "8.8.8.8",
			ASNNumber:          asn,
			ObservedAt:         now,
			VerificationSource: "whois",
		}))
		now = now.Add(time.Hour)
	}

	history, err := m.ListASNHistory(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, uint(15169), history[0].ASNNumber)
	require.Equal(t, uint(396982), history[1].ASNNumber)

	other, err := m.ListASNHistory(ctx, "1.1.1.1")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestMemory_WithTx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(nil)
	now := time.Now().UTC()

	require.NoError(t, m.WithTx(ctx, func(tx Store) error {
		return tx.InsertIPInventory(ctx, &IPInventory{
			IPAddress: "203.0.113.9", FirstSeen: now, LastSeen: now, Enrichment: Enrichment{},
		})
	}))

	row, err := m.GetIPInventory(ctx, "203.0.113.9")
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", row.IPAddress)

	sentinel := errors.New("batch failed")
	require.ErrorIs(t, m.WithTx(ctx, func(Store) error { return sentinel }), sentinel)
}

func TestEnrichment_Derivations(t *testing.T) {
	t.Parallel()

	e := Enrichment{}
	require.Equal(t, "XX", e.GeoCountry())

	require.NoError(t, e.Set(ProviderWhois, map[string]any{"country_code": "NL", "asn": 14061}))
	require.Equal(t, "NL", e.GeoCountry())

	// Offline geo outranks whois.
	require.NoError(t, e.Set(ProviderOfflineGeo, map[string]any{"country_code": "US"}))
	require.Equal(t, "US", e.GeoCountry())

	require.False(t, e.IsScanner())
	require.NoError(t, e.Set(ProviderScanner, map[string]any{"noise": true, "classification": "malicious"}))
	require.True(t, e.IsScanner())

	require.False(t, e.IsBogon())
	require.NoError(t, e.Set(ProviderValidation, map[string]any{"is_bogon": true}))
	require.True(t, e.IsBogon())

	require.Empty(t, e.IPType())
	require.NoError(t, e.Set(ProviderIntel, map[string]any{"ip_type": "hosting"}))
	require.Equal(t, "hosting", e.IPType())
}
