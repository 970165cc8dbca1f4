package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

const uniqueViolation = "23505"

// pgdb is the query surface shared by *pgxpool.Pool and pgx.Tx, so every
// store method works identically inside and outside a transaction.
type pgdb interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres is the production Store over a pgx connection pool.
type Postgres struct {
	log   *slog.Logger
	db    pgdb
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

type PostgresConfig struct {
	Logger      *slog.Logger
	DatabaseURL string
	Clock       clockwork.Clock

	MaxConns int32
	MinConns int32
}

func (c *PostgresConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DatabaseURL == "" {
		return errors.New("database url is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	return nil
}

// NewPostgres connects, pings, and migrates.
func NewPostgres(ctx context.Context, cfg *PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	cfg.Logger.Info("store: connected to postgres")
	return &Postgres{log: cfg.Logger, db: pool, pool: pool, clock: cfg.Clock}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// WithTx runs fn against a store bound to a single transaction and commits
// when fn returns nil. Any error rolls the whole batch back.
func (p *Postgres) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Postgres{log: p.log, db: tx, clock: p.clock}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const ipInventoryColumns = `ip_address, current_asn, asn_last_verified, first_seen, last_seen,
	session_count, enrichment, enrichment_updated_at, enrichment_version`

func scanIPInventory(row pgx.Row) (*IPInventory, error) {
	var (
		out        IPInventory
		asn        *int64
		enrichment []byte
	)
	err := row.Scan(&out.IPAddress, &asn, &out.ASNLastVerified, &out.FirstSeen, &out.LastSeen,
		&out.SessionCount, &enrichment, &out.EnrichmentUpdatedAt, &out.EnrichmentVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if asn != nil {
		v := uint(*asn)
		out.CurrentASN = &v
	}
	if err := json.Unmarshal(enrichment, &out.Enrichment); err != nil {
		return nil, fmt.Errorf("decode enrichment for %s: %w", out.IPAddress, err)
	}
	return &out, nil
}

func asnParam(asn *uint) *int64 {
	if asn == nil {
		return nil
	}
	v := int64(*asn)
	return &v
}

func enrichmentParam(e Enrichment) ([]byte, error) {
	if e == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e)
}

func (p *Postgres) GetIPInventory(ctx context.Context, ip string) (*IPInventory, error) {
	row := p.db.QueryRow(ctx,
		`SELECT `+ipInventoryColumns+` FROM ip_inventory WHERE ip_address = $1`, ip)
	return scanIPInventory(row)
}

func (p *Postgres) InsertIPInventory(ctx context.Context, row *IPInventory) error {
	enrichment, err := enrichmentParam(row.Enrichment)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO ip_inventory (`+ipInventoryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		row.IPAddress, asnParam(row.CurrentASN), row.ASNLastVerified,
		row.FirstSeen, row.LastSeen, row.SessionCount,
		enrichment, row.EnrichmentUpdatedAt, row.EnrichmentVersion)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// UpdateIPInventory writes the whole row, enrichment document included. The
// document column is always rewritten in full so in-place JSON edits are
// never silently dropped.
func (p *Postgres) UpdateIPInventory(ctx context.Context, row *IPInventory) error {
	enrichment, err := enrichmentParam(row.Enrichment)
	if err != nil {
		return err
	}
	tag, err := p.db.Exec(ctx,
		`UPDATE ip_inventory SET
			current_asn = $2, asn_last_verified = $3, first_seen = $4, last_seen = $5,
			session_count = $6, enrichment = $7, enrichment_updated_at = $8,
			enrichment_version = $9
		 WHERE ip_address = $1`,
		row.IPAddress, asnParam(row.CurrentASN), row.ASNLastVerified,
		row.FirstSeen, row.LastSeen, row.SessionCount,
		enrichment, row.EnrichmentUpdatedAt, row.EnrichmentVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) listIPs(ctx context.Context, query string, args ...any) ([]*IPInventory, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*IPInventory
	for rows.Next() {
		row, err := scanIPInventory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *Postgres) ListIPsMissingASN(ctx context.Context, limit int) ([]*IPInventory, error) {
	return p.listIPs(ctx,
		`SELECT `+ipInventoryColumns+` FROM ip_inventory
		 WHERE current_asn IS NULL ORDER BY ip_address LIMIT $1`, limit)
}

func (p *Postgres) ListStaleIPs(ctx context.Context, source string, cutoff time.Time, limit int) ([]*IPInventory, error) {
	return p.listIPs(ctx,
		`SELECT `+ipInventoryColumns+` FROM ip_inventory
		 WHERE enrichment_updated_at < $1 AND enrichment ? $2
		 ORDER BY enrichment_updated_at LIMIT $3`, cutoff, source, limit)
}

// EnsureASN is the exclusive write path for asn_inventory rows: a row lock
// makes it race-safe, and organizational fields only fill blanks.
func (p *Postgres) EnsureASN(ctx context.Context, asn uint, params EnsureASNParams) (*ASNInventory, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := p.clock.Now().UTC()
	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT TRUE FROM asn_inventory WHERE asn_number = $1 FOR UPDATE`,
		int64(asn)).Scan(&exists)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx,
			`INSERT INTO asn_inventory
				(asn_number, organization_name, organization_country, rir_registry,
				 first_seen, last_seen, enrichment, updated_at)
			 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $5, '{}', $5)`,
			int64(asn), params.OrgName, params.OrgCountry, params.RIR, now)
		if err != nil {
			return nil, fmt.Errorf("insert asn %d: %w", asn, err)
		}
	case err != nil:
		return nil, err
	default:
		_, err = tx.Exec(ctx,
			`UPDATE asn_inventory SET
				last_seen = $2, updated_at = $2,
				organization_name    = COALESCE(organization_name, NULLIF($3, '')),
				organization_country = COALESCE(organization_country, NULLIF($4, '')),
				rir_registry         = COALESCE(rir_registry, NULLIF($5, ''))
			 WHERE asn_number = $1`,
			int64(asn), now, params.OrgName, params.OrgCountry, params.RIR)
		if err != nil {
			return nil, fmt.Errorf("update asn %d: %w", asn, err)
		}
	}

	row, err := p.scanASN(tx.QueryRow(ctx,
		`SELECT `+asnColumns+` FROM asn_inventory WHERE asn_number = $1`, int64(asn)))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return row, nil
}

const asnColumns = `asn_number, organization_name, organization_country, rir_registry, asn_type,
	is_known_hosting, is_known_vpn, first_seen, last_seen,
	unique_ip_count, total_session_count, enrichment, enrichment_updated_at, updated_at`

func (p *Postgres) scanASN(row pgx.Row) (*ASNInventory, error) {
	var (
		out        ASNInventory
		asn        int64
		enrichment []byte
	)
	err := row.Scan(&asn, &out.OrganizationName, &out.OrganizationCountry, &out.RIRRegistry,
		&out.ASNType, &out.IsKnownHosting, &out.IsKnownVPN, &out.FirstSeen, &out.LastSeen,
		&out.UniqueIPCount, &out.TotalSessionCount, &enrichment,
		&out.EnrichmentUpdatedAt, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out.ASNNumber = uint(asn)
	if err := json.Unmarshal(enrichment, &out.Enrichment); err != nil {
		return nil, fmt.Errorf("decode enrichment for AS%d: %w", asn, err)
	}
	return &out, nil
}

func (p *Postgres) GetASNInventory(ctx context.Context, asn uint) (*ASNInventory, error) {
	return p.scanASN(p.db.QueryRow(ctx,
		`SELECT `+asnColumns+` FROM asn_inventory WHERE asn_number = $1`, int64(asn)))
}

func (p *Postgres) BumpASNCounters(ctx context.Context, asn uint, uniqueIPDelta, sessionDelta int64) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE asn_inventory SET
			unique_ip_count = unique_ip_count + GREATEST($2, 0),
			total_session_count = total_session_count + GREATEST($3, 0)
		 WHERE asn_number = $1`,
		int64(asn), uniqueIPDelta, sessionDelta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendASNHistory(ctx context.Context, entry IPASNHistoryEntry) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO ip_asn_history (ip_address, asn_number, observed_at, verification_source)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (ip_address, asn_number, observed_at) DO NOTHING`,
		entry.IPAddress, int64(entry.ASNNumber), entry.ObservedAt, entry.VerificationSource)
	return err
}

func (p *Postgres) ListASNHistory(ctx context.Context, ip string) ([]IPASNHistoryEntry, error) {
	rows, err := p.db.Query(ctx,
		`SELECT ip_address, asn_number, observed_at, verification_source
		 FROM ip_asn_history WHERE ip_address = $1 ORDER BY observed_at`, ip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IPASNHistoryEntry
	for rows.Next() {
		var (
			entry IPASNHistoryEntry
			asn   int64
		)
		if err := rows.Scan(&entry.IPAddress, &asn, &entry.ObservedAt, &entry.VerificationSource); err != nil {
			return nil, err
		}
		entry.ASNNumber = uint(asn)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertRawEvent(ctx context.Context, ev *RawEvent) error {
	err := p.db.QueryRow(ctx,
		`INSERT INTO raw_events
			(source_path, byte_offset, inode, generation, payload, payload_hash,
			 session_id, event_type, event_timestamp, ingested_at, risk_score, quarantined)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		ev.SourcePath, ev.ByteOffset, ev.Inode, ev.Generation, []byte(ev.Payload),
		ev.PayloadHash, ev.SessionID, ev.EventType, ev.EventTimestamp,
		ev.IngestedAt, ev.RiskScore, ev.Quarantined).Scan(&ev.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) ListSessionEvents(ctx context.Context, sessionID string) ([]*RawEvent, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, source_path, byte_offset, inode, generation, payload, payload_hash,
			session_id, event_type, event_timestamp, ingested_at, risk_score, quarantined
		 FROM raw_events WHERE session_id = $1 ORDER BY event_timestamp, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RawEvent
	for rows.Next() {
		var (
			ev      RawEvent
			payload []byte
		)
		err := rows.Scan(&ev.ID, &ev.SourcePath, &ev.ByteOffset, &ev.Inode, &ev.Generation,
			&payload, &ev.PayloadHash, &ev.SessionID, &ev.EventType, &ev.EventTimestamp,
			&ev.IngestedAt, &ev.RiskScore, &ev.Quarantined)
		if err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, &ev)
	}
	return out, rows.Err()
}

const sessionColumns = `session_id, first_event_at, last_event_at, event_count, command_count,
	download_count, login_attempts, ssh_key_injections, unique_ssh_keys,
	vt_flagged, dshield_flagged, risk_score, source_files, enrichment,
	source_ip, snapshot_asn, snapshot_country, snapshot_ip_type,
	ssh_key_fingerprint, password_hash, command_signature, enrichment_at, updated_at`

func (p *Postgres) scanSession(row pgx.Row) (*SessionSummary, error) {
	var (
		out         SessionSummary
		snapshotASN *int64
		enrichment  []byte
	)
	err := row.Scan(&out.SessionID, &out.FirstEventAt, &out.LastEventAt, &out.EventCount,
		&out.CommandCount, &out.DownloadCount, &out.LoginAttempts, &out.SSHKeyInjections,
		&out.UniqueSSHKeys, &out.VTFlagged, &out.DShieldFlagged, &out.RiskScore,
		&out.SourceFiles, &enrichment, &out.SourceIP, &snapshotASN, &out.SnapshotCountry,
		&out.SnapshotIPType, &out.SSHKeyFingerprint, &out.PasswordHash,
		&out.CommandSignature, &out.EnrichmentAt, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if snapshotASN != nil {
		v := uint(*snapshotASN)
		out.SnapshotASN = &v
	}
	if err := json.Unmarshal(enrichment, &out.Enrichment); err != nil {
		return nil, fmt.Errorf("decode enrichment for session %s: %w", out.SessionID, err)
	}
	return &out, nil
}

func (p *Postgres) GetSessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	return p.scanSession(p.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM session_summaries WHERE session_id = $1`, sessionID))
}

func (p *Postgres) sessionParams(row *SessionSummary) ([]any, error) {
	enrichment, err := enrichmentParam(row.Enrichment)
	if err != nil {
		return nil, err
	}
	return []any{
		row.SessionID, row.FirstEventAt, row.LastEventAt, row.EventCount, row.CommandCount,
		row.DownloadCount, row.LoginAttempts, row.SSHKeyInjections, row.UniqueSSHKeys,
		row.VTFlagged, row.DShieldFlagged, row.RiskScore, row.SourceFiles, enrichment,
		row.SourceIP, asnParam(row.SnapshotASN), row.SnapshotCountry, row.SnapshotIPType,
		row.SSHKeyFingerprint, row.PasswordHash, row.CommandSignature, row.EnrichmentAt,
		row.UpdatedAt,
	}, nil
}

func (p *Postgres) InsertSessionSummary(ctx context.Context, row *SessionSummary) error {
	params, err := p.sessionParams(row)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO session_summaries (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			 $16, $17, $18, $19, $20, $21, $22, $23)`, params...)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) UpdateSessionSummary(ctx context.Context, row *SessionSummary) error {
	params, err := p.sessionParams(row)
	if err != nil {
		return err
	}
	tag, err := p.db.Exec(ctx,
		`UPDATE session_summaries SET
			first_event_at = $2, last_event_at = $3, event_count = $4, command_count = $5,
			download_count = $6, login_attempts = $7, ssh_key_injections = $8,
			unique_ssh_keys = $9, vt_flagged = $10, dshield_flagged = $11, risk_score = $12,
			source_files = $13, enrichment = $14, source_ip = $15, snapshot_asn = $16,
			snapshot_country = $17, snapshot_ip_type = $18, ssh_key_fingerprint = $19,
			password_hash = $20, command_signature = $21, enrichment_at = $22, updated_at = $23
		 WHERE session_id = $1`, params...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListSessionsWithoutSnapshot(ctx context.Context, limit int) ([]*SessionSummary, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM session_summaries
		 WHERE enrichment_at IS NULL ORDER BY session_id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SessionSummary
	for rows.Next() {
		row, err := p.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertSSHKeyIntel(ctx context.Context, key *SSHKeyIntel) error {
	now := p.clock.Now().UTC()
	firstSeen := key.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = now
	}
	_, err := p.db.Exec(ctx,
		`INSERT INTO ssh_key_intel (fingerprint, key_type, key_data, comment, first_seen, last_seen, times_seen)
		 VALUES ($1, $2, $3, $4, $5, $5, 1)
		 ON CONFLICT (fingerprint) DO UPDATE SET
			last_seen = $5,
			times_seen = ssh_key_intel.times_seen + 1,
			comment = CASE WHEN ssh_key_intel.comment = '' THEN EXCLUDED.comment
			               ELSE ssh_key_intel.comment END`,
		key.Fingerprint, key.KeyType, key.KeyData, key.Comment, firstSeen)
	return err
}

func (p *Postgres) LinkSessionSSHKey(ctx context.Context, link SessionSSHKey) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO session_ssh_keys (session_id, fingerprint, observed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, fingerprint) DO NOTHING`,
		link.SessionID, link.Fingerprint, link.ObservedAt)
	return err
}

func (p *Postgres) ListSessionSSHKeys(ctx context.Context, sessionID string) ([]SessionSSHKey, error) {
	rows, err := p.db.Query(ctx,
		`SELECT session_id, fingerprint, observed_at FROM session_ssh_keys
		 WHERE session_id = $1 ORDER BY observed_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionSSHKey
	for rows.Next() {
		var link SessionSSHKey
		if err := rows.Scan(&link.SessionID, &link.Fingerprint, &link.ObservedAt); err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertDeadLetter(ctx context.Context, ev *DeadLetterEvent) error {
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.clock.Now().UTC()
	}
	return p.db.QueryRow(ctx,
		`INSERT INTO dead_letter_events (reason, payload, source_path, received_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		ev.Reason, []byte(ev.Payload), ev.SourcePath, receivedAt).Scan(&ev.ID)
}

func (p *Postgres) SchemaVersion(ctx context.Context) (string, error) {
	var version string
	err := p.db.QueryRow(ctx,
		`SELECT value FROM schema_info WHERE key = 'schema_version'`).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return version, err
}
