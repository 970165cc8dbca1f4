package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaVersionValue is bumped whenever the DDL below changes shape.
const SchemaVersionValue = "7"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_info (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS asn_inventory (
		asn_number            BIGINT PRIMARY KEY,
		organization_name     TEXT,
		organization_country  TEXT,
		rir_registry          TEXT,
		asn_type              TEXT,
		is_known_hosting      BOOLEAN NOT NULL DEFAULT FALSE,
		is_known_vpn          BOOLEAN NOT NULL DEFAULT FALSE,
		first_seen            TIMESTAMPTZ NOT NULL,
		last_seen             TIMESTAMPTZ NOT NULL,
		unique_ip_count       BIGINT NOT NULL DEFAULT 0,
		total_session_count   BIGINT NOT NULL DEFAULT 0,
		enrichment            JSONB NOT NULL DEFAULT '{}',
		enrichment_updated_at TIMESTAMPTZ,
		updated_at            TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ip_inventory (
		ip_address            TEXT PRIMARY KEY,
		current_asn           BIGINT REFERENCES asn_inventory(asn_number),
		asn_last_verified     TIMESTAMPTZ,
		first_seen            TIMESTAMPTZ NOT NULL,
		last_seen             TIMESTAMPTZ NOT NULL,
		session_count         BIGINT NOT NULL DEFAULT 0,
		enrichment            JSONB NOT NULL DEFAULT '{}',
		enrichment_updated_at TIMESTAMPTZ,
		enrichment_version    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ip_inventory_missing_asn
		ON ip_inventory (ip_address) WHERE current_asn IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_ip_inventory_enrichment_updated
		ON ip_inventory (enrichment_updated_at)`,

	`CREATE TABLE IF NOT EXISTS ip_asn_history (
		ip_address          TEXT NOT NULL,
		asn_number          BIGINT NOT NULL,
		observed_at         TIMESTAMPTZ NOT NULL,
		verification_source TEXT NOT NULL,
		PRIMARY KEY (ip_address, asn_number, observed_at)
	)`,

	`CREATE TABLE IF NOT EXISTS raw_events (
		id              BIGSERIAL PRIMARY KEY,
		source_path     TEXT NOT NULL,
		byte_offset     BIGINT NOT NULL,
		inode           BIGINT NOT NULL,
		generation      BIGINT NOT NULL,
		payload         JSONB NOT NULL,
		payload_hash    TEXT NOT NULL,
		session_id      TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		event_timestamp TIMESTAMPTZ NOT NULL,
		ingested_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		risk_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
		quarantined     BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (source_path, inode, generation, byte_offset)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_events_session ON raw_events (session_id)`,

	`CREATE TABLE IF NOT EXISTS session_summaries (
		session_id          TEXT PRIMARY KEY,
		first_event_at      TIMESTAMPTZ NOT NULL,
		last_event_at       TIMESTAMPTZ NOT NULL,
		event_count         INTEGER NOT NULL DEFAULT 0,
		command_count       INTEGER NOT NULL DEFAULT 0,
		download_count      INTEGER NOT NULL DEFAULT 0,
		login_attempts      INTEGER NOT NULL DEFAULT 0,
		ssh_key_injections  INTEGER NOT NULL DEFAULT 0,
		unique_ssh_keys     INTEGER NOT NULL DEFAULT 0,
		vt_flagged          BOOLEAN NOT NULL DEFAULT FALSE,
		dshield_flagged     BOOLEAN NOT NULL DEFAULT FALSE,
		risk_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
		source_files        TEXT[] NOT NULL DEFAULT '{}',
		enrichment          JSONB NOT NULL DEFAULT '{}',
		source_ip           TEXT NOT NULL,
		snapshot_asn        BIGINT,
		snapshot_country    TEXT,
		snapshot_ip_type    TEXT,
		ssh_key_fingerprint TEXT,
		password_hash       TEXT,
		command_signature   TEXT,
		enrichment_at       TIMESTAMPTZ,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_summaries_source_ip
		ON session_summaries (source_ip)`,
	`CREATE INDEX IF NOT EXISTS idx_session_summaries_no_snapshot
		ON session_summaries (session_id) WHERE enrichment_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS ssh_key_intel (
		fingerprint TEXT PRIMARY KEY,
		key_type    TEXT NOT NULL,
		key_data    TEXT NOT NULL,
		comment     TEXT NOT NULL DEFAULT '',
		first_seen  TIMESTAMPTZ NOT NULL,
		last_seen   TIMESTAMPTZ NOT NULL,
		times_seen  BIGINT NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS session_ssh_keys (
		session_id  TEXT NOT NULL,
		fingerprint TEXT NOT NULL REFERENCES ssh_key_intel(fingerprint),
		observed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, fingerprint)
	)`,

	`CREATE TABLE IF NOT EXISTS dead_letter_events (
		id          BIGSERIAL PRIMARY KEY,
		reason      TEXT NOT NULL,
		payload     JSONB,
		source_path TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema idempotently and records the schema version.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	_, err := pool.Exec(ctx,
		`INSERT INTO schema_info (key, value) VALUES ('schema_version', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		SchemaVersionValue)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}
