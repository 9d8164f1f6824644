package data

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaManager creates and migrates the database schema.
type SchemaManager struct {
	pool *pgxpool.Pool
}

// NewSchemaManager creates a schema manager bound to a pool.
func NewSchemaManager(pool *pgxpool.Pool) *SchemaManager {
	return &SchemaManager{pool: pool}
}

// InitializeSchema applies all DDL statements in one transaction.
func (m *SchemaManager) InitializeSchema(ctx context.Context) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}

	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		node_id          TEXT PRIMARY KEY,
		owner_id         TEXT NOT NULL,
		device_type      TEXT NOT NULL,
		capabilities     TEXT[] NOT NULL DEFAULT '{}',
		location         TEXT NOT NULL DEFAULT '',
		stake_amount     BIGINT NOT NULL,
		reputation       INTEGER NOT NULL,
		efficiency       INTEGER NOT NULL,
		cpu_cores        INTEGER NOT NULL DEFAULT 0,
		ram_megabytes    INTEGER NOT NULL DEFAULT 0,
		storage_gb       INTEGER NOT NULL DEFAULT 0,
		bandwidth_mbps   INTEGER NOT NULL DEFAULT 0,
		power_watts      INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL,
		registered_at    TIMESTAMPTZ NOT NULL,
		last_active_at   TIMESTAMPTZ NOT NULL,
		total_rewards    BIGINT NOT NULL DEFAULT 0,
		threats_detected BIGINT NOT NULL DEFAULT 0,
		uptime_seconds   BIGINT NOT NULL DEFAULT 0,
		verified         BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_owner ON nodes (owner_id)`,
	`CREATE TABLE IF NOT EXISTS stakes (
		owner_id        TEXT PRIMARY KEY,
		amount          BIGINT NOT NULL,
		staked_at       TIMESTAMPTZ NOT NULL,
		accrued_rewards BIGINT NOT NULL DEFAULT 0,
		release_at      TIMESTAMPTZ,
		active          BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS threat_alerts (
		id                 TEXT PRIMARY KEY,
		threat_type        TEXT NOT NULL,
		confidence         INTEGER NOT NULL,
		implicated_address TEXT NOT NULL DEFAULT '',
		source_tx_hash     TEXT NOT NULL DEFAULT '',
		submitted_at       TIMESTAMPTZ NOT NULL,
		attestation_ref    TEXT NOT NULL DEFAULT '',
		verified           BOOLEAN NOT NULL DEFAULT FALSE,
		confirmations      INTEGER NOT NULL DEFAULT 0,
		confirmers         TEXT[] NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_verified ON threat_alerts (verified, submitted_at DESC)`,
	`CREATE TABLE IF NOT EXISTS relay_records (
		id            TEXT PRIMARY KEY,
		source_ledger TEXT NOT NULL,
		target_ledger TEXT NOT NULL,
		alert_id      TEXT NOT NULL,
		payload       BYTEA,
		created_at    TIMESTAMPTZ NOT NULL,
		delivered     BOOLEAN NOT NULL DEFAULT FALSE,
		delivered_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relays_alert ON relay_records (alert_id)`,
	`CREATE INDEX IF NOT EXISTS idx_relays_pending ON relay_records (delivered, created_at)`,
	`CREATE TABLE IF NOT EXISTS challenges (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		start_at         TIMESTAMPTZ NOT NULL,
		end_at           TIMESTAMPTZ NOT NULL,
		reward_pool      BIGINT NOT NULL,
		min_participants INTEGER NOT NULL,
		scores           JSONB NOT NULL DEFAULT '{}',
		active           BOOLEAN NOT NULL DEFAULT TRUE,
		winner           TEXT NOT NULL DEFAULT '',
		paid             BOOLEAN NOT NULL DEFAULT FALSE,
		completed_at     TIMESTAMPTZ
	)`,
}
