package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements is executed in order by EnsureSchema. Every statement is
// idempotent so startup can run them unconditionally; indexes are created
// here rather than lazily on first use.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,

	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		phone      TEXT NOT NULL UNIQUE,
		role       TEXT NOT NULL DEFAULT 'USER',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS restaurants (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		lat        DOUBLE PRECISION,
		lon        DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS captains (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL DEFAULT '',
		phone              TEXT NOT NULL DEFAULT '',
		vehicle_type       TEXT NOT NULL DEFAULT 'BIKE',
		is_online          BOOLEAN NOT NULL DEFAULT FALSE,
		is_verified        BOOLEAN NOT NULL DEFAULT FALSE,
		is_busy            BOOLEAN NOT NULL DEFAULT FALSE,
		current_job_id     TEXT,
		batched_order_ids  TEXT[] NOT NULL DEFAULT '{}',
		location           geography(Point, 4326),
		location_at        TIMESTAMPTZ,
		average_rating     DOUBLE PRECISION NOT NULL DEFAULT 5.0,
		total_trips        INT NOT NULL DEFAULT 0,
		cancellation_count INT NOT NULL DEFAULT 0,
		last_assigned_at   TIMESTAMPTZ,
		go_home_mode       BOOLEAN NOT NULL DEFAULT FALSE,
		home_lat           DOUBLE PRECISION,
		home_lon           DOUBLE PRECISION,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_captains_location ON captains USING GIST (location)`,
	`CREATE INDEX IF NOT EXISTS idx_captains_available ON captains (vehicle_type) WHERE is_online AND NOT is_busy`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id                TEXT PRIMARY KEY,
		kind              TEXT NOT NULL,
		status            TEXT NOT NULL,
		match_state       TEXT NOT NULL DEFAULT 'CREATED',
		user_id           TEXT NOT NULL,
		restaurant_id     TEXT,
		captain_id        TEXT,
		vehicle_type      TEXT NOT NULL DEFAULT '',
		pickup_lat        DOUBLE PRECISION,
		pickup_lon        DOUBLE PRECISION,
		dropoff_lat       DOUBLE PRECISION,
		dropoff_lon       DOUBLE PRECISION,
		amount            BIGINT NOT NULL DEFAULT 0,
		surge_multiplier  DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		payment_mode      TEXT NOT NULL,
		payment_id        TEXT,
		wallet_applied    BIGINT NOT NULL DEFAULT 0,
		is_paid           BOOLEAN NOT NULL DEFAULT FALSE,
		settled           BOOLEAN NOT NULL DEFAULT FALSE,
		rewarded          BOOLEAN NOT NULL DEFAULT FALSE,
		points_earned     BIGINT NOT NULL DEFAULT 0,
		job_attempts      INT NOT NULL DEFAULT 0,
		retry_count       INT NOT NULL DEFAULT 0,
		rejected_captains TEXT[] NOT NULL DEFAULT '{}',
		late              BOOLEAN NOT NULL DEFAULT FALSE,
		status_history    JSONB NOT NULL DEFAULT '[]',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		assigned_at       TIMESTAMPTZ,
		completed_at      TIMESTAMPTZ,
		cancelled_at      TIMESTAMPTZ,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_captain ON jobs (captain_id) WHERE captain_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_open ON jobs (created_at) WHERE status IN ('PLACED', 'REQUESTED')`,

	`CREATE TABLE IF NOT EXISTS wallets (
		owner_id   TEXT NOT NULL,
		owner_type TEXT NOT NULL,
		balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (owner_id, owner_type)
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		reference_id TEXT NOT NULL DEFAULT '',
		memo         TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id        BIGSERIAL PRIMARY KEY,
		txn_id    TEXT NOT NULL REFERENCES ledger_transactions(id),
		account   TEXT NOT NULL,
		owner_id  TEXT,
		direction TEXT NOT NULL,
		amount    BIGINT NOT NULL CHECK (amount > 0)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_owner ON ledger_entries (owner_id, account, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_txn ON ledger_entries (txn_id)`,

	`CREATE TABLE IF NOT EXISTS settlements (
		job_id     TEXT PRIMARY KEY,
		gross      BIGINT NOT NULL,
		commission BIGINT NOT NULL,
		payout     BIGINT NOT NULL,
		txn_id     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS penalties (
		id           TEXT PRIMARY KEY,
		subject_id   TEXT NOT NULL,
		subject_type TEXT NOT NULL,
		job_id       TEXT NOT NULL,
		amount       BIGINT NOT NULL,
		reason       TEXT NOT NULL,
		collected    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS cancellations (
		id             TEXT PRIMARY KEY,
		job_id         TEXT NOT NULL,
		actor          TEXT NOT NULL,
		reason         TEXT NOT NULL,
		late_delivery  BOOLEAN NOT NULL DEFAULT FALSE,
		no_show        BOOLEAN NOT NULL DEFAULT FALSE,
		refund_amount  BIGINT NOT NULL DEFAULT 0,
		refund_method  TEXT NOT NULL DEFAULT '',
		penalty_amount BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cancellations_job ON cancellations (job_id)`,

	`CREATE TABLE IF NOT EXISTS bank_accounts (
		captain_id     TEXT PRIMARY KEY,
		account_number TEXT NOT NULL,
		ifsc           TEXT NOT NULL,
		holder_name    TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS matching_logs (
		id              BIGSERIAL PRIMARY KEY,
		job_id          TEXT NOT NULL,
		stage           TEXT NOT NULL,
		captain_id      TEXT,
		attempt         INT NOT NULL DEFAULT 0,
		candidate_count INT NOT NULL DEFAULT 0,
		radius_m        DOUBLE PRECISION NOT NULL DEFAULT 0,
		surge           DOUBLE PRECISION NOT NULL DEFAULT 1,
		outcome         TEXT NOT NULL,
		expires_at      TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_matching_logs_job ON matching_logs (job_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS surge_history (
		id         BIGSERIAL PRIMARY KEY,
		zone       TEXT NOT NULL,
		demand     INT NOT NULL,
		supply     INT NOT NULL,
		multiplier DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates all tables and indexes if they do not exist.
// Runs at startup so no request ever pays the index-creation cost.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ensureCtx, stmt); err != nil {
			return fmt.Errorf("db: ensure schema: %w", err)
		}
	}
	return nil
}
