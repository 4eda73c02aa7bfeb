package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements - идемпотентное создание схемы (CREATE/ADD COLUMN ... IF NOT EXISTS)
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS actions (
		id               BIGSERIAL PRIMARY KEY,
		actor_id         BIGINT NOT NULL,
		type             TEXT NOT NULL,
		payload          JSONB NOT NULL,
		payload_hash     TEXT NOT NULL,
		status           TEXT NOT NULL,
		scheduled_for    TIMESTAMPTZ NOT NULL,
		duration_seconds BIGINT NOT NULL DEFAULT 0,
		idempotency_key  TEXT NOT NULL,
		retry_count      INT NOT NULL DEFAULT 0,
		failure_reason   TEXT,
		result           JSONB,
		created_at       TIMESTAMPTZ NOT NULL,
		started_at       TIMESTAMPTZ,
		finished_at      TIMESTAMPTZ,
		UNIQUE (actor_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_due ON actions (scheduled_for) WHERE status = 'scheduled'`,
	`CREATE INDEX IF NOT EXISTS idx_actions_actor_status ON actions (actor_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_running ON actions (started_at) WHERE status = 'running'`,

	`CREATE TABLE IF NOT EXISTS actor_states (
		actor_id        BIGINT PRIMARY KEY,
		vigor           BIGINT NOT NULL,
		max_vigor       BIGINT NOT NULL,
		activity        TEXT NOT NULL DEFAULT 'idle',
		activity_since  TIMESTAMPTZ,
		activity_until  TIMESTAMPTZ,
		stress          BIGINT NOT NULL DEFAULT 0,
		day_trade_date  DATE,
		day_trade_count INT NOT NULL DEFAULT 0,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE actor_states ADD COLUMN IF NOT EXISTS activity_since TIMESTAMPTZ`,

	`CREATE TABLE IF NOT EXISTS accounts (
		account_id BIGINT PRIMARY KEY,
		balance    BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id              BIGSERIAL PRIMARY KEY,
		account_id      BIGINT NOT NULL,
		counterparty_id BIGINT NOT NULL,
		amount          BIGINT NOT NULL,
		reason          TEXT NOT NULL,
		action_id       BIGINT,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries (account_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS inventory (
		owner_id BIGINT NOT NULL,
		good     TEXT NOT NULL,
		quantity BIGINT NOT NULL CHECK (quantity >= 0),
		PRIMARY KEY (owner_id, good)
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id          BIGSERIAL PRIMARY KEY,
		actor_id    BIGINT,
		synthetic   BOOLEAN NOT NULL DEFAULT FALSE,
		instrument  TEXT NOT NULL,
		side        TEXT NOT NULL,
		kind        TEXT NOT NULL,
		price       BIGINT,
		qty_open    BIGINT NOT NULL CHECK (qty_open >= 0),
		qty_initial BIGINT NOT NULL CHECK (qty_initial > 0),
		status      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL,
		CHECK (qty_open <= qty_initial)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_book ON orders (instrument, side, price, created_at)
		WHERE status IN ('open', 'partial') AND kind = 'limit'`,

	`CREATE TABLE IF NOT EXISTS trades (
		id            BIGSERIAL PRIMARY KEY,
		instrument    TEXT NOT NULL,
		buy_order_id  BIGINT NOT NULL REFERENCES orders (id),
		sell_order_id BIGINT NOT NULL REFERENCES orders (id),
		price         BIGINT NOT NULL,
		quantity      BIGINT NOT NULL,
		fee           BIGINT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_instrument ON trades (instrument, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS instrument_states (
		instrument           TEXT PRIMARY KEY,
		base_price           BIGINT NOT NULL,
		essential            BOOLEAN NOT NULL DEFAULT FALSE,
		demand               DOUBLE PRECISION NOT NULL DEFAULT 0,
		supply               DOUBLE PRECISION NOT NULL DEFAULT 0,
		reference_price      BIGINT NOT NULL,
		window_ref_price     BIGINT NOT NULL,
		window_started_at    TIMESTAMPTZ NOT NULL,
		halt_until           TIMESTAMPTZ,
		spread_bps           BIGINT NOT NULL,
		widened_spread_until TIMESTAMPTZ,
		last_maker_refresh   TIMESTAMPTZ,
		updated_at           TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS price_snapshots (
		id              BIGSERIAL PRIMARY KEY,
		instrument      TEXT NOT NULL,
		reference_price BIGINT NOT NULL,
		demand          DOUBLE PRECISION NOT NULL,
		supply          DOUBLE PRECISION NOT NULL,
		source          TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_instrument ON price_snapshots (instrument, created_at DESC)`,
}

// EnsureSchema создает таблицы и индексы, если их нет
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
