package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type migration struct {
	name string
	sql  string
}

// The unique constraints below are the concurrency guards of the billing core:
// discount_redemptions(code, transaction_id) bounds redemptions per transaction,
// remote_accounts(transaction_id) bounds provisioning per transaction,
// provisioning_jobs(transaction_id) bounds enqueues per transaction.
var migrations = []migration{
	{"users", `
		CREATE TABLE IF NOT EXISTS users (
			telegram_id BIGINT PRIMARY KEY,
			username VARCHAR(255) NOT NULL DEFAULT '',
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			is_banned BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`},
	{"servers", `
		CREATE TABLE IF NOT EXISTS servers (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			panel_url TEXT NOT NULL,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			inbound_id BIGINT NOT NULL,
			link_host TEXT NOT NULL,
			link_port INT NOT NULL,
			protocol VARCHAR(20) NOT NULL DEFAULT 'vless',
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		);
	`},
	{"plans", `
		CREATE TABLE IF NOT EXISTS plans (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			duration_days INT NOT NULL CHECK (duration_days > 0),
			traffic_gb BIGINT NOT NULL DEFAULT 0,
			price BIGINT NOT NULL CHECK (price >= 0),
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		);
	`},
	{"bank_cards", `
		CREATE TABLE IF NOT EXISTS bank_cards (
			id BIGSERIAL PRIMARY KEY,
			bank_name VARCHAR(100) NOT NULL,
			card_number VARCHAR(32) NOT NULL,
			holder VARCHAR(255) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			priority INT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ
		);
	`},
	{"payment_admins", `
		CREATE TABLE IF NOT EXISTS payment_admins (
			admin_id BIGINT PRIMARY KEY,
			bank_card_id BIGINT REFERENCES bank_cards(id) ON DELETE SET NULL,
			channel_id BIGINT
		);
		CREATE INDEX IF NOT EXISTS idx_payment_admins_card ON payment_admins(bank_card_id);
	`},
	{"discount_codes", `
		CREATE TABLE IF NOT EXISTS discount_codes (
			code VARCHAR(64) PRIMARY KEY,
			type VARCHAR(16) NOT NULL CHECK (type IN ('percent', 'fixed')),
			value BIGINT NOT NULL CHECK (value >= 0),
			expires_at TIMESTAMPTZ NOT NULL,
			max_uses BIGINT,
			current_uses BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'disabled')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (max_uses IS NULL OR current_uses <= max_uses)
		);
	`},
	{"transactions", `
		CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(telegram_id),
			amount BIGINT NOT NULL CHECK (amount > 0),
			final_amount BIGINT NOT NULL CHECK (final_amount >= 0),
			kind VARCHAR(16) NOT NULL CHECK (kind IN ('purchase', 'deposit')),
			method VARCHAR(16) NOT NULL CHECK (method IN ('wallet', 'card', 'gateway')),
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			discount_code VARCHAR(64) REFERENCES discount_codes(code),
			receipt_ref TEXT,
			gateway_ref TEXT UNIQUE,
			bank_card_id BIGINT REFERENCES bank_cards(id),
			plan_id BIGINT REFERENCES plans(id),
			server_id BIGINT REFERENCES servers(id),
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			rejected_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_user_time ON transactions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
	`},
	{"discount_redemptions", `
		CREATE TABLE IF NOT EXISTS discount_redemptions (
			code VARCHAR(64) NOT NULL REFERENCES discount_codes(code),
			transaction_id BIGINT NOT NULL REFERENCES transactions(id),
			redeemed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (code, transaction_id)
		);
	`},
	{"remote_accounts", `
		CREATE TABLE IF NOT EXISTS remote_accounts (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(telegram_id),
			transaction_id BIGINT NOT NULL UNIQUE REFERENCES transactions(id),
			server_id BIGINT NOT NULL REFERENCES servers(id),
			remote_identifier VARCHAR(64) NOT NULL,
			client_uuid VARCHAR(36) NOT NULL,
			traffic_limit_bytes BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			connection_link TEXT NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			failure_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_remote_accounts_identifier
			ON remote_accounts(server_id, remote_identifier)
			WHERE status <> 'provisioning_failed';
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_user ON remote_accounts(user_id);
	`},
	{"provisioning_jobs", `
		CREATE TABLE IF NOT EXISTS provisioning_jobs (
			transaction_id BIGINT PRIMARY KEY REFERENCES transactions(id),
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			done_at TIMESTAMPTZ
		);
	`},
	{"cleanup_queue", `
		CREATE TABLE IF NOT EXISTS cleanup_queue (
			id BIGSERIAL PRIMARY KEY,
			server_id BIGINT NOT NULL REFERENCES servers(id),
			remote_identifier VARCHAR(64) NOT NULL,
			account_id BIGINT REFERENCES remote_accounts(id),
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (server_id, remote_identifier)
		);
	`},
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, conn Execer) error {
	log.Info().Msg("Running database migrations...")

	for i, m := range migrations {
		if _, err := conn.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", i+1, m.name, err)
		}
		log.Debug().Int("step", i+1).Str("name", m.name).Msg("Migration applied")
	}

	log.Info().Int("count", len(migrations)).Msg("All migrations completed successfully")
	return nil
}
