/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package postgres

import (
	"context"
	"errors"
	"fmt"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Compile-time check: *Store must satisfy store.LedgerStore.
var _ store.LedgerStore = (*Store)(nil)

const uniqueViolation = "23505"

// Store is the PostgreSQL LedgerStore. Same-user writes serialize on
// SELECT ... FOR UPDATE of the user row; the version column still guards
// writes of users read outside a transaction.
type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func New(ctx context.Context, cfg models.PostgresConfig) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres url cannot be empty")
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	zap.L().Info("Connecting to PostgreSQL", zap.String("host", poolCfg.ConnConfig.Host), zap.String("database", poolCfg.ConnConfig.Database))
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("PostgreSQL store initialized successfully")
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withTx runs fn inside a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			zap.L().Warn("Failed to roll back transaction", zap.Error(err))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	email_verified BOOLEAN NOT NULL DEFAULT FALSE,
	trade_link TEXT NOT NULL DEFAULT '',
	key_balance BIGINT NOT NULL DEFAULT 0 CHECK (key_balance >= 0),
	risk_score INTEGER NOT NULL DEFAULT 0,
	locked_until TIMESTAMPTZ,
	login_attempts INTEGER NOT NULL DEFAULT 0,
	last_login TIMESTAMPTZ,
	total_buys BIGINT NOT NULL DEFAULT 0,
	total_sells BIGINT NOT NULL DEFAULT 0,
	total_keys_purchased BIGINT NOT NULL DEFAULT 0,
	total_keys_sold BIGINT NOT NULL DEFAULT 0,
	total_volume NUMERIC NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username) WHERE username <> '';

CREATE TABLE IF NOT EXISTS wallets (
	user_id TEXT NOT NULL REFERENCES users(id),
	asset TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	balance NUMERIC NOT NULL DEFAULT 0 CHECK (balance >= 0),
	locked NUMERIC NOT NULL DEFAULT 0 CHECK (locked >= 0 AND locked <= balance),
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, asset)
);

CREATE TABLE IF NOT EXISTS risk_flags (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	kind TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_flags_user_id ON risk_flags(user_id);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	type TEXT NOT NULL,
	cryptocurrency TEXT NOT NULL,
	crypto_amount NUMERIC NOT NULL DEFAULT 0,
	keys_amount BIGINT NOT NULL DEFAULT 0,
	usd_value NUMERIC NOT NULL DEFAULT 0,
	rate NUMERIC NOT NULL DEFAULT 0,
	fee NUMERIC NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	risk_level TEXT NOT NULL DEFAULT 'LOW',
	flagged BOOLEAN NOT NULL DEFAULT FALSE,
	reservation_id TEXT NOT NULL DEFAULT '',
	external_ref TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_external_ref ON transactions(external_ref) WHERE external_ref <> '';

CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	asset TEXT NOT NULL,
	amount NUMERIC NOT NULL CHECK (amount > 0),
	status TEXT NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status);

CREATE TABLE IF NOT EXISTS journal_entries (
	id TEXT PRIMARY KEY,
	reference_id TEXT NOT NULL,
	account_type TEXT NOT NULL,
	account_id TEXT NOT NULL,
	debit_amount NUMERIC NOT NULL DEFAULT 0,
	credit_amount NUMERIC NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_reference_id ON journal_entries(reference_id);
CREATE INDEX IF NOT EXISTS idx_journal_account ON journal_entries(account_type, account_id);

CREATE TABLE IF NOT EXISTS platform_stats (
	id TEXT PRIMARY KEY,
	period_start TIMESTAMPTZ NOT NULL,
	period_end TIMESTAMPTZ NOT NULL,
	total_users INTEGER NOT NULL,
	total_volume NUMERIC NOT NULL,
	total_revenue NUMERIC NOT NULL,
	total_transactions INTEGER NOT NULL,
	keys_sold BIGINT NOT NULL,
	keys_bought BIGINT NOT NULL,
	avg_transaction_value NUMERIC NOT NULL,
	crypto_stats JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL
);
`
