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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.LedgerStore.
var _ store.LedgerStore = (*Service)(nil)

type Service struct {
	db *sql.DB
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after ping failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db}
	if err := service.initSchema(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			zap.L().Warn("Failed to close database after schema failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

// dsn builds the connection string. Every write transaction starts with
// BEGIN IMMEDIATE so that same-user writers queue on the busy timeout instead
// of failing at commit time.
func dsn(cfg models.DatabaseConfig) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "1")
	params.Set("_txlock", "immediate")
	if cfg.BusyTimeout > 0 {
		params.Set("_busy_timeout", fmt.Sprintf("%d", cfg.BusyTimeout.Milliseconds()))
	}
	return cfg.Path + "?" + params.Encode()
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a database transaction and commits when it returns nil.
func (s *Service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			zap.L().Warn("Failed to roll back transaction", zap.Error(err))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isConstraintViolation reports a UNIQUE or PRIMARY KEY violation
func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (s *Service) initSchema(ctx context.Context) error {
	schema := `
	-- Trading accounts; version guards every read-modify-write
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		email_verified BOOLEAN NOT NULL DEFAULT 0,
		trade_link TEXT NOT NULL DEFAULT '',
		key_balance INTEGER NOT NULL DEFAULT 0 CHECK (key_balance >= 0),
		risk_score INTEGER NOT NULL DEFAULT 0,
		locked_until TIMESTAMP,
		login_attempts INTEGER NOT NULL DEFAULT 0,
		last_login TIMESTAMP,
		total_buys INTEGER NOT NULL DEFAULT 0,
		total_sells INTEGER NOT NULL DEFAULT 0,
		total_keys_purchased INTEGER NOT NULL DEFAULT 0,
		total_keys_sold INTEGER NOT NULL DEFAULT 0,
		total_volume TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username) WHERE username != '';

	-- Per-asset balances; locked is a subset of balance
	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT NOT NULL REFERENCES users(id),
		asset TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		balance TEXT NOT NULL DEFAULT '0',
		locked TEXT NOT NULL DEFAULT '0',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, asset)
	);

	-- Append-only risk audit trail
	CREATE TABLE IF NOT EXISTS risk_flags (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		kind TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_risk_flags_user_id ON risk_flags(user_id);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		type TEXT NOT NULL,
		cryptocurrency TEXT NOT NULL,
		crypto_amount TEXT NOT NULL DEFAULT '0',
		keys_amount INTEGER NOT NULL DEFAULT 0,
		usd_value TEXT NOT NULL DEFAULT '0',
		rate TEXT NOT NULL DEFAULT '0',
		fee TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		risk_level TEXT NOT NULL DEFAULT 'LOW',
		flagged BOOLEAN NOT NULL DEFAULT 0,
		reservation_id TEXT NOT NULL DEFAULT '',
		external_ref TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
	CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_external_ref ON transactions(external_ref) WHERE external_ref != '';

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		asset TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		transaction_id TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status);

	-- Double-entry journal for every balance movement
	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		reference_id TEXT NOT NULL,
		account_type TEXT NOT NULL,
		account_id TEXT NOT NULL,
		debit_amount TEXT NOT NULL DEFAULT '0',
		credit_amount TEXT NOT NULL DEFAULT '0',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_reference_id ON journal_entries(reference_id);
	CREATE INDEX IF NOT EXISTS idx_journal_account ON journal_entries(account_type, account_id);

	CREATE TABLE IF NOT EXISTS platform_stats (
		id TEXT PRIMARY KEY,
		period_start TIMESTAMP NOT NULL,
		period_end TIMESTAMP NOT NULL,
		total_users INTEGER NOT NULL,
		total_volume TEXT NOT NULL,
		total_revenue TEXT NOT NULL,
		total_transactions INTEGER NOT NULL,
		keys_sold INTEGER NOT NULL,
		keys_bought INTEGER NOT NULL,
		avg_transaction_value TEXT NOT NULL,
		crypto_stats TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
