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

const (
	userColumns = `
		id, username, password_hash, email, email_verified, trade_link, key_balance,
		risk_score, locked_until, login_attempts, last_login,
		total_buys, total_sells, total_keys_purchased, total_keys_sold, total_volume,
		version, created_at, updated_at`

	transactionColumns = `
		id, user_id, type, cryptocurrency, crypto_amount, keys_amount, usd_value, rate, fee,
		status, risk_level, flagged, reservation_id, external_ref, notes, created_at, completed_at`

	reservationColumns = `
		id, user_id, asset, amount, status, transaction_id, expires_at, created_at, updated_at`

	// User queries
	queryGetUsers = `SELECT` + userColumns + ` FROM users ORDER BY created_at`

	queryGetUserById = `SELECT` + userColumns + ` FROM users WHERE id = ?`

	queryGetUserByUsername = `SELECT` + userColumns + ` FROM users WHERE username = ?`

	queryInsertUser = `
		INSERT INTO users (` + userColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryUpdateUser = `
		UPDATE users
		SET username = ?, password_hash = ?, email = ?, email_verified = ?, trade_link = ?,
		    key_balance = ?, risk_score = ?, locked_until = ?, login_attempts = ?, last_login = ?,
		    total_buys = ?, total_sells = ?, total_keys_purchased = ?, total_keys_sold = ?, total_volume = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`

	// Wallet queries
	queryGetWallets = `
		SELECT asset, address, balance, locked, updated_at
		FROM wallets
		WHERE user_id = ?
		ORDER BY asset`

	queryUpsertWallet = `
		INSERT INTO wallets (user_id, asset, address, balance, locked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, asset) DO UPDATE SET
			address = excluded.address,
			balance = excluded.balance,
			locked = excluded.locked,
			updated_at = excluded.updated_at`

	// Risk flag queries
	queryGetRiskFlags = `
		SELECT id, kind, reason, created_at
		FROM risk_flags
		WHERE user_id = ?
		ORDER BY created_at, id`

	queryInsertRiskFlag = `
		INSERT OR IGNORE INTO risk_flags (id, user_id, kind, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`

	// Transaction queries
	queryInsertTransaction = `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetTransaction = `SELECT` + transactionColumns + ` FROM transactions WHERE id = ?`

	queryUpdateTransactionStatus = `
		UPDATE transactions
		SET status = ?, notes = ?, completed_at = ?
		WHERE id = ?`

	queryListTransactions = `
		SELECT` + transactionColumns + `
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?`

	queryListTransactionsSince = `
		SELECT` + transactionColumns + `
		FROM transactions
		WHERE created_at >= ?
		ORDER BY created_at`

	queryCountOrdersSince = `
		SELECT COUNT(*) FROM transactions
		WHERE user_id = ? AND created_at >= ? AND type IN ('BUY', 'SELL') AND status != 'FAILED'`

	queryCountFailedTransactions = `
		SELECT COUNT(*) FROM transactions WHERE user_id = ? AND status = 'FAILED'`

	// Reservation queries
	queryInsertReservation = `
		INSERT INTO reservations (` + reservationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetReservation = `SELECT` + reservationColumns + ` FROM reservations WHERE id = ?`

	queryUpdateReservation = `
		UPDATE reservations
		SET status = ?, transaction_id = ?, updated_at = ?
		WHERE id = ?`

	queryListRecoverableReservations = `
		SELECT` + reservationColumns + `
		FROM reservations
		WHERE (status = 'HELD' AND created_at < ?)
		   OR (status = 'BOUND' AND expires_at < ?)
		ORDER BY created_at`

	// Journal and statistics
	queryInsertJournalEntry = `
		INSERT INTO journal_entries (id, reference_id, account_type, account_id, debit_amount, credit_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetWalletAmounts = `
		SELECT balance, locked
		FROM wallets
		WHERE user_id = ? AND asset = ?`

	queryGetUserJournalEntries = `
		SELECT account_type, debit_amount, credit_amount
		FROM journal_entries
		WHERE account_id = ? AND account_type IN ('user_available', 'user_locked')`

	queryInsertPlatformStats = `
		INSERT INTO platform_stats (
			id, period_start, period_end, total_users, total_volume, total_revenue,
			total_transactions, keys_sold, keys_bought, avg_transaction_value, crypto_stats, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)
