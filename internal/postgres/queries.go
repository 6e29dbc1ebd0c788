package postgres

// NUMERIC columns are read back as text and parsed into decimal.Decimal.
const (
	userColumns = `
		id, username, password_hash, email, email_verified, trade_link, key_balance,
		risk_score, locked_until, login_attempts, last_login,
		total_buys, total_sells, total_keys_purchased, total_keys_sold, total_volume::text,
		version, created_at, updated_at`

	transactionColumns = `
		id, user_id, type, cryptocurrency, crypto_amount::text, keys_amount, usd_value::text, rate::text, fee::text,
		status, risk_level, flagged, reservation_id, external_ref, notes, created_at, completed_at`

	reservationColumns = `
		id, user_id, asset, amount::text, status, transaction_id, expires_at, created_at, updated_at`

	queryGetUsers = `SELECT` + userColumns + ` FROM users ORDER BY created_at`

	queryGetUserById = `SELECT` + userColumns + ` FROM users WHERE id = $1`

	queryGetUserByIdForUpdate = `SELECT` + userColumns + ` FROM users WHERE id = $1 FOR UPDATE`

	queryGetUserByUsername = `SELECT` + userColumns + ` FROM users WHERE username = $1`

	queryInsertUser = `
		INSERT INTO users (
			id, username, password_hash, email, email_verified, trade_link, key_balance,
			risk_score, locked_until, login_attempts, last_login,
			total_buys, total_sells, total_keys_purchased, total_keys_sold, total_volume,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	queryUpdateUser = `
		UPDATE users
		SET username = $1, password_hash = $2, email = $3, email_verified = $4, trade_link = $5,
		    key_balance = $6, risk_score = $7, locked_until = $8, login_attempts = $9, last_login = $10,
		    total_buys = $11, total_sells = $12, total_keys_purchased = $13, total_keys_sold = $14, total_volume = $15,
		    version = version + 1, updated_at = $16
		WHERE id = $17 AND version = $18`

	queryGetWallets = `
		SELECT asset, address, balance::text, locked::text, updated_at
		FROM wallets
		WHERE user_id = $1
		ORDER BY asset`

	queryUpsertWallet = `
		INSERT INTO wallets (user_id, asset, address, balance, locked, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, asset) DO UPDATE SET
			address = EXCLUDED.address,
			balance = EXCLUDED.balance,
			locked = EXCLUDED.locked,
			updated_at = EXCLUDED.updated_at`

	queryGetRiskFlags = `
		SELECT id, kind, reason, created_at
		FROM risk_flags
		WHERE user_id = $1
		ORDER BY created_at, id`

	queryInsertRiskFlag = `
		INSERT INTO risk_flags (id, user_id, kind, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	queryInsertTransaction = `
		INSERT INTO transactions (
			id, user_id, type, cryptocurrency, crypto_amount, keys_amount, usd_value, rate, fee,
			status, risk_level, flagged, reservation_id, external_ref, notes, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	queryGetTransaction = `SELECT` + transactionColumns + ` FROM transactions WHERE id = $1`

	queryGetTransactionForUpdate = `SELECT` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`

	queryUpdateTransactionStatus = `
		UPDATE transactions
		SET status = $1, notes = $2, completed_at = $3
		WHERE id = $4`

	queryListTransactions = `
		SELECT` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`

	queryListTransactionsSince = `
		SELECT` + transactionColumns + `
		FROM transactions
		WHERE created_at >= $1
		ORDER BY created_at`

	queryCountOrdersSince = `
		SELECT COUNT(*) FROM transactions
		WHERE user_id = $1 AND created_at >= $2 AND type IN ('BUY', 'SELL') AND status != 'FAILED'`

	queryCountFailedTransactions = `
		SELECT COUNT(*) FROM transactions WHERE user_id = $1 AND status = 'FAILED'`

	queryInsertReservation = `
		INSERT INTO reservations (id, user_id, asset, amount, status, transaction_id, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	queryGetReservationForUpdate = `SELECT` + reservationColumns + ` FROM reservations WHERE id = $1 FOR UPDATE`

	queryGetReservation = `SELECT` + reservationColumns + ` FROM reservations WHERE id = $1`

	queryUpdateReservation = `
		UPDATE reservations
		SET status = $1, transaction_id = $2, updated_at = $3
		WHERE id = $4`

	queryListRecoverableReservations = `
		SELECT` + reservationColumns + `
		FROM reservations
		WHERE (status = 'HELD' AND created_at < $1)
		   OR (status = 'BOUND' AND expires_at < $2)
		ORDER BY created_at`

	queryInsertJournalEntry = `
		INSERT INTO journal_entries (id, reference_id, account_type, account_id, debit_amount, credit_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	queryGetWalletAmounts = `
		SELECT balance::text, locked::text
		FROM wallets
		WHERE user_id = $1 AND asset = $2`

	querySumUserJournal = `
		SELECT account_type, SUM(debit_amount - credit_amount)::text
		FROM journal_entries
		WHERE account_id = $1 AND account_type IN ('user_available', 'user_locked')
		GROUP BY account_type`

	queryInsertPlatformStats = `
		INSERT INTO platform_stats (
			id, period_start, period_end, total_users, total_volume, total_revenue,
			total_transactions, keys_sold, keys_bought, avg_transaction_value, crypto_stats, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
)
