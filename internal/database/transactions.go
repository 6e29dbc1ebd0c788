package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var txn models.Transaction
	var cryptoStr, usdStr, rateStr, feeStr string
	var completedAt sql.NullTime
	err := row.Scan(&txn.Id, &txn.UserId, &txn.Type, &txn.Cryptocurrency, &cryptoStr, &txn.KeysAmount,
		&usdStr, &rateStr, &feeStr, &txn.Status, &txn.RiskLevel, &txn.Flagged,
		&txn.ReservationId, &txn.ExternalRef, &txn.Notes, &txn.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if txn.CryptoAmount, err = parseDecimal("crypto_amount", cryptoStr); err != nil {
		return nil, err
	}
	if txn.UsdValue, err = parseDecimal("usd_value", usdStr); err != nil {
		return nil, err
	}
	if txn.Rate, err = parseDecimal("rate", rateStr); err != nil {
		return nil, err
	}
	if txn.Fee, err = parseDecimal("fee", feeStr); err != nil {
		return nil, err
	}
	txn.CompletedAt = timePtr(completedAt)
	return &txn, nil
}

func scanTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	defer closeRows(rows)

	var transactions []models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, *txn)
	}

	// Check for errors during iteration
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during transaction row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return transactions, nil
}

func getTransaction(ctx context.Context, q querier, transactionId string) (*models.Transaction, error) {
	txn, err := scanTransaction(q.QueryRowContext(ctx, queryGetTransaction, transactionId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrTransactionNotFound, transactionId)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

// insertTransaction is create-only; an existing id or external reference
// fails with store.ErrDuplicateTransaction.
func insertTransaction(ctx context.Context, q querier, txn *models.Transaction, now time.Time) error {
	if txn.Id == "" {
		txn.Id = uuid.New().String()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	if txn.Status == "" {
		txn.Status = models.StatusPending
	}
	if txn.RiskLevel == "" {
		txn.RiskLevel = models.RiskLow
	}

	_, err := q.ExecContext(ctx, queryInsertTransaction,
		txn.Id, txn.UserId, string(txn.Type), txn.Cryptocurrency, txn.CryptoAmount.String(), txn.KeysAmount,
		txn.UsdValue.String(), txn.Rate.String(), txn.Fee.String(), string(txn.Status), string(txn.RiskLevel),
		txn.Flagged, txn.ReservationId, txn.ExternalRef, txn.Notes, txn.CreatedAt.UTC(), nullTime(txn.CompletedAt))
	if err != nil {
		if isConstraintViolation(err) {
			zap.L().Warn("Duplicate transaction detected",
				zap.String("transaction_id", txn.Id),
				zap.String("external_ref", txn.ExternalRef))
			return fmt.Errorf("%w: %s", store.ErrDuplicateTransaction, txn.Id)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func updateTransaction(ctx context.Context, q querier, txn *models.Transaction) error {
	_, err := q.ExecContext(ctx, queryUpdateTransactionStatus,
		string(txn.Status), txn.Notes, nullTime(txn.CompletedAt), txn.Id)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	return nil
}

// recordJournal adds the double-entry bookkeeping pair for a movement
func recordJournal(ctx context.Context, q querier, referenceId string, movement store.Movement, userId, asset string, amount decimal.Decimal, now time.Time) error {
	for _, entry := range store.JournalEntries(movement, userId, asset, amount) {
		_, err := q.ExecContext(ctx, queryInsertJournalEntry,
			uuid.New().String(), referenceId, entry.AccountType, entry.AccountId,
			entry.DebitAmount.String(), entry.CreditAmount.String(), now)
		if err != nil {
			return fmt.Errorf("failed to add journal entry: %w", err)
		}
	}
	return nil
}

// CreateTransaction inserts a new transaction. When ReservationId is set the
// reservation must be HELD by the same user and becomes BOUND in the same
// database transaction.
func (s *Service) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	zap.L().Info("Creating transaction",
		zap.String("transaction_id", txn.Id),
		zap.String("user_id", txn.UserId),
		zap.String("type", string(txn.Type)),
		zap.String("asset", txn.Cryptocurrency),
		zap.String("amount", txn.CryptoAmount.String()),
		zap.String("reservation_id", txn.ReservationId))

	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertTransaction(ctx, tx, txn, now); err != nil {
			return err
		}
		if txn.ReservationId == "" {
			return nil
		}

		res, err := getReservation(ctx, tx, txn.ReservationId)
		if err != nil {
			return err
		}
		if err := store.BindReservation(res, txn, now); err != nil {
			return err
		}
		return updateReservation(ctx, tx, res)
	})
}

func (s *Service) GetTransaction(ctx context.Context, transactionId string) (*models.Transaction, error) {
	zap.L().Debug("Getting transaction", zap.String("transaction_id", transactionId))
	return getTransaction(ctx, s.db, transactionId)
}

func (s *Service) UpdateTransactionStatus(ctx context.Context, transactionId string, status models.TransactionStatus, note string) error {
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		txn, err := getTransaction(ctx, tx, transactionId)
		if err != nil {
			return err
		}
		if err := store.ApplyStatus(txn, status, note, now); err != nil {
			return err
		}
		return updateTransaction(ctx, tx, txn)
	})
	if err != nil {
		return err
	}

	zap.L().Info("Transaction status updated",
		zap.String("transaction_id", transactionId),
		zap.String("status", string(status)))
	return nil
}

// SettleTransaction writes the user and moves the transaction status together.
// A terminal transaction is refused before the user is touched.
func (s *Service) SettleTransaction(ctx context.Context, params store.SettleTransactionParams) error {
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		txn, err := getTransaction(ctx, tx, params.TransactionId)
		if err != nil {
			return err
		}
		if txn.UserId != params.User.Id {
			return fmt.Errorf("transaction %s does not belong to user %s", txn.Id, params.User.Id)
		}
		if err := store.ApplyStatus(txn, params.Status, params.Note, now); err != nil {
			return err
		}
		if err := writeUser(ctx, tx, params.User, now); err != nil {
			return err
		}
		if err := updateTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if params.Status == models.StatusCancelled {
			if movement, ok := store.RefundMovementFor(txn); ok {
				return recordJournal(ctx, tx, txn.Id, movement, txn.UserId, txn.Cryptocurrency, txn.CryptoAmount, now)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	params.User.Version++
	params.User.UpdatedAt = now
	zap.L().Info("Transaction settled",
		zap.String("transaction_id", params.TransactionId),
		zap.String("user_id", params.User.Id),
		zap.String("status", string(params.Status)))
	return nil
}

// ListTransactions returns paginated transaction history for a user, newest first
func (s *Service) ListTransactions(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error) {
	zap.L().Debug("Getting transaction history",
		zap.String("user_id", userId),
		zap.Int("limit", limit),
		zap.Int("offset", offset))

	rows, err := s.db.QueryContext(ctx, queryListTransactions, userId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}
	return scanTransactions(rows)
}

func (s *Service) ListTransactionsSince(ctx context.Context, since time.Time) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, queryListTransactionsSince, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return scanTransactions(rows)
}

// CountOrdersSince counts BUY and SELL orders placed since a time that did not fail
func (s *Service) CountOrdersSince(ctx context.Context, userId string, since time.Time) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, queryCountOrdersSince, userId, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return count, nil
}

func (s *Service) CountFailedTransactions(ctx context.Context, userId string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, queryCountFailedTransactions, userId).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed transactions: %w", err)
	}
	return count, nil
}
