package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var txn models.Transaction
	var cryptoStr, usdStr, rateStr, feeStr string
	err := row.Scan(&txn.Id, &txn.UserId, &txn.Type, &txn.Cryptocurrency, &cryptoStr, &txn.KeysAmount,
		&usdStr, &rateStr, &feeStr, &txn.Status, &txn.RiskLevel, &txn.Flagged,
		&txn.ReservationId, &txn.ExternalRef, &txn.Notes, &txn.CreatedAt, &txn.CompletedAt)
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
	txn.CompletedAt = utc(txn.CompletedAt)
	return &txn, nil
}

func scanTransactions(rows pgx.Rows) ([]models.Transaction, error) {
	defer rows.Close()

	var transactions []models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return transactions, nil
}

func getTransaction(ctx context.Context, q querier, query, transactionId string) (*models.Transaction, error) {
	txn, err := scanTransaction(q.QueryRow(ctx, query, transactionId))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrTransactionNotFound, transactionId)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

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

	_, err := q.Exec(ctx, queryInsertTransaction,
		txn.Id, txn.UserId, string(txn.Type), txn.Cryptocurrency, txn.CryptoAmount.String(), txn.KeysAmount,
		txn.UsdValue.String(), txn.Rate.String(), txn.Fee.String(), string(txn.Status), string(txn.RiskLevel),
		txn.Flagged, txn.ReservationId, txn.ExternalRef, txn.Notes, txn.CreatedAt.UTC(), utc(txn.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrDuplicateTransaction, txn.Id)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func updateTransaction(ctx context.Context, q querier, txn *models.Transaction) error {
	if _, err := q.Exec(ctx, queryUpdateTransactionStatus, string(txn.Status), txn.Notes, utc(txn.CompletedAt), txn.Id); err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	return nil
}

func recordJournal(ctx context.Context, q querier, referenceId string, movement store.Movement, userId, asset string, amount decimal.Decimal, now time.Time) error {
	for _, entry := range store.JournalEntries(movement, userId, asset, amount) {
		_, err := q.Exec(ctx, queryInsertJournalEntry,
			uuid.New().String(), referenceId, entry.AccountType, entry.AccountId,
			entry.DebitAmount.String(), entry.CreditAmount.String(), now)
		if err != nil {
			return fmt.Errorf("failed to add journal entry: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := insertTransaction(ctx, tx, txn, now); err != nil {
			return err
		}
		if txn.ReservationId == "" {
			return nil
		}
		res, err := getReservation(ctx, tx, queryGetReservationForUpdate, txn.ReservationId)
		if err != nil {
			return err
		}
		if err := store.BindReservation(res, txn, now); err != nil {
			return err
		}
		return updateReservation(ctx, tx, res)
	})
}

func (s *Store) GetTransaction(ctx context.Context, transactionId string) (*models.Transaction, error) {
	return getTransaction(ctx, s.pool, queryGetTransaction, transactionId)
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, transactionId string, status models.TransactionStatus, note string) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx pgx.Tx) error {
		txn, err := getTransaction(ctx, tx, queryGetTransactionForUpdate, transactionId)
		if err != nil {
			return err
		}
		if err := store.ApplyStatus(txn, status, note, now); err != nil {
			return err
		}
		return updateTransaction(ctx, tx, txn)
	})
}

func (s *Store) SettleTransaction(ctx context.Context, params store.SettleTransactionParams) error {
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		txn, err := getTransaction(ctx, tx, queryGetTransactionForUpdate, params.TransactionId)
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
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, queryListTransactions, userId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}
	return scanTransactions(rows)
}

func (s *Store) ListTransactionsSince(ctx context.Context, since time.Time) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, queryListTransactionsSince, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return scanTransactions(rows)
}

func (s *Store) CountOrdersSince(ctx context.Context, userId string, since time.Time) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, queryCountOrdersSince, userId, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return count, nil
}

func (s *Store) CountFailedTransactions(ctx context.Context, userId string) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, queryCountFailedTransactions, userId).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed transactions: %w", err)
	}
	return count, nil
}

func (s *Store) SavePlatformStats(ctx context.Context, stats *models.PlatformStats) error {
	if stats.Id == "" {
		stats.Id = uuid.New().String()
	}
	cryptoStats := stats.CryptoStats
	if cryptoStats == nil {
		cryptoStats = []models.CryptoStats{}
	}
	breakdown, err := json.Marshal(cryptoStats)
	if err != nil {
		return fmt.Errorf("failed to marshal crypto stats: %w", err)
	}

	_, err = s.pool.Exec(ctx, queryInsertPlatformStats,
		stats.Id, stats.PeriodStart.UTC(), stats.PeriodEnd.UTC(), stats.TotalUsers,
		stats.TotalVolume.String(), stats.TotalRevenue.String(), stats.TotalTransactions,
		stats.KeysSold, stats.KeysBought, stats.AvgTransactionValue.String(), string(breakdown), time.Now().UTC())
	if err != nil {
		zap.L().Error("Failed to save platform stats", zap.String("stats_id", stats.Id), zap.Error(err))
		return fmt.Errorf("failed to save platform stats: %w", err)
	}
	return nil
}
