package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// loadWallets attaches all per-asset balances of a user
func loadWallets(ctx context.Context, q querier, user *models.User) error {
	zap.L().Debug("Getting wallets", zap.String("user_id", user.Id))

	rows, err := q.QueryContext(ctx, queryGetWallets, user.Id)
	if err != nil {
		zap.L().Error("Failed to get wallets", zap.String("user_id", user.Id), zap.Error(err))
		return fmt.Errorf("failed to get wallets: %w", err)
	}
	defer closeRows(rows)

	if user.Wallets == nil {
		user.Wallets = make(map[string]*models.Wallet)
	}
	for rows.Next() {
		var wallet models.Wallet
		var balanceStr, lockedStr string
		if err := rows.Scan(&wallet.Asset, &wallet.Address, &balanceStr, &lockedStr, &wallet.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan wallet: %w", err)
		}

		wallet.Balance, err = parseDecimal("balance", balanceStr)
		if err != nil {
			return err
		}
		wallet.Locked, err = parseDecimal("locked", lockedStr)
		if err != nil {
			return err
		}
		user.Wallets[wallet.Asset] = &wallet
	}

	if err := rows.Err(); err != nil {
		zap.L().Error("Error during wallet row iteration", zap.Error(err))
		return fmt.Errorf("error iterating wallet rows: %w", err)
	}
	return nil
}

func upsertWallet(ctx context.Context, q querier, userId string, wallet *models.Wallet, now time.Time) error {
	if wallet.Balance.IsNegative() || wallet.Locked.IsNegative() || wallet.Locked.GreaterThan(wallet.Balance) {
		return fmt.Errorf("refusing to write wallet %s for user %s: balance %s, locked %s",
			wallet.Asset, userId, wallet.Balance.String(), wallet.Locked.String())
	}

	_, err := q.ExecContext(ctx, queryUpsertWallet,
		userId, wallet.Asset, wallet.Address, wallet.Balance.String(), wallet.Locked.String(), now)
	if err != nil {
		return fmt.Errorf("failed to upsert wallet: %w", err)
	}
	wallet.UpdatedAt = now
	return nil
}

// ReconcileBalance verifies a wallet against the sum of its journal entries
func (s *Service) ReconcileBalance(ctx context.Context, userId, asset string) (*store.Reconciliation, error) {
	zap.L().Info("Reconciling balance", zap.String("user_id", userId), zap.String("asset", asset))

	rec := &store.Reconciliation{
		UserId:           userId,
		Asset:            asset,
		Balance:          decimal.Zero,
		Locked:           decimal.Zero,
		JournalAvailable: decimal.Zero,
		JournalLocked:    decimal.Zero,
	}

	var balanceStr, lockedStr string
	err := s.db.QueryRowContext(ctx, queryGetWalletAmounts, userId, asset).Scan(&balanceStr, &lockedStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no wallet means zero balance
	case err != nil:
		return nil, fmt.Errorf("failed to get current balance: %w", err)
	default:
		if rec.Balance, err = parseDecimal("balance", balanceStr); err != nil {
			return nil, err
		}
		if rec.Locked, err = parseDecimal("locked", lockedStr); err != nil {
			return nil, err
		}
	}

	// amounts are TEXT, so sum in Go to keep exact decimals
	rows, err := s.db.QueryContext(ctx, queryGetUserJournalEntries, store.JournalAccountId(userId, asset))
	if err != nil {
		return nil, fmt.Errorf("failed to calculate balance from journal: %w", err)
	}
	defer closeRows(rows)

	for rows.Next() {
		var accountType, debitStr, creditStr string
		if err := rows.Scan(&accountType, &debitStr, &creditStr); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		debit, err := parseDecimal("debit_amount", debitStr)
		if err != nil {
			return nil, err
		}
		credit, err := parseDecimal("credit_amount", creditStr)
		if err != nil {
			return nil, err
		}
		if accountType == store.AccountUserLocked {
			rec.JournalLocked = rec.JournalLocked.Add(debit).Sub(credit)
		} else {
			rec.JournalAvailable = rec.JournalAvailable.Add(debit).Sub(credit)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal rows: %w", err)
	}

	if !rec.Matches() {
		zap.L().Error("Balance reconciliation failed",
			zap.String("user_id", userId),
			zap.String("asset", asset),
			zap.String("balance", rec.Balance.String()),
			zap.String("locked", rec.Locked.String()),
			zap.String("journal_available", rec.JournalAvailable.String()),
			zap.String("journal_locked", rec.JournalLocked.String()))
		return rec, nil
	}

	zap.L().Info("Balance reconciliation successful",
		zap.String("user_id", userId),
		zap.String("asset", asset),
		zap.String("balance", rec.Balance.String()))
	return rec, nil
}
