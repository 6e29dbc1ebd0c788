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

	"key-trade-ledger-go/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReconcileBalance verifies a wallet against the sum of its journal entries
func (s *Store) ReconcileBalance(ctx context.Context, userId, asset string) (*store.Reconciliation, error) {
	rec := &store.Reconciliation{
		UserId:           userId,
		Asset:            asset,
		Balance:          decimal.Zero,
		Locked:           decimal.Zero,
		JournalAvailable: decimal.Zero,
		JournalLocked:    decimal.Zero,
	}

	var balanceStr, lockedStr string
	err := s.pool.QueryRow(ctx, queryGetWalletAmounts, userId, asset).Scan(&balanceStr, &lockedStr)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
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

	rows, err := s.pool.Query(ctx, querySumUserJournal, store.JournalAccountId(userId, asset))
	if err != nil {
		return nil, fmt.Errorf("failed to calculate balance from journal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var accountType, sumStr string
		if err := rows.Scan(&accountType, &sumStr); err != nil {
			return nil, fmt.Errorf("failed to scan journal sum: %w", err)
		}
		sum, err := parseDecimal("journal sum", sumStr)
		if err != nil {
			return nil, err
		}
		if accountType == store.AccountUserLocked {
			rec.JournalLocked = sum
		} else {
			rec.JournalAvailable = sum
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal sums: %w", err)
	}

	if !rec.Matches() {
		zap.L().Error("Balance reconciliation failed",
			zap.String("user_id", userId),
			zap.String("asset", asset),
			zap.String("balance", rec.Balance.String()),
			zap.String("locked", rec.Locked.String()),
			zap.String("journal_available", rec.JournalAvailable.String()),
			zap.String("journal_locked", rec.JournalLocked.String()))
	}
	return rec, nil
}
