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

package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"key-trade-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GetUserBalance returns the wallet for a user and specific asset
func (s *LedgerService) GetUserBalance(ctx context.Context, userId, asset string) (models.UserBalance, error) {
	if userId == "" || asset == "" {
		return models.UserBalance{}, fmt.Errorf("user_id and asset are required")
	}

	user, err := s.db.GetUser(ctx, userId)
	if err != nil {
		zap.L().Error("Failed to get user balance",
			zap.String("user_id", userId),
			zap.String("asset", asset),
			zap.Error(err))
		return models.UserBalance{}, fmt.Errorf("failed to retrieve balance: %w", err)
	}

	asset = strings.ToUpper(asset)
	balance := models.UserBalance{Asset: asset, Balance: decimal.Zero, Locked: decimal.Zero, Available: decimal.Zero}
	if w, ok := user.Wallets[asset]; ok {
		balance = toUserBalance(w)
	}
	return balance, nil
}

// GetUserBalances returns all non-zero wallets for a user, sorted by asset
func (s *LedgerService) GetUserBalances(ctx context.Context, userId string) ([]models.UserBalance, error) {
	if userId == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	user, err := s.db.GetUser(ctx, userId)
	if err != nil {
		zap.L().Error("Failed to get user balances", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve balances: %w", err)
	}

	result := make([]models.UserBalance, 0, len(user.Wallets))
	for _, w := range user.Wallets {
		if w.Balance.IsZero() && w.Locked.IsZero() {
			continue
		}
		result = append(result, toUserBalance(w))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Asset < result[j].Asset })

	return result, nil
}

func (s *LedgerService) GetKeyBalance(ctx context.Context, userId string) (int64, error) {
	if userId == "" {
		return 0, fmt.Errorf("user_id is required")
	}
	user, err := s.db.GetUser(ctx, userId)
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve key balance: %w", err)
	}
	return user.KeyBalance, nil
}

// GetTransactionHistory returns paginated transaction history for a user, newest first
func (s *LedgerService) GetTransactionHistory(ctx context.Context, userId string, limit, offset int) ([]models.TransactionRecord, error) {
	if userId == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	transactions, err := s.db.ListTransactions(ctx, userId, limit, offset)
	if err != nil {
		zap.L().Error("Failed to get transaction history",
			zap.String("user_id", userId),
			zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve transaction history: %w", err)
	}

	result := make([]models.TransactionRecord, len(transactions))
	for i := range transactions {
		result[i] = toRecord(&transactions[i])
	}

	return result, nil
}

func toUserBalance(w *models.Wallet) models.UserBalance {
	return models.UserBalance{
		Asset:     w.Asset,
		Balance:   w.Balance,
		Locked:    w.Locked,
		Available: w.Available(),
		Address:   w.Address,
	}
}

// ReconcileUser checks every wallet of a user against the journal
func (s *LedgerService) ReconcileUser(ctx context.Context, userId string) error {
	user, err := s.db.GetUser(ctx, userId)
	if err != nil {
		return fmt.Errorf("failed to load user for reconciliation: %w", err)
	}
	return s.reconcile(ctx, user)
}

// ReconcileAll checks every wallet in the ledger and returns how many were
// checked. Mismatches are joined into one error wrapping store.ErrBalanceMismatch.
func (s *LedgerService) ReconcileAll(ctx context.Context) (int, error) {
	users, err := s.db.GetUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list users for reconciliation: %w", err)
	}

	checked := 0
	var errs []error
	for i := range users {
		checked += len(users[i].Wallets)
		if err := s.reconcile(ctx, &users[i]); err != nil {
			errs = append(errs, err)
		}
	}

	zap.L().Info("Ledger reconciliation finished",
		zap.Int("users", len(users)),
		zap.Int("wallets", checked),
		zap.Int("failures", len(errs)))
	return checked, errors.Join(errs...)
}

func (s *LedgerService) reconcile(ctx context.Context, user *models.User) error {
	assets := make([]string, 0, len(user.Wallets))
	for asset := range user.Wallets {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	var errs []error
	for _, asset := range assets {
		rec, err := s.db.ReconcileBalance(ctx, user.Id, asset)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := rec.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
