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
	"time"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("Failed to close rows", zap.Error(err))
	}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse %s '%s': %w", field, value, err)
	}
	return d, nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var volumeStr string
	var lockedUntil, lastLogin sql.NullTime
	err := row.Scan(&user.Id, &user.Username, &user.PasswordHash, &user.Email, &user.EmailVerified,
		&user.TradeLink, &user.KeyBalance, &user.RiskScore, &lockedUntil, &user.LoginAttempts, &lastLogin,
		&user.Stats.TotalBuys, &user.Stats.TotalSells, &user.Stats.TotalKeysPurchased, &user.Stats.TotalKeysSold,
		&volumeStr, &user.Version, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}

	user.Stats.TotalVolume, err = parseDecimal("total_volume", volumeStr)
	if err != nil {
		return nil, err
	}
	user.LockedUntil = timePtr(lockedUntil)
	user.LastLogin = timePtr(lastLogin)
	user.Wallets = make(map[string]*models.Wallet)
	return &user, nil
}

// loadUser reads a user with its wallets and risk flags through q
func loadUser(ctx context.Context, q querier, query, key string) (*models.User, error) {
	user, err := scanUser(q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, key)
		}
		return nil, fmt.Errorf("unable to query user: %w", err)
	}

	if err := loadWallets(ctx, q, user); err != nil {
		return nil, err
	}
	if err := loadRiskFlags(ctx, q, user); err != nil {
		return nil, err
	}
	return user, nil
}

func loadRiskFlags(ctx context.Context, q querier, user *models.User) error {
	rows, err := q.QueryContext(ctx, queryGetRiskFlags, user.Id)
	if err != nil {
		return fmt.Errorf("failed to get risk flags: %w", err)
	}
	defer closeRows(rows)

	for rows.Next() {
		var flag models.RiskFlag
		if err := rows.Scan(&flag.Id, &flag.Kind, &flag.Reason, &flag.Timestamp); err != nil {
			return fmt.Errorf("failed to scan risk flag: %w", err)
		}
		user.RiskFlags = append(user.RiskFlags, flag)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating risk flag rows: %w", err)
	}
	return nil
}

func (s *Service) GetUsers(ctx context.Context) ([]models.User, error) {
	zap.L().Debug("Querying users")

	rows, err := s.db.QueryContext(ctx, queryGetUsers)
	if err != nil {
		zap.L().Error("Failed to query users", zap.Error(err))
		return nil, fmt.Errorf("unable to query users: %w", err)
	}

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			closeRows(rows)
			zap.L().Error("Failed to scan user row", zap.Error(err))
			return nil, fmt.Errorf("unable to scan user row: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		closeRows(rows)
		zap.L().Error("Error during user row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}
	closeRows(rows)

	// Wallets are loaded after the cursor is closed so that a single pooled
	// connection is never asked to hold two result sets.
	for i := range users {
		if err := loadWallets(ctx, s.db, &users[i]); err != nil {
			return nil, err
		}
	}

	zap.L().Debug("Retrieved users", zap.Int("count", len(users)))
	return users, nil
}

func (s *Service) GetUser(ctx context.Context, userId string) (*models.User, error) {
	zap.L().Debug("Querying user by ID", zap.String("user_id", userId))
	return loadUser(ctx, s.db, queryGetUserById, userId)
}

func (s *Service) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	zap.L().Debug("Querying user by username", zap.String("username", username))
	if username == "" {
		return nil, fmt.Errorf("%w: empty username", store.ErrUserNotFound)
	}
	return loadUser(ctx, s.db, queryGetUserByUsername, username)
}

func (s *Service) CreateUser(ctx context.Context, user *models.User) error {
	if user.Id == "" {
		user.Id = uuid.New().String()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	user.Version = 1

	zap.L().Info("Creating user", zap.String("user_id", user.Id), zap.String("username", user.Username))

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := store.CheckInvariants(user); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, queryInsertUser,
			user.Id, user.Username, user.PasswordHash, user.Email, user.EmailVerified, user.TradeLink,
			user.KeyBalance, user.RiskScore, nullTime(user.LockedUntil), user.LoginAttempts, nullTime(user.LastLogin),
			user.Stats.TotalBuys, user.Stats.TotalSells, user.Stats.TotalKeysPurchased, user.Stats.TotalKeysSold,
			user.Stats.TotalVolume.String(), user.Version, user.CreatedAt.UTC(), user.UpdatedAt)
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("%w: %s", store.ErrUserExists, user.Id)
			}
			return fmt.Errorf("unable to insert user: %w", err)
		}
		if err := writeUserChildren(ctx, tx, user, now); err != nil {
			return err
		}
		return recordOpening(ctx, tx, user, now)
	})
	if err != nil {
		user.Version = 0
		if !errors.Is(err, store.ErrUserExists) {
			zap.L().Error("Failed to create user", zap.String("user_id", user.Id), zap.Error(err))
		}
		return err
	}

	zap.L().Info("User created successfully", zap.String("user_id", user.Id), zap.String("username", user.Username))
	return nil
}

// UpsertUser inserts a new user (Version 0) or writes back a previously read
// one. A stale Version fails with store.ErrConcurrentModification.
func (s *Service) UpsertUser(ctx context.Context, user *models.User) error {
	if user.Version == 0 {
		return s.CreateUser(ctx, user)
	}

	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return writeUser(ctx, tx, user, now)
	})
	if err != nil {
		return err
	}

	user.Version++
	user.UpdatedAt = now
	zap.L().Debug("User updated", zap.String("user_id", user.Id), zap.Int64("version", user.Version))
	return nil
}

// CommitUser writes the user and creates txn in one database transaction.
func (s *Service) CommitUser(ctx context.Context, user *models.User, txn *models.Transaction) error {
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := writeUser(ctx, tx, user, now); err != nil {
			return err
		}
		if err := insertTransaction(ctx, tx, txn, now); err != nil {
			return err
		}
		if movement, ok := store.MovementFor(txn); ok {
			return recordJournal(ctx, tx, txn.Id, movement, user.Id, txn.Cryptocurrency, txn.CryptoAmount, now)
		}
		return nil
	})
	if err != nil {
		return err
	}

	user.Version++
	user.UpdatedAt = now
	zap.L().Info("User and transaction committed",
		zap.String("user_id", user.Id),
		zap.String("transaction_id", txn.Id),
		zap.String("type", string(txn.Type)),
		zap.String("amount", txn.CryptoAmount.String()))
	return nil
}

// writeUser performs the optimistic update of a user row followed by its
// wallets and any new risk flags. The caller bumps user.Version after commit.
func writeUser(ctx context.Context, q querier, user *models.User, now time.Time) error {
	if err := store.CheckInvariants(user); err != nil {
		return err
	}

	result, err := q.ExecContext(ctx, queryUpdateUser,
		user.Username, user.PasswordHash, user.Email, user.EmailVerified, user.TradeLink,
		user.KeyBalance, user.RiskScore, nullTime(user.LockedUntil), user.LoginAttempts, nullTime(user.LastLogin),
		user.Stats.TotalBuys, user.Stats.TotalSells, user.Stats.TotalKeysPurchased, user.Stats.TotalKeysSold,
		user.Stats.TotalVolume.String(), now, user.Id, user.Version)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: username %s", store.ErrUserExists, user.Username)
		}
		return fmt.Errorf("failed to update user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user %s update failed - %w", user.Id, store.ErrConcurrentModification)
	}

	return writeUserChildren(ctx, q, user, now)
}

// recordOpening journals the wallets a user is created with
func recordOpening(ctx context.Context, q querier, user *models.User, now time.Time) error {
	for asset, wallet := range user.Wallets {
		for _, posting := range store.OpeningPostings(wallet) {
			if err := recordJournal(ctx, q, user.Id, posting.Movement, user.Id, asset, posting.Amount, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeUserChildren(ctx context.Context, q querier, user *models.User, now time.Time) error {
	for _, wallet := range user.Wallets {
		if err := upsertWallet(ctx, q, user.Id, wallet, now); err != nil {
			return err
		}
	}

	for i := range user.RiskFlags {
		flag := &user.RiskFlags[i]
		if flag.Id == "" {
			flag.Id = uuid.New().String()
		}
		if flag.Timestamp.IsZero() {
			flag.Timestamp = now
		}
		_, err := q.ExecContext(ctx, queryInsertRiskFlag, flag.Id, user.Id, string(flag.Kind), flag.Reason, flag.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert risk flag: %w", err)
		}
	}
	return nil
}
