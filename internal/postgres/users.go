package postgres

import (
	"context"
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

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse %s '%s': %w", field, value, err)
	}
	return d, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanUser(row pgx.Row) (*models.User, error) {
	var user models.User
	var volumeStr string
	err := row.Scan(&user.Id, &user.Username, &user.PasswordHash, &user.Email, &user.EmailVerified,
		&user.TradeLink, &user.KeyBalance, &user.RiskScore, &user.LockedUntil, &user.LoginAttempts, &user.LastLogin,
		&user.Stats.TotalBuys, &user.Stats.TotalSells, &user.Stats.TotalKeysPurchased, &user.Stats.TotalKeysSold,
		&volumeStr, &user.Version, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if user.Stats.TotalVolume, err = parseDecimal("total_volume", volumeStr); err != nil {
		return nil, err
	}
	user.LockedUntil = utc(user.LockedUntil)
	user.LastLogin = utc(user.LastLogin)
	user.Wallets = make(map[string]*models.Wallet)
	return &user, nil
}

func loadUser(ctx context.Context, q querier, query, key string) (*models.User, error) {
	user, err := scanUser(q.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

func loadWallets(ctx context.Context, q querier, user *models.User) error {
	rows, err := q.Query(ctx, queryGetWallets, user.Id)
	if err != nil {
		return fmt.Errorf("failed to get wallets: %w", err)
	}
	defer rows.Close()

	if user.Wallets == nil {
		user.Wallets = make(map[string]*models.Wallet)
	}
	for rows.Next() {
		var wallet models.Wallet
		var balanceStr, lockedStr string
		if err := rows.Scan(&wallet.Asset, &wallet.Address, &balanceStr, &lockedStr, &wallet.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan wallet: %w", err)
		}
		if wallet.Balance, err = parseDecimal("balance", balanceStr); err != nil {
			return err
		}
		if wallet.Locked, err = parseDecimal("locked", lockedStr); err != nil {
			return err
		}
		user.Wallets[wallet.Asset] = &wallet
	}
	return rows.Err()
}

func loadRiskFlags(ctx context.Context, q querier, user *models.User) error {
	rows, err := q.Query(ctx, queryGetRiskFlags, user.Id)
	if err != nil {
		return fmt.Errorf("failed to get risk flags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var flag models.RiskFlag
		if err := rows.Scan(&flag.Id, &flag.Kind, &flag.Reason, &flag.Timestamp); err != nil {
			return fmt.Errorf("failed to scan risk flag: %w", err)
		}
		user.RiskFlags = append(user.RiskFlags, flag)
	}
	return rows.Err()
}

func (s *Store) GetUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, queryGetUsers)
	if err != nil {
		zap.L().Error("Failed to query users", zap.Error(err))
		return nil, fmt.Errorf("unable to query users: %w", err)
	}

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("unable to scan user row: %w", err)
		}
		users = append(users, *user)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}

	for i := range users {
		if err := loadWallets(ctx, s.pool, &users[i]); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (s *Store) GetUser(ctx context.Context, userId string) (*models.User, error) {
	zap.L().Debug("Querying user by ID", zap.String("user_id", userId))
	return loadUser(ctx, s.pool, queryGetUserById, userId)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: empty username", store.ErrUserNotFound)
	}
	return loadUser(ctx, s.pool, queryGetUserByUsername, username)
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.Id == "" {
		user.Id = uuid.New().String()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	user.Version = 1

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := store.CheckInvariants(user); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, queryInsertUser,
			user.Id, user.Username, user.PasswordHash, user.Email, user.EmailVerified, user.TradeLink,
			user.KeyBalance, user.RiskScore, utc(user.LockedUntil), user.LoginAttempts, utc(user.LastLogin),
			user.Stats.TotalBuys, user.Stats.TotalSells, user.Stats.TotalKeysPurchased, user.Stats.TotalKeysSold,
			user.Stats.TotalVolume.String(), user.Version, user.CreatedAt.UTC(), user.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", store.ErrUserExists, user.Id)
			}
			return fmt.Errorf("unable to insert user: %w", err)
		}
		if err := writeUserChildren(ctx, tx, user, now); err != nil {
			return err
		}
		for asset, wallet := range user.Wallets {
			for _, posting := range store.OpeningPostings(wallet) {
				if err := recordJournal(ctx, tx, user.Id, posting.Movement, user.Id, asset, posting.Amount, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		user.Version = 0
		return err
	}

	zap.L().Info("User created successfully", zap.String("user_id", user.Id), zap.String("username", user.Username))
	return nil
}

func (s *Store) UpsertUser(ctx context.Context, user *models.User) error {
	if user.Version == 0 {
		return s.CreateUser(ctx, user)
	}

	now := time.Now().UTC()
	if err := s.withTx(ctx, func(tx pgx.Tx) error {
		return writeUser(ctx, tx, user, now)
	}); err != nil {
		return err
	}
	user.Version++
	user.UpdatedAt = now
	return nil
}

func (s *Store) CommitUser(ctx context.Context, user *models.User, txn *models.Transaction) error {
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx pgx.Tx) error {
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
		zap.String("type", string(txn.Type)))
	return nil
}

func writeUser(ctx context.Context, q querier, user *models.User, now time.Time) error {
	if err := store.CheckInvariants(user); err != nil {
		return err
	}

	tag, err := q.Exec(ctx, queryUpdateUser,
		user.Username, user.PasswordHash, user.Email, user.EmailVerified, user.TradeLink,
		user.KeyBalance, user.RiskScore, utc(user.LockedUntil), user.LoginAttempts, utc(user.LastLogin),
		user.Stats.TotalBuys, user.Stats.TotalSells, user.Stats.TotalKeysPurchased, user.Stats.TotalKeysSold,
		user.Stats.TotalVolume.String(), now, user.Id, user.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s", store.ErrUserExists, user.Username)
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s update failed - %w", user.Id, store.ErrConcurrentModification)
	}
	return writeUserChildren(ctx, q, user, now)
}

func writeUserChildren(ctx context.Context, q querier, user *models.User, now time.Time) error {
	for _, wallet := range user.Wallets {
		_, err := q.Exec(ctx, queryUpsertWallet,
			user.Id, wallet.Asset, wallet.Address, wallet.Balance.String(), wallet.Locked.String(), now)
		if err != nil {
			return fmt.Errorf("failed to upsert wallet: %w", err)
		}
		wallet.UpdatedAt = now
	}

	for i := range user.RiskFlags {
		flag := &user.RiskFlags[i]
		if flag.Id == "" {
			flag.Id = uuid.New().String()
		}
		if flag.Timestamp.IsZero() {
			flag.Timestamp = now
		}
		if _, err := q.Exec(ctx, queryInsertRiskFlag, flag.Id, user.Id, string(flag.Kind), flag.Reason, flag.Timestamp.UTC()); err != nil {
			return fmt.Errorf("failed to insert risk flag: %w", err)
		}
	}
	return nil
}
