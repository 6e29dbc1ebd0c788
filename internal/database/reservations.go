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
	"go.uber.org/zap"
)

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var res models.Reservation
	var amountStr string
	err := row.Scan(&res.Id, &res.UserId, &res.Asset, &amountStr, &res.Status, &res.TransactionId,
		&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if res.Amount, err = parseDecimal("amount", amountStr); err != nil {
		return nil, err
	}
	return &res, nil
}

func getReservation(ctx context.Context, q querier, reservationId string) (*models.Reservation, error) {
	res, err := scanReservation(q.QueryRowContext(ctx, queryGetReservation, reservationId))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrReservationNotFound, reservationId)
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return res, nil
}

func updateReservation(ctx context.Context, q querier, res *models.Reservation) error {
	_, err := q.ExecContext(ctx, queryUpdateReservation, string(res.Status), res.TransactionId, res.UpdatedAt.UTC(), res.Id)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return nil
}

// Reserve locks funds against the user's current balance. The user row is read
// and written inside one IMMEDIATE transaction, so concurrent reservations for
// the same user cannot both pass the availability check.
func (s *Service) Reserve(ctx context.Context, params store.ReserveParams) (*models.Reservation, error) {
	now := time.Now().UTC()
	res := &models.Reservation{
		Id:        uuid.New().String(),
		UserId:    params.UserId,
		Asset:     params.Asset,
		Amount:    params.Amount,
		Status:    models.ReservationHeld,
		ExpiresAt: params.ExpiresAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		user, err := loadUser(ctx, tx, queryGetUserById, params.UserId)
		if err != nil {
			return err
		}
		if err := store.ApplyReserve(user, params.Asset, params.Amount); err != nil {
			return err
		}
		if err := writeUser(ctx, tx, user, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, queryInsertReservation,
			res.Id, res.UserId, res.Asset, res.Amount.String(), string(res.Status), res.TransactionId,
			res.ExpiresAt, res.CreatedAt, res.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		return recordJournal(ctx, tx, res.Id, store.MovementReserve, res.UserId, res.Asset, res.Amount, now)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Funds reserved",
		zap.String("reservation_id", res.Id),
		zap.String("user_id", res.UserId),
		zap.String("asset", res.Asset),
		zap.String("amount", res.Amount.String()))
	return res, nil
}

// CommitReservation debits reserved funds, credits the bound transaction and
// closes the reservation. It returns the user as written.
func (s *Service) CommitReservation(ctx context.Context, params store.CommitReservationParams) (*models.User, error) {
	now := time.Now().UTC()
	var committed *models.User

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := getReservation(ctx, tx, params.ReservationId)
		if err != nil {
			return err
		}
		if err := store.CloseReservation(res, models.ReservationCommitted, now); err != nil {
			return err
		}

		var txn *models.Transaction
		if res.TransactionId != "" {
			if txn, err = getTransaction(ctx, tx, res.TransactionId); err != nil {
				return err
			}
			if txn.Status.Terminal() {
				return fmt.Errorf("%w: %s is %s", store.ErrTerminalTransaction, txn.Id, txn.Status)
			}
		}

		user, err := loadUser(ctx, tx, queryGetUserById, res.UserId)
		if err != nil {
			return err
		}
		if err := store.ApplyCommit(user, res.Asset, res.Amount, txn); err != nil {
			return err
		}
		if err := writeUser(ctx, tx, user, now); err != nil {
			return err
		}
		if err := updateReservation(ctx, tx, res); err != nil {
			return err
		}
		if txn != nil && params.TransactionStatus != "" {
			if err := store.ApplyStatus(txn, params.TransactionStatus, "", now); err != nil {
				return err
			}
			if err := updateTransaction(ctx, tx, txn); err != nil {
				return err
			}
		}
		if err := recordJournal(ctx, tx, res.Id, store.MovementCommit, res.UserId, res.Asset, res.Amount, now); err != nil {
			return err
		}

		user.Version++
		user.UpdatedAt = now
		committed = user
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Reservation committed",
		zap.String("reservation_id", params.ReservationId),
		zap.String("user_id", committed.Id),
		zap.Int64("key_balance", committed.KeyBalance))
	return committed, nil
}

// ReleaseReservation returns reserved funds to available. A bound transaction
// that is still open moves to params.TransactionStatus.
func (s *Service) ReleaseReservation(ctx context.Context, params store.ReleaseReservationParams) error {
	now := time.Now().UTC()
	var released *models.Reservation

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := getReservation(ctx, tx, params.ReservationId)
		if err != nil {
			return err
		}
		if err := store.CloseReservation(res, models.ReservationReleased, now); err != nil {
			return err
		}

		user, err := loadUser(ctx, tx, queryGetUserById, res.UserId)
		if err != nil {
			return err
		}
		if err := store.ApplyRelease(user, res.Asset, res.Amount); err != nil {
			return err
		}
		if err := writeUser(ctx, tx, user, now); err != nil {
			return err
		}
		if err := updateReservation(ctx, tx, res); err != nil {
			return err
		}

		if res.TransactionId != "" && params.TransactionStatus != "" {
			txn, err := getTransaction(ctx, tx, res.TransactionId)
			if err != nil {
				return err
			}
			if !txn.Status.Terminal() {
				if err := store.ApplyStatus(txn, params.TransactionStatus, params.Note, now); err != nil {
					return err
				}
				if err := updateTransaction(ctx, tx, txn); err != nil {
					return err
				}
			}
		}

		released = res
		return recordJournal(ctx, tx, res.Id, store.MovementRelease, res.UserId, res.Asset, res.Amount, now)
	})
	if err != nil {
		return err
	}

	zap.L().Info("Reservation released",
		zap.String("reservation_id", released.Id),
		zap.String("user_id", released.UserId),
		zap.String("asset", released.Asset),
		zap.String("amount", released.Amount.String()),
		zap.String("transaction_id", released.TransactionId))
	return nil
}

func (s *Service) GetReservation(ctx context.Context, reservationId string) (*models.Reservation, error) {
	return getReservation(ctx, s.db, reservationId)
}

// ListRecoverableReservations returns HELD reservations older than grace and
// BOUND reservations whose settlement deadline has passed.
func (s *Service) ListRecoverableReservations(ctx context.Context, now time.Time, grace time.Duration) ([]models.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, queryListRecoverableReservations, now.Add(-grace).UTC(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list recoverable reservations: %w", err)
	}
	defer closeRows(rows)

	var reservations []models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		reservations = append(reservations, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reservation rows: %w", err)
	}
	return reservations, nil
}
