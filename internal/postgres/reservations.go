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
	"go.uber.org/zap"
)

func scanReservation(row pgx.Row) (*models.Reservation, error) {
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

func getReservation(ctx context.Context, q querier, query, reservationId string) (*models.Reservation, error) {
	res, err := scanReservation(q.QueryRow(ctx, query, reservationId))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrReservationNotFound, reservationId)
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return res, nil
}

func updateReservation(ctx context.Context, q querier, res *models.Reservation) error {
	if _, err := q.Exec(ctx, queryUpdateReservation, string(res.Status), res.TransactionId, res.UpdatedAt.UTC(), res.Id); err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return nil
}

// Reserve locks the user row, checks availability and records the reservation.
func (s *Store) Reserve(ctx context.Context, params store.ReserveParams) (*models.Reservation, error) {
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

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		user, err := loadUser(ctx, tx, queryGetUserByIdForUpdate, params.UserId)
		if err != nil {
			return err
		}
		if err := store.ApplyReserve(user, params.Asset, params.Amount); err != nil {
			return err
		}
		if err := writeUser(ctx, tx, user, now); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, queryInsertReservation,
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

func (s *Store) CommitReservation(ctx context.Context, params store.CommitReservationParams) (*models.User, error) {
	now := time.Now().UTC()
	var committed *models.User

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		res, err := getReservation(ctx, tx, queryGetReservationForUpdate, params.ReservationId)
		if err != nil {
			return err
		}
		if err := store.CloseReservation(res, models.ReservationCommitted, now); err != nil {
			return err
		}

		var txn *models.Transaction
		if res.TransactionId != "" {
			if txn, err = getTransaction(ctx, tx, queryGetTransactionForUpdate, res.TransactionId); err != nil {
				return err
			}
			if txn.Status.Terminal() {
				return fmt.Errorf("%w: %s is %s", store.ErrTerminalTransaction, txn.Id, txn.Status)
			}
		}

		user, err := loadUser(ctx, tx, queryGetUserByIdForUpdate, res.UserId)
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
		zap.String("user_id", committed.Id))
	return committed, nil
}

func (s *Store) ReleaseReservation(ctx context.Context, params store.ReleaseReservationParams) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx pgx.Tx) error {
		res, err := getReservation(ctx, tx, queryGetReservationForUpdate, params.ReservationId)
		if err != nil {
			return err
		}
		if err := store.CloseReservation(res, models.ReservationReleased, now); err != nil {
			return err
		}

		user, err := loadUser(ctx, tx, queryGetUserByIdForUpdate, res.UserId)
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
			txn, err := getTransaction(ctx, tx, queryGetTransactionForUpdate, res.TransactionId)
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
		return recordJournal(ctx, tx, res.Id, store.MovementRelease, res.UserId, res.Asset, res.Amount, now)
	})
}

func (s *Store) GetReservation(ctx context.Context, reservationId string) (*models.Reservation, error) {
	return getReservation(ctx, s.pool, queryGetReservation, reservationId)
}

func (s *Store) ListRecoverableReservations(ctx context.Context, now time.Time, grace time.Duration) ([]models.Reservation, error) {
	rows, err := s.pool.Query(ctx, queryListRecoverableReservations, now.Add(-grace).UTC(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list recoverable reservations: %w", err)
	}
	defer rows.Close()

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
