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

package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"go.uber.org/zap"
)

const (
	noteSettlementTimeout = "settlement timeout"
	noteAbandoned         = "reservation abandoned"
)

// ReservationStore is the ledger surface the sweeper needs
type ReservationStore interface {
	ListRecoverableReservations(ctx context.Context, now time.Time, grace time.Duration) ([]models.Reservation, error)
	ReleaseReservation(ctx context.Context, params store.ReleaseReservationParams) error
}

// Sweeper releases reservations that were never bound to a transaction
// within the grace period, and bound reservations whose settlement deadline
// has passed. The bound transaction is marked FAILED.
type Sweeper struct {
	store    ReservationStore
	interval time.Duration
	grace    time.Duration
	now      func() time.Time

	stopChan chan struct{}
	doneChan chan struct{}
}

func New(s ReservationStore, interval, grace time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    s,
		interval: interval,
		grace:    grace,
		now:      time.Now,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Result summarises one sweep
type Result struct {
	Released int
	Skipped  int
	Failed   int
}

// Start runs one sweep as startup recovery, then sweeps every interval until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	zap.L().Info("Starting reservation sweeper")

	if _, err := s.RunOnce(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	go s.loop(ctx)

	zap.L().Info("Reservation sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("grace", s.grace))
	return nil
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	zap.L().Info("Stopping reservation sweeper")
	close(s.stopChan)
	<-s.doneChan
	zap.L().Info("Reservation sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				zap.L().Error("Reservation sweep failed", zap.Error(err))
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce releases every recoverable reservation. A reservation closed
// concurrently by a settlement is skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var result Result

	reservations, err := s.store.ListRecoverableReservations(ctx, s.now(), s.grace)
	if err != nil {
		return result, fmt.Errorf("failed to list recoverable reservations: %w", err)
	}

	for _, res := range reservations {
		note := noteAbandoned
		if res.TransactionId != "" {
			note = noteSettlementTimeout
		}

		err := s.store.ReleaseReservation(ctx, store.ReleaseReservationParams{
			ReservationId:     res.Id,
			TransactionStatus: models.StatusFailed,
			Note:              note,
		})
		switch {
		case err == nil:
			result.Released++
			zap.L().Info("Recovered reservation",
				zap.String("reservation_id", res.Id),
				zap.String("user_id", res.UserId),
				zap.String("asset", res.Asset),
				zap.String("amount", res.Amount.String()),
				zap.String("transaction_id", res.TransactionId),
				zap.String("reason", note))
		case errors.Is(err, store.ErrReservationClosed):
			result.Skipped++
			zap.L().Debug("Reservation closed before sweep", zap.String("reservation_id", res.Id))
		default:
			result.Failed++
			zap.L().Error("Failed to recover reservation",
				zap.String("reservation_id", res.Id),
				zap.Error(err))
		}
	}

	if len(reservations) > 0 {
		zap.L().Info("Reservation sweep complete",
			zap.Int("released", result.Released),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}
