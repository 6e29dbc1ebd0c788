package trading

import (
	"context"
	"errors"
	"fmt"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"go.uber.org/zap"
)

func (p *Processor) loadOpenTransaction(ctx context.Context, transactionId string) (*models.Transaction, error) {
	txn, err := p.deps.Store.GetTransaction(ctx, transactionId)
	if err != nil {
		return nil, err
	}
	if txn.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", store.ErrTerminalTransaction, txn.Id, txn.Status)
	}
	return txn, nil
}

// openReservation returns the transaction's reservation when it still holds funds
func (p *Processor) openReservation(ctx context.Context, txn *models.Transaction) (*models.Reservation, error) {
	if txn.Type != models.TransactionBuy || txn.ReservationId == "" {
		return nil, nil
	}
	res, err := p.deps.Store.GetReservation(ctx, txn.ReservationId)
	if err != nil {
		return nil, err
	}
	if !res.Status.Open() {
		return nil, nil
	}
	return res, nil
}

// ConfirmSettlement completes a pending transaction. A deferred BUY is
// committed here: funds leave the wallet and the keys are credited.
func (p *Processor) ConfirmSettlement(ctx context.Context, transactionId string) (*models.SettlementResult, error) {
	txn, err := p.loadOpenTransaction(ctx, transactionId)
	if err != nil {
		return nil, err
	}
	res, err := p.openReservation(ctx, txn)
	if err != nil {
		return nil, err
	}

	var user *models.User
	if res != nil {
		user, err = p.deps.Store.CommitReservation(ctx, store.CommitReservationParams{
			ReservationId:     res.Id,
			TransactionStatus: models.StatusCompleted,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to commit reservation: %w", err)
		}
	} else {
		if err := p.deps.Store.UpdateTransactionStatus(ctx, txn.Id, models.StatusCompleted, ""); err != nil {
			return nil, err
		}
		if user, err = p.loadUser(ctx, txn.UserId); err != nil {
			return nil, err
		}
	}

	zap.L().Info("Settlement confirmed",
		zap.String("transaction_id", txn.Id),
		zap.String("user_id", txn.UserId),
		zap.String("type", string(txn.Type)))

	return &models.SettlementResult{
		TransactionId: txn.Id,
		Status:        models.StatusCompleted,
		Wallet:        balanceOf(user, txn.Cryptocurrency),
		KeyBalance:    user.KeyBalance,
	}, nil
}

// CancelSettlement cancels a pending transaction. A deferred BUY releases its
// reservation. A committed BUY or a SELL is refunded: keys and crypto move
// back, statistics are kept.
func (p *Processor) CancelSettlement(ctx context.Context, transactionId, reason string) (*models.SettlementResult, error) {
	if reason == "" {
		reason = "cancelled"
	}
	txn, err := p.loadOpenTransaction(ctx, transactionId)
	if err != nil {
		return nil, err
	}
	res, err := p.openReservation(ctx, txn)
	if err != nil {
		return nil, err
	}

	var user *models.User
	if res != nil {
		err = p.deps.Store.ReleaseReservation(ctx, store.ReleaseReservationParams{
			ReservationId:     res.Id,
			TransactionStatus: models.StatusCancelled,
			Note:              reason,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to release reservation: %w", err)
		}
		if user, err = p.loadUser(ctx, txn.UserId); err != nil {
			return nil, err
		}
	} else {
		err = p.retry(ctx, "cancel", func() error {
			current, err := p.loadUser(ctx, txn.UserId)
			if err != nil {
				return err
			}
			if err := store.ApplyRefund(current, txn); err != nil {
				return p.refundError(txn, current, err)
			}
			if err := p.deps.Store.SettleTransaction(ctx, store.SettleTransactionParams{
				User:          current,
				TransactionId: txn.Id,
				Status:        models.StatusCancelled,
				Note:          reason,
			}); err != nil {
				return err
			}
			user = current
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	zap.L().Info("Settlement cancelled",
		zap.String("transaction_id", txn.Id),
		zap.String("user_id", txn.UserId),
		zap.String("type", string(txn.Type)),
		zap.String("reason", reason))

	return &models.SettlementResult{
		TransactionId: txn.Id,
		Status:        models.StatusCancelled,
		Wallet:        balanceOf(user, txn.Cryptocurrency),
		KeyBalance:    user.KeyBalance,
	}, nil
}

func (p *Processor) refundError(txn *models.Transaction, user *models.User, err error) error {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return &InsufficientFundsError{
			Asset:     txn.Cryptocurrency,
			Required:  txn.CryptoAmount,
			Available: user.Available(txn.Cryptocurrency),
		}
	case errors.Is(err, store.ErrInsufficientKeys):
		return &InsufficientKeysError{Required: txn.KeysAmount, Available: user.KeyBalance}
	default:
		return &InputError{Field: "transaction", Message: err.Error()}
	}
}
