package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DepositRequest credits funds that arrived outside the ledger. ExternalRef
// identifies the inbound transfer; a reference seen before is rejected.
type DepositRequest struct {
	UserId         string
	Cryptocurrency string
	Amount         decimal.Decimal
	ExternalRef    string
}

func (p *Processor) Deposit(ctx context.Context, req DepositRequest) (*models.Transaction, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Cryptocurrency))
	if !p.supported[symbol] {
		return nil, &InputError{Field: "cryptocurrency", Message: fmt.Sprintf("%q is not supported", symbol)}
	}
	if !req.Amount.IsPositive() {
		return nil, &InputError{Field: "amount", Message: "must be positive"}
	}

	// USD value is informational; a missing price does not block a deposit
	usdValue := decimal.Zero
	if price, err := p.price(ctx, symbol); err == nil {
		usdValue = price.Mul(req.Amount)
	} else {
		zap.L().Warn("Deposit recorded without usd value", zap.String("asset", symbol), zap.Error(err))
	}

	var txn *models.Transaction
	err := p.retry(ctx, "deposit", func() error {
		user, err := p.loadUser(ctx, req.UserId)
		if err != nil {
			return err
		}
		now := p.cfg.Now().UTC()
		txn = &models.Transaction{
			UserId:         user.Id,
			Type:           models.TransactionDeposit,
			Cryptocurrency: symbol,
			CryptoAmount:   req.Amount,
			UsdValue:       usdValue,
			Rate:           decimal.Zero,
			Fee:            decimal.Zero,
			Status:         models.StatusCompleted,
			RiskLevel:      models.RiskLow,
			ExternalRef:    req.ExternalRef,
			CreatedAt:      now,
			CompletedAt:    &now,
		}
		if err := store.ApplyDeposit(user, symbol, req.Amount); err != nil {
			return err
		}
		return p.deps.Store.CommitUser(ctx, user, txn)
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			return nil, fmt.Errorf("%w: external reference %s", ErrDuplicateTransactionId, req.ExternalRef)
		}
		return nil, err
	}

	zap.L().Info("Deposit credited",
		zap.String("transaction_id", txn.Id),
		zap.String("user_id", txn.UserId),
		zap.String("asset", symbol),
		zap.String("amount", req.Amount.String()),
		zap.String("external_ref", req.ExternalRef))
	return txn, nil
}
