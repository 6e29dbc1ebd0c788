package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/pricing"
	"key-trade-ledger-go/internal/risk"
	"key-trade-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderRequest is a BUY or SELL as supplied by the dispatcher. TransactionId
// is optional; a random id is assigned when empty.
type OrderRequest struct {
	UserId         string
	Keys           int64
	Cryptocurrency string
	TransactionId  string
}

func (p *Processor) quote(side models.TransactionType, price decimal.Decimal, keys int64, symbol string) *models.Quote {
	pricePerKey := price.Div(p.cfg.KeyPriceDivisor)
	gross := pricePerKey.Mul(decimal.NewFromInt(keys))
	fee := decimal.Zero
	if side == models.TransactionSell {
		fee = gross.Mul(p.cfg.SellFeeRate)
	}
	return &models.Quote{
		Side:           side,
		Cryptocurrency: symbol,
		KeysAmount:     keys,
		UnitPrice:      price,
		PricePerKey:    pricePerKey,
		GrossAmount:    gross,
		Fee:            fee,
		NetAmount:      gross.Sub(fee),
		UsdValue:       price.Mul(gross),
	}
}

// QuoteBuy estimates the cost of buying keys without touching any balance
func (p *Processor) QuoteBuy(ctx context.Context, keys int64, symbol string) (*models.Quote, error) {
	return p.quoteSide(ctx, models.TransactionBuy, keys, symbol)
}

// QuoteSell estimates the net proceeds of selling keys after the fee
func (p *Processor) QuoteSell(ctx context.Context, keys int64, symbol string) (*models.Quote, error) {
	return p.quoteSide(ctx, models.TransactionSell, keys, symbol)
}

func (p *Processor) quoteSide(ctx context.Context, side models.TransactionType, keys int64, symbol string) (*models.Quote, error) {
	symbol, err := p.validateOrder(keys, symbol)
	if err != nil {
		return nil, err
	}
	price, err := p.price(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return p.quote(side, price, keys, symbol), nil
}

// Prices returns the USD price of each symbol, or of every supported asset
// when none are given.
func (p *Processor) Prices(ctx context.Context, symbols ...string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		symbols = p.SupportedAssets()
	}
	resolved := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if !p.supported[symbol] {
			return nil, &InputError{Field: "cryptocurrency", Message: fmt.Sprintf("%q is not supported", symbol)}
		}
		resolved = append(resolved, symbol)
	}

	prices, err := pricing.GetPrices(ctx, p.deps.Oracle, resolved)
	if err != nil {
		if errors.Is(err, ErrPriceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	return prices, nil
}

// Buy reserves the cost of the keys, records a PENDING transaction bound to
// the reservation and, in immediate settlement mode, commits it. In deferred
// mode the funds stay locked until ConfirmSettlement or CancelSettlement.
func (p *Processor) Buy(ctx context.Context, req OrderRequest) (*models.OrderResult, error) {
	symbol, err := p.validateOrder(req.Keys, req.Cryptocurrency)
	if err != nil {
		return nil, err
	}

	var result *models.OrderResult
	err = p.retry(ctx, "buy", func() error {
		var err error
		result, err = p.buyOnce(ctx, req, symbol)
		return err
	})
	if err != nil {
		zap.L().Warn("Buy order rejected",
			zap.String("user_id", req.UserId),
			zap.String("asset", symbol),
			zap.Int64("keys", req.Keys),
			zap.String("reason", Reason(err)),
			zap.Error(err))
		return nil, err
	}

	p.finish(ctx, result)
	return result, nil
}

func (p *Processor) buyOnce(ctx context.Context, req OrderRequest, symbol string) (*models.OrderResult, error) {
	user, err := p.loadUser(ctx, req.UserId)
	if err != nil {
		return nil, err
	}
	assessment, err := p.securityCheck(ctx, user)
	if err != nil {
		return nil, err
	}
	price, err := p.price(ctx, symbol)
	if err != nil {
		return nil, err
	}

	q := p.quote(models.TransactionBuy, price, req.Keys, symbol)
	if available := user.Available(symbol); available.LessThan(q.GrossAmount) {
		return nil, &InsufficientFundsError{Asset: symbol, Required: q.GrossAmount, Available: available}
	}
	assessment = p.deps.Risk.WithValue(user, assessment, q.UsdValue)

	now := p.cfg.Now()
	res, err := p.deps.Store.Reserve(ctx, store.ReserveParams{
		UserId:    user.Id,
		Asset:     symbol,
		Amount:    q.GrossAmount,
		ExpiresAt: now.Add(p.cfg.SettlementTimeout),
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, p.insufficientFunds(ctx, user.Id, symbol, q.GrossAmount)
		}
		return nil, fmt.Errorf("failed to reserve funds: %w", err)
	}

	txn := p.newTransaction(req, user.Id, q, assessment)
	txn.ReservationId = res.Id
	if err := p.deps.Store.CreateTransaction(ctx, txn); err != nil {
		p.release(ctx, res.Id, "transaction not recorded")
		if errors.Is(err, store.ErrDuplicateTransaction) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTransactionId, txn.Id)
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	var settled *models.User
	if p.cfg.SettlementMode == models.SettlementImmediate {
		settled, err = p.deps.Store.CommitReservation(ctx, store.CommitReservationParams{ReservationId: res.Id})
		if err != nil {
			p.release(ctx, res.Id, "commit failed")
			return nil, fmt.Errorf("failed to commit reservation: %w", err)
		}
	} else {
		settled, err = p.deps.Store.GetUser(ctx, user.Id)
		if err != nil {
			// the order is recorded; report the view we reserved against
			zap.L().Warn("Failed to reload user after reservation", zap.String("user_id", user.Id), zap.Error(err))
			settled = user.Clone()
			if err := store.ApplyReserve(settled, symbol, q.GrossAmount); err != nil {
				return nil, fmt.Errorf("failed to reflect reservation: %w", err)
			}
		}
	}

	zap.L().Info("Buy order placed",
		zap.String("transaction_id", txn.Id),
		zap.String("reservation_id", res.Id),
		zap.String("user_id", user.Id),
		zap.String("asset", symbol),
		zap.String("amount", q.GrossAmount.String()),
		zap.Int64("keys", req.Keys),
		zap.String("settlement", p.cfg.SettlementMode))

	result := p.orderResult(txn, q, assessment, settled)
	result.ReservationId = res.Id
	return result, nil
}

// Sell debits keys and credits the net proceeds in one atomic write. The
// transaction stays PENDING until the keys are received.
func (p *Processor) Sell(ctx context.Context, req OrderRequest) (*models.OrderResult, error) {
	symbol, err := p.validateOrder(req.Keys, req.Cryptocurrency)
	if err != nil {
		return nil, err
	}

	var result *models.OrderResult
	err = p.retry(ctx, "sell", func() error {
		var err error
		result, err = p.sellOnce(ctx, req, symbol)
		return err
	})
	if err != nil {
		zap.L().Warn("Sell order rejected",
			zap.String("user_id", req.UserId),
			zap.String("asset", symbol),
			zap.Int64("keys", req.Keys),
			zap.String("reason", Reason(err)),
			zap.Error(err))
		return nil, err
	}

	p.finish(ctx, result)
	return result, nil
}

func (p *Processor) sellOnce(ctx context.Context, req OrderRequest, symbol string) (*models.OrderResult, error) {
	user, err := p.loadUser(ctx, req.UserId)
	if err != nil {
		return nil, err
	}
	if user.KeyBalance < req.Keys {
		return nil, &InsufficientKeysError{Required: req.Keys, Available: user.KeyBalance}
	}
	assessment, err := p.securityCheck(ctx, user)
	if err != nil {
		return nil, err
	}
	price, err := p.price(ctx, symbol)
	if err != nil {
		return nil, err
	}

	q := p.quote(models.TransactionSell, price, req.Keys, symbol)
	assessment = p.deps.Risk.WithValue(user, assessment, q.UsdValue)

	txn := p.newTransaction(req, user.Id, q, assessment)
	if err := store.ApplySell(user, txn); err != nil {
		if errors.Is(err, store.ErrInsufficientKeys) {
			return nil, &InsufficientKeysError{Required: req.Keys, Available: user.KeyBalance}
		}
		return nil, err
	}
	if err := p.deps.Store.CommitUser(ctx, user, txn); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTransactionId, txn.Id)
		}
		return nil, err
	}

	zap.L().Info("Sell order placed",
		zap.String("transaction_id", txn.Id),
		zap.String("user_id", user.Id),
		zap.String("asset", symbol),
		zap.String("net_amount", q.NetAmount.String()),
		zap.String("fee", q.Fee.String()),
		zap.Int64("keys", req.Keys))

	return p.orderResult(txn, q, assessment, user), nil
}

func (p *Processor) newTransaction(req OrderRequest, userId string, q *models.Quote, assessment risk.Assessment) *models.Transaction {
	level := assessment.Level()
	if assessment.Has(models.FlagUnusuallyLargeTx) {
		zap.L().Info("Order exceeds trading history",
			zap.String("user_id", userId),
			zap.String("usd_value", q.UsdValue.String()),
			zap.Int("risk_score", assessment.Score))
	}
	return &models.Transaction{
		Id:             req.TransactionId,
		UserId:         userId,
		Type:           q.Side,
		Cryptocurrency: q.Cryptocurrency,
		CryptoAmount:   q.NetAmount,
		KeysAmount:     q.KeysAmount,
		UsdValue:       q.UsdValue,
		Rate:           q.PricePerKey,
		Fee:            q.Fee,
		Status:         models.StatusPending,
		RiskLevel:      level,
		Flagged:        level == models.RiskHigh,
		CreatedAt:      p.cfg.Now().UTC(),
	}
}

func (p *Processor) orderResult(txn *models.Transaction, q *models.Quote, assessment risk.Assessment, user *models.User) *models.OrderResult {
	return &models.OrderResult{
		TransactionId:  txn.Id,
		UserId:         txn.UserId,
		Type:           txn.Type,
		Cryptocurrency: txn.Cryptocurrency,
		KeysAmount:     txn.KeysAmount,
		UnitPrice:      q.UnitPrice,
		PricePerKey:    q.PricePerKey,
		GrossAmount:    q.GrossAmount,
		Fee:            q.Fee,
		NetAmount:      q.NetAmount,
		UsdValue:       q.UsdValue,
		Status:         txn.Status,
		RiskScore:      assessment.Score,
		RiskLevel:      txn.RiskLevel,
		Flagged:        txn.Flagged,
		Wallet:         balanceOf(user, txn.Cryptocurrency),
		KeyBalance:     user.KeyBalance,
		CreatedAt:      txn.CreatedAt,
	}
}

func (p *Processor) insufficientFunds(ctx context.Context, userId, asset string, required decimal.Decimal) error {
	available := decimal.Zero
	if user, err := p.deps.Store.GetUser(ctx, userId); err == nil {
		available = user.Available(asset)
	}
	return &InsufficientFundsError{Asset: asset, Required: required, Available: available}
}

// release returns a failed order's funds. A failure here leaves the
// reservation to the recovery sweep.
func (p *Processor) release(ctx context.Context, reservationId, note string) {
	ctx = context.WithoutCancel(ctx)
	err := p.deps.Store.ReleaseReservation(ctx, store.ReleaseReservationParams{
		ReservationId:     reservationId,
		TransactionStatus: models.StatusFailed,
		Note:              note,
	})
	if err != nil {
		zap.L().Error("Failed to release reservation",
			zap.String("reservation_id", reservationId),
			zap.Error(err))
	}
}
