package notify

import (
	"context"
	"errors"

	"key-trade-ledger-go/internal/models"

	"go.uber.org/zap"
)

// Sink receives the structured summary of a completed order
type Sink interface {
	Notify(ctx context.Context, result *models.OrderResult) error
}

// LogSink writes order summaries to the global logger
type LogSink struct{}

func (LogSink) Notify(ctx context.Context, result *models.OrderResult) error {
	zap.L().Info("Order completed",
		zap.String("transaction_id", result.TransactionId),
		zap.String("user_id", result.UserId),
		zap.String("type", string(result.Type)),
		zap.String("asset", result.Cryptocurrency),
		zap.Int64("keys", result.KeysAmount),
		zap.String("net_amount", result.NetAmount.String()),
		zap.String("fee", result.Fee.String()),
		zap.String("status", string(result.Status)),
		zap.String("risk_level", string(result.RiskLevel)))
	return nil
}

// Fanout delivers to every sink and joins the failures
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, result *models.OrderResult) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Notify(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
