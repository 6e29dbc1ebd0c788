package activity

import (
	"context"
	"time"
)

// Counter reports recent per-user activity and is told about new orders
type Counter interface {
	FailedTransactions(ctx context.Context, userId string) (int, error)
	RecentTransactions(ctx context.Context, userId string, window time.Duration) (int, error)
	Touch(ctx context.Context, userId string) error
}

// TransactionCounter is the store query surface the counters read from
type TransactionCounter interface {
	CountOrdersSince(ctx context.Context, userId string, since time.Time) (int, error)
	CountFailedTransactions(ctx context.Context, userId string) (int, error)
}

// StoreCounter answers from the ledger's transaction table
type StoreCounter struct {
	store TransactionCounter
	now   func() time.Time
}

func NewStoreCounter(store TransactionCounter) *StoreCounter {
	return &StoreCounter{store: store, now: time.Now}
}

func (c *StoreCounter) FailedTransactions(ctx context.Context, userId string) (int, error) {
	return c.store.CountFailedTransactions(ctx, userId)
}

func (c *StoreCounter) RecentTransactions(ctx context.Context, userId string, window time.Duration) (int, error) {
	return c.store.CountOrdersSince(ctx, userId, c.now().Add(-window))
}

// Touch is a no-op; the transaction row is the record.
func (c *StoreCounter) Touch(ctx context.Context, userId string) error {
	return nil
}
