package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), models.PostgresConfig{})
	assert.Error(t, err)

	_, err = New(context.Background(), models.PostgresConfig{URL: "postgres://localhost/db"})
	assert.Error(t, err, "zero ping timeout should be rejected")
}

func TestUtc(t *testing.T) {
	assert.Nil(t, utc(nil))

	local := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	got := utc(&local)
	require.NotNil(t, got)
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(local))
}

// openTestStore connects to POSTGRES_TEST_URL or skips the test.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	s, err := New(context.Background(), models.PostgresConfig{URL: url, MaxConns: 8, PingTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStore_ReserveCommitRelease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	user := &models.User{Id: uuid.New().String(), Username: "pg-" + uuid.New().String()[:8]}
	user.Wallet("BTC").Balance = decimal.NewFromInt(1)
	require.NoError(t, s.CreateUser(ctx, user))

	amount := decimal.RequireFromString("0.4")
	res, err := s.Reserve(ctx, store.ReserveParams{UserId: user.Id, Asset: "BTC", Amount: amount, ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	txn := &models.Transaction{
		UserId:         user.Id,
		Type:           models.TransactionBuy,
		Cryptocurrency: "BTC",
		CryptoAmount:   amount,
		KeysAmount:     2,
		ReservationId:  res.Id,
	}
	require.NoError(t, s.CreateTransaction(ctx, txn))

	committed, err := s.CommitReservation(ctx, store.CommitReservationParams{ReservationId: res.Id, TransactionStatus: models.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(2), committed.KeyBalance)
	assert.True(t, committed.Wallets["BTC"].Balance.Equal(decimal.RequireFromString("0.6")))

	_, err = s.CommitReservation(ctx, store.CommitReservationParams{ReservationId: res.Id})
	assert.ErrorIs(t, err, store.ErrReservationClosed)

	dup := *txn
	dup.ReservationId = ""
	assert.ErrorIs(t, s.CreateTransaction(ctx, &dup), store.ErrDuplicateTransaction)

	rec, err := s.ReconcileBalance(ctx, user.Id, "BTC")
	require.NoError(t, err)
	assert.NoError(t, rec.Err())
	assert.True(t, rec.JournalAvailable.Equal(decimal.RequireFromString("0.6")), rec.JournalAvailable.String())
	assert.True(t, rec.JournalLocked.IsZero())
}

func TestStore_ConcurrentReserves(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	user := &models.User{Id: uuid.New().String()}
	user.Wallet("ETH").Balance = decimal.NewFromInt(1)
	require.NoError(t, s.CreateUser(ctx, user))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Reserve(ctx, store.ReserveParams{UserId: user.Id, Asset: "ETH", Amount: decimal.RequireFromString("0.25"), ExpiresAt: time.Now().Add(time.Hour)})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, store.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, succeeded)
	stored, err := s.GetUser(ctx, user.Id)
	require.NoError(t, err)
	assert.True(t, stored.Available("ETH").IsZero())
}
