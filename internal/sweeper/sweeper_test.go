package sweeper

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"key-trade-ledger-go/internal/database"
	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *database.Service {
	t.Helper()
	service, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "ledger.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 1,
		PingTimeout:  5 * time.Second,
		BusyTimeout:  5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(service.Close)
	return service
}

func TestRunOnce(t *testing.T) {
	service := setupStore(t)
	ctx := context.Background()

	user := &models.User{Id: uuid.New().String()}
	user.Wallet("ETH").Balance = decimal.NewFromInt(10)
	require.NoError(t, service.CreateUser(ctx, user))

	now := time.Now()
	unbound, err := service.Reserve(ctx, store.ReserveParams{UserId: user.Id, Asset: "ETH", Amount: decimal.NewFromInt(1), ExpiresAt: now.Add(24 * time.Hour)})
	require.NoError(t, err)

	expired, err := service.Reserve(ctx, store.ReserveParams{UserId: user.Id, Asset: "ETH", Amount: decimal.NewFromInt(2), ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	expiredTxn := &models.Transaction{
		UserId:         user.Id,
		Type:           models.TransactionBuy,
		Cryptocurrency: "ETH",
		CryptoAmount:   decimal.NewFromInt(2),
		KeysAmount:     2,
		ReservationId:  expired.Id,
	}
	require.NoError(t, service.CreateTransaction(ctx, expiredTxn))

	live, err := service.Reserve(ctx, store.ReserveParams{UserId: user.Id, Asset: "ETH", Amount: decimal.NewFromInt(3), ExpiresAt: now.Add(48 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, service.CreateTransaction(ctx, &models.Transaction{
		UserId:         user.Id,
		Type:           models.TransactionBuy,
		Cryptocurrency: "ETH",
		CryptoAmount:   decimal.NewFromInt(3),
		KeysAmount:     3,
		ReservationId:  live.Id,
	}))

	sweeper := New(service, time.Minute, time.Minute)

	// nothing is old enough yet
	result, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Released)

	sweeper.now = func() time.Time { return now.Add(2 * time.Hour) }
	result, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Released)

	res, err := service.GetReservation(ctx, unbound.Id)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationReleased, res.Status)

	res, err = service.GetReservation(ctx, live.Id)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationBound, res.Status)

	txn, err := service.GetTransaction(ctx, expiredTxn.Id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, txn.Status)
	assert.Contains(t, txn.Notes, noteSettlementTimeout)

	stored, err := service.GetUser(ctx, user.Id)
	require.NoError(t, err)
	assert.Equal(t, "10", stored.Wallets["ETH"].Balance.String())
	assert.Equal(t, "3", stored.Wallets["ETH"].Locked.String())

	// a second pass finds nothing
	result, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}

type racingStore struct {
	reservations []models.Reservation
	releaseErr   error
	listErr      error
}

func (r *racingStore) ListRecoverableReservations(ctx context.Context, now time.Time, grace time.Duration) ([]models.Reservation, error) {
	return r.reservations, r.listErr
}

func (r *racingStore) ReleaseReservation(ctx context.Context, params store.ReleaseReservationParams) error {
	return r.releaseErr
}

func TestRunOnce_ClosedConcurrently(t *testing.T) {
	s := &racingStore{
		reservations: []models.Reservation{{Id: "r1", Amount: decimal.NewFromInt(1)}},
		releaseErr:   store.ErrReservationClosed,
	}
	result, err := New(s, time.Minute, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	s.releaseErr = errors.New("disk full")
	result, err = New(s, time.Minute, time.Minute).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
}

func TestStartStop(t *testing.T) {
	s := &racingStore{}
	sweeper := New(s, 10*time.Millisecond, time.Minute)
	require.NoError(t, sweeper.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()

	s.listErr = errors.New("database closed")
	assert.Error(t, New(s, time.Minute, time.Minute).Start(context.Background()))
}
