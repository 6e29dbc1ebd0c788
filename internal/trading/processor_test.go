package trading

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"key-trade-ledger-go/internal/account"
	"key-trade-ledger-go/internal/activity"
	"key-trade-ledger-go/internal/database"
	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/pricing"
	"key-trade-ledger-go/internal/risk"
	"key-trade-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	results []models.OrderResult
	err     error
}

func (r *recordingSink) Notify(ctx context.Context, result *models.OrderResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, *result)
	return r.err
}

// conflictStore reports every CommitUser as a lost optimistic write
type conflictStore struct {
	store.LedgerStore
	commits  atomic.Int32
	onCommit func()
}

func (c *conflictStore) CommitUser(ctx context.Context, user *models.User, txn *models.Transaction) error {
	c.commits.Add(1)
	if c.onCommit != nil {
		c.onCommit()
	}
	return store.ErrConcurrentModification
}

type countingOracle struct {
	pricing.Oracle
	calls atomic.Int32
}

func (c *countingOracle) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.calls.Add(1)
	return c.Oracle.GetPrice(ctx, symbol)
}

type testEnv struct {
	processor *Processor
	store     *database.Service
	sink      *recordingSink
}

func newTestEnv(t *testing.T, mode string) *testEnv {
	t.Helper()

	service, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "ledger.db"),
		MaxOpenConns: 8,
		MaxIdleConns: 2,
		PingTimeout:  5 * time.Second,
		BusyTimeout:  10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(service.Close)

	counter := activity.NewStoreCounter(service)
	engine := risk.NewEngine(service, counter, risk.Config{
		MaxScore:       80,
		LockScore:      85,
		LockDuration:   24 * time.Hour,
		ActivityWindow: time.Hour,
		MinAccountAge:  12 * time.Hour,
	})
	gate := account.NewGate(service, account.Config{MaxLoginAttempts: 5, LockDuration: 30 * time.Minute})
	sink := &recordingSink{}

	processor, err := NewProcessor(Dependencies{
		Store:    service,
		Oracle:   pricing.StaticOracle{"ETH": decimal.NewFromInt(100), "BTC": decimal.NewFromInt(3)},
		Risk:     engine,
		Gate:     gate,
		Activity: counter,
		Sink:     sink,
	}, Config{
		SupportedAssets: []string{"BTC", "ETH", "USDC"},
		KeyPriceDivisor: decimal.NewFromInt(10),
		SellFeeRate:     decimal.RequireFromString("0.01"),
		SettlementMode:  mode,
		MaxRetries:      3,
	})
	require.NoError(t, err)

	return &testEnv{processor: processor, store: service, sink: sink}
}

// seedTrader creates a verified, established user that passes the security check
func (e *testEnv) seedTrader(t *testing.T, asset, balance string, keys int64) *models.User {
	t.Helper()
	user := &models.User{
		Id:            uuid.New().String(),
		Username:      "trader-" + uuid.New().String()[:8],
		EmailVerified: true,
		TradeLink:     "https://steamcommunity.com/tradeoffer/new/?partner=1&token=abc",
		KeyBalance:    keys,
		CreatedAt:     time.Now().Add(-30 * 24 * time.Hour),
		Stats: models.UserStats{
			TotalBuys:   1,
			TotalVolume: decimal.NewFromInt(1000000),
		},
	}
	if balance != "" {
		user.Wallet(asset).Balance = decimal.RequireFromString(balance)
	}
	require.NoError(t, e.store.CreateUser(context.Background(), user))
	return user
}

func (e *testEnv) wallet(t *testing.T, userId, asset string) (balance, locked string, keys int64) {
	t.Helper()
	user, err := e.store.GetUser(context.Background(), userId)
	require.NoError(t, err)
	w, ok := user.Wallets[asset]
	if !ok {
		return "", "", user.KeyBalance
	}
	return w.Balance.String(), w.Locked.String(), user.KeyBalance
}

func (e *testEnv) transactions(t *testing.T, userId string) []models.Transaction {
	t.Helper()
	txs, err := e.store.ListTransactions(context.Background(), userId, 100, 0)
	require.NoError(t, err)
	return txs
}

func TestNewProcessor_Validation(t *testing.T) {
	_, err := NewProcessor(Dependencies{}, Config{})
	assert.Error(t, err)

	env := newTestEnv(t, models.SettlementDeferred)
	deps := env.processor.deps
	_, err = NewProcessor(deps, Config{SupportedAssets: []string{"ETH"}, SettlementMode: "eventually"})
	assert.Error(t, err)
	_, err = NewProcessor(deps, Config{SupportedAssets: []string{"ETH"}, SellFeeRate: decimal.NewFromInt(1)})
	assert.Error(t, err)
	_, err = NewProcessor(deps, Config{})
	assert.Error(t, err)
}

func TestBuy_Immediate(t *testing.T) {
	env := newTestEnv(t, models.SettlementImmediate)
	user := env.seedTrader(t, "ETH", "100", 0)
	ctx := context.Background()

	result, err := env.processor.Buy(ctx, OrderRequest{UserId: user.Id, Keys: 3, Cryptocurrency: "eth"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, result.Status)
	assert.Equal(t, "10", result.PricePerKey.String())
	assert.Equal(t, "30", result.GrossAmount.String())
	assert.Equal(t, "3000", result.UsdValue.String())
	assert.True(t, result.Fee.IsZero())
	assert.Equal(t, int64(3), result.KeyBalance)
	assert.Equal(t, "70", result.Wallet.Balance.String())
	assert.True(t, result.Wallet.Locked.IsZero())
	assert.True(t, result.Notified)
	require.Len(t, env.sink.results, 1)

	balance, locked, keys := env.wallet(t, user.Id, "ETH")
	assert.Equal(t, "70", balance)
	assert.Equal(t, "0", locked)
	assert.Equal(t, int64(3), keys)

	stored, err := env.store.GetUser(ctx, user.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Stats.TotalBuys)
	assert.Equal(t, int64(3), stored.Stats.TotalKeysPurchased)

	txn, err := env.store.GetTransaction(ctx, result.TransactionId)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, txn.Status)
	assert.Equal(t, "10", txn.Rate.String())

	res, err := env.store.GetReservation(ctx, result.ReservationId)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCommitted, res.Status)

	settled, err := env.processor.ConfirmSettlement(ctx, result.TransactionId)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, settled.Status)
	assert.Equal(t, "70", settled.Wallet.Balance.String())

	_, err = env.processor.ConfirmSettlement(ctx, result.TransactionId)
	assert.ErrorIs(t, err, store.ErrTerminalTransaction)
}

func TestBuy_DeferredConfirm(t *testing.T) {
	env := newTestEnv(t, models.SettlementDeferred)
	user := env.seedTrader(t, "ETH", "100", 0)
	ctx := context.Background()

	result, err := env.processor.Buy(ctx, OrderRequest{UserId: user.Id, Keys: 3, Cryptocurrency: "ETH"})
	require.NoError(t, err)
	assert.Equal(t, "30", result.Wallet.Locked.String())
	assert.Equal(t, "70", result.Wallet.Available.String())
	assert.Equal(t, int64(0), result.KeyBalance)

	balance, locked, keys := env.wallet(t, user.Id, "ETH")
	assert.Equal(t, "100", balance)
	assert.Equal(t, "30", locked)
	assert.Equal(t, int64(0), keys)

	settled, err := env.processor.ConfirmSettlement(ctx, result.TransactionId)
	require.NoError(t, err)
	assert.Equal(t, int64(3), settled.KeyBalance)

	balance, locked, keys = env.wallet(t, user.Id, "ETH")
	assert.Equal(t, "70", balance)
	assert.Equal(t, "0", locked)
	assert.Equal(t, int64(3), keys)

	txn, err := env.store.GetTransaction(ctx, result.TransactionId)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, txn.Status)
	assert.NotNil(t, txn.CompletedAt)
}

func TestBuy_DeferredCancel(t *testing.T) {
	env := newTestEnv(t, models.SettlementDeferred)
	user := env.seedTrader(t, "ETH", "100", 0)
	ctx := context.Background()

	result, err := env.processor.Buy(ctx, OrderRequest{UserId: user.Id, Keys: 3, Cryptocurrency: "ETH"})
	require.NoError(t, err)

	cancelled, err := env.processor.CancelSettlement(ctx, result.TransactionId, "trade offer declined")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	balance, locked, keys := env.wallet(t, user.Id, "ETH")
	assert.Equal(t, "100", balance)
	assert.Equal(t, "0", locked)
	assert.Equal(t, int64(0), keys)

	txn, err := env.store.GetTransaction(ctx, result.TransactionId)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, txn.Status)
	assert.Contains(t, txn.Notes, "trade offer declined")

	_, err = env.processor.CancelSettlement(ctx, result.TransactionId, "again")
	assert.ErrorIs(t, err, store.ErrTerminalTransaction)
}

func TestBuy_ImmediateCancelRefunds(t *testing.T) {
	env := newTestEnv(t, models.SettlementImmediate)
	user := env.seedTrader(t, "ETH", "100", 0)
	ctx := context.Background()

	result, err := env.processor.Buy(ctx, OrderRequest{UserId: user.Id, Keys: 3, Cryptocurrency: "ETH"})
	require.NoError(t, err)

	_, err = env.processor.CancelSettlement(ctx, result.TransactionId, "")
	require.NoError(t, err)

	balance, locked, keys := env.wallet(t, user.Id, "ETH")
	assert.Equal(t, "100", balance)
	assert.Equal(t, "0", locked)
	assert.Equal(t, int64(0), keys)
}

func TestBuy_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, models.SettlementImmediate)
	user := env.seedTrader(t, "ETH", "10", 0)

	_, err := env.processor.Buy(context.Background(), OrderRequest{UserId: user.Id, Keys: 3, Cryptocurrency: "ETH"})
	var fundsErr *InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assert.Equal(t, "30", fundsErr.Required.String())
	assert.Equal(t, "10", fundsErr.Available.String())
	assert.Equal(t, "insufficient_funds", Reason(err))

	balance, locked, keys := env.wallet(t, user.Id, "ETH")
	assert.Equal(t, "10", balance)
	assert.Equal(t, "0", locked)
	assert.Equal(t, int64(0), keys)
	assert.Empty(t, env.transactions(t, user.Id))
	assert.Empty(t, env.sink.results)
}

func TestBuy_NoWallet(t *testing.T) {
	env := newTestEnv(t, models.SettlementImmediate)
	user := env.seedTrader(t, "ETH", "", 0)

	_, err := env.processor.Buy(context.Background(), OrderRequest{UserId: user.Id, Keys: 1, Cryptocurrency: "ETH"})
	var fundsErr *InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assert.True(t, fundsErr.Available.IsZero())
}

func TestOrders_Rejections(t *testing.T) {
	env := newTestEnv(t, models.SettlementImmediate)
	ctx := context.Background()

	trader := env.seedTrader(t, "ETH", "100", 5)

	unverified := env.seedTrader(t, "ETH", "100", 5)
	unverified.EmailVerified = false
	require.NoError(t, env.store.UpsertUser(ctx, unverified))

	locked := env.seedTrader(t, "ETH", "100", 5)
	until := time.Now().Add(time.Hour)
	locked.LockedUntil = &until
	require.NoError(t, env.store.UpsertUser(ctx, locked))

	tests := []struct {
		name   string
		req    OrderRequest
		reason string
	}{
		{"zero keys", OrderRequest{UserId: trader.Id, Keys: 0, Cryptocurrency: "ETH"}, "input_error"},
		{"negative keys", OrderRequest{UserId: trader.Id, Keys: -2, Cryptocurrency: "ETH"}, "input_error"},
		{"unknown symbol", OrderRequest{UserId: trader.Id, Keys: 1, Cryptocurrency: "XRP"}, "input_error"},
		{"unknown user", OrderRequest{UserId: "nobody", Keys: 1, Cryptocurrency: "ETH"}, "account_not_found"},
		{"unverified email", OrderRequest{UserId: unverified.Id, Keys: 1, Cryptocurrency: "ETH"}, "security_check_failed"},
		{"locked account", OrderRequest{UserId: locked.Id, Keys: 1, Cryptocurrency: "ETH"}, "account_locked"},
		{"no price", OrderRequest{UserId: trader.Id, Keys: 1, Cryptocurrency: "USDC"}, "price_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.processor.Buy(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.reason, Reason(err))

			_, err = env.processor.Sell(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.reason, Reason(err))
		})
	}

	var securityErr *SecurityCheckError
	_, err := env.processor.Buy(ctx, OrderRequest{UserId: unverified.Id, Keys: 1, Cryptocurrency: "ETH"})
	require.ErrorAs(t, err, &securityErr)
	assert.Equal(t, risk.ReasonEmailNotVerified, securityErr.Reason)

	for _, u := range []*models.User{trader, unverified, locked} {
		balance, lockedFunds, keys := env.wallet(t, u.Id, "ETH")
		assert.Equal(t, "100", balance)
		assert.Equal(t, "0", lockedFunds)
		assert.Equal(t, int64(5), keys)
		assert.Empty(t, env.transactions(t, u.Id))
	}
}

func TestSell(t *testing.T) {
	env := newTestEnv(t, models.SettlementDeferred)
	user := env.seedTrader(t, "ETH", "", 5)
	ctx := context.Background()

	result, err := env.processor.Sell(ctx, OrderRequest{UserId: user.Id, Keys: 2, Cryptocurrency: "ETH"})
	require.NoError(t, err)
	assert.Equal(t, "20", result.GrossAmount.String())
	assert.Equal(t, "0.2", result.Fee.String())
	assert.Equal(t, "19.8", result.NetAmount.String())
	assert.Equal(t, "2000", result.UsdValue.String())
	assert.Equal(t, models.StatusPending, result.Status)

	balance, locked, keys := env.wallet(t, user.Id, "ETH")
	assert.Equal(t, "19.8", balance)
	assert.Equal(t, "0", locked)
	assert.Equal(t, int64(3), keys)

	txn, err := env.store.GetTransaction(ctx, result.TransactionId)
	require.NoError(t, err)
	assert.Equal(t, "0.2", txn.Fee.String())
	assert.Equal(t, "19.8", txn.CryptoAmount.String())

	stored, err := env.store.GetUser(ctx, user.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Stats.TotalSells)
	assert.Equal(t, int64(2), stored.Stats.TotalKeysSold)

	_, err = env.processor.CancelSettlement(ctx, result.TransactionId, "keys never arrived")
	require.NoError(t, err)
	balance, _, keys = env.wallet(t, user.Id, "ETH")
	assert.Equal(t, "0", balance)
	assert.Equal(t, int64(5), keys)
}

func TestSell_CancelNeedsProceeds(t *testing.T) {
	env := newTestEnv(t, models.SettlementImmediate)
	user := env.seedTrader(t, "ETH", "", 5)
	ctx := context.Background()

	sold, err := env.processor.Sell(ctx, OrderRequest{UserId: user.Id, Keys: 2, Cryptocurrency: "ETH"})
	require.NoError(t, err)

	// spend the proceeds on a key
	_, err = env.processor.Buy(ctx, OrderRequest{UserId: user.Id, Keys: 1, Cryptocurrency: "ETH"})
	require.NoError(t, err)

	_, err = env.processor.CancelSettlement(ctx, sold.TransactionId, "")
	var fundsErr *InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)

	txn, err := env.store.GetTransaction(ctx, sold.TransactionId)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, txn.Status)
}

func TestSell_InsufficientKeys(t *testing.T) {
	env := newTestEnv(t, models.SettlementDeferred)
	user := env.seedTrader(t, "ETH", "", 1)

	_, err := env.processor.Sell(context.Background(), OrderRequest{UserId: user.Id, Keys: 2, Cryptocurrency: "ETH"})
	var keysErr *InsufficientKeysError
	require.ErrorAs(t, err, &keysErr)
	assert.Equal(t, int64(1), keysErr.Available)
	assert.Equal(t, "insufficient_keys", Reason(err))
	assert.Empty(t, env.transactions(t, user.Id))
}

func TestBuy_DuplicateTransactionId(t *testing.T) {
	for _, mode := range []string{models.SettlementImmediate, models.SettlementDeferred} {
		t.Run(mode, func(t *testing.T) {
			env := newTestEnv(t, mode)
			user := env.seedTrader(t, "ETH", "100", 0)
			ctx := context.Background()
			id := uuid.New().String()

			_, err := env.processor.Buy(ctx, OrderRequest{UserId: user.Id, Keys: 1, Cryptocurrency: "ETH", TransactionId: id})
			require.NoError(t, err)
			balance, locked, keys := env.wallet(t, user.Id, "ETH")

			_, err = env.processor.Buy(ctx, OrderRequest{UserId: user.Id, Keys: 2, Cryptocurrency: "ETH", TransactionId: id})
			require.ErrorIs(t, err, ErrDuplicateTransactionId)
			assert.Equal(t, "duplicate_transaction_id", Reason(err))

			balance2, locked2, keys2 := env.wallet(t, user.Id, "ETH")
			assert.Equal(t, balance, balance2)
			assert.Equal(t, locked, locked2)
			assert.Equal(t, keys, keys2)
			assert.Len(t, env.transactions(t, user.Id), 1)

			_, err = env.processor.Sell(ctx, OrderRequest{UserId: user.Id, Keys: 1, Cryptocurrency: "ETH", TransactionId: id})
			if mode == models.SettlementImmediate {
				require.ErrorIs(t, err, ErrDuplicateTransactionId)
			} else {
				// no keys yet in deferred mode
				require.Error(t, err)
			}
		})
	}
}

func TestBuy_ConcurrentNoDoubleSpend(t *testing.T) {
	for _, mode := range []string{models.SettlementImmediate, models.SettlementDeferred} {
		t.Run(mode, func(t *testing.T) {
			env := newTestEnv(t, mode)
			// BTC at 3 makes one key cost 0.3
			user := env.seedTrader(t, "BTC", "1", 0)
			ctx := context.Background()

			const workers = 10
			var wg sync.WaitGroup
			var mu sync.Mutex
			succeeded := 0
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := env.processor.Buy(ctx, OrderRequest{UserId: user.Id, Keys: 1, Cryptocurrency: "BTC"})
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						succeeded++
						return
					}
					var fundsErr *InsufficientFundsError
					assert.True(t, errors.As(err, &fundsErr), "unexpected error: %v", err)
				}()
			}
			wg.Wait()

			assert.Equal(t, 3, succeeded)
			balance, locked, keys := env.wallet(t, user.Id, "BTC")
			if mode == models.SettlementImmediate {
				assert.Equal(t, "0.1", balance)
				assert.Equal(t, "0", locked)
				assert.Equal(t, int64(3), keys)
			} else {
				assert.Equal(t, "1", balance)
				assert.Equal(t, "0.9", locked)
				assert.Equal(t, int64(0), keys)
			}
			assert.Len(t, env.transactions(t, user.Id), 3)
		})
	}
}

func TestBuy_RecordsRiskLevel(t *testing.T) {
	env := newTestEnv(t, models.SettlementImmediate)
	ctx := context.Background()

	user := &models.User{
		Id:            uuid.New().String(),
		EmailVerified: true,
		TradeLink:     "https://steamcommunity.com/tradeoffer/new/?partner=2&token=xyz",
		CreatedAt:     time.Now().Add(-13 * time.Hour),
	}
	user.Wallet("ETH").Balance = decimal.NewFromInt(100)
	require.NoError(t, env.store.CreateUser(ctx, user))

	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.CreateTransaction(ctx, &models.Transaction{
			UserId:         user.Id,
			Type:           models.TransactionBuy,
			Cryptocurrency: "ETH",
			CryptoAmount:   decimal.NewFromInt(1),
			KeysAmount:     1,
			Status:         models.StatusFailed,
		}))
	}

	// new account 25, no history 10, failures 20, larger than history 15
	result, err := env.processor.Buy(ctx, OrderRequest{UserId: user.Id, Keys: 1, Cryptocurrency: "ETH"})
	require.NoError(t, err)
	assert.Equal(t, 70, result.RiskScore)
	assert.Equal(t, models.RiskHigh, result.RiskLevel)
	assert.True(t, result.Flagged)

	txn, err := env.store.GetTransaction(ctx, result.TransactionId)
	require.NoError(t, err)
	assert.True(t, txn.Flagged)
	assert.Equal(t, models.RiskHigh, txn.RiskLevel)
}

func TestBuy_NotificationFailureKeepsOrder(t *testing.T) {
	env := newTestEnv(t, models.SettlementImmediate)
	env.sink.err = errors.New("broker down")
	user := env.seedTrader(t, "ETH", "100", 0)

	result, err := env.processor.Buy(context.Background(), OrderRequest{UserId: user.Id, Keys: 1, Cryptocurrency: "ETH"})
	require.NoError(t, err)
	assert.False(t, result.Notified)

	_, _, keys := env.wallet(t, user.Id, "ETH")
	assert.Equal(t, int64(1), keys)
}

func TestQuotes(t *testing.T) {
	env := newTestEnv(t, models.SettlementDeferred)
	ctx := context.Background()

	buy, err := env.processor.QuoteBuy(ctx, 5, "eth")
	require.NoError(t, err)
	assert.Equal(t, "ETH", buy.Cryptocurrency)
	assert.Equal(t, "50", buy.GrossAmount.String())
	assert.Equal(t, "50", buy.NetAmount.String())
	assert.Equal(t, "5000", buy.UsdValue.String())

	sell, err := env.processor.QuoteSell(ctx, 10, "ETH")
	require.NoError(t, err)
	assert.Equal(t, "100", sell.GrossAmount.String())
	assert.Equal(t, "1", sell.Fee.String())
	assert.Equal(t, "99", sell.NetAmount.String())

	_, err = env.processor.QuoteBuy(ctx, 0, "ETH")
	assert.Equal(t, "input_error", Reason(err))
	_, err = env.processor.QuoteSell(ctx, 1, "USDC")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestDeposit(t *testing.T) {
	env := newTestEnv(t, models.SettlementDeferred)
	user := env.seedTrader(t, "ETH", "", 0)
	ctx := context.Background()

	txn, err := env.processor.Deposit(ctx, DepositRequest{
		UserId:         user.Id,
		Cryptocurrency: "eth",
		Amount:         decimal.RequireFromString("2.5"),
		ExternalRef:    "0xabc",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, txn.Status)
	assert.Equal(t, "250", txn.UsdValue.String())

	_, err = env.processor.Deposit(ctx, DepositRequest{
		UserId:         user.Id,
		Cryptocurrency: "ETH",
		Amount:         decimal.RequireFromString("2.5"),
		ExternalRef:    "0xabc",
	})
	assert.ErrorIs(t, err, ErrDuplicateTransactionId)

	balance, locked, _ := env.wallet(t, user.Id, "ETH")
	assert.Equal(t, "2.5", balance)
	assert.Equal(t, "0", locked)

	_, err = env.processor.Deposit(ctx, DepositRequest{UserId: user.Id, Cryptocurrency: "ETH", Amount: decimal.Zero})
	assert.Equal(t, "input_error", Reason(err))

	// deposits are recorded without usd value when no price is known
	txn, err = env.processor.Deposit(ctx, DepositRequest{UserId: user.Id, Cryptocurrency: "USDC", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.True(t, txn.UsdValue.IsZero())
}

func TestEnsureUser(t *testing.T) {
	env := newTestEnv(t, models.SettlementDeferred)
	ctx := context.Background()

	created, err := env.processor.EnsureUser(ctx, "discord-42", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	again, err := env.processor.EnsureUser(ctx, "discord-42", "alice")
	require.NoError(t, err)
	assert.Equal(t, created.Id, again.Id)

	_, err = env.processor.EnsureUser(ctx, " ", "x")
	assert.Equal(t, "input_error", Reason(err))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "persistence_conflict", Reason(ErrPersistenceConflict))
	assert.Equal(t, "transaction_not_found", Reason(store.ErrTransactionNotFound))
	assert.Equal(t, "internal_error", Reason(errors.New("boom")))
}

func (e *testEnv) reconcile(t *testing.T, userId, asset string) *store.Reconciliation {
	t.Helper()
	rec, err := e.store.ReconcileBalance(context.Background(), userId, asset)
	require.NoError(t, err)
	require.NoError(t, rec.Err())
	return rec
}

func TestJournal_ReconcilesAfterOrderLifecycle(t *testing.T) {
	env := newTestEnv(t, models.SettlementImmediate)
	user := env.seedTrader(t, "ETH", "100", 0)
	ctx := context.Background()

	// reserve and commit
	bought, err := env.processor.Buy(ctx, OrderRequest{UserId: user.Id, Keys: 3, Cryptocurrency: "ETH"})
	require.NoError(t, err)
	env.reconcile(t, user.Id, "ETH")

	sold, err := env.processor.Sell(ctx, OrderRequest{UserId: user.Id, Keys: 2, Cryptocurrency: "ETH"})
	require.NoError(t, err)
	rec := env.reconcile(t, user.Id, "ETH")
	assert.Equal(t, "89.8", rec.JournalAvailable.String())

	_, err = env.processor.CancelSettlement(ctx, sold.TransactionId, "keys never arrived")
	require.NoError(t, err)
	_, err = env.processor.CancelSettlement(ctx, bought.TransactionId, "trade offer declined")
	require.NoError(t, err)

	_, err = env.processor.Deposit(ctx, DepositRequest{UserId: user.Id, Cryptocurrency: "ETH", Amount: decimal.RequireFromString("0.5")})
	require.NoError(t, err)

	rec = env.reconcile(t, user.Id, "ETH")
	assert.Equal(t, "100.5", rec.Balance.String())
	assert.Equal(t, "100.5", rec.JournalAvailable.String())
	assert.True(t, rec.JournalLocked.IsZero())

	deferred := newTestEnv(t, models.SettlementDeferred)
	other := deferred.seedTrader(t, "BTC", "9", 0)
	held, err := deferred.processor.Buy(ctx, OrderRequest{UserId: other.Id, Keys: 10, Cryptocurrency: "BTC"})
	require.NoError(t, err)
	rec = deferred.reconcile(t, other.Id, "BTC")
	assert.Equal(t, "3", rec.JournalLocked.String())

	_, err = deferred.processor.CancelSettlement(ctx, held.TransactionId, "")
	require.NoError(t, err)
	rec = deferred.reconcile(t, other.Id, "BTC")
	assert.Equal(t, "9", rec.JournalAvailable.String())
	assert.True(t, rec.JournalLocked.IsZero())
}

func TestRetry_GivesUpAfterRepeatedConflicts(t *testing.T) {
	env := newTestEnv(t, models.SettlementDeferred)
	user := env.seedTrader(t, "ETH", "1", 3)
	ctx := context.Background()

	conflicts := &conflictStore{LedgerStore: env.store}
	oracle := &countingOracle{Oracle: env.processor.deps.Oracle}
	deps := env.processor.deps
	deps.Store = conflicts
	deps.Oracle = oracle
	cfg := env.processor.cfg
	cfg.RetryBackoff = time.Millisecond
	processor, err := NewProcessor(deps, cfg)
	require.NoError(t, err)

	_, err = processor.Sell(ctx, OrderRequest{UserId: user.Id, Keys: 1, Cryptocurrency: "ETH"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistenceConflict)
	assert.Equal(t, "persistence_conflict", Reason(err))
	assert.Equal(t, int32(3), conflicts.commits.Load())
	assert.Equal(t, int32(3), oracle.calls.Load(), "price should be re-queried on every attempt")

	balance, locked, keys := env.wallet(t, user.Id, "ETH")
	assert.Equal(t, "1", balance)
	assert.Equal(t, "0", locked)
	assert.Equal(t, int64(3), keys)
	assert.Empty(t, env.transactions(t, user.Id))
	assert.Empty(t, env.sink.results)
}

func TestRetry_StopsWhenContextCancelled(t *testing.T) {
	env := newTestEnv(t, models.SettlementDeferred)
	user := env.seedTrader(t, "ETH", "1", 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conflicts := &conflictStore{LedgerStore: env.store, onCommit: cancel}
	deps := env.processor.deps
	deps.Store = conflicts
	cfg := env.processor.cfg
	cfg.RetryBackoff = time.Hour
	processor, err := NewProcessor(deps, cfg)
	require.NoError(t, err)

	start := time.Now()
	_, err = processor.Sell(ctx, OrderRequest{UserId: user.Id, Keys: 1, Cryptocurrency: "ETH"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), conflicts.commits.Load())
	assert.Less(t, time.Since(start), time.Minute)
}

func TestBackoff(t *testing.T) {
	env := newTestEnv(t, models.SettlementDeferred)
	p := env.processor
	for attempt := 1; attempt <= 3; attempt++ {
		wait := p.backoff(attempt)
		assert.GreaterOrEqual(t, wait, p.cfg.RetryBackoff*time.Duration(attempt))
		assert.Less(t, wait, p.cfg.RetryBackoff*time.Duration(attempt+1))
	}
}

func TestPrices(t *testing.T) {
	env := newTestEnv(t, models.SettlementDeferred)
	ctx := context.Background()

	assert.Equal(t, []string{"BTC", "ETH", "USDC"}, env.processor.SupportedAssets())

	prices, err := env.processor.Prices(ctx, "eth", "BTC")
	require.NoError(t, err)
	assert.Equal(t, "100", prices["ETH"].String())
	assert.Equal(t, "3", prices["BTC"].String())

	_, err = env.processor.Prices(ctx, "DOGE")
	assert.Equal(t, "input_error", Reason(err))

	// the static oracle has no USDC price
	_, err = env.processor.Prices(ctx)
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}
