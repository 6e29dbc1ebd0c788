package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"key-trade-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTickerServer(t *testing.T, prices map[string]string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		if r.URL.Path != "/api/v3/ticker/price" {
			http.NotFound(w, r)
			return
		}
		symbol := r.URL.Query().Get("symbol")
		price, ok := prices[symbol]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
			return
		}
		fmt.Fprintf(w, `{"symbol":%q,"price":%q}`, symbol, price)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOracle(t *testing.T, baseURL string) *BinanceOracle {
	t.Helper()
	oracle, err := NewBinanceOracle(models.PricingConfig{
		BaseURL:     baseURL + "/api",
		QuoteAsset:  "USDT",
		Timeout:     2 * time.Second,
		RateLimit:   100,
		Stablecoins: []string{"USDT", "USDC"},
	})
	require.NoError(t, err)
	return oracle
}

func TestBinanceOracle_GetPrice(t *testing.T) {
	var calls int32
	srv := newTickerServer(t, map[string]string{"BTCUSDT": "65000.12000000"}, &calls)
	oracle := newTestOracle(t, srv.URL)
	ctx := context.Background()

	price, err := oracle.GetPrice(ctx, "btc")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("65000.12")), price.String())

	price, err = oracle.GetPrice(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = oracle.GetPrice(ctx, "NOPE")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestBinanceOracle_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	oracle, err := NewBinanceOracle(models.PricingConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = oracle.GetPrice(context.Background(), "ETH")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestBinanceOracle_BadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbol":"ETHUSDT","price":"0"}`)
	}))
	defer srv.Close()

	oracle := newTestOracle(t, srv.URL)
	_, err := oracle.GetPrice(context.Background(), "ETH")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestNewBinanceOracle_RequiresURL(t *testing.T) {
	_, err := NewBinanceOracle(models.PricingConfig{})
	assert.Error(t, err)
}

type countingOracle struct {
	calls int32
	delay time.Duration
	err   error
}

func (c *countingOracle) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	atomic.AddInt32(&c.calls, 1)
	time.Sleep(c.delay)
	if c.err != nil {
		return decimal.Zero, c.err
	}
	return decimal.NewFromInt(100), nil
}

func TestCachedOracle(t *testing.T) {
	ctx := context.Background()
	inner := &countingOracle{delay: 20 * time.Millisecond}
	cached := NewCachedOracle(inner, time.Minute, time.Second)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cached.now = func() time.Time { return now }

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			price, err := cached.GetPrice(ctx, "eth")
			assert.NoError(t, err)
			assert.True(t, price.Equal(decimal.NewFromInt(100)))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))

	now = now.Add(2 * time.Minute)
	_, err := cached.GetPrice(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.calls))
}

func TestCachedOracle_ErrorsNotCached(t *testing.T) {
	inner := &countingOracle{err: fmt.Errorf("%w: down", ErrPriceUnavailable)}
	cached := NewCachedOracle(inner, time.Minute, time.Second)

	for i := 0; i < 2; i++ {
		_, err := cached.GetPrice(context.Background(), "BTC")
		assert.True(t, errors.Is(err, ErrPriceUnavailable))
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.calls))
}

// blockingOracle holds every lookup until release is closed
type blockingOracle struct {
	started chan struct{}
	release chan struct{}
	calls   int32
	ctxErr  atomic.Value
}

func (b *blockingOracle) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if atomic.AddInt32(&b.calls, 1) == 1 {
		close(b.started)
	}
	<-b.release
	if err := ctx.Err(); err != nil {
		b.ctxErr.Store(err)
		return decimal.Zero, err
	}
	return decimal.NewFromInt(42), nil
}

func TestCachedOracle_CancelledCallerDoesNotFailOthers(t *testing.T) {
	inner := &blockingOracle{started: make(chan struct{}), release: make(chan struct{})}
	cached := NewCachedOracle(inner, time.Minute, 5*time.Second)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cached.GetPrice(first, "BTC")
		firstErr <- err
	}()
	<-inner.started

	type result struct {
		price decimal.Decimal
		err   error
	}
	second := make(chan result, 1)
	go func() {
		price, err := cached.GetPrice(context.Background(), "BTC")
		second <- result{price, err}
	}()

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrPriceUnavailable)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(inner.release)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, "42", res.price.String())
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not return")
	}

	assert.Nil(t, inner.ctxErr.Load(), "shared fetch must not inherit the first caller's cancellation")
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))

	price, err := cached.GetPrice(context.Background(), "btc")
	require.NoError(t, err)
	assert.Equal(t, "42", price.String())
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))
}

func TestStaticOracle(t *testing.T) {
	oracle := StaticOracle{"BTC": decimal.NewFromInt(50000)}

	prices, err := GetPrices(context.Background(), oracle, []string{"btc"})
	require.NoError(t, err)
	assert.True(t, prices["BTC"].Equal(decimal.NewFromInt(50000)))

	_, err = GetPrices(context.Background(), oracle, []string{"BTC", "XRP"})
	assert.ErrorIs(t, err, ErrPriceUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = oracle.GetPrice(ctx, "BTC")
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}
