package pricing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

type cachedPrice struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// CachedOracle keeps prices for ttl and coalesces concurrent lookups of the same symbol.
// Errors are never cached. The shared fetch runs detached from any one
// caller's cancellation, bounded by its own timeout.
type CachedOracle struct {
	next    Oracle
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	group   singleflight.Group

	mu     sync.RWMutex
	prices map[string]cachedPrice
}

func NewCachedOracle(next Oracle, ttl, timeout time.Duration) *CachedOracle {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CachedOracle{
		next:    next,
		ttl:     ttl,
		timeout: timeout,
		now:     time.Now,
		prices:  make(map[string]cachedPrice),
	}
}

func (c *CachedOracle) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	if price, ok := c.lookup(symbol); ok {
		return price, nil
	}

	ch := c.group.DoChan(symbol, func() (interface{}, error) {
		if price, ok := c.lookup(symbol); ok {
			return price, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		price, err := c.next.GetPrice(fetchCtx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		c.mu.Lock()
		c.prices[symbol] = cachedPrice{price: price, fetchedAt: c.now()}
		c.mu.Unlock()
		return price, nil
	})

	select {
	case <-ctx.Done():
		return decimal.Zero, fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, symbol, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}

func (c *CachedOracle) lookup(symbol string) (decimal.Decimal, bool) {
	if c.ttl <= 0 {
		return decimal.Zero, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.prices[symbol]
	if !ok || c.now().Sub(entry.fetchedAt) >= c.ttl {
		return decimal.Zero, false
	}
	return entry.price, true
}
