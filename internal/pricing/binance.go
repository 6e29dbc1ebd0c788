/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"key-trade-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

type tickerPrice struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// BinanceOracle reads spot prices from the public ticker endpoint
type BinanceOracle struct {
	client      http.Client
	baseURL     string
	quote       string
	timeout     time.Duration
	limiter     *rate.Limiter
	stablecoins map[string]bool
}

func NewBinanceOracle(cfg models.PricingConfig) (*BinanceOracle, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("price api url is required")
	}
	httpClient, err := createCustomHttpClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}

	quote := strings.ToUpper(cfg.QuoteAsset)
	if quote == "" {
		quote = "USDT"
	}
	stable := make(map[string]bool, len(cfg.Stablecoins))
	for _, s := range cfg.Stablecoins {
		stable[strings.ToUpper(s)] = true
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &BinanceOracle{
		client:      httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		quote:       quote,
		timeout:     timeout,
		limiter:     rate.NewLimiter(limit, burst),
		stablecoins: stable,
	}, nil
}

func createCustomHttpClient() (http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: 10 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   5 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   30 * time.Second,
	}, nil
}

func (o *BinanceOracle) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	if o.stablecoins[symbol] || symbol == o.quote {
		return decimal.NewFromInt(1), nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := o.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: rate limit: %v", ErrPriceUnavailable, symbol, err)
	}

	pair := symbol + o.quote
	endpoint := o.baseURL + "/v3/ticker/price?" + url.Values{"symbol": {pair}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		zap.L().Warn("Price request failed", zap.String("symbol", pair), zap.Error(err))
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		zap.L().Warn("Price request rejected",
			zap.String("symbol", pair),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return decimal.Zero, fmt.Errorf("%w: %s: status %d", ErrPriceUnavailable, symbol, resp.StatusCode)
	}

	var ticker tickerPrice
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: decode: %v", ErrPriceUnavailable, symbol, err)
	}
	if !ticker.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s: non-positive price %s", ErrPriceUnavailable, symbol, ticker.Price.String())
	}

	zap.L().Debug("Fetched price", zap.String("symbol", pair), zap.String("price", ticker.Price.String()))
	return ticker.Price, nil
}
