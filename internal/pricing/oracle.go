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
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrPriceUnavailable = errors.New("price unavailable")

// Oracle returns the current unit price of a symbol in the quote currency
type Oracle interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// GetPrices resolves several symbols, failing on the first unavailable price.
func GetPrices(ctx context.Context, oracle Oracle, symbols []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		price, err := oracle.GetPrice(ctx, symbol)
		if err != nil {
			return nil, err
		}
		prices[strings.ToUpper(symbol)] = price
	}
	return prices, nil
}

// StaticOracle serves fixed prices
type StaticOracle map[string]decimal.Decimal

func (s StaticOracle) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	price, ok := s[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", ErrPriceUnavailable, symbol)
	}
	return price, nil
}
