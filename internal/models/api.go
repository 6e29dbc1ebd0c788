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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserBalance represents a user's wallet for a specific asset
type UserBalance struct {
	Asset     string          `json:"asset"`
	Balance   decimal.Decimal `json:"balance"`
	Locked    decimal.Decimal `json:"locked"`
	Available decimal.Decimal `json:"available"`
	Address   string          `json:"address,omitempty"`
}

// TransactionRecord represents a transaction in the user's history
type TransactionRecord struct {
	Id             string          `json:"id"`
	Type           string          `json:"type"`
	Cryptocurrency string          `json:"cryptocurrency"`
	CryptoAmount   decimal.Decimal `json:"crypto_amount"`
	KeysAmount     int64           `json:"keys_amount"`
	UsdValue       decimal.Decimal `json:"usd_value"`
	Fee            decimal.Decimal `json:"fee"`
	Status         string          `json:"status"`
	RiskLevel      string          `json:"risk_level"`
	Flagged        bool            `json:"flagged"`
	CreatedAt      time.Time       `json:"created_at"`
}

// StatsSummary is the read-side view of a user's trading statistics
type StatsSummary struct {
	TotalBuys          int64           `json:"total_buys"`
	TotalSells         int64           `json:"total_sells"`
	TotalKeysPurchased int64           `json:"total_keys_purchased"`
	TotalKeysSold      int64           `json:"total_keys_sold"`
	TotalVolume        decimal.Decimal `json:"total_volume"`
	AverageTradeValue  decimal.Decimal `json:"average_trade_value"`
	MemberSince        time.Time       `json:"member_since"`
}

// OrderResult is the structured outcome of a buy or sell handed to the caller
// and to the notification sink. Formatting is the caller's concern.
type OrderResult struct {
	TransactionId  string            `json:"transaction_id"`
	ReservationId  string            `json:"reservation_id,omitempty"`
	UserId         string            `json:"user_id"`
	Type           TransactionType   `json:"type"`
	Cryptocurrency string            `json:"cryptocurrency"`
	KeysAmount     int64             `json:"keys_amount"`
	UnitPrice      decimal.Decimal   `json:"unit_price"`
	PricePerKey    decimal.Decimal   `json:"price_per_key"`
	GrossAmount    decimal.Decimal   `json:"gross_amount"`
	Fee            decimal.Decimal   `json:"fee"`
	NetAmount      decimal.Decimal   `json:"net_amount"`
	UsdValue       decimal.Decimal   `json:"usd_value"`
	Status         TransactionStatus `json:"status"`
	RiskScore      int               `json:"risk_score"`
	RiskLevel      RiskLevel         `json:"risk_level"`
	Flagged        bool              `json:"flagged"`
	Wallet         UserBalance       `json:"wallet"`
	KeyBalance     int64             `json:"key_balance"`
	Notified       bool              `json:"notified"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Quote is a cost estimate for buying or selling keys
type Quote struct {
	Side           TransactionType `json:"side"`
	Cryptocurrency string          `json:"cryptocurrency"`
	KeysAmount     int64           `json:"keys_amount"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	PricePerKey    decimal.Decimal `json:"price_per_key"`
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	Fee            decimal.Decimal `json:"fee"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	UsdValue       decimal.Decimal `json:"usd_value"`
}

// SettlementResult describes the outcome of confirming or cancelling a transaction
type SettlementResult struct {
	TransactionId string            `json:"transaction_id"`
	Status        TransactionStatus `json:"status"`
	Wallet        UserBalance       `json:"wallet"`
	KeyBalance    int64             `json:"key_balance"`
}
