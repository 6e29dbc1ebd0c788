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

// User represents a trading account (wallets, key balance, stats, risk state)
type User struct {
	Id            string             `db:"id"`
	Username      string             `db:"username"`
	PasswordHash  string             `db:"password_hash"`
	Email         string             `db:"email"`
	EmailVerified bool               `db:"email_verified"`
	TradeLink     string             `db:"trade_link"`
	Wallets       map[string]*Wallet `db:"-"`
	KeyBalance    int64              `db:"key_balance"`
	RiskScore     int                `db:"risk_score"`
	RiskFlags     []RiskFlag         `db:"-"`
	LockedUntil   *time.Time         `db:"locked_until"`
	LoginAttempts int                `db:"login_attempts"`
	LastLogin     *time.Time         `db:"last_login"`
	Stats         UserStats          `db:"-"`
	Version       int64              `db:"version"`
	CreatedAt     time.Time          `db:"created_at"`
	UpdatedAt     time.Time          `db:"updated_at"`
}

// TradeLinkSet reports whether the user registered a trade link
func (u *User) TradeLinkSet() bool {
	return u.TradeLink != ""
}

// IsLocked is the single lock predicate shared by the login gate and trading.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// Wallet returns the wallet for an asset, creating an empty one if absent.
func (u *User) Wallet(asset string) *Wallet {
	if u.Wallets == nil {
		u.Wallets = make(map[string]*Wallet)
	}
	w, ok := u.Wallets[asset]
	if !ok {
		w = &Wallet{Asset: asset, Balance: decimal.Zero, Locked: decimal.Zero}
		u.Wallets[asset] = w
	}
	return w
}

// Available returns balance minus locked for an asset without creating a wallet.
func (u *User) Available(asset string) decimal.Decimal {
	if w, ok := u.Wallets[asset]; ok {
		return w.Available()
	}
	return decimal.Zero
}

// Clone returns a deep copy so request-scoped views never alias stored state
func (u *User) Clone() *User {
	c := *u
	c.Wallets = make(map[string]*Wallet, len(u.Wallets))
	for k, w := range u.Wallets {
		wc := *w
		c.Wallets[k] = &wc
	}
	c.RiskFlags = append([]RiskFlag(nil), u.RiskFlags...)
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		c.LockedUntil = &t
	}
	if u.LastLogin != nil {
		t := *u.LastLogin
		c.LastLogin = &t
	}
	return &c
}

// Wallet is a per-asset balance. Locked is a subset of Balance, never additional to it.
type Wallet struct {
	Asset     string          `db:"asset"`
	Address   string          `db:"address"`
	Balance   decimal.Decimal `db:"balance"`
	Locked    decimal.Decimal `db:"locked"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// Available returns the spendable part of the balance
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Locked)
}

// Valid reports whether 0 <= locked <= balance holds
func (w *Wallet) Valid() bool {
	return !w.Locked.IsNegative() && w.Locked.LessThanOrEqual(w.Balance)
}

// UserStats holds trading counters
type UserStats struct {
	TotalBuys          int64           `db:"total_buys"`
	TotalSells         int64           `db:"total_sells"`
	TotalKeysPurchased int64           `db:"total_keys_purchased"`
	TotalKeysSold      int64           `db:"total_keys_sold"`
	TotalVolume        decimal.Decimal `db:"total_volume"`
}

// AverageTradeValue is derived from volume and trade count
func (s UserStats) AverageTradeValue() decimal.Decimal {
	trades := s.TotalBuys + s.TotalSells
	if trades == 0 {
		return decimal.Zero
	}
	return s.TotalVolume.Div(decimal.NewFromInt(trades))
}

// HasHistory reports whether the user has ever bought or sold
func (s UserStats) HasHistory() bool {
	return s.TotalBuys > 0 || s.TotalSells > 0
}

// FlagKind is the closed set of risk flags
type FlagKind string

const (
	FlagNewAccount        FlagKind = "NEW_ACCOUNT"
	FlagYoungAccount      FlagKind = "YOUNG_ACCOUNT"
	FlagUnverifiedEmail   FlagKind = "UNVERIFIED_EMAIL"
	FlagNoTradeLink       FlagKind = "NO_TRADE_LINK"
	FlagNoHistory         FlagKind = "NO_HISTORY"
	FlagMultipleFailedTx  FlagKind = "MULTIPLE_FAILED_TX"
	FlagUnusuallyLargeTx  FlagKind = "UNUSUALLY_LARGE_TX"
	FlagRapidTransactions FlagKind = "RAPID_TRANSACTIONS"
	FlagManual            FlagKind = "MANUAL_FLAG"
)

// RiskFlag is an append-only audit entry on a user
type RiskFlag struct {
	Id        string    `db:"id"`
	Kind      FlagKind  `db:"kind"`
	Reason    string    `db:"reason"`
	Timestamp time.Time `db:"created_at"`
}

// TransactionType enumerates ledger transaction kinds
type TransactionType string

const (
	TransactionBuy      TransactionType = "BUY"
	TransactionSell     TransactionType = "SELL"
	TransactionDeposit  TransactionType = "DEPOSIT"
	TransactionWithdraw TransactionType = "WITHDRAW"
	TransactionTransfer TransactionType = "TRANSFER"
)

// TransactionStatus enumerates settlement states
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusConfirmed TransactionStatus = "CONFIRMED"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RiskLevel is the coarse risk bucket recorded on a transaction
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Transaction is the auditable record of an order, deposit or transfer
type Transaction struct {
	Id             string            `db:"id"`
	UserId         string            `db:"user_id"`
	Type           TransactionType   `db:"type"`
	Cryptocurrency string            `db:"cryptocurrency"`
	CryptoAmount   decimal.Decimal   `db:"crypto_amount"`
	KeysAmount     int64             `db:"keys_amount"`
	UsdValue       decimal.Decimal   `db:"usd_value"`
	Rate           decimal.Decimal   `db:"rate"`
	Fee            decimal.Decimal   `db:"fee"`
	Status         TransactionStatus `db:"status"`
	RiskLevel      RiskLevel         `db:"risk_level"`
	Flagged        bool              `db:"flagged"`
	ReservationId  string            `db:"reservation_id"`
	ExternalRef    string            `db:"external_ref"`
	Notes          string            `db:"notes"`
	CreatedAt      time.Time         `db:"created_at"`
	CompletedAt    *time.Time        `db:"completed_at"`
}

// ReservationStatus tracks the reserve/commit/release lifecycle
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationBound     ReservationStatus = "BOUND"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Open reports whether the reservation still holds locked funds
func (s ReservationStatus) Open() bool {
	return s == ReservationHeld || s == ReservationBound
}

// Reservation is a token for funds moved from available to locked
type Reservation struct {
	Id            string            `db:"id"`
	UserId        string            `db:"user_id"`
	Asset         string            `db:"asset"`
	Amount        decimal.Decimal   `db:"amount"`
	Status        ReservationStatus `db:"status"`
	TransactionId string            `db:"transaction_id"`
	ExpiresAt     time.Time         `db:"expires_at"`
	CreatedAt     time.Time         `db:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at"`
}

// PlatformStats is a periodic snapshot of desk-wide trading activity
type PlatformStats struct {
	Id                  string          `db:"id"`
	PeriodStart         time.Time       `db:"period_start"`
	PeriodEnd           time.Time       `db:"period_end"`
	TotalUsers          int             `db:"total_users"`
	TotalVolume         decimal.Decimal `db:"total_volume"`
	TotalRevenue        decimal.Decimal `db:"total_revenue"`
	TotalTransactions   int             `db:"total_transactions"`
	KeysSold            int64           `db:"keys_sold"`
	KeysBought          int64           `db:"keys_bought"`
	AvgTransactionValue decimal.Decimal `db:"avg_transaction_value"`
	CryptoStats         []CryptoStats   `db:"-"`
}

// CryptoStats is the per-asset breakdown of a PlatformStats snapshot
type CryptoStats struct {
	Cryptocurrency   string          `json:"cryptocurrency"`
	VolumeTraded     decimal.Decimal `json:"volume_traded"`
	TransactionCount int             `json:"transaction_count"`
}
