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

package trading

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/notify"
	"key-trade-ledger-go/internal/pricing"
	"key-trade-ledger-go/internal/risk"
	"key-trade-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RiskChecker is the part of the risk engine the processor consults
type RiskChecker interface {
	Check(ctx context.Context, user *models.User, currentValue decimal.Decimal) (risk.SecurityResult, risk.Assessment, error)
	WithValue(user *models.User, assessment risk.Assessment, value decimal.Decimal) risk.Assessment
}

type TradingGate interface {
	CheckTrading(user *models.User) error
}

type ActivityRecorder interface {
	Touch(ctx context.Context, userId string) error
}

type Dependencies struct {
	Store    store.LedgerStore
	Oracle   pricing.Oracle
	Risk     RiskChecker
	Gate     TradingGate
	Activity ActivityRecorder
	Sink     notify.Sink
}

type Config struct {
	SupportedAssets     []string
	KeyPriceDivisor     decimal.Decimal
	SellFeeRate         decimal.Decimal
	SettlementMode      string
	SettlementTimeout   time.Duration
	MaxRetries          int
	RetryBackoff        time.Duration
	NotificationTimeout time.Duration
	Now                 func() time.Time
}

// ConfigFrom builds the processor config from application settings
func ConfigFrom(cfg models.TradingConfig) Config {
	return Config{
		SupportedAssets:     cfg.SupportedAssets,
		KeyPriceDivisor:     cfg.KeyPriceDivisor,
		SellFeeRate:         cfg.SellFeeRate,
		SettlementMode:      cfg.SettlementMode,
		SettlementTimeout:   cfg.SettlementTimeout,
		MaxRetries:          cfg.MaxRetries,
		RetryBackoff:        cfg.RetryBackoff,
		NotificationTimeout: cfg.NotificationTimeout,
	}
}

type Processor struct {
	deps      Dependencies
	cfg       Config
	supported map[string]bool
}

func NewProcessor(deps Dependencies, cfg Config) (*Processor, error) {
	if deps.Store == nil || deps.Oracle == nil || deps.Risk == nil || deps.Gate == nil {
		return nil, fmt.Errorf("store, oracle, risk engine and gate are required")
	}
	if deps.Sink == nil {
		deps.Sink = notify.LogSink{}
	}
	if cfg.KeyPriceDivisor.IsZero() {
		cfg.KeyPriceDivisor = decimal.NewFromInt(10)
	}
	if !cfg.KeyPriceDivisor.IsPositive() {
		return nil, fmt.Errorf("key price divisor must be positive, got %s", cfg.KeyPriceDivisor.String())
	}
	if cfg.SellFeeRate.IsNegative() || cfg.SellFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("sell fee rate must be in [0, 1), got %s", cfg.SellFeeRate.String())
	}
	if cfg.SettlementMode == "" {
		cfg.SettlementMode = models.SettlementDeferred
	}
	if cfg.SettlementMode != models.SettlementDeferred && cfg.SettlementMode != models.SettlementImmediate {
		return nil, fmt.Errorf("unknown settlement mode %q", cfg.SettlementMode)
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 24 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	supported := make(map[string]bool, len(cfg.SupportedAssets))
	for _, asset := range cfg.SupportedAssets {
		supported[strings.ToUpper(asset)] = true
	}
	if len(supported) == 0 {
		return nil, fmt.Errorf("at least one supported asset is required")
	}

	return &Processor{deps: deps, cfg: cfg, supported: supported}, nil
}

// SupportedAssets returns the tradable symbols in sorted order
func (p *Processor) SupportedAssets() []string {
	symbols := make([]string, 0, len(p.supported))
	for symbol := range p.supported {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func (p *Processor) validateOrder(keys int64, symbol string) (string, error) {
	if keys <= 0 {
		return "", &InputError{Field: "keys", Message: "must be a positive integer"}
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !p.supported[symbol] {
		return "", &InputError{Field: "cryptocurrency", Message: fmt.Sprintf("%q is not supported", symbol)}
	}
	return symbol, nil
}

func (p *Processor) loadUser(ctx context.Context, userId string) (*models.User, error) {
	user, err := p.deps.Store.GetUser(ctx, userId)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, userId)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// securityCheck runs the lock check and the ordered security check
func (p *Processor) securityCheck(ctx context.Context, user *models.User) (risk.Assessment, error) {
	if err := p.deps.Gate.CheckTrading(user); err != nil {
		return risk.Assessment{}, err
	}
	result, assessment, err := p.deps.Risk.Check(ctx, user, decimal.Zero)
	if err != nil {
		return risk.Assessment{}, fmt.Errorf("failed to run security check: %w", err)
	}
	if !result.Passed {
		return risk.Assessment{}, &SecurityCheckError{Reason: result.Reason, Score: assessment.Score}
	}
	return assessment, nil
}

func (p *Processor) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := p.deps.Oracle.GetPrice(ctx, symbol)
	if err != nil {
		if errors.Is(err, ErrPriceUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s: non-positive price %s", ErrPriceUnavailable, symbol, price.String())
	}
	return price, nil
}

// retry re-runs op from scratch while the store reports a concurrent write.
// Attempts are spaced by a linear, jittered backoff that stops on ctx.
func (p *Processor) retry(ctx context.Context, operation string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		err := op()
		if err == nil || !errors.Is(err, store.ErrConcurrentModification) {
			return err
		}
		lastErr = err
		if attempt == p.cfg.MaxRetries {
			break
		}

		wait := p.backoff(attempt)
		zap.L().Debug("Retrying after concurrent modification",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	zap.L().Warn("Giving up after repeated conflicts",
		zap.String("operation", operation),
		zap.Int("attempts", p.cfg.MaxRetries))
	return fmt.Errorf("%w: %s: %v", ErrPersistenceConflict, operation, lastErr)
}

// backoff returns attempt*RetryBackoff plus up to one RetryBackoff of jitter
func (p *Processor) backoff(attempt int) time.Duration {
	base := p.cfg.RetryBackoff * time.Duration(attempt)
	return base + rand.N(p.cfg.RetryBackoff)
}

// EnsureUser returns the user, creating an empty account on first contact.
func (p *Processor) EnsureUser(ctx context.Context, userId, username string) (*models.User, error) {
	if strings.TrimSpace(userId) == "" {
		return nil, &InputError{Field: "user", Message: "id is required"}
	}
	user, err := p.deps.Store.GetUser(ctx, userId)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	user = &models.User{Id: userId, Username: username}
	if err := p.deps.Store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return p.deps.Store.GetUser(ctx, userId)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	zap.L().Info("Created trading account", zap.String("user_id", userId))
	return user, nil
}

// finish records activity and notifies the sink. The committed order stands
// whatever happens here.
func (p *Processor) finish(ctx context.Context, result *models.OrderResult) {
	ctx = context.WithoutCancel(ctx)

	if p.deps.Activity != nil {
		if err := p.deps.Activity.Touch(ctx, result.UserId); err != nil {
			zap.L().Warn("Failed to record activity", zap.String("user_id", result.UserId), zap.Error(err))
		}
	}

	notifyCtx, cancel := context.WithTimeout(ctx, p.cfg.NotificationTimeout)
	defer cancel()
	if err := p.deps.Sink.Notify(notifyCtx, result); err != nil {
		zap.L().Error("Failed to notify order",
			zap.String("transaction_id", result.TransactionId),
			zap.Error(err))
		return
	}
	result.Notified = true
}

func balanceOf(user *models.User, asset string) models.UserBalance {
	b := models.UserBalance{Asset: asset, Balance: decimal.Zero, Locked: decimal.Zero, Available: decimal.Zero}
	if w, ok := user.Wallets[asset]; ok {
		b.Balance = w.Balance
		b.Locked = w.Locked
		b.Available = w.Available()
		b.Address = w.Address
	}
	return b
}
