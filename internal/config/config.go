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

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"key-trade-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

func Load() (*models.Config, error) {
	var connMaxLifetime, connMaxIdleTime, pingTimeout, busyTimeout time.Duration
	var settlementTimeout, reservationGrace, notificationTimeout, retryBackoff time.Duration
	var riskLockDuration, activityWindow, minAccountAge, loginLockDuration time.Duration
	var priceTimeout, priceCacheTTL, sweepInterval time.Duration

	defaults := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"DB_CONN_MAX_LIFETIME", 5 * time.Minute, &connMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", 30 * time.Second, &connMaxIdleTime},
		{"DB_PING_TIMEOUT", 5 * time.Second, &pingTimeout},
		{"DB_BUSY_TIMEOUT", 5 * time.Second, &busyTimeout},
		{"SETTLEMENT_TIMEOUT", 24 * time.Hour, &settlementTimeout},
		{"RESERVATION_GRACE", time.Minute, &reservationGrace},
		{"NOTIFICATION_TIMEOUT", 5 * time.Second, &notificationTimeout},
		{"ORDER_RETRY_BACKOFF", 10 * time.Millisecond, &retryBackoff},
		{"RISK_LOCK_DURATION", 24 * time.Hour, &riskLockDuration},
		{"RISK_ACTIVITY_WINDOW", time.Hour, &activityWindow},
		{"MIN_ACCOUNT_AGE", 12 * time.Hour, &minAccountAge},
		{"LOGIN_LOCK_DURATION", 30 * time.Minute, &loginLockDuration},
		{"PRICE_TIMEOUT", 5 * time.Second, &priceTimeout},
		{"PRICE_CACHE_TTL", 10 * time.Second, &priceCacheTTL},
		{"SWEEP_INTERVAL", time.Minute, &sweepInterval},
	}
	for _, d := range defaults {
		value, err := getEnvDuration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dest = value
	}

	keyPriceDivisor, err := getEnvDecimal("KEY_PRICE_DIVISOR", decimal.NewFromInt(10))
	if err != nil {
		return nil, err
	}
	if !keyPriceDivisor.IsPositive() {
		return nil, fmt.Errorf("KEY_PRICE_DIVISOR must be positive, got %s", keyPriceDivisor.String())
	}

	sellFeeRate, err := getEnvDecimal("SELL_FEE_RATE", decimal.NewFromFloat(0.01))
	if err != nil {
		return nil, err
	}
	if sellFeeRate.IsNegative() || sellFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("SELL_FEE_RATE must be in [0, 1), got %s", sellFeeRate.String())
	}

	settlementMode := strings.ToLower(getEnvString("SETTLEMENT_MODE", models.SettlementDeferred))
	if settlementMode != models.SettlementDeferred && settlementMode != models.SettlementImmediate {
		return nil, fmt.Errorf("invalid SETTLEMENT_MODE %q (expected %q or %q)",
			settlementMode, models.SettlementDeferred, models.SettlementImmediate)
	}

	backend := strings.ToLower(getEnvString("LEDGER_BACKEND", "sqlite"))
	if backend != "sqlite" && backend != "postgres" {
		return nil, fmt.Errorf("invalid LEDGER_BACKEND %q (expected sqlite or postgres)", backend)
	}

	return &models.Config{
		Backend: backend,
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "ledger.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
			PingTimeout:     pingTimeout,
			BusyTimeout:     busyTimeout,
		},
		Postgres: models.PostgresConfig{
			URL:         getEnvString("POSTGRES_URL", ""),
			MaxConns:    int32(getEnvInt("POSTGRES_MAX_CONNS", 10)),
			PingTimeout: pingTimeout,
		},
		Trading: models.TradingConfig{
			AssetsFile:          getEnvString("ASSETS_FILE", "assets.yaml"),
			SupportedAssets:     getEnvList("SUPPORTED_CRYPTOCURRENCIES", []string{"BTC", "ETH", "USDT", "USDC"}),
			KeyPriceDivisor:     keyPriceDivisor,
			SellFeeRate:         sellFeeRate,
			SettlementMode:      settlementMode,
			SettlementTimeout:   settlementTimeout,
			ReservationGrace:    reservationGrace,
			MaxRetries:          getEnvInt("ORDER_MAX_RETRIES", 3),
			RetryBackoff:        retryBackoff,
			NotificationTimeout: notificationTimeout,
		},
		Risk: models.RiskConfig{
			MaxScore:       getEnvInt("RISK_MAX_SCORE", 80),
			LockScore:      getEnvInt("RISK_LOCK_SCORE", 85),
			LockDuration:   riskLockDuration,
			ActivityWindow: activityWindow,
			MinAccountAge:  minAccountAge,
		},
		Gate: models.GateConfig{
			MaxLoginAttempts: getEnvInt("MAX_LOGIN_ATTEMPTS", 5),
			LockDuration:     loginLockDuration,
		},
		Pricing: models.PricingConfig{
			BaseURL:     getEnvString("PRICE_API_URL", "https://api.binance.com/api"),
			QuoteAsset:  strings.ToUpper(getEnvString("PRICE_QUOTE_ASSET", "USDT")),
			Timeout:     priceTimeout,
			CacheTTL:    priceCacheTTL,
			RateLimit:   getEnvFloat("PRICE_RATE_LIMIT", 10),
			Stablecoins: getEnvList("STABLECOINS", []string{"USDT", "USDC"}),
		},
		Notification: models.NotificationConfig{
			AMQPURL:    getEnvString("AMQP_URL", ""),
			Exchange:   getEnvString("AMQP_EXCHANGE", "trades"),
			RoutingKey: getEnvString("AMQP_ROUTING_KEY", "order.completed"),
		},
		Activity: models.ActivityConfig{
			RedisAddr:     getEnvString("REDIS_ADDR", ""),
			RedisPassword: getEnvString("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			Prefix:        getEnvString("REDIS_PREFIX", "keytrade:activity"),
		},
		Worker: models.WorkerConfig{
			SweepInterval: sweepInterval,
			StatsSchedule: getEnvString("STATS_SCHEDULE", "@daily"),
		},
		LogLevel: strings.ToLower(getEnvString("LOG_LEVEL", "info")),
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvList parses a comma separated list, upper-casing and dropping blanks
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
