package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Backend      string
	Database     DatabaseConfig
	Postgres     PostgresConfig
	Trading      TradingConfig
	Risk         RiskConfig
	Gate         GateConfig
	Pricing      PricingConfig
	Notification NotificationConfig
	Activity     ActivityConfig
	Worker       WorkerConfig
	LogLevel     string
}

// DatabaseConfig holds SQLite connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	BusyTimeout     time.Duration
}

// PostgresConfig holds pgx pool settings
type PostgresConfig struct {
	URL         string
	MaxConns    int32
	PingTimeout time.Duration
}

// Settlement modes
const (
	SettlementDeferred  = "deferred"
	SettlementImmediate = "immediate"
)

// TradingConfig holds order processing settings
type TradingConfig struct {
	AssetsFile          string
	SupportedAssets     []string
	KeyPriceDivisor     decimal.Decimal
	SellFeeRate         decimal.Decimal
	SettlementMode      string
	SettlementTimeout   time.Duration
	ReservationGrace    time.Duration
	MaxRetries          int
	RetryBackoff        time.Duration
	NotificationTimeout time.Duration
}

// RiskConfig holds risk engine thresholds
type RiskConfig struct {
	MaxScore       int
	LockScore      int
	LockDuration   time.Duration
	ActivityWindow time.Duration
	MinAccountAge  time.Duration
}

// GateConfig holds login lockout settings
type GateConfig struct {
	MaxLoginAttempts int
	LockDuration     time.Duration
}

// PricingConfig holds price oracle settings
type PricingConfig struct {
	BaseURL     string
	QuoteAsset  string
	Timeout     time.Duration
	CacheTTL    time.Duration
	RateLimit   float64
	Stablecoins []string
}

// NotificationConfig holds RabbitMQ sink settings
type NotificationConfig struct {
	AMQPURL    string
	Exchange   string
	RoutingKey string
}

// ActivityConfig holds Redis activity counter settings
type ActivityConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
}

// WorkerConfig holds background worker settings
type WorkerConfig struct {
	SweepInterval time.Duration
	StatsSchedule string
}
