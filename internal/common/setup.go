package common

import (
	"context"
	"log"
	"strings"

	"key-trade-ledger-go/internal/account"
	"key-trade-ledger-go/internal/activity"
	"key-trade-ledger-go/internal/api"
	"key-trade-ledger-go/internal/database"
	"key-trade-ledger-go/internal/models"
	"key-trade-ledger-go/internal/notify"
	"key-trade-ledger-go/internal/postgres"
	"key-trade-ledger-go/internal/pricing"
	"key-trade-ledger-go/internal/risk"
	"key-trade-ledger-go/internal/store"
	"key-trade-ledger-go/internal/trading"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can also be set via shell export, docker, etc.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	Store     store.LedgerStore
	Ledger    *api.LedgerService
	Oracle    pricing.Oracle
	Risk      *risk.Engine
	Gate      *account.Gate
	Processor *trading.Processor

	closers []func()
}

// InitializeLogger builds the production logger at the given level
// (debug, info, warn, error) and installs it as the zap global.
func InitializeLogger(level string) (*zap.Logger, func()) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			log.Printf("Invalid LOG_LEVEL %q, using info: %v\n", level, err)
		} else {
			cfg.Level = parsed
		}
	}

	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeStore opens the configured ledger backend
func InitializeStore(ctx context.Context, cfg *models.Config) (store.LedgerStore, error) {
	if cfg.Backend == "postgres" {
		zap.L().Info("Using postgres ledger backend")
		pg, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}

	zap.L().Info("Using sqlite ledger backend", zap.String("path", cfg.Database.Path))
	db, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// InitializeServices wires the store, price oracle, risk engine, login gate,
// activity counter and notification sinks into a trading processor.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	ledger, err := InitializeStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	services := &Services{
		Store:   ledger,
		Ledger:  api.NewLedgerService(ledger),
		closers: []func(){ledger.Close},
	}

	tradingCfg := trading.ConfigFrom(cfg.Trading)
	pricingCfg := cfg.Pricing
	if assets, err := LoadAssetConfig(cfg.Trading.AssetsFile); err == nil {
		tradingCfg.SupportedAssets = assets.Symbols()
		pricingCfg.Stablecoins = append(append([]string(nil), pricingCfg.Stablecoins...), assets.Stablecoins()...)
	} else {
		zap.L().Info("No asset file loaded, using SUPPORTED_CRYPTOCURRENCIES",
			zap.String("assets_file", cfg.Trading.AssetsFile),
			zap.Error(err))
	}

	binance, err := pricing.NewBinanceOracle(pricingCfg)
	if err != nil {
		services.Close()
		return nil, err
	}
	oracle := pricing.NewCachedOracle(binance, cfg.Pricing.CacheTTL, cfg.Pricing.Timeout)
	services.Oracle = oracle

	counter := initializeActivity(cfg, ledger, services)
	sink := initializeSink(cfg, services)

	services.Risk = risk.NewEngine(ledger, counter, risk.Config{
		MaxScore:       cfg.Risk.MaxScore,
		LockScore:      cfg.Risk.LockScore,
		LockDuration:   cfg.Risk.LockDuration,
		ActivityWindow: cfg.Risk.ActivityWindow,
		MinAccountAge:  cfg.Risk.MinAccountAge,
	})
	services.Gate = account.NewGate(ledger, account.Config{
		MaxLoginAttempts: cfg.Gate.MaxLoginAttempts,
		LockDuration:     cfg.Gate.LockDuration,
	})

	services.Processor, err = trading.NewProcessor(trading.Dependencies{
		Store:    ledger,
		Oracle:   oracle,
		Risk:     services.Risk,
		Gate:     services.Gate,
		Activity: counter,
		Sink:     sink,
	}, tradingCfg)
	if err != nil {
		services.Close()
		return nil, err
	}

	zap.L().Info("Services initialized",
		zap.String("backend", cfg.Backend),
		zap.String("settlement_mode", tradingCfg.SettlementMode),
		zap.Strings("assets", tradingCfg.SupportedAssets))
	return services, nil
}

// initializeActivity prefers the Redis counter when REDIS_ADDR is set
func initializeActivity(cfg *models.Config, ledger store.LedgerStore, services *Services) activity.Counter {
	fallback := activity.NewStoreCounter(ledger)
	if cfg.Activity.RedisAddr == "" {
		return fallback
	}
	counter := activity.NewRedisCounter(activity.NewRedisClient(cfg.Activity), cfg.Activity.Prefix, cfg.Risk.ActivityWindow, fallback)
	services.closers = append(services.closers, func() {
		if err := counter.Close(); err != nil {
			zap.L().Warn("Failed to close redis client", zap.Error(err))
		}
	})
	zap.L().Info("Using redis activity counter", zap.String("addr", cfg.Activity.RedisAddr))
	return counter
}

// initializeSink always logs and also publishes to RabbitMQ when AMQP_URL is set
func initializeSink(cfg *models.Config, services *Services) notify.Sink {
	sinks := notify.Fanout{notify.LogSink{}}
	if cfg.Notification.AMQPURL == "" {
		return sinks
	}
	amqpSink, err := notify.NewAMQPSink(cfg.Notification)
	if err != nil {
		zap.L().Warn("AMQP sink unavailable, notifications will only be logged", zap.Error(err))
		return sinks
	}
	services.closers = append(services.closers, amqpSink.Close)
	return append(sinks, amqpSink)
}

// InitializeDatabaseOnly opens just the ledger store for read-only utilities
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (store.LedgerStore, error) {
	return InitializeStore(ctx, cfg)
}

func (cs *Services) Close() {
	for i := len(cs.closers) - 1; i >= 0; i-- {
		cs.closers[i]()
	}
	cs.closers = nil
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
